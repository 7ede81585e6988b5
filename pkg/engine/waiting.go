package engine

import (
	"encoding/json"
	"sort"
)

// WaitingEntry is one user's place in the admission queue.
type WaitingEntry struct {
	// Rank is assigned monotonically at enqueue time.
	Rank int64 `json:"rank"`

	// Admitted marks a user that left the queue and owns a job. Admitted
	// entries stay tracked so the request-vanished purge can release them.
	Admitted bool `json:"admitted,omitempty"`
}

// WaitingList is the ordered mapping of user id to enqueue rank, persisted
// as a single value so every queue mutation is one write.
type WaitingList struct {
	NextRank int64                   `json:"nextRank"`
	Entries  map[string]WaitingEntry `json:"entries"`
}

// NewWaitingList returns an empty waiting list.
func NewWaitingList() *WaitingList {
	return &WaitingList{Entries: make(map[string]WaitingEntry)}
}

// ParseWaitingList decodes a stored waiting list. Empty input is an empty
// list. Malformed input also yields an empty list, together with a Malformed
// error the caller may log; the returned list is never nil.
func ParseWaitingList(data []byte) (*WaitingList, error) {
	if len(data) == 0 {
		return NewWaitingList(), nil
	}
	w := NewWaitingList()
	if err := json.Unmarshal(data, w); err != nil {
		return NewWaitingList(), NewMalformedError("failed to decode waiting list", err)
	}
	if w.Entries == nil {
		w.Entries = make(map[string]WaitingEntry)
	}
	for _, e := range w.Entries {
		if e.Rank >= w.NextRank {
			w.NextRank = e.Rank + 1
		}
	}
	return w, nil
}

// Encode serializes the list for storage.
func (w *WaitingList) Encode() ([]byte, error) {
	return json.Marshal(w)
}

// Clone returns a deep copy.
func (w *WaitingList) Clone() *WaitingList {
	c := &WaitingList{NextRank: w.NextRank, Entries: make(map[string]WaitingEntry, len(w.Entries))}
	for id, e := range w.Entries {
		c.Entries[id] = e
	}
	return c
}

// Equal reports whether both lists hold the same entries and next rank.
func (w *WaitingList) Equal(o *WaitingList) bool {
	if w.NextRank != o.NextRank || len(w.Entries) != len(o.Entries) {
		return false
	}
	for id, e := range w.Entries {
		if oe, ok := o.Entries[id]; !ok || oe != e {
			return false
		}
	}
	return true
}

// Len returns the number of tracked users, queued or admitted.
func (w *WaitingList) Len() int { return len(w.Entries) }

// Has reports whether id is tracked.
func (w *WaitingList) Has(id string) bool {
	_, ok := w.Entries[id]
	return ok
}

// IDs returns every tracked id in rank order.
func (w *WaitingList) IDs() []string {
	return w.ordered(func(WaitingEntry) bool { return true })
}

// Queued returns the ids still waiting for admission, in rank order.
func (w *WaitingList) Queued() []string {
	return w.ordered(func(e WaitingEntry) bool { return !e.Admitted })
}

// Admitted returns the ids that own a job, in rank order.
func (w *WaitingList) Admitted() []string {
	return w.ordered(func(e WaitingEntry) bool { return e.Admitted })
}

func (w *WaitingList) ordered(keep func(WaitingEntry) bool) []string {
	ids := make([]string, 0, len(w.Entries))
	for id, e := range w.Entries {
		if keep(e) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		ri, rj := w.Entries[ids[i]].Rank, w.Entries[ids[j]].Rank
		if ri != rj {
			return ri < rj
		}
		return ids[i] < ids[j]
	})
	return ids
}

// Reconcile drops every entry whose id is not in requestIDs. Ranks of the
// remaining entries are untouched, so their relative order is preserved.
// The removed ids are returned in rank order; the caller must release their
// allocation and job.
func Reconcile(requestIDs []string, w *WaitingList) (*WaitingList, []string) {
	current := make(map[string]bool, len(requestIDs))
	for _, id := range requestIDs {
		current[id] = true
	}

	next := w.Clone()
	var removed []string
	for _, id := range w.IDs() {
		if !current[id] {
			delete(next.Entries, id)
			removed = append(removed, id)
		}
	}
	return next, removed
}

// Enqueue appends every id not yet tracked at the tail, in the given order.
func Enqueue(w *WaitingList, ids []string) (*WaitingList, []string) {
	next := w.Clone()
	var added []string
	for _, id := range ids {
		if next.Has(id) {
			continue
		}
		next.Entries[id] = WaitingEntry{Rank: next.NextRank}
		next.NextRank++
		added = append(added, id)
	}
	return next, added
}

// NextInQueue returns the queued id with the lowest rank.
func NextInQueue(w *WaitingList) (string, bool) {
	queued := w.Queued()
	if len(queued) == 0 {
		return "", false
	}
	return queued[0], true
}

// MarkAdmitted returns a copy of w with id taken out of the queue.
func MarkAdmitted(w *WaitingList, id string) *WaitingList {
	next := w.Clone()
	if e, ok := next.Entries[id]; ok {
		e.Admitted = true
		next.Entries[id] = e
	}
	return next
}

// Requeue returns a copy of w with an admitted id back in the queue at its
// original rank.
func Requeue(w *WaitingList, id string) *WaitingList {
	next := w.Clone()
	if e, ok := next.Entries[id]; ok {
		e.Admitted = false
		next.Entries[id] = e
	}
	return next
}

// QueuePositions returns the 1-based position of every queued id,
// recomputed from scratch on each call.
func QueuePositions(w *WaitingList) map[string]int {
	queued := w.Queued()
	positions := make(map[string]int, len(queued))
	for i, id := range queued {
		positions[id] = i + 1
	}
	return positions
}
