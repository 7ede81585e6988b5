package engine

import "strings"

// Keyspace lays out the persisted keys under a common root.
//
//	{root}requests/{id}
//	{root}waiting
//	{root}allocation/{id}
//	{root}haproxy/...
type Keyspace struct {
	Root string
}

// DefaultKeyspace uses the "manticore/" root.
var DefaultKeyspace = Keyspace{Root: "manticore/"}

// NewKeyspace returns a keyspace rooted at root, adding a trailing slash
// when missing. An empty root selects DefaultKeyspace, as does the zero
// Keyspace wherever one is optional.
func NewKeyspace(root string) Keyspace {
	if root == "" {
		return DefaultKeyspace
	}
	if !strings.HasSuffix(root, "/") {
		root += "/"
	}
	return Keyspace{Root: root}
}

// Requests is the prefix of every request key.
func (k Keyspace) Requests() string { return k.Root + "requests/" }

// Request is the key of one user's request.
func (k Keyspace) Request(id string) string { return k.Requests() + id }

// Waiting is the single key holding the serialized waiting list.
func (k Keyspace) Waiting() string { return k.Root + "waiting" }

// Allocations is the prefix of every allocation key.
func (k Keyspace) Allocations() string { return k.Root + "allocation/" }

// Allocation is the key of one user's allocation record.
func (k Keyspace) Allocation(id string) string { return k.Allocations() + id }

// Proxy is the prefix under which proxy routing data is published.
func (k Keyspace) Proxy() string { return k.Root + "haproxy/" }

// IDFromKey strips prefix from key. It returns false for keys outside prefix
// and for the bare prefix itself.
func IDFromKey(prefix, key string) (string, bool) {
	if !strings.HasPrefix(key, prefix) {
		return "", false
	}
	id := strings.TrimPrefix(key, prefix)
	if id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

// IDsFromKeys maps keys under prefix to their ids, dropping anything else.
func IDsFromKeys(prefix string, keys []string) []string {
	ids := make([]string, 0, len(keys))
	for _, key := range keys {
		if id, ok := IDFromKey(prefix, key); ok {
			ids = append(ids, id)
		}
	}
	return ids
}
