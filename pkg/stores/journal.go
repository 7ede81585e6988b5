package stores

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/manticore/manticore/pkg/telemetry"
)

// AppendEvent records an event in the journal. Re-appending an event with
// the same ID is a no-op.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event telemetry.Event) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Level == "" {
		event.Level = telemetry.EventLevelInfo
	}

	var data []byte
	if len(event.Data) > 0 {
		var err error
		if data, err = json.Marshal(event.Data); err != nil {
			return fmt.Errorf("failed to encode event data: %w", err)
		}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO events (id, timestamp, type, source, user_id, level, message, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, event.ID, event.Timestamp.UTC(), event.Type, event.Source, event.UserID, event.Level, event.Message, nullable(data))
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// GetEvents returns journal events matching q, newest first.
func (s *SQLiteStore) GetEvents(ctx context.Context, q EventQuery) ([]telemetry.Event, error) {
	if q.Limit <= 0 {
		q.Limit = defaultEventLimit
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, timestamp, type, source, user_id, level, message, data
		FROM events
		WHERE (? = '' OR user_id = ?)
		  AND (? = '' OR type = ?)
		  AND (? = '' OR level = ?)
		ORDER BY timestamp DESC, id
		LIMIT ? OFFSET ?
	`, q.UserID, q.UserID, q.Type, q.Type, q.Level, q.Level, q.Limit, q.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	defer rows.Close()

	events := []telemetry.Event{}
	for rows.Next() {
		var (
			event telemetry.Event
			data  []byte
		)
		if err := rows.Scan(&event.ID, &event.Timestamp, &event.Type, &event.Source,
			&event.UserID, &event.Level, &event.Message, &data); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &event.Data); err != nil {
				return nil, fmt.Errorf("failed to decode event data: %w", err)
			}
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

// JournalSubscriber returns an EventSubscriber that appends every event to
// the journal. Failures are logged and dropped.
func (s *SQLiteStore) JournalSubscriber(ctx context.Context) telemetry.EventSubscriber {
	return func(event telemetry.Event) {
		if err := s.AppendEvent(ctx, event); err != nil {
			s.logger.Warn().Err(err).Str("event_type", event.Type).Msg("journal append failed")
		}
	}
}

func nullable(b []byte) interface{} {
	if b == nil {
		return nil
	}
	return string(b)
}
