package store

import (
	"context"
	"fmt"
)

// AppendEvent writes an audit record. Events are write-only; the eventlog
// package provides the read side.
func (s *Store) AppendEvent(ctx context.Context, typ, entityType, entityID, payload string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (type, entity_type, entity_id, payload, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		typ, entityType, entityID, payload, formatTime(s.now()))
	if err != nil {
		return fmt.Errorf("append event %s: %w", typ, err)
	}
	return nil
}

// CountEvents returns the number of events of the given type. Test helper
// and dashboard statistic.
func (s *Store) CountEvents(ctx context.Context, typ string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM events WHERE type = ?`, typ).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count events %s: %w", typ, err)
	}
	return n, nil
}
