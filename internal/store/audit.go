// ABOUTME: Turn audit sink for events mirrored off the bus
// ABOUTME: Records every inbound user message and outbound assistant reply for analytics

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TurnAudit is one mirrored turn event, as observed by the bus consumer.
// It is an observability record, not conversation state: the session row
// remains the source of truth for history.
type TurnAudit struct {
	ID         string
	Topic      string
	MessageID  string
	SessionID  string
	Owner      Owner
	Role       string
	Content    string
	Intent     string
	RecordedAt time.Time
}

// SaveTurnAudit persists one audit record. At-least-once delivery from the
// bus means duplicates are possible; each record gets its own row ID so a
// redelivery never fails the write.
func (s *SQLiteStore) SaveTurnAudit(ctx context.Context, rec *TurnAudit) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now().UTC()
	}

	var intent any
	if rec.Intent != "" {
		intent = rec.Intent
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO turn_audit (id, topic, message_id, session_id, owner_kind, owner_id, role, content, intent, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.Topic,
		rec.MessageID,
		rec.SessionID,
		string(rec.Owner.Kind),
		rec.Owner.ID,
		rec.Role,
		rec.Content,
		intent,
		rec.RecordedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting audit record: %w", err)
	}

	s.logger.Debug("saved turn audit",
		"audit_id", rec.ID,
		"topic", rec.Topic,
		"session_id", rec.SessionID,
		"role", rec.Role)
	return nil
}

// ListTurnAudit returns the most recent audit records for a session, oldest
// first, up to limit.
func (s *SQLiteStore) ListTurnAudit(ctx context.Context, sessionID string, limit int) ([]*TurnAudit, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, topic, message_id, session_id, owner_kind, owner_id, role, content, intent, recorded_at
		FROM turn_audit
		WHERE session_id = ?
		ORDER BY recorded_at DESC
		LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying audit records: %w", err)
	}
	defer rows.Close()

	var recs []*TurnAudit
	for rows.Next() {
		var (
			rec        TurnAudit
			ownerKind  string
			intent     *string
			recordedAt string
		)
		if err := rows.Scan(&rec.ID, &rec.Topic, &rec.MessageID, &rec.SessionID,
			&ownerKind, &rec.Owner.ID, &rec.Role, &rec.Content, &intent, &recordedAt); err != nil {
			return nil, fmt.Errorf("scanning audit record: %w", err)
		}
		rec.Owner.Kind = OwnerKind(ownerKind)
		if intent != nil {
			rec.Intent = *intent
		}
		if rec.RecordedAt, err = time.Parse(time.RFC3339Nano, recordedAt); err != nil {
			return nil, fmt.Errorf("parsing recorded_at: %w", err)
		}
		recs = append(recs, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse to oldest-first
	for i, j := 0, len(recs)-1; i < j; i, j = i+1, j-1 {
		recs[i], recs[j] = recs[j], recs[i]
	}
	return recs, nil
}
