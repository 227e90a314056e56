// ABOUTME: SQLite implementation of SessionStore and DeviceIndex using modernc.org/sqlite
// ABOUTME: Provides TTL-bounded session records with version CAS and automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// sweepInterval is how often the background sweep reclaims expired rows.
// Expired rows are already invisible to reads; the sweep only frees space.
const sweepInterval = time.Minute

// SQLiteStore implements SessionStore and DeviceIndex using SQLite
type SQLiteStore struct {
	db         *sql.DB
	ttl        time.Duration
	messageCap int
	logger     *slog.Logger
	done       chan struct{}
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
//
// ttl is the session inactivity window; messageCap bounds the stored history
// (oldest entries evicted first).
func NewSQLiteStore(path string, ttl time.Duration, messageCap int) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if ttl <= 0 {
		return nil, fmt.Errorf("session ttl must be positive, got %s", ttl)
	}
	if messageCap <= 0 {
		return nil, fmt.Errorf("message cap must be positive, got %d", messageCap)
	}

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	// Immediate transactions take the write lock up front, so a commit's
	// read-mutate-write sequence is never interleaved with another writer.
	// busy_timeout goes in the DSN so every pooled connection waits for the
	// write lock instead of failing under contention.
	db, err := sql.Open("sqlite", path+"?_txlock=immediate&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{
		db:         db,
		ttl:        ttl,
		messageCap: messageCap,
		logger:     logger,
		done:       make(chan struct{}),
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	go s.sweep()

	logger.Info("SQLite store initialized", "path", path, "ttl", ttl, "message_cap", messageCap)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			owner_kind TEXT NOT NULL,
			owner_id TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			last_activity DATETIME NOT NULL,
			expires_at DATETIME NOT NULL,
			claimed_at DATETIME,
			version INTEGER NOT NULL,
			messages TEXT NOT NULL,
			context TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_expires_at
			ON sessions(expires_at);

		CREATE TABLE IF NOT EXISTS device_index (
			device_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			updated_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS user_sessions (
			user_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			PRIMARY KEY (user_id, session_id)
		);

		CREATE TABLE IF NOT EXISTS turn_audit (
			id TEXT PRIMARY KEY,
			topic TEXT NOT NULL,
			message_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			owner_kind TEXT NOT NULL,
			owner_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			intent TEXT,
			recorded_at DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_turn_audit_session
			ON turn_audit(session_id, recorded_at);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return nil
}

// Create allocates a new session with an empty history and a fresh TTL.
// For authenticated owners the user_sessions index row is written in the
// same transaction.
func (s *SQLiteStore) Create(ctx context.Context, owner Owner) (*Session, error) {
	if owner.ID == "" {
		return nil, fmt.Errorf("owner id is required")
	}

	now := time.Now().UTC()
	sess := &Session{
		ID:           newSessionID(),
		Owner:        owner,
		CreatedAt:    now,
		LastActivity: now,
		Messages:     []Message{},
		Context:      map[string]any{},
		Version:      0,
	}

	messagesJSON, contextJSON, err := encodeState(sess)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (id, owner_kind, owner_id, created_at, last_activity, expires_at, claimed_at, version, messages, context)
		VALUES (?, ?, ?, ?, ?, ?, NULL, 0, ?, ?)`,
		sess.ID,
		string(owner.Kind),
		owner.ID,
		now.Format(time.RFC3339Nano),
		now.Format(time.RFC3339Nano),
		now.Add(s.ttl).Format(time.RFC3339Nano),
		messagesJSON,
		contextJSON,
	)
	if err != nil {
		return nil, fmt.Errorf("inserting session: %w", err)
	}

	if owner.IsUser() {
		if err := indexUserSession(ctx, tx, owner.ID, sess.ID); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}

	s.logger.Debug("session created", "session_id", sess.ID, "owner", owner)
	return sess, nil
}

// Get returns the current snapshot of a session. Expired sessions are
// reported as ErrNotFound even before the sweep reclaims the row. The TTL is
// not refreshed.
func (s *SQLiteStore) Get(ctx context.Context, sessionID string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner_kind, owner_id, created_at, last_activity, expires_at, claimed_at, version, messages, context
		FROM sessions WHERE id = ?`, sessionID)
	return scanSession(row, time.Now().UTC())
}

// Commit performs the atomic read-verify-mutate-write cycle that every
// session mutation goes through. The mutator runs against a fresh read inside
// the transaction; expectedVersion is compared against the stored version and
// a mismatch yields ErrVersionConflict without applying anything.
func (s *SQLiteStore) Commit(ctx context.Context, sessionID string, expectedVersion int64, mutate Mutator) (*Session, error) {
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT id, owner_kind, owner_id, created_at, last_activity, expires_at, claimed_at, version, messages, context
		FROM sessions WHERE id = ?`, sessionID)
	sess, err := scanSession(row, now)
	if err != nil {
		return nil, err
	}

	if sess.Version != expectedVersion {
		return nil, fmt.Errorf("%w: expected %d, have %d", ErrVersionConflict, expectedVersion, sess.Version)
	}

	ownerBefore := sess.Owner
	if err := mutate(sess); err != nil {
		return nil, err
	}

	// Bounded history: evict from the front once the cap is exceeded
	if len(sess.Messages) > s.messageCap {
		sess.Messages = append([]Message(nil), sess.Messages[len(sess.Messages)-s.messageCap:]...)
	}

	sess.Version = expectedVersion + 1
	sess.LastActivity = now

	messagesJSON, contextJSON, err := encodeState(sess)
	if err != nil {
		return nil, err
	}

	var claimedAt any
	if sess.ClaimedAt != nil {
		claimedAt = sess.ClaimedAt.UTC().Format(time.RFC3339Nano)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE sessions
		SET owner_kind = ?, owner_id = ?, last_activity = ?, expires_at = ?, claimed_at = ?, version = ?, messages = ?, context = ?
		WHERE id = ? AND version = ?`,
		string(sess.Owner.Kind),
		sess.Owner.ID,
		now.Format(time.RFC3339Nano),
		now.Add(s.ttl).Format(time.RFC3339Nano),
		claimedAt,
		sess.Version,
		messagesJSON,
		contextJSON,
		sessionID,
		expectedVersion,
	)
	if err != nil {
		return nil, fmt.Errorf("updating session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("checking update result: %w", err)
	}
	if affected == 0 {
		// Another writer landed between our read and write. The immediate
		// transaction lock should prevent this, but the version guard on the
		// UPDATE keeps it impossible to lose an update either way.
		return nil, ErrVersionConflict
	}

	// Keep the user index in step with an ownership transition
	if !ownerBefore.Matches(sess.Owner) && sess.Owner.IsUser() {
		if err := indexUserSession(ctx, tx, sess.Owner.ID, sess.ID); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}

	s.logger.Debug("session committed",
		"session_id", sessionID,
		"version", sess.Version,
		"messages", len(sess.Messages))
	return sess, nil
}

// Delete removes a session immediately, along with its user index rows.
func (s *SQLiteStore) Delete(ctx context.Context, sessionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking delete result: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM user_sessions WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("deleting user index rows: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	s.logger.Debug("session deleted", "session_id", sessionID)
	return nil
}

// ListUserSessions returns the session IDs owned by a user, most recently
// indexed last. Sessions that have expired since indexing are filtered out.
func (s *SQLiteStore) ListUserSessions(ctx context.Context, userID string) ([]string, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	rows, err := s.db.QueryContext(ctx, `
		SELECT us.session_id
		FROM user_sessions us
		JOIN sessions se ON se.id = us.session_id
		WHERE us.user_id = ? AND se.expires_at > ?
		ORDER BY se.last_activity ASC`, userID, now)
	if err != nil {
		return nil, fmt.Errorf("listing user sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning session id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Resolve returns the session bound to a device, or ErrNotFound.
func (s *SQLiteStore) Resolve(ctx context.Context, deviceID string) (string, error) {
	var sessionID string
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id FROM device_index WHERE device_id = ?`, deviceID).Scan(&sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("resolving device: %w", err)
	}
	return sessionID, nil
}

// Bind upserts the device -> session mapping.
func (s *SQLiteStore) Bind(ctx context.Context, deviceID, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO device_index (device_id, session_id, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET session_id = excluded.session_id, updated_at = excluded.updated_at`,
		deviceID, sessionID, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("binding device: %w", err)
	}
	return nil
}

// sweep runs in a background goroutine, periodically reclaiming expired rows.
func (s *SQLiteStore) sweep() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runSweep()
		case <-s.done:
			return
		}
	}
}

// runSweep deletes expired sessions, orphaned index rows, and stale device
// bindings in one pass.
func (s *SQLiteStore) runSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	now := time.Now().UTC().Format(time.RFC3339Nano)

	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at <= ?`, now)
	if err != nil {
		s.logger.Warn("session sweep failed", "error", err)
		return
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		s.logger.Debug("swept expired sessions", "count", n)
	}

	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM user_sessions WHERE session_id NOT IN (SELECT id FROM sessions)`); err != nil {
		s.logger.Warn("user index sweep failed", "error", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM device_index WHERE session_id NOT IN (SELECT id FROM sessions)`); err != nil {
		s.logger.Warn("device index sweep failed", "error", err)
	}
}

// Ping verifies the database handle is still usable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close stops the background sweep and releases the database handle.
func (s *SQLiteStore) Close() error {
	select {
	case <-s.done:
		// already closed
	default:
		close(s.done)
	}
	return s.db.Close()
}

// indexUserSession writes a user_sessions row inside the given transaction.
func indexUserSession(ctx context.Context, tx *sql.Tx, userID, sessionID string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO user_sessions (user_id, session_id) VALUES (?, ?)`, userID, sessionID)
	if err != nil {
		return fmt.Errorf("indexing user session: %w", err)
	}
	return nil
}

// encodeState marshals the mutable JSON columns of a session.
func encodeState(sess *Session) (messagesJSON, contextJSON string, err error) {
	m, err := json.Marshal(sess.Messages)
	if err != nil {
		return "", "", fmt.Errorf("marshaling messages: %w", err)
	}
	c, err := json.Marshal(sess.Context)
	if err != nil {
		return "", "", fmt.Errorf("marshaling context: %w", err)
	}
	return string(m), string(c), nil
}

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanSession reads one session row, translating absent and expired rows to
// ErrNotFound.
func scanSession(row rowScanner, now time.Time) (*Session, error) {
	var (
		sess         Session
		ownerKind    string
		createdAt    string
		lastActivity string
		expiresAt    string
		claimedAt    sql.NullString
		messagesJSON string
		contextJSON  string
	)

	err := row.Scan(&sess.ID, &ownerKind, &sess.Owner.ID, &createdAt, &lastActivity,
		&expiresAt, &claimedAt, &sess.Version, &messagesJSON, &contextJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning session: %w", err)
	}

	sess.Owner.Kind = OwnerKind(ownerKind)

	expiry, err := time.Parse(time.RFC3339Nano, expiresAt)
	if err != nil {
		return nil, fmt.Errorf("parsing expires_at: %w", err)
	}
	if !expiry.After(now) {
		return nil, ErrNotFound
	}

	if sess.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if sess.LastActivity, err = time.Parse(time.RFC3339Nano, lastActivity); err != nil {
		return nil, fmt.Errorf("parsing last_activity: %w", err)
	}
	if claimedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, claimedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing claimed_at: %w", err)
		}
		sess.ClaimedAt = &t
	}

	if err := json.Unmarshal([]byte(messagesJSON), &sess.Messages); err != nil {
		return nil, fmt.Errorf("unmarshaling messages: %w", err)
	}
	if err := json.Unmarshal([]byte(contextJSON), &sess.Context); err != nil {
		return nil, fmt.Errorf("unmarshaling context: %w", err)
	}

	return &sess, nil
}
