package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/callsight/callsight/internal/database"
)

// ErrNotFound is returned when no session exists for the given key.
var ErrNotFound = errors.New("session: not found")

// Store persists call sessions and the channel→call index. Put replaces
// the call record and its index rows in one transaction, so a reader never
// observes a channel pointing at a stale session. Serialization of
// concurrent writers for the same call is the dispatcher's job; the store
// guarantees only per-Put atomicity.
type Store struct {
	db *database.DB
}

// NewStore creates a session store on the shared database handle.
func NewStore(db *database.DB) *Store {
	return &Store{db: db}
}

// Get loads a session by call id.
func (s *Store) Get(ctx context.Context, callID string) (*CallSession, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM call_sessions WHERE call_id = ?`, callID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying session %s: %w", callID, err)
	}
	return Decode(data)
}

// GetByChannel resolves the call id owning a channel.
func (s *Store) GetByChannel(ctx context.Context, channelID string) (string, error) {
	var callID string
	err := s.db.QueryRowContext(ctx,
		`SELECT call_id FROM call_channels WHERE channel_id = ?`, channelID).Scan(&callID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("querying channel %s: %w", channelID, err)
	}
	return callID, nil
}

// Put upserts the session and rewrites its channel index entries
// atomically.
func (s *Store) Put(ctx context.Context, sess *CallSession) error {
	data, err := sess.Encode()
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning session write: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx,
		`INSERT INTO call_sessions (call_id, status, data, updated_at)
		 VALUES (?, ?, ?, datetime('now'))
		 ON CONFLICT(call_id) DO UPDATE SET
		   status = excluded.status,
		   data = excluded.data,
		   updated_at = excluded.updated_at`,
		sess.CallID, string(sess.Status), data,
	)
	if err != nil {
		return fmt.Errorf("upserting session %s: %w", sess.CallID, err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM call_channels WHERE call_id = ?`, sess.CallID); err != nil {
		return fmt.Errorf("clearing channel index for %s: %w", sess.CallID, err)
	}
	for _, ch := range sess.Channels() {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO call_channels (channel_id, call_id) VALUES (?, ?)
			 ON CONFLICT(channel_id) DO UPDATE SET call_id = excluded.call_id`,
			ch, sess.CallID); err != nil {
			return fmt.Errorf("indexing channel %s: %w", ch, err)
		}
	}

	return tx.Commit()
}

// Delete removes the session and all its channel index entries. Deleting a
// missing session is a no-op.
func (s *Store) Delete(ctx context.Context, callID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning session delete: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM call_channels WHERE call_id = ?`, callID); err != nil {
		return fmt.Errorf("deleting channel index for %s: %w", callID, err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM call_sessions WHERE call_id = ?`, callID); err != nil {
		return fmt.Errorf("deleting session %s: %w", callID, err)
	}
	return tx.Commit()
}

// List returns all live sessions.
func (s *Store) List(ctx context.Context) ([]*CallSession, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM call_sessions ORDER BY updated_at`)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*CallSession
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scanning session row: %w", err)
		}
		sess, err := Decode(data)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// Count returns the number of live sessions.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM call_sessions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting sessions: %w", err)
	}
	return n, nil
}

// SweepStale returns sessions that have sat in TEARING_DOWN longer than
// ttl. These are calls whose BridgeDestroyed never arrived (for example a
// hangup that raced the bridge create); the dispatcher's reaper finalizes
// and deletes them.
func (s *Store) SweepStale(ctx context.Context, ttl time.Duration) ([]*CallSession, error) {
	cutoff := time.Now().UTC().Add(-ttl).Format("2006-01-02 15:04:05")
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM call_sessions
		 WHERE status = ? AND updated_at < ?`,
		string(StatusTearingDown), cutoff)
	if err != nil {
		return nil, fmt.Errorf("sweeping stale sessions: %w", err)
	}
	defer rows.Close()

	var stale []*CallSession
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scanning stale session: %w", err)
		}
		sess, err := Decode(data)
		if err != nil {
			return nil, err
		}
		stale = append(stale, sess)
	}
	return stale, rows.Err()
}
