package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/livefeed-project/livefeed/internal/events"
)

// Record kinds.
const (
	KindState    = "state"
	KindLiveness = "liveness"
)

// Record is one lifecycle transition of a relay run. Chat content is never
// stored.
type Record struct {
	ID        int64     `json:"id"`
	RunID     string    `json:"run_id"`
	RoomID    int64     `json:"room_id"`
	Attempt   int       `json:"attempt"`
	Kind      string    `json:"kind"`
	State     string    `json:"state,omitempty"`
	Live      bool      `json:"live"`
	RelayAddr string    `json:"relay_addr,omitempty"`
	Degraded  string    `json:"degraded,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// AuditStore persists session lifecycle records.
type AuditStore struct {
	db  *Database
	now func() time.Time
}

// NewAuditStore opens the store at dbPath and migrates its schema.
func NewAuditStore(dbPath string) (*AuditStore, error) {
	database, err := Open(dbPath)
	if err != nil {
		return nil, err
	}

	s := &AuditStore{db: database, now: time.Now}
	if err := s.migrate(); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to migrate audit store: %w", err)
	}
	return s, nil
}

func (s *AuditStore) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS session_records (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			room_id INTEGER NOT NULL,
			attempt INTEGER NOT NULL DEFAULT 0,
			kind TEXT NOT NULL,
			state TEXT NOT NULL DEFAULT '',
			live INTEGER NOT NULL DEFAULT 0,
			relay_addr TEXT NOT NULL DEFAULT '',
			degraded TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_session_records_run ON session_records(run_id);
		CREATE INDEX IF NOT EXISTS idx_session_records_created ON session_records(created_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("schema migration failed: %w", err)
	}
	s.db.logger.Debug().Msg("audit schema migrated")
	return nil
}

// Close closes the underlying database.
func (s *AuditStore) Close() error {
	return s.db.Close()
}

// Record inserts r, stamping CreatedAt when it is zero.
func (s *AuditStore) Record(r Record) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now()
	}
	_, err := s.db.Exec(`
		INSERT INTO session_records
			(run_id, room_id, attempt, kind, state, live, relay_addr, degraded, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RunID, r.RoomID, r.Attempt, r.Kind, r.State, r.Live,
		r.RelayAddr, r.Degraded, r.Detail, r.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert session record: %w", err)
	}
	return nil
}

// List returns up to limit records, newest first.
func (s *AuditStore) List(limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, run_id, room_id, attempt, kind, state, live, relay_addr, degraded, detail, created_at
		FROM session_records
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query session records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanRecord(rows *sql.Rows) (Record, error) {
	var r Record
	var created int64
	err := rows.Scan(&r.ID, &r.RunID, &r.RoomID, &r.Attempt, &r.Kind, &r.State,
		&r.Live, &r.RelayAddr, &r.Degraded, &r.Detail, &created)
	if err != nil {
		return r, fmt.Errorf("failed to scan session record: %w", err)
	}
	r.CreatedAt = time.UnixMilli(created)
	return r, nil
}

// Purge deletes records created before cutoff and returns how many went.
func (s *AuditStore) Purge(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec("DELETE FROM session_records WHERE created_at < ?", cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to purge session records: %w", err)
	}
	return res.RowsAffected()
}

// Attach records every state and liveness transition published on bus.
func (s *AuditStore) Attach(bus *events.EventBus) {
	bus.Subscribe(events.EventFeedState, "audit", func(ctx context.Context, e events.Event) error {
		p, ok := e.Payload.(events.StatePayload)
		if !ok {
			return nil
		}
		return s.Record(Record{
			RunID:     p.RunID,
			RoomID:    p.RoomID,
			Attempt:   p.Attempt,
			Kind:      KindState,
			State:     p.State,
			RelayAddr: p.RelayAddr,
			Degraded:  p.Degraded,
			Detail:    p.Err,
		})
	})

	bus.Subscribe(events.EventFeedLiveness, "audit", func(ctx context.Context, e events.Event) error {
		p, ok := e.Payload.(events.LivenessPayload)
		if !ok {
			return nil
		}
		return s.Record(Record{
			RunID:   p.RunID,
			RoomID:  p.RoomID,
			Attempt: p.Attempt,
			Kind:    KindLiveness,
			Live:    p.Live,
			Detail:  p.Reason,
		})
	})
}
