package frontier

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
)

// MemoryStore keeps records in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (m *MemoryStore) Load(context.Context) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, rec)
	}
	return out, nil
}

func (m *MemoryStore) Save(_ context.Context, records ...Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range records {
		m.records[rec.Key] = rec
	}
	return nil
}

func (m *MemoryStore) Close() error { return nil }

// SQLiteStore persists records in a frontier table. It shares the handle
// opened by runstate.OpenDB and never closes it.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore prepares the frontier table on db.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	const ddl = `CREATE TABLE IF NOT EXISTS frontier (
  key TEXT PRIMARY KEY,
  state TEXT NOT NULL,
  seq INTEGER NOT NULL,
  task TEXT NOT NULL
)`
	if _, err := db.Exec(ddl); err != nil {
		return nil, fmt.Errorf("create frontier table: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Load(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, state, seq, task FROM frontier ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec  Record
			raw  string
			stat string
		)
		if err := rows.Scan(&rec.Key, &stat, &rec.Seq, &raw); err != nil {
			return nil, err
		}
		rec.State = State(stat)
		if err := json.Unmarshal([]byte(raw), &rec.Task); err != nil {
			return nil, fmt.Errorf("decode task %s: %w", rec.Key, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Save(ctx context.Context, records ...Record) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO frontier (key, state, seq, task) VALUES (?, ?, ?, ?)
ON CONFLICT(key) DO UPDATE SET state = excluded.state, seq = excluded.seq, task = excluded.task`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, rec := range records {
		raw, err := json.Marshal(rec.Task)
		if err != nil {
			return fmt.Errorf("encode task %s: %w", rec.Key, err)
		}
		if _, err := stmt.ExecContext(ctx, rec.Key, string(rec.State), rec.Seq, string(raw)); err != nil {
			return fmt.Errorf("upsert %s: %w", rec.Key, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) Close() error { return nil }
