package server

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/crystal-mush/cmdhost/pkg/dispatch"
	"github.com/crystal-mush/cmdhost/pkg/gamedb"
)

const historySchema = `
CREATE TABLE IF NOT EXISTS lines (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	at         INTEGER NOT NULL,
	session    TEXT NOT NULL,
	actor      INTEGER NOT NULL,
	line       TEXT NOT NULL,
	command    TEXT NOT NULL DEFAULT '',
	set_key    TEXT NOT NULL DEFAULT '',
	source     TEXT NOT NULL DEFAULT '',
	state      TEXT NOT NULL,
	reason     TEXT NOT NULL,
	error      TEXT NOT NULL DEFAULT '',
	elapsed_us INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS lines_actor_at ON lines(actor, at);
CREATE INDEX IF NOT EXISTS lines_state ON lines(state);
`

// HistoryRow is one recorded input line.
type HistoryRow struct {
	At      time.Time
	Session string
	Actor   gamedb.DBRef
	Line    string
	Command string
	SetKey  string
	Source  string
	State   string
	Reason  string
	Error   string
	Elapsed time.Duration
}

// HistoryStore records every line's outcome in SQLite, for @history and
// fault audits.
type HistoryStore struct {
	db      *sql.DB
	mu      sync.Mutex
	path    string
	timeout time.Duration
}

// OpenHistory opens a SQLite3 database, sets WAL mode and busy timeout and
// creates the schema.
func OpenHistory(path string, timeoutSec int) (*HistoryStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite %s: %w", path, err)
	}
	// Set WAL mode for concurrent reads
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout=%d", timeoutSec*1000)); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec(historySchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating history schema: %w", err)
	}
	return &HistoryStore{db: db, path: path, timeout: time.Duration(timeoutSec) * time.Second}, nil
}

// Close closes the SQLite3 database connection.
func (h *HistoryStore) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.db != nil {
		return h.db.Close()
	}
	return nil
}

// Path returns the filesystem path of the SQLite database.
func (h *HistoryStore) Path() string { return h.path }

// Checkpoint forces a WAL checkpoint to flush all writes to the main database file.
func (h *HistoryStore) Checkpoint() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return err
}

// Record stores one outcome.
func (h *HistoryStore) Record(session string, actor gamedb.DBRef, out dispatch.Outcome) error {
	var command, source, errText string
	if out.Entry.Command != nil {
		command = out.Entry.Command.Name
		source = out.Entry.Source.String()
	}
	if out.Err != nil {
		errText = out.Err.Error()
	}
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()
	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.db.ExecContext(ctx,
		`INSERT INTO lines (at, session, actor, line, command, set_key, source, state, reason, error, elapsed_us)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		time.Now().UnixMilli(), session, int(actor), out.Line, command, out.Entry.SetKey, source,
		out.State.String(), out.Reason.String(), errText, out.Elapsed.Microseconds())
	if err != nil {
		return fmt.Errorf("history: record: %w", err)
	}
	return nil
}

// Recent returns up to n rows for actor, newest first.
func (h *HistoryStore) Recent(actor gamedb.DBRef, n int) ([]HistoryRow, error) {
	return h.query(`SELECT at, session, actor, line, command, set_key, source, state, reason, error, elapsed_us
		FROM lines WHERE actor = ? ORDER BY id DESC LIMIT ?`, int(actor), n)
}

// Faults returns up to n faulted rows, newest first.
func (h *HistoryStore) Faults(n int) ([]HistoryRow, error) {
	return h.query(`SELECT at, session, actor, line, command, set_key, source, state, reason, error, elapsed_us
		FROM lines WHERE state = ? ORDER BY id DESC LIMIT ?`, dispatch.Faulted.String(), n)
}

func (h *HistoryStore) query(q string, args ...any) ([]HistoryRow, error) {
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()
	h.mu.Lock()
	defer h.mu.Unlock()
	rows, err := h.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("history: query: %w", err)
	}
	defer rows.Close()
	var out []HistoryRow
	for rows.Next() {
		var r HistoryRow
		var at, elapsed int64
		var actor int
		if err := rows.Scan(&at, &r.Session, &actor, &r.Line, &r.Command, &r.SetKey, &r.Source,
			&r.State, &r.Reason, &r.Error, &elapsed); err != nil {
			return nil, fmt.Errorf("history: scan: %w", err)
		}
		r.At = time.UnixMilli(at)
		r.Actor = gamedb.DBRef(actor)
		r.Elapsed = time.Duration(elapsed) * time.Microsecond
		out = append(out, r)
	}
	return out, rows.Err()
}

// Prune deletes rows older than retain and returns how many went.
func (h *HistoryStore) Prune(retain time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retain).UnixMilli()
	h.mu.Lock()
	defer h.mu.Unlock()
	res, err := h.db.Exec(`DELETE FROM lines WHERE at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("history: prune: %w", err)
	}
	return res.RowsAffected()
}
