// Package database keeps the server's session journal: which clients
// connected when, over which run, and how their sessions ended. Writes are
// buffered and flushed off the tick path.
package database

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"
)

var (
	// ErrRunNotFound indicates the run does not exist.
	ErrRunNotFound = errors.New("run not found")
)

// flushInterval is how often buffered journal writes hit the disk.
const flushInterval = 100 * time.Millisecond

// opQueueLen bounds the write buffer; writes beyond it are dropped with a
// log line rather than stalling the simulation tick.
const opQueueLen = 256

type journalOp struct {
	query string
	args  []interface{}
}

// DB wraps the SQLite journal connection
type DB struct {
	conn        *sql.DB
	nextSession atomic.Int64

	ops      chan journalOp
	flushReq chan chan struct{}
	done     chan struct{}
	wg       sync.WaitGroup
}

// Open opens the journal at the given path and initializes the schema if
// needed
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	// One writer; WAL still lets readers in concurrently.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	db := &DB{
		conn:     conn,
		ops:      make(chan journalOp, opQueueLen),
		flushReq: make(chan chan struct{}),
		done:     make(chan struct{}),
	}
	if err := db.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	// Session ids are assigned in memory so enqueuing a connect can hand
	// the id back without waiting for the flush.
	var maxID sql.NullInt64
	if err := conn.QueryRow("SELECT MAX(id) FROM Session").Scan(&maxID); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to read session high-water mark: %w", err)
	}
	db.nextSession.Store(maxID.Int64)

	db.wg.Add(1)
	go db.writeLoop()

	return db, nil
}

// Close flushes buffered writes and closes the journal
func (db *DB) Close() error {
	close(db.done)
	db.wg.Wait()
	return db.conn.Close()
}

func (db *DB) initSchema() error {
	schema := `
-- One row per server process lifetime
CREATE TABLE IF NOT EXISTS Run (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	started_at INTEGER NOT NULL,
	stopped_at INTEGER,
	frames INTEGER NOT NULL DEFAULT 0
);

-- One row per client connection
CREATE TABLE IF NOT EXISTS Session (
	id INTEGER PRIMARY KEY,
	run_id INTEGER NOT NULL,
	client_id INTEGER NOT NULL,
	remote_addr TEXT NOT NULL,
	connected_at INTEGER NOT NULL,
	disconnected_at INTEGER,
	reason TEXT,
	FOREIGN KEY (run_id) REFERENCES Run(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_sessions_run ON Session(run_id, connected_at);
`
	_, err := db.conn.Exec(schema)
	return err
}

// writeLoop batches queued ops into one transaction per flush interval
func (db *DB) writeLoop() {
	defer db.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	var pending []journalOp
	for {
		select {
		case op := <-db.ops:
			pending = append(pending, op)
		case <-ticker.C:
			pending = db.flush(pending)
		case reply := <-db.flushReq:
			pending = db.flush(db.drainInto(pending))
			close(reply)
		case <-db.done:
			db.flush(db.drainInto(pending))
			return
		}
	}
}

// drainInto empties the op queue into pending without blocking.
func (db *DB) drainInto(pending []journalOp) []journalOp {
	for {
		select {
		case op := <-db.ops:
			pending = append(pending, op)
		default:
			return pending
		}
	}
}

func (db *DB) flush(pending []journalOp) []journalOp {
	if len(pending) == 0 {
		return pending
	}
	tx, err := db.conn.Begin()
	if err != nil {
		log.Printf("journal: begin failed: %v", err)
		return pending
	}
	for _, op := range pending {
		if _, err := tx.Exec(op.query, op.args...); err != nil {
			log.Printf("journal: %v", err)
		}
	}
	if err := tx.Commit(); err != nil {
		log.Printf("journal: commit failed: %v", err)
		return pending
	}
	return pending[:0]
}

func (db *DB) enqueue(op journalOp) {
	select {
	case db.ops <- op:
	default:
		log.Printf("journal: write buffer full, dropping %s", op.query)
	}
}

// StartRun records a server start and returns the run id. Called once
// before the tick loop, so it writes synchronously.
func (db *DB) StartRun(at time.Time) (int64, error) {
	res, err := db.conn.Exec(
		"INSERT INTO Run (started_at) VALUES (?)", at.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to record run: %w", err)
	}
	return res.LastInsertId()
}

// EndRun closes out a run with its final frame count. Called after the
// tick loop stops, so it writes synchronously.
func (db *DB) EndRun(runID int64, frames uint64, at time.Time) error {
	res, err := db.conn.Exec(
		"UPDATE Run SET stopped_at = ?, frames = ? WHERE id = ?",
		at.UnixMilli(), frames, runID)
	if err != nil {
		return fmt.Errorf("failed to close run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrRunNotFound
	}
	return nil
}

// SessionConnected journals a client joining and returns its session id
// immediately; the row lands on disk with the next flush.
func (db *DB) SessionConnected(runID int64, clientID uint64, remoteAddr string, at time.Time) int64 {
	id := db.nextSession.Add(1)
	db.enqueue(journalOp{
		query: "INSERT INTO Session (id, run_id, client_id, remote_addr, connected_at) VALUES (?, ?, ?, ?, ?)",
		args:  []interface{}{id, runID, clientID, remoteAddr, at.UnixMilli()},
	})
	return id
}

// SessionClosed journals the end of a session
func (db *DB) SessionClosed(sessionID int64, reason string, at time.Time) {
	db.enqueue(journalOp{
		query: "UPDATE Session SET disconnected_at = ?, reason = ? WHERE id = ?",
		args:  []interface{}{at.UnixMilli(), reason, sessionID},
	})
}

// Session is one journaled client connection. DisconnectedAt is zero while
// the session is still open.
type Session struct {
	ID             int64
	RunID          int64
	ClientID       uint64
	RemoteAddr     string
	ConnectedAt    int64
	DisconnectedAt int64
	Reason         string
}

// RunSessions returns all sessions journaled for a run, oldest first
func (db *DB) RunSessions(runID int64) ([]Session, error) {
	rows, err := db.conn.Query(`
		SELECT id, run_id, client_id, remote_addr, connected_at,
		       COALESCE(disconnected_at, 0), COALESCE(reason, '')
		FROM Session WHERE run_id = ? ORDER BY connected_at, id`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var s Session
		if err := rows.Scan(&s.ID, &s.RunID, &s.ClientID, &s.RemoteAddr,
			&s.ConnectedAt, &s.DisconnectedAt, &s.Reason); err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// CountSessions returns the number of journaled sessions across all runs
func (db *DB) CountSessions() (int, error) {
	var n int
	err := db.conn.QueryRow("SELECT COUNT(*) FROM Session").Scan(&n)
	return n, err
}

// Flush blocks until everything queued so far is on disk. Tests use it;
// the server relies on the periodic flush.
func (db *DB) Flush() {
	reply := make(chan struct{})
	select {
	case db.flushReq <- reply:
		<-reply
	case <-db.done:
	}
}
