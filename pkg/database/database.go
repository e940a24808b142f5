package database

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// DB wraps the SQLite audit journal
type DB struct {
	conn        *sql.DB // Read connection pool
	writeConn   *sql.DB // Dedicated write connection (1 connection)
	WriteBuffer *WriteBuffer
}

// pragmas applied to every connection we open
var pragmas = []struct {
	stmt string
	what string
}{
	// WAL allows readers while the buffer is flushing
	{"PRAGMA journal_mode = WAL", "enable WAL mode"},
	// Wait and retry instead of failing immediately with SQLITE_BUSY
	{"PRAGMA busy_timeout = 5000", "set busy timeout"},
	{"PRAGMA synchronous = NORMAL", "set synchronous mode"},
}

func applyPragmas(conn *sql.DB) error {
	for _, p := range pragmas {
		if _, err := conn.Exec(p.stmt); err != nil {
			return fmt.Errorf("failed to %s: %w", p.what, err)
		}
	}
	return nil
}

// Open opens the audit journal at path, creating the schema if needed, and
// starts a write buffer that flushes every flushInterval.
func Open(path string, flushInterval time.Duration) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	conn.SetMaxOpenConns(8)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	if err := applyPragmas(conn); err != nil {
		conn.Close()
		return nil, err
	}

	// SQLite has one writer; give it its own connection so flushes never
	// queue behind reads.
	writeConn, err := sql.Open("sqlite", path)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open write connection: %w", err)
	}
	writeConn.SetMaxOpenConns(1)
	writeConn.SetMaxIdleConns(1)
	writeConn.SetConnMaxLifetime(0)

	if err := applyPragmas(writeConn); err != nil {
		conn.Close()
		writeConn.Close()
		return nil, fmt.Errorf("write connection: %w", err)
	}

	db := &DB{
		conn:      conn,
		writeConn: writeConn,
	}

	if err := db.initSchema(); err != nil {
		conn.Close()
		writeConn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	if flushInterval <= 0 {
		flushInterval = 100 * time.Millisecond
	}
	db.WriteBuffer = NewWriteBuffer(db, flushInterval, defaultBufferCapacity)

	return db, nil
}

// Close flushes pending writes and closes both connections
func (db *DB) Close() error {
	var flushErr error
	if db.WriteBuffer != nil {
		flushErr = db.WriteBuffer.Close()
	}
	db.writeConn.Close()
	if err := db.conn.Close(); err != nil {
		return err
	}
	return flushErr
}

// initSchema creates all tables and indexes if they don't exist
func (db *DB) initSchema() error {
	schema := `
-- One row per presence/auth state change
CREATE TABLE IF NOT EXISTS AuditEvent (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	username TEXT NOT NULL,
	target TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT '',
	remote_addr TEXT NOT NULL DEFAULT '',
	n_sent INTEGER NOT NULL DEFAULT 0,
	n_blocked INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_username_created ON AuditEvent(username, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_audit_kind ON AuditEvent(kind);
`
	_, err := db.writeConn.Exec(schema)
	return err
}
