package database

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// AuditEvent is one journaled presence or auth state change
type AuditEvent struct {
	ID         string `json:"id"`
	Kind       string `json:"kind"`
	Username   string `json:"username"`
	Target     string `json:"target,omitempty"`
	Status     string `json:"status,omitempty"`
	RemoteAddr string `json:"remote_addr,omitempty"`
	NSent      int    `json:"n_sent,omitempty"`
	NBlocked   int    `json:"n_blocked,omitempty"`
	CreatedAt  int64  `json:"created_at"` // Unix milliseconds
}

// Record queues an event for the next flush. ID and CreatedAt are filled in
// when empty. Returns false if the buffer dropped it.
func (db *DB) Record(e AuditEvent) bool {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt == 0 {
		e.CreatedAt = time.Now().UnixMilli()
	}
	return db.WriteBuffer.Enqueue(e)
}

// insertEvents writes a batch with multi-row INSERTs in one transaction
func (db *DB) insertEvents(events []AuditEvent) error {
	const fieldsPerEvent = 9
	// Stays well under SQLite's bound parameter limit
	const batchSize = 500

	tx, err := db.writeConn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for i := 0; i < len(events); i += batchSize {
		end := min(i+batchSize, len(events))
		batch := events[i:end]

		var queryBuilder strings.Builder
		queryBuilder.WriteString(`INSERT OR IGNORE INTO AuditEvent
			(id, kind, username, target, status, remote_addr, n_sent, n_blocked, created_at)
			VALUES `)

		args := make([]any, 0, len(batch)*fieldsPerEvent)
		for j, e := range batch {
			if j > 0 {
				queryBuilder.WriteString(", ")
			}
			queryBuilder.WriteString("(?, ?, ?, ?, ?, ?, ?, ?, ?)")
			args = append(args,
				e.ID, e.Kind, e.Username, e.Target, e.Status,
				e.RemoteAddr, e.NSent, e.NBlocked, e.CreatedAt,
			)
		}

		if _, err := tx.Exec(queryBuilder.String(), args...); err != nil {
			return fmt.Errorf("failed to execute batch insert: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// RecentEvents returns up to limit events for username, newest first
func (db *DB) RecentEvents(username string, limit int) ([]AuditEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.conn.Query(`
		SELECT id, kind, username, target, status, remote_addr, n_sent, n_blocked, created_at
		FROM AuditEvent
		WHERE username = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?`, username, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer rows.Close()

	events := []AuditEvent{}
	for rows.Next() {
		var e AuditEvent
		if err := rows.Scan(&e.ID, &e.Kind, &e.Username, &e.Target, &e.Status,
			&e.RemoteAddr, &e.NSent, &e.NBlocked, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// CountByKind returns the number of journaled events per kind
func (db *DB) CountByKind() (map[string]int64, error) {
	rows, err := db.conn.Query(`SELECT kind, COUNT(*) FROM AuditEvent GROUP BY kind`)
	if err != nil {
		return nil, fmt.Errorf("failed to count audit events: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var kind string
		var n int64
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, err
		}
		counts[kind] = n
	}
	return counts, rows.Err()
}
