package storage

// connections.go contains SQLiteStore methods for the connection audit log.

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/golang/glog"
	"github.com/oklog/ulid/v2"
)

// maxConnectionRecords is the number of audit rows retained. Older rows are
// pruned when a new connection is recorded.
const maxConnectionRecords = 5000

// ConnectionRecord is one observer connection to a document.
type ConnectionRecord struct {
	ID           string // ULID, assigned by OpenConnection
	Document     string
	ConnectionID uint32
	Subprotocol  string
	RemoteAddr   string
	Subject      string // token subject, empty without auth
	OpenedAt     time.Time
	ClosedAt     *time.Time
	CloseReason  string
}

// ConnectionLog records observer connections for auditing.
type ConnectionLog interface {
	OpenConnection(rec *ConnectionRecord) (string, error)
	CloseConnection(id string, reason string) error
	ListConnections(document string, limit int) ([]*ConnectionRecord, error)
}

// OpenConnection records a new connection and returns its ULID.
// rec.ID and rec.OpenedAt are filled in if empty.
func (s *SQLiteStore) OpenConnection(rec *ConnectionRecord) (string, error) {
	if rec == nil {
		return "", errors.New("connection record cannot be nil")
	}
	if rec.OpenedAt.IsZero() {
		rec.OpenedAt = time.Now().UTC()
	}
	if rec.ID == "" {
		rec.ID = ulid.MustNew(ulid.Timestamp(rec.OpenedAt), ulid.DefaultEntropy()).String()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	const query = `
		INSERT INTO connection_log
			(id, document, connection_id, subprotocol, remote_addr, subject, opened_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.Exec(query,
		rec.ID,
		rec.Document,
		rec.ConnectionID,
		rec.Subprotocol,
		rec.RemoteAddr,
		rec.Subject,
		rec.OpenedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return "", fmt.Errorf("open connection record: %w", err)
	}

	// Enforce retention: ULIDs sort by time, so the oldest rows come last
	// in descending order.
	const cleanupQuery = `
		DELETE FROM connection_log WHERE id IN (
			SELECT id FROM connection_log ORDER BY id DESC LIMIT -1 OFFSET ?
		)
	`
	if _, err := s.db.Exec(cleanupQuery, maxConnectionRecords); err != nil {
		return "", fmt.Errorf("enforce connection log retention: %w", err)
	}

	glog.V(1).Infof("storage: connection %s opened (%s #%d)", rec.ID, rec.Document, rec.ConnectionID)
	return rec.ID, nil
}

// CloseConnection marks a connection record closed now.
func (s *SQLiteStore) CloseConnection(id string, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	const query = `
		UPDATE connection_log
		SET closed_at = ?, close_reason = ?
		WHERE id = ? AND closed_at IS NULL
	`
	res, err := s.db.Exec(query, time.Now().UTC().Format(time.RFC3339Nano), reason, id)
	if err != nil {
		return fmt.Errorf("close connection record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("close connection record: %w", err)
	}
	if n == 0 {
		return ErrConnectionNotFound
	}
	return nil
}

// ListConnections returns recent connections, newest first. An empty
// document lists every document. limit <= 0 means 100.
func (s *SQLiteStore) ListConnections(document string, limit int) ([]*ConnectionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}

	const query = `
		SELECT id, document, connection_id, subprotocol, remote_addr, subject,
			opened_at, closed_at, close_reason
		FROM connection_log
		WHERE ? = '' OR document = ?
		ORDER BY id DESC
		LIMIT ?
	`
	rows, err := s.db.Query(query, document, document, limit)
	if err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}
	defer rows.Close()

	var out []*ConnectionRecord
	for rows.Next() {
		var (
			rec      ConnectionRecord
			openedAt string
			closedAt sql.NullString
		)
		err := rows.Scan(&rec.ID, &rec.Document, &rec.ConnectionID, &rec.Subprotocol,
			&rec.RemoteAddr, &rec.Subject, &openedAt, &closedAt, &rec.CloseReason)
		if err != nil {
			return nil, fmt.Errorf("scan connection: %w", err)
		}
		if rec.OpenedAt, err = time.Parse(time.RFC3339Nano, openedAt); err != nil {
			return nil, fmt.Errorf("parse opened_at: %w", err)
		}
		if closedAt.Valid {
			t, err := time.Parse(time.RFC3339Nano, closedAt.String)
			if err != nil {
				return nil, fmt.Errorf("parse closed_at: %w", err)
			}
			rec.ClosedAt = &t
		}
		out = append(out, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate connections: %w", err)
	}
	return out, nil
}
