package storage

// documents.go contains SQLiteStore methods for published document sources.

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/golang/glog"
)

// Document is a published markup source.
type Document struct {
	Name      string
	Source    string
	Version   int64
	UpdatedAt time.Time
}

// DocumentStore persists published document sources.
type DocumentStore interface {
	SaveDocument(name, source string) (*Document, error)
	GetDocument(name string) (*Document, error)
	ListDocuments() ([]*Document, error)
	DeleteDocument(name string) error
}

// SaveDocument stores source under name, creating the document or bumping
// its version. The stored row is returned.
func (s *SQLiteStore) SaveDocument(name, source string) (*Document, error) {
	if name == "" {
		return nil, errors.New("document name cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()

	// Upsert keeps a single row per name and bumps the version on update.
	const query = `
		INSERT INTO documents (name, source, version, updated_at)
		VALUES (?, ?, 1, ?)
		ON CONFLICT(name) DO UPDATE SET
			source = excluded.source,
			version = documents.version + 1,
			updated_at = excluded.updated_at
	`
	if _, err := s.db.Exec(query, name, source, now.Format(time.RFC3339Nano)); err != nil {
		return nil, fmt.Errorf("save document: %w", err)
	}

	doc, err := s.getDocumentLocked(name)
	if err != nil {
		return nil, err
	}
	glog.Infof("storage: saved document %s (version %d, %d bytes)", name, doc.Version, len(source))
	return doc, nil
}

// GetDocument retrieves a document by name.
// Returns ErrDocumentNotFound if there is none.
func (s *SQLiteStore) GetDocument(name string) (*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getDocumentLocked(name)
}

func (s *SQLiteStore) getDocumentLocked(name string) (*Document, error) {
	const query = `
		SELECT name, source, version, updated_at
		FROM documents
		WHERE name = ?
	`
	doc, err := scanDocument(s.db.QueryRow(query, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDocumentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get document: %w", err)
	}
	return doc, nil
}

// ListDocuments returns every stored document ordered by name.
func (s *SQLiteStore) ListDocuments() ([]*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	const query = `
		SELECT name, source, version, updated_at
		FROM documents
		ORDER BY name
	`
	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var docs []*Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return docs, nil
}

// DeleteDocument removes a document. Deleting a missing document returns
// ErrDocumentNotFound.
func (s *SQLiteStore) DeleteDocument(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec("DELETE FROM documents WHERE name = ?", name)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	if n == 0 {
		return ErrDocumentNotFound
	}
	glog.Infof("storage: deleted document %s", name)
	return nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*Document, error) {
	var (
		doc       Document
		updatedAt string
	)
	if err := row.Scan(&doc.Name, &doc.Source, &doc.Version, &updatedAt); err != nil {
		return nil, err
	}
	t, err := time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	doc.UpdatedAt = t
	return &doc, nil
}
