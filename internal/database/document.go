package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/callsight/callsight/internal/database/models"
)

// documentRepo implements DocumentRepository.
type documentRepo struct {
	db *DB
}

// NewDocumentRepository creates a new DocumentRepository.
func NewDocumentRepository(db *DB) DocumentRepository {
	return &documentRepo{db: db}
}

// Create inserts a new document.
func (r *documentRepo) Create(ctx context.Context, doc *models.Document) error {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO documents (name, path, size, content_type, uploaded_by, uploaded_at)
		 VALUES (?, ?, ?, ?, ?, datetime('now'))`,
		doc.Name, doc.Path, doc.Size, doc.ContentType, doc.UploadedBy,
	)
	if err != nil {
		return fmt.Errorf("inserting document: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	doc.ID = id
	return nil
}

// GetByID returns a document by ID.
func (r *documentRepo) GetByID(ctx context.Context, id int64) (*models.Document, error) {
	var d models.Document
	err := r.db.QueryRowContext(ctx,
		`SELECT id, name, path, size, content_type, uploaded_by, uploaded_at
		 FROM documents WHERE id = ?`, id,
	).Scan(&d.ID, &d.Name, &d.Path, &d.Size, &d.ContentType, &d.UploadedBy, &d.UploadedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning document: %w", err)
	}
	return &d, nil
}

// List returns all documents, newest first.
func (r *documentRepo) List(ctx context.Context) ([]models.Document, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, name, path, size, content_type, uploaded_by, uploaded_at
		 FROM documents ORDER BY uploaded_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("querying documents: %w", err)
	}
	defer rows.Close()

	var docs []models.Document
	for rows.Next() {
		var d models.Document
		if err := rows.Scan(&d.ID, &d.Name, &d.Path, &d.Size, &d.ContentType,
			&d.UploadedBy, &d.UploadedAt); err != nil {
			return nil, fmt.Errorf("scanning document row: %w", err)
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}
