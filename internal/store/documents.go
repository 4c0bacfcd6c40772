package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Document is one stored record.
type Document struct {
	Collection string
	ID         string
	Body       map[string]any
	Version    int64
}

// Reader is the read surface live functions evaluate against.
// Both *Store and *Tracked implement it.
type Reader interface {
	Get(ctx context.Context, collection, id string) (Document, error)
	Find(ctx context.Context, collection string) ([]Document, error)
}

// Writer is the write surface procedures and mutators use.
type Writer interface {
	Insert(ctx context.Context, collection string, body map[string]any) (Document, error)
	Update(ctx context.Context, collection, id string, body map[string]any) (Document, error)
	Delete(ctx context.Context, collection, id string) error
}

// ChangeID returns the change identifier for one document.
func ChangeID(collection, id string) string {
	return collection + "/" + id
}

// CollectionID returns the change identifier for a whole collection.
func CollectionID(collection string) string {
	return collection + "/*"
}

// Get retrieves a single document.
// Returns ErrNotFound if the document does not exist.
func (s *Store) Get(ctx context.Context, collection, id string) (Document, error) {
	var body string
	var version int64
	err := s.db.QueryRowContext(ctx, `
		SELECT body, version FROM documents
		WHERE collection = ? AND id = ?
	`, collection, id).Scan(&body, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, fmt.Errorf("get %s: %w", ChangeID(collection, id), ErrNotFound)
	}
	if err != nil {
		return Document{}, fmt.Errorf("get %s: %w", ChangeID(collection, id), err)
	}

	decoded, err := unmarshalBody(id, body)
	if err != nil {
		return Document{}, fmt.Errorf("get %s: %w", ChangeID(collection, id), err)
	}
	return Document{Collection: collection, ID: id, Body: decoded, Version: version}, nil
}

// Find returns every document in a collection ordered by id.
// Returns an empty slice (not nil) for an empty collection.
func (s *Store) Find(ctx context.Context, collection string) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, body, version FROM documents
		WHERE collection = ?
		ORDER BY id COLLATE BINARY ASC
	`, collection)
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", collection, err)
	}
	defer rows.Close()

	docs := []Document{}
	for rows.Next() {
		var id, body string
		var version int64
		if err := rows.Scan(&id, &body, &version); err != nil {
			return nil, fmt.Errorf("find %s: scan: %w", collection, err)
		}
		decoded, err := unmarshalBody(id, body)
		if err != nil {
			return nil, fmt.Errorf("find %s: %w", collection, err)
		}
		docs = append(docs, Document{Collection: collection, ID: id, Body: decoded, Version: version})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("find %s: iterate: %w", collection, err)
	}
	return docs, nil
}

// Insert stores a new document. The id is taken from body["_id"] when it is a
// non-empty string, otherwise a UUIDv7 is generated.
func (s *Store) Insert(ctx context.Context, collection string, body map[string]any) (Document, error) {
	id, _ := body[IDField].(string)
	if id == "" {
		id = uuid.Must(uuid.NewV7()).String()
	}

	data, err := marshalBody(body)
	if err != nil {
		return Document{}, fmt.Errorf("insert %s: %w", collection, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO documents (collection, id, body, version)
		VALUES (?, ?, ?, 1)
	`, collection, id, data)
	if err != nil {
		return Document{}, fmt.Errorf("insert %s: %w", ChangeID(collection, id), err)
	}

	s.notify(collection, id)

	decoded, _ := unmarshalBody(id, data)
	return Document{Collection: collection, ID: id, Body: decoded, Version: 1}, nil
}

// Update replaces a document body and bumps its version.
// Returns ErrNotFound if the document does not exist.
func (s *Store) Update(ctx context.Context, collection, id string, body map[string]any) (Document, error) {
	data, err := marshalBody(body)
	if err != nil {
		return Document{}, fmt.Errorf("update %s: %w", ChangeID(collection, id), err)
	}

	var version int64
	err = s.db.QueryRowContext(ctx, `
		UPDATE documents SET body = ?, version = version + 1
		WHERE collection = ? AND id = ?
		RETURNING version
	`, data, collection, id).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, fmt.Errorf("update %s: %w", ChangeID(collection, id), ErrNotFound)
	}
	if err != nil {
		return Document{}, fmt.Errorf("update %s: %w", ChangeID(collection, id), err)
	}

	s.notify(collection, id)

	decoded, _ := unmarshalBody(id, data)
	return Document{Collection: collection, ID: id, Body: decoded, Version: version}, nil
}

// Delete removes a document.
// Returns ErrNotFound if the document does not exist.
func (s *Store) Delete(ctx context.Context, collection, id string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM documents WHERE collection = ? AND id = ?
	`, collection, id)
	if err != nil {
		return fmt.Errorf("delete %s: %w", ChangeID(collection, id), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete %s: %w", ChangeID(collection, id), err)
	}
	if n == 0 {
		return fmt.Errorf("delete %s: %w", ChangeID(collection, id), ErrNotFound)
	}

	s.notify(collection, id)
	return nil
}
