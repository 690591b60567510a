package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrNotFound is returned when a document has never been persisted.
var ErrNotFound = errors.New("document not found")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) GetDocument(ctx context.Context, documentID string) (string, error) {
	var content string
	err := s.db.QueryRowContext(ctx, `SELECT content FROM documents WHERE id = $1`, documentID).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get document %s: %w", documentID, err)
	}
	return content, nil
}

func (s *PostgresStore) PutDocument(ctx context.Context, documentID, content string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (id, content, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (id) DO UPDATE SET content = EXCLUDED.content, updated_at = NOW()
	`, documentID, content)
	if err != nil {
		return fmt.Errorf("put document %s: %w", documentID, err)
	}
	return nil
}

// ResolveUsername looks up a display name for a user id. Unknown users resolve
// to their id so presence events always carry something printable.
func (s *PostgresStore) ResolveUsername(ctx context.Context, userID string) (string, error) {
	var name string
	err := s.db.QueryRowContext(ctx, `SELECT display_name FROM users WHERE id = $1`, userID).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return userID, nil
	}
	if err != nil {
		return "", fmt.Errorf("resolve username %s: %w", userID, err)
	}
	return name, nil
}
