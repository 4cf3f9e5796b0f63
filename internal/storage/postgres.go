package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is satisfied by *pgxpool.Pool.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Blob is a stored media object.
type Blob struct {
	ID          uuid.UUID
	ContentType string
	Data        []byte
}

// PostgresStore keeps media in the media_blobs table and serves it from publicBaseURL/media/{id}.
type PostgresStore struct {
	db            DB
	publicBaseURL string
}

func NewPostgresStore(db DB, publicBaseURL string) *PostgresStore {
	return &PostgresStore{db: db, publicBaseURL: strings.TrimRight(publicBaseURL, "/")}
}

func (s *PostgresStore) Put(ctx context.Context, data []byte, contentType string) (string, error) {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	id := uuid.New()
	_, err := s.db.Exec(ctx,
		`INSERT INTO media_blobs (id, content_type, data, size_bytes) VALUES ($1, $2, $3, $4)`,
		id, contentType, data, len(data),
	)
	if err != nil {
		return "", fmt.Errorf("insert media blob: %w", err)
	}
	return fmt.Sprintf("%s/media/%s", s.publicBaseURL, id), nil
}

func (s *PostgresStore) Get(ctx context.Context, id uuid.UUID) (*Blob, error) {
	b := &Blob{ID: id}
	err := s.db.QueryRow(ctx, `SELECT content_type, data FROM media_blobs WHERE id = $1`, id).
		Scan(&b.ContentType, &b.Data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get media blob: %w", err)
	}
	return b, nil
}
