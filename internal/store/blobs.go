package store

import (
	"context"
	"database/sql"
	"strings"

	"github.com/google/uuid"
)

// LibSQLBlobStore keeps offloaded payloads in the blobs table.
type LibSQLBlobStore struct {
	db      *sql.DB
	baseURL string
}

// NewLibSQLBlobStore returns a BlobStore sharing the store's database.
// GetURL joins baseURL and the blob ref.
func NewLibSQLBlobStore(s *LibSQLStore, baseURL string) *LibSQLBlobStore {
	if baseURL == "" {
		baseURL = "automata://blobs/"
	}
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return &LibSQLBlobStore{db: s.db, baseURL: baseURL}
}

func (b *LibSQLBlobStore) Store(ctx context.Context, data []byte) (string, error) {
	ref := uuid.New().String()
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO blobs (ref, data, size, created_at) VALUES (?, ?, ?, CURRENT_TIMESTAMP)`,
		ref, data, len(data),
	)
	if err != nil {
		return "", err
	}
	return ref, nil
}

func (b *LibSQLBlobStore) Get(ctx context.Context, ref string) ([]byte, error) {
	var data []byte
	err := b.db.QueryRowContext(ctx, `SELECT data FROM blobs WHERE ref = ?`, ref).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("blob", ref)
	}
	return data, err
}

func (b *LibSQLBlobStore) GetURL(ctx context.Context, ref string) (string, error) {
	var n int
	if err := b.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM blobs WHERE ref = ?`, ref).Scan(&n); err != nil {
		return "", err
	}
	if n == 0 {
		return "", storeNotFound("blob", ref)
	}
	return b.baseURL + ref, nil
}

func (b *LibSQLBlobStore) Delete(ctx context.Context, ref string) error {
	res, err := b.db.ExecContext(ctx, `DELETE FROM blobs WHERE ref = ?`, ref)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "blob", ref)
}
