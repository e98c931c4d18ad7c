package storage

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"
)

// PutBlob stores a raw payload content-addressed by its sha-256 digest
// and returns the digest. Storing the same bytes twice is a no-op.
func (s *Store) PutBlob(ctx context.Context, data []byte) (string, error) {
	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])
	_, err := s.db.ExecContext(ctx, `
INSERT INTO blobs (digest,data,created_at) VALUES (?,?,?)
ON CONFLICT(digest) DO NOTHING`,
		digest, data, fmtTime(time.Now().UTC()))
	if err != nil {
		return "", err
	}
	return digest, nil
}

func (s *Store) GetBlob(ctx context.Context, digest string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM blobs WHERE digest=?`, digest).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("blob %s: %w", digest, ErrNotFound)
	}
	return data, err
}
