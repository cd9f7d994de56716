// Package storage persists refresh tokens between runs so a restart can
// resume the session through the refresh-token grant instead of a fresh
// password login. Live bearer tokens are never written to disk.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS refresh_tokens (
	account                 TEXT PRIMARY KEY,
	rest_refresh_token      TEXT NOT NULL DEFAULT '',
	firebase_refresh_token  TEXT NOT NULL DEFAULT '',
	updated_at              TIMESTAMP NOT NULL
);
`

// TokenRecord is one account's persisted refresh tokens.
type TokenRecord struct {
	Account              string
	RestRefreshToken     string
	FirebaseRefreshToken string
	UpdatedAt            time.Time
}

// TokenStore is a sqlite-backed refresh-token repository.
type TokenStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open initializes the sqlite database at path and ensures the schema exists.
func Open(ctx context.Context, path string, logger *zap.Logger) (*TokenStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open token db: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init token db schema: %w", err)
	}
	return &TokenStore{db: db, logger: logger}, nil
}

// Close closes the underlying connection pool.
func (s *TokenStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Load returns the persisted record for account, or nil when none exists.
func (s *TokenStore) Load(ctx context.Context, account string) (*TokenRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT account, rest_refresh_token, firebase_refresh_token, updated_at
		 FROM refresh_tokens WHERE account = ?`, account)

	var rec TokenRecord
	err := row.Scan(&rec.Account, &rec.RestRefreshToken, &rec.FirebaseRefreshToken, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load tokens for %s: %w", account, err)
	}
	return &rec, nil
}

// Save upserts the record for rec.Account.
func (s *TokenStore) Save(ctx context.Context, rec TokenRecord) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO refresh_tokens (account, rest_refresh_token, firebase_refresh_token, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(account) DO UPDATE SET
			rest_refresh_token = excluded.rest_refresh_token,
			firebase_refresh_token = excluded.firebase_refresh_token,
			updated_at = excluded.updated_at`,
		rec.Account, rec.RestRefreshToken, rec.FirebaseRefreshToken, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save tokens for %s: %w", rec.Account, err)
	}
	s.logger.Debug("Persisted refresh tokens", zap.String("account", rec.Account))
	return nil
}

// Delete removes the persisted record for account, if any.
func (s *TokenStore) Delete(ctx context.Context, account string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM refresh_tokens WHERE account = ?`, account)
	if err != nil {
		return fmt.Errorf("failed to delete tokens for %s: %w", account, err)
	}
	return nil
}
