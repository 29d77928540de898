package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
)

type CacheStore interface {
	UpsertEntry(ctx context.Context, entry *CacheEntry) error
	// GetEntry returns nil for missing and for expired entries; an expired
	// entry is never handed to a reader.
	GetEntry(ctx context.Context, key string, now time.Time) (*CacheEntry, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

type cacheStore struct {
	db *sql.DB
}

func NewCacheStore(db *sql.DB) CacheStore {
	return &cacheStore{db: db}
}

func (s *cacheStore) UpsertEntry(ctx context.Context, entry *CacheEntry) error {
	if strings.TrimSpace(entry.Key) == "" {
		return errors.New("cache key is required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cache_entries(key, payload, computed_at, expires_at) VALUES(?,?,?,?)
		ON CONFLICT(key) DO UPDATE SET payload=excluded.payload, computed_at=excluded.computed_at, expires_at=excluded.expires_at`,
		strings.TrimSpace(entry.Key), entry.Payload, entry.ComputedAt.UTC(), entry.ExpiresAt.UTC())
	return err
}

func (s *cacheStore) GetEntry(ctx context.Context, key string, now time.Time) (*CacheEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT key, payload, computed_at, expires_at FROM cache_entries WHERE key=? AND expires_at>?`,
		strings.TrimSpace(key), now.UTC())
	var entry CacheEntry
	err := row.Scan(&entry.Key, &entry.Payload, &entry.ComputedAt, &entry.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *cacheStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE expires_at<=?`, now.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
