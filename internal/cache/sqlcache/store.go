// Package sqlcache backs the cache.Store interface with Postgres, letting
// several processes share one read cache and one pool of stale fallbacks.
package sqlcache

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"

	"advisly/booking/internal/cache"
)

type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// Open connects to Postgres and verifies the connection.
func Open(databaseURL string, pool PoolConfig) (*bun.DB, error) {
	sqlDB, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	if pool.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(pool.MaxOpenConns)
	}
	if pool.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(pool.MaxIdleConns)
	}
	if pool.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(pool.ConnMaxLifetime)
	}
	if pool.ConnMaxIdleTime > 0 {
		sqlDB.SetConnMaxIdleTime(pool.ConnMaxIdleTime)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	return bun.NewDB(sqlDB, pgdialect.New()), nil
}

func Close(db *bun.DB) error {
	if db == nil {
		return nil
	}
	return db.Close()
}

type entry struct {
	bun.BaseModel `bun:"table:cache_entries,alias:ce"`

	Key       string    `bun:"key,pk"`
	Value     []byte    `bun:"value,notnull"`
	ExpiresAt time.Time `bun:"expires_at,notnull"`
	UpdatedAt time.Time `bun:"updated_at,notnull"`
}

// Store implements cache.Store on a cache_entries table. Like the in-memory
// store, expired rows are misses for Get but stay readable through GetStale
// until overwritten or purged.
type Store struct {
	db  *bun.DB
	now func() time.Time
	log *slog.Logger
}

var _ cache.Store = (*Store)(nil)

func New(db *bun.DB, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		db:  db,
		now: time.Now,
		log: log.With(slog.String("component", "sql_cache")),
	}
}

// EnsureSchema creates the cache table and its expiry index if missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.NewCreateTable().Model((*entry)(nil)).IfNotExists().Exec(ctx); err != nil {
		return err
	}
	_, err := s.db.NewCreateIndex().
		Model((*entry)(nil)).
		Index("cache_entries_expires_at_idx").
		Column("expires_at").
		IfNotExists().
		Exec(ctx)
	return err
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool) {
	var e entry
	err := s.db.NewSelect().Model(&e).Where("key = ?", key).Limit(1).Scan(ctx)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			s.log.Warn("cache read failed", slog.String("key", key), slog.Any("error", err))
		}
		return nil, false
	}
	if !s.now().Before(e.ExpiresAt) {
		return nil, false
	}
	return e.Value, true
}

func (s *Store) GetStale(ctx context.Context, key string) ([]byte, bool, bool) {
	var e entry
	err := s.db.NewSelect().Model(&e).Where("key = ?", key).Limit(1).Scan(ctx)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			s.log.Warn("cache read failed", slog.String("key", key), slog.Any("error", err))
		}
		return nil, false, false
	}
	return e.Value, true, !s.now().Before(e.ExpiresAt)
}

func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	now := s.now()
	e := entry{
		Key:       key,
		Value:     value,
		ExpiresAt: now.Add(ttl),
		UpdatedAt: now,
	}
	_, err := s.db.NewInsert().
		Model(&e).
		On("CONFLICT (key) DO UPDATE").
		Set("value = EXCLUDED.value").
		Set("expires_at = EXCLUDED.expires_at").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	return err
}

func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.db.NewDelete().Model((*entry)(nil)).Where("key = ?", key).Exec(ctx)
	return err
}

func (s *Store) PurgeExpired(ctx context.Context) (int, error) {
	res, err := s.db.NewDelete().
		Model((*entry)(nil)).
		Where("expires_at <= ?", s.now()).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}
