package sqlcache

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"
)

func TestSQLCacheIntegration(t *testing.T) {
	databaseURL := strings.TrimSpace(os.Getenv("ADVISLY_TEST_DATABASE_URL"))
	if databaseURL == "" {
		t.Skip("ADVISLY_TEST_DATABASE_URL not set")
	}

	// A single connection keeps the session-level search_path in force for
	// every query in the test.
	db, err := Open(databaseURL, PoolConfig{MaxOpenConns: 1})
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	t.Cleanup(func() {
		_ = Close(db)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	schema := "advisly_cache_test_" + randomHex(t, 8)
	if _, err := db.NewRaw("CREATE SCHEMA " + schema).Exec(ctx); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	t.Cleanup(func() {
		cctx, ccancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer ccancel()
		_, _ = db.NewRaw("DROP SCHEMA IF EXISTS " + schema + " CASCADE").Exec(cctx)
	})
	if _, err := db.NewRaw("SET search_path TO " + schema).Exec(ctx); err != nil {
		t.Fatalf("set search_path: %v", err)
	}

	store := New(db, slog.New(slog.NewTextHandler(io.Discard, nil)))
	now := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	if err := store.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema error: %v", err)
	}
	if err := store.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema must be idempotent: %v", err)
	}

	if _, ok := store.Get(ctx, "missing"); ok {
		t.Fatal("Get on empty table reported a hit")
	}

	if err := store.Set(ctx, "k", []byte("v1"), time.Minute); err != nil {
		t.Fatalf("Set error: %v", err)
	}
	got, ok := store.Get(ctx, "k")
	if !ok || string(got) != "v1" {
		t.Fatalf("Get = %q, %v; want %q, true", got, ok, "v1")
	}

	if err := store.Set(ctx, "k", []byte("v2"), time.Minute); err != nil {
		t.Fatalf("Set overwrite error: %v", err)
	}
	got, _ = store.Get(ctx, "k")
	if string(got) != "v2" {
		t.Fatalf("Get after overwrite = %q, want %q", got, "v2")
	}

	now = now.Add(2 * time.Minute)
	if _, ok := store.Get(ctx, "k"); ok {
		t.Fatal("Get returned an expired row")
	}
	v, ok, expired := store.GetStale(ctx, "k")
	if !ok || !expired || string(v) != "v2" {
		t.Fatalf("GetStale = %q, %v, %v; want %q, true, true", v, ok, expired, "v2")
	}

	if err := store.Set(ctx, "fresh", []byte("x"), time.Hour); err != nil {
		t.Fatalf("Set error: %v", err)
	}
	purged, err := store.PurgeExpired(ctx)
	if err != nil {
		t.Fatalf("PurgeExpired error: %v", err)
	}
	if purged != 1 {
		t.Fatalf("PurgeExpired = %d, want 1", purged)
	}
	if _, ok, _ := store.GetStale(ctx, "k"); ok {
		t.Fatal("purged row still visible to GetStale")
	}

	if err := store.Delete(ctx, "fresh"); err != nil {
		t.Fatalf("Delete error: %v", err)
	}
	if _, ok := store.Get(ctx, "fresh"); ok {
		t.Fatal("deleted row still visible")
	}
	if err := store.Delete(ctx, "fresh"); err != nil {
		t.Fatalf("Delete of absent key must be a no-op: %v", err)
	}
}

func randomHex(t *testing.T, bytesLen int) string {
	t.Helper()
	b := make([]byte, bytesLen)
	if _, err := rand.Read(b); err != nil {
		t.Fatalf("rand.Read error: %v", err)
	}
	return hex.EncodeToString(b)
}
