package postgres_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/livecaption/internal/transcript"
	"github.com/MrWong99/livecaption/internal/transcript/postgres"
)

// testDSN returns the test database DSN from the environment, or skips the
// test if LIVECAPTION_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("LIVECAPTION_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("LIVECAPTION_TEST_POSTGRES_DSN not set, skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore creates a Store on a freshly dropped schema.
func newTestStore(t *testing.T) *postgres.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	t.Cleanup(pool.Close)
	if _, err := pool.Exec(ctx, "DROP TABLE IF EXISTS caption_entries CASCADE"); err != nil {
		t.Fatalf("drop: %v", err)
	}

	store, err := postgres.NewStore(ctx, dsn)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

func TestStore_AppendListDelete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	created := time.Now().UTC().Truncate(time.Microsecond)
	entries := []transcript.Entry{
		{SessionID: "s1", SegmentID: "b", Seq: 2, Text: "second", Start: 5 * time.Second, End: 6 * time.Second, CreatedAt: created},
		{SessionID: "s1", SegmentID: "a", Seq: 1, Text: "first", RawText: "frist", Start: time.Second, End: 2 * time.Second, CreatedAt: created},
		{SessionID: "s1", Seq: 3, Text: "recognition failed", Start: 5 * time.Second, End: 8 * time.Second, Notice: true},
		{SessionID: "s2", Seq: 1, Text: "other"},
	}
	for _, e := range entries {
		if err := store.Append(ctx, e); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	got, err := store.List(ctx, "s1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("List returned %d entries, want 3", len(got))
	}
	if got[0].Text != "first" || got[0].RawText != "frist" || got[0].SegmentID != "a" {
		t.Errorf("first entry = %+v", got[0])
	}
	if got[0].Start != time.Second || got[0].End != 2*time.Second {
		t.Errorf("first span = [%v, %v]", got[0].Start, got[0].End)
	}
	if !got[0].CreatedAt.Equal(created) {
		t.Errorf("CreatedAt = %v, want %v", got[0].CreatedAt, created)
	}
	if got[1].Seq != 2 || got[2].Seq != 3 || !got[2].Notice {
		t.Errorf("tie order or notice wrong: %+v / %+v", got[1], got[2])
	}

	if err := store.Delete(ctx, "s1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.List(ctx, "s1"); !errors.Is(err, transcript.ErrSessionNotFound) {
		t.Errorf("List after delete = %v, want ErrSessionNotFound", err)
	}
	if other, err := store.List(ctx, "s2"); err != nil || len(other) != 1 {
		t.Errorf("other session = %v, %v", other, err)
	}
}

func TestNewStore_BadDSN(t *testing.T) {
	if _, err := postgres.NewStore(context.Background(), "://not a dsn"); err == nil {
		t.Fatal("expected error for invalid DSN")
	}
}
