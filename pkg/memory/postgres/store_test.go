package postgres_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/seance/pkg/memory"
	"github.com/MrWong99/seance/pkg/memory/postgres"
)

// testDSN skips the test unless SEANCE_TEST_POSTGRES_DSN is set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("SEANCE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("SEANCE_TEST_POSTGRES_DSN not set, skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore returns a Store over a freshly dropped schema.
func newTestStore(t *testing.T) *postgres.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	if _, err := pool.Exec(ctx, "DROP TABLE IF EXISTS transcript_entries CASCADE"); err != nil {
		t.Fatalf("drop schema: %v", err)
	}
	pool.Close()

	store, err := postgres.NewStore(ctx, dsn)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

func TestStore_WriteAndEntries(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Now().Truncate(time.Microsecond)
	written := []memory.TranscriptEntry{
		{ID: "e1", Speaker: "SPIRIT", Kind: "TEXT", Text: "Who summons me?", Timestamp: base},
		{ID: "e2", Speaker: "USER", Kind: "TEXT", Text: "Explain main.go", Timestamp: base.Add(time.Second)},
		{ID: "e3", Speaker: "SPIRIT", Kind: "AUDIO", Timestamp: base.Add(2 * time.Second)},
	}
	for _, e := range written {
		if err := store.WriteEntry(ctx, "s1", e); err != nil {
			t.Fatalf("WriteEntry(%s): %v", e.ID, err)
		}
	}
	if err := store.WriteEntry(ctx, "other", memory.TranscriptEntry{ID: "x", Speaker: "USER", Text: "noise"}); err != nil {
		t.Fatalf("WriteEntry(other): %v", err)
	}

	got, err := store.Entries(ctx, "s1")
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	if len(got) != len(written) {
		t.Fatalf("got %d entries, want %d", len(got), len(written))
	}
	for i, want := range written {
		if got[i].ID != want.ID || got[i].Speaker != want.Speaker || got[i].Kind != want.Kind || got[i].Text != want.Text {
			t.Errorf("entry %d = %+v, want %+v", i, got[i], want)
		}
		if !got[i].Timestamp.Equal(want.Timestamp) {
			t.Errorf("entry %d timestamp = %v, want %v", i, got[i].Timestamp, want.Timestamp)
		}
	}
}

func TestStore_WriteEntryIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	e := memory.TranscriptEntry{ID: "e1", Speaker: "USER", Kind: "TEXT", Text: "hello"}
	for range 3 {
		if err := store.WriteEntry(ctx, "s1", e); err != nil {
			t.Fatalf("WriteEntry: %v", err)
		}
	}
	got, err := store.Entries(ctx, "s1")
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("got %d entries, want 1", len(got))
	}
}

func TestStore_EntriesUnknownSession(t *testing.T) {
	store := newTestStore(t)

	got, err := store.Entries(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Errorf("Entries = %v, want empty non-nil slice", got)
	}
}

func TestStore_WriteEntryRejectsEmptySession(t *testing.T) {
	store := newTestStore(t)
	if err := store.WriteEntry(context.Background(), "", memory.TranscriptEntry{ID: "e"}); err == nil {
		t.Error("expected error for empty session id")
	}
}

func TestStore_Search(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Now()
	for i, e := range []memory.TranscriptEntry{
		{ID: "a", Speaker: "USER", Text: "why is the parser so slow", Timestamp: base},
		{ID: "b", Speaker: "SPIRIT", Text: "the parser was written at 3am", Timestamp: base.Add(time.Second)},
		{ID: "c", Speaker: "SPIRIT", Text: "never trust a regex", Timestamp: base.Add(2 * time.Second)},
	} {
		sid := "s1"
		if i == 2 {
			sid = "s2"
		}
		if err := store.WriteEntry(ctx, sid, e); err != nil {
			t.Fatalf("WriteEntry: %v", err)
		}
	}

	tests := []struct {
		name  string
		query string
		opts  memory.SearchOpts
		want  []string
	}{
		{"all sessions", "parser", memory.SearchOpts{}, []string{"a", "b"}},
		{"by speaker", "parser", memory.SearchOpts{Speaker: "SPIRIT"}, []string{"b"}},
		{"by session", "regex", memory.SearchOpts{SessionID: "s1"}, nil},
		{"limit", "parser", memory.SearchOpts{Limit: 1}, []string{"a"}},
		{"after", "parser", memory.SearchOpts{After: base.Add(500 * time.Millisecond)}, []string{"b"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.Search(ctx, tt.query, tt.opts)
			if err != nil {
				t.Fatalf("Search: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %d results, want %d", len(got), len(tt.want))
			}
			for i, id := range tt.want {
				if got[i].ID != id {
					t.Errorf("result %d = %s, want %s", i, got[i].ID, id)
				}
			}
		})
	}
}

func TestStore_Ping(t *testing.T) {
	store := newTestStore(t)
	if err := store.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}
