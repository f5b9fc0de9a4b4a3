package mock_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/seance/pkg/memory"
	"github.com/MrWong99/seance/pkg/memory/mock"
)

func TestSessionStore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	var store mock.SessionStore

	base := time.Unix(100, 0)
	for i, text := range []string{"The parser is haunted", "who wrote this", "the PARSER again"} {
		e := memory.TranscriptEntry{ID: string(rune('a' + i)), Speaker: "USER", Text: text, Timestamp: base.Add(time.Duration(i) * time.Second)}
		if err := store.WriteEntry(ctx, "s1", e); err != nil {
			t.Fatalf("WriteEntry: %v", err)
		}
	}
	_ = store.WriteEntry(ctx, "s1", memory.TranscriptEntry{ID: "a", Text: "duplicate"})

	entries, _ := store.Entries(ctx, "s1")
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}
	hits, _ := store.Search(ctx, "parser", memory.SearchOpts{SessionID: "s1"})
	if len(hits) != 2 || hits[0].ID != "a" || hits[1].ID != "c" {
		t.Errorf("Search = %+v", hits)
	}
	if empty, _ := store.Entries(ctx, "none"); empty == nil || len(empty) != 0 {
		t.Errorf("Entries(unknown) = %v", empty)
	}
	if n := store.CallCount("WriteEntry"); n != 4 {
		t.Errorf("WriteEntry calls = %d, want 4", n)
	}

	store.WriteEntryErr = errors.New("disk full")
	if err := store.WriteEntry(ctx, "s1", memory.TranscriptEntry{ID: "z"}); err == nil {
		t.Error("expected WriteEntryErr")
	}
}
