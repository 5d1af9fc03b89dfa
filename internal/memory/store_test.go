package memory

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "memory.db"), 0)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestWriteAndRecall(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	episodes := []Episode{
		{SessionID: "s1", UserID: "u1", Content: "my favorite color is turquoise", Response: "noted", Origin: "deep"},
		{SessionID: "s1", UserID: "u1", Content: "the dentist appointment is friday", Response: "I'll remember", Origin: "deep"},
		{SessionID: "s1", UserID: "u1", Content: "ping", Response: "pong", Origin: "fast"},
	}
	for _, ep := range episodes {
		if err := s.WriteEpisode(ctx, ep); err != nil {
			t.Fatalf("WriteEpisode: %v", err)
		}
	}

	hits, err := s.Recall(ctx, "s1", "what was my favorite color again", 5)
	if err != nil {
		t.Fatalf("Recall: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("recall hits = %d, want 1", len(hits))
	}
	if hits[0].Content != "my favorite color is turquoise" {
		t.Fatalf("recalled %q", hits[0].Content)
	}
}

func TestRecallScopedToSession(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.WriteEpisode(ctx, Episode{SessionID: "s1", UserID: "u1", Content: "turquoise walls", Response: "ok", Origin: "deep"}); err != nil {
		t.Fatalf("WriteEpisode: %v", err)
	}

	hits, err := s.Recall(ctx, "s2", "turquoise", 5)
	if err != nil {
		t.Fatalf("Recall: %v", err)
	}
	if len(hits) != 0 {
		t.Fatalf("recall leaked %d episodes across sessions", len(hits))
	}
}

func TestRecallEmptyQueryIsEmptyButValid(t *testing.T) {
	s := testStore(t)
	hits, err := s.Recall(context.Background(), "s1", "is it a of", 5)
	if err != nil {
		t.Fatalf("Recall: %v", err)
	}
	if hits != nil {
		t.Fatalf("stopword-only query returned %d hits", len(hits))
	}
}

func TestConsolidateCompactsBeyondRetainWindow(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		err := s.WriteEpisode(ctx, Episode{
			SessionID: "s1",
			UserID:    "u1",
			Content:   fmt.Sprintf("exchange number %d about gardening", i),
			Response:  "sure",
			Origin:    "deep",
		})
		if err != nil {
			t.Fatalf("WriteEpisode: %v", err)
		}
	}

	n, err := s.Consolidate(ctx, 4)
	if err != nil {
		t.Fatalf("Consolidate: %v", err)
	}
	if n != 6 {
		t.Fatalf("consolidated %d episodes, want 6", n)
	}

	remaining, err := s.EpisodeCount(ctx, "s1")
	if err != nil {
		t.Fatalf("EpisodeCount: %v", err)
	}
	if remaining != 4 {
		t.Fatalf("remaining = %d, want the retain window of 4", remaining)
	}

	// Under the window, a second pass is a no-op.
	n, err = s.Consolidate(ctx, 4)
	if err != nil {
		t.Fatalf("second Consolidate: %v", err)
	}
	if n != 0 {
		t.Fatalf("second pass consolidated %d, want 0", n)
	}
}

func TestConsolidateHonorsSessionFloor(t *testing.T) {
	s, err := NewStore(filepath.Join(t.TempDir(), "memory.db"), 20)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()

	write := func(n int) {
		t.Helper()
		for i := 0; i < n; i++ {
			err := s.WriteEpisode(ctx, Episode{
				SessionID: "s1",
				UserID:    "u1",
				Content:   fmt.Sprintf("note %d about sailing", i),
				Response:  "ok",
				Origin:    "deep",
			})
			if err != nil {
				t.Fatalf("WriteEpisode: %v", err)
			}
		}
	}

	// Under the floor nothing is touched, even past the retain window.
	write(10)
	n, err := s.Consolidate(ctx, 4)
	if err != nil {
		t.Fatalf("Consolidate: %v", err)
	}
	if n != 0 {
		t.Fatalf("consolidated %d episodes below the floor, want 0", n)
	}

	// Crossing the floor compacts down to the retain window.
	write(15)
	n, err = s.Consolidate(ctx, 4)
	if err != nil {
		t.Fatalf("Consolidate: %v", err)
	}
	if n != 21 {
		t.Fatalf("consolidated %d episodes, want 21", n)
	}
	remaining, err := s.EpisodeCount(ctx, "s1")
	if err != nil {
		t.Fatalf("EpisodeCount: %v", err)
	}
	if remaining != 4 {
		t.Fatalf("remaining = %d, want 4", remaining)
	}
}

func TestFirstSentenceTruncatesOnRunes(t *testing.T) {
	long := strings.Repeat("記", 200)
	got := firstSentence(long)
	if !utf8.ValidString(got) {
		t.Fatalf("truncation split a rune: %q", got)
	}
	if n := len([]rune(got)); n != 120 {
		t.Fatalf("truncated to %d runes, want 120", n)
	}
}
