package contextstore

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/carebridge/careline/internal/pipeline"
)

func openTestStore(t *testing.T, opts Options) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "context.db"), opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestReadUnknownSessionIsEmpty(t *testing.T) {
	t.Parallel()

	s := openTestStore(t, Options{})
	snap, err := s.Read(context.Background(), "u1", "s1")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(snap.RecentTurns) != 0 || len(snap.UserProfile) != 0 || snap.LastSafetyState != "" {
		t.Fatalf("unknown session must read empty, got %+v", snap)
	}
}

func TestAppendReadRoundTrip(t *testing.T) {
	t.Parallel()

	s := openTestStore(t, Options{})
	ctx := context.Background()

	turns := []pipeline.Turn{
		{Role: "user", TextSummary: "asked about headaches"},
		{Role: "agent", TextSummary: "explained tension headaches"},
	}
	if err := s.Append(ctx, "u1", "s1", turns, pipeline.SafetyLevelNone); err != nil {
		t.Fatalf("Append: %v", err)
	}

	snap, err := s.Read(ctx, "u1", "s1")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if snap.LastSafetyState != pipeline.SafetyLevelNone {
		t.Fatalf("last_safety_state = %q", snap.LastSafetyState)
	}
	if len(snap.RecentTurns) != 2 {
		t.Fatalf("turns = %d, want 2", len(snap.RecentTurns))
	}
	if snap.RecentTurns[0].Role != "user" || snap.RecentTurns[1].Role != "agent" {
		t.Fatalf("turns out of order: %+v", snap.RecentTurns)
	}
	if snap.RecentTurns[0].Timestamp.IsZero() {
		t.Fatalf("zero timestamp should be stamped at append time")
	}
}

func TestAppendEvictsBeyondRetention(t *testing.T) {
	t.Parallel()

	s := openTestStore(t, Options{MaxTurns: 3})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		turn := []pipeline.Turn{{Role: "user", TextSummary: fmt.Sprintf("turn %d", i)}}
		if err := s.Append(ctx, "u1", "s1", turn, pipeline.SafetyLevelNone); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}

	snap, err := s.Read(ctx, "u1", "s1")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(snap.RecentTurns) != 3 {
		t.Fatalf("turns = %d, want retention limit 3", len(snap.RecentTurns))
	}
	if snap.RecentTurns[0].TextSummary != "turn 2" {
		t.Fatalf("oldest surviving turn = %q, want \"turn 2\"", snap.RecentTurns[0].TextSummary)
	}
	if snap.RecentTurns[2].TextSummary != "turn 4" {
		t.Fatalf("newest turn = %q, want \"turn 4\"", snap.RecentTurns[2].TextSummary)
	}
}

func TestAppendEvictsAgedTurns(t *testing.T) {
	t.Parallel()

	s := openTestStore(t, Options{MaxTurnAge: time.Hour})
	ctx := context.Background()

	turns := []pipeline.Turn{
		{Role: "user", TextSummary: "stale turn", Timestamp: time.Now().Add(-2 * time.Hour)},
		{Role: "user", TextSummary: "fresh turn", Timestamp: time.Now()},
	}
	if err := s.Append(ctx, "u1", "s1", turns, pipeline.SafetyLevelNone); err != nil {
		t.Fatalf("Append: %v", err)
	}

	snap, err := s.Read(ctx, "u1", "s1")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(snap.RecentTurns) != 1 {
		t.Fatalf("turns = %d, want only the fresh turn", len(snap.RecentTurns))
	}
	if snap.RecentTurns[0].TextSummary != "fresh turn" {
		t.Fatalf("surviving turn = %q, want \"fresh turn\"", snap.RecentTurns[0].TextSummary)
	}
}

func TestSafetyStateLastWriteWins(t *testing.T) {
	t.Parallel()

	s := openTestStore(t, Options{})
	ctx := context.Background()

	turn := []pipeline.Turn{{Role: "user", TextSummary: "x"}}
	if err := s.Append(ctx, "u1", "s1", turn, pipeline.SafetyLevelElevated); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := s.Append(ctx, "u1", "s1", turn, pipeline.SafetyLevelNone); err != nil {
		t.Fatalf("Append: %v", err)
	}

	snap, err := s.Read(ctx, "u1", "s1")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if snap.LastSafetyState != pipeline.SafetyLevelNone {
		t.Fatalf("last_safety_state = %q, want the latest write", snap.LastSafetyState)
	}
}

func TestSessionsAreIsolated(t *testing.T) {
	t.Parallel()

	s := openTestStore(t, Options{})
	ctx := context.Background()

	if err := s.Append(ctx, "u1", "s1", []pipeline.Turn{{Role: "user", TextSummary: "session one"}}, ""); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := s.Append(ctx, "u1", "s2", []pipeline.Turn{{Role: "user", TextSummary: "session two"}}, ""); err != nil {
		t.Fatalf("Append: %v", err)
	}

	snap, err := s.Read(ctx, "u1", "s1")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(snap.RecentTurns) != 1 || snap.RecentTurns[0].TextSummary != "session one" {
		t.Fatalf("session bleed: %+v", snap.RecentTurns)
	}
}

func TestConcurrentAppendsSerialize(t *testing.T) {
	t.Parallel()

	s := openTestStore(t, Options{MaxTurns: 100})
	ctx := context.Background()

	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			turn := []pipeline.Turn{{Role: "user", TextSummary: fmt.Sprintf("writer %d", i)}}
			errs <- s.Append(ctx, "u1", "s1", turn, pipeline.SafetyLevelNone)
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent Append: %v", err)
		}
	}

	snap, err := s.Read(ctx, "u1", "s1")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(snap.RecentTurns) != writers {
		t.Fatalf("turns = %d, want %d", len(snap.RecentTurns), writers)
	}
}

func TestSetProfile(t *testing.T) {
	t.Parallel()

	s := openTestStore(t, Options{})
	ctx := context.Background()

	profile := map[string]string{"locale": "en-US", "age_band": "adult"}
	if err := s.SetProfile(ctx, "u1", "s1", profile); err != nil {
		t.Fatalf("SetProfile: %v", err)
	}

	snap, err := s.Read(ctx, "u1", "s1")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if snap.UserProfile["locale"] != "en-US" || snap.UserProfile["age_band"] != "adult" {
		t.Fatalf("profile = %v", snap.UserProfile)
	}
}

func TestAppendValidation(t *testing.T) {
	t.Parallel()

	s := openTestStore(t, Options{})
	ctx := context.Background()
	turn := []pipeline.Turn{{Role: "user", TextSummary: "x"}}

	if err := s.Append(ctx, "", "s1", turn, ""); err == nil {
		t.Fatalf("missing user_id must fail")
	}
	if err := s.Append(ctx, "u1", "  ", turn, ""); err == nil {
		t.Fatalf("blank session_id must fail")
	}
	if err := s.Append(ctx, "u1", "s1", nil, ""); err != nil {
		t.Fatalf("empty turn batch is a no-op, got %v", err)
	}
}

func TestTruncateSummary(t *testing.T) {
	t.Parallel()

	short := "short summary"
	if got := TruncateSummary(short); got != short {
		t.Fatalf("short text must pass through, got %q", got)
	}

	long := strings.Repeat("ä", 400)
	got := TruncateSummary(long)
	runes := []rune(got)
	if len(runes) != 280 {
		t.Fatalf("truncated length = %d runes, want 280 including the ellipsis", len(runes))
	}
	if runes[len(runes)-1] != '…' {
		t.Fatalf("truncation must end with ellipsis, got %q", got)
	}
}
