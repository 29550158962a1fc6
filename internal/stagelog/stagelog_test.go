package stagelog

import (
	"context"
	"path/filepath"
	"testing"
)

func openTestLog(t *testing.T) *Log {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "stagelog.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestRecordAndReplay(t *testing.T) {
	t.Parallel()

	l := openTestLog(t)
	ctx := context.Background()

	stages := []Entry{
		{RequestID: "req-1", Stage: "received", Status: StatusOK, DurationMs: 0},
		{RequestID: "req-1", Stage: "input_analyzer", Status: StatusOK, DurationMs: 12},
		{RequestID: "req-1", Stage: "safety_screener", Status: StatusOK, DurationMs: 3},
		{RequestID: "req-1", Stage: "retriever", Status: StatusError, ErrorCode: "INDEX_UNAVAILABLE", DurationMs: 450},
	}
	for _, e := range stages {
		if err := l.Record(ctx, e); err != nil {
			t.Fatalf("Record %s: %v", e.Stage, err)
		}
	}
	// Rows for another request must not interleave.
	if err := l.RecordStage(ctx, "req-2", "received", StatusOK, "", 0); err != nil {
		t.Fatalf("RecordStage: %v", err)
	}

	got, err := l.ForRequest(ctx, "req-1")
	if err != nil {
		t.Fatalf("ForRequest: %v", err)
	}
	if len(got) != len(stages) {
		t.Fatalf("rows = %d, want %d", len(got), len(stages))
	}
	for i, e := range got {
		if e.Stage != stages[i].Stage || e.Status != stages[i].Status {
			t.Fatalf("row %d = %s/%s, want %s/%s", i, e.Stage, e.Status, stages[i].Stage, stages[i].Status)
		}
		if e.CreatedAtUnixMs == 0 {
			t.Fatalf("row %d missing created_at stamp", i)
		}
	}
	if got[3].ErrorCode != "INDEX_UNAVAILABLE" {
		t.Fatalf("error_code = %q", got[3].ErrorCode)
	}
}

func TestForRequestUnknownIsEmpty(t *testing.T) {
	t.Parallel()

	l := openTestLog(t)
	got, err := l.ForRequest(context.Background(), "nope")
	if err != nil {
		t.Fatalf("ForRequest: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("rows = %d, want 0", len(got))
	}
}

func TestRecordValidation(t *testing.T) {
	t.Parallel()

	l := openTestLog(t)
	ctx := context.Background()

	if err := l.Record(ctx, Entry{Stage: "received", Status: StatusOK}); err == nil {
		t.Fatalf("missing request_id must fail")
	}
	if err := l.Record(ctx, Entry{RequestID: "req-1", Status: StatusOK}); err == nil {
		t.Fatalf("missing stage must fail")
	}
}

func TestReopenKeepsRows(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "stagelog.db")
	ctx := context.Background()

	l, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := l.RecordStage(ctx, "req-1", "received", StatusOK, "", 0); err != nil {
		t.Fatalf("RecordStage: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	l2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = l2.Close() }()

	got, err := l2.ForRequest(ctx, "req-1")
	if err != nil {
		t.Fatalf("ForRequest: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("rows = %d after reopen, want 1", len(got))
	}
}
