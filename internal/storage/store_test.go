package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	logx "promptpace/pkg/logx"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{Path: filepath.Join(t.TempDir(), "history.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if st == nil {
		t.Fatal("store is nil despite a path being set")
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestOpenDisabledWhenPathEmpty(t *testing.T) {
	t.Parallel()
	st, err := Open(Config{}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if st != nil {
		t.Fatal("expected nil store for empty path")
	}
}

func TestAppendAndReadBack(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	at := time.Date(2026, 8, 23, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		err := st.AppendDispatch(ctx, DispatchEntry{
			At:      at.Add(time.Duration(i) * time.Minute),
			QueueID: fmt.Sprintf("queue-item-%d", i+1),
			Text:    fmt.Sprintf("prompt %d", i+1),
			Status:  "sent",
			BaseMS:  60000,
			TotalMS: 60000,
		})
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	entries, err := st.RecentDispatches(ctx, 2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2 (limit applied)", len(entries))
	}
	// Newest first.
	if entries[0].QueueID != "queue-item-3" || entries[1].QueueID != "queue-item-2" {
		t.Fatalf("order: %q, %q", entries[0].QueueID, entries[1].QueueID)
	}
	if !entries[0].At.Equal(at.Add(2 * time.Minute)) {
		t.Fatalf("at = %v", entries[0].At)
	}
	if entries[0].BaseMS != 60000 || entries[0].Reason != "" {
		t.Fatalf("entry: %+v", entries[0])
	}
}

func TestAppendKeepsReasonAndError(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	err := st.AppendDispatch(ctx, DispatchEntry{
		QueueID: "queue-item-1",
		Text:    "prompt",
		Status:  "failed",
		Reason:  "forbidden",
		Error:   "bot was blocked",
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	entries, err := st.RecentDispatches(ctx, 1)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(entries) != 1 || entries[0].Reason != "forbidden" || entries[0].Error != "bot was blocked" {
		t.Fatalf("entries: %+v", entries)
	}
	if entries[0].At.IsZero() {
		t.Fatal("zero At was not stamped on append")
	}
}

func TestNopStore(t *testing.T) {
	t.Parallel()
	st := Nop()
	if err := st.AppendDispatch(context.Background(), DispatchEntry{}); err != nil {
		t.Fatalf("append: %v", err)
	}
	entries, err := st.RecentDispatches(context.Background(), 10)
	if err != nil || entries != nil {
		t.Fatalf("recent: (%v, %v)", entries, err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}
