package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"bken/aecd/internal/config"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "nested", "aecd.db"))
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() {
		_ = st.Close()
	})
	return st
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open("  "); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestSessionLifecycle(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	cfg := config.Default()
	cfg.SampleRate = 16000
	start := time.UnixMilli(1_700_000_000_000).UTC()

	id, err := st.BeginSession(ctx, cfg, start)
	if err != nil {
		t.Fatalf("begin session: %v", err)
	}

	got, err := st.SessionByID(ctx, id)
	if err != nil {
		t.Fatalf("lookup session: %v", err)
	}
	if got.Config != cfg || !got.StartedAt.Equal(start) || !got.StoppedAt.IsZero() {
		t.Fatalf("unexpected running session: %#v", got)
	}

	sum := Summary{Blocks: 900, PassThrough: 2, ReferenceShort: 5, Overwritten: 7, Resyncs: 1, Errors: 2, LastError: "aec: filter diverged"}
	stop := start.Add(9 * time.Second)
	if err := st.EndSession(ctx, id, stop, sum); err != nil {
		t.Fatalf("end session: %v", err)
	}

	got, err = st.SessionByID(ctx, id)
	if err != nil {
		t.Fatalf("lookup session: %v", err)
	}
	if got.Summary != sum {
		t.Fatalf("summary = %#v, want %#v", got.Summary, sum)
	}
	if !got.StoppedAt.Equal(stop) {
		t.Fatalf("expected stopped_at=%s got=%s", stop, got.StoppedAt)
	}
}

func TestSessionNotFound(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	if _, err := st.SessionByID(ctx, 42); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("SessionByID = %v, want ErrSessionNotFound", err)
	}
	if err := st.EndSession(ctx, 42, time.Now(), Summary{}); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("EndSession = %v, want ErrSessionNotFound", err)
	}
}

func TestSessionsNewestFirst(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	base := time.UnixMilli(1_700_000_000_000)
	for i := range 5 {
		if _, err := st.BeginSession(ctx, config.Default(), base.Add(time.Duration(i)*time.Minute)); err != nil {
			t.Fatal(err)
		}
	}

	got, err := st.Sessions(ctx, 3)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d sessions, want 3", len(got))
	}
	for i := 1; i < len(got); i++ {
		if !got[i-1].StartedAt.After(got[i].StartedAt) {
			t.Fatalf("sessions not newest first: %v then %v", got[i-1].StartedAt, got[i].StartedAt)
		}
	}

	all, err := st.Sessions(ctx, 0)
	if err != nil || len(all) != 5 {
		t.Fatalf("default limit returned %d sessions, %v", len(all), err)
	}
}

func TestReopenKeepsJournal(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "aecd.db")
	st, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	id, err := st.BeginSession(context.Background(), config.Default(), time.Now())
	if err != nil {
		t.Fatal(err)
	}
	st.Close()

	st, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st.Close()
	if _, err := st.SessionByID(context.Background(), id); err != nil {
		t.Fatalf("session lost across reopen: %v", err)
	}
}
