package messagelog

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/vibe80/engine/internal/model"
	"github.com/vibe80/engine/internal/store"
)

func newTestLog(t *testing.T) (*Log, store.Store) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	wt := model.Worktree{SessionID: "sess-1", ID: "main", Status: model.WorktreeReady, CreatedAt: time.Now()}
	if err := s.PutWorktree(wt); err != nil {
		t.Fatalf("PutWorktree: %v", err)
	}
	return New(s), s
}

func TestAppend_UnknownWorktreeRejected(t *testing.T) {
	log, _ := newTestLog(t)
	_, _, err := log.Append("sess-1", "does-not-exist", model.Message{ID: "m1", Role: model.RoleUser, Text: "hi"})
	if err == nil {
		t.Fatal("expected error for unknown worktree")
	}
}

func TestAppendAndRead_RoundTrip(t *testing.T) {
	log, _ := newTestLog(t)

	for i, id := range []string{"m1", "m2", "m3"} {
		seq, noop, err := log.Append("sess-1", "main", model.Message{ID: id, Role: model.RoleUser, Text: id, CreatedAt: time.Now()})
		if err != nil {
			t.Fatalf("Append(%s): %v", id, err)
		}
		if noop {
			t.Fatalf("Append(%s): unexpected noop", id)
		}
		if seq != int64(i+1) {
			t.Fatalf("Append(%s): seq=%d, want %d", id, seq, i+1)
		}
	}

	got, err := log.Read("sess-1", "main", 0, "")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("Read len=%d, want 3", len(got))
	}
}

func TestAppend_DuplicateIsIdempotent(t *testing.T) {
	log, _ := newTestLog(t)
	m := model.Message{ID: "m1", Role: model.RoleUser, Text: "hi", CreatedAt: time.Now()}

	seq1, noop1, err := log.Append("sess-1", "main", m)
	if err != nil || noop1 {
		t.Fatalf("first append: seq=%d noop=%v err=%v", seq1, noop1, err)
	}
	seq2, noop2, err := log.Append("sess-1", "main", m)
	if err != nil {
		t.Fatalf("second append: %v", err)
	}
	if !noop2 || seq2 != seq1 {
		t.Fatalf("dup append: seq=%d noop=%v, want seq=%d noop=true", seq2, noop2, seq1)
	}
}

func TestClear_EmptiesLog(t *testing.T) {
	log, _ := newTestLog(t)
	if _, _, err := log.Append("sess-1", "main", model.Message{ID: "m1", Role: model.RoleUser, Text: "hi"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := log.Clear("sess-1", "main"); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	got, err := log.Read("sess-1", "main", 0, "")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty log, got %+v", got)
	}
}
