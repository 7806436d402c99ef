package spool

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/richardartoul/s3cacheproxy/internal/objectstore/objectstoretest"
	"github.com/richardartoul/s3cacheproxy/pkg/locking"
)

func newTestSpooler(t *testing.T, maxEntry, maxPending int64) (*Spooler, *objectstoretest.Fake) {
	t.Helper()
	dir := t.TempDir()
	fake := objectstoretest.New()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	s, err := New(dir, maxEntry, maxPending, fake, "test-bucket", "prefix/", locking.NewMemLock(), logger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, fake
}

func TestStageWritesSpoolFile(t *testing.T) {
	s, _ := newTestSpooler(t, 0, 1<<20)

	res, size, err := s.Stage("a/b/c", strings.NewReader("HELLO"))
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}
	if res != StageAccepted {
		t.Fatalf("expected StageAccepted, got %v", res)
	}
	if size != 5 {
		t.Errorf("expected size 5, got %d", size)
	}
	if !s.Exists("a/b/c") {
		t.Error("expected spool file to exist after staging")
	}
}

func TestStageDuplicateWhenAlreadyStaged(t *testing.T) {
	s, _ := newTestSpooler(t, 0, 1<<20)

	if _, _, err := s.Stage("k", strings.NewReader("v1")); err != nil {
		t.Fatalf("Stage: %v", err)
	}

	res, _, err := s.Stage("k", strings.NewReader("v2"))
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}
	if res != StageDuplicate {
		t.Fatalf("expected StageDuplicate, got %v", res)
	}
}

func TestAdmitAndUploadSyncSuccess(t *testing.T) {
	s, fake := newTestSpooler(t, 0, 1<<20)

	if _, _, err := s.Stage("k", strings.NewReader("HELLO")); err != nil {
		t.Fatalf("Stage: %v", err)
	}

	result, outcome := s.AdmitAndUpload(context.Background(), "k", 5, false, nil)
	if result != AdmitUploading {
		t.Fatalf("expected AdmitUploading, got %v", result)
	}
	if outcome.Err != nil {
		t.Fatalf("unexpected upload error: %v", outcome.Err)
	}
	if !fake.Contains("prefix/k") {
		t.Error("expected object to have been uploaded under prefixed key")
	}
	if s.Exists("k") {
		t.Error("expected spool file to be unlinked after upload")
	}
	if s.PendingBytes() != 0 {
		t.Errorf("expected pendingBytes to return to 0, got %d", s.PendingBytes())
	}
}

func TestAdmitAndUploadAsyncCompletesInBackground(t *testing.T) {
	s, fake := newTestSpooler(t, 0, 1<<20)

	if _, _, err := s.Stage("k", strings.NewReader("HELLO")); err != nil {
		t.Fatalf("Stage: %v", err)
	}

	result, outcome := s.AdmitAndUpload(context.Background(), "k", 5, true, nil)
	if result != AdmitUploading {
		t.Fatalf("expected AdmitUploading, got %v", result)
	}
	if outcome != nil {
		t.Fatal("expected nil outcome in async mode")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if !s.Exists("k") {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if s.Exists("k") {
		t.Fatal("expected spool file eventually unlinked")
	}
	if !fake.Contains("prefix/k") {
		t.Error("expected object to have been uploaded")
	}
}

func TestAdmitTooLarge(t *testing.T) {
	s, _ := newTestSpooler(t, 4, 1<<20)

	if _, _, err := s.Stage("k", strings.NewReader("HELLO")); err != nil {
		t.Fatalf("Stage: %v", err)
	}

	result, outcome := s.AdmitAndUpload(context.Background(), "k", 5, false, nil)
	if result != AdmitTooLarge {
		t.Fatalf("expected AdmitTooLarge, got %v", result)
	}
	if outcome != nil {
		t.Fatal("expected nil outcome when rejected before admission")
	}
}

func TestAdmitBudgetExceeded(t *testing.T) {
	s, _ := newTestSpooler(t, 0, 4)

	if _, _, err := s.Stage("k", strings.NewReader("HELLO")); err != nil {
		t.Fatalf("Stage: %v", err)
	}

	result, _ := s.AdmitAndUpload(context.Background(), "k", 5, false, nil)
	if result != AdmitBudgetExceeded {
		t.Fatalf("expected AdmitBudgetExceeded, got %v", result)
	}
}

func TestPurgeAllRemovesEverything(t *testing.T) {
	s, _ := newTestSpooler(t, 0, 1<<20)

	if _, _, err := s.Stage("a/b/c", strings.NewReader("HELLO")); err != nil {
		t.Fatalf("Stage: %v", err)
	}

	if err := s.PurgeAll(); err != nil {
		t.Fatalf("PurgeAll: %v", err)
	}
	if s.Exists("a/b/c") {
		t.Error("expected spool file removed after PurgeAll")
	}

	entries, err := os.ReadDir(s.spoolDir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, e := range entries {
		if e.Name() != ".lock" {
			t.Errorf("expected only .lock to remain, found %s", e.Name())
		}
	}
}

func TestUnlinkIsIdempotent(t *testing.T) {
	s, _ := newTestSpooler(t, 0, 1<<20)
	s.Unlink("does-not-exist") // must not panic or error loudly
}

func TestPathJoinsSlashSegments(t *testing.T) {
	s, _ := newTestSpooler(t, 0, 1<<20)
	got := s.path("a/b/c")
	want := filepath.Join(s.spoolDir, "a", "b", "c")
	if got != want {
		t.Errorf("expected %s, got %s", want, got)
	}
}
