// Package spool stages PUT bodies to disk and runs uploads to the remote
// object store under a global pending-byte budget, synchronously or in
// the background.
package spool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"

	"github.com/richardartoul/s3cacheproxy/internal/objectstore"
	"github.com/richardartoul/s3cacheproxy/pkg/locking"
)

// StageResult is the outcome of Stage.
type StageResult int

const (
	// StageAccepted means the body was written to the spool path.
	StageAccepted StageResult = iota
	// StageDuplicate means a spool file for the key already existed; the
	// caller should treat this as success (already in flight).
	StageDuplicate
	// StageIOError means a local disk error occurred while staging.
	StageIOError
)

// AdmitResult is the outcome of AdmitAndUpload's admission decision.
type AdmitResult int

const (
	// AdmitUploading means the upload was admitted and launched.
	AdmitUploading AdmitResult = iota
	// AdmitTooLarge means size exceeds the configured per-entry cap.
	AdmitTooLarge
	// AdmitBudgetExceeded means admitting size would exceed the pending
	// upload byte budget.
	AdmitBudgetExceeded
)

// Spooler stages PUT bodies to spoolDir/<key> and manages background
// uploads under a pending-bytes budget. The presence of the spool file at
// its canonical path, from Stage through upload completion, is itself the
// in-flight sentinel for that key.
type Spooler struct {
	spoolDir        string
	maxEntrySize    int64
	maxPendingBytes int64
	client          objectstore.Client
	bucket          string
	prefix          string
	logger          *slog.Logger
	locks           locking.Group

	dirLock *flock.Flock

	mu           sync.Mutex
	pendingBytes int64
}

// New creates a Spooler rooted at spoolDir. maxEntrySize of 0 means no
// per-entry cap. locks provides per-key mutual exclusion around each
// upload's transfer to the remote store, so no two uploads for the same
// key ever run at once; pass locking.NewNoOpGroup() to disable it.
func New(spoolDir string, maxEntrySize, maxPendingBytes int64, client objectstore.Client, bucket, prefix string, locks locking.Group, logger *slog.Logger) (*Spooler, error) {
	if err := os.MkdirAll(spoolDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create spool directory: %w", err)
	}

	dirLock := flock.New(filepath.Join(spoolDir, ".lock"))
	locked, err := dirLock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire spool directory lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("spool directory %s is already locked by another process", spoolDir)
	}

	return &Spooler{
		spoolDir:        spoolDir,
		maxEntrySize:    maxEntrySize,
		maxPendingBytes: maxPendingBytes,
		client:          client,
		bucket:          bucket,
		prefix:          prefix,
		logger:          logger,
		locks:           locks,
		dirLock:         dirLock,
	}, nil
}

// path returns the spool file path for key; a key with slashes, e.g.
// "a/b/c", spools to "<spoolDir>/a/b/c", with parent directories created
// as needed.
func (s *Spooler) path(key string) string {
	return filepath.Join(s.spoolDir, filepath.FromSlash(key))
}

// Exists reports whether a spool file for key is currently present,
// meaning an upload for that key is already in flight.
func (s *Spooler) Exists(key string) bool {
	_, err := os.Stat(s.path(key))
	return err == nil
}

// Stage streams body to the spool path for key. If the file already
// exists, it returns StageDuplicate without staging further; the router
// treats this as success (already in flight).
func (s *Spooler) Stage(key string, body io.Reader) (StageResult, int64, error) {
	dest := s.path(key)

	if s.Exists(key) {
		return StageDuplicate, 0, nil
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return StageIOError, 0, fmt.Errorf("failed to create spool subdirectory: %w", err)
	}

	f, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return StageDuplicate, 0, nil
		}
		return StageIOError, 0, fmt.Errorf("failed to create spool file: %w", err)
	}

	size, copyErr := io.Copy(f, body)
	closeErr := f.Close()
	if copyErr != nil {
		os.Remove(dest)
		return StageIOError, 0, fmt.Errorf("failed to write spool file: %w", copyErr)
	}
	if closeErr != nil {
		os.Remove(dest)
		return StageIOError, 0, fmt.Errorf("failed to close spool file: %w", closeErr)
	}

	return StageAccepted, size, nil
}

// ReadAll reads the current contents of the spool file for key. Used to
// admit a just-staged PUT body into the memory cache without re-streaming
// the original request body, independent of the upload's own outcome.
func (s *Spooler) ReadAll(key string) ([]byte, error) {
	return os.ReadFile(s.path(key))
}

// Unlink removes the spool file for key, if present. Idempotent.
func (s *Spooler) Unlink(key string) {
	if err := os.Remove(s.path(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Warn("failed to unlink spool file", "key", key, "error", err)
	}
}

// PendingBytes returns the current pending-upload byte total.
func (s *Spooler) PendingBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingBytes
}

// UploadOutcome reports what happened at the end of AdmitAndUpload's
// background (or, in sync mode, foreground) transfer.
type UploadOutcome struct {
	Err  error
	Kind objectstore.Kind
}

// AdmitAndUpload admits (key, size) against the configured caps, and if
// admitted, uploads the spool file for key to the remote store. When
// async is true, the transfer runs in a background goroutine and
// AdmitAndUpload returns immediately with AdmitUploading; the caller
// should not wait on outcome. When async is false, the transfer runs
// synchronously and outcome is populated before return.
//
// Every terminal outcome, sync or async, decrements pendingBytes and
// unlinks the spool file exactly once.
func (s *Spooler) AdmitAndUpload(ctx context.Context, key string, size int64, async bool, breakerReport func(objectstore.Kind)) (AdmitResult, *UploadOutcome) {
	if s.maxEntrySize > 0 && size > s.maxEntrySize {
		return AdmitTooLarge, nil
	}

	s.mu.Lock()
	if s.pendingBytes+size > s.maxPendingBytes {
		s.mu.Unlock()
		return AdmitBudgetExceeded, nil
	}
	s.pendingBytes += size
	s.mu.Unlock()

	upload := func() *UploadOutcome {
		v, _ := s.locks.DoWithLock(key, func() (interface{}, error) {
			return s.doUpload(ctx, key), nil
		})
		outcome := v.(*UploadOutcome)

		s.mu.Lock()
		s.pendingBytes -= size
		s.mu.Unlock()
		s.Unlink(key)

		if breakerReport != nil {
			breakerReport(outcome.Kind)
		}
		return outcome
	}

	if async {
		go func() {
			outcome := upload()
			if outcome.Err != nil {
				s.logger.Warn("async upload failed", "key", key, "error", outcome.Err)
			}
		}()
		return AdmitUploading, nil
	}

	return AdmitUploading, upload()
}

func (s *Spooler) doUpload(ctx context.Context, key string) *UploadOutcome {
	f, err := os.Open(s.path(key))
	if err != nil {
		return &UploadOutcome{Err: fmt.Errorf("failed to open spool file for upload: %w", err), Kind: objectstore.KindOther}
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return &UploadOutcome{Err: fmt.Errorf("failed to stat spool file: %w", err), Kind: objectstore.KindOther}
	}

	remoteKey := s.prefix + key
	err = s.client.PutObject(ctx, s.bucket, remoteKey, f, info.Size())
	if err != nil {
		kind, _ := objectstore.Classify(err)
		return &UploadOutcome{Err: err, Kind: kind}
	}
	return &UploadOutcome{Kind: objectstore.KindSuccess}
}

// PurgeAll deletes the entire spool directory tree (except the lock file,
// which is left in place) and resets the pending-bytes counter. Called on
// startup and shutdown.
func (s *Spooler) PurgeAll() error {
	entries, err := os.ReadDir(s.spoolDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to read spool directory: %w", err)
	}

	for _, e := range entries {
		if e.Name() == ".lock" {
			continue
		}
		if err := os.RemoveAll(filepath.Join(s.spoolDir, e.Name())); err != nil {
			return fmt.Errorf("failed to purge spool entry %s: %w", e.Name(), err)
		}
	}

	s.mu.Lock()
	s.pendingBytes = 0
	s.mu.Unlock()
	return nil
}

// Close releases the spool directory lock. Call this during shutdown,
// after PurgeAll.
func (s *Spooler) Close() error {
	return s.dirLock.Unlock()
}
