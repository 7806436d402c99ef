package proxy

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/aws/smithy-go"

	"github.com/richardartoul/s3cacheproxy/internal/config"
	"github.com/richardartoul/s3cacheproxy/internal/objectstore/objectstoretest"
	"github.com/richardartoul/s3cacheproxy/internal/spool"
	"github.com/richardartoul/s3cacheproxy/pkg/locking"
)

func newTestRouter(t *testing.T, mutate func(*config.Config)) (*Router, *objectstoretest.Fake, *[]string) {
	t.Helper()

	fake := objectstoretest.New()
	cfg := &config.Config{
		Bucket:               "test-bucket",
		Port:                 8080,
		SocketTimeoutSeconds: 30,
		ErrorsBeforePausing:  2,
		PauseMinutes:         5,
		MaxTotalCacheBytes:   1 << 20,
		CacheMaxEntryBytes:   1 << 20,
		AsyncUpload:          config.AsyncUpload{MaxPendingUploadMB: 1},
	}
	if mutate != nil {
		mutate(cfg)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	sp, err := spool.New(t.TempDir(), cfg.MaxEntrySizeBytes, cfg.MaxPendingUploadBytes(), fake, cfg.Bucket, cfg.S3Prefix, locking.NewMemLock(), logger)
	if err != nil {
		t.Fatalf("spool.New: %v", err)
	}
	t.Cleanup(func() { sp.Close() })

	var fatalReasons []string
	r := New(cfg, fake, sp, logger, func(reason string, code int) {
		fatalReasons = append(fatalReasons, reason)
	})
	return r, fake, &fatalReasons
}

func doRequest(r *Router, method, path string, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestPingReturnsPong(t *testing.T) {
	r, _, _ := newTestRouter(t, nil)
	rec := doRequest(r, http.MethodGet, "/ping", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Body.String() != "pong" {
		t.Errorf("expected pong body, got %q", rec.Body.String())
	}
}

func TestGetMissingKeyReturns404(t *testing.T) {
	r, _, _ := newTestRouter(t, nil)
	rec := doRequest(r, http.MethodGet, "/no-such-key", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestSyncPutUploadsToRemote(t *testing.T) {
	r, fake, _ := newTestRouter(t, nil)

	rec := doRequest(r, http.MethodPut, "/k", "hello")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on PUT, got %d", rec.Code)
	}
	if !fake.Contains("k") {
		t.Error("expected synchronous PUT to have uploaded the object")
	}
}

// TestPutPopulatesCacheImmediately verifies the property that a PUT k v
// followed immediately by a GET k is served from cache, without depending
// on the remote upload's outcome.
func TestPutPopulatesCacheImmediately(t *testing.T) {
	r, fake, _ := newTestRouter(t, func(c *config.Config) {
		c.AsyncUpload.Enabled = true
		c.AsyncUpload.CacheDir = "unused"
		c.AsyncUpload.MaxPendingUploadMB = 1
	})
	fake.SetErr("k", errUploadWouldFail)

	rec := doRequest(r, http.MethodPut, "/k", "hello")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on async PUT even though the upload will fail, got %d", rec.Code)
	}

	rec = doRequest(r, http.MethodGet, "/k", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on GET, got %d", rec.Code)
	}
	if rec.Body.String() != "hello" {
		t.Errorf("expected cached body %q, got %q", "hello", rec.Body.String())
	}
}

// TestAsyncUploadSurvivesRequestContextCancellation reproduces what
// net/http's real server does: it cancels the request's context the
// moment ServeHTTP returns. An async PUT returns its 200 well before the
// background upload finishes, so the upload must not be tied to that
// context or it would fail with context.Canceled almost every time.
func TestAsyncUploadSurvivesRequestContextCancellation(t *testing.T) {
	r, fake, _ := newTestRouter(t, func(c *config.Config) {
		c.AsyncUpload.Enabled = true
		c.AsyncUpload.CacheDir = "unused"
		c.AsyncUpload.MaxPendingUploadMB = 1
	})

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodPut, "/k", strings.NewReader("hello")).WithContext(ctx)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	cancel() // simulates net/http canceling req.Context() right after ServeHTTP returns

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on async PUT, got %d", rec.Code)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && !fake.Contains("k") {
		time.Sleep(5 * time.Millisecond)
	}
	if !fake.Contains("k") {
		t.Fatal("expected the background upload to complete despite the request context being canceled")
	}
}

func TestPutEmptyKeyReturns403(t *testing.T) {
	r, _, _ := newTestRouter(t, nil)
	rec := doRequest(r, http.MethodPut, "/", "hello")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestDeleteEvictsCacheRegardlessOfRemoteOutcome(t *testing.T) {
	r, fake, _ := newTestRouter(t, nil)
	fake.Seed("k", []byte("hello"))

	rec := doRequest(r, http.MethodGet, "/k", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on GET, got %d", rec.Code)
	}

	rec = doRequest(r, http.MethodDelete, "/k", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on DELETE, got %d", rec.Code)
	}

	rec = doRequest(r, http.MethodGet, "/k", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestDeleteDowngradesToOKWhenAllowOfflineAndRetryable(t *testing.T) {
	r, fake, _ := newTestRouter(t, func(c *config.Config) {
		c.AllowOffline = true
	})
	fake.SetErr("k", errUploadWouldFail)

	rec := doRequest(r, http.MethodDelete, "/k", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 (soft status for DELETE) with allowOffline, got %d", rec.Code)
	}
}

func TestDeleteReturnsBackendStatusForRetryableWithoutAllowOffline(t *testing.T) {
	r, fake, _ := newTestRouter(t, nil)
	fake.SetErr("k", errUploadWouldFail)

	rec := doRequest(r, http.MethodDelete, "/k", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for retryable error without allowOffline, got %d", rec.Code)
	}
}

func TestGetRespondsWithClosedConnectionOnSocketTimeout(t *testing.T) {
	r, fake, _ := newTestRouter(t, nil)
	fake.SetErr("k", context.DeadlineExceeded)

	rec := doRequest(r, http.MethodGet, "/k", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 on socket timeout, got %d", rec.Code)
	}
	if got := rec.Header().Get("Connection"); got != "close" {
		t.Errorf("expected Connection: close on socket timeout, got %q", got)
	}
}

func TestBreakerOpensAfterConsecutiveRemoteErrors(t *testing.T) {
	r, fake, _ := newTestRouter(t, nil)
	fake.SetErr("a", errUploadWouldFail)
	fake.SetErr("b", errUploadWouldFail)

	doRequest(r, http.MethodGet, "/a", "")
	doRequest(r, http.MethodGet, "/b", "")

	if !r.Breaker().IsOpen() {
		t.Fatal("expected breaker to be open after threshold consecutive errors")
	}

	rec := doRequest(r, http.MethodGet, "/anything-else", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 (awsPaused) once breaker is open, got %d", rec.Code)
	}
}

func TestUnrecoverableErrorTriggersFatal(t *testing.T) {
	r, fake, fatalReasons := newTestRouter(t, nil)
	fake.SetErr("k", &smithy.GenericAPIError{Code: "ExpiredToken", Message: "token expired"})

	rec := doRequest(r, http.MethodGet, "/k", "")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 on credential expiry, got %d", rec.Code)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(*fatalReasons) == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if len(*fatalReasons) == 0 {
		t.Fatal("expected an unrecoverable 500 to trigger a fatal shutdown callback")
	}
}

var errUploadWouldFail = &fakeRemoteErr{msg: "simulated remote error", retryable: true}

// fakeRemoteErr satisfies the objectstore.Classify RetryableError probe
// used for non-smithy errors that still need a deterministic Kind.
type fakeRemoteErr struct {
	msg       string
	retryable bool
}

func (e *fakeRemoteErr) Error() string        { return e.msg }
func (e *fakeRemoteErr) RetryableError() bool { return e.retryable }
