// Package proxy implements the core HTTP request-handling engine,
// coordinating MemoryCache, UploadSpooler, CircuitBreaker, IdleWatchdog
// and DepfileFilter to serve GET/PUT/HEAD/DELETE requests for opaque
// object keys backed by a remote object store.
package proxy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/richardartoul/s3cacheproxy/internal/breaker"
	"github.com/richardartoul/s3cacheproxy/internal/cache"
	"github.com/richardartoul/s3cacheproxy/internal/config"
	"github.com/richardartoul/s3cacheproxy/internal/depfilter"
	"github.com/richardartoul/s3cacheproxy/internal/objectstore"
	"github.com/richardartoul/s3cacheproxy/internal/spool"
	"github.com/richardartoul/s3cacheproxy/internal/watchdog"
	"github.com/richardartoul/s3cacheproxy/pkg/metrics"
)

// Router is the HTTP state machine that serves GET/PUT/HEAD/DELETE
// requests, backed by a memory cache, an upload spooler, a circuit
// breaker and an idle watchdog.
type Router struct {
	cfg    *config.Config
	client objectstore.Client
	cache  *cache.MemoryCache
	spool  *spool.Spooler
	brk    *breaker.CircuitBreaker
	wd     *watchdog.IdleWatchdog
	lat    *metrics.LatencyTracker
	logger *slog.Logger

	mu      sync.Mutex
	exiting bool
	onFatal func(reason string, code int)
}

// New constructs a Router. onFatal is invoked (once) when the router
// decides the process must exit, either because of an unrecoverable 500
// or because /shutdown or the idle watchdog fired; ShutdownCoordinator is
// the intended implementation.
func New(cfg *config.Config, client objectstore.Client, spooler *spool.Spooler, logger *slog.Logger, onFatal func(reason string, code int)) *Router {
	r := &Router{
		cfg:     cfg,
		client:  client,
		cache:   cache.New(cfg.CacheMaxEntryBytes, cfg.MaxTotalCacheBytes),
		spool:   spooler,
		brk:     breaker.New(cfg.ErrorsBeforePausing, time.Duration(cfg.PauseMinutes)*time.Minute),
		lat:     metrics.NewLatencyTracker(0.01),
		logger:  logger,
		onFatal: onFatal,
	}
	idleDur := time.Duration(cfg.IdleMinutes) * time.Minute
	r.wd = watchdog.New(idleDur, func() { r.fatal("idle timeout", 0) })
	return r
}

// LatencyTracker exposes the router's latency stats, e.g. for
// ShutdownCoordinator to log a summary on the way out.
func (rt *Router) LatencyTracker() *metrics.LatencyTracker { return rt.lat }

// Breaker exposes the router's circuit breaker, e.g. for ShutdownCoordinator
// to stop its auto-close timer.
func (rt *Router) Breaker() *breaker.CircuitBreaker { return rt.brk }

// Watchdog exposes the router's idle watchdog.
func (rt *Router) Watchdog() *watchdog.IdleWatchdog { return rt.wd }

func (rt *Router) fatal(reason string, code int) {
	rt.mu.Lock()
	if rt.exiting {
		rt.mu.Unlock()
		return
	}
	rt.exiting = true
	rt.mu.Unlock()

	if rt.onFatal != nil {
		rt.onFatal(reason, code)
	}
}

// ServeHTTP implements http.Handler. Every request is bounded by
// SocketTimeoutSeconds: once it fires mid-flight, any GetObject,
// HeadObject, PutObject or DeleteObject call in progress returns
// context.DeadlineExceeded and the response is a 404 with the connection
// closed, so a client never hangs waiting on a wedged remote store.
func (rt *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	start := time.Now()
	rt.wd.Reset()

	timeout := time.Duration(rt.cfg.SocketTimeoutSeconds) * time.Second
	ctx, cancel := context.WithTimeout(req.Context(), timeout)
	defer cancel()
	req = req.WithContext(ctx)

	rw := &countingWriter{ResponseWriter: w}

	path := req.URL.Path
	if path == "/ping" {
		if req.Method != http.MethodGet {
			rt.writeStatus(rw, http.StatusMethodNotAllowed)
			rt.logTerminal(req, rw, start, 0, logFlags{})
			return
		}
		rw.WriteHeader(http.StatusOK)
		io.WriteString(rw, "pong")
		rt.logTerminal(req, rw, start, 0, logFlags{})
		return
	}
	if path == "/shutdown" {
		if req.Method != http.MethodGet {
			rt.writeStatus(rw, http.StatusMethodNotAllowed)
			rt.logTerminal(req, rw, start, 0, logFlags{})
			return
		}
		rw.WriteHeader(http.StatusOK)
		io.WriteString(rw, "shutting down")
		rt.logTerminal(req, rw, start, 0, logFlags{})
		go func() {
			time.Sleep(50 * time.Millisecond)
			rt.fatal("shutdown endpoint", 0)
		}()
		return
	}

	key := strings.TrimPrefix(path, "/")

	switch req.Method {
	case http.MethodGet:
		rt.handleGet(rw, req, key, start)
	case http.MethodPut:
		rt.handlePut(rw, req, key, start)
	case http.MethodHead:
		rt.handleHead(rw, req, key, start)
	case http.MethodDelete:
		rt.handleDelete(rw, req, key, start)
	default:
		rt.writeStatus(rw, http.StatusMethodNotAllowed)
		rt.logTerminal(req, rw, start, 0, logFlags{})
	}
}

type logFlags struct {
	fromCache           bool
	awsPaused           bool
	isBlockedGccDepfile bool
}

func (rt *Router) writeStatus(w http.ResponseWriter, status int) {
	w.WriteHeader(status)
}

// writeSocketTimeout responds to a request whose socket timeout fired
// while a remote call was still in flight: a 404 with the connection
// forced closed, since the client has no reason to trust this connection
// anymore.
func (rt *Router) writeSocketTimeout(rw *countingWriter, req *http.Request, start time.Time, backendMS float64) {
	rw.Header().Set("Connection", "close")
	rt.writeStatus(rw, http.StatusNotFound)
	rt.logTerminal(req, rw, start, backendMS, logFlags{})
}

func (rt *Router) logTerminal(req *http.Request, rw *countingWriter, start time.Time, backendMS float64, flags logFlags) {
	status := rw.status
	if status == 0 {
		status = http.StatusOK
	}
	elapsed := time.Since(start)

	rt.logger.Info("request",
		"method", req.Method,
		"url", req.URL.String(),
		"status", status,
		"responseLength", rw.length,
		"elapsedMS", elapsed.Milliseconds(),
		"backendMS", backendMS,
		"fromCache", flags.fromCache,
		"awsPaused", flags.awsPaused,
		"isBlockedGccDepfile", flags.isBlockedGccDepfile,
	)

	if status == http.StatusInternalServerError {
		rt.logger.Error("Unrecoverable Error, shutting down")
		go func() {
			time.Sleep(50 * time.Millisecond)
			rt.fatal("unrecoverable error", 1)
		}()
	}
}

// remoteKey returns the fully-qualified remote object key for a local key.
func (rt *Router) remoteKey(key string) string {
	return rt.cfg.S3Prefix + key
}

func (rt *Router) handleGet(rw *countingWriter, req *http.Request, key string, start time.Time) {
	ctx := req.Context()

	if data, ok := rt.cache.Get(key); ok {
		rw.WriteHeader(http.StatusOK)
		rw.Write(data)
		rt.recordLatency(metrics.OpGetOverall, start)
		rt.logTerminal(req, rw, start, 0, logFlags{fromCache: true})
		return
	}

	if rt.brk.IsOpen() {
		rt.writeStatus(rw, http.StatusNotFound)
		rt.recordLatency(metrics.OpGetOverall, start)
		rt.logTerminal(req, rw, start, 0, logFlags{awsPaused: true})
		return
	}

	backendStart := time.Now()
	body, _, err := rt.client.GetObject(ctx, rt.cfg.Bucket, rt.remoteKey(key))
	backendMS := float64(time.Since(backendStart).Microseconds()) / 1000.0
	rt.lat.Record(metrics.OpGetBackend, time.Since(backendStart))

	if err != nil {
		rt.handleRemoteReadError(rw, req, err, start, backendMS)
		rt.recordLatency(metrics.OpGetOverall, start)
		return
	}
	defer body.Close()

	data, readErr := io.ReadAll(body)
	if readErr != nil {
		rt.logger.Warn("local I/O error reading remote body", "key", key, "error", readErr)
		rt.writeStatus(rw, http.StatusNotFound)
		rt.recordLatency(metrics.OpGetOverall, start)
		rt.logTerminal(req, rw, start, backendMS, logFlags{})
		return
	}

	rt.brk.OnSuccess()

	if !rt.cfg.AllowGccDepfiles && depfilter.IsBlockedDepfile(data) {
		rt.writeStatus(rw, http.StatusNotFound)
		rt.logger.Info("(blocked gcc depfile)", "key", key)
		rt.recordLatency(metrics.OpGetOverall, start)
		rt.logTerminal(req, rw, start, backendMS, logFlags{isBlockedGccDepfile: true})
		return
	}

	rt.cache.MaybeAdd(key, data)
	rw.WriteHeader(http.StatusOK)
	rw.Write(data)
	rt.recordLatency(metrics.OpGetOverall, start)
	rt.logTerminal(req, rw, start, backendMS, logFlags{})
}

// handleRemoteReadError classifies a GetObject/HeadObject error and writes
// the appropriate response. It does not write a body.
func (rt *Router) handleRemoteReadError(rw *countingWriter, req *http.Request, err error, start time.Time, backendMS float64) {
	if errors.Is(err, context.DeadlineExceeded) {
		rt.writeSocketTimeout(rw, req, start, backendMS)
		return
	}

	kind, status := objectstore.Classify(err)

	switch kind {
	case objectstore.KindNotFound:
		rt.brk.OnSuccess()
		rt.writeStatus(rw, http.StatusNotFound)
		rt.logTerminal(req, rw, start, backendMS, logFlags{})

	case objectstore.KindCredentialExpiry:
		rt.writeStatus(rw, http.StatusInternalServerError)
		rt.logTerminal(req, rw, start, backendMS, logFlags{})

	case objectstore.KindRetryable:
		rt.brk.OnError()
		if rt.cfg.AllowOffline {
			rt.writeStatus(rw, http.StatusNotFound)
			rt.logTerminal(req, rw, start, backendMS, logFlags{})
			return
		}
		rt.writeStatus(rw, status)
		rt.logTerminal(req, rw, start, backendMS, logFlags{})

	default: // KindOther
		rt.brk.OnError()
		rt.writeStatus(rw, status)
		rt.logTerminal(req, rw, start, backendMS, logFlags{})
	}
}

func (rt *Router) handleHead(rw *countingWriter, req *http.Request, key string, start time.Time) {
	ctx := req.Context()

	if rt.cache.Contains(key) {
		rw.WriteHeader(http.StatusOK)
		rt.recordLatency(metrics.OpHeadOverall, start)
		rt.logTerminal(req, rw, start, 0, logFlags{fromCache: true})
		return
	}

	if rt.brk.IsOpen() {
		rt.writeStatus(rw, http.StatusNotFound)
		rt.recordLatency(metrics.OpHeadOverall, start)
		rt.logTerminal(req, rw, start, 0, logFlags{awsPaused: true})
		return
	}

	backendStart := time.Now()
	err := rt.client.HeadObject(ctx, rt.cfg.Bucket, rt.remoteKey(key))
	backendMS := float64(time.Since(backendStart).Microseconds()) / 1000.0
	rt.lat.Record(metrics.OpHeadBackend, time.Since(backendStart))

	if err != nil {
		rt.handleRemoteReadError(rw, req, err, start, backendMS)
		rt.recordLatency(metrics.OpHeadOverall, start)
		return
	}

	rt.brk.OnSuccess()
	rw.WriteHeader(http.StatusOK)
	rt.recordLatency(metrics.OpHeadOverall, start)
	rt.logTerminal(req, rw, start, backendMS, logFlags{})
}

func (rt *Router) handlePut(rw *countingWriter, req *http.Request, key string, start time.Time) {
	if key == "" {
		rt.writeStatus(rw, http.StatusForbidden)
		rt.logTerminal(req, rw, start, 0, logFlags{})
		return
	}

	ctx := req.Context()

	if rt.spool.Exists(key) {
		io.Copy(io.Discard, req.Body)
		rw.WriteHeader(http.StatusOK)
		rt.recordLatency(metrics.OpPutOverall, start)
		rt.logTerminal(req, rw, start, 0, logFlags{})
		return
	}

	res, size, err := rt.spool.Stage(key, req.Body)
	if err != nil {
		rt.logger.Warn("local I/O error staging PUT body", "key", key, "error", err)
		rw.WriteHeader(http.StatusOK)
		rt.recordLatency(metrics.OpPutOverall, start)
		rt.logTerminal(req, rw, start, 0, logFlags{})
		return
	}
	if res == spool.StageDuplicate {
		rw.WriteHeader(http.StatusOK)
		rt.recordLatency(metrics.OpPutOverall, start)
		rt.logTerminal(req, rw, start, 0, logFlags{})
		return
	}

	// A cache entry is created on PUT body observation, independent of
	// the upload's own outcome: a GET for this key should be servable
	// from cache immediately, without waiting on the remote store.
	if data, readErr := rt.spool.ReadAll(key); readErr == nil {
		rt.cache.MaybeAdd(key, data)
	}

	if rt.brk.IsOpen() {
		rt.spool.Unlink(key)
		rw.WriteHeader(http.StatusOK)
		rt.recordLatency(metrics.OpPutOverall, start)
		rt.logTerminal(req, rw, start, 0, logFlags{awsPaused: true})
		return
	}

	breakerReport := func(kind objectstore.Kind) {
		switch kind {
		case objectstore.KindSuccess, objectstore.KindNotFound:
			rt.brk.OnSuccess()
		case objectstore.KindCredentialExpiry:
			rt.fatal("credential expiry during upload", 1)
		default:
			rt.brk.OnError()
		}
	}

	async := rt.cfg.AsyncUpload.Enabled
	uploadCtx := ctx
	if async {
		// ServeHTTP's caller cancels req.Context() the moment ServeHTTP
		// returns, which for an async PUT is right after the 200 below.
		// The background upload must outlive the request that admitted it.
		uploadCtx = context.WithoutCancel(ctx)
	}
	backendStart := time.Now()
	admitResult, outcome := rt.spool.AdmitAndUpload(uploadCtx, key, size, async, breakerReport)
	backendDur := time.Since(backendStart)

	switch admitResult {
	case spool.AdmitTooLarge:
		rt.logger.Info("exceeds max entry size", "key", key, "size", size)
		rt.spool.Unlink(key)
		rw.WriteHeader(http.StatusOK)
		rt.recordLatency(metrics.OpPutOverall, start)
		rt.logTerminal(req, rw, start, 0, logFlags{})
		return
	case spool.AdmitBudgetExceeded:
		rt.logger.Info("too many pending uploads", "key", key, "size", size)
		rt.spool.Unlink(key)
		rw.WriteHeader(http.StatusOK)
		rt.recordLatency(metrics.OpPutOverall, start)
		rt.logTerminal(req, rw, start, 0, logFlags{})
		return
	}

	if async {
		// Respond success now; the upload's terminal outcome, if it
		// fails, is logged only.
		rw.WriteHeader(http.StatusOK)
		rt.recordLatency(metrics.OpPutOverall, start)
		rt.logTerminal(req, rw, start, 0, logFlags{})
		return
	}

	// Synchronous upload: the terminal outcome drives the response.
	rt.lat.Record(metrics.OpPutBackend, backendDur)
	backendMS := float64(backendDur.Microseconds()) / 1000.0
	if outcome.Err == nil {
		rw.WriteHeader(http.StatusOK)
		rt.recordLatency(metrics.OpPutOverall, start)
		rt.logTerminal(req, rw, start, backendMS, logFlags{})
		return
	}

	if errors.Is(outcome.Err, context.DeadlineExceeded) {
		rt.writeSocketTimeout(rw, req, start, backendMS)
		rt.recordLatency(metrics.OpPutOverall, start)
		return
	}

	kind, status := objectstore.Classify(outcome.Err)
	switch kind {
	case objectstore.KindCredentialExpiry:
		rw.WriteHeader(http.StatusInternalServerError)
	case objectstore.KindRetryable:
		if rt.cfg.AllowOffline {
			rw.WriteHeader(http.StatusOK)
		} else {
			rw.WriteHeader(status)
		}
	default:
		rw.WriteHeader(status)
	}
	rt.recordLatency(metrics.OpPutOverall, start)
	rt.logTerminal(req, rw, start, backendMS, logFlags{})
}

func (rt *Router) handleDelete(rw *countingWriter, req *http.Request, key string, start time.Time) {
	ctx := req.Context()

	// Evict before dispatching the remote delete, regardless of breaker
	// state, so a stale cached copy can never outlive a delete that the
	// caller believes already succeeded.
	rt.cache.Delete(key)

	backendStart := time.Now()
	err := rt.client.DeleteObject(ctx, rt.cfg.Bucket, rt.remoteKey(key))
	backendMS := float64(time.Since(backendStart).Microseconds()) / 1000.0
	rt.lat.Record(metrics.OpDeleteBackend, time.Since(backendStart))

	if err == nil {
		rt.brk.OnSuccess()
		rw.WriteHeader(http.StatusOK)
		rt.recordLatency(metrics.OpDeleteOverall, start)
		rt.logTerminal(req, rw, start, backendMS, logFlags{})
		return
	}

	if errors.Is(err, context.DeadlineExceeded) {
		rt.writeSocketTimeout(rw, req, start, backendMS)
		rt.recordLatency(metrics.OpDeleteOverall, start)
		return
	}

	kind, _ := objectstore.Classify(err)
	switch kind {
	case objectstore.KindCredentialExpiry:
		rw.WriteHeader(http.StatusInternalServerError)
	case objectstore.KindRetryable:
		rt.brk.OnError()
		if rt.cfg.AllowOffline {
			rw.WriteHeader(http.StatusOK)
		} else {
			rw.WriteHeader(http.StatusNotFound)
		}
	default:
		// NotFound and every other/ignorable remote error map to 404 for
		// DELETE.
		if kind != objectstore.KindNotFound {
			rt.brk.OnError()
		} else {
			rt.brk.OnSuccess()
		}
		rw.WriteHeader(http.StatusNotFound)
	}
	rt.recordLatency(metrics.OpDeleteOverall, start)
	rt.logTerminal(req, rw, start, backendMS, logFlags{})
}

func (rt *Router) recordLatency(op string, start time.Time) {
	rt.lat.Record(op, time.Since(start))
}

// countingWriter wraps http.ResponseWriter to track the status code and
// response body length actually written, for terminal request logging.
type countingWriter struct {
	http.ResponseWriter
	status int
	length int
}

func (w *countingWriter) WriteHeader(status int) {
	if w.status != 0 {
		return
	}
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *countingWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.WriteHeader(http.StatusOK)
	}
	n, err := w.ResponseWriter.Write(b)
	w.length += n
	return n, err
}
