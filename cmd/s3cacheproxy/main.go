package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/richardartoul/s3cacheproxy/internal/config"
	"github.com/richardartoul/s3cacheproxy/internal/objectstore"
	"github.com/richardartoul/s3cacheproxy/internal/proxy"
	"github.com/richardartoul/s3cacheproxy/internal/spool"
	"github.com/richardartoul/s3cacheproxy/internal/supervisor"
	"github.com/richardartoul/s3cacheproxy/pkg/locking"
)

func main() {
	var configPath string
	var supervise bool
	flag.StringVar(&configPath, "config", getenvDefault("S3CACHEPROXY_CONFIG", "/etc/s3cacheproxy.yaml"), "path to s3cacheproxy config file")
	flag.BoolVar(&supervise, "supervise", false, "run as a supervisor that respawns the proxy whenever it exits nonzero, so credential reload survives a process recycle")
	flag.Parse()

	if supervise {
		runSupervised(configPath)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		log.Fatalf("load AWS config: %v", err)
	}

	var client objectstore.Client = objectstore.NewS3Client(s3.NewFromConfig(awsCfg))
	if cfg.Debug {
		client = objectstore.NewDebug(client, logger)
	}

	spoolDir := cfg.AsyncUpload.CacheDir
	if spoolDir == "" {
		spoolDir = "/tmp/s3cacheproxy-spool"
	}
	spooler, err := spool.New(spoolDir, cfg.MaxEntrySizeBytes, cfg.MaxPendingUploadBytes(), client, cfg.Bucket, cfg.S3Prefix, locking.NewMemLock(), logger)
	if err != nil {
		log.Fatalf("init spool: %v", err)
	}
	if err := spooler.PurgeAll(); err != nil {
		logger.Warn("failed to purge stale spool entries on startup", "error", err)
	}

	var coordinator *proxy.ShutdownCoordinator
	router := proxy.New(cfg, client, spooler, logger, func(reason string, code int) {
		coordinator.Shutdown(reason, code)
	})
	coordinator = proxy.NewShutdownCoordinator(router, logger)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		log.Fatalf("listen %s: %v", addr, err)
	}

	srv := &http.Server{
		Handler:           router,
		ReadHeaderTimeout: time.Duration(cfg.SocketTimeoutSeconds) * time.Second,
	}

	go func() {
		logger.Info("s3cacheproxy listening", "addr", addr, "bucket", cfg.Bucket)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	coordinator.Shutdown("signal received", 0)
}

// runSupervised re-execs this same binary (without -supervise) under
// internal/supervisor, restarting it whenever it exits nonzero. A
// credential-expiry shutdown's remediation is a fresh process picking up
// refreshed credentials on its next AWS SDK config load.
func runSupervised(configPath string) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	self, err := os.Executable()
	if err != nil {
		log.Fatalf("resolve executable path: %v", err)
	}

	err = supervisor.Run(supervisor.Options{
		Command:    []string{self, "-config", configPath},
		MinBackoff: time.Second,
		Logger:     logger,
	})
	if err != nil {
		log.Fatalf("supervisor: %v", err)
	}
}

func newLogger(cfg *config.Config) *slog.Logger {
	var w *os.File = os.Stderr
	if cfg.Logging.File != "" {
		f, err := os.OpenFile(cfg.Logging.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err == nil {
			w = f
		}
	}
	opts := &slog.HandlerOptions{}
	if cfg.Debug {
		opts.Level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}
