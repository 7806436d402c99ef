package proxy

import (
	"log/slog"
	"os"
)

// ShutdownCoordinator runs the graceful teardown sequence: stop the
// timers that could otherwise fire again mid-teardown, purge the spool
// (abandoning any in-flight background upload rather than draining it),
// log a latency summary, and exit.
type ShutdownCoordinator struct {
	router *Router
	logger *slog.Logger
	exit   func(code int)
}

// NewShutdownCoordinator wires a ShutdownCoordinator to router. exit
// defaults to os.Exit; tests may override it.
func NewShutdownCoordinator(router *Router, logger *slog.Logger) *ShutdownCoordinator {
	return &ShutdownCoordinator{router: router, logger: logger, exit: os.Exit}
}

// Shutdown runs the teardown sequence and terminates the process. reason
// is logged verbatim; code is the process exit code (0 for a clean
// shutdown, nonzero for an unrecoverable-error exit).
func (s *ShutdownCoordinator) Shutdown(reason string, code int) {
	s.logger.Info("shutting down", "reason", reason, "code", code)

	s.router.Watchdog().Stop()
	s.router.Breaker().Stop()

	if sp := s.router.spool; sp != nil {
		if err := sp.PurgeAll(); err != nil {
			s.logger.Warn("failed to purge spool on shutdown", "error", err)
		}
		if err := sp.Close(); err != nil {
			s.logger.Warn("failed to release spool lock on shutdown", "error", err)
		}
	}

	for _, sum := range s.router.LatencyTracker().RequestSummaries() {
		s.logger.Info("latency summary", "verb", sum.Verb, "overall", sum.Overall.String(), "backend", sum.Backend.String())
	}

	s.exit(code)
}
