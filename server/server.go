// Package server provides a reusable ProbeHub server that can be
// embedded in other binaries.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/probehub/probehub/internal/logging"
	"github.com/probehub/probehub/internal/metrics"
	"github.com/probehub/probehub/internal/server/api"
	"github.com/probehub/probehub/internal/server/auth"
	"github.com/probehub/probehub/internal/server/broker"
	"github.com/probehub/probehub/internal/server/config"
	"github.com/probehub/probehub/internal/server/directory"
	"github.com/probehub/probehub/internal/server/hub"
	"github.com/probehub/probehub/internal/server/store"
)

// Server is a fully wired ProbeHub server instance.
type Server struct {
	cfg    *config.Config
	sqlDB  *sql.DB
	dir    directory.Directory
	hub    *hub.Hub
	broker *broker.Broker
	server *http.Server
}

// New opens the database, runs migrations, bootstraps the default
// operator, and wires all components. Call Serve to start listening.
func New(cfg *config.Config, version string) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	sqlDB, err := store.Open(cfg.DBPath())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := store.Migrate(sqlDB); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	st := store.New(sqlDB)

	a := auth.New(st, []byte(cfg.JWTSecret), slog.Default())
	if _, err := a.BootstrapAdmin(context.Background(), cfg.AdminUsername, cfg.AdminPassword); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("bootstrap admin: %w", err)
	}

	var dir directory.Directory
	if cfg.RedisAddr != "" {
		dir, err = directory.NewRedis(context.Background(),
			cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, hub.PresenceTTL)
		if err != nil {
			_ = sqlDB.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		slog.Info("presence directory: redis", "addr", cfg.RedisAddr)
	} else {
		dir = directory.NewMemory(hub.PresenceTTL)
		slog.Info("presence directory: in-process (single replica)")
	}

	h := hub.New(hub.Options{
		ReplicaID:         cfg.ReplicaID,
		ServerVersion:     version,
		HeartbeatInterval: cfg.HeartbeatInterval,
		InventoryInterval: cfg.InventoryInterval,
	}, dir, st, a, slog.Default())

	b := broker.New(cfg.ReplicaID, h, dir, st, slog.Default())

	mux := http.NewServeMux()
	api.New(st, a, h, b, dir, slog.Default()).Routes(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	httpServer := &http.Server{
		Handler:           logging.HTTPMiddleware(metrics.HTTPMiddleware(mux)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return &Server{
		cfg:    cfg,
		sqlDB:  sqlDB,
		dir:    dir,
		hub:    h,
		broker: b,
		server: httpServer,
	}, nil
}

// Serve starts the server and blocks until ctx is cancelled, then
// performs graceful shutdown: stop accepting, close agent transports
// with a shutdown code, drain, and release presence entries.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		_ = s.sqlDB.Close()
		return fmt.Errorf("listen: %w", err)
	}

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	// Envelope inbox for cross-replica terminal routing and evictions.
	go func() {
		if err := s.broker.Run(runCtx); err != nil && runCtx.Err() == nil {
			slog.Error("directory inbox failed", "error", err)
		}
	}()

	// Presence transitions, logged for operators tailing the server.
	go s.watchPresence(runCtx)

	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		slog.Info("server shutting down...")

		// 1. Close agent transports and wait for the drain window.
		s.hub.Shutdown(context.Background())

		// 2. Kill remaining operator sessions.
		s.broker.CloseAll()

		// 3. Stop the envelope inbox.
		cancelRun()

		// 4. Drain in-flight HTTP requests.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)

		close(shutdownDone)
	}()

	slog.Info("server listening", "addr", s.cfg.Addr, "replica", s.cfg.ReplicaID)
	if err := s.server.Serve(ln); err != http.ErrServerClosed {
		_ = s.sqlDB.Close()
		return fmt.Errorf("serve: %w", err)
	}
	<-shutdownDone

	_ = s.dir.Close()

	// Checkpoint WAL into the main DB file before closing.
	if _, err := s.sqlDB.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		slog.Warn("WAL checkpoint failed", "error", err)
	}
	_ = s.sqlDB.Close()
	return nil
}

func (s *Server) watchPresence(ctx context.Context) {
	events, err := s.dir.Events(ctx)
	if err != nil {
		slog.Warn("presence events unavailable", "error", err)
		return
	}
	for ev := range events {
		slog.Info("presence change",
			"agent_id", ev.AgentID, "status", ev.Status, "replica", ev.ReplicaID)
	}
}
