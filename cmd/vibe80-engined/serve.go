package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vibe80/engine/internal/agent"
	"github.com/vibe80/engine/internal/auth"
	"github.com/vibe80/engine/internal/broadcast"
	"github.com/vibe80/engine/internal/config"
	"github.com/vibe80/engine/internal/diffcoalescer"
	"github.com/vibe80/engine/internal/engine"
	"github.com/vibe80/engine/internal/httpapi"
	"github.com/vibe80/engine/internal/isolator"
	"github.com/vibe80/engine/internal/logging"
	"github.com/vibe80/engine/internal/session"
	"github.com/vibe80/engine/internal/store"
	"github.com/vibe80/engine/internal/worktree"
	"github.com/vibe80/engine/internal/wsapi"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestration engine's HTTP and WebSocket API",
	RunE:  runServe,
}

// runAgentSuspendLoop periodically stops idle-but-open agent subprocesses,
// distinct from the Session Manager's idle/max-TTL GC: it releases the
// subprocess without closing the worktree.
func runAgentSuspendLoop(ctx context.Context, eng *engine.Engine, after time.Duration) {
	interval := after / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			eng.SuspendIdleRuntimes(ctx, after)
		}
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	logging.Setup()
	logger := slog.Default()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.StorageBackend == config.StorageRedis {
		return fmt.Errorf("serve: STORAGE_BACKEND=redis has no store implementation yet (see DESIGN.md); use sqlite")
	}

	st, err := store.Open(cfg.SQLitePath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	iso := isolator.New(cfg)
	wtMgr := worktree.New(iso, st, cfg.WorktreeExecTimeout, cfg.MaxWorktreesPerWorkspace)
	agentFactory := agent.NewFactory()
	sessMgr := session.New(iso, st, wtMgr, agentFactory, logger, session.Options{
		IdleTTL:            cfg.SessionIdleTTL,
		MaxTTL:             cfg.SessionMaxTTL,
		GCInterval:         cfg.SessionGCInterval,
		DefaultAuthorName:  cfg.DefaultGitAuthorName,
		DefaultAuthorEmail: cfg.DefaultGitAuthorEmail,
	})
	bus := broadcast.New()
	diff := diffcoalescer.New(wtMgr, st, bus, cfg.DiffDebounce)
	eng := engine.New(st, iso, sessMgr, wtMgr, agentFactory, bus, diff, logger)

	var validator *auth.JWTValidator
	if cfg.RequireAuth {
		if cfg.JWKSEndpoint == "" {
			return fmt.Errorf("serve: JWKS_ENDPOINT is required when VIBE80_REQUIRE_AUTH=true")
		}
		validator, err = auth.NewJWTValidator(cfg.JWKSEndpoint, cfg.JWTAudience, cfg.JWTIssuer)
		if err != nil {
			return fmt.Errorf("create JWT validator: %w", err)
		}
	}

	httpSrv := httpapi.New(eng, sessMgr, wtMgr, iso, st, validator, cfg.RequireAuth, logger)
	wsSrv := wsapi.New(eng, sessMgr, wtMgr, st, bus, validator, cfg.RequireAuth, cfg.AllowedOrigins, logger)

	mux := http.NewServeMux()
	httpSrv.Routes(mux)
	wsSrv.Routes(mux)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      httpapi.CORSMiddleware(mux, cfg.AllowedOrigins),
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go eng.RunGC(ctx)
	if cfg.AgentSuspendAfter > 0 {
		go runAgentSuspendLoop(ctx, eng, cfg.AgentSuspendAfter)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("vibe80-engined: listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
		logger.Info("vibe80-engined: shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("vibe80-engined: http shutdown error", "error", err)
	}
	eng.Stop()

	logger.Info("vibe80-engined: stopped")
	return nil
}
