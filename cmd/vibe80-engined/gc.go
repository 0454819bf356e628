package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/vibe80/engine/internal/agent"
	"github.com/vibe80/engine/internal/broadcast"
	"github.com/vibe80/engine/internal/config"
	"github.com/vibe80/engine/internal/diffcoalescer"
	"github.com/vibe80/engine/internal/engine"
	"github.com/vibe80/engine/internal/isolator"
	"github.com/vibe80/engine/internal/logging"
	"github.com/vibe80/engine/internal/session"
	"github.com/vibe80/engine/internal/store"
	"github.com/vibe80/engine/internal/worktree"
)

var gcOnceCmd = &cobra.Command{
	Use:   "gc-once",
	Short: "Run a single session GC sweep and exit",
	Long: `gc-once reclaims every session past its idle or max TTL in one pass and
exits, rather than running the engine's interval GC loop. Useful for driving
reclamation from an external scheduler (cron, Kubernetes CronJob) instead of
an always-on process.`,
	RunE: runGCOnce,
}

func runGCOnce(cmd *cobra.Command, args []string) error {
	logging.Setup()
	logger := slog.Default()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.StorageBackend == config.StorageRedis {
		return fmt.Errorf("gc-once: STORAGE_BACKEND=redis is not yet implemented (see DESIGN.md); use sqlite")
	}

	st, err := store.Open(cfg.SQLitePath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	iso := isolator.New(cfg)
	wtMgr := worktree.New(iso, st, cfg.WorktreeExecTimeout, cfg.MaxWorktreesPerWorkspace)
	sessMgr := session.New(iso, st, wtMgr, agent.NewFactory(), logger, session.Options{
		IdleTTL:            cfg.SessionIdleTTL,
		MaxTTL:             cfg.SessionMaxTTL,
		GCInterval:         cfg.SessionGCInterval,
		DefaultAuthorName:  cfg.DefaultGitAuthorName,
		DefaultAuthorEmail: cfg.DefaultGitAuthorEmail,
	})
	bus := broadcast.New()
	diff := diffcoalescer.New(wtMgr, st, bus, cfg.DiffDebounce)
	eng := engine.New(st, iso, sessMgr, wtMgr, agent.NewFactory(), bus, diff, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	eng.SweepOnceGC(ctx)
	logger.Info("gc-once: sweep complete")
	return nil
}
