package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"escrowdesk/config"
	"escrowdesk/tasks"
)

func workerCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the deadline sweep scheduler and task worker",
		RunE:  runE(workerRun),
	}
}

func workerRun(cmd *cobra.Command, cfg config.Config, logger *slog.Logger) error {
	if !cfg.WorkerEnabled() {
		return errors.New("worker requires a redis address (ESCROWDESK_REDIS_ADDR)")
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	logger = logger.With("component", "worker")
	sweeper := tasks.NewSweeper(a.pool, a.escrow, a.audit, nil, logger)
	sched, err := tasks.NewScheduler(a.redisOpt(), cfg.SweepInterval, logger)
	if err != nil {
		return err
	}
	srv, mux := tasks.NewServer(a.redisOpt(), cfg.WorkerConcurrency, sweeper, logger)

	if err := sched.Start(); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	if err := srv.Start(mux); err != nil {
		sched.Shutdown()
		return fmt.Errorf("start worker: %w", err)
	}
	logger.Info("worker running", "sweep_every", cfg.SweepInterval.String(), "concurrency", cfg.WorkerConcurrency)

	// Sweep once on start; the first scheduled tick is a full interval away.
	var g errgroup.Group
	g.Go(func() error {
		n, err := sweeper.Sweep(ctx)
		if err != nil {
			logger.Warn("initial deadline sweep", "err", err)
			return nil
		}
		logger.Info("initial deadline sweep", "flagged", n)
		return nil
	})

	<-ctx.Done()
	logger.Info("shutting down")
	sched.Shutdown()
	srv.Shutdown()
	_ = g.Wait()
	return nil
}
