package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"escrowdesk/config"
	"escrowdesk/web"
)

const shutdownTimeout = 30 * time.Second

func serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the admin and user dashboards",
		RunE:  runE(serveRun),
	}
}

func serveRun(cmd *cobra.Command, cfg config.Config, logger *slog.Logger) error {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	opts := web.Options{
		BaseURL:        cfg.BaseURL,
		CSRFSecret:     cfg.CSRFSecret,
		SessionTTL:     cfg.SessionTTL,
		SecureCookies:  strings.HasPrefix(cfg.BaseURL, "https://"),
		PerPageDefault: cfg.PerPageDefault,
		PerPageMax:     cfg.PerPageMax,
		ViewRate:       cfg.ViewLimit(),
		ViewBurst:      cfg.CredentialViewBurst,
	}
	if cfg.MetricsAddr == "" {
		opts.MetricsHandler = a.metrics.Handler()
	}
	srv, err := web.NewServer(web.Deps{
		Auth:      a.auth,
		Escrow:    a.escrow,
		Disputes:  a.disputes,
		Offers:    a.offers,
		Listings:  a.listings,
		Tickets:   a.tickets,
		Settings:  a.settings,
		Logs:      a.audit,
		Dashboard: a.dashboard,
		Flash:     a.flash,
		Metrics:   a.metrics,
		Logger:    logger.With("component", "web"),
	}, opts)
	if err != nil {
		return err
	}
	defer srv.Close()

	servers := []*http.Server{newHTTPServer(cfg.ListenAddr, srv.Handler())}
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", a.metrics.Handler())
		servers = append(servers, newHTTPServer(cfg.MetricsAddr, mux))
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range servers {
		g.Go(func() error {
			logger.Info("listening on "+s.Addr, "component", programName)
			if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("listen %s: %w", s.Addr, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down", "component", programName)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		var errs []error
		for _, s := range servers {
			if err := s.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("shutdown %s: %w", s.Addr, err))
			}
		}
		return errors.Join(errs...)
	})
	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("shutdown complete", "component", programName)
	return nil
}

func newHTTPServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}
