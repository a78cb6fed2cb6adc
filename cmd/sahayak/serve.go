package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jeeves-cluster-organization/sahayak/coreengine/grpc"
	"github.com/jeeves-cluster-organization/sahayak/coreengine/kernel"
	"github.com/jeeves-cluster-organization/sahayak/coreengine/observability"
	"github.com/jeeves-cluster-organization/sahayak/coreengine/settings"
	"github.com/jeeves-cluster-organization/sahayak/coreengine/telegram"
	"github.com/jeeves-cluster-organization/sahayak/coreengine/webhook"
)

const shutdownTimeout = 20 * time.Second

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the Telegram webhook server and the admin health service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			defer logger.Sync()
			if err := cfg.ValidateServe(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg *settings.AppConfig, logger observability.Logger) error {
	if cfg.Tracing.Enabled {
		shutdown, err := observability.InitTracer(ctx, cfg.Tracing)
		if err != nil {
			return err
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(sctx); err != nil {
				logger.Warn("tracer_shutdown_failed", "error", err.Error())
			}
		}()
	}

	comps, err := connect(ctx, cfg, logger)
	if err != nil {
		return err
	}
	a, err := newApp(cfg, comps, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	bot, err := telegram.New(cfg.Telegram, logger)
	if err != nil {
		return err
	}
	deduper := webhook.NewDeduper(ctx, cfg.Dedupe, logger)
	if closer, ok := deduper.(io.Closer); ok {
		defer closer.Close()
	}
	limiter := kernel.NewRateLimiter(cfg.RateLimit)

	tasks := []kernel.CleanupTask{{Name: "rate_limiter", Run: limiter.CleanupExpired}}
	if sweeper, ok := deduper.(interface{ CleanupExpired() int }); ok {
		tasks = append(tasks, kernel.CleanupTask{Name: "update_dedupe", Run: sweeper.CleanupExpired})
	}
	stopCleanup := kernel.StartCleanupLoop(cfg.CleanupInterval, logger, tasks...)
	defer stopCleanup()

	handler := webhook.NewHandler(cfg.Server, a.router, bot, deduper, limiter, logger)
	httpServer := webhook.NewServer(cfg.Server.Addr, webhook.NewEngine(handler))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("webhook_server_listening", "addr", cfg.Server.Addr, "path", cfg.Server.WebhookPath)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("webhook server: %w", err)
		}
		return nil
	})

	var admin *grpc.AdminServer
	if cfg.Admin.Addr != "" {
		lis, err := net.Listen("tcp", cfg.Admin.Addr)
		if err != nil {
			return fmt.Errorf("admin listener: %w", err)
		}
		admin = grpc.NewAdminServer(cfg.Admin, logger)
		g.Go(func() error {
			logger.Info("admin_server_listening", "addr", cfg.Admin.Addr)
			return admin.Serve(lis)
		})
	}

	handler.SetReady(true)
	if admin != nil {
		admin.SetServing(true)
	}
	logger.Info("sahayak_ready")

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown_started")
		handler.SetReady(false)
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := httpServer.Shutdown(sctx)
		if admin != nil {
			admin.Stop()
		}
		return err
	})

	if err := g.Wait(); err != nil {
		logger.Error("server_stopped", "error", err.Error())
		return err
	}
	logger.Info("server_stopped")
	return nil
}
