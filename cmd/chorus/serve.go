package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/chorus/internal/app"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the event API and admin endpoints over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if addr, _ := cmd.Flags().GetString("addr"); strings.TrimSpace(addr) != "" {
				cfg.BindAddr = strings.TrimSpace(addr)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			built, err := app.Build(ctx, cfg)
			if err != nil {
				return err
			}
			logger := built.Logger
			defer func() {
				if err := built.Cleanup(); err != nil {
					logger.Warn().Err(err).Msg("cleanup failed")
				}
			}()

			httpServer := &http.Server{
				Addr:    cfg.BindAddr,
				Handler: built.API.Router(),
			}

			g, gctx := errgroup.WithContext(ctx)
			built.StartBackground(gctx)

			g.Go(func() error {
				logger.Info().
					Str("addr", cfg.BindAddr).
					Str("completion", built.Modes.Completion).
					Str("store", built.Modes.Store).
					Str("ledger", built.Modes.Ledger).
					Msg("server listening")
				if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				logger.Info().Msg("shutdown signal received")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
				defer cancel()
				if err := httpServer.Shutdown(shutdownCtx); err != nil {
					logger.Warn().Err(err).Msg("graceful shutdown failed")
					_ = httpServer.Close()
				}
				return nil
			})

			if err := g.Wait(); err != nil {
				return err
			}
			logger.Info().Msg("shutdown complete")
			return nil
		},
	}
	cmd.Flags().String("addr", "", "Bind address (overrides APP_BIND_ADDR).")
	return cmd
}
