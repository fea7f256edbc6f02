// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sigil-dev/memfabric/internal/config"
	"github.com/sigil-dev/memfabric/internal/fabric"
	"github.com/sigil-dev/memfabric/internal/server"
	mferr "github.com/sigil-dev/memfabric/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

func (c *cli) newStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Run the memory fabric and its promotion engine",
		Long:  "Open the data directory, schedule promotion cycles, and run until interrupted. Index snapshots are saved on shutdown.",
		RunE:  c.runStart,
	}
}

func (c *cli) runStart(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	f, cfg, err := c.openFabric(ctx)
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintf(cmd.OutOrStdout(), "memfabric running (promotion every %s)\n", cfg.Promotion.Interval); err != nil {
		_ = f.Close(context.Background())
		return err
	}

	f.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Server.Listen != "" {
		srv, err := server.New(server.Config{
			ListenAddr:   cfg.Server.Listen,
			CORSOrigins:  cfg.Server.CORSOrigins,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		}, f)
		if err != nil {
			_ = f.Close(context.Background())
			return err
		}
		slog.Info("serving HTTP API", "listen", cfg.Server.Listen)
		g.Go(func() error { return srv.Start(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	runErr := g.Wait()
	slog.Info("shutting down")

	closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return mferr.Join(runErr, f.Close(closeCtx))
}

// openFabric loads the config and opens the fabric it describes.
func (c *cli) openFabric(ctx context.Context) (*fabric.Fabric, *config.Config, error) {
	cfg, err := c.config()
	if err != nil {
		return nil, nil, err
	}
	config.WarnInsecurePermissions(c.v.ConfigFileUsed())

	f, err := fabric.Open(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return f, cfg, nil
}
