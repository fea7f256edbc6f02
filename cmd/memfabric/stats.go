// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package main

import (
	"context"

	"github.com/sigil-dev/memfabric/internal/fabric"
	"github.com/spf13/cobra"
)

func (c *cli) newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print per-layer sizes and cache statistics as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withFabric(cmd, func(_ context.Context, f *fabric.Fabric) (any, error) {
				return f.Stats(), nil
			})
		},
	}
}

func (c *cli) newPromoteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "promote",
		Short: "Run one promotion cycle and print its result as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withFabric(cmd, func(ctx context.Context, f *fabric.Fabric) (any, error) {
				return f.RunPromotion(ctx)
			})
		},
	}
}
