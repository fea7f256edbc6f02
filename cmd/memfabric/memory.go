// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package main

import (
	"context"
	"encoding/json"
	"io"
	"strings"

	"github.com/sigil-dev/memfabric/internal/fabric"
	"github.com/sigil-dev/memfabric/internal/retrieval"
	"github.com/sigil-dev/memfabric/pkg/types"
	"github.com/spf13/cobra"
)

func (c *cli) newRememberCmd() *cobra.Command {
	var (
		layer    string
		meta     map[string]string
		critical bool
	)

	cmd := &cobra.Command{
		Use:   "remember <content>...",
		Short: "Embed and store content, printing the record as JSON",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withFabric(cmd, func(ctx context.Context, f *fabric.Fabric) (any, error) {
				return f.Remember(ctx, fabric.RememberRequest{
					Content:  strings.Join(args, " "),
					Layer:    types.Layer(layer),
					Metadata: meta,
					Critical: critical,
				})
			})
		},
	}

	cmd.Flags().StringVar(&layer, "layer", "", "target layer (interact, insights, assets)")
	cmd.Flags().StringToStringVar(&meta, "meta", nil, "metadata key=value pairs")
	cmd.Flags().BoolVar(&critical, "critical", false, "place the record directly in assets")
	return cmd
}

func (c *cli) newRecallCmd() *cobra.Command {
	var (
		k        int
		scope    string
		layer    string
		keywords []string
	)

	cmd := &cobra.Command{
		Use:   "recall <query>...",
		Short: "Search every layer and print ranked results as JSON",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withFabric(cmd, func(ctx context.Context, f *fabric.Fabric) (any, error) {
				return f.Recall(ctx, fabric.RecallRequest{
					Query:    strings.Join(args, " "),
					Keywords: keywords,
					K:        k,
					Scope:    retrieval.Scope(scope),
					Layer:    types.Layer(layer),
				})
			})
		},
	}

	cmd.Flags().IntVarP(&k, "limit", "k", 0, "number of results (configured default when 0)")
	cmd.Flags().StringVar(&scope, "scope", "", "single, knowledge_first or exhaustive")
	cmd.Flags().StringVar(&layer, "layer", "", "layer for single scope")
	cmd.Flags().StringSliceVar(&keywords, "keyword", nil, "extra keyword index terms")
	return cmd
}

// withFabric opens the fabric, runs fn, prints its result as JSON and
// closes the fabric.
func (c *cli) withFabric(cmd *cobra.Command, fn func(context.Context, *fabric.Fabric) (any, error)) (err error) {
	f, _, err := c.openFabric(cmd.Context())
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(context.Background()); err == nil {
			err = cerr
		}
	}()

	out, err := fn(cmd.Context(), f)
	if err != nil {
		return err
	}
	return writeJSON(cmd.OutOrStdout(), out)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
