// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sigil-dev/memfabric/internal/fabric"
	"github.com/sigil-dev/memfabric/internal/promotion"
	"github.com/sigil-dev/memfabric/internal/server"
	"github.com/sigil-dev/memfabric/internal/store"
	mferr "github.com/sigil-dev/memfabric/pkg/errors"
)

const defaultOut = "api/openapi/memfabric.json"

func main() {
	out := defaultOut
	if len(os.Args) > 1 {
		out = os.Args[1]
	}
	if err := run(out); err != nil {
		fmt.Fprintf(os.Stderr, "openapi-gen: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("OpenAPI document written to %s\n", out)
}

// run writes the OpenAPI document to out, creating parent directories.
func run(out string) error {
	spec, err := generateSpec()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return mferr.Errorf(mferr.CodeCLISetupFailure, "creating output dir: %w", err)
	}
	if err := os.WriteFile(out, append(spec, '\n'), 0o644); err != nil {
		return mferr.Errorf(mferr.CodeCLISetupFailure, "writing %s: %w", out, err)
	}
	return nil
}

// generateSpec builds a server over a stub memory and extracts the OpenAPI
// document huma derives from the route types.
func generateSpec() ([]byte, error) {
	srv, err := server.New(server.Config{ListenAddr: "127.0.0.1:0"}, stubMemory{})
	if err != nil {
		return nil, mferr.Errorf(mferr.CodeCLISetupFailure, "creating server: %w", err)
	}

	return json.MarshalIndent(srv.API().OpenAPI(), "", "  ")
}

// stubMemory is never called during spec generation.
type stubMemory struct{}

func (stubMemory) Remember(context.Context, fabric.RememberRequest) (*store.Record, error) {
	return nil, nil
}

func (stubMemory) Recall(context.Context, fabric.RecallRequest) (*fabric.RecallResponse, error) {
	return nil, nil
}

func (stubMemory) Get(context.Context, string) (*store.Record, error) { return nil, nil }
func (stubMemory) Forget(context.Context, string) error               { return nil }

func (stubMemory) RunPromotion(context.Context) (promotion.CycleResult, error) {
	return promotion.CycleResult{}, nil
}

func (stubMemory) Stats() fabric.Stats { return fabric.Stats{} }
