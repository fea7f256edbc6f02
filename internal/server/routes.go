// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/sigil-dev/memfabric/internal/fabric"
	"github.com/sigil-dev/memfabric/internal/promotion"
	"github.com/sigil-dev/memfabric/internal/retrieval"
	"github.com/sigil-dev/memfabric/internal/store"
	mferr "github.com/sigil-dev/memfabric/pkg/errors"
	"github.com/sigil-dev/memfabric/pkg/types"
)

func (s *Server) registerRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID:   "remember",
		Method:        http.MethodPost,
		Path:          "/api/v1/memories",
		Summary:       "Embed and store content",
		Tags:          []string{"memories"},
		DefaultStatus: http.StatusCreated,
	}, s.handleRemember)

	huma.Register(s.api, huma.Operation{
		OperationID: "get-memory",
		Method:      http.MethodGet,
		Path:        "/api/v1/memories/{id}",
		Summary:     "Get a record without counting an access",
		Tags:        []string{"memories"},
	}, s.handleGet)

	huma.Register(s.api, huma.Operation{
		OperationID:   "forget",
		Method:        http.MethodDelete,
		Path:          "/api/v1/memories/{id}",
		Summary:       "Delete a record",
		Tags:          []string{"memories"},
		DefaultStatus: http.StatusNoContent,
	}, s.handleForget)

	huma.Register(s.api, huma.Operation{
		OperationID: "recall",
		Method:      http.MethodPost,
		Path:        "/api/v1/recall",
		Summary:     "Hybrid search across layers",
		Tags:        []string{"memories"},
	}, s.handleRecall)

	huma.Register(s.api, huma.Operation{
		OperationID: "stats",
		Method:      http.MethodGet,
		Path:        "/api/v1/stats",
		Summary:     "Layer, cache, backend and promotion statistics",
		Tags:        []string{"system"},
	}, s.handleStats)

	huma.Register(s.api, huma.Operation{
		OperationID: "run-promotion",
		Method:      http.MethodPost,
		Path:        "/api/v1/promotion/run",
		Summary:     "Run one promotion cycle now",
		Tags:        []string{"system"},
	}, s.handleRunPromotion)
}

// --- Request/Response types for huma ---

type rememberInput struct {
	Body struct {
		Content  string            `json:"content" minLength:"1" doc:"Text to embed and store"`
		Layer    string            `json:"layer,omitempty" enum:"interact,insights,assets" doc:"Target layer, interact when omitted"`
		Metadata map[string]string `json:"metadata,omitempty" doc:"Free-form tags; tag=critical pins the record"`
		Critical bool              `json:"critical,omitempty" doc:"Place directly in assets"`
	}
}

type recordOutput struct {
	Body *store.Record
}

type idInput struct {
	ID string `path:"id" minLength:"1"`
}

type recallInput struct {
	Body struct {
		Query    string   `json:"query" minLength:"1" doc:"Query text"`
		Keywords []string `json:"keywords,omitempty" doc:"Extra terms for the keyword index"`
		Modality string   `json:"modality,omitempty" doc:"Passed through to the reranker"`
		K        int      `json:"k,omitempty" minimum:"0" maximum:"1000" doc:"Result count, configured default when 0"`
		Scope    string   `json:"scope,omitempty" enum:"single,knowledge_first,exhaustive"`
		Layer    string   `json:"layer,omitempty" enum:"interact,insights,assets" doc:"Layer for single scope"`
	}
}

type recallOutput struct {
	Body *fabric.RecallResponse
}

type statsOutput struct {
	Body fabric.Stats
}

type promotionOutput struct {
	Body promotion.CycleResult
}

// --- Handlers ---

func (s *Server) handleRemember(ctx context.Context, input *rememberInput) (*recordOutput, error) {
	rec, err := s.memory.Remember(ctx, fabric.RememberRequest{
		Content:  input.Body.Content,
		Layer:    types.Layer(input.Body.Layer),
		Metadata: input.Body.Metadata,
		Critical: input.Body.Critical,
	})
	if err != nil {
		return nil, apiError("remembering", err)
	}
	return &recordOutput{Body: rec}, nil
}

func (s *Server) handleGet(ctx context.Context, input *idInput) (*recordOutput, error) {
	rec, err := s.memory.Get(ctx, input.ID)
	if err != nil {
		return nil, apiError("getting record", err)
	}
	return &recordOutput{Body: rec}, nil
}

func (s *Server) handleForget(ctx context.Context, input *idInput) (*struct{}, error) {
	if err := s.memory.Forget(ctx, input.ID); err != nil {
		return nil, apiError("forgetting record", err)
	}
	return nil, nil
}

func (s *Server) handleRecall(ctx context.Context, input *recallInput) (*recallOutput, error) {
	resp, err := s.memory.Recall(ctx, fabric.RecallRequest{
		Query:    input.Body.Query,
		Keywords: input.Body.Keywords,
		Modality: input.Body.Modality,
		K:        input.Body.K,
		Scope:    retrieval.Scope(input.Body.Scope),
		Layer:    types.Layer(input.Body.Layer),
	})
	if err != nil {
		return nil, apiError("recalling", err)
	}
	return &recallOutput{Body: resp}, nil
}

func (s *Server) handleStats(_ context.Context, _ *struct{}) (*statsOutput, error) {
	return &statsOutput{Body: s.memory.Stats()}, nil
}

func (s *Server) handleRunPromotion(ctx context.Context, _ *struct{}) (*promotionOutput, error) {
	res, err := s.memory.RunPromotion(ctx)
	if err != nil {
		return nil, apiError("running promotion", err)
	}
	return &promotionOutput{Body: res}, nil
}

// apiError maps an error classification to an HTTP status. Internal detail
// is logged, not returned.
func apiError(op string, err error) error {
	switch {
	case mferr.IsInvalidInput(err):
		return huma.Error400BadRequest(err.Error())
	case mferr.IsNotFound(err):
		return huma.Error404NotFound("record not found")
	case mferr.IsConflict(err):
		return huma.Error409Conflict("record changed concurrently, retry")
	case mferr.IsRetryable(err):
		return huma.Error429TooManyRequests("embedding queue full, retry later")
	case mferr.IsDegraded(err):
		return huma.Error503ServiceUnavailable("embedding backends unavailable")
	default:
		slog.Error("request failed", "op", op, "code", mferr.CodeOf(err), "error", err)
		return huma.Error500InternalServerError(op + " failed")
	}
}
