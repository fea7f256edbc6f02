// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package promotion

import (
	"log/slog"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/sigil-dev/memfabric/internal/store"
	mferr "github.com/sigil-dev/memfabric/pkg/errors"
)

// Rule is a compiled CEL expression over a record. It must evaluate to a
// bool. Available variables:
//
//	access_count  int
//	content       string
//	layer         string
//	metadata      map(string, string)
//	age_hours     double   time since placement in the current layer
//	idle_hours    double   time since last access
type Rule struct {
	expr string
	prg  cel.Program
}

var ruleEnv = func() *cel.Env {
	env, err := cel.NewEnv(
		cel.Variable("access_count", cel.IntType),
		cel.Variable("content", cel.StringType),
		cel.Variable("layer", cel.StringType),
		cel.Variable("metadata", cel.MapType(cel.StringType, cel.StringType)),
		cel.Variable("age_hours", cel.DoubleType),
		cel.Variable("idle_hours", cel.DoubleType),
	)
	if err != nil {
		panic(err)
	}
	return env
}()

// CompileRule parses and type-checks expr. An empty expression returns a
// nil rule, which never matches.
func CompileRule(expr string) (*Rule, error) {
	if expr == "" {
		return nil, nil
	}

	ast, iss := ruleEnv.Compile(expr)
	if iss.Err() != nil {
		return nil, mferr.Wrapf(iss.Err(), mferr.CodePromotionRuleInvalid, "compiling rule %q", expr)
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, mferr.Errorf(mferr.CodePromotionRuleInvalid,
			"rule %q must evaluate to bool, got %s", expr, ast.OutputType())
	}
	prg, err := ruleEnv.Program(ast)
	if err != nil {
		return nil, mferr.Wrapf(err, mferr.CodePromotionRuleInvalid, "planning rule %q", expr)
	}
	return &Rule{expr: expr, prg: prg}, nil
}

// String returns the source expression.
func (r *Rule) String() string {
	if r == nil {
		return ""
	}
	return r.expr
}

// Eval evaluates the rule against rec.
func (r *Rule) Eval(rec *store.Record, now time.Time) (bool, error) {
	if r == nil {
		return false, nil
	}

	md := rec.Metadata
	if md == nil {
		md = map[string]string{}
	}
	out, _, err := r.prg.Eval(map[string]any{
		"access_count": rec.AccessCount,
		"content":      rec.Content,
		"layer":        string(rec.Layer),
		"metadata":     md,
		"age_hours":    rec.Age(now).Hours(),
		"idle_hours":   max(now.Sub(rec.LastAccessedAt), 0).Hours(),
	})
	if err != nil {
		return false, mferr.Wrapf(err, mferr.CodePromotionRuleEvalFailure, "evaluating rule %q", r.expr)
	}
	matched, ok := out.Value().(bool)
	if !ok {
		return false, mferr.Errorf(mferr.CodePromotionRuleEvalFailure, "rule %q returned %T", r.expr, out.Value())
	}
	return matched, nil
}

// Match is Eval with errors logged and treated as no match.
func (r *Rule) Match(rec *store.Record, now time.Time) bool {
	ok, err := r.Eval(rec, now)
	if err != nil {
		slog.Warn("critical rule failed", "id", rec.ID, "error", err)
		return false
	}
	return ok
}
