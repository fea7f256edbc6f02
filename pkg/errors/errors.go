// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package errors

import (
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/samber/oops"
)

// Code is the machine-readable identifier for an error. The final dotted
// segment is the reason used by the Is* classifiers.
type Code string

const (
	CodeStoreRecordGetNotFound      Code = "store.record.get.not_found"
	CodeStoreRecordUpdateConflict   Code = "store.record.update.conflict"
	CodeStoreRecordInvalidInput     Code = "store.record.invalid_input"
	CodeStoreKVGetNotFound          Code = "store.kv.get.not_found"
	CodeStoreKVReadFailure          Code = "store.kv.read.failure"
	CodeStoreKVWriteFailure         Code = "store.kv.write.failure"
	CodeStoreKVDecodeFailure        Code = "store.kv.decode.failure"
	CodeStoreKeywordQueryFailure    Code = "store.keyword.query.failure"
	CodeStoreVectorQueryFailure     Code = "store.vector.query.failure"
	CodeStoreDatabaseFailure        Code = "store.database.failure"
	CodeStoreBackendUnsupported     Code = "store.backend.unsupported"
	CodeStoreInvalidInput           Code = "store.invalid_input"
	CodeStoreLayerTransitionInvalid Code = "store.layer.transition.invalid_input"
	CodeStoreSnapshotEncodeFailure  Code = "store.snapshot.encode.failure"

	CodeIndexInsertInvalidInput Code = "index.insert.invalid_input"
	CodeIndexSearchInvalidInput Code = "index.search.invalid_input"
	CodeIndexSnapshotCorrupt    Code = "index.snapshot.corrupt"

	CodeEmbeddingPipelineDegraded      Code = "embedding.pipeline.degraded"
	CodeEmbeddingQueueFullRetryable    Code = "embedding.queue.full.retryable"
	CodeEmbeddingBackendFailure        Code = "embedding.backend.failure"
	CodeEmbeddingBackendInvalidOutput  Code = "embedding.backend.output.failure"
	CodeEmbeddingRequestInvalidInput   Code = "embedding.request.invalid_input"
	CodeEmbeddingPipelineClosedFailure Code = "embedding.pipeline.closed.failure"
	CodeEmbeddingBackendConfigInvalid  Code = "embedding.backend.config.invalid"

	CodeSecretInvalidInput   Code = "secret.invalid_input"
	CodeSecretNotFound       Code = "secret.get.not_found"
	CodeSecretStoreFailure   Code = "secret.store.failure"
	CodeSecretDeleteFailure  Code = "secret.delete.failure"
	CodeSecretResolveFailure Code = "secret.resolve.failure"

	CodeServerStartFailure Code = "server.start.failure"

	CodeRetrievalRequestInvalidInput Code = "retrieval.request.invalid_input"
	CodeRetrievalRerankFailure       Code = "retrieval.rerank.failure"

	CodePromotionRuleInvalid          Code = "promotion.rule.invalid"
	CodePromotionRuleEvalFailure      Code = "promotion.rule.eval.failure"
	CodePromotionEngineStoppedFailure Code = "promotion.engine.stopped.failure"

	CodeConfigLoadReadFailure      Code = "config.load.read.failure"
	CodeConfigParseInvalidFormat   Code = "config.parse.invalid_format"
	CodeConfigValidateInvalidValue Code = "config.validate.invalid_value"

	CodeMetricsInstrumentFailure Code = "metrics.instrument.failure"

	CodeCLISetupFailure Code = "cli.setup.failure"
	CodeCLIInputInvalid Code = "cli.input.invalid"

	CodeInternalFailure Code = "internal.failure"
)

// Attr is a structured key/value context attached to an error.
type Attr struct {
	Key   string
	Value any
}

// Field creates a structured error field.
func Field(key string, value any) Attr {
	return Attr{Key: key, Value: value}
}

func FieldRecordID(value string) Attr {
	return Field("record_id", value)
}

func FieldLayer(value string) Attr {
	return Field("layer", value)
}

func FieldBackend(value string) Attr {
	return Field("backend", value)
}

func New(code Code, msg string, fields ...Attr) error {
	return oops.Code(code).With(flatten(fields)...).New(msg)
}

func Errorf(code Code, format string, args ...any) error {
	return oops.Code(code).Errorf(format, args...)
}

func Wrap(err error, code Code, msg string, fields ...Attr) error {
	if err == nil {
		return nil
	}

	return oops.Code(code).With(flatten(fields)...).Wrapf(err, "%s", msg)
}

func Wrapf(err error, code Code, format string, args ...any) error {
	if err == nil {
		return nil
	}

	return oops.Code(code).Wrapf(err, format, args...)
}

// With adds structured fields to an existing error chain.
func With(err error, fields ...Attr) error {
	if err == nil {
		return nil
	}

	code := CodeOf(err)
	if code == "" {
		code = CodeInternalFailure
	}

	return oops.Code(code).With(flatten(fields)...).Wrap(err)
}

func CodeOf(err error) Code {
	if err == nil {
		return ""
	}

	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return ""
	}

	if code, ok := oopsErr.Code().(Code); ok {
		return code
	}

	if code, ok := oopsErr.Code().(string); ok {
		return Code(code)
	}

	return Code(fmt.Sprintf("%v", oopsErr.Code()))
}

func FieldsOf(err error) map[string]any {
	if err == nil {
		return nil
	}

	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return nil
	}

	return oopsErr.Context()
}

func HasCode(err error, code Code) bool {
	if err == nil {
		return false
	}
	return CodeOf(err) == code
}

// IsNotFound reports a missing or expired record or key.
func IsNotFound(err error) bool {
	return reason(CodeOf(err)) == "not_found"
}

// IsConflict reports an optimistic concurrency version mismatch.
func IsConflict(err error) bool {
	return reason(CodeOf(err)) == "conflict"
}

// IsInvalidInput reports malformed input. These errors are never retried.
func IsInvalidInput(err error) bool {
	r := reason(CodeOf(err))
	return r == "invalid" || r == "invalid_input" || r == "invalid_value" || r == "invalid_format"
}

// IsDegraded reports that every embedding backend is unavailable.
func IsDegraded(err error) bool {
	return reason(CodeOf(err)) == "degraded"
}

// IsCorrupt reports a checksum or structural mismatch in a persisted index.
func IsCorrupt(err error) bool {
	return reason(CodeOf(err)) == "corrupt"
}

// IsRetryable reports transient backpressure; the caller may retry later.
func IsRetryable(err error) bool {
	return reason(CodeOf(err)) == "retryable"
}

// IsStorage reports a durable store I/O failure.
func IsStorage(err error) bool {
	code := string(CodeOf(err))
	return strings.HasPrefix(code, "store.") && reason(CodeOf(err)) == "failure"
}

func Join(errs ...error) error {
	joined := stderrors.Join(errs...)
	if joined == nil {
		return nil
	}
	return oops.Code(CodeInternalFailure).Wrap(joined)
}

func flatten(fields []Attr) []any {
	pairs := make([]any, 0, len(fields)*2)
	for _, field := range fields {
		if field.Key == "" {
			continue
		}
		pairs = append(pairs, field.Key, field.Value)
	}
	return pairs
}

func reason(code Code) string {
	if code == "" {
		return ""
	}

	raw := string(code)
	idx := strings.LastIndex(raw, ".")
	if idx == -1 || idx == len(raw)-1 {
		return raw
	}
	return raw[idx+1:]
}
