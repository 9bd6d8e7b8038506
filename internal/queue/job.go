// Package queue carries work between the cache layer and the worker pool over
// an at-least-once queue with visibility timeouts.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	grantdomain "github.com/smallbiznis/entitle/internal/grant/domain"
	"github.com/smallbiznis/entitle/pkg/telemetry/correlation"
	"go.opentelemetry.io/otel/trace"
)

type Kind string

const (
	KindUsageBatch  Kind = "usage_batch"
	KindSyncBatch   Kind = "sync_batch"
	KindAutoTopUp   Kind = "auto_top_up"
	KindResetGrants Kind = "reset_grants"
)

var (
	ErrUnknownKind  = errors.New("queue_unknown_job_kind")
	ErrEmptyPayload = errors.New("queue_empty_payload")
)

// Job is one of the closed set of variants below. Adding a variant means
// adding a method to Handler, so every handler must deal with it.
type Job interface {
	Kind() Kind
	Accept(ctx context.Context, h Handler) error
}

type Handler interface {
	HandleUsageBatch(ctx context.Context, job UsageBatchJob) error
	HandleSyncBatch(ctx context.Context, job SyncBatchJob) error
	HandleAutoTopUp(ctx context.Context, job AutoTopUpJob) error
	HandleResetGrants(ctx context.Context, job ResetGrantsJob) error
}

// UsageBatchJob applies recorded usage events to the cache.
type UsageBatchJob struct {
	EventIDs []snowflake.ID `json:"event_ids"`
}

func (UsageBatchJob) Kind() Kind { return KindUsageBatch }

func (j UsageBatchJob) Accept(ctx context.Context, h Handler) error {
	return h.HandleUsageBatch(ctx, j)
}

// SyncTarget names a grant and the cache version to persist. Grant carries
// the state at that version so any replica can write it, not only the one
// holding the cache entry.
type SyncTarget struct {
	GrantID snowflake.ID       `json:"grant_id"`
	Version int64              `json:"version"`
	Grant   *grantdomain.Grant `json:"grant,omitempty"`
}

// SyncBatchJob writes cached grant state to the durable store.
type SyncBatchJob struct {
	Grants []SyncTarget `json:"grants"`
}

func (SyncBatchJob) Kind() Kind { return KindSyncBatch }

func (j SyncBatchJob) Accept(ctx context.Context, h Handler) error {
	return h.HandleSyncBatch(ctx, j)
}

type AutoTopUpJob struct {
	CustomerID string          `json:"customer_id"`
	FeatureID  string          `json:"feature_id"`
	ScopeKey   string          `json:"scope_key,omitempty"`
	RuleID     snowflake.ID    `json:"rule_id"`
	Threshold  decimal.Decimal `json:"threshold"`
	Quantity   decimal.Decimal `json:"quantity"`
}

func (AutoTopUpJob) Kind() Kind { return KindAutoTopUp }

func (j AutoTopUpJob) Accept(ctx context.Context, h Handler) error {
	return h.HandleAutoTopUp(ctx, j)
}

// ResetGrantsJob applies due reset boundaries.
type ResetGrantsJob struct {
	GrantIDs []snowflake.ID `json:"grant_ids"`
}

func (ResetGrantsJob) Kind() Kind { return KindResetGrants }

func (j ResetGrantsJob) Accept(ctx context.Context, h Handler) error {
	return h.HandleResetGrants(ctx, j)
}

// TraceContext links a job to the request or sweep that enqueued it.
type TraceContext struct {
	CorrelationID string `json:"correlation_id,omitempty"`
	TraceID       string `json:"trace_id,omitempty"`
	SpanID        string `json:"span_id,omitempty"`
}

type envelope struct {
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload"`
	Trace   *TraceContext   `json:"trace,omitempty"`
}

// Encode serializes a job with its kind tag.
func Encode(job Job) ([]byte, error) {
	return encode(job, nil)
}

// EncodeContext is Encode plus the correlation id and active span of ctx.
func EncodeContext(ctx context.Context, job Job) ([]byte, error) {
	tc := &TraceContext{CorrelationID: correlation.ExtractCorrelationID(ctx)}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		tc.TraceID = sc.TraceID().String()
		tc.SpanID = sc.SpanID().String()
	}
	if *tc == (TraceContext{}) {
		tc = nil
	}
	return encode(job, tc)
}

func encode(job Job, tc *TraceContext) ([]byte, error) {
	if job == nil {
		return nil, ErrEmptyPayload
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", job.Kind(), err)
	}
	return json.Marshal(envelope{Kind: job.Kind(), Payload: payload, Trace: tc})
}

// Decode restores a job encoded with Encode.
func Decode(data []byte) (Job, error) {
	job, _, err := DecodeEnvelope(data)
	return job, err
}

// DecodeEnvelope restores a job together with the trace context it was
// enqueued under.
func DecodeEnvelope(data []byte) (Job, TraceContext, error) {
	if len(data) == 0 {
		return nil, TraceContext{}, ErrEmptyPayload
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, TraceContext{}, fmt.Errorf("decode envelope: %w", err)
	}
	var tc TraceContext
	if env.Trace != nil {
		tc = *env.Trace
	}
	job, err := decodeJob(env)
	return job, tc, err
}

func decodeJob(env envelope) (Job, error) {
	switch env.Kind {
	case KindUsageBatch:
		return decodeAs[UsageBatchJob](env)
	case KindSyncBatch:
		return decodeAs[SyncBatchJob](env)
	case KindAutoTopUp:
		return decodeAs[AutoTopUpJob](env)
	case KindResetGrants:
		return decodeAs[ResetGrantsJob](env)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, env.Kind)
	}
}

func decodeAs[T Job](env envelope) (Job, error) {
	var job T
	if len(env.Payload) == 0 {
		return nil, ErrEmptyPayload
	}
	if err := json.Unmarshal(env.Payload, &job); err != nil {
		return nil, fmt.Errorf("decode %s: %w", env.Kind, err)
	}
	return job, nil
}
