package queue

import (
	"context"
	"errors"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/entitle/pkg/telemetry/correlation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingHandler struct {
	seen []Kind
}

func (h *recordingHandler) HandleUsageBatch(ctx context.Context, job UsageBatchJob) error {
	h.seen = append(h.seen, job.Kind())
	return nil
}

func (h *recordingHandler) HandleSyncBatch(ctx context.Context, job SyncBatchJob) error {
	h.seen = append(h.seen, job.Kind())
	return nil
}

func (h *recordingHandler) HandleAutoTopUp(ctx context.Context, job AutoTopUpJob) error {
	h.seen = append(h.seen, job.Kind())
	return errors.New("top-up failed")
}

func (h *recordingHandler) HandleResetGrants(ctx context.Context, job ResetGrantsJob) error {
	h.seen = append(h.seen, job.Kind())
	return nil
}

func TestDecodeDispatchesEveryKind(t *testing.T) {
	jobs := []Job{
		UsageBatchJob{EventIDs: []snowflake.ID{1}},
		SyncBatchJob{Grants: []SyncTarget{{GrantID: 2, Version: 5}}},
		AutoTopUpJob{CustomerID: "cus_1", FeatureID: "messages"},
		ResetGrantsJob{GrantIDs: []snowflake.ID{3}},
	}

	h := &recordingHandler{}
	for _, job := range jobs {
		data, err := Encode(job)
		require.NoError(t, err)
		decoded, err := Decode(data)
		require.NoError(t, err)
		assert.Equal(t, job.Kind(), decoded.Kind())
		_ = decoded.Accept(context.Background(), h)
	}
	assert.Equal(t, []Kind{KindUsageBatch, KindSyncBatch, KindAutoTopUp, KindResetGrants}, h.seen)

	data, err := Encode(jobs[1])
	require.NoError(t, err)
	decoded, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, jobs[1], decoded)
}

func TestAcceptReturnsHandlerError(t *testing.T) {
	err := AutoTopUpJob{}.Accept(context.Background(), &recordingHandler{})
	assert.EqualError(t, err, "top-up failed")
}

func TestDecodeRejectsUnknownKind(t *testing.T) {
	_, err := Decode([]byte(`{"kind":"send_invoice","payload":{}}`))
	assert.ErrorIs(t, err, ErrUnknownKind)

	_, err = Decode(nil)
	assert.ErrorIs(t, err, ErrEmptyPayload)

	_, err = Decode([]byte(`{"kind":"sync_batch"}`))
	assert.ErrorIs(t, err, ErrEmptyPayload)
}

func TestEncodeContextCarriesTrace(t *testing.T) {
	ctx := correlation.ContextWithCorrelationID(context.Background(), "req-42")
	ctx = correlation.ContextWithRemoteSpan(ctx, "4bf92f3577b34da6a3ce929d0e0e4736", "00f067aa0ba902b7")

	data, err := EncodeContext(ctx, ResetGrantsJob{GrantIDs: []snowflake.ID{7}})
	require.NoError(t, err)

	job, tc, err := DecodeEnvelope(data)
	require.NoError(t, err)
	assert.Equal(t, ResetGrantsJob{GrantIDs: []snowflake.ID{7}}, job)
	assert.Equal(t, TraceContext{
		CorrelationID: "req-42",
		TraceID:       "4bf92f3577b34da6a3ce929d0e0e4736",
		SpanID:        "00f067aa0ba902b7",
	}, tc)

	data, err = EncodeContext(context.Background(), ResetGrantsJob{})
	require.NoError(t, err)
	assert.NotContains(t, string(data), `"trace"`)
}
