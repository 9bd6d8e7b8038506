// Package worker consumes background jobs from the queue and dispatches them
// to the engine's job handler.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/smallbiznis/entitle/internal/observability/metrics"
	"github.com/smallbiznis/entitle/internal/queue"
	"github.com/smallbiznis/entitle/pkg/telemetry/correlation"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Queue   queue.Queue
	Handler queue.Handler
	Log     *zap.Logger
	Metrics *metrics.EngineMetrics `optional:"true"`
	Config  Config
}

type Pool struct {
	queue   queue.Queue
	handler queue.Handler
	log     *zap.Logger
	metrics *metrics.EngineMetrics
	cfg     Config
}

func NewPool(p Params) *Pool {
	return &Pool{
		queue:   p.Queue,
		handler: p.Handler,
		log:     p.Log.Named("worker"),
		metrics: p.Metrics,
		cfg:     p.Config.withDefaults(),
	}
}

// RunForever starts the configured number of consumers and blocks until ctx
// is cancelled and every consumer has returned.
func (p *Pool) RunForever(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Concurrency; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.consume(ctx, id)
		}(i)
	}
	wg.Wait()
}

func (p *Pool) consume(ctx context.Context, id int) {
	log := p.log.With(zap.Int("consumer", id))
	for {
		if ctx.Err() != nil {
			return
		}

		n, err := p.RunOnce(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Warn("queue receive failed", zap.Error(err))
		}
		if n > 0 && err == nil {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(p.cfg.PollInterval):
		}
	}
}

// RunOnce receives one batch and processes it. It returns the number of
// deliveries received.
func (p *Pool) RunOnce(ctx context.Context) (int, error) {
	deliveries, err := p.queue.Receive(ctx, p.cfg.BatchSize, p.cfg.VisibilityTimeout)
	if err != nil {
		return 0, err
	}
	for _, d := range deliveries {
		p.process(ctx, d)
	}
	return len(deliveries), nil
}

func (p *Pool) process(parent context.Context, d queue.Delivery) {
	start := time.Now()
	log := p.log.With(zap.String("job_id", d.ID), zap.Int("attempts", d.Attempts))

	if d.Err != nil || d.Job == nil {
		log.Error("queue processing failure", zap.String("reason", "undecodable"), zap.Error(d.Err))
		p.metrics.ObserveJob("", metrics.JobOutcomeUndecodable, time.Since(start))
		p.ack(parent, d, log)
		return
	}

	kind := string(d.Job.Kind())
	log = log.With(zap.String("kind", kind))

	ctx, cancel := context.WithTimeout(parent, p.cfg.JobTimeout)
	defer cancel()
	ctx = correlation.ContextWithRemoteSpan(ctx, d.Trace.TraceID, d.Trace.SpanID)
	ctx, _ = correlation.FromHeader(ctx, firstNonEmpty(d.Trace.CorrelationID, d.ID))
	ctx, span := otel.Tracer("entitle/worker").Start(ctx, "job "+kind)
	span.SetAttributes(attribute.String("job.kind", kind), attribute.Int("job.attempts", d.Attempts))
	defer span.End()

	outcome := metrics.JobOutcomeOK
	err := p.handle(ctx, d.Job)
	var panicErr *panicError
	switch {
	case errors.As(err, &panicErr):
		outcome = metrics.JobOutcomePanic
	case err != nil:
		outcome = metrics.JobOutcomeError
	}
	p.metrics.ObserveJob(kind, outcome, time.Since(start))

	if err != nil {
		// left unacked so the backend redelivers after the visibility timeout
		span.RecordError(err)
		span.SetStatus(codes.Error, "job failed")
		log.Warn("queue processing failure", zap.Error(err))
		return
	}
	p.ack(parent, d, log)
}

func (p *Pool) handle(ctx context.Context, job queue.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r}
		}
	}()
	return job.Accept(ctx, p.handler)
}

func (p *Pool) ack(ctx context.Context, d queue.Delivery, log *zap.Logger) {
	if err := p.queue.Ack(ctx, d); err != nil {
		log.Warn("queue ack failed", zap.Error(err))
	}
}

// ReportDepth publishes the queue depth when the backend supports it.
func (p *Pool) ReportDepth(ctx context.Context, backend string) {
	reporter, ok := p.queue.(queue.DepthReporter)
	if !ok {
		return
	}
	depth, err := reporter.Depth(ctx)
	if err != nil {
		p.log.Debug("queue depth unavailable", zap.Error(err))
		return
	}
	p.metrics.SetQueueDepth(backend, depth)
}

type panicError struct {
	value any
}

func (e *panicError) Error() string {
	return fmt.Sprintf("job handler panicked: %v", e.value)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
