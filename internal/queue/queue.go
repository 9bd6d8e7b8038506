package queue

import (
	"context"
	"errors"
	"time"
)

var ErrReceiptMismatch = errors.New("queue_receipt_mismatch")

// Delivery is a received job. It stays invisible to other consumers until the
// visibility timeout passes; Ack with the receipt removes it for good.
type Delivery struct {
	ID       string
	Receipt  string
	Attempts int
	Job      Job
	Trace    TraceContext
	// Err is set when the stored payload could not be decoded. Such deliveries
	// carry no Job and are acked by the pool after logging.
	Err error
}

// Producer is the enqueue side, used by the cache layer and the scheduler.
type Producer interface {
	Enqueue(ctx context.Context, jobs ...Job) error
}

type Queue interface {
	Producer
	Receive(ctx context.Context, max int, visibility time.Duration) ([]Delivery, error)
	Ack(ctx context.Context, d Delivery) error
	Ping(ctx context.Context) error
}

type Backend string

const (
	BackendDatabase Backend = "database"
	BackendRedis    Backend = "redis"
)

// DepthReporter is implemented by backends that can count waiting jobs.
type DepthReporter interface {
	Depth(ctx context.Context) (int64, error)
}
