package broadcast

import (
	"context"
	"time"
)

// Metrics receives per-send and per-job signals.
type Metrics interface {
	SendResult(ctx context.Context, clientID, outcome string)
	SendRetry(ctx context.Context, clientID, reason string)
	JobFinished(ctx context.Context, status string, runtime time.Duration)
}

const (
	outcomeDelivered      = "delivered"
	outcomeCancelledLabel = "cancelled"
)

type nopMetrics struct{}

func (nopMetrics) SendResult(context.Context, string, string)         {}
func (nopMetrics) SendRetry(context.Context, string, string)          {}
func (nopMetrics) JobFinished(context.Context, string, time.Duration) {}
