package aggregator

import (
	"context"
	"time"

	"github.com/ahmethakanbesel/social-resolver/internal/metrics"
)

// Call is one provider batch call, recorded for observability only.
type Call struct {
	Provider string
	Wallets  int
	Latency  time.Duration
	Status   string
	Error    string
	At       time.Time
}

// Recorder receives every provider call. Implementations must be safe for
// concurrent use and must not block for long.
type Recorder interface {
	RecordCall(ctx context.Context, c Call)
}

// Recorders fans a call out to several recorders.
type Recorders []Recorder

func (rs Recorders) RecordCall(ctx context.Context, c Call) {
	for _, r := range rs {
		r.RecordCall(ctx, c)
	}
}

// PrometheusRecorder feeds calls into the provider collectors.
type PrometheusRecorder struct {
	Metrics *metrics.Metrics
}

func (r PrometheusRecorder) RecordCall(_ context.Context, c Call) {
	r.Metrics.ObserveProviderCall(c.Provider, c.Status, c.Wallets, c.Latency)
}
