package channel

import (
	"context"
	"log/slog"

	"github.com/example/ride-tracking/internal/models"
	"github.com/example/ride-tracking/internal/observability"
)

type SamplePublisher interface {
	PublishSample(ctx context.Context, s models.LocationSample) error
}

// Forwarder hands samples to a SamplePublisher off the publish path. When
// the queue is full the sample is dropped; the live fan-out is unaffected.
type Forwarder struct {
	pub    SamplePublisher
	queue  chan models.LocationSample
	logger *slog.Logger
}

func NewForwarder(pub SamplePublisher, size int, logger *slog.Logger) *Forwarder {
	if size <= 0 {
		size = 256
	}
	return &Forwarder{pub: pub, queue: make(chan models.LocationSample, size), logger: logger}
}

func (f *Forwarder) Enqueue(s models.LocationSample) {
	select {
	case f.queue <- s:
	default:
		observability.SamplesDropped.Inc()
	}
}

// Run drains the queue until ctx is cancelled.
func (f *Forwarder) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case s := <-f.queue:
			if err := f.pub.PublishSample(ctx, s); err != nil && ctx.Err() == nil {
				f.logger.Warn("sample forward failed", "trip_id", s.TripID, "seq", s.Seq, "error", err)
			}
		}
	}
}
