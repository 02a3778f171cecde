// Package viewrepair keeps views converged with the event log. It reacts to
// published events and periodically sweeps for streams whose view is missing
// or behind, replaying them through the projector.
package viewrepair

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/goodfood/drivethru/internal/contracts"
	"github.com/goodfood/drivethru/internal/platform/metrics"
	"github.com/goodfood/drivethru/internal/viewstore"
)

var ErrInvalidEventPayload = errors.New("invalid event payload")

var rebuildsTotal = metrics.NewCounterVec(metrics.Opts{
	Name: "goodfood_view_rebuilds_total",
	Help: "View rebuilds performed, by trigger and outcome.",
}, []string{"trigger", "outcome"})

var laggingStreams = metrics.NewGauge(metrics.Opts{
	Name: "goodfood_view_lagging_streams",
	Help: "Streams found behind the event log on the last sweep.",
})

func init() {
	metrics.Default.MustRegister(rebuildsTotal, laggingStreams)
}

type Rebuilder interface {
	Rebuild(ctx context.Context, streamID string) error
}

type Service struct {
	Rebuilder Rebuilder
	Repo      Repository

	// SweepLimit caps streams repaired per sweep pass.
	SweepLimit int
}

func NewService(rebuilder Rebuilder, repo Repository) *Service {
	return &Service{
		Rebuilder:  rebuilder,
		Repo:       repo,
		SweepLimit: 500,
	}
}

// Handle reacts to one published event by replaying its stream. Rebuild
// leaves a view that already matches the refolded log untouched, so a view
// that kept up is a no-op here.
func (s *Service) Handle(ctx context.Context, payload []byte) error {
	var evt contracts.Event
	if err := json.Unmarshal(payload, &evt); err != nil {
		return ErrInvalidEventPayload
	}
	if evt.StreamID == "" {
		return ErrInvalidEventPayload
	}

	if err := s.rebuild(ctx, "event", evt.StreamID); err != nil {
		return fmt.Errorf("rebuild stream %q: %w", evt.StreamID, err)
	}
	return nil
}

// Sweep repairs every lagging stream it can find and reports how many it
// touched. It also covers events whose publish notification never arrived.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	streams, err := s.Repo.LaggingStreams(ctx, s.SweepLimit)
	if err != nil {
		return 0, fmt.Errorf("list lagging streams: %w", err)
	}
	laggingStreams.Set(float64(len(streams)))

	repaired := 0
	for _, streamID := range streams {
		if err := s.rebuild(ctx, "sweep", streamID); err != nil {
			return repaired, fmt.Errorf("rebuild stream %q: %w", streamID, err)
		}
		repaired++
	}
	return repaired, nil
}

func (s *Service) rebuild(ctx context.Context, trigger, streamID string) error {
	err := s.Rebuilder.Rebuild(ctx, streamID)
	switch {
	case err == nil:
		rebuildsTotal.WithLabelValues(trigger, "ok").Inc()
		return nil
	case errors.Is(err, viewstore.ErrConflict):
		// Another writer advanced the view while we were replaying; their
		// copy is newer than ours, so the repair is moot.
		rebuildsTotal.WithLabelValues(trigger, "superseded").Inc()
		return nil
	default:
		rebuildsTotal.WithLabelValues(trigger, "error").Inc()
		return err
	}
}
