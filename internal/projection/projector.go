package projection

import (
	"bytes"
	"context"
	"fmt"

	"github.com/goodfood/drivethru/internal/contracts"
)

// ViewStore is the slice of the view store the projector needs.
type ViewStore interface {
	Load(ctx context.Context, streamID string) (contracts.View, *contracts.ConcurrencyToken, error)
	Save(ctx context.Context, view contracts.View, token *contracts.ConcurrencyToken) error
}

// EventLoader reads a stream's full history, ascending by version.
type EventLoader interface {
	LoadStream(ctx context.Context, streamID string) ([]contracts.Event, error)
}

// Projector runs the load-fold-save cycle. It is stateless and does not
// retry: a conflicting save surfaces as viewstore.ErrConflict and the caller
// re-runs the whole cycle against the now-current view.
type Projector struct {
	Views  ViewStore
	Events EventLoader
}

func New(views ViewStore, events EventLoader) *Projector {
	return &Projector{Views: views, Events: events}
}

// Project folds one freshly appended event into the stream's view. Events at
// or below the stored view version are skipped, so replaying an
// already-projected event is a no-op rather than a double-apply.
func (p *Projector) Project(ctx context.Context, evt contracts.Event) error {
	view, token, err := p.Views.Load(ctx, evt.StreamID)
	if err != nil {
		return err
	}
	if token != nil && evt.Version <= view.Version {
		return nil
	}
	if evt.Version > view.Version+1 {
		// A version gap means an earlier event was appended but never
		// folded into the view. Applying over the gap would advance the
		// view version past the missing event and make the loss
		// undetectable, so replay the whole stream instead.
		return p.Rebuild(ctx, evt.StreamID)
	}

	next, err := Apply(view, evt)
	if err != nil {
		return err
	}
	return p.Views.Save(ctx, next, token)
}

// Rebuild repairs a view by refolding the stream from the beginning onto an
// empty view and swapping the result in under the loaded token. It covers the
// crash window between a durable append and its projection: the event log is
// the source of truth, the view is derived and fully reconstructible.
func (p *Projector) Rebuild(ctx context.Context, streamID string) error {
	if p.Events == nil {
		return fmt.Errorf("rebuild %q: no event loader configured", streamID)
	}

	stored, token, err := p.Views.Load(ctx, streamID)
	if err != nil {
		return err
	}
	events, err := p.Events.LoadStream(ctx, streamID)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}

	view := contracts.View{StreamID: streamID}
	for _, evt := range events {
		next, err := Apply(view, evt)
		if err != nil {
			return err
		}
		view = next
	}
	if token != nil && view.Version == stored.Version && bytes.Equal(view.Data, stored.Data) {
		return nil
	}
	return p.Views.Save(ctx, view, token)
}
