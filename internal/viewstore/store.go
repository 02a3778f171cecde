// Package viewstore holds one materialized snapshot per stream under
// optimistic concurrency. Every save rotates an etag; a save carrying a
// stale etag fails with ErrConflict and the caller must reload and refold.
package viewstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nuid"

	"github.com/goodfood/drivethru/internal/contracts"
	"github.com/goodfood/drivethru/internal/platform/metrics"
)

var conflictsTotal = metrics.NewCounterVec(metrics.Opts{
	Name: "goodfood_view_save_conflicts_total",
	Help: "Conditional view saves rejected because the stored etag moved.",
}, []string{"entity_type"})

func init() {
	metrics.Default.MustRegister(conflictsTotal)
}

// ErrConflict reports that the stored view changed since it was loaded.
// It is a distinct, non-fatal signal: retrying the same save is wrong,
// the whole load-fold-save cycle must re-run.
var ErrConflict = errors.New("view changed since load")

// ErrViewNotFound is only returned by point queries. Load never returns it:
// a missing view loads as an empty default with a nil token.
var ErrViewNotFound = errors.New("view not found")

var ErrStreamIDRequired = errors.New("stream id is required")

const createViewsTableSQL = `
CREATE TABLE IF NOT EXISTS order_views (
  stream_id text PRIMARY KEY,
  version bigint NOT NULL,
  entity_type text NOT NULL,
  data jsonb,
  updated_at timestamptz NOT NULL,
  etag text NOT NULL
)`

const createViewsEntityIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_order_views_entity
ON order_views (entity_type)`

const loadViewSQL = `
SELECT stream_id, version, entity_type, data, updated_at, etag
FROM order_views
WHERE stream_id = $1`

const upsertViewSQL = `
INSERT INTO order_views (stream_id, version, entity_type, data, updated_at, etag)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (stream_id) DO UPDATE
SET version = EXCLUDED.version,
    entity_type = EXCLUDED.entity_type,
    data = EXCLUDED.data,
    updated_at = EXCLUDED.updated_at,
    etag = EXCLUDED.etag`

const saveViewIfMatchSQL = `
UPDATE order_views
SET version = $2,
    entity_type = $3,
    data = $4,
    updated_at = $5,
    etag = $6
WHERE stream_id = $1 AND etag = $7`

const queryMenuByIDSQL = `
SELECT stream_id, version, entity_type, data, updated_at
FROM order_views
WHERE entity_type = $1 AND data->>'menuid' = $2
LIMIT 1`

const hasEntityViewSQL = `
SELECT EXISTS (SELECT 1 FROM order_views WHERE entity_type = $1)`

type Store struct {
	Pool   *pgxpool.Pool
	NewTag func() string
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{Pool: pool, NewTag: nuid.Next}
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.Pool.Exec(ctx, createViewsTableSQL); err != nil {
		return err
	}
	_, err := s.Pool.Exec(ctx, createViewsEntityIndexSQL)
	return err
}

// Load returns the current snapshot and its concurrency token. A stream
// with no view yet yields an empty view and a nil token, not an error.
func (s *Store) Load(ctx context.Context, streamID string) (contracts.View, *contracts.ConcurrencyToken, error) {
	if strings.TrimSpace(streamID) == "" {
		return contracts.View{}, nil, ErrStreamIDRequired
	}

	var view contracts.View
	var entity string
	var etag string
	err := s.Pool.QueryRow(ctx, loadViewSQL, streamID).Scan(
		&view.StreamID, &view.Version, &entity, &view.Data, &view.Timestamp, &etag,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return contracts.View{StreamID: streamID}, nil, nil
		}
		return contracts.View{}, nil, fmt.Errorf("load view %q: %w", streamID, err)
	}
	view.ID = view.StreamID
	view.EntityType = contracts.EntityType(entity)
	token := contracts.ConcurrencyToken(etag)
	return view, &token, nil
}

// Save replaces the stored snapshot wholesale. A nil token writes
// unconditionally (first write / upsert); a non-nil token writes only if the
// stored etag still matches, otherwise ErrConflict.
func (s *Store) Save(ctx context.Context, view contracts.View, token *contracts.ConcurrencyToken) error {
	if strings.TrimSpace(view.StreamID) == "" {
		return ErrStreamIDRequired
	}

	newTag := s.NewTag()
	if token == nil {
		_, err := s.Pool.Exec(ctx, upsertViewSQL,
			view.StreamID, view.Version, string(view.EntityType), view.Data, view.Timestamp, newTag,
		)
		if err != nil {
			return fmt.Errorf("save view %q: %w", view.StreamID, err)
		}
		return nil
	}

	tag, err := s.Pool.Exec(ctx, saveViewIfMatchSQL,
		view.StreamID, view.Version, string(view.EntityType), view.Data, view.Timestamp, newTag, string(*token),
	)
	if err != nil {
		return fmt.Errorf("save view %q: %w", view.StreamID, err)
	}
	if tag.RowsAffected() == 0 {
		conflictsTotal.WithLabelValues(string(view.EntityType)).Inc()
		return fmt.Errorf("save view %q: %w", view.StreamID, ErrConflict)
	}
	return nil
}

// QueryMenuByID is the point lookup behind "the menu for the current meal
// period". A missing menu is ErrViewNotFound.
func (s *Store) QueryMenuByID(ctx context.Context, menuID string) (contracts.View, error) {
	var view contracts.View
	var entity string
	err := s.Pool.QueryRow(ctx, queryMenuByIDSQL, string(contracts.EntityFoodMenu), menuID).Scan(
		&view.StreamID, &view.Version, &entity, &view.Data, &view.Timestamp,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return contracts.View{}, fmt.Errorf("menu %q: %w", menuID, ErrViewNotFound)
		}
		return contracts.View{}, fmt.Errorf("query menu %q: %w", menuID, err)
	}
	view.ID = view.StreamID
	view.EntityType = contracts.EntityType(entity)
	return view, nil
}

// HasMenuViews reports whether any menu snapshot exists; bootstrap seeding
// uses it to stay a no-op after the first startup.
func (s *Store) HasMenuViews(ctx context.Context) (bool, error) {
	var exists bool
	if err := s.Pool.QueryRow(ctx, hasEntityViewSQL, string(contracts.EntityFoodMenu)).Scan(&exists); err != nil {
		return false, fmt.Errorf("check menu views: %w", err)
	}
	return exists, nil
}
