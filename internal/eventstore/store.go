// Package eventstore persists the append-only event log. One table holds
// every stream; rows sharing a stream_id form that stream's history and are
// colocated behind a stream_id index so a version-checked append stays a
// single-partition operation.
package eventstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nuid"

	"github.com/goodfood/drivethru/internal/contracts"
	"github.com/goodfood/drivethru/internal/platform/metrics"
)

var ErrStreamIDRequired = errors.New("stream id is required")

var appendedTotal = metrics.NewCounterVec(metrics.Opts{
	Name: "goodfood_events_appended_total",
	Help: "Events appended to the log, by entity type.",
}, []string{"entity_type"})

func init() {
	metrics.Default.MustRegister(appendedTotal)
}

// appendAttempts bounds the retry loop for racing appends to one stream.
const appendAttempts = 5

const createEventsTableSQL = `
CREATE TABLE IF NOT EXISTS order_events (
  event_id text PRIMARY KEY,
  stream_id text NOT NULL,
  version bigint NOT NULL,
  entity_type text NOT NULL,
  event_type text NOT NULL,
  data jsonb,
  recorded_at timestamptz NOT NULL,
  UNIQUE (stream_id, version)
)`

const createEventsStreamIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_order_events_stream
ON order_events (stream_id, version)`

// The version is computed inside the insert so two racing appends to the
// same stream collide on UNIQUE (stream_id, version) instead of both
// claiming the same slot. The loser retries and gets the next version.
const appendEventSQL = `
INSERT INTO order_events (event_id, stream_id, version, entity_type, event_type, data, recorded_at)
SELECT $1, $2, COALESCE(MAX(version), 0) + 1, $3, $4, $5, $6
FROM order_events
WHERE stream_id = $2
RETURNING version`

const loadStreamSQL = `
SELECT event_id, stream_id, version, entity_type, event_type, data, recorded_at
FROM order_events
WHERE stream_id = $1
ORDER BY version ASC`

type Store struct {
	Pool  *pgxpool.Pool
	NewID func() string
	Now   func() time.Time
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{
		Pool:  pool,
		NewID: nuid.Next,
		Now:   func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.Pool.Exec(ctx, createEventsTableSQL); err != nil {
		return err
	}
	_, err := s.Pool.Exec(ctx, createEventsStreamIndexSQL)
	return err
}

// Append writes one event to the stream's history, assigning a fresh event
// id, a UTC timestamp and the next strictly-increasing version. The write
// either fully commits or is absent; there is no partially visible state.
func (s *Store) Append(ctx context.Context, streamID string, entity contracts.EntityType, kind contracts.EventType, payload any) (contracts.Event, error) {
	if strings.TrimSpace(streamID) == "" {
		return contracts.Event{}, ErrStreamIDRequired
	}

	var data json.RawMessage
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return contracts.Event{}, fmt.Errorf("encode event payload: %w", err)
		}
		data = encoded
	}

	evt := contracts.Event{
		ID:         s.NewID(),
		StreamID:   streamID,
		EntityType: entity,
		EventType:  kind,
		Data:       data,
		Timestamp:  s.Now(),
	}

	var lastErr error
	for attempt := 0; attempt < appendAttempts; attempt++ {
		err := s.Pool.QueryRow(ctx, appendEventSQL,
			evt.ID,
			evt.StreamID,
			string(evt.EntityType),
			string(evt.EventType),
			data,
			evt.Timestamp,
		).Scan(&evt.Version)
		if err == nil {
			appendedTotal.WithLabelValues(string(evt.EntityType)).Inc()
			return evt, nil
		}
		if !isUniqueViolation(err) {
			return contracts.Event{}, fmt.Errorf("append event to stream %q: %w", streamID, err)
		}
		lastErr = err
	}
	return contracts.Event{}, fmt.Errorf("append event to stream %q: version contention: %w", streamID, lastErr)
}

// LoadStream returns the stream's full history ascending by version. Meant
// for audit and view rebuilds, not the hot command path.
func (s *Store) LoadStream(ctx context.Context, streamID string) ([]contracts.Event, error) {
	if strings.TrimSpace(streamID) == "" {
		return nil, ErrStreamIDRequired
	}

	rows, err := s.Pool.Query(ctx, loadStreamSQL, streamID)
	if err != nil {
		return nil, fmt.Errorf("load stream %q: %w", streamID, err)
	}
	defer rows.Close()

	var events []contracts.Event
	for rows.Next() {
		var evt contracts.Event
		var entity, kind string
		if err := rows.Scan(&evt.ID, &evt.StreamID, &evt.Version, &entity, &kind, &evt.Data, &evt.Timestamp); err != nil {
			return nil, err
		}
		evt.EntityType = contracts.EntityType(entity)
		evt.EventType = contracts.EventType(kind)
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
