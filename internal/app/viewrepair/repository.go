package viewrepair

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Repository interface {
	LaggingStreams(ctx context.Context, limit int) ([]string, error)
}

type PostgresRepository struct {
	Pool *pgxpool.Pool
}

func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{Pool: pool}
}

// laggingStreamsSQL finds streams whose view is missing or behind the log.
// These are the victims of a crash between the durable append and its
// projection.
const laggingStreamsSQL = `
SELECT e.stream_id
FROM order_events e
LEFT JOIN order_views v ON v.stream_id = e.stream_id
GROUP BY e.stream_id, v.version
HAVING MAX(e.version) > COALESCE(v.version, 0)
ORDER BY e.stream_id
LIMIT $1`

func (r *PostgresRepository) LaggingStreams(ctx context.Context, limit int) ([]string, error) {
	rows, err := r.Pool.Query(ctx, laggingStreamsSQL, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	streams := make([]string, 0)
	for rows.Next() {
		var streamID string
		if err := rows.Scan(&streamID); err != nil {
			return nil, err
		}
		streams = append(streams, streamID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return streams, nil
}
