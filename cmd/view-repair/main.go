package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"

	"github.com/goodfood/drivethru/internal/app/viewrepair"
	"github.com/goodfood/drivethru/internal/eventstore"
	"github.com/goodfood/drivethru/internal/platform/dbpool"
	"github.com/goodfood/drivethru/internal/platform/env"
	"github.com/goodfood/drivethru/internal/platform/metrics"
	"github.com/goodfood/drivethru/internal/platform/natsutil"
	"github.com/goodfood/drivethru/internal/projection"
	"github.com/goodfood/drivethru/internal/viewstore"
)

func main() {
	ctx := context.Background()

	natsURL := env.String("NATS_URL", env.DefaultNATSURL)
	pgURL := env.String("DATABASE_URL", env.DefaultDatabaseURL)
	metricsAddr := env.String("VIEW_REPAIR_METRICS_ADDR", ":8082")
	sweepInterval := env.Duration("SWEEP_INTERVAL", 30*time.Second)

	pool, err := dbpool.New(ctx, pgURL)
	if err != nil {
		log.Fatal(err)
	}
	defer pool.Close()

	events := eventstore.New(pool)
	views := viewstore.New(pool)
	if err := waitForPostgres(ctx, pool, events, views, 30*time.Second); err != nil {
		log.Fatal(err)
	}

	projector := projection.New(views, events)
	service := viewrepair.NewService(projector, viewrepair.NewPostgresRepository(pool))

	client, err := natsutil.ConnectJetStreamWithRetry(natsURL, 20*time.Second)
	if err != nil {
		log.Fatal(err)
	}
	defer client.Close()

	sub, err := client.JS.QueueSubscribe("order.event.>", "view-repair", func(msg *nats.Msg) {
		handleCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if err := service.Handle(handleCtx, msg.Data); err != nil {
			if errors.Is(err, viewrepair.ErrInvalidEventPayload) {
				log.Printf("discarding invalid event payload: %v", err)
				_ = msg.Term()
				return
			}
			log.Printf("view repair failed: %v", err)
			_ = msg.Nak()
			return
		}

		_ = msg.Ack()
	}, nats.ManualAck())
	if err != nil {
		log.Fatal(err)
	}

	log.Println("View Repair listening on subject:", sub.Subject)

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.DefaultHandler())
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			log.Printf("metrics listener: %v", err)
		}
	}()

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for range ticker.C {
		sweepCtx, cancel := context.WithTimeout(ctx, sweepInterval)
		repaired, err := service.Sweep(sweepCtx)
		cancel()
		if err != nil {
			log.Printf("sweep failed: %v", err)
			continue
		}
		if repaired > 0 {
			log.Printf("sweep repaired %d streams", repaired)
		}
	}
}

func waitForPostgres(
	ctx context.Context,
	pool *pgxpool.Pool,
	events *eventstore.Store,
	views *viewstore.Store,
	timeout time.Duration,
) error {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		attemptCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		lastErr = pool.Ping(attemptCtx)
		if lastErr == nil {
			lastErr = events.EnsureSchema(attemptCtx)
		}
		if lastErr == nil {
			lastErr = views.EnsureSchema(attemptCtx)
		}
		cancel()

		if lastErr == nil {
			return nil
		}
		log.Printf("waiting for postgres readiness: %v", lastErr)
		time.Sleep(500 * time.Millisecond)
	}
	return lastErr
}
