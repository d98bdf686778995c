package persist

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fleetsignal/drivestream/event"
)

// PostgresStore durably appends events to a Postgres table, an alternative
// to FileStore for deployments that already run Postgres for other
// services. Adapted from connect/pgx/pgx.go's Connect/DSN helpers: this
// repo has no rig Endpoint/Wiring concept, so Connect takes a plain DSN
// string instead.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// ConnectPostgres opens a connection pool to dsn (a standard Postgres
// connection string) and ensures the events table exists.
func ConnectPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("persist: connecting to postgres: %w", err)
	}
	store := &PostgresStore{pool: pool}
	if err := store.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS stream_events (
			seq             BIGSERIAL PRIMARY KEY,
			event_id        TEXT NOT NULL UNIQUE,
			source_id       TEXT NOT NULL,
			application_id  TEXT NOT NULL,
			event_type      TEXT NOT NULL DEFAULT '',
			occurred_at     TIMESTAMPTZ NOT NULL,
			recorded_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
			aggregator_ids  TEXT NOT NULL DEFAULT '',
			extra_headers   TEXT NOT NULL DEFAULT '',
			body            BYTEA
		)
	`)
	if err != nil {
		return fmt.Errorf("persist: creating stream_events table: %w", err)
	}
	return nil
}

// Append writes events to stream_events, implementing stream.PersistHook.
// event_id is unique, so a replayed batch (e.g. after a relay retry) is
// silently deduplicated rather than erroring.
func (s *PostgresStore) Append(events []event.Event) error {
	ctx := context.Background()
	for _, e := range events {
		var extraHeaders string
		if len(e.ExtraHeaders) > 0 {
			raw, err := json.Marshal(e.ExtraHeaders)
			if err != nil {
				return fmt.Errorf("persist: encoding extra headers for event %s: %w", e.EventID, err)
			}
			extraHeaders = string(raw)
		}

		_, err := s.pool.Exec(ctx, `
			INSERT INTO stream_events
				(event_id, source_id, application_id, event_type, occurred_at, aggregator_ids, extra_headers, body)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (event_id) DO NOTHING
		`, e.EventID, e.SourceID, e.ApplicationID, e.EventType, e.Timestamp,
			strings.Join(e.AggregatorIDs, ","), extraHeaders, e.Body)
		if err != nil {
			return fmt.Errorf("persist: inserting event %s: %w", e.EventID, err)
		}
	}
	return nil
}

// Preload reads back every row in stream_events in insertion order
// (`seq`), the Postgres-backed equivalent of Preload(path) for FileStore:
// it lets a restarted streamnode repopulate its stream.Node ring from the
// table instead of a flat file when --persist-backend=postgres is set.
func (s *PostgresStore) Preload(ctx context.Context) ([]event.Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT event_id, source_id, application_id, event_type, occurred_at, aggregator_ids, extra_headers, body
		FROM stream_events
		ORDER BY seq
	`)
	if err != nil {
		return nil, fmt.Errorf("persist: querying stream_events for preload: %w", err)
	}
	defer rows.Close()

	var events []event.Event
	for rows.Next() {
		var (
			e              event.Event
			aggregatorIDs  string
			extraHeadersJS string
		)
		if err := rows.Scan(&e.EventID, &e.SourceID, &e.ApplicationID, &e.EventType, &e.Timestamp,
			&aggregatorIDs, &extraHeadersJS, &e.Body); err != nil {
			return nil, fmt.Errorf("persist: scanning preloaded event: %w", err)
		}
		if aggregatorIDs != "" {
			e.AggregatorIDs = strings.Split(aggregatorIDs, ",")
		}
		if extraHeadersJS != "" {
			if err := json.Unmarshal([]byte(extraHeadersJS), &e.ExtraHeaders); err != nil {
				return nil, fmt.Errorf("persist: decoding extra headers for event %s: %w", e.EventID, err)
			}
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("persist: reading stream_events rows: %w", err)
	}
	return events, nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}
