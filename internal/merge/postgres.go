// Package merge persists assembled event batches into Postgres, folding every
// event of one event body into a single entity row.
package merge

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/austindbirch/harbor_ingest/internal/event"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	lockQuery = `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`

	upsertQuery = `
		INSERT INTO ingestion.entities (project_id, entity_type, id, payload, event_count, last_event_type)
		VALUES ($1, $2, $3, $4::jsonb, $5, $6)
		ON CONFLICT (project_id, entity_type, id) DO UPDATE
		SET payload = ingestion.entities.payload || EXCLUDED.payload,
		    event_count = ingestion.entities.event_count + EXCLUDED.event_count,
		    last_event_type = EXCLUDED.last_event_type,
		    updated_at = now()`
)

// PostgresMerger merges batches under a per-entity advisory lock, so duplicate
// or concurrent deliveries of the same event body serialize.
type PostgresMerger struct {
	db *sql.DB
}

func NewPostgresMerger(db *sql.DB) *PostgresMerger {
	return &PostgresMerger{db: db}
}

// Migrate applies the embedded schema migrations.
func Migrate(db *sql.DB) error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	dbDriver, err := migratepgx.WithInstance(db, &migratepgx.Config{})
	if err != nil {
		return fmt.Errorf("create migration db driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "pgx", dbDriver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// Merge folds the batch into the entity row keyed by (project, entity type,
// event body id) in one transaction.
func (m *PostgresMerger) Merge(ctx context.Context, entityType, projectID, eventBodyID string, events []event.Event) error {
	if len(events) == 0 {
		return nil
	}

	payload, err := foldBodies(events)
	if err != nil {
		return err
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin merge tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.ExecContext(ctx, lockQuery, lockKey(projectID, entityType, eventBodyID)); err != nil {
		return fmt.Errorf("lock entity: %w", err)
	}

	last := events[len(events)-1].Type
	if _, err := tx.ExecContext(ctx, upsertQuery,
		projectID, entityType, eventBodyID, string(payload), len(events), last,
	); err != nil {
		return fmt.Errorf("upsert entity: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit merge tx: %w", err)
	}
	return nil
}

func lockKey(projectID, entityType, eventBodyID string) string {
	return projectID + "/" + entityType + "/" + eventBodyID
}

// foldBodies merges event bodies in batch order; later events overwrite
// top-level keys of earlier ones.
func foldBodies(events []event.Event) ([]byte, error) {
	merged := make(map[string]json.RawMessage)
	for i, ev := range events {
		if len(ev.Body) == 0 {
			continue
		}
		var body map[string]json.RawMessage
		if err := json.Unmarshal(ev.Body, &body); err != nil {
			return nil, fmt.Errorf("event %d (%s) body: %w", i, ev.ID, err)
		}
		for k, v := range body {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}
