// Package store persists reconciled verdicts in PostgreSQL so operators
// can query detection history after the batch that produced it is gone.
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"

	"cloudsentry/pkg/verdict"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// StoredVerdict is one persisted verdict row.
type StoredVerdict struct {
	ID        int64           `json:"id"`
	RunID     string          `json:"run_id"`
	Verdict   verdict.Verdict `json:"verdict"`
	CreatedAt time.Time       `json:"created_at"`
}

// Store wraps the verdict table.
type Store struct {
	db *sql.DB
}

// Open connects to PostgreSQL and applies pending schema migrations.
func Open(databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func migrateUp(db *sql.DB) error {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("open embedded migrations: %w", err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{MigrationsTable: "schema_migrations"})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// InsertBatch persists all verdicts of one detect run in a single
// transaction.
func (s *Store) InsertBatch(ctx context.Context, runID string, verdicts []verdict.Verdict) error {
	if len(verdicts) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO verdicts
			(run_id, event_id, severity, anomaly_score, predicted_class,
			 confidence, anomaly_flagged, class_flagged, rationale,
			 actor, country, city)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, v := range verdicts {
		if _, err := stmt.ExecContext(ctx,
			runID, v.EventID, v.Severity, v.AnomalyScore, v.PredictedClass,
			v.Confidence, v.AnomalyFlagged, v.ClassFlagged, v.Rationale,
			v.Actor, v.Country, v.City,
		); err != nil {
			return fmt.Errorf("insert verdict %s: %w", v.EventID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit verdicts: %w", err)
	}
	return nil
}

// Recent returns the newest verdicts, optionally filtered by severity
// ("" means all). Limit is capped at 1000.
func (s *Store) Recent(ctx context.Context, severity string, limit int) ([]StoredVerdict, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query := `
		SELECT id, run_id, event_id, severity, anomaly_score, predicted_class,
		       confidence, anomaly_flagged, class_flagged, rationale,
		       actor, country, city, created_at
		FROM verdicts`
	args := []any{}
	if severity != "" {
		query += ` WHERE severity = $1 ORDER BY created_at DESC LIMIT $2`
		args = append(args, severity, limit)
	} else {
		query += ` ORDER BY created_at DESC LIMIT $1`
		args = append(args, limit)
	}
	return s.queryVerdicts(ctx, query, args...)
}

// ActorHistory returns the newest verdicts attributed to one actor.
func (s *Store) ActorHistory(ctx context.Context, actor string, limit int) ([]StoredVerdict, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	return s.queryVerdicts(ctx, `
		SELECT id, run_id, event_id, severity, anomaly_score, predicted_class,
		       confidence, anomaly_flagged, class_flagged, rationale,
		       actor, country, city, created_at
		FROM verdicts
		WHERE actor = $1
		ORDER BY created_at DESC
		LIMIT $2`, actor, limit)
}

// SeverityCounts returns verdict counts per severity since a cutoff.
func (s *Store) SeverityCounts(ctx context.Context, since time.Time) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT severity, COUNT(*)
		FROM verdicts
		WHERE created_at >= $1
		GROUP BY severity`, since)
	if err != nil {
		return nil, fmt.Errorf("query severity counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var severity string
		var n int
		if err := rows.Scan(&severity, &n); err != nil {
			return nil, fmt.Errorf("scan severity count: %w", err)
		}
		counts[severity] = n
	}
	return counts, rows.Err()
}

func (s *Store) queryVerdicts(ctx context.Context, query string, args ...any) ([]StoredVerdict, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query verdicts: %w", err)
	}
	defer rows.Close()

	var out []StoredVerdict
	for rows.Next() {
		var sv StoredVerdict
		v := &sv.Verdict
		if err := rows.Scan(
			&sv.ID, &sv.RunID, &v.EventID, &v.Severity, &v.AnomalyScore,
			&v.PredictedClass, &v.Confidence, &v.AnomalyFlagged, &v.ClassFlagged,
			&v.Rationale, &v.Actor, &v.Country, &v.City, &sv.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan verdict: %w", err)
		}
		out = append(out, sv)
	}
	return out, rows.Err()
}
