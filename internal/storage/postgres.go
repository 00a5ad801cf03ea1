package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/cartridge/signal/internal/types"
)

// schema is applied by EnsureSchema. Statements are idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		mode TEXT NOT NULL,
		scenario TEXT NOT NULL,
		state TEXT NOT NULL,
		status_message TEXT NOT NULL DEFAULT '',
		health_status TEXT NOT NULL DEFAULT 'healthy',
		episodes INTEGER NOT NULL,
		episodes_done INTEGER NOT NULL DEFAULT 0,
		current_step BIGINT NOT NULL DEFAULT 0,
		learn_steps BIGINT NOT NULL DEFAULT 0,
		epsilon DOUBLE PRECISION NOT NULL DEFAULT 0,
		loss DOUBLE PRECISION NOT NULL DEFAULT 0,
		best_avg_wait DOUBLE PRECISION NOT NULL DEFAULT 0,
		last_progress_at TIMESTAMPTZ,
		started_at TIMESTAMPTZ,
		ended_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS run_transitions (
		id BIGSERIAL PRIMARY KEY,
		run_id TEXT NOT NULL REFERENCES runs(id),
		from_state TEXT NOT NULL,
		to_state TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS episodes (
		run_id TEXT NOT NULL REFERENCES runs(id),
		episode INTEGER NOT NULL,
		seed BIGINT NOT NULL,
		steps INTEGER NOT NULL,
		total_reward DOUBLE PRECISION NOT NULL,
		avg_wait DOUBLE PRECISION NOT NULL,
		peak_queue DOUBLE PRECISION NOT NULL,
		total_arrived INTEGER NOT NULL,
		epsilon DOUBLE PRECISION NOT NULL,
		emergency_max_wait DOUBLE PRECISION NOT NULL,
		preemptions INTEGER NOT NULL,
		delta_vs_baseline_pct DOUBLE PRECISION,
		partial BOOLEAN NOT NULL DEFAULT FALSE,
		note TEXT NOT NULL DEFAULT '',
		duration_ms BIGINT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (run_id, episode)
	)`,
}

// PostgresStore implements RunStore backed by PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// OpenPostgres opens and pings a database using the lib/pq driver.
func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// EnsureSchema creates the tables the store writes to.
func (p *PostgresStore) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

func (p *PostgresStore) CreateRun(ctx context.Context, run types.Run) error {
	query := `
		INSERT INTO runs (id, mode, scenario, state, status_message, health_status,
						 episodes, episodes_done, current_step, learn_steps, epsilon,
						 loss, best_avg_wait, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`

	_, err := p.db.ExecContext(ctx, query,
		run.ID, run.Mode, run.Scenario, run.State, run.StatusMessage, run.HealthStatus,
		run.Episodes, run.EpisodesDone, run.CurrentStep, run.LearnSteps, run.Epsilon,
		run.Loss, run.BestAvgWait, run.CreatedAt, run.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetRun(ctx context.Context, id string) (types.Run, error) {
	query := `
		SELECT id, mode, scenario, state, status_message, health_status, episodes,
			   episodes_done, current_step, learn_steps, epsilon, loss, best_avg_wait,
			   last_progress_at, started_at, ended_at, created_at, updated_at
		FROM runs WHERE id = $1`

	var run types.Run
	err := p.db.QueryRowContext(ctx, query, id).Scan(
		&run.ID, &run.Mode, &run.Scenario, &run.State, &run.StatusMessage, &run.HealthStatus,
		&run.Episodes, &run.EpisodesDone, &run.CurrentStep, &run.LearnSteps, &run.Epsilon,
		&run.Loss, &run.BestAvgWait, &run.LastProgressAt, &run.StartedAt, &run.EndedAt,
		&run.CreatedAt, &run.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Run{}, ErrNotFound
	}
	if err != nil {
		return types.Run{}, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

func (p *PostgresStore) UpdateRun(ctx context.Context, run types.Run) error {
	query := `
		UPDATE runs SET
			state = $2, status_message = $3, health_status = $4, episodes_done = $5,
			current_step = $6, learn_steps = $7, epsilon = $8, loss = $9,
			best_avg_wait = $10, last_progress_at = $11, started_at = $12,
			ended_at = $13, updated_at = $14
		WHERE id = $1`

	result, err := p.db.ExecContext(ctx, query,
		run.ID, run.State, run.StatusMessage, run.HealthStatus, run.EpisodesDone,
		run.CurrentStep, run.LearnSteps, run.Epsilon, run.Loss,
		run.BestAvgWait, run.LastProgressAt, run.StartedAt,
		run.EndedAt, run.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) AppendTransition(ctx context.Context, t RunTransition) error {
	query := `
		INSERT INTO run_transitions (run_id, from_state, to_state, reason, created_at)
		VALUES ($1, $2, $3, $4, $5)`
	if _, err := p.db.ExecContext(ctx, query, t.RunID, t.FromState, t.ToState, t.Reason, t.CreatedAt); err != nil {
		return fmt.Errorf("failed to append transition: %w", err)
	}
	return nil
}

// AppendEpisode inserts an episode summary. A partial record for the same
// episode is replaced.
func (p *PostgresStore) AppendEpisode(ctx context.Context, r types.EpisodeRecord) error {
	query := `
		INSERT INTO episodes (run_id, episode, seed, steps, total_reward, avg_wait,
							  peak_queue, total_arrived, epsilon, emergency_max_wait,
							  preemptions, delta_vs_baseline_pct, partial, note,
							  duration_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (run_id, episode) DO UPDATE SET
			seed = EXCLUDED.seed, steps = EXCLUDED.steps, total_reward = EXCLUDED.total_reward,
			avg_wait = EXCLUDED.avg_wait, peak_queue = EXCLUDED.peak_queue,
			total_arrived = EXCLUDED.total_arrived, epsilon = EXCLUDED.epsilon,
			emergency_max_wait = EXCLUDED.emergency_max_wait, preemptions = EXCLUDED.preemptions,
			delta_vs_baseline_pct = EXCLUDED.delta_vs_baseline_pct, partial = EXCLUDED.partial,
			note = EXCLUDED.note, duration_ms = EXCLUDED.duration_ms, created_at = EXCLUDED.created_at
		WHERE episodes.partial`

	result, err := p.db.ExecContext(ctx, query,
		r.RunID, r.Episode, r.Seed, r.Steps, r.TotalReward, r.AvgWait,
		r.PeakQueue, r.TotalArrived, r.Epsilon, r.EmergencyMaxWait,
		r.Preemptions, r.DeltaVsBaseline, r.Partial, r.Note,
		r.DurationMillis, r.CreatedAt)
	if err != nil {
		if isForeignKeyViolation(err) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to append episode: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrConflict
	}
	return nil
}

func (p *PostgresStore) ListEpisodes(ctx context.Context, runID string) ([]types.EpisodeRecord, error) {
	if _, err := p.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	query := `
		SELECT run_id, episode, seed, steps, total_reward, avg_wait, peak_queue,
			   total_arrived, epsilon, emergency_max_wait, preemptions,
			   delta_vs_baseline_pct, partial, note, duration_ms, created_at
		FROM episodes WHERE run_id = $1 ORDER BY episode`
	rows, err := p.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list episodes: %w", err)
	}
	defer rows.Close()

	var out []types.EpisodeRecord
	for rows.Next() {
		var r types.EpisodeRecord
		if err := rows.Scan(&r.RunID, &r.Episode, &r.Seed, &r.Steps, &r.TotalReward,
			&r.AvgWait, &r.PeakQueue, &r.TotalArrived, &r.Epsilon, &r.EmergencyMaxWait,
			&r.Preemptions, &r.DeltaVsBaseline, &r.Partial, &r.Note, &r.DurationMillis,
			&r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan episode: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list episodes: %w", err)
	}
	return out, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func isForeignKeyViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23503"
}
