package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/cartridge/signal/internal/types"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		mode TEXT NOT NULL,
		scenario TEXT NOT NULL,
		state TEXT NOT NULL,
		status_message TEXT NOT NULL DEFAULT '',
		health_status TEXT NOT NULL DEFAULT 'healthy',
		episodes INTEGER NOT NULL,
		episodes_done INTEGER NOT NULL DEFAULT 0,
		current_step INTEGER NOT NULL DEFAULT 0,
		learn_steps INTEGER NOT NULL DEFAULT 0,
		epsilon REAL NOT NULL DEFAULT 0,
		loss REAL NOT NULL DEFAULT 0,
		best_avg_wait REAL NOT NULL DEFAULT 0,
		last_progress_at TIMESTAMP,
		started_at TIMESTAMP,
		ended_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS run_transitions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL REFERENCES runs(id),
		from_state TEXT NOT NULL,
		to_state TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS episodes (
		run_id TEXT NOT NULL REFERENCES runs(id),
		episode INTEGER NOT NULL,
		seed INTEGER NOT NULL,
		steps INTEGER NOT NULL,
		total_reward REAL NOT NULL,
		avg_wait REAL NOT NULL,
		peak_queue REAL NOT NULL,
		total_arrived INTEGER NOT NULL,
		epsilon REAL NOT NULL,
		emergency_max_wait REAL NOT NULL,
		preemptions INTEGER NOT NULL,
		delta_vs_baseline_pct REAL,
		partial INTEGER NOT NULL DEFAULT 0,
		note TEXT NOT NULL DEFAULT '',
		duration_ms INTEGER NOT NULL,
		created_at TIMESTAMP NOT NULL,
		PRIMARY KEY (run_id, episode)
	)`,
}

// SQLiteStore implements RunStore on a local SQLite file. It is meant for
// single-node runs that still want a durable registry.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path and applies the
// schema.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite serialises writers anyway; a single connection also keeps
	// ":memory:" databases coherent.
	db.SetMaxOpenConns(1)
	s := &SQLiteStore{db: db}
	for _, stmt := range append([]string{"PRAGMA foreign_keys = ON"}, sqliteSchema...) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return s, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) CreateRun(ctx context.Context, run types.Run) error {
	query := `
		INSERT INTO runs (id, mode, scenario, state, status_message, health_status,
						 episodes, episodes_done, current_step, learn_steps, epsilon,
						 loss, best_avg_wait, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		run.ID, string(run.Mode), run.Scenario, string(run.State), run.StatusMessage, string(run.HealthStatus),
		run.Episodes, run.EpisodesDone, run.CurrentStep, run.LearnSteps, run.Epsilon,
		run.Loss, run.BestAvgWait, run.CreatedAt, run.UpdatedAt)
	if err != nil {
		if isSQLiteConstraint(err, "UNIQUE") {
			return ErrConflict
		}
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (types.Run, error) {
	query := `
		SELECT id, mode, scenario, state, status_message, health_status, episodes,
			   episodes_done, current_step, learn_steps, epsilon, loss, best_avg_wait,
			   last_progress_at, started_at, ended_at, created_at, updated_at
		FROM runs WHERE id = ?`
	var run types.Run
	err := s.db.QueryRowContext(ctx, query, id).Scan(
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

func (s *SQLiteStore) UpdateRun(ctx context.Context, run types.Run) error {
	query := `
		UPDATE runs SET
			state = ?, status_message = ?, health_status = ?, episodes_done = ?,
			current_step = ?, learn_steps = ?, epsilon = ?, loss = ?,
			best_avg_wait = ?, last_progress_at = ?, started_at = ?,
			ended_at = ?, updated_at = ?
		WHERE id = ?`
	result, err := s.db.ExecContext(ctx, query,
		string(run.State), run.StatusMessage, string(run.HealthStatus), run.EpisodesDone,
		run.CurrentStep, run.LearnSteps, run.Epsilon, run.Loss,
		run.BestAvgWait, run.LastProgressAt, run.StartedAt,
		run.EndedAt, run.UpdatedAt, run.ID)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) AppendTransition(ctx context.Context, t RunTransition) error {
	query := `
		INSERT INTO run_transitions (run_id, from_state, to_state, reason, created_at)
		VALUES (?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, query, t.RunID, string(t.FromState), string(t.ToState), t.Reason, t.CreatedAt); err != nil {
		return fmt.Errorf("failed to append transition: %w", err)
	}
	return nil
}

func (s *SQLiteStore) AppendEpisode(ctx context.Context, r types.EpisodeRecord) error {
	query := `
		INSERT INTO episodes (run_id, episode, seed, steps, total_reward, avg_wait,
							  peak_queue, total_arrived, epsilon, emergency_max_wait,
							  preemptions, delta_vs_baseline_pct, partial, note,
							  duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id, episode) DO UPDATE SET
			seed = excluded.seed, steps = excluded.steps, total_reward = excluded.total_reward,
			avg_wait = excluded.avg_wait, peak_queue = excluded.peak_queue,
			total_arrived = excluded.total_arrived, epsilon = excluded.epsilon,
			emergency_max_wait = excluded.emergency_max_wait, preemptions = excluded.preemptions,
			delta_vs_baseline_pct = excluded.delta_vs_baseline_pct, partial = excluded.partial,
			note = excluded.note, duration_ms = excluded.duration_ms, created_at = excluded.created_at
		WHERE episodes.partial = 1`
	result, err := s.db.ExecContext(ctx, query,
		r.RunID, r.Episode, r.Seed, r.Steps, r.TotalReward, r.AvgWait,
		r.PeakQueue, r.TotalArrived, r.Epsilon, r.EmergencyMaxWait,
		r.Preemptions, r.DeltaVsBaseline, r.Partial, r.Note,
		r.DurationMillis, r.CreatedAt)
	if err != nil {
		if isSQLiteConstraint(err, "FOREIGN KEY") {
			return ErrNotFound
		}
		return fmt.Errorf("failed to append episode: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

func (s *SQLiteStore) ListEpisodes(ctx context.Context, runID string) ([]types.EpisodeRecord, error) {
	if _, err := s.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	query := `
		SELECT run_id, episode, seed, steps, total_reward, avg_wait, peak_queue,
			   total_arrived, epsilon, emergency_max_wait, preemptions,
			   delta_vs_baseline_pct, partial, note, duration_ms, created_at
		FROM episodes WHERE run_id = ? ORDER BY episode`
	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list episodes: %w", err)
	}
	defer rows.Close()

	out := []types.EpisodeRecord{}
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

// The pure-Go driver reports constraint failures only through the message.
func isSQLiteConstraint(err error, kind string) bool {
	msg := err.Error()
	return strings.Contains(msg, "constraint failed") && strings.Contains(msg, kind)
}
