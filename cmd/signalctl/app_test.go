package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cartridge/signal/internal/config"
	"github.com/cartridge/signal/internal/trainer"
	"github.com/cartridge/signal/internal/types"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	c := config.Default()
	c.Sim.Synthetic.DemandSeconds = 120
	c.Env.EpisodeDuration = 120
	c.Agent.Hidden = []int{8}
	c.Agent.BatchSize = 4
	c.Agent.MinBuffer = 8
	c.Agent.BufferSize = 200
	c.Agent.TargetSync = 5
	c.Agent.Seed = 1
	c.Training.Episodes = 2
	c.Training.EvalSeeds = 2
	c.Training.CheckpointDir = dir
	c.Training.Checkpoint = filepath.Join(dir, "best.ckpt")
	c.Storage.Driver = config.StorageSQLite
	c.Storage.DSN = filepath.Join(dir, "runs.db")
	require.NoError(t, c.Validate())
	return c
}

func TestTrainThenEvaluate(t *testing.T) {
	ctx := context.Background()
	c := testConfig(t)

	a, err := newApp(ctx, c, zerolog.Nop())
	require.NoError(t, err)
	defer a.Close()

	var summary trainer.Summary
	require.NoError(t, a.execute(ctx, func(ctx context.Context) error {
		var err error
		summary, err = a.trainer.Train(ctx)
		return err
	}))
	require.Len(t, summary.Episodes, 2)
	assert.FileExists(t, summary.BestPath)
	assert.FileExists(t, summary.FinalPath)

	episodes, err := a.store.ListEpisodes(ctx, summary.RunID)
	require.NoError(t, err)
	assert.Len(t, episodes, 2)

	var eval trainer.EvalSummary
	require.NoError(t, a.execute(ctx, func(ctx context.Context) error {
		var err error
		eval, err = a.trainer.Evaluate(ctx)
		return err
	}))
	assert.Equal(t, types.RunModeEval, eval.Mode)
	assert.Len(t, eval.Episodes, 2)

	run, ok := a.trainer.Status()
	require.True(t, ok)
	assert.Equal(t, types.RunStateCompleted, run.State)
}

func TestEvaluateWithoutCheckpointFails(t *testing.T) {
	ctx := context.Background()
	c := testConfig(t)
	c.Training.Checkpoint = filepath.Join(t.TempDir(), "missing.ckpt")

	a, err := newApp(ctx, c, zerolog.Nop())
	require.NoError(t, err)
	defer a.Close()

	err = a.execute(ctx, func(ctx context.Context) error {
		_, err := a.trainer.Evaluate(ctx)
		return err
	})
	require.Error(t, err)
	assert.False(t, interrupted(err))
}

func TestNewAppRejectsUnreachableStore(t *testing.T) {
	c := testConfig(t)
	c.Storage.DSN = filepath.Join(t.TempDir(), "no", "such", "dir", "runs.db")
	_, err := newApp(context.Background(), c, zerolog.Nop())
	assert.Error(t, err)
}

func TestExecuteStopsOnCancel(t *testing.T) {
	c := testConfig(t)
	c.HTTP.Addr = "127.0.0.1:0"
	a, err := newApp(context.Background(), c, zerolog.Nop())
	require.NoError(t, err)
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = a.execute(ctx, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	assert.True(t, interrupted(err))
}

func TestPrintSummary(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printSummary(&buf, trainer.Summary{RunID: "r1", BestAvgWait: 12.5}))
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &out))
	assert.Equal(t, "r1", out["run_id"])

	buf.Reset()
	require.NoError(t, printSummary(&buf, nil))
	assert.Zero(t, buf.Len())
}

func TestLoadConfigFromDotEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("SIGNAL_TRAINING_EPISODES=7\n"), 0o600))
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() {
		_ = os.Chdir(wd)
		os.Unsetenv("SIGNAL_TRAINING_EPISODES")
	})

	require.NoError(t, loadConfig(trainCmd, nil))
	assert.Equal(t, 7, cfg.Training.Episodes)
}
