package service

import (
	"context"
	"testing"
	"time"

	"github.com/atinyakov/bicicletario/internal/backup"
	"github.com/atinyakov/bicicletario/internal/jobs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestJobJanitor(t *testing.T) {
	clk := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tracker := jobs.NewTracker(jobs.WithClock(func() time.Time { return clk }))
	done := tracker.Create("import_clients", 1, nil)
	require.NoError(t, tracker.Complete(done, nil, "ok"))
	stuck := tracker.Create("import_registros", 1, nil)
	require.NoError(t, tracker.Start(stuck, ""))
	clk = clk.Add(48 * time.Hour)

	core, logs := observer.New(zapcore.InfoLevel)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- JobJanitor(ctx, tracker, 5*time.Millisecond, 24*time.Hour, time.Hour, zap.New(core)) }()

	require.Eventually(t, func() bool {
		_, ok := tracker.Get(done)
		return !ok
	}, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-errCh)

	j, ok := tracker.Get(stuck)
	if ok {
		assert.Equal(t, jobs.StatusFailed, j.Status)
	}
	assert.NotZero(t, logs.FilterMessage("failed stale jobs").Len())
}

func TestAutoBackup(t *testing.T) {
	env := newEnv(t, false)
	engine, err := backup.NewEngine(t.TempDir(), env.store, env.files, zap.NewNop())
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, engine.SaveSettings(ctx, backup.Settings{Enabled: true, Interval: backup.IntervalDaily, MaxBackups: 3}))

	loopCtx, cancel := context.WithCancel(ctx)
	errCh := make(chan error, 1)
	go func() { errCh <- AutoBackup(loopCtx, engine, 5*time.Millisecond, zap.NewNop()) }()

	require.Eventually(t, func() bool {
		list, err := engine.ListBackups(ctx)
		return err == nil && len(list) == 1
	}, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-errCh)

	list, err := engine.ListBackups(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1, "the interval has not elapsed again")
}
