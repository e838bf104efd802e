package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meetup-server/models"
)

func TestAddStepsAccumulates(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	snapshot, err := env.steps.AddSteps(ctx, 1000)
	require.NoError(t, err)
	assert.Equal(t, 1000, snapshot.Today)
	assert.Equal(t, 1000, snapshot.Week)
	assert.Equal(t, 1000, snapshot.Month)
	assert.InDelta(t, 1000*models.KmPerStep, snapshot.TotalDistance, 1e-9)
	assert.InDelta(t, 10.0, snapshot.GoalProgress, 1e-9)
	assert.Equal(t, 40, snapshot.Calories)

	snapshot, err = env.steps.AddSteps(ctx, 500)
	require.NoError(t, err)
	assert.Equal(t, 1500, snapshot.Today)
}

func TestAddStepsRejectsNonPositive(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.steps.AddSteps(ctx, 0)
	assert.Error(t, err)
	_, err = env.steps.AddSteps(ctx, -10)
	assert.Error(t, err)
}

func TestDayRolloverMovesTodayIntoHistory(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	firstDay := dayKey(env.clock.Now())
	_, err := env.steps.AddSteps(ctx, 4000)
	require.NoError(t, err)

	env.clock.Advance(24 * time.Hour)

	snapshot, err := env.steps.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, snapshot.Today)
	assert.Equal(t, 4000, snapshot.StepHistory[firstDay])
	// yesterday still counts toward the rolling sums
	assert.Equal(t, 4000, snapshot.Week)
	assert.Equal(t, 4000, snapshot.Month)

	// a second read on the same day must not double-roll
	again, err := env.steps.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, snapshot.StepHistory, again.StepHistory)
	assert.Equal(t, snapshot.Week, again.Week)
}

func TestRollingSumsDropOldDays(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// 1000 steps a day for ten days
	for i := 0; i < 10; i++ {
		_, err := env.steps.AddSteps(ctx, 1000)
		require.NoError(t, err)
		env.clock.Advance(24 * time.Hour)
	}

	snapshot, err := env.steps.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, snapshot.Today)
	// week window covers the 6 closed days before today
	assert.Equal(t, 6000, snapshot.Week)
	assert.Equal(t, 10000, snapshot.Month)
}

func TestSetGoalClampsToRange(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	snapshot, err := env.steps.SetGoal(ctx, 500)
	require.NoError(t, err)
	assert.Equal(t, models.MinStepGoal, snapshot.Goal)

	snapshot, err = env.steps.SetGoal(ctx, 5_000_000)
	require.NoError(t, err)
	assert.Equal(t, models.MaxStepGoal, snapshot.Goal)

	snapshot, err = env.steps.SetGoal(ctx, 12000)
	require.NoError(t, err)
	assert.Equal(t, 12000, snapshot.Goal)
}

func TestGoalProgressCapsAtHundred(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.steps.SetGoal(ctx, 1000)
	require.NoError(t, err)
	snapshot, err := env.steps.AddSteps(ctx, 2500)
	require.NoError(t, err)
	assert.Equal(t, 100.0, snapshot.GoalProgress)
}

func TestResetStatsKeepsGoal(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.steps.SetGoal(ctx, 15000)
	require.NoError(t, err)
	_, err = env.steps.AddSteps(ctx, 8000)
	require.NoError(t, err)

	require.NoError(t, env.steps.ResetStats(ctx))

	snapshot, err := env.steps.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, snapshot.Today)
	assert.Zero(t, snapshot.TotalDistance)
	assert.Empty(t, snapshot.StepHistory)
	assert.Equal(t, 15000, snapshot.Goal)
}

func TestGetStepHistoryIncludesLiveToday(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.steps.AddSteps(ctx, 3000)
	require.NoError(t, err)
	env.clock.Advance(24 * time.Hour)
	_, err = env.steps.AddSteps(ctx, 1200)
	require.NoError(t, err)

	history, err := env.steps.GetStepHistory(ctx, 7)
	require.NoError(t, err)
	require.Len(t, history, 7)
	assert.Equal(t, 1200, history[6].Steps)
	assert.Equal(t, 3000, history[5].Steps)
	assert.Equal(t, 0, history[0].Steps)
}

// fakeSensor is a settable cumulative step counter.
type fakeSensor struct {
	mu    sync.Mutex
	total int
}

func (f *fakeSensor) CurrentSteps(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.total, nil
}

func (f *fakeSensor) set(total int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.total = total
}

func TestSyncFromSensorCreditsPositiveDeltas(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	sensor := &fakeSensor{total: 5000}
	env.steps.sensor = sensor

	// first reading only primes the baseline
	require.NoError(t, env.steps.SyncFromSensor(ctx))
	snapshot, err := env.steps.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, snapshot.Today)
	assert.NotZero(t, snapshot.LastBackgroundUpdate)

	sensor.set(5300)
	require.NoError(t, env.steps.SyncFromSensor(ctx))
	snapshot, err = env.steps.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 300, snapshot.Today)

	// a reboot shrinks the counter; nothing is credited, baseline re-primes
	sensor.set(100)
	require.NoError(t, env.steps.SyncFromSensor(ctx))
	snapshot, err = env.steps.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 300, snapshot.Today)

	sensor.set(150)
	require.NoError(t, env.steps.SyncFromSensor(ctx))
	snapshot, err = env.steps.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 350, snapshot.Today)
}

func TestOnUpdateObserverFires(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	var got []int
	env.steps.OnUpdate(func(s models.StepSnapshot) {
		got = append(got, s.Today)
	})

	_, err := env.steps.AddSteps(ctx, 100)
	require.NoError(t, err)
	_, err = env.steps.AddSteps(ctx, 200)
	require.NoError(t, err)

	assert.Equal(t, []int{100, 300}, got)
}
