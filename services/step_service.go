package services

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"meetup-server/models"
	"meetup-server/storage"
	"meetup-server/utils/errors"
)

// caloriesPerStep matches the client's rough burn estimate.
const caloriesPerStep = 0.04

// stepHistoryDays bounds the closed-day buckets we retain.
const stepHistoryDays = 90

// StepSensor exposes a cumulative step counter, typically since device
// boot. Readings only ever grow; a smaller reading means the counter reset.
type StepSensor interface {
	CurrentSteps(ctx context.Context) (int, error)
}

// PedometerService owns the step document: a live counter for the current
// day plus closed day buckets and derived rolling sums. Day rollover runs
// lazily on access and is idempotent.
type PedometerService struct {
	doc    *storage.Document[models.StepStats]
	sensor StepSensor

	mu             sync.Mutex
	sensorBaseline int
	sensorPrimed   bool
	onUpdate       func(models.StepSnapshot)
	now            func() time.Time
}

func NewPedometerService(doc *storage.Document[models.StepStats], sensor StepSensor) *PedometerService {
	return &PedometerService{
		doc:    doc,
		sensor: sensor,
		now:    time.Now,
	}
}

// OnUpdate registers a callback fired after every successful mutation.
func (s *PedometerService) OnUpdate(fn func(models.StepSnapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onUpdate = fn
}

// FreshStepStats is the document factory for a user with no recorded steps.
func FreshStepStats() models.StepStats {
	return models.StepStats{
		Goal:        models.DefaultStepGoal,
		StepHistory: map[string]int{},
	}
}

func dayKey(t time.Time) string {
	return t.Format("2006-01-02")
}

// rollover closes out past days. When LastUpdate belongs to an earlier day,
// the live counter moves into that day's bucket, old buckets are trimmed,
// and the rolling sums are recomputed. Running it twice within the same day
// changes nothing.
func rollover(stats *models.StepStats, now time.Time) {
	if stats.StepHistory == nil {
		stats.StepHistory = map[string]int{}
	}
	if stats.Goal == 0 {
		stats.Goal = models.DefaultStepGoal
	}

	today := dayKey(now)
	if stats.LastUpdate > 0 {
		// interpret the stored instant in the same location as now, so day
		// boundaries agree regardless of the host timezone
		lastDay := dayKey(time.UnixMilli(stats.LastUpdate).In(now.Location()))
		if lastDay != today {
			if stats.Today > 0 {
				stats.StepHistory[lastDay] += stats.Today
			}
			stats.Today = 0
		}
	}

	cutoff := dayKey(now.AddDate(0, 0, -stepHistoryDays))
	for day := range stats.StepHistory {
		if day < cutoff {
			delete(stats.StepHistory, day)
		}
	}

	stats.Week = stats.Today + sumRecentDays(stats.StepHistory, now, 7)
	stats.Month = stats.Today + sumRecentDays(stats.StepHistory, now, 30)
}

// sumRecentDays adds the closed buckets of the last n days, today excluded.
func sumRecentDays(history map[string]int, now time.Time, n int) int {
	total := 0
	for i := 1; i < n; i++ {
		total += history[dayKey(now.AddDate(0, 0, -i))]
	}
	return total
}

// AddSteps credits steps to the current day. Non-positive counts are
// rejected; distance accrues at the average stride length.
func (s *PedometerService) AddSteps(ctx context.Context, count int) (models.StepSnapshot, error) {
	if count <= 0 {
		return models.StepSnapshot{}, errors.WithMessage(errors.ErrInvalidInput, "Step count must be positive")
	}

	var snapshot models.StepSnapshot
	err := s.doc.Mutate(ctx, func(stats *models.StepStats) error {
		now := s.now()
		rollover(stats, now)
		stats.Today += count
		stats.Week += count
		stats.Month += count
		stats.TotalDistance += float64(count) * models.KmPerStep
		stats.LastUpdate = now.UnixMilli()
		snapshot = snapshotOf(*stats)
		return nil
	})
	if err != nil {
		return models.StepSnapshot{}, err
	}

	s.fireUpdate(snapshot)
	return snapshot, nil
}

// SetGoal updates the daily target, clamped to the supported range.
func (s *PedometerService) SetGoal(ctx context.Context, goal int) (models.StepSnapshot, error) {
	if goal < models.MinStepGoal {
		goal = models.MinStepGoal
	}
	if goal > models.MaxStepGoal {
		goal = models.MaxStepGoal
	}

	var snapshot models.StepSnapshot
	err := s.doc.Mutate(ctx, func(stats *models.StepStats) error {
		rollover(stats, s.now())
		stats.Goal = goal
		snapshot = snapshotOf(*stats)
		return nil
	})
	if err != nil {
		return models.StepSnapshot{}, err
	}

	s.fireUpdate(snapshot)
	return snapshot, nil
}

// GetStats returns the current snapshot, rolling the day over first when
// needed.
func (s *PedometerService) GetStats(ctx context.Context) (models.StepSnapshot, error) {
	var snapshot models.StepSnapshot
	err := s.doc.Mutate(ctx, func(stats *models.StepStats) error {
		rollover(stats, s.now())
		snapshot = snapshotOf(*stats)
		return nil
	})
	if err != nil {
		return models.StepSnapshot{}, err
	}
	return snapshot, nil
}

// GetStepHistory returns the last days entries, oldest first, today
// included as its live counter.
func (s *PedometerService) GetStepHistory(ctx context.Context, days int) ([]models.DayHistory, error) {
	if days <= 0 {
		days = 7
	}
	snapshot, err := s.GetStats(ctx)
	if err != nil {
		return nil, err
	}

	now := s.now()
	today := dayKey(now)
	var history []models.DayHistory
	for i := days - 1; i >= 0; i-- {
		day := dayKey(now.AddDate(0, 0, -i))
		steps := snapshot.StepHistory[day]
		if day == today {
			steps = snapshot.Today
		}
		history = append(history, models.DayHistory{Date: day, Steps: steps})
	}
	sort.SliceStable(history, func(i, j int) bool { return history[i].Date < history[j].Date })
	return history, nil
}

// ResetStats zeroes everything but keeps the goal.
func (s *PedometerService) ResetStats(ctx context.Context) error {
	err := s.doc.Mutate(ctx, func(stats *models.StepStats) error {
		goal := stats.Goal
		*stats = FreshStepStats()
		if goal >= models.MinStepGoal && goal <= models.MaxStepGoal {
			stats.Goal = goal
		}
		stats.LastUpdate = s.now().UnixMilli()
		return nil
	})
	if err != nil {
		return err
	}
	if snapshot, err := s.GetStats(ctx); err == nil {
		s.fireUpdate(snapshot)
	}
	return nil
}

// SimulateSteps is the testing hook used by debug screens.
func (s *PedometerService) SimulateSteps(ctx context.Context, count int) (models.StepSnapshot, error) {
	return s.AddSteps(ctx, count)
}

// SyncFromSensor reads the cumulative hardware counter and credits the
// positive delta since the previous reading. The first reading only primes
// the baseline; a counter that went backwards (device reboot) re-primes.
func (s *PedometerService) SyncFromSensor(ctx context.Context) error {
	if s.sensor == nil {
		return nil
	}
	reading, err := s.sensor.CurrentSteps(ctx)
	if err != nil {
		log.Printf("Step sensor read failed: %v", err)
		return err
	}

	s.mu.Lock()
	delta := 0
	if s.sensorPrimed && reading >= s.sensorBaseline {
		delta = reading - s.sensorBaseline
	}
	s.sensorBaseline = reading
	s.sensorPrimed = true
	s.mu.Unlock()

	if delta <= 0 {
		return s.touchBackgroundUpdate(ctx)
	}

	if _, err := s.AddSteps(ctx, delta); err != nil {
		return err
	}
	return s.touchBackgroundUpdate(ctx)
}

func (s *PedometerService) touchBackgroundUpdate(ctx context.Context) error {
	return s.doc.Mutate(ctx, func(stats *models.StepStats) error {
		stats.LastBackgroundUpdate = s.now().UnixMilli()
		return nil
	})
}

func (s *PedometerService) fireUpdate(snapshot models.StepSnapshot) {
	s.mu.Lock()
	fn := s.onUpdate
	s.mu.Unlock()
	if fn != nil {
		fn(snapshot)
	}
}

// snapshotOf derives the read-side fields.
func snapshotOf(stats models.StepStats) models.StepSnapshot {
	snapshot := models.StepSnapshot{
		StepStats:     stats,
		Calories:      int(float64(stats.Today) * caloriesPerStep),
		DistanceToday: float64(stats.Today) * models.KmPerStep,
	}
	if stats.Goal > 0 {
		progress := float64(stats.Today) / float64(stats.Goal) * 100
		if progress > 100 {
			progress = 100
		}
		snapshot.GoalProgress = progress
	}
	return snapshot
}
