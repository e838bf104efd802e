package models

// Step goal bounds and the average stride length used for distance.
const (
	MinStepGoal     = 1000
	MaxStepGoal     = 100000
	DefaultStepGoal = 10000
	KmPerStep       = 0.00076
)

// StepStats is the persisted pedometer document. Today is the live counter
// for the current day; StepHistory holds closed day buckets keyed by
// YYYY-MM-DD; Week and Month are derived rolling sums.
type StepStats struct {
	Today                int            `json:"today"`
	Week                 int            `json:"week"`
	Month                int            `json:"month"`
	TotalDistance        float64        `json:"totalDistance"`
	LastUpdate           int64          `json:"lastUpdate"`
	Goal                 int            `json:"goal"`
	LastBackgroundUpdate int64          `json:"lastBackgroundUpdate"`
	StepHistory          map[string]int `json:"stepHistory"`
}

// StepSnapshot is StepStats plus the derived read-side fields.
type StepSnapshot struct {
	StepStats
	Calories      int     `json:"calories"`
	DistanceToday float64 `json:"distanceToday"`
	GoalProgress  float64 `json:"goalProgress"`
}

// DayHistory is one entry of the per-day history view.
type DayHistory struct {
	Date  string `json:"date"`
	Steps int    `json:"steps"`
}
