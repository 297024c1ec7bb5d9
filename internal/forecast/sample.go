package forecast

import (
	"math/rand"
	"time"

	"github.com/boddenberg/iou-ledger-go/internal/domain"
)

const (
	sampleSeed     = 42
	sampleMinDaily = 200
	sampleMaxDaily = 800 // exclusive
)

// SampleSeries builds the demonstration series used when a user has no
// expenses in the window: `days` consecutive daily points ending the day
// before today, values drawn from [200, 800) with a fixed seed. For the same
// `days` the values are always identical.
func SampleSeries(days int, today time.Time) []domain.DailyPoint {
	if days <= 0 {
		return []domain.DailyPoint{}
	}

	rng := rand.New(rand.NewSource(sampleSeed))
	start := Day(today).AddDate(0, 0, -days)

	out := make([]domain.DailyPoint, days)
	for i := 0; i < days; i++ {
		out[i] = domain.DailyPoint{
			Date:    start.AddDate(0, 0, i),
			Expense: float64(sampleMinDaily + rng.Intn(sampleMaxDaily-sampleMinDaily)),
		}
	}
	return out
}
