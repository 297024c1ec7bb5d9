// Package forecast turns raw expense records into a daily series, smooths it
// and extrapolates a short linear trend. Everything here is pure and safe for
// concurrent use.
package forecast

import (
	"sort"
	"time"

	"github.com/boddenberg/iou-ledger-go/internal/domain"
)

const (
	DefaultSpan       = 7
	DefaultFutureDays = 7
)

// Day truncates t to midnight of its UTC calendar day.
func Day(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// AggregateDaily sums expenses per UTC calendar day and returns one point per
// day that has at least one record, ascending. Days without expenses are
// omitted, not zero-filled.
func AggregateDaily(records []domain.ExpenseRecord) []domain.DailyPoint {
	if len(records) == 0 {
		return []domain.DailyPoint{}
	}

	totals := make(map[time.Time]float64, len(records))
	for _, r := range records {
		totals[Day(r.Date)] += r.Amount
	}

	points := make([]domain.DailyPoint, 0, len(totals))
	for day, total := range totals {
		points = append(points, domain.DailyPoint{Date: day, Expense: total})
	}
	sort.Slice(points, func(i, j int) bool {
		return points[i].Date.Before(points[j].Date)
	})
	return points
}

// Stats computes sum, mean, max and min over the raw daily series.
// An empty series yields zero values.
func Stats(points []domain.DailyPoint) domain.SpendingStats {
	if len(points) == 0 {
		return domain.SpendingStats{}
	}

	s := domain.SpendingStats{Max: points[0].Expense, Min: points[0].Expense}
	for _, p := range points {
		s.Total += p.Expense
		if p.Expense > s.Max {
			s.Max = p.Expense
		}
		if p.Expense < s.Min {
			s.Min = p.Expense
		}
	}
	s.Average = s.Total / float64(len(points))
	return s
}

// Tail returns the last n elements of s (all of s when shorter).
func Tail[T any](s []T, n int) []T {
	if n <= 0 {
		return []T{}
	}
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
