package forecast

import "github.com/boddenberg/iou-ledger-go/internal/domain"

// LinearFit returns the ordinary least-squares slope and intercept of ys
// against their zero-based positions.
func LinearFit(ys []float64) (slope, intercept float64) {
	n := float64(len(ys))
	if n == 0 {
		return 0, 0
	}
	if n == 1 {
		return 0, ys[0]
	}

	var sumX, sumY float64
	for i, y := range ys {
		sumX += float64(i)
		sumY += y
	}
	meanX, meanY := sumX/n, sumY/n

	var sxy, sxx float64
	for i, y := range ys {
		dx := float64(i) - meanX
		sxy += dx * (y - meanY)
		sxx += dx * dx
	}
	slope = sxy / sxx
	intercept = meanY - slope*meanX
	return slope, intercept
}

// Extrapolate fits a line to the raw daily expenses, indexed by position in
// the series (gaps between calendar days compress), and projects futureDays
// points past the last index. The k-th point is dated last day + k.
//
// Fewer than two points means insufficient history and yields an empty
// slice. Negative projections are returned as is.
func Extrapolate(points []domain.DailyPoint, futureDays int) []domain.ForecastPoint {
	if len(points) < 2 {
		return []domain.ForecastPoint{}
	}
	if futureDays <= 0 {
		futureDays = DefaultFutureDays
	}

	ys := make([]float64, len(points))
	for i, p := range points {
		ys[i] = p.Expense
	}
	slope, intercept := LinearFit(ys)

	last := points[len(points)-1].Date
	n := len(points)
	out := make([]domain.ForecastPoint, futureDays)
	for k := 1; k <= futureDays; k++ {
		x := float64(n - 1 + k)
		out[k-1] = domain.ForecastPoint{
			Date:            last.AddDate(0, 0, k),
			ForecastExpense: intercept + slope*x,
		}
	}
	return out
}
