package forecast

import "github.com/boddenberg/iou-ledger-go/internal/domain"

// Alpha is the EWMA smoothing factor for a span: 2 / (span + 1).
// Spans below 1 are treated as 1, which makes the filter the identity.
func Alpha(span int) float64 {
	if span < 1 {
		span = 1
	}
	return 2.0 / float64(span+1)
}

// Smooth applies a causal exponential weighted moving average:
//
//	ewma[0] = raw[0]
//	ewma[i] = alpha*raw[i] + (1-alpha)*ewma[i-1]
//
// Truncating the tail of the input never changes an earlier output.
func Smooth(points []domain.DailyPoint, span int) []domain.SmoothedPoint {
	out := make([]domain.SmoothedPoint, len(points))
	if len(points) == 0 {
		return out
	}

	alpha := Alpha(span)
	prev := points[0].Expense
	for i, p := range points {
		if i > 0 {
			prev = alpha*p.Expense + (1-alpha)*prev
		}
		out[i] = domain.SmoothedPoint{Date: p.Date, Expense: p.Expense, EWMA: prev}
	}
	return out
}
