package supabase

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/boddenberg/iou-ledger-go/internal/domain"
	"github.com/boddenberg/iou-ledger-go/internal/infra/resilience"

	"go.opentelemetry.io/otel/attribute"
)

// ============================================================
// Ledger: expense reads via PostgREST
// ============================================================

// supabaseTransaction maps the transactions table columns.
type supabaseTransaction struct {
	Date        string  `json:"date"`
	Amount      float64 `json:"amount"`
	Category    string  `json:"category"`
	Description string  `json:"description"`
}

// ts renders a filter timestamp in the form PostgREST accepts for timestamptz.
func ts(t time.Time) string {
	return url.QueryEscape(t.UTC().Format(time.RFC3339Nano))
}

// parseDate accepts RFC3339 with or without zone, and plain dates.
func parseDate(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised date %q", s)
}

// ListExpenses fetches the user's expense transactions inside [from, to].
func (c *Client) ListExpenses(ctx context.Context, userID string, from, to time.Time) ([]domain.ExpenseRecord, error) {
	ctx, span := tracer.Start(ctx, "Supabase.ListExpenses")
	defer span.End()
	span.SetAttributes(attribute.String("user.id", userID))

	var out []domain.ExpenseRecord

	err := c.call(ctx, "list expenses", func() error {
		path := fmt.Sprintf(
			"transactions?select=date,amount,category,description&user_id=eq.%s&transaction_type=eq.expense&date=gte.%s&date=lte.%s&order=date.asc",
			url.QueryEscape(userID), ts(from), ts(to),
		)
		body, err := c.doGet(ctx, path)
		if err != nil {
			return classify(err)
		}

		rows, err := decodeRows[supabaseTransaction](body)
		if err != nil {
			return resilience.Permanent(fmt.Errorf("decode transactions: %w", err))
		}

		out = make([]domain.ExpenseRecord, 0, len(rows))
		for _, r := range rows {
			d, err := parseDate(r.Date)
			if err != nil {
				return resilience.Permanent(err)
			}
			out = append(out, domain.ExpenseRecord{
				Date:        d,
				Amount:      r.Amount,
				Category:    r.Category,
				Description: r.Description,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
