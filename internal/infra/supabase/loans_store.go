package supabase

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/boddenberg/iou-ledger-go/internal/domain"
	"github.com/boddenberg/iou-ledger-go/internal/infra/resilience"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

// ============================================================
// Loans: CRUD and conditional transitions via PostgREST
// ============================================================

func statusList(statuses []domain.LoanStatus) string {
	parts := make([]string, len(statuses))
	for i, s := range statuses {
		parts[i] = string(s)
	}
	return "(" + strings.Join(parts, ",") + ")"
}

func firstLoan(body []byte) (*domain.Loan, error) {
	rows, err := decodeRows[domain.Loan](body)
	if err != nil {
		return nil, resilience.Permanent(fmt.Errorf("decode loans: %w", err))
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

func (c *Client) InsertLoan(ctx context.Context, loan *domain.Loan) (*domain.Loan, error) {
	ctx, span := tracer.Start(ctx, "Supabase.InsertLoan")
	defer span.End()

	id := loan.ID
	if id == "" {
		id = uuid.New().String()
	}
	data := map[string]any{
		"id":          id,
		"lender_id":   loan.LenderID,
		"borrower_id": loan.BorrowerID,
		"amount":      loan.Amount,
		"due_date":    loan.DueDate.UTC().Format(time.RFC3339Nano),
		"status":      string(loan.Status),
		"created_at":  loan.CreatedAt.UTC().Format(time.RFC3339Nano),
	}

	var created *domain.Loan
	err := c.call(ctx, "insert loan", func() error {
		// A retried POST after a lost response must not insert twice.
		body, err := c.doPost(ctx, "loans?on_conflict=id", data, preferIgnoreDupes)
		if err != nil {
			return classify(err)
		}
		created, err = firstLoan(body)
		return err
	})
	if err != nil {
		return nil, err
	}
	if created == nil {
		return c.GetLoan(ctx, id)
	}
	return created, nil
}

func (c *Client) GetLoan(ctx context.Context, loanID string) (*domain.Loan, error) {
	ctx, span := tracer.Start(ctx, "Supabase.GetLoan")
	defer span.End()
	span.SetAttributes(attribute.String("loan.id", loanID))

	var loan *domain.Loan
	err := c.call(ctx, "get loan", func() error {
		body, err := c.doGet(ctx, fmt.Sprintf("loans?id=eq.%s&limit=1", url.QueryEscape(loanID)))
		if err != nil {
			return classify(err)
		}
		loan, err = firstLoan(body)
		if err != nil {
			return err
		}
		if loan == nil {
			return resilience.Permanent(&domain.ErrNotFound{Resource: "loan", ID: loanID})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return loan, nil
}

func (c *Client) ListLoans(ctx context.Context, q domain.LoanQuery) ([]domain.Loan, error) {
	ctx, span := tracer.Start(ctx, "Supabase.ListLoans")
	defer span.End()

	filters := []string{"order=created_at.asc"}
	if q.ParticipantID != "" {
		p := url.QueryEscape(q.ParticipantID)
		filters = append(filters, fmt.Sprintf("or=(lender_id.eq.%s,borrower_id.eq.%s)", p, p))
	}
	if q.DueBefore != nil {
		filters = append(filters, "due_date=lt."+ts(*q.DueBefore))
	}
	if len(q.StatusNotIn) > 0 {
		filters = append(filters, "status=not.in."+statusList(q.StatusNotIn))
	}
	if q.Limit > 0 {
		filters = append(filters, fmt.Sprintf("limit=%d", q.Limit))
	}
	path := "loans?" + strings.Join(filters, "&")

	var loans []domain.Loan
	err := c.call(ctx, "list loans", func() error {
		body, err := c.doGet(ctx, path)
		if err != nil {
			return classify(err)
		}
		loans, err = decodeRows[domain.Loan](body)
		if err != nil {
			return resilience.Permanent(fmt.Errorf("decode loans: %w", err))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return loans, nil
}

// TransitionLoan issues one PATCH whose filters are the guard. PostgREST
// applies it as a single UPDATE ... WHERE, and the returned representation
// is empty when nothing matched.
func (c *Client) TransitionLoan(ctx context.Context, loanID string, t domain.LoanTransition) (*domain.Loan, bool, error) {
	ctx, span := tracer.Start(ctx, "Supabase.TransitionLoan")
	defer span.End()
	span.SetAttributes(
		attribute.String("loan.id", loanID),
		attribute.String("loan.to", string(t.To)),
	)

	if len(t.From) == 0 {
		return nil, false, nil
	}

	path := fmt.Sprintf("loans?id=eq.%s&status=in.%s", url.QueryEscape(loanID), statusList(t.From))
	if t.DueBefore != nil {
		path += "&due_date=lt." + ts(*t.DueBefore)
	}
	data := map[string]any{"status": string(t.To)}
	if t.RepaidAt != nil {
		data["repaid_at"] = t.RepaidAt.UTC().Format(time.RFC3339Nano)
	}

	var updated *domain.Loan
	err := c.callOnce(ctx, "transition loan", func() error {
		body, err := c.doPatch(ctx, path, data)
		if err != nil {
			return classify(err)
		}
		updated, err = firstLoan(body)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return updated, updated != nil, nil
}
