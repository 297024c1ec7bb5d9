package domain

import "time"

// ============================================================
// Loans (IOUs between two users)
// ============================================================

// LoanStatus is the lifecycle state of a loan.
type LoanStatus string

const (
	LoanPending LoanStatus = "pending"
	LoanRepaid  LoanStatus = "repaid"
	LoanOverdue LoanStatus = "overdue"
)

// Valid reports whether s is a known loan status.
func (s LoanStatus) Valid() bool {
	switch s {
	case LoanPending, LoanRepaid, LoanOverdue:
		return true
	}
	return false
}

// Loan is a persisted IOU. Status only moves forward:
// pending -> repaid, pending -> overdue, overdue -> repaid.
type Loan struct {
	ID         string     `json:"id"`
	LenderID   string     `json:"lender_id"`
	BorrowerID string     `json:"borrower_id"`
	Amount     float64    `json:"amount"`
	DueDate    time.Time  `json:"due_date"`
	Status     LoanStatus `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	RepaidAt   *time.Time `json:"repaid_at,omitempty"`
}

// CreateLoanRequest is the input of LoanService.Create.
// DueDate is kept as text so parsing errors surface as validation errors.
type CreateLoanRequest struct {
	LenderID   string  `json:"lender_id"`
	BorrowerID string  `json:"borrower_id"`
	Amount     float64 `json:"amount"`
	DueDate    string  `json:"due_date"`
}

// RepayLoanRequest is the body of POST /v1/loans/repay.
type RepayLoanRequest struct {
	LoanID string `json:"loan_id"`
}

// LoanQuery selects loans. Zero-valued fields are not applied.
type LoanQuery struct {
	// ParticipantID matches either the lender or the borrower.
	ParticipantID string
	DueBefore     *time.Time
	StatusNotIn   []LoanStatus
	Limit         int
}

// LoanTransition is a compare-and-set on the persisted status.
// The update applies only while the stored status is one of From
// (and, when DueBefore is set, while due_date < DueBefore).
type LoanTransition struct {
	From      []LoanStatus
	To        LoanStatus
	DueBefore *time.Time
	RepaidAt  *time.Time
}

// Allows reports whether the transition's guard accepts loan l.
// Stores without native conditional updates evaluate it under their own lock.
func (t LoanTransition) Allows(l *Loan) bool {
	if t.DueBefore != nil && !l.DueDate.Before(*t.DueBefore) {
		return false
	}
	for _, s := range t.From {
		if l.Status == s {
			return true
		}
	}
	return false
}

// Sweep triggers.
const (
	TriggerScheduled = "scheduled"
	TriggerManual    = "manual"
)

// SweepReport summarises one overdue sweep.
type SweepReport struct {
	Trigger              string    `json:"trigger"`
	StartedAt            time.Time `json:"started_at"`
	FinishedAt           time.Time `json:"finished_at"`
	Scanned              int       `json:"scanned"`
	MarkedOverdue        int       `json:"marked_overdue"`
	Skipped              int       `json:"skipped"`
	Failed               int       `json:"failed"`
	NotificationFailures int       `json:"notification_failures"`
}
