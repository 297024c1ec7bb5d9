package domain

import "time"

// NotificationType identifies which loan transition produced a notification.
type NotificationType string

const (
	NotificationLoanCreated NotificationType = "loan_created"
	NotificationLoanOverdue NotificationType = "loan_overdue"
	NotificationLoanRepaid  NotificationType = "loan_repaid"
)

// Notification is an in-app message addressed to one user.
// Only the Read flag ever changes after creation.
type Notification struct {
	ID        string           `json:"id"`
	UserID    string           `json:"user_id"`
	LoanID    *string          `json:"loan_id,omitempty"`
	Type      NotificationType `json:"type"`
	Message   string           `json:"message"`
	CreatedAt time.Time        `json:"created_at"`
	Read      bool             `json:"read"`
}
