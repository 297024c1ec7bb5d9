// Package sqlstore implements the persistence ports on an embedded SQLite
// database. Loan transitions are single conditional UPDATE statements, so the
// status guard and the write happen atomically inside the database.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/boddenberg/iou-ledger-go/internal/domain"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	_ "modernc.org/sqlite"
)

var tracer = otel.Tracer("sqlstore")

// tsLayout is fixed width so lexical order in SQLite equals time order.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

func formatTS(t time.Time) string { return t.UTC().Format(tsLayout) }

func parseTS(s string) (time.Time, error) { return time.Parse(tsLayout, s) }

// Store is a SQLite-backed port.Store.
type Store struct {
	db *sql.DB
}

// DSN builds the connection string for a database file with a busy timeout,
// so concurrent writers wait instead of failing with SQLITE_BUSY.
func DSN(path string) string {
	return fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
}

// Open creates the database file if needed, applies migrations and returns the store.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	dsn := DSN(path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// One writer at a time; SQLite serialises writes anyway.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := RunMigrations(dsn); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func unavailable(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &domain.ErrStorageUnavailable{Op: op, Err: err}
}

// ============================================================
// Ledger
// ============================================================

// InsertTransaction writes one raw ledger row. kind is "income" or "expense".
func (s *Store) InsertTransaction(ctx context.Context, userID, kind string, rec domain.ExpenseRecord) error {
	category := rec.Category
	if category == "" {
		category = "unknown"
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transactions (id, user_id, amount, category, description, occurred_at, transaction_type)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), userID, rec.Amount, category, rec.Description, formatTS(rec.Date), kind,
	)
	if err != nil {
		return unavailable("insert transaction", err)
	}
	return nil
}

func (s *Store) ListExpenses(ctx context.Context, userID string, from, to time.Time) ([]domain.ExpenseRecord, error) {
	ctx, span := tracer.Start(ctx, "SQLite.ListExpenses")
	defer span.End()
	span.SetAttributes(attribute.String("user.id", userID))

	rows, err := s.db.QueryContext(ctx,
		`SELECT amount, category, description, occurred_at
		   FROM transactions
		  WHERE user_id = ? AND transaction_type = 'expense'
		    AND occurred_at >= ? AND occurred_at <= ?
		  ORDER BY occurred_at ASC`,
		userID, formatTS(from), formatTS(to),
	)
	if err != nil {
		return nil, unavailable("list expenses", err)
	}
	defer rows.Close()

	out := make([]domain.ExpenseRecord, 0)
	for rows.Next() {
		var (
			rec domain.ExpenseRecord
			ts  string
		)
		if err := rows.Scan(&rec.Amount, &rec.Category, &rec.Description, &ts); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		if rec.Date, err = parseTS(ts); err != nil {
			return nil, fmt.Errorf("parse transaction date %q: %w", ts, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list expenses", err)
	}
	return out, nil
}

// ============================================================
// Loans
// ============================================================

const loanColumns = `id, lender_id, borrower_id, amount, due_date, status, created_at, repaid_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanLoan(row scanner) (*domain.Loan, error) {
	var (
		l            domain.Loan
		status       string
		due, created string
		repaid       sql.NullString
	)
	if err := row.Scan(&l.ID, &l.LenderID, &l.BorrowerID, &l.Amount, &due, &status, &created, &repaid); err != nil {
		return nil, err
	}
	l.Status = domain.LoanStatus(status)

	var err error
	if l.DueDate, err = parseTS(due); err != nil {
		return nil, fmt.Errorf("parse due_date: %w", err)
	}
	if l.CreatedAt, err = parseTS(created); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if repaid.Valid {
		t, err := parseTS(repaid.String)
		if err != nil {
			return nil, fmt.Errorf("parse repaid_at: %w", err)
		}
		l.RepaidAt = &t
	}
	return &l, nil
}

func (s *Store) InsertLoan(ctx context.Context, loan *domain.Loan) (*domain.Loan, error) {
	ctx, span := tracer.Start(ctx, "SQLite.InsertLoan")
	defer span.End()

	cp := *loan
	if cp.ID == "" {
		cp.ID = uuid.New().String()
	}

	var repaid any
	if cp.RepaidAt != nil {
		repaid = formatTS(*cp.RepaidAt)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO loans (`+loanColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		cp.ID, cp.LenderID, cp.BorrowerID, cp.Amount, formatTS(cp.DueDate), string(cp.Status), formatTS(cp.CreatedAt), repaid,
	)
	if err != nil {
		return nil, unavailable("insert loan", err)
	}
	return s.GetLoan(ctx, cp.ID)
}

func (s *Store) GetLoan(ctx context.Context, loanID string) (*domain.Loan, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+loanColumns+` FROM loans WHERE id = ?`, loanID)
	l, err := scanLoan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.ErrNotFound{Resource: "loan", ID: loanID}
	}
	if err != nil {
		return nil, unavailable("get loan", err)
	}
	return l, nil
}

func (s *Store) ListLoans(ctx context.Context, q domain.LoanQuery) ([]domain.Loan, error) {
	ctx, span := tracer.Start(ctx, "SQLite.ListLoans")
	defer span.End()

	var (
		where []string
		args  []any
	)
	if q.ParticipantID != "" {
		where = append(where, "(lender_id = ? OR borrower_id = ?)")
		args = append(args, q.ParticipantID, q.ParticipantID)
	}
	if q.DueBefore != nil {
		where = append(where, "due_date < ?")
		args = append(args, formatTS(*q.DueBefore))
	}
	if len(q.StatusNotIn) > 0 {
		where = append(where, "status NOT IN ("+placeholders(len(q.StatusNotIn))+")")
		for _, st := range q.StatusNotIn {
			args = append(args, string(st))
		}
	}

	query := `SELECT ` + loanColumns + ` FROM loans`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC"
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable("list loans", err)
	}
	defer rows.Close()

	out := make([]domain.Loan, 0)
	for rows.Next() {
		l, err := scanLoan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan loan: %w", err)
		}
		out = append(out, *l)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list loans", err)
	}
	return out, nil
}

// TransitionLoan runs one UPDATE whose WHERE clause is the transition guard.
// Zero affected rows means another writer got there first (or the id is unknown).
func (s *Store) TransitionLoan(ctx context.Context, loanID string, t domain.LoanTransition) (*domain.Loan, bool, error) {
	ctx, span := tracer.Start(ctx, "SQLite.TransitionLoan")
	defer span.End()
	span.SetAttributes(
		attribute.String("loan.id", loanID),
		attribute.String("loan.to", string(t.To)),
	)

	if len(t.From) == 0 {
		return nil, false, nil
	}

	var repaid any
	if t.RepaidAt != nil {
		repaid = formatTS(*t.RepaidAt)
	}

	query := `UPDATE loans SET status = ?, repaid_at = COALESCE(?, repaid_at)
	           WHERE id = ? AND status IN (` + placeholders(len(t.From)) + `)`
	args := []any{string(t.To), repaid, loanID}
	for _, st := range t.From {
		args = append(args, string(st))
	}
	if t.DueBefore != nil {
		query += " AND due_date < ?"
		args = append(args, formatTS(*t.DueBefore))
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, false, unavailable("transition loan", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, unavailable("transition loan", err)
	}
	if n == 0 {
		return nil, false, nil
	}

	l, err := s.GetLoan(ctx, loanID)
	if err != nil {
		return nil, true, err
	}
	return l, true, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// ============================================================
// Notifications
// ============================================================

func (s *Store) AppendNotification(ctx context.Context, n *domain.Notification) error {
	ctx, span := tracer.Start(ctx, "SQLite.AppendNotification")
	defer span.End()

	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	var loanID any
	if n.LoanID != nil {
		loanID = *n.LoanID
	}
	// INSERT OR IGNORE keeps redelivered tasks from duplicating a notification.
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO notifications (id, user_id, loan_id, type, message, created_at, read)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.UserID, loanID, string(n.Type), n.Message, formatTS(n.CreatedAt), n.Read,
	)
	if err != nil {
		return unavailable("append notification", err)
	}
	return nil
}

func (s *Store) ListNotifications(ctx context.Context, userID string, limit int) ([]domain.Notification, error) {
	query := `SELECT id, user_id, loan_id, type, message, created_at, read
	            FROM notifications WHERE user_id = ? ORDER BY created_at DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, unavailable("list notifications", err)
	}
	defer rows.Close()

	out := make([]domain.Notification, 0)
	for rows.Next() {
		var (
			n       domain.Notification
			loanID  sql.NullString
			kind    string
			created string
		)
		if err := rows.Scan(&n.ID, &n.UserID, &loanID, &kind, &n.Message, &created, &n.Read); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		n.Type = domain.NotificationType(kind)
		if loanID.Valid {
			id := loanID.String
			n.LoanID = &id
		}
		if n.CreatedAt, err = parseTS(created); err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list notifications", err)
	}
	return out, nil
}

func (s *Store) MarkNotificationRead(ctx context.Context, notificationID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE notifications SET read = 1 WHERE id = ?`, notificationID)
	if err != nil {
		return unavailable("mark notification read", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &domain.ErrNotFound{Resource: "notification", ID: notificationID}
	}
	return nil
}
