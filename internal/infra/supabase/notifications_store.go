package supabase

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/boddenberg/iou-ledger-go/internal/domain"
	"github.com/boddenberg/iou-ledger-go/internal/infra/resilience"

	"github.com/google/uuid"
)

// ============================================================
// Notifications
// ============================================================

func (c *Client) AppendNotification(ctx context.Context, n *domain.Notification) error {
	ctx, span := tracer.Start(ctx, "Supabase.AppendNotification")
	defer span.End()

	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	data := map[string]any{
		"id":         n.ID,
		"user_id":    n.UserID,
		"type":       string(n.Type),
		"message":    n.Message,
		"created_at": n.CreatedAt.UTC().Format(time.RFC3339Nano),
		"read":       n.Read,
	}
	if n.LoanID != nil {
		data["loan_id"] = *n.LoanID
	}

	return c.call(ctx, "append notification", func() error {
		_, err := c.doPost(ctx, "notifications?on_conflict=id", data, preferIgnoreDupes)
		return classify(err)
	})
}

func (c *Client) ListNotifications(ctx context.Context, userID string, limit int) ([]domain.Notification, error) {
	ctx, span := tracer.Start(ctx, "Supabase.ListNotifications")
	defer span.End()

	path := fmt.Sprintf("notifications?user_id=eq.%s&order=created_at.desc", url.QueryEscape(userID))
	if limit > 0 {
		path += fmt.Sprintf("&limit=%d", limit)
	}

	var out []domain.Notification
	err := c.call(ctx, "list notifications", func() error {
		body, err := c.doGet(ctx, path)
		if err != nil {
			return classify(err)
		}
		out, err = decodeRows[domain.Notification](body)
		if err != nil {
			return resilience.Permanent(fmt.Errorf("decode notifications: %w", err))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) MarkNotificationRead(ctx context.Context, notificationID string) error {
	ctx, span := tracer.Start(ctx, "Supabase.MarkNotificationRead")
	defer span.End()

	return c.call(ctx, "mark notification read", func() error {
		body, err := c.doPatch(ctx,
			fmt.Sprintf("notifications?id=eq.%s", url.QueryEscape(notificationID)),
			map[string]any{"read": true},
		)
		if err != nil {
			return classify(err)
		}
		rows, err := decodeRows[domain.Notification](body)
		if err != nil {
			return resilience.Permanent(fmt.Errorf("decode notifications: %w", err))
		}
		if len(rows) == 0 {
			return resilience.Permanent(&domain.ErrNotFound{Resource: "notification", ID: notificationID})
		}
		return nil
	})
}
