package users

import (
	"context"
	"log/slog"
	"math"
	"strings"
)

// TemplateDiscountChanged names the message sent when a user's discount moves.
const TemplateDiscountChanged = "discount-changed"

// NotificationSender delivers a templated message to one recipient.
type NotificationSender interface {
	Send(ctx context.Context, to, template string, data map[string]any) error
}

// DiscountNotifier tells users about discount changes.
type DiscountNotifier struct {
	sender NotificationSender
	logger *slog.Logger
}

// NewDiscountNotifier builds a notifier. A nil sender disables dispatch.
func NewDiscountNotifier(sender NotificationSender, logger *slog.Logger) *DiscountNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &DiscountNotifier{sender: sender, logger: logger}
}

// Changed dispatches one notification when the discount differs between
// before and after and the user has an email. Send failures are logged only.
// It reports whether a dispatch was attempted.
func (n *DiscountNotifier) Changed(ctx context.Context, before, after User) bool {
	if n == nil || n.sender == nil {
		return false
	}
	if sameDiscount(before.Discount, after.Discount) {
		return false
	}
	to := strings.TrimSpace(after.Email)
	if to == "" {
		return false
	}
	data := map[string]any{"discount": after.Discount}
	if err := n.sender.Send(ctx, to, TemplateDiscountChanged, data); err != nil {
		n.logger.Warn("discount notification failed",
			slog.Int64("user_id", after.ID),
			slog.Any("error", err))
	}
	return true
}

// Discounts are stored with two decimals.
func sameDiscount(a, b float64) bool {
	return math.Round(a*100) == math.Round(b*100)
}
