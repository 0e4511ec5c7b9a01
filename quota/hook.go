package quota

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/deeplooplabs/weather-gateway/hook"
)

// UpstreamBudget names the budget shared by all upstream calls of one gateway
const UpstreamBudget = "upstream"

// BudgetHook vetoes upstream fetches once the budget for the period is spent
type BudgetHook struct {
	manager Manager
	name    string
	logger  *zap.Logger
}

// NewBudgetHook creates a fetch hook spending from manager's UpstreamBudget
func NewBudgetHook(manager Manager, logger *zap.Logger) *BudgetHook {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BudgetHook{
		manager: manager,
		name:    UpstreamBudget,
		logger:  logger,
	}
}

// Name implements hook.Hook
func (h *BudgetHook) Name() string {
	return "upstream-budget"
}

// BeforeFetch spends one call or returns ErrExhausted
func (h *BudgetHook) BeforeFetch(ctx context.Context, info hook.FetchInfo) error {
	ok, usage, err := h.manager.Consume(ctx, h.name)
	if err != nil {
		return fmt.Errorf("consume budget: %w", err)
	}
	if !ok {
		h.logger.Warn("upstream budget exhausted",
			zap.String("location", info.Location),
			zap.Int64("limit", usage.Limit),
			zap.Time("reset_at", usage.ResetAt),
		)
		return ErrExhausted
	}
	return nil
}

// AfterFetch implements hook.FetchHook. Failed calls still count against the budget.
func (h *BudgetHook) AfterFetch(ctx context.Context, info hook.FetchInfo, err error) {}

// Usage returns the current upstream budget usage
func (h *BudgetHook) Usage(ctx context.Context) (*Usage, error) {
	return h.manager.Usage(ctx, h.name)
}

var _ hook.FetchHook = (*BudgetHook)(nil)
