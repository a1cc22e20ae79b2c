package models

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/renosync_backend/config"
	"github.com/shopspring/decimal"
)

// CostCategory is one extracted budget line item for a property.
//
// Rows are inserted exclusively by the external automation service, which
// does not know which source document produced them: BudgetIndex arrives
// NULL and is assigned later by the budget-index reconciler (readers treat
// NULL as 1). CreatedAt ordering is what the reconciler's grouping
// heuristic relies on.
type CostCategory struct {
	ID              int             `gorm:"primary_key" json:"id"`
	PropertyId      int             `gorm:"index;not null" json:"property_id"`
	Name            string          `gorm:"size:255;not null" json:"name"`
	PercentComplete decimal.Decimal `gorm:"type:decimal(5,2);default:0" json:"percent_complete"`
	BudgetIndex     *int            `json:"budget_index"`
	CreatedAt       time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// EffectiveBudgetIndex is what consumers display: unassigned rows read as 1.
func (c CostCategory) EffectiveBudgetIndex() int {
	if c.BudgetIndex == nil {
		return 1
	}
	return *c.BudgetIndex
}

func CountCostCategories(ctx context.Context, propertyId int) (int64, error) {
	var count int64
	err := config.GetDB().WithContext(ctx).
		Model(&CostCategory{}).
		Where("property_id = ?", propertyId).
		Count(&count).Error
	return count, err
}
