package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/renosync_backend/config"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Property is the store-side canonical record for one renovation property.
//
// UniqueId is the cross-reference identifier shared with the source CRM. It is
// sourced from the CRM's cross-reference field, never regenerated, and is the
// only lookup key the sync engine uses (never the source's transient row id).
// RawStatus is kept verbatim from the source for debugging/remapping; it may
// lag Phase during transition windows but is never silently dropped.
// Notes is operator-owned and never written by sync.
type Property struct {
	ID             int             `gorm:"primary_key" json:"id"`
	UniqueId       string          `gorm:"uniqueIndex;size:128;not null" json:"unique_id"`
	Name           string          `gorm:"size:255" json:"name"`
	Address        string          `gorm:"size:255" json:"address"`
	Phase          PropertyPhase   `gorm:"type:enum('UpcomingSettlement','InitialCheck','BudgetPendingRenovator','BudgetPendingClient','BudgetToStart','InProgress','Furnishing','FinalCheck','Cleaning','Fixes','Done','Orphaned');default:'Orphaned';index" json:"phase"`
	RawStatus      string          `gorm:"size:255" json:"raw_status"`
	DocumentUrls   string          `gorm:"type:text" json:"document_urls"`
	ClientName     string          `gorm:"size:255" json:"client_name"`
	ClientEmail    string          `gorm:"size:255" json:"client_email"`
	RenovationType string          `gorm:"size:100" json:"renovation_type"`
	Area           decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"area"`
	SettlementDate *time.Time      `json:"settlement_date"`
	Notes          string          `gorm:"type:text" json:"notes"`
	LastSyncedAt   *time.Time      `json:"last_synced_at"`
	CostCategories []*CostCategory `gorm:"foreignKey:PropertyId" json:"cost_categories"`
	CreatedAt      time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// GetPropertyByUniqueId returns (nil, nil) when no row exists.
func GetPropertyByUniqueId(ctx context.Context, uniqueId string) (*Property, error) {
	var property Property
	err := config.GetDB().WithContext(ctx).
		Where("unique_id = ?", uniqueId).
		Take(&property).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &property, nil
}

// ListPropertiesByPhase excludes nothing by itself; callers listing for
// display pass concrete phases so orphaned rows stay hidden.
func ListPropertiesByPhase(ctx context.Context, phase PropertyPhase) ([]Property, error) {
	var properties []Property
	err := config.GetDB().WithContext(ctx).
		Where("phase = ?", phase).
		Order("id").
		Find(&properties).Error
	return properties, err
}
