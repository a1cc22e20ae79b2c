package renosync

import (
	"context"
	"errors"

	"bitbucket.org/mmdatafocus/renosync_backend/models"
	mysqlDriver "github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
)

// ErrDuplicateProperty reports an insert that lost the race against a
// concurrent upsert for the same unique id. Callers re-fetch and update.
var ErrDuplicateProperty = errors.New("property already exists")

// Store is the row-level interface the sync engine, extraction trigger and
// reconciler run against. Production uses the gorm-backed implementation;
// tests substitute an in-memory fake.
type Store interface {
	// FindPropertyByUniqueId returns (nil, nil) when no row exists.
	FindPropertyByUniqueId(ctx context.Context, uniqueId string) (*models.Property, error)
	CreateProperty(ctx context.Context, property *models.Property) error
	UpdateProperty(ctx context.Context, id int, fields map[string]interface{}) error
	// ForcePhase bulk-overwrites phase and raw status for every unique id
	// touched by an authoritative view in this pass.
	ForcePhase(ctx context.Context, uniqueIds []string, phase models.PropertyPhase, rawStatus string) error

	CountCostCategories(ctx context.Context, propertyId int) (int64, error)
	ListPropertiesInPhaseWithDocuments(ctx context.Context, phase models.PropertyPhase) ([]models.Property, error)
	// ListUnindexedCostCategories returns rows with no assigned budget index,
	// creation time ascending.
	ListUnindexedCostCategories(ctx context.Context, propertyId int) ([]models.CostCategory, error)
	SetBudgetIndex(ctx context.Context, costCategoryId int, index int) error

	RecordSyncError(ctx context.Context, syncError *models.SyncError) error
}

type gormStore struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

func isDuplicateKeyErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}

func (s *gormStore) FindPropertyByUniqueId(ctx context.Context, uniqueId string) (*models.Property, error) {
	var property models.Property
	err := s.db.WithContext(ctx).
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

func (s *gormStore) CreateProperty(ctx context.Context, property *models.Property) error {
	if err := s.db.WithContext(ctx).Create(property).Error; err != nil {
		if isDuplicateKeyErr(err) {
			return ErrDuplicateProperty
		}
		return err
	}
	return nil
}

func (s *gormStore) UpdateProperty(ctx context.Context, id int, fields map[string]interface{}) error {
	return s.db.WithContext(ctx).
		Model(&models.Property{}).
		Where("id = ?", id).
		Updates(fields).Error
}

func (s *gormStore) ForcePhase(ctx context.Context, uniqueIds []string, phase models.PropertyPhase, rawStatus string) error {
	if len(uniqueIds) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).
		Model(&models.Property{}).
		Where("unique_id IN ?", uniqueIds).
		Updates(map[string]interface{}{
			"phase":      phase,
			"raw_status": rawStatus,
		}).Error
}

func (s *gormStore) CountCostCategories(ctx context.Context, propertyId int) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&models.CostCategory{}).
		Where("property_id = ?", propertyId).
		Count(&count).Error
	return count, err
}

func (s *gormStore) ListPropertiesInPhaseWithDocuments(ctx context.Context, phase models.PropertyPhase) ([]models.Property, error) {
	var properties []models.Property
	err := s.db.WithContext(ctx).
		Where("phase = ? AND document_urls <> ''", phase).
		Order("id").
		Find(&properties).Error
	return properties, err
}

func (s *gormStore) ListUnindexedCostCategories(ctx context.Context, propertyId int) ([]models.CostCategory, error) {
	var categories []models.CostCategory
	err := s.db.WithContext(ctx).
		Where("property_id = ? AND budget_index IS NULL", propertyId).
		Order("created_at ASC, id ASC").
		Find(&categories).Error
	return categories, err
}

func (s *gormStore) SetBudgetIndex(ctx context.Context, costCategoryId int, index int) error {
	return s.db.WithContext(ctx).
		Model(&models.CostCategory{}).
		Where("id = ?", costCategoryId).
		Update("budget_index", index).Error
}

func (s *gormStore) RecordSyncError(ctx context.Context, syncError *models.SyncError) error {
	return s.db.WithContext(ctx).Create(syncError).Error
}
