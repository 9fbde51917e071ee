package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"study-portal/internal/models"

	"gorm.io/gorm"
)

// SQLRecordRepository stores records through gorm. Conditional writes run in a
// transaction and re-check the version in the UPDATE itself.
type SQLRecordRepository struct {
	db *gorm.DB
}

func NewSQLRecordRepository(db *gorm.DB) *SQLRecordRepository {
	return &SQLRecordRepository{db: db}
}

// Migrate creates the records table.
func (r *SQLRecordRepository) Migrate() error {
	return r.db.AutoMigrate(&models.Record{})
}

func (r *SQLRecordRepository) Create(ctx context.Context, record *models.Record) (*models.Record, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	now := time.Now().UTC()
	record.Version = 1
	record.CreatedAt = now
	record.UpdatedAt = now
	if record.Fields == nil {
		record.Fields = models.Fields{}
	}

	if err := r.db.WithContext(ctx).Create(record).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) || strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return nil, ErrDuplicateRecord
		}
		return nil, err
	}
	return record, nil
}

func (r *SQLRecordRepository) FindByID(ctx context.Context, entity, id string) (*models.Record, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	return findRecord(r.db.WithContext(ctx), entity, id)
}

func findRecord(db *gorm.DB, entity, id string) (*models.Record, error) {
	var record models.Record
	err := db.Where("entity_type = ? AND record_id = ?", entity, id).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return &record, nil
}

func (r *SQLRecordRepository) FindAll(ctx context.Context, entity string, filter map[string]string) ([]*models.Record, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var all []*models.Record
	if err := r.db.WithContext(ctx).Where("entity_type = ?", entity).Order("record_id").Find(&all).Error; err != nil {
		return nil, err
	}
	records := []*models.Record{}
	for _, rec := range all {
		if matchesFilter(rec, filter) {
			records = append(records, rec)
		}
	}
	return records, nil
}

func (r *SQLRecordRepository) UpdateVersioned(ctx context.Context, entity, id string, changes map[string]any, expected int64) (*models.Record, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var updated *models.Record
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := findRecord(tx, entity, id)
		if err != nil {
			return err
		}
		if current.Version != expected {
			return ErrVersionConflict
		}

		next := *current
		next.Fields = mergeFields(current.Fields, changes)
		next.Version = current.Version + 1
		next.UpdatedAt = time.Now().UTC()

		result := tx.Model(&models.Record{}).
			Where("entity_type = ? AND record_id = ? AND version = ?", entity, id, current.Version).
			Updates(map[string]any{
				"fields":     next.Fields,
				"version":    next.Version,
				"updated_at": next.UpdatedAt,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrVersionConflict
		}
		updated = &next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (r *SQLRecordRepository) Delete(ctx context.Context, entity, id string, expected int64) (*models.Record, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var deleted *models.Record
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := findRecord(tx, entity, id)
		if err != nil {
			return err
		}
		if current.Version != expected {
			return ErrVersionConflict
		}

		result := tx.Where("entity_type = ? AND record_id = ? AND version = ?", entity, id, current.Version).
			Delete(&models.Record{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrVersionConflict
		}
		deleted = current
		return nil
	})
	if err != nil {
		return nil, err
	}
	return deleted, nil
}
