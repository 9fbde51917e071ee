package repository

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"study-portal/internal/models"
)

var (
	ErrRecordNotFound  = errors.New("record not found")
	ErrVersionConflict = errors.New("record version does not match")
	ErrDuplicateRecord = errors.New("record already exists")
)

// queryTimeout bounds every repository call.
const queryTimeout = 10 * time.Second

// RecordRepository stores portal records of every entity type.
type RecordRepository interface {
	FindByID(ctx context.Context, entity, id string) (*models.Record, error)
	// FindAll returns the records of entity whose fields equal every filter
	// value, compared as text.
	FindAll(ctx context.Context, entity string, filter map[string]string) ([]*models.Record, error)
	Create(ctx context.Context, record *models.Record) (*models.Record, error)
	// UpdateVersioned merges changes into the record if its version equals
	// expected and increments the version.
	UpdateVersioned(ctx context.Context, entity, id string, changes map[string]any, expected int64) (*models.Record, error)
	// Delete removes the record if its version equals expected and returns it.
	Delete(ctx context.Context, entity, id string, expected int64) (*models.Record, error)
}

func matchesFilter(rec *models.Record, filter map[string]string) bool {
	for field, want := range filter {
		got, ok := rec.Fields[field]
		if !ok || fmt.Sprint(got) != want {
			return false
		}
	}
	return true
}

func mergeFields(base models.Fields, changes map[string]any) models.Fields {
	out := make(models.Fields, len(base)+len(changes))
	maps.Copy(out, base)
	maps.Copy(out, changes)
	return out
}
