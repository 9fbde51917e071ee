package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"study-portal/internal/models"
	"study-portal/internal/repository"
	"study-portal/pkg/apperror"
	"study-portal/pkg/feed"
	"study-portal/pkg/invalidation"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Publisher delivers change messages to feed subscribers.
type Publisher interface {
	Publish(ctx context.Context, msg feed.Message) error
}

// MultiPublisher fans a message out to several publishers. Every publisher is
// tried; the first error is returned.
type MultiPublisher []Publisher

func (m MultiPublisher) Publish(ctx context.Context, msg feed.Message) error {
	var first error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, msg); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Contractor spend counts toward QRE at 65%.
const contractorQRERate = 0.65

type RecordService struct {
	repo      repository.RecordRepository
	publisher Publisher
	logger    *zap.Logger
}

func NewRecordService(repo repository.RecordRepository, publisher Publisher, logger *zap.Logger) *RecordService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RecordService{
		repo:      repo,
		publisher: publisher,
		logger:    logger,
	}
}

// Get returns one record.
func (s *RecordService) Get(ctx context.Context, entity, id string) (*models.Record, error) {
	if err := validateEntity(entity); err != nil {
		return nil, err
	}
	rec, err := s.repo.FindByID(ctx, entity, id)
	if err != nil {
		return nil, translate(err, entity, id)
	}
	return rec, nil
}

// List returns the records of entity matching filter.
func (s *RecordService) List(ctx context.Context, entity string, filter map[string]string) ([]*models.Record, error) {
	if err := validateEntity(entity); err != nil {
		return nil, err
	}
	records, err := s.repo.FindAll(ctx, entity, filter)
	if err != nil {
		return nil, translate(err, entity, "")
	}
	return records, nil
}

// Create stores a new record at version 1. An empty id is generated.
func (s *RecordService) Create(ctx context.Context, entity string, req models.CreateRecordRequest) (*models.Record, error) {
	if err := validateEntity(entity); err != nil {
		return nil, err
	}
	if err := validateFields(req.Fields); err != nil {
		return nil, err
	}
	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = uuid.NewString()
	}

	rec, err := s.repo.Create(ctx, &models.Record{EntityType: entity, RecordID: id, Fields: models.Fields(req.Fields)})
	if err != nil {
		return nil, translate(err, entity, id)
	}
	s.publish(ctx, feed.Message{Table: entity, EventType: "INSERT", New: rec.Flatten()})
	return rec, nil
}

// Update merges changes into a record if it is still at expectedVersion.
func (s *RecordService) Update(ctx context.Context, entity, id string, req models.UpdateRecordRequest) (*models.Record, error) {
	if err := validateEntity(entity); err != nil {
		return nil, err
	}
	if len(req.FieldChanges) == 0 {
		return nil, apperror.NewValidationError("fieldChanges must not be empty")
	}
	if req.ExpectedVersion < 1 {
		return nil, apperror.NewValidationError("expectedVersion must be at least 1")
	}
	if err := validateFields(req.FieldChanges); err != nil {
		return nil, err
	}

	var old map[string]any
	if current, err := s.repo.FindByID(ctx, entity, id); err == nil {
		old = current.Flatten()
	}

	rec, err := s.repo.UpdateVersioned(ctx, entity, id, req.FieldChanges, req.ExpectedVersion)
	if err != nil {
		return nil, translate(err, entity, id)
	}
	s.publish(ctx, feed.Message{Table: entity, EventType: "UPDATE", New: rec.Flatten(), Old: old})
	return rec, nil
}

// Delete removes a record if it is still at expectedVersion.
func (s *RecordService) Delete(ctx context.Context, entity, id string, expectedVersion int64) (*models.Record, error) {
	if err := validateEntity(entity); err != nil {
		return nil, err
	}
	if expectedVersion < 1 {
		return nil, apperror.NewValidationError("expectedVersion must be at least 1")
	}
	rec, err := s.repo.Delete(ctx, entity, id, expectedVersion)
	if err != nil {
		return nil, translate(err, entity, id)
	}
	s.publish(ctx, feed.Message{Table: entity, EventType: "DELETE", Old: rec.Flatten()})
	return rec, nil
}

// DashboardSummary aggregates qualified research expenses:
//
//	wage QRE       = sum(wages * qre_percentage / 100) over employees
//	contractor QRE = sum(amount * 0.65) over qualified contractors
//	supply QRE     = sum(amount) over qualified supplies
func (s *RecordService) DashboardSummary(ctx context.Context) (*models.DashboardSummary, error) {
	load := func(entity invalidation.EntityType) ([]*models.Record, error) {
		records, err := s.repo.FindAll(ctx, entity.String(), nil)
		if err != nil {
			return nil, translate(err, entity.String(), "")
		}
		return records, nil
	}

	summary := &models.DashboardSummary{GeneratedAt: time.Now().UTC()}
	track := func(records []*models.Record) {
		for _, rec := range records {
			summary.Version = max(summary.Version, rec.Version)
		}
	}

	employees, err := load(invalidation.Employees)
	if err != nil {
		return nil, err
	}
	track(employees)
	summary.EmployeeCount = len(employees)
	for _, e := range employees {
		summary.WageQRE += number(e.Fields["wages"]) * number(e.Fields["qre_percentage"]) / 100
	}

	contractors, err := load(invalidation.Contractors)
	if err != nil {
		return nil, err
	}
	track(contractors)
	for _, c := range contractors {
		if truthy(c.Fields["qualified"]) {
			summary.ContractorQRE += number(c.Fields["amount"]) * contractorQRERate
		}
	}

	supplies, err := load(invalidation.Supplies)
	if err != nil {
		return nil, err
	}
	track(supplies)
	for _, sp := range supplies {
		if truthy(sp.Fields["qualified"]) {
			summary.SupplyQRE += number(sp.Fields["amount"])
		}
	}

	projects, err := load(invalidation.Projects)
	if err != nil {
		return nil, err
	}
	track(projects)
	summary.ProjectCount = len(projects)

	studies, err := load(invalidation.Studies)
	if err != nil {
		return nil, err
	}
	track(studies)
	summary.StudyCount = len(studies)

	timesheets, err := load(invalidation.Timesheets)
	if err != nil {
		return nil, err
	}
	track(timesheets)
	for _, ts := range timesheets {
		summary.HoursLogged += number(ts.Fields["hours"])
	}

	summary.TotalQRE = summary.WageQRE + summary.ContractorQRE + summary.SupplyQRE
	return summary, nil
}

func (s *RecordService) publish(ctx context.Context, msg feed.Message) {
	if s.publisher == nil {
		return
	}
	// The write is already durable; subscribers resync on reconnect.
	if err := s.publisher.Publish(context.WithoutCancel(ctx), msg); err != nil {
		s.logger.Warn("Failed to publish change",
			zap.String("table", msg.Table),
			zap.String("eventType", msg.EventType),
			zap.Error(err),
		)
	}
}

func validateEntity(entity string) error {
	parsed, ok := invalidation.ParseEntityType(entity)
	if !ok || parsed == invalidation.Dashboard || parsed.String() != entity {
		return apperror.NewValidationError(fmt.Sprintf("unknown entity %q", entity))
	}
	return nil
}

func validateFields(fields map[string]any) error {
	if fields == nil {
		return apperror.NewValidationError("fields are required")
	}
	for field := range fields {
		switch {
		case field == "":
			return apperror.NewValidationError("field names must not be empty")
		case models.ReservedFields[field]:
			return apperror.NewValidationError(fmt.Sprintf("field %q cannot be changed", field))
		case strings.Contains(field, "."), strings.HasPrefix(field, "$"):
			return apperror.NewValidationError(fmt.Sprintf("field %q is not a valid name", field))
		}
	}
	return nil
}

func translate(err error, entity, id string) error {
	switch {
	case errors.Is(err, repository.ErrRecordNotFound):
		return apperror.NewNotFoundError(entity + "/" + id)
	case errors.Is(err, repository.ErrVersionConflict):
		return apperror.NewConflictError(fmt.Sprintf("%s/%s was changed by someone else", entity, id))
	case errors.Is(err, repository.ErrDuplicateRecord):
		return apperror.NewValidationError(fmt.Sprintf("%s/%s already exists", entity, id))
	case errors.Is(err, context.Canceled):
		return apperror.NewCancellationError(err)
	default:
		return apperror.NewInternalError("record store failed", err)
	}
}

func number(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case string:
		f, _ := strconv.ParseFloat(n, 64)
		return f
	default:
		return 0
	}
}

func truthy(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case string:
		parsed, _ := strconv.ParseBool(b)
		return parsed
	default:
		return number(v) != 0
	}
}
