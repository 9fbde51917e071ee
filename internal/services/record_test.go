package services

import (
	"context"
	"errors"
	"testing"

	"study-portal/internal/models"
	"study-portal/internal/repository"
	"study-portal/pkg/apperror"
	"study-portal/pkg/database"
	"study-portal/pkg/feed"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) Publish(ctx context.Context, msg feed.Message) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

func newTestService(t *testing.T) (*RecordService, *mockPublisher) {
	t.Helper()
	db, err := database.OpenSQLite(database.MemoryPath, false, &models.Record{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.CloseSQL(db) })

	pub := &mockPublisher{}
	return NewRecordService(repository.NewSQLRecordRepository(db), pub, nil), pub
}

func isEvent(table, eventType string) any {
	return mock.MatchedBy(func(msg feed.Message) bool {
		return msg.Table == table && msg.EventType == eventType
	})
}

func TestRecordService_CreateUpdateDeletePublish(t *testing.T) {
	svc, pub := newTestService(t)
	ctx := context.Background()

	pub.On("Publish", mock.Anything, isEvent("employees", "INSERT")).Return(nil).Once()
	pub.On("Publish", mock.Anything, isEvent("employees", "UPDATE")).Return(nil).Once()
	pub.On("Publish", mock.Anything, isEvent("employees", "DELETE")).Return(nil).Once()

	created, err := svc.Create(ctx, "employees", models.CreateRecordRequest{Fields: map[string]any{"name": "Ada", "wages": 1000.0}})
	require.NoError(t, err)
	assert.NotEmpty(t, created.RecordID)
	assert.Equal(t, int64(1), created.Version)

	updated, err := svc.Update(ctx, "employees", created.RecordID, models.UpdateRecordRequest{
		FieldChanges:    map[string]any{"wages": 1200.0},
		ExpectedVersion: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)

	_, err = svc.Delete(ctx, "employees", created.RecordID, 2)
	require.NoError(t, err)

	pub.AssertExpectations(t)
	update := pub.Calls[1].Arguments.Get(1).(feed.Message)
	assert.Equal(t, 1000.0, update.Old["wages"])
	assert.Equal(t, 1200.0, update.New["wages"])
	assert.Equal(t, int64(2), update.New["version"])
}

func TestRecordService_UpdateConflict(t *testing.T) {
	svc, pub := newTestService(t)
	ctx := context.Background()
	pub.On("Publish", mock.Anything, mock.Anything).Return(nil)

	_, err := svc.Create(ctx, "projects", models.CreateRecordRequest{ID: "p1", Fields: map[string]any{"name": "Widget"}})
	require.NoError(t, err)
	_, err = svc.Update(ctx, "projects", "p1", models.UpdateRecordRequest{FieldChanges: map[string]any{"name": "A"}, ExpectedVersion: 1})
	require.NoError(t, err)

	_, err = svc.Update(ctx, "projects", "p1", models.UpdateRecordRequest{FieldChanges: map[string]any{"name": "B"}, ExpectedVersion: 1})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperror.ErrConflict))

	_, err = svc.Update(ctx, "projects", "nope", models.UpdateRecordRequest{FieldChanges: map[string]any{"name": "B"}, ExpectedVersion: 1})
	assert.True(t, errors.Is(err, apperror.ErrNotFound))

	_, err = svc.Update(ctx, "projects", "p1", models.UpdateRecordRequest{FieldChanges: map[string]any{"name": "C"}})
	assert.True(t, errors.Is(err, apperror.ErrValidation))
	_, err = svc.Delete(ctx, "projects", "p1", 0)
	assert.True(t, errors.Is(err, apperror.ErrValidation))
	current, err := svc.Get(ctx, "projects", "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), current.Version)
	assert.Equal(t, "A", current.Fields["name"])

	pub.AssertNumberOfCalls(t, "Publish", 2)
}

func TestRecordService_Validation(t *testing.T) {
	svc, pub := newTestService(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		entity string
		fields map[string]any
	}{
		{"unknown entity", "invoices", map[string]any{"a": 1}},
		{"dashboard is derived", "dashboard", map[string]any{"a": 1}},
		{"reserved field", "employees", map[string]any{"version": 3}},
		{"dotted field", "employees", map[string]any{"a.b": 1}},
		{"operator field", "employees", map[string]any{"$set": 1}},
		{"no fields", "employees", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Create(ctx, tt.entity, models.CreateRecordRequest{Fields: tt.fields})
			require.Error(t, err)
			assert.Equal(t, apperror.ErrorTypeValidation, apperror.TypeOf(err))
		})
	}

	_, err := svc.Update(ctx, "employees", "e1", models.UpdateRecordRequest{})
	assert.Equal(t, apperror.ErrorTypeValidation, apperror.TypeOf(err))
	pub.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything)
}

func TestRecordService_PublishFailureDoesNotFailWrite(t *testing.T) {
	svc, pub := newTestService(t)
	pub.On("Publish", mock.Anything, mock.Anything).Return(errors.New("redis down"))

	rec, err := svc.Create(context.Background(), "studies", models.CreateRecordRequest{ID: "s1", Fields: map[string]any{"year": 2024}})
	require.NoError(t, err)
	assert.Equal(t, "s1", rec.RecordID)
}

func TestRecordService_DashboardSummary(t *testing.T) {
	svc, pub := newTestService(t)
	ctx := context.Background()
	pub.On("Publish", mock.Anything, mock.Anything).Return(nil)

	create := func(entity, id string, fields map[string]any) {
		_, err := svc.Create(ctx, entity, models.CreateRecordRequest{ID: id, Fields: fields})
		require.NoError(t, err)
	}
	create("employees", "e1", map[string]any{"wages": 100000.0, "qre_percentage": 50.0})
	create("employees", "e2", map[string]any{"wages": 80000.0, "qre_percentage": 25.0})
	create("contractors", "c1", map[string]any{"amount": 10000.0, "qualified": true})
	create("contractors", "c2", map[string]any{"amount": 5000.0, "qualified": false})
	create("supplies", "s1", map[string]any{"amount": 2000.0, "qualified": true})
	create("projects", "p1", map[string]any{"name": "Widget"})
	create("timesheets", "t1", map[string]any{"hours": 7.5})
	create("timesheets", "t2", map[string]any{"hours": 2.5})

	_, err := svc.Update(ctx, "employees", "e1", models.UpdateRecordRequest{FieldChanges: map[string]any{"qre_percentage": 60.0}, ExpectedVersion: 1})
	require.NoError(t, err)

	summary, err := svc.DashboardSummary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.EmployeeCount)
	assert.Equal(t, 1, summary.ProjectCount)
	assert.Equal(t, 0, summary.StudyCount)
	assert.InDelta(t, 80000.0, summary.WageQRE, 0.001)
	assert.InDelta(t, 6500.0, summary.ContractorQRE, 0.001)
	assert.InDelta(t, 2000.0, summary.SupplyQRE, 0.001)
	assert.InDelta(t, 88500.0, summary.TotalQRE, 0.001)
	assert.InDelta(t, 10.0, summary.HoursLogged, 0.001)
	assert.Equal(t, int64(2), summary.Version)
}

func TestMultiPublisher(t *testing.T) {
	first := &mockPublisher{}
	second := &mockPublisher{}
	first.On("Publish", mock.Anything, mock.Anything).Return(errors.New("boom"))
	second.On("Publish", mock.Anything, mock.Anything).Return(nil)

	err := MultiPublisher{first, nil, second}.Publish(context.Background(), feed.Message{Table: "projects", EventType: "INSERT"})
	assert.EqualError(t, err, "boom")
	second.AssertNumberOfCalls(t, "Publish", 1)
}
