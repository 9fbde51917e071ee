package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"maps"
	"time"
)

// ReservedFields are owned by the store and cannot be set through Fields.
var ReservedFields = map[string]bool{
	"id":         true,
	"entityType": true,
	"version":    true,
	"createdAt":  true,
	"updatedAt":  true,
}

// Fields holds the entity-specific attributes of a record. SQL stores them as
// JSON text.
type Fields map[string]any

func (f Fields) Value() (driver.Value, error) {
	if f == nil {
		return "{}", nil
	}
	data, err := json.Marshal(f)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func (f *Fields) Scan(src any) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		*f = Fields{}
		return nil
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return fmt.Errorf("cannot scan %T into Fields", src)
	}
	out := Fields{}
	if err := json.Unmarshal(data, &out); err != nil {
		return err
	}
	*f = out
	return nil
}

// Record is one row of any portal entity (employee, project, timesheet...).
// Version starts at 1 and increases with every accepted write.
type Record struct {
	EntityType string    `bson:"entity_type" json:"entityType" gorm:"primaryKey;column:entity_type"`
	RecordID   string    `bson:"record_id" json:"id" gorm:"primaryKey;column:record_id"`
	Version    int64     `bson:"version" json:"version" gorm:"not null;default:1"`
	Fields     Fields    `bson:"fields" json:"fields" gorm:"type:text"`
	CreatedAt  time.Time `bson:"created_at" json:"createdAt"`
	UpdatedAt  time.Time `bson:"updated_at" json:"updatedAt"`
}

// TableName specifies the table name for the Record model
func (Record) TableName() string {
	return "records"
}

// Flatten returns the record in the shape clients cache: the fields plus id,
// entityType, version and timestamps.
func (r *Record) Flatten() map[string]any {
	out := make(map[string]any, len(r.Fields)+5)
	maps.Copy(out, r.Fields)
	out["id"] = r.RecordID
	out["entityType"] = r.EntityType
	out["version"] = r.Version
	out["createdAt"] = r.CreatedAt
	out["updatedAt"] = r.UpdatedAt
	return out
}

// CreateRecordRequest is the body of POST /records/:entity.
type CreateRecordRequest struct {
	ID     string         `json:"id"`
	Fields map[string]any `json:"fields" validate:"required"`
}

// UpdateRecordRequest is the body of PATCH /records/:entity/:id.
// ExpectedVersion is the version the edit was based on.
type UpdateRecordRequest struct {
	FieldChanges    map[string]any `json:"fieldChanges" validate:"required,min=1"`
	ExpectedVersion int64          `json:"expectedVersion" validate:"required,gte=1"`
}

// DashboardSummary aggregates qualified research expenses across a study.
type DashboardSummary struct {
	EmployeeCount int       `json:"employeeCount"`
	ProjectCount  int       `json:"projectCount"`
	StudyCount    int       `json:"studyCount"`
	WageQRE       float64   `json:"wageQre"`
	ContractorQRE float64   `json:"contractorQre"`
	SupplyQRE     float64   `json:"supplyQre"`
	TotalQRE      float64   `json:"totalQre"`
	HoursLogged   float64   `json:"hoursLogged"`
	Version       int64     `json:"version"` // highest version among contributing records
	GeneratedAt   time.Time `json:"generatedAt"`
}
