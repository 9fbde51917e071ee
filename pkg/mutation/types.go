package mutation

import (
	"context"
	"fmt"
	"time"

	"study-portal/pkg/apperror"
	"study-portal/pkg/cache"
	"study-portal/pkg/invalidation"

	"github.com/go-playground/validator/v10"
)

// Intent is a local edit of one record.
type Intent struct {
	Target          cache.Key      `json:"-"`
	Changes         map[string]any `json:"fieldChanges" validate:"required,min=1"`
	ExpectedVersion int64          `json:"expectedVersion" validate:"required,gte=1"`
}

// reservedFields are owned by the backend and cannot be edited.
var reservedFields = map[string]bool{"id": true, "entityType": true, "version": true, "createdAt": true, "updatedAt": true}

var validate = validator.New()

// Validate checks the intent before anything touches the cache.
func (i Intent) Validate() error {
	entity, ok := invalidation.ParseEntityType(i.Target.Entity)
	if !ok {
		return apperror.NewValidationError(fmt.Sprintf("unknown entity %q", i.Target.Entity))
	}
	if entity == invalidation.Dashboard {
		return apperror.NewValidationError("dashboard figures are derived and cannot be edited")
	}
	if i.Target.Scope == "" || i.Target.Params != "" {
		return apperror.NewValidationError("mutation target must address a single record")
	}
	if err := validate.Struct(i); err != nil {
		return apperror.NewValidationError("invalid mutation").WithCause(err)
	}
	for field := range i.Changes {
		if field == "" || reservedFields[field] {
			return apperror.NewValidationError(fmt.Sprintf("field %q cannot be changed", field))
		}
	}
	return nil
}

// Entity returns the entity type of the target.
func (i Intent) Entity() invalidation.EntityType {
	return entityOf(i.Target)
}

// Fields returns the names of the changed fields.
func (i Intent) Fields() []string {
	return fieldNames(i.Changes)
}

// Request is the remote mutation call.
type Request struct {
	EntityType      string         `json:"entityType"`
	ID              string         `json:"id"`
	FieldChanges    map[string]any `json:"fieldChanges"`
	ExpectedVersion int64          `json:"expectedVersion"`
}

// Response is the remote mutation result. A rejected mutation has OK false and
// Reason CONFLICT, VALIDATION or NETWORK.
type Response struct {
	OK      bool           `json:"ok"`
	Version int64          `json:"version,omitempty"`
	Record  map[string]any `json:"record,omitempty"`
	Reason  string         `json:"reason,omitempty"`
	Message string         `json:"message,omitempty"`
}

// RemoteAPI applies mutations on the backend.
type RemoteAPI interface {
	Mutate(ctx context.Context, req Request) (Response, error)
}

// Outcome of a mutation.
type Outcome int

const (
	Committed Outcome = iota
	Conflict
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Committed:
		return "committed"
	case Conflict:
		return "conflict"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Result describes how a mutation resolved.
type Result struct {
	Outcome Outcome      `json:"outcome"`
	Version int64        `json:"version"`
	Record  cache.Record `json:"record,omitempty"`
	// Previous is what the cache displayed for the key when the edit was issued.
	Previous cache.Entry `json:"previous"`
}

// Config holds executor settings
type Config struct {
	Timeout time.Duration `json:"timeout" yaml:"timeout"` // bound on every remote call
}

// DefaultConfig returns default executor configuration
func DefaultConfig() Config {
	return Config{Timeout: 15 * time.Second}
}

// Cache is the part of the store the executor writes through.
type Cache interface {
	Peek(key cache.Key) (cache.Entry, bool)
	Begin(key cache.Key) cache.Ticket
	SetIfCurrent(t cache.Ticket, value any, version int64, staleness cache.Staleness) bool
	MarkStaleMatching(match func(cache.Key) bool) []cache.Key
}

// Committer is notified after an edit is accepted by the backend.
type Committer interface {
	OnCommit(key cache.Key, entity invalidation.EntityType, changed []string) []cache.Key
}

// Observer receives mutation outcomes, typically to feed metrics.
type Observer interface {
	ObserveMutation(entity string, outcome string, elapsed time.Duration)
}

type nopObserver struct{}

func (nopObserver) ObserveMutation(string, string, time.Duration) {}
