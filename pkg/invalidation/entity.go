package invalidation

import (
	"encoding/json"
	"fmt"
	"strings"
)

// EntityType is the closed set of entities the portal caches.
type EntityType int

const (
	Employees EntityType = iota
	Projects
	Timesheets
	Contractors
	Supplies
	Contracts
	Studies
	Documents
	Dashboard

	numEntityTypes
)

var entityNames = [numEntityTypes]string{
	Employees:   "employees",
	Projects:    "projects",
	Timesheets:  "timesheets",
	Contractors: "contractors",
	Supplies:    "supplies",
	Contracts:   "contracts",
	Studies:     "studies",
	Documents:   "documents",
	Dashboard:   "dashboard",
}

func (e EntityType) String() string {
	if e.Valid() {
		return entityNames[e]
	}
	return fmt.Sprintf("entity(%d)", int(e))
}

// Valid reports whether e is one of the declared entity types.
func (e EntityType) Valid() bool {
	return e >= 0 && e < numEntityTypes
}

func (e EntityType) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.String())
}

func (e *EntityType) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, ok := ParseEntityType(name)
	if !ok {
		return fmt.Errorf("unknown entity type %q", name)
	}
	*e = parsed
	return nil
}

// ParseEntityType maps a table or entity name to its EntityType.
func ParseEntityType(name string) (EntityType, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	for i, n := range entityNames {
		if n == name {
			return EntityType(i), true
		}
	}
	return 0, false
}

// AllEntityTypes returns every entity type in declaration order.
func AllEntityTypes() []EntityType {
	out := make([]EntityType, numEntityTypes)
	for i := range out {
		out[i] = EntityType(i)
	}
	return out
}
