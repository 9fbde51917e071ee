package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewKey_CanonicalParams(t *testing.T) {
	a := NewKey("employees", "list", map[string]string{"status": "active", "dept": "r&d"})
	b := NewKey("employees", "list", map[string]string{"dept": "r&d", "status": "active"})

	assert.Equal(t, a, b)
	assert.Equal(t, "employees:list?dept=r%26d&status=active", a.String())
	assert.Equal(t, "employees:123", NewKey("employees", "123", nil).String())
}

func TestParseKey(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		key := NewKey("projects", "list", map[string]string{"study": "s1"})
		parsed, err := ParseKey(key.String())
		require.NoError(t, err)
		assert.Equal(t, key, parsed)
		assert.Equal(t, map[string]string{"study": "s1"}, parsed.ParamMap())
	})

	t.Run("invalid", func(t *testing.T) {
		for _, raw := range []string{"", "employees", ":list", "employees:", "employees:*"} {
			_, err := ParseKey(raw)
			assert.Error(t, err, raw)
		}
	})
}

func TestPattern_Matches(t *testing.T) {
	emp := NewKey("employees", "123", nil)
	empList := NewKey("employees", "list", map[string]string{"status": "active"})
	projects := NewKey("projects", "list", nil)
	projectsFiltered := NewKey("projects", "list", map[string]string{"study": "s1"})
	summary := NewKey("dashboard", "summary", nil)

	tests := []struct {
		pattern string
		key     Key
		want    bool
	}{
		{"employees:*", emp, true},
		{"employees:*", empList, true},
		{"employees:*", projects, false},
		{"employees", emp, true},
		{"projects:list", projects, true},
		{"projects:list", projectsFiltered, true},
		{"projects:list?study=s1", projectsFiltered, true},
		{"projects:list?study=s2", projectsFiltered, false},
		{"projects:li*", projects, true},
		{"projects:123", projects, false},
		{"dashboard:*", summary, true},
		{"*", summary, true},
		{"*:list", projects, true},
		{"*:list", summary, false},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+"/"+tt.key.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, ParsePattern(tt.pattern).Matches(tt.key))
		})
	}
}

func TestParsePattern_String(t *testing.T) {
	assert.Equal(t, "*", ParsePattern("*").String())
	assert.Equal(t, "employees:*", ParsePattern("employees").String())
	assert.Equal(t, "projects:list", ParsePattern("projects:list").String())
	assert.Equal(t, EntityPattern("studies"), ParsePattern("studies:*"))
}

func TestRecord_MergeDoesNotMutate(t *testing.T) {
	original := Record{"name": "Ada", "wages": 100000}
	merged := original.Merge(map[string]any{"wages": 120000})

	assert.Equal(t, 100000, original["wages"])
	assert.Equal(t, 120000, merged["wages"])
	assert.Equal(t, "Ada", merged["name"])

	rec, ok := AsRecord(map[string]any{"a": 1})
	assert.True(t, ok)
	assert.Equal(t, Record{"a": 1}, rec)

	_, ok = AsRecord([]any{1, 2})
	assert.False(t, ok)
}
