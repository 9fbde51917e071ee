package invalidation

import (
	"testing"

	"study-portal/pkg/cache"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var (
	employee123  = cache.NewKey("employees", "123", nil)
	employeeList = cache.NewKey("employees", "list", nil)
	projectList  = cache.NewKey("projects", "list", nil)
	project7     = cache.NewKey("projects", "7", nil)
	summary      = cache.NewKey("dashboard", "summary", nil)
	contractList = cache.NewKey("contracts", "list", nil)
	studyList    = cache.NewKey("studies", "list", nil)
)

func seededStore(t *testing.T, keys ...cache.Key) *cache.Store {
	t.Helper()
	store := cache.NewStore(cache.DefaultStoreConfig(), nil)
	t.Cleanup(store.Close)
	for _, k := range keys {
		store.Put(k, cache.Record{"id": k.Scope}, 1, cache.Fresh)
	}
	return store
}

func staleness(t *testing.T, store *cache.Store, key cache.Key) cache.Staleness {
	t.Helper()
	entry, ok := store.Peek(key)
	require.True(t, ok, "missing %s", key)
	return entry.Staleness
}

func TestDefaultRules_CoverEveryEntity(t *testing.T) {
	rules := DefaultRules()
	for _, entity := range AllEntityTypes() {
		rule := rules[entity]
		require.NotEmpty(t, rule.Patterns, "no rule for %s", entity)
		assert.True(t, rule.Patterns[0].Matches(cache.NewKey(entity.String(), "any", nil)),
			"%s rule must cover its own keys", entity)
	}
	assert.Len(t, AllEntityTypes(), len(rules))
}

func TestRouter_CascadingInvalidation(t *testing.T) {
	store := seededStore(t, employee123, projectList, summary, contractList)
	router := NewRouter(store, DefaultRules(), nil)

	affected := router.OnChange(NewChangeEvent("employees", Update, nil, cache.Record{"id": "123"}))

	assert.ElementsMatch(t, []cache.Key{employee123, projectList, summary}, affected)
	assert.Equal(t, cache.Stale, staleness(t, store, employee123))
	assert.Equal(t, cache.Stale, staleness(t, store, projectList))
	assert.Equal(t, cache.Stale, staleness(t, store, summary))
	assert.Equal(t, cache.Fresh, staleness(t, store, contractList))
}

func TestRouter_DuplicateEventsAreIdempotent(t *testing.T) {
	keys := []cache.Key{employee123, employeeList, projectList, project7, summary, contractList, studyList}
	once := seededStore(t, keys...)
	twice := seededStore(t, keys...)

	ev := NewChangeEvent("timesheets", Insert, nil, map[string]any{"hours": 8})
	NewRouter(once, DefaultRules(), nil).OnChange(ev)
	r := NewRouter(twice, DefaultRules(), nil)
	r.OnChange(ev)
	r.OnChange(ev)

	for _, k := range keys {
		assert.Equal(t, staleness(t, once, k), staleness(t, twice, k), k.String())
	}
	assert.Equal(t, cache.Stale, staleness(t, twice, project7))
	assert.Equal(t, cache.Fresh, staleness(t, twice, studyList))
}

func TestRouter_UnknownTableInvalidatesItself(t *testing.T) {
	audit := cache.NewKey("audit_log", "list", nil)
	store := seededStore(t, audit, summary)
	router := NewRouter(store, DefaultRules(), nil)

	affected := router.OnChange(NewChangeEvent("Audit_Log", Delete, nil, nil))

	assert.Equal(t, []cache.Key{audit}, affected)
	assert.Equal(t, cache.Fresh, staleness(t, store, summary))
}

func TestRouter_EntityWithoutPatternsFallsBackToOwnKeys(t *testing.T) {
	store := seededStore(t, contractList, summary)
	router := NewRouter(store, RuleTable{}, nil)

	affected := router.OnChange(ChangeEvent{Entity: Contracts, Kind: Update})
	assert.Equal(t, []cache.Key{contractList}, affected)
}

func TestRouter_OnCommit(t *testing.T) {
	t.Run("aggregate field touches dependents", func(t *testing.T) {
		store := seededStore(t, employee123, employeeList, projectList, summary)
		router := NewRouter(store, DefaultRules(), nil)

		affected := router.OnCommit(employee123, Employees, []string{"wages"})

		assert.ElementsMatch(t, []cache.Key{employeeList, projectList, summary}, affected)
		assert.Equal(t, cache.Fresh, staleness(t, store, employee123), "committed key keeps canonical value")
	})

	t.Run("non aggregate field only touches own lists", func(t *testing.T) {
		store := seededStore(t, employee123, employeeList, projectList, summary)
		router := NewRouter(store, DefaultRules(), nil)

		affected := router.OnCommit(employee123, Employees, []string{"email"})

		assert.Equal(t, []cache.Key{employeeList}, affected)
		assert.Equal(t, cache.Fresh, staleness(t, store, summary))
	})

	t.Run("no field filter means every field counts", func(t *testing.T) {
		store := seededStore(t, project7, projectList, summary)
		router := NewRouter(store, DefaultRules(), nil)

		affected := router.OnCommit(project7, Projects, []string{"name"})
		assert.ElementsMatch(t, []cache.Key{projectList, summary}, affected)
	})
}

type mockInvalidator struct {
	mock.Mock
}

func (m *mockInvalidator) MarkStaleMatching(match func(cache.Key) bool) []cache.Key {
	args := m.Called(match)
	return args.Get(0).([]cache.Key)
}

func TestRouter_WritesThroughInvalidator(t *testing.T) {
	inv := new(mockInvalidator)
	inv.On("MarkStaleMatching", mock.Anything).Return([]cache.Key{summary})

	router := NewRouter(inv, DefaultRules(), nil)
	affected := router.OnChange(NewChangeEvent("studies", Update, nil, nil))

	assert.Equal(t, []cache.Key{summary}, affected)
	inv.AssertNumberOfCalls(t, "MarkStaleMatching", 1)

	match := inv.Calls[0].Arguments.Get(0).(func(cache.Key) bool)
	assert.True(t, match(studyList))
	assert.True(t, match(summary))
	assert.False(t, match(contractList))
}

func TestParsers(t *testing.T) {
	kind, err := ParseChangeKind("update")
	require.NoError(t, err)
	assert.Equal(t, Update, kind)

	_, err = ParseChangeKind("TRUNCATE")
	assert.Error(t, err)

	entity, ok := ParseEntityType("Employees")
	assert.True(t, ok)
	assert.Equal(t, Employees, entity)

	_, ok = ParseEntityType("invoices")
	assert.False(t, ok)
	assert.False(t, EntityType(99).Valid())
}
