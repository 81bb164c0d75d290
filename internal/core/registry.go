package core

import (
	"fmt"
	"sort"
	"sync"
)

// Column names shared by the day and month CSV layouts.
const (
	ColGuildID  = "guild_id"
	ColDay      = "day"
	ColMonth    = "month"
	ColUserID   = "user_id"
	ColMessages = "messages"
)

// Schema declares the required columns of a batch. Column order in the file
// is irrelevant; columns are located by name in the header row.
type Schema struct {
	Scope   Scope
	Label   string
	Columns []string
}

// DaySchema is the layout of a day-scope export.
var DaySchema = Schema{
	Scope:   ScopeDay,
	Label:   "Daily message counts",
	Columns: []string{ColGuildID, ColDay, ColUserID, ColMessages},
}

// MonthSchema is the layout of a month-scope export.
var MonthSchema = Schema{
	Scope:   ScopeMonth,
	Label:   "Monthly message counts",
	Columns: []string{ColGuildID, ColMonth, ColUserID, ColMessages},
}

var (
	registry   = make(map[Scope]Schema)
	registryMu sync.RWMutex
)

func init() {
	Register(DaySchema)
	Register(MonthSchema)
}

// Register adds a schema to the registry.
// Panics if a schema with the same scope is already registered.
func Register(s Schema) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if _, exists := registry[s.Scope]; exists {
		panic(fmt.Sprintf("schema already registered: %s", s.Scope))
	}
	registry[s.Scope] = s
}

// Get returns the schema for a scope.
// Returns false if not found.
func Get(scope Scope) (Schema, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()

	s, ok := registry[scope]
	return s, ok
}

// All returns all registered schemas sorted by scope.
func All() []Schema {
	registryMu.RLock()
	defer registryMu.RUnlock()

	result := make([]Schema, 0, len(registry))
	for _, s := range registry {
		result = append(result, s)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].Scope < result[j].Scope
	})
	return result
}

// ParseScope resolves a scope name such as "day" or "month".
func ParseScope(name string) (Scope, error) {
	s := Scope(name)
	if _, ok := Get(s); !ok {
		return "", fmt.Errorf("unknown scope: %q", name)
	}
	return s, nil
}
