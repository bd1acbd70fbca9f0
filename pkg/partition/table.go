// Package partition maps routing keys onto a fixed set of ordered partitions and
// tracks the load and backlog of each partition.
package partition

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Spec is the static definition of one partition.
type Spec struct {
	ID int
	// Capacity is an advisory ceiling used only for health classification.
	Capacity int
	// RoutingKeys are the keys that resolve to this partition.
	RoutingKeys []string
}

// Table resolves routing keys to partition IDs. It is immutable once built.
type Table struct {
	specs     []Spec
	byKey     map[string]int
	defaultID int
}

// CanonicalKey normalises a routing key before lookup.
func CanonicalKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

// NewTable validates the topology and builds a lookup table. Every routing key
// must map to at most one partition and defaultID must name a defined partition.
func NewTable(specs []Spec, defaultID int) (*Table, error) {
	if len(specs) == 0 {
		return nil, errors.New("at least one partition is required")
	}

	t := &Table{
		byKey:     make(map[string]int),
		defaultID: defaultID,
	}
	seen := make(map[int]bool, len(specs))
	for _, s := range specs {
		if seen[s.ID] {
			return nil, fmt.Errorf("duplicate partition id %d", s.ID)
		}
		seen[s.ID] = true
		if s.Capacity <= 0 {
			return nil, fmt.Errorf("partition %d: capacity must be positive, got %d", s.ID, s.Capacity)
		}

		keys := make([]string, 0, len(s.RoutingKeys))
		for _, raw := range s.RoutingKeys {
			k := CanonicalKey(raw)
			if k == "" {
				continue
			}
			if owner, dup := t.byKey[k]; dup {
				return nil, fmt.Errorf("routing key %q mapped to both partition %d and %d", k, owner, s.ID)
			}
			t.byKey[k] = s.ID
			keys = append(keys, k)
		}
		t.specs = append(t.specs, Spec{ID: s.ID, Capacity: s.Capacity, RoutingKeys: keys})
	}
	if !seen[defaultID] {
		return nil, fmt.Errorf("default partition %d is not defined", defaultID)
	}

	sort.Slice(t.specs, func(i, j int) bool { return t.specs[i].ID < t.specs[j].ID })
	return t, nil
}

// Assign returns the partition for routingKey. Unmapped keys resolve to the
// default partition with mapped set to false; this is never an error.
func (t *Table) Assign(routingKey string) (id int, mapped bool) {
	if id, ok := t.byKey[CanonicalKey(routingKey)]; ok {
		return id, true
	}
	return t.defaultID, false
}

// DefaultPartition returns the catch-all partition ID.
func (t *Table) DefaultPartition() int {
	return t.defaultID
}

// Partitions returns the partition specs ordered by ID.
func (t *Table) Partitions() []Spec {
	out := make([]Spec, len(t.specs))
	for i, s := range t.specs {
		keys := make([]string, len(s.RoutingKeys))
		copy(keys, s.RoutingKeys)
		out[i] = Spec{ID: s.ID, Capacity: s.Capacity, RoutingKeys: keys}
	}
	return out
}
