// Package registry maps (record type, phase) to the rule set the engine runs.
//
// Dispatch is an explicit table filled at startup from a declarative catalog
// (YAML file or database) or by code that registers hand-written rule sets.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/solatis/populator/internal/populate"
	"github.com/solatis/populator/internal/types"
)

// Key identifies one registration.
type Key struct {
	RecordType string
	Phase      types.Phase
}

func (k Key) String() string {
	return k.RecordType + "/" + string(k.Phase)
}

// Registry is safe for concurrent use.
type Registry struct {
	mu   sync.RWMutex
	sets map[Key]*populate.RuleSet
}

func New() *Registry {
	return &Registry{sets: make(map[Key]*populate.RuleSet)}
}

// Register binds rs to (recordType, phase). Registering the same key twice
// fails with types.ErrDuplicateRuleSet.
func (r *Registry) Register(recordType string, phase types.Phase, rs *populate.RuleSet) error {
	if recordType == "" || rs == nil {
		return fmt.Errorf("%w: record type and rule set are required", types.ErrConfiguration)
	}
	if !phase.Valid() {
		return fmt.Errorf("%w: %q", types.ErrUnknownPhase, phase)
	}

	key := Key{RecordType: recordType, Phase: phase}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sets[key]; ok {
		return fmt.Errorf("%w: %s", types.ErrDuplicateRuleSet, key)
	}
	r.sets[key] = rs
	return nil
}

// Lookup returns the rule set for (recordType, phase) or an error wrapping
// types.ErrUnknownRuleSet.
func (r *Registry) Lookup(recordType string, phase types.Phase) (*populate.RuleSet, error) {
	key := Key{RecordType: recordType, Phase: phase}
	r.mu.RLock()
	rs, ok := r.sets[key]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrUnknownRuleSet, key)
	}
	return rs, nil
}

// Keys returns every registration sorted by record type then phase.
func (r *Registry) Keys() []Key {
	r.mu.RLock()
	keys := make([]Key, 0, len(r.sets))
	for k := range r.sets {
		keys = append(keys, k)
	}
	r.mu.RUnlock()

	sort.Slice(keys, func(i, j int) bool {
		if keys[i].RecordType != keys[j].RecordType {
			return keys[i].RecordType < keys[j].RecordType
		}
		return keys[i].Phase < keys[j].Phase
	})
	return keys
}

// Len returns the number of registrations.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sets)
}
