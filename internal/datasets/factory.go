package datasets

import (
	"fmt"

	"github.com/solatis/populator/internal/populate"
	"github.com/solatis/populator/internal/types"
)

// Factory turns declarative dataset definitions into a ContextSpec for one
// tenant. Store may be nil when no definition is of kind related.
type Factory struct {
	Store    RecordGetter
	TenantID string
}

// Spec builds the providers for defs. Keys must be unique.
func (f Factory) Spec(name string, defs []types.DatasetDef) (*populate.ContextSpec, error) {
	providers := make(map[types.DataKey]populate.DataProvider, len(defs))
	for _, def := range defs {
		if def.Key == "" {
			return nil, fmt.Errorf("%w: %s: dataset without key", types.ErrConfiguration, name)
		}
		if _, dup := providers[def.Key]; dup {
			return nil, fmt.Errorf("%w: %s: dataset %q declared twice", types.ErrConfiguration, name, def.Key)
		}

		p, err := f.provider(def)
		if err != nil {
			return nil, fmt.Errorf("%s: dataset %q: %w", name, def.Key, err)
		}
		providers[def.Key] = p
	}
	return populate.NewContextSpec(name, providers), nil
}

func (f Factory) provider(def types.DatasetDef) (populate.DataProvider, error) {
	switch def.Kind {
	case types.DatasetRelated:
		return NewRelatedRecords(f.Store, f.TenantID, def.RecordType, def.Field, def.Source)
	case types.DatasetStatic:
		return Static(def.Entries), nil
	default:
		return nil, fmt.Errorf("%w: unknown dataset kind %q", types.ErrConfiguration, def.Kind)
	}
}
