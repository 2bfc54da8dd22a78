package registry

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/solatis/populator/internal/datasets"
	"github.com/solatis/populator/internal/rules"
	"github.com/solatis/populator/internal/types"
)

// LoadCatalogFile reads a YAML catalog from path.
func LoadCatalogFile(path string) (types.Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return types.Catalog{}, fmt.Errorf("read catalog: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes a YAML catalog. Unknown keys are rejected so a typo
// in a populator does not silently disable it.
func ParseCatalog(data []byte) (types.Catalog, error) {
	var cat types.Catalog
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cat); err != nil && !errors.Is(err, io.EOF) {
		return types.Catalog{}, fmt.Errorf("%w: parse catalog: %v", types.ErrConfiguration, err)
	}
	return cat, nil
}

// Build compiles every rule set in cat and registers it for each phase at
// least one of its populators supports. Related-record datasets read from
// factory's store.
func Build(cat types.Catalog, factory datasets.Factory) (*Registry, error) {
	reg := New()
	seen := make(map[string]bool, len(cat.RuleSets))

	for _, def := range cat.RuleSets {
		if def.RecordType == "" {
			return nil, fmt.Errorf("%w: rule set without record_type", types.ErrConfiguration)
		}
		if seen[def.RecordType] {
			return nil, fmt.Errorf("%w: %s", types.ErrDuplicateRuleSet, def.RecordType)
		}
		seen[def.RecordType] = true

		spec, err := factory.Spec(def.RecordType, def.Datasets)
		if err != nil {
			return nil, err
		}
		rs, err := rules.BuildRuleSet(def.RecordType, spec, def.Populators)
		if err != nil {
			if errors.Is(err, types.ErrConfiguration) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: %w", types.ErrConfiguration, err)
		}

		for _, phase := range []types.Phase{types.PhaseCreate, types.PhaseUpdate} {
			if len(rs.RulesFor(phase)) == 0 {
				continue
			}
			if err := reg.Register(def.RecordType, phase, rs); err != nil {
				return nil, err
			}
		}
	}

	return reg, nil
}
