// internal/rules/ruleset.go
package rules

import (
	"fmt"

	"github.com/solatis/populator/internal/populate"
	"github.com/solatis/populator/internal/types"
)

// BuildRuleSet compiles defs in order and assembles them into a rule set
// bound to spec. A definition referencing a dataset spec does not register
// fails here rather than at run time.
func BuildRuleSet(name string, spec *populate.ContextSpec, defs []types.PopulatorDef) (*populate.RuleSet, error) {
	rules := make([]populate.Rule, 0, len(defs))
	for i, def := range defs {
		p, err := Compile(def)
		if err != nil {
			return nil, fmt.Errorf("rule set %s: populator %d: %w", name, i, err)
		}
		rules = append(rules, p)
	}
	return populate.NewRuleSet(name, spec, rules...)
}
