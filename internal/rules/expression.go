// internal/rules/expression.go
package rules

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"github.com/google/cel-go/cel"
	celtypes "github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"

	"github.com/solatis/populator/internal/types"
)

// Cost limit applied to every compiled expression; stops runaway
// comprehensions over large arrays.
const expressionCostLimit = 1000000

// Expressions see three variables:
//
//	record  map of the record's fields (after earlier populators ran)
//	prior   map of the prior record's fields, empty in the create phase
//	phase   "create" or "update"
var expressionEnv = sync.OnceValues(func() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("record", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("prior", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("phase", cel.StringType),
	)
})

// expression is a compiled CEL program. Programs are safe for concurrent use.
type expression struct {
	source string
	prg    cel.Program
}

func compileExpression(source string) (*expression, error) {
	env, err := expressionEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	ast, issues := env.Compile(source)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w: compile %q: %v", types.ErrInvalidAssignment, source, issues.Err())
	}

	prg, err := env.Program(ast,
		cel.CostLimit(expressionCostLimit),
		cel.InterruptCheckFrequency(100),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: program %q: %v", types.ErrInvalidAssignment, source, err)
	}

	return &expression{source: source, prg: prg}, nil
}

// eval runs the program and converts the result to plain Go values
// ([]any, map[string]any, int64, float64, string, bool, nil).
func (e *expression) eval(ctx context.Context, phase types.Phase, rec, prior *types.Record) (any, error) {
	vars := map[string]any{
		"record": fieldsOf(rec),
		"prior":  fieldsOf(prior),
		"phase":  string(phase),
	}

	out, _, err := e.prg.ContextEval(ctx, vars)
	if err != nil {
		return nil, fmt.Errorf("evaluate %q: %w", e.source, err)
	}
	return toNative(out)
}

// evalBool runs a guard expression; non-boolean results are errors.
func (e *expression) evalBool(ctx context.Context, phase types.Phase, rec, prior *types.Record) (bool, error) {
	v, err := e.eval(ctx, phase, rec, prior)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("guard %q returned %T, want bool", e.source, v)
	}
	return b, nil
}

func fieldsOf(rec *types.Record) map[string]any {
	if rec == nil || rec.Fields == nil {
		return map[string]any{}
	}
	return map[string]any(rec.Fields)
}

var (
	nativeList = reflect.TypeOf([]any{})
	nativeMap  = reflect.TypeOf(map[string]any{})
)

func toNative(val ref.Val) (any, error) {
	switch v := val.(type) {
	case celtypes.Null:
		return nil, nil
	case traits.Lister:
		return v.ConvertToNative(nativeList)
	case traits.Mapper:
		return v.ConvertToNative(nativeMap)
	default:
		return val.Value(), nil
	}
}
