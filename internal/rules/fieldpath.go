// internal/rules/fieldpath.go
package rules

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/solatis/populator/internal/types"
)

/*
 * Field path parsing, resolution and assignment over record fields.
 *
 * Path syntax: dot-separated keys, "[n]" for array positions and "*" or
 * "[*]" for wildcards, e.g. "address.city", "lines[0].sku", "tags[*]".
 *
 * Wildcards have ANY semantics: Resolve returns the first element for which
 * the rest of the path resolves. Object wildcards iterate keys in sorted
 * order so results do not depend on map iteration.
 *
 * Assign never accepts wildcards. Missing intermediate objects are created;
 * arrays are only written in place, never grown.
 */

// ResolveResult contains the resolved value and the actual path taken.
type ResolveResult struct {
	Value        any                 // resolved value (nil if not found)
	ResolvedPath []types.PathSegment // path with wildcards replaced by actual indices
	Found        bool                // true if path resolved to a value
}

// ParsePath parses a dotted field path.
func ParsePath(s string) ([]types.PathSegment, error) {
	if strings.TrimSpace(s) == "" {
		return nil, fmt.Errorf("%w: empty path", types.ErrInvalidPath)
	}

	var path []types.PathSegment
	for _, part := range strings.Split(s, ".") {
		segs, err := parsePart(part)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %v", types.ErrInvalidPath, s, err)
		}
		path = append(path, segs...)
	}

	if err := checkLimits(path); err != nil {
		return nil, err
	}
	return path, nil
}

// parsePart parses one dot-separated component: a key, "*", or a key
// followed by bracketed indices.
func parsePart(part string) ([]types.PathSegment, error) {
	if part == "" {
		return nil, fmt.Errorf("empty segment")
	}
	if part == "*" {
		return []types.PathSegment{{Wildcard: true}}, nil
	}

	key := part
	rest := ""
	if i := strings.IndexByte(part, '['); i >= 0 {
		key, rest = part[:i], part[i:]
	}
	if strings.ContainsAny(key, "[]") {
		return nil, fmt.Errorf("unbalanced brackets in %q", part)
	}

	var segs []types.PathSegment
	if key != "" {
		segs = append(segs, types.PathSegment{Key: key})
	}

	for rest != "" {
		if rest[0] != '[' {
			return nil, fmt.Errorf("unexpected %q after index", rest)
		}
		end := strings.IndexByte(rest, ']')
		if end < 0 {
			return nil, fmt.Errorf("unbalanced brackets in %q", part)
		}
		inner := rest[1:end]
		rest = rest[end+1:]

		if inner == "*" {
			segs = append(segs, types.PathSegment{Wildcard: true})
			continue
		}
		idx, err := strconv.Atoi(inner)
		if err != nil || idx < 0 {
			return nil, fmt.Errorf("invalid index %q", inner)
		}
		segs = append(segs, types.PathSegment{Index: idx, IsIndex: true})
	}

	if len(segs) == 0 {
		return nil, fmt.Errorf("empty segment")
	}
	return segs, nil
}

// FormatPath renders path back into ParsePath syntax.
func FormatPath(path []types.PathSegment) string {
	var b strings.Builder
	for i, seg := range path {
		switch {
		case seg.Wildcard:
			b.WriteString("[*]")
		case seg.IsIndex:
			fmt.Fprintf(&b, "[%d]", seg.Index)
		default:
			if i > 0 {
				b.WriteByte('.')
			}
			b.WriteString(seg.Key)
		}
	}
	return b.String()
}

func checkLimits(path []types.PathSegment) error {
	if len(path) > types.MaxPathDepth {
		return types.ErrPathTooDeep
	}
	if countWildcards(path) > types.MaxNestedWildcards {
		return types.ErrTooManyWildcards
	}
	return nil
}

func countWildcards(path []types.PathSegment) int {
	n := 0
	for _, seg := range path {
		if seg.Wildcard {
			n++
		}
	}
	return n
}

// Resolve traverses data following path segments. data is usually a
// record's types.Fields.
// Returns ErrPathTooDeep if path exceeds MaxPathDepth.
// Returns ErrTooManyWildcards if path contains > MaxNestedWildcards wildcards.
// Returns ErrFieldNotFound if path does not exist in data.
func Resolve(path []types.PathSegment, data any) (ResolveResult, error) {
	if err := checkLimits(path); err != nil {
		return ResolveResult{}, err
	}
	return resolveRecursive(path, data, nil)
}

// resolveRecursive returns the first match for wildcards and accumulates the
// concrete path taken.
func resolveRecursive(path []types.PathSegment, current any, resolvedSoFar []types.PathSegment) (ResolveResult, error) {
	if len(path) == 0 {
		return ResolveResult{
			Value:        current,
			ResolvedPath: resolvedSoFar,
			Found:        true,
		}, nil
	}

	seg := path[0]
	remaining := path[1:]

	if m, ok := asObject(current); ok {
		if seg.Wildcard {
			keys := make([]string, 0, len(m))
			for k := range m {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, key := range keys {
				resolved := appendSegment(resolvedSoFar, types.PathSegment{Key: key})
				result, err := resolveRecursive(remaining, m[key], resolved)
				if err == nil && result.Found {
					return result, nil
				}
			}
			return ResolveResult{}, types.ErrFieldNotFound
		}
		if seg.IsIndex {
			return ResolveResult{}, types.ErrFieldNotFound
		}
		val, ok := m[seg.Key]
		if !ok {
			return ResolveResult{}, types.ErrFieldNotFound
		}
		return resolveRecursive(remaining, val, appendSegment(resolvedSoFar, seg))
	}

	arr, ok := current.([]any)
	if !ok {
		// nil or scalar with path remaining
		return ResolveResult{}, types.ErrFieldNotFound
	}
	if seg.Wildcard {
		for i, elem := range arr {
			resolved := appendSegment(resolvedSoFar, types.PathSegment{Index: i, IsIndex: true})
			result, err := resolveRecursive(remaining, elem, resolved)
			if err == nil && result.Found {
				return result, nil
			}
		}
		return ResolveResult{}, types.ErrFieldNotFound
	}
	if !seg.IsIndex || seg.Index < 0 || seg.Index >= len(arr) {
		return ResolveResult{}, types.ErrFieldNotFound
	}
	return resolveRecursive(remaining, arr[seg.Index], appendSegment(resolvedSoFar, seg))
}

// appendSegment copies so sibling wildcard branches never share a backing array.
func appendSegment(path []types.PathSegment, seg types.PathSegment) []types.PathSegment {
	out := make([]types.PathSegment, len(path), len(path)+1)
	copy(out, path)
	return append(out, seg)
}

func asObject(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case types.Fields:
		return m, true
	}
	return nil, false
}

// Assign writes value at path inside fields, creating missing objects.
// Returns ErrWildcardInTarget for wildcard paths and ErrFieldNotFound when an
// index is out of range or the path crosses a scalar.
func Assign(fields types.Fields, path []types.PathSegment, value any) error {
	if len(path) == 0 {
		return fmt.Errorf("%w: empty target", types.ErrInvalidPath)
	}
	if len(path) > types.MaxPathDepth {
		return types.ErrPathTooDeep
	}
	if countWildcards(path) > 0 {
		return types.ErrWildcardInTarget
	}
	if path[0].IsIndex {
		return fmt.Errorf("%w: target must start with a field name", types.ErrInvalidPath)
	}
	if fields == nil {
		return fmt.Errorf("%w: record has no field map", types.ErrInvalidPath)
	}

	_, err := assignRecursive(map[string]any(fields), path, value)
	return err
}

func assignRecursive(current any, path []types.PathSegment, value any) (any, error) {
	seg := path[0]
	last := len(path) == 1

	if seg.IsIndex {
		arr, ok := current.([]any)
		if !ok || seg.Index >= len(arr) {
			return nil, types.ErrFieldNotFound
		}
		if last {
			arr[seg.Index] = value
			return arr, nil
		}
		child, err := assignRecursive(arr[seg.Index], path[1:], value)
		if err != nil {
			return nil, err
		}
		arr[seg.Index] = child
		return arr, nil
	}

	m, ok := asObject(current)
	if !ok && current != nil {
		return nil, types.ErrFieldNotFound
	}
	if m == nil {
		m = make(map[string]any)
	}

	if last {
		m[seg.Key] = value
		return m, nil
	}
	child, err := assignRecursive(m[seg.Key], path[1:], value)
	if err != nil {
		return nil, err
	}
	m[seg.Key] = child
	return m, nil
}
