package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/flowrun/flowrun/internal/expressions"
	"github.com/flowrun/flowrun/pkg/schema"
)

// Scope holds all data available for reference resolution. It is a snapshot:
// resolving the same expression twice against an unmodified scope yields
// identical values.
type Scope struct {
	Blocks    map[string]any    // executed block outputs, keyed by block ID
	Variables map[string]any    // workflow-level variables
	Start     map[string]any    // the run's initial input
	Env       map[string]string // environment bindings
	Loop      *LoopBinding      // nil outside a loop
	Parallel  *BranchBinding    // nil outside a parallel branch

	// Known is the set of all block IDs in the workflow. A reference to a
	// known block that has no output yet is a scheduling violation
	// (REFERENCE_NOT_READY), not a literal.
	Known map[string]bool
}

// LoopBinding holds the per-iteration loop variables.
type LoopBinding struct {
	Item      any `json:"item"`
	Index     int `json:"index"`     // 0-based collection index
	Iteration int `json:"iteration"` // 1-based counter
}

// BranchBinding holds the per-branch parallel variables.
type BranchBinding struct {
	Item  any `json:"item"`
	Index int `json:"index"` // 0-based branch index
}

// Resolver materializes symbolic references inside block configuration into
// concrete values. References use <...> tags:
//
//	<blockId.field.path>   a previous block's output field
//	<variable.name>        a workflow variable
//	<loop.item|index|iteration>, <parallel.item|index>
//	<env.KEY>, <start.field>
//
// Resolution order is most-local-first: loop/parallel bindings, then block
// outputs, then workflow variables. The resolver is a pure function of the
// scope; it has no side effects.
type Resolver struct {
	inline *expressions.InlineEngine
	query  *expressions.QueryEngine
}

// New creates a Resolver backed by the given expression engines.
func New(inline *expressions.InlineEngine, query *expressions.QueryEngine) *Resolver {
	return &Resolver{inline: inline, query: query}
}

// Resolve interpolates every <...> reference in a raw JSON document. A tag
// that spans an entire JSON string literal is replaced by the referenced
// value's JSON encoding; a tag embedded inside a longer string is
// stringified in place.
func (r *Resolver) Resolve(ctx context.Context, raw json.RawMessage, scope *Scope) (json.RawMessage, error) {
	if len(raw) == 0 {
		return raw, nil
	}

	input := string(raw)
	var result strings.Builder
	result.Grow(len(input))

	i := 0
	for i < len(input) {
		idx := strings.IndexByte(input[i:], '<')
		if idx == -1 {
			result.WriteString(input[i:])
			break
		}

		result.WriteString(input[i : i+idx])
		start := i + idx

		end := strings.IndexByte(input[start:], '>')
		if end == -1 {
			result.WriteString(input[start:])
			break
		}
		end += start

		tag := input[start+1 : end]
		if !isReferenceTag(tag) {
			// Not a reference (e.g. markup inside a string), copy verbatim.
			result.WriteString(input[start : end+1])
			i = end + 1
			continue
		}

		val, known, err := r.lookup(tag, scope)
		if err != nil {
			return nil, err
		}
		if !known {
			// Unknown root: leave the literal text untouched.
			result.WriteString(input[start : end+1])
			i = end + 1
			continue
		}

		// Whole-string-literal tag: replace the surrounding quotes too so
		// non-string values keep their JSON type.
		if start > 0 && input[start-1] == '"' && end+1 < len(input) && input[end+1] == '"' {
			encoded, merr := json.Marshal(val)
			if merr != nil {
				return nil, schema.NewErrorf(schema.ErrCodeResolution,
					"cannot encode resolved value for <%s>: %s", tag, merr.Error()).WithCause(merr)
			}
			// Drop the opening quote already written.
			s := result.String()
			result.Reset()
			result.Grow(len(input))
			result.WriteString(s[:len(s)-1])
			result.Write(encoded)
			i = end + 2 // skip '>' and the closing quote
			continue
		}

		// Embedded in a longer JSON string literal: escape so quotes and
		// control characters in the value cannot break the document.
		result.WriteString(escapeInString(val))
		i = end + 1
	}

	return json.RawMessage(result.String()), nil
}

// ResolveString interpolates references in a bare (non-JSON) string and then
// evaluates the result as a value expression.
func (r *Resolver) ResolveString(ctx context.Context, s string, scope *Scope) (any, error) {
	resolved, err := r.interpolateString(s, scope)
	if err != nil {
		return nil, err
	}
	return r.ResolveValue(ctx, resolved, scope)
}

// ResolveValue evaluates a string as a value expression using the closed
// fallback chain: JSON literal, then "="-prefixed inline expression, then
// "jq:"-prefixed query, then the verbatim literal.
func (r *Resolver) ResolveValue(ctx context.Context, s string, scope *Scope) (any, error) {
	trimmed := strings.TrimSpace(s)

	if trimmed == "" {
		return "", nil
	}

	if strings.HasPrefix(trimmed, "=") {
		return r.inline.Evaluate(ctx, strings.TrimPrefix(trimmed, "="), scope.data())
	}

	if strings.HasPrefix(trimmed, "jq:") {
		return r.query.Evaluate(ctx, strings.TrimSpace(strings.TrimPrefix(trimmed, "jq:")), scope.data())
	}

	if looksLikeJSON(trimmed) {
		var v any
		if err := json.Unmarshal([]byte(trimmed), &v); err == nil {
			return v, nil
		}
	}

	return s, nil
}

// ResolveCollection evaluates a collection expression for a loop or parallel
// group and requires a non-empty iterable result.
func (r *Resolver) ResolveCollection(ctx context.Context, expr string, scope *Scope) ([]any, error) {
	val, err := r.ResolveString(ctx, expr, scope)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeEmptyCollection,
			"collection expression %q failed: %s", expr, err.Error()).WithCause(err)
	}

	items, ok := toSlice(val)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeEmptyCollection,
			"collection expression %q must produce a list, got %T", expr, val)
	}
	if len(items) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeEmptyCollection,
			"collection expression %q produced an empty list", expr)
	}
	return items, nil
}

// ExtractBlockRefs returns the set of block IDs referenced by <blockId....>
// tags in a raw config. Used by the engine to order frontier dispatch.
func ExtractBlockRefs(raw json.RawMessage, known map[string]bool) map[string]bool {
	refs := make(map[string]bool)
	s := string(raw)
	for {
		idx := strings.IndexByte(s, '<')
		if idx == -1 {
			break
		}
		s = s[idx+1:]
		end := strings.IndexByte(s, '>')
		if end == -1 {
			break
		}
		tag := s[:end]
		s = s[end+1:]
		if !isReferenceTag(tag) {
			continue
		}
		root := tag
		if dot := strings.IndexByte(tag, '.'); dot != -1 {
			root = tag[:dot]
		}
		if known[root] {
			refs[root] = true
		}
	}
	return refs
}

// interpolateString resolves tags inside a bare string, stringifying values.
func (r *Resolver) interpolateString(s string, scope *Scope) (string, error) {
	var result strings.Builder
	result.Grow(len(s))

	i := 0
	for i < len(s) {
		idx := strings.IndexByte(s[i:], '<')
		if idx == -1 {
			result.WriteString(s[i:])
			break
		}
		result.WriteString(s[i : i+idx])
		start := i + idx
		end := strings.IndexByte(s[start:], '>')
		if end == -1 {
			result.WriteString(s[start:])
			break
		}
		end += start
		tag := s[start+1 : end]
		if !isReferenceTag(tag) {
			result.WriteString(s[start : end+1])
			i = end + 1
			continue
		}
		val, known, err := r.lookup(tag, scope)
		if err != nil {
			return "", err
		}
		if !known {
			result.WriteString(s[start : end+1])
			i = end + 1
			continue
		}
		// A tag that is the whole string keeps structured values intact.
		if start == 0 && end == len(s)-1 {
			if str, ok := val.(string); ok {
				return str, nil
			}
			encoded, merr := json.Marshal(val)
			if merr != nil {
				return "", schema.NewErrorf(schema.ErrCodeResolution,
					"cannot encode resolved value for <%s>: %s", tag, merr.Error()).WithCause(merr)
			}
			return string(encoded), nil
		}
		result.WriteString(stringify(val))
		i = end + 1
	}

	return result.String(), nil
}

// lookup resolves a single tag. The second return reports whether the tag's
// root names a known namespace or block; unknown roots are left verbatim by
// callers.
func (r *Resolver) lookup(tag string, scope *Scope) (any, bool, error) {
	root := tag
	rest := ""
	if dot := strings.IndexByte(tag, '.'); dot != -1 {
		root = tag[:dot]
		rest = tag[dot+1:]
	}

	switch root {
	case "loop":
		if scope.Loop == nil {
			return nil, true, schema.NewErrorf(schema.ErrCodeResolution,
				"loop reference <%s> used outside of a loop", tag)
		}
		v, err := resolveBinding(rest, tag, map[string]any{
			"item":      scope.Loop.Item,
			"index":     scope.Loop.Index,
			"iteration": scope.Loop.Iteration,
		})
		return v, true, err

	case "parallel":
		if scope.Parallel == nil {
			return nil, true, schema.NewErrorf(schema.ErrCodeResolution,
				"parallel reference <%s> used outside of a parallel group", tag)
		}
		v, err := resolveBinding(rest, tag, map[string]any{
			"item":  scope.Parallel.Item,
			"index": scope.Parallel.Index,
		})
		return v, true, err

	case "variable":
		if rest == "" {
			return nil, true, schema.NewErrorf(schema.ErrCodeResolution,
				"invalid variable reference <%s>: expected <variable.name>", tag)
		}
		v, err := traversePath(scope.Variables, rest, tag)
		return v, true, err

	case "env":
		if rest == "" {
			return nil, true, schema.NewErrorf(schema.ErrCodeResolution,
				"invalid env reference <%s>: expected <env.KEY>", tag)
		}
		val, ok := scope.Env[rest]
		if !ok {
			return nil, true, schema.NewErrorf(schema.ErrCodeResolution,
				"environment binding %q not found in <%s>", rest, tag)
		}
		return val, true, nil

	case "start":
		if rest == "" {
			return scope.Start, true, nil
		}
		v, err := traversePath(scope.Start, rest, tag)
		return v, true, err
	}

	// Block output reference.
	if output, ok := scope.Blocks[root]; ok {
		if rest == "" {
			return output, true, nil
		}
		v, err := traversePath(output, rest, tag)
		return v, true, err
	}

	if scope.Known[root] {
		// The block exists but has not executed on the active path. The
		// engine must never schedule a block in this state, so surface a
		// hard error rather than leaving the tag untouched.
		return nil, true, schema.NewErrorf(schema.ErrCodeReferenceNotReady,
			"block %q referenced by <%s> has not executed on the active path", root, tag)
	}

	return nil, false, nil
}

// resolveBinding resolves a field of a loop/parallel binding map, with
// nested traversal for item fields (<loop.item.name>).
func resolveBinding(field, tag string, binding map[string]any) (any, error) {
	if field == "" {
		return binding, nil
	}
	if v, ok := binding[field]; ok {
		return v, nil
	}
	if strings.HasPrefix(field, "item.") {
		return traversePath(binding["item"], strings.TrimPrefix(field, "item."), tag)
	}
	keys := make([]string, 0, len(binding))
	for k := range binding {
		keys = append(keys, k)
	}
	return nil, schema.NewErrorf(schema.ErrCodeResolution,
		"unknown field %q in <%s>; available: %s", field, tag, strings.Join(keys, ", "))
}

// traversePath navigates into nested maps using a dot-delimited path.
func traversePath(root any, path, tag string) (any, error) {
	current := root
	for _, seg := range strings.Split(path, ".") {
		if seg == "" {
			return nil, schema.NewErrorf(schema.ErrCodeResolution,
				"empty segment in reference <%s>", tag)
		}
		m, ok := current.(map[string]any)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeResolution,
				"cannot traverse into non-object at %q in <%s> (type %T)", seg, tag, current)
		}
		val, ok := m[seg]
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeResolution,
				"field %q not found in <%s>", seg, tag)
		}
		current = val
	}
	return current, nil
}

// data builds the expression-engine environment from the scope.
func (s *Scope) data() map[string]any {
	d := map[string]any{
		"blocks":    s.Blocks,
		"variables": s.Variables,
		"start":     s.Start,
	}
	if s.Loop != nil {
		d["loop"] = map[string]any{
			"item":      s.Loop.Item,
			"index":     s.Loop.Index,
			"iteration": s.Loop.Iteration,
		}
	} else {
		d["loop"] = map[string]any{}
	}
	if s.Parallel != nil {
		d["parallel"] = map[string]any{
			"item":  s.Parallel.Item,
			"index": s.Parallel.Index,
		}
	} else {
		d["parallel"] = map[string]any{}
	}
	if len(s.Env) > 0 {
		env := make(map[string]any, len(s.Env))
		for k, v := range s.Env {
			env[k] = v
		}
		d["env"] = env
	}
	return d
}

// Data exposes the scope as an expression environment (used by handlers for
// CEL predicate evaluation).
func (s *Scope) Data() map[string]any {
	return s.data()
}

// isReferenceTag reports whether a candidate tag body looks like a reference
// path rather than arbitrary text (markup, comparisons, etc).
func isReferenceTag(tag string) bool {
	if tag == "" || len(tag) > 256 {
		return false
	}
	for i := 0; i < len(tag); i++ {
		c := tag[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '.' || c == '_' || c == '-':
		default:
			return false
		}
	}
	// Must start with a letter or underscore and contain no empty segments.
	first := tag[0]
	if !(first == '_' || (first >= 'a' && first <= 'z') || (first >= 'A' && first <= 'Z')) {
		return false
	}
	return !strings.Contains(tag, "..") && !strings.HasSuffix(tag, ".")
}

// looksLikeJSON reports whether a string is plausibly a JSON document.
func looksLikeJSON(s string) bool {
	if s == "" {
		return false
	}
	switch s[0] {
	case '{', '[', '"':
		return true
	}
	if s == "true" || s == "false" || s == "null" {
		return true
	}
	c := s[0]
	return c == '-' || (c >= '0' && c <= '9')
}

// toSlice converts a resolved value to []any when it is list-shaped.
func toSlice(v any) ([]any, bool) {
	switch val := v.(type) {
	case []any:
		return val, true
	case nil:
		return nil, false
	case string, bool, float64, int, int64:
		return nil, false
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, false
		}
		var result []any
		if err := json.Unmarshal(data, &result); err != nil {
			return nil, false
		}
		return result, true
	}
}

// escapeInString renders a resolved value for splicing into a JSON string
// literal: the stringified form, JSON-escaped, without surrounding quotes.
func escapeInString(val any) string {
	b, err := json.Marshal(stringify(val))
	if err != nil {
		return stringify(val)
	}
	return string(b[1 : len(b)-1])
}

// stringify renders a resolved value for embedding inside a longer string.
func stringify(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return "null"
	case bool:
		if v {
			return "true"
		}
		return "false"
	case float64:
		return fmt.Sprintf("%v", v)
	case int:
		return fmt.Sprintf("%d", v)
	case int64:
		return fmt.Sprintf("%d", v)
	case json.RawMessage:
		return string(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}
