// Package template implements the ${path} placeholder grammar used across
// node payloads. Expressions are parsed once at compile time into Template
// values; binding at run time resolves paths against the accumulated run
// context without re-parsing.
//
// Grammar:
//
//	expr  = "${" path "}"
//	path  = ident ( "." ident | "[" integer "]" | "[" quoted "]" )*
package template

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"maestro/internal/errors"
)

// StepKind discriminates path steps.
type StepKind int

const (
	StepField StepKind = iota
	StepIndex
	StepKey
)

// Step is a single access step after the path root.
type Step struct {
	Kind  StepKind
	Name  string // StepField
	Index int    // StepIndex
	Key   string // StepKey
}

// Path is a parsed placeholder path. Root is the leading identifier; the
// compiler checks it against upstream node ids and built-in bindings.
type Path struct {
	Root  string
	Steps []Step
}

// String renders the path in source form.
func (p Path) String() string {
	var sb strings.Builder
	sb.WriteString(p.Root)
	for _, s := range p.Steps {
		switch s.Kind {
		case StepField:
			sb.WriteByte('.')
			sb.WriteString(s.Name)
		case StepIndex:
			fmt.Fprintf(&sb, "[%d]", s.Index)
		case StepKey:
			fmt.Fprintf(&sb, "[%q]", s.Key)
		}
	}
	return sb.String()
}

type segment struct {
	literal string
	path    *Path
}

// Template is a parsed string with zero or more placeholders.
type Template struct {
	raw      string
	segments []segment
}

// Raw returns the original source string.
func (t *Template) Raw() string { return t.raw }

// Paths returns every placeholder path in source order.
func (t *Template) Paths() []Path {
	var out []Path
	for _, seg := range t.segments {
		if seg.path != nil {
			out = append(out, *seg.path)
		}
	}
	return out
}

// IsSinglePlaceholder reports whether the template consists of exactly one
// placeholder and nothing else, in which case binding preserves the resolved
// value's type instead of stringifying it.
func (t *Template) IsSinglePlaceholder() bool {
	return len(t.segments) == 1 && t.segments[0].path != nil
}

// Parse parses a template string. Strings without placeholders parse to a
// single literal segment.
func Parse(s string) (*Template, error) {
	t := &Template{raw: s}
	rest := s
	for {
		start := strings.Index(rest, "${")
		if start < 0 {
			if rest != "" {
				t.segments = append(t.segments, segment{literal: rest})
			}
			break
		}
		if start > 0 {
			t.segments = append(t.segments, segment{literal: rest[:start]})
		}
		end := strings.Index(rest[start:], "}")
		if end < 0 {
			return nil, errors.New(errors.KindValidation, "unterminated placeholder in %q", s)
		}
		inner := rest[start+2 : start+end]
		path, err := ParsePath(strings.TrimSpace(inner))
		if err != nil {
			return nil, err
		}
		t.segments = append(t.segments, segment{path: &path})
		rest = rest[start+end+1:]
	}
	return t, nil
}

// ParsePath parses the inside of a placeholder.
func ParsePath(s string) (Path, error) {
	if s == "" {
		return Path{}, errors.New(errors.KindValidation, "empty placeholder path")
	}
	pos := 0
	root, n, err := scanIdent(s, pos)
	if err != nil {
		return Path{}, err
	}
	pos = n
	path := Path{Root: root}
	for pos < len(s) {
		switch s[pos] {
		case '.':
			name, n, err := scanIdent(s, pos+1)
			if err != nil {
				return Path{}, err
			}
			path.Steps = append(path.Steps, Step{Kind: StepField, Name: name})
			pos = n
		case '[':
			closing := strings.IndexByte(s[pos:], ']')
			if closing < 0 {
				return Path{}, errors.New(errors.KindValidation, "unterminated index in path %q", s)
			}
			token := s[pos+1 : pos+closing]
			if len(token) >= 2 && (token[0] == '"' || token[0] == '\'') {
				quote := token[0]
				if token[len(token)-1] != quote {
					return Path{}, errors.New(errors.KindValidation, "unbalanced quotes in path %q", s)
				}
				path.Steps = append(path.Steps, Step{Kind: StepKey, Key: token[1 : len(token)-1]})
			} else {
				idx, err := strconv.Atoi(token)
				if err != nil || idx < 0 {
					return Path{}, errors.New(errors.KindValidation, "invalid index %q in path %q", token, s)
				}
				path.Steps = append(path.Steps, Step{Kind: StepIndex, Index: idx})
			}
			pos += closing + 1
		default:
			return Path{}, errors.New(errors.KindValidation, "unexpected character %q in path %q", s[pos], s)
		}
	}
	return path, nil
}

func scanIdent(s string, pos int) (string, int, error) {
	start := pos
	for pos < len(s) {
		c := rune(s[pos])
		if unicode.IsLetter(c) || unicode.IsDigit(c) || c == '_' || c == '-' {
			pos++
			continue
		}
		break
	}
	if pos == start {
		return "", 0, errors.New(errors.KindValidation, "expected identifier at offset %d in %q", start, s)
	}
	return s[start:pos], pos, nil
}

// Resolver resolves a placeholder path to a concrete value. Implementations
// fail with KindUnresolvedBinding when the root or any step is missing.
type Resolver func(Path) (any, error)

// Bind resolves the template against a resolver. A single-placeholder
// template returns the value unchanged; mixed templates render to a string.
func (t *Template) Bind(resolve Resolver) (any, error) {
	if t.IsSinglePlaceholder() {
		return resolve(*t.segments[0].path)
	}
	var sb strings.Builder
	for _, seg := range t.segments {
		if seg.path == nil {
			sb.WriteString(seg.literal)
			continue
		}
		value, err := resolve(*seg.path)
		if err != nil {
			return nil, err
		}
		sb.WriteString(stringify(value))
	}
	return sb.String(), nil
}

// Render is Bind for positions that always need a string.
func (t *Template) Render(resolve Resolver) (string, error) {
	value, err := t.Bind(resolve)
	if err != nil {
		return "", err
	}
	return stringify(value), nil
}

func stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	default:
		return fmt.Sprintf("%v", val)
	}
}

// Walk navigates value by the path steps (the root is assumed already
// resolved into value). Missing keys and out-of-range indexes fail with
// UnresolvedBinding.
func Walk(value any, path Path) (any, error) {
	current := value
	for _, step := range path.Steps {
		switch step.Kind {
		case StepField, StepKey:
			name := step.Name
			if step.Kind == StepKey {
				name = step.Key
			}
			obj, ok := current.(map[string]any)
			if !ok {
				return nil, errors.New(errors.KindUnresolvedBinding, "path %s: %q is not an object", path, name)
			}
			next, ok := obj[name]
			if !ok {
				return nil, errors.New(errors.KindUnresolvedBinding, "path %s: missing key %q", path, name)
			}
			current = next
		case StepIndex:
			arr, ok := current.([]any)
			if !ok {
				return nil, errors.New(errors.KindUnresolvedBinding, "path %s: not an array at [%d]", path, step.Index)
			}
			if step.Index >= len(arr) {
				return nil, errors.New(errors.KindUnresolvedBinding, "path %s: index %d out of range (len %d)", path, step.Index, len(arr))
			}
			current = arr[step.Index]
		}
	}
	return current, nil
}

// ExpandValue walks an arbitrary JSON-shaped value, binding any string that
// contains placeholders. Maps and slices are expanded recursively; all other
// values pass through untouched.
func ExpandValue(value any, resolve Resolver) (any, error) {
	switch val := value.(type) {
	case string:
		if !strings.Contains(val, "${") {
			return val, nil
		}
		t, err := Parse(val)
		if err != nil {
			return nil, err
		}
		return t.Bind(resolve)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			expanded, err := ExpandValue(v, resolve)
			if err != nil {
				return nil, err
			}
			out[k] = expanded
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, v := range val {
			expanded, err := ExpandValue(v, resolve)
			if err != nil {
				return nil, err
			}
			out[i] = expanded
		}
		return out, nil
	default:
		return value, nil
	}
}

// CollectPaths extracts every placeholder path reachable inside a
// JSON-shaped value. Used by the compiler for static wiring checks.
func CollectPaths(value any) ([]Path, error) {
	var out []Path
	switch val := value.(type) {
	case string:
		if !strings.Contains(val, "${") {
			return nil, nil
		}
		t, err := Parse(val)
		if err != nil {
			return nil, err
		}
		out = append(out, t.Paths()...)
	case map[string]any:
		for _, v := range val {
			paths, err := CollectPaths(v)
			if err != nil {
				return nil, err
			}
			out = append(out, paths...)
		}
	case []any:
		for _, v := range val {
			paths, err := CollectPaths(v)
			if err != nil {
				return nil, err
			}
			out = append(out, paths...)
		}
	}
	return out, nil
}
