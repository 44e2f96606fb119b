package engine

import (
	"strconv"
	"strings"

	"maestro/internal/compiler"
	"maestro/internal/errors"
	"maestro/internal/template"
)

// applyBindings resolves every compiled binding under prefix (for
// example "tool_args") against the context and writes the values into a
// deep copy of args. The original payload map is never mutated.
func applyBindings(args map[string]any, prefix string, bindings []compiler.Binding, resolve template.Resolver) (map[string]any, error) {
	out, _ := deepCopy(args).(map[string]any)
	if out == nil {
		out = map[string]any{}
	}
	for _, b := range bindings {
		if b.Param != prefix && !strings.HasPrefix(b.Param, prefix+".") && !strings.HasPrefix(b.Param, prefix+"[") {
			continue
		}
		value, err := b.Template.Bind(resolve)
		if err != nil {
			return nil, errors.AsError(err, errors.KindUnresolvedBinding).WithDetail("param", b.Param)
		}
		rel := strings.TrimPrefix(b.Param, prefix)
		rel = strings.TrimPrefix(rel, ".")
		if rel == "" {
			continue
		}
		if err := setAtPath(out, rel, value); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// setAtPath writes value at a dotted path with optional [i] indexes,
// mirroring the parameter paths the compiler records.
func setAtPath(root map[string]any, path string, value any) error {
	segs := splitParamPath(path)
	if len(segs) == 0 {
		return errors.New(errors.KindValidation, "empty binding path")
	}

	var cur any = root
	for i, seg := range segs {
		last := i == len(segs)-1
		switch holder := cur.(type) {
		case map[string]any:
			if last {
				holder[seg.key] = value
				return nil
			}
			cur = holder[seg.key]
		case []any:
			if seg.index < 0 || seg.index >= len(holder) {
				return errors.New(errors.KindValidation, "binding index %d out of range", seg.index)
			}
			if last {
				holder[seg.index] = value
				return nil
			}
			cur = holder[seg.index]
		default:
			return errors.New(errors.KindValidation, "binding path %q does not match payload shape", path)
		}
	}
	return nil
}

type paramSeg struct {
	key   string
	index int
}

func splitParamPath(path string) []paramSeg {
	var segs []paramSeg
	for _, part := range strings.Split(path, ".") {
		for {
			open := strings.IndexByte(part, '[')
			if open < 0 {
				if part != "" {
					segs = append(segs, paramSeg{key: part, index: -1})
				}
				break
			}
			if open > 0 {
				segs = append(segs, paramSeg{key: part[:open], index: -1})
			}
			closeIdx := strings.IndexByte(part, ']')
			if closeIdx < open {
				break
			}
			idx, err := strconv.Atoi(part[open+1 : closeIdx])
			if err == nil {
				segs = append(segs, paramSeg{index: idx})
			}
			part = part[closeIdx+1:]
		}
	}
	return segs
}

// deepCopy clones JSON-shaped values. Scalars pass through.
func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[k] = deepCopy(vv)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = deepCopy(vv)
		}
		return out
	default:
		return v
	}
}
