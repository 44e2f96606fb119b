package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// IdentityLen is the length in hex characters of a blueprint identity
// (16 hex chars = 64 bits of the SHA-256 digest).
const IdentityLen = 16

// Identity returns the content-addressed id of a blueprint: the truncated
// SHA-256 of its normalized JSON. Byte-identical normalized content yields
// identical ids; any field change yields a different id with cryptographic
// probability.
func Identity(bp Blueprint) (string, error) {
	normalized, err := Normalize(bp)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(normalized)
	return hex.EncodeToString(sum[:])[:IdentityLen], nil
}

// Normalize renders the blueprint as canonical JSON: object keys sorted,
// no insignificant whitespace, numbers in their shortest form.
func Normalize(bp Blueprint) ([]byte, error) {
	data, err := json.Marshal(bp)
	if err != nil {
		return nil, err
	}
	var generic any
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	var sb strings.Builder
	if err := writeCanonical(&sb, generic); err != nil {
		return nil, err
	}
	return []byte(sb.String()), nil
}

func writeCanonical(sb *strings.Builder, v any) error {
	switch val := v.(type) {
	case nil:
		sb.WriteString("null")
	case bool:
		if val {
			sb.WriteString("true")
		} else {
			sb.WriteString("false")
		}
	case json.Number:
		sb.WriteString(canonicalNumber(val))
	case string:
		encoded, err := json.Marshal(val)
		if err != nil {
			return err
		}
		sb.Write(encoded)
	case []any:
		sb.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				sb.WriteByte(',')
			}
			if err := writeCanonical(sb, item); err != nil {
				return err
			}
		}
		sb.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				sb.WriteByte(',')
			}
			encoded, err := json.Marshal(k)
			if err != nil {
				return err
			}
			sb.Write(encoded)
			sb.WriteByte(':')
			if err := writeCanonical(sb, val[k]); err != nil {
				return err
			}
		}
		sb.WriteByte('}')
	default:
		return fmt.Errorf("unsupported value in normalized blueprint: %T", v)
	}
	return nil
}

// canonicalNumber strips redundant forms: integers lose any trailing ".0",
// floats use the shortest round-trip representation.
func canonicalNumber(n json.Number) string {
	if i, err := n.Int64(); err == nil {
		return strconv.FormatInt(i, 10)
	}
	f, err := n.Float64()
	if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
		return n.String()
	}
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}
