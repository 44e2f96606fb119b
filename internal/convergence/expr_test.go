package convergence

import (
	"testing"

	"github.com/stretchr/testify/require"

	"maestro/internal/errors"
	"maestro/internal/template"
)

func projection(roots map[string]any) template.Resolver {
	return func(p template.Path) (any, error) {
		root, ok := roots[p.Root]
		if !ok {
			return nil, errors.New(errors.KindUnresolvedBinding, "unknown root %q", p.Root)
		}
		return template.Walk(root, p)
	}
}

func evalBool(t *testing.T, src string, roots map[string]any) bool {
	t.Helper()
	prog, err := Compile(src)
	require.NoError(t, err, src)
	got, err := prog.EvalBool(projection(roots))
	require.NoError(t, err, src)
	return got
}

func TestCompileAndEvalBasics(t *testing.T) {
	roots := map[string]any{
		"accumulator": map[string]any{"score": 0.85, "label": "ready"},
		"iteration":   3.0,
		"n1":          map[string]any{"count": 0.0, "flag": true},
	}
	cases := []struct {
		src  string
		want bool
	}{
		{"${accumulator.score} >= 0.8", true},
		{"${accumulator.score} >= 0.9", false},
		{"${n1.count} > 0", false},
		{"${n1.flag} && ${accumulator.score} > 0.5", true},
		{"${iteration} < 5 || false", true},
		{"!( ${n1.count} > 0 )", true},
		{"${accumulator.label} == 'ready'", true},
		{"${accumulator.label} != \"done\"", true},
		{"(${iteration} + 1) * 2 == 8", true},
		{"${iteration} % 2 == 1", true},
		{"-${iteration} < 0", true},
		{"'abc' < 'abd'", true},
	}
	for _, tc := range cases {
		if got := evalBool(t, tc.src, roots); got != tc.want {
			t.Fatalf("%q = %v, want %v", tc.src, got, tc.want)
		}
	}
}

func TestCompileRejectsOutsideSubset(t *testing.T) {
	bad := []string{
		"len(${n1.items}) > 0", // function call
		"foo > 1",              // bare identifier
		"${n1.count} >",        // incomplete
		"${n1.count} ?? 1",     // unknown operator
		"(${n1.count} > 0",     // unbalanced paren
		"'unterminated",
		"${broken",
	}
	for _, src := range bad {
		if _, err := Compile(src); err == nil {
			t.Fatalf("expected compile rejection for %q", src)
		}
	}
}

func TestEvalTypeErrors(t *testing.T) {
	roots := map[string]any{"n1": map[string]any{"text": "hi", "flag": true}}

	prog, err := Compile("${n1.text} > 3")
	require.NoError(t, err)
	if _, err := prog.Eval(projection(roots)); err == nil {
		t.Fatalf("mixed comparison should fail")
	}

	prog, err = Compile("${n1.flag} + 1")
	require.NoError(t, err)
	if _, err := prog.Eval(projection(roots)); err == nil {
		t.Fatalf("arithmetic on bool should fail")
	}

	prog, err = Compile("${n1.text}")
	require.NoError(t, err)
	if _, err := prog.EvalBool(projection(roots)); err == nil {
		t.Fatalf("EvalBool on a string should fail")
	}
}

func TestDivisionByZero(t *testing.T) {
	prog, err := Compile("1 / 0 > 0")
	require.NoError(t, err)
	if _, err := prog.Eval(projection(nil)); err == nil {
		t.Fatalf("division by zero should fail")
	}
}

func TestPathsReportsReferences(t *testing.T) {
	prog, err := Compile("${accumulator.score} >= 0.8 && ${iteration} < 5")
	require.NoError(t, err)

	paths := prog.Paths()
	require.Len(t, paths, 2)
	require.Equal(t, "accumulator", paths[0].Root)
	require.Equal(t, "iteration", paths[1].Root)
}

func TestShortCircuitSkipsUnresolvedSide(t *testing.T) {
	roots := map[string]any{"n1": map[string]any{"flag": false}}
	// Right side references a missing root but must never be evaluated.
	got := evalBool(t, "${n1.flag} && ${missing.x} > 0", roots)
	if got {
		t.Fatalf("expected false via short-circuit")
	}
}

func TestStringConcatenation(t *testing.T) {
	prog, err := Compile("'a' + 'b' == 'ab'")
	require.NoError(t, err)
	got, err := prog.EvalBool(projection(nil))
	require.NoError(t, err)
	require.True(t, got)
}
