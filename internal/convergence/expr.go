// Package convergence implements the narrowed pure-expression language used
// for condition nodes and recursion stop conditions. The language is
// deliberately small: boolean, relational and arithmetic operators over
// literals and ${path} references. No function calls, no name lookup beyond
// the injected projection, no side effects. Anything outside the subset is
// rejected at compile time.
package convergence

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"maestro/internal/errors"
	"maestro/internal/template"
)

// Program is a compiled expression, parsed once and evaluated many times.
type Program struct {
	raw  string
	root exprNode
}

// Raw returns the expression source.
func (p *Program) Raw() string { return p.raw }

// Paths returns every ${path} reference in the expression, for static wiring
// checks by the compiler.
func (p *Program) Paths() []template.Path {
	var out []template.Path
	collectPaths(p.root, &out)
	return out
}

// Eval evaluates the program against a resolver for its references.
func (p *Program) Eval(resolve template.Resolver) (any, error) {
	return p.root.eval(resolve)
}

// EvalBool evaluates and requires a boolean result.
func (p *Program) EvalBool(resolve template.Resolver) (bool, error) {
	v, err := p.Eval(resolve)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, errors.New(errors.KindValidation, "expression %q did not produce a boolean (got %T)", p.raw, v)
	}
	return b, nil
}

// Compile parses an expression into a Program.
func Compile(src string) (*Program, error) {
	tokens, err := lex(src)
	if err != nil {
		return nil, err
	}
	parser := &parser{src: src, tokens: tokens}
	root, err := parser.parseExpr(0)
	if err != nil {
		return nil, err
	}
	if !parser.atEOF() {
		return nil, errors.New(errors.KindValidation, "unexpected trailing input in expression %q", src)
	}
	return &Program{raw: src, root: root}, nil
}

// --- AST ---

type exprNode interface {
	eval(resolve template.Resolver) (any, error)
}

type literalNode struct{ value any }

type refNode struct{ path template.Path }

type unaryNode struct {
	op    string
	child exprNode
}

type binaryNode struct {
	op          string
	left, right exprNode
}

func (n literalNode) eval(template.Resolver) (any, error) { return n.value, nil }

func (n refNode) eval(resolve template.Resolver) (any, error) {
	return resolve(n.path)
}

func (n unaryNode) eval(resolve template.Resolver) (any, error) {
	v, err := n.child.eval(resolve)
	if err != nil {
		return nil, err
	}
	switch n.op {
	case "!":
		b, ok := v.(bool)
		if !ok {
			return nil, errors.New(errors.KindValidation, "operator ! needs a boolean, got %T", v)
		}
		return !b, nil
	case "-":
		f, ok := toNumber(v)
		if !ok {
			return nil, errors.New(errors.KindValidation, "unary - needs a number, got %T", v)
		}
		return -f, nil
	}
	return nil, errors.New(errors.KindValidation, "unknown unary operator %q", n.op)
}

func (n binaryNode) eval(resolve template.Resolver) (any, error) {
	// Short-circuit boolean operators.
	if n.op == "&&" || n.op == "||" {
		lv, err := n.left.eval(resolve)
		if err != nil {
			return nil, err
		}
		lb, ok := lv.(bool)
		if !ok {
			return nil, errors.New(errors.KindValidation, "operator %s needs booleans, got %T", n.op, lv)
		}
		if n.op == "&&" && !lb {
			return false, nil
		}
		if n.op == "||" && lb {
			return true, nil
		}
		rv, err := n.right.eval(resolve)
		if err != nil {
			return nil, err
		}
		rb, ok := rv.(bool)
		if !ok {
			return nil, errors.New(errors.KindValidation, "operator %s needs booleans, got %T", n.op, rv)
		}
		return rb, nil
	}

	lv, err := n.left.eval(resolve)
	if err != nil {
		return nil, err
	}
	rv, err := n.right.eval(resolve)
	if err != nil {
		return nil, err
	}

	switch n.op {
	case "==":
		return looseEqual(lv, rv), nil
	case "!=":
		return !looseEqual(lv, rv), nil
	case "<", "<=", ">", ">=":
		return compare(n.op, lv, rv)
	case "+", "-", "*", "/", "%":
		return arithmetic(n.op, lv, rv)
	}
	return nil, errors.New(errors.KindValidation, "unknown operator %q", n.op)
}

func collectPaths(n exprNode, out *[]template.Path) {
	switch node := n.(type) {
	case refNode:
		*out = append(*out, node.path)
	case unaryNode:
		collectPaths(node.child, out)
	case binaryNode:
		collectPaths(node.left, out)
		collectPaths(node.right, out)
	}
}

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func looseEqual(a, b any) bool {
	if af, ok := toNumber(a); ok {
		if bf, ok := toNumber(b); ok {
			return af == bf
		}
		return false
	}
	return a == b
}

func compare(op string, a, b any) (any, error) {
	if af, ok := toNumber(a); ok {
		bf, ok := toNumber(b)
		if !ok {
			return nil, errors.New(errors.KindValidation, "operator %s: mixed operand types", op)
		}
		switch op {
		case "<":
			return af < bf, nil
		case "<=":
			return af <= bf, nil
		case ">":
			return af > bf, nil
		default:
			return af >= bf, nil
		}
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if !aok || !bok {
		return nil, errors.New(errors.KindValidation, "operator %s needs numbers or strings, got %T and %T", op, a, b)
	}
	switch op {
	case "<":
		return as < bs, nil
	case "<=":
		return as <= bs, nil
	case ">":
		return as > bs, nil
	default:
		return as >= bs, nil
	}
}

func arithmetic(op string, a, b any) (any, error) {
	af, aok := toNumber(a)
	bf, bok := toNumber(b)
	if !aok || !bok {
		if op == "+" {
			if as, ok := a.(string); ok {
				if bs, ok := b.(string); ok {
					return as + bs, nil
				}
			}
		}
		return nil, errors.New(errors.KindValidation, "operator %s needs numbers, got %T and %T", op, a, b)
	}
	switch op {
	case "+":
		return af + bf, nil
	case "-":
		return af - bf, nil
	case "*":
		return af * bf, nil
	case "/":
		if bf == 0 {
			return nil, errors.New(errors.KindValidation, "division by zero")
		}
		return af / bf, nil
	default:
		if bf == 0 {
			return nil, errors.New(errors.KindValidation, "modulo by zero")
		}
		return float64(int64(af) % int64(bf)), nil
	}
}

// --- Lexer ---

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokNumber
	tokString
	tokBool
	tokRef
	tokOp
	tokLParen
	tokRParen
)

type token struct {
	kind tokenKind
	text string
	num  float64
	b    bool
	path template.Path
}

func lex(src string) ([]token, error) {
	var tokens []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '(':
			tokens = append(tokens, token{kind: tokLParen})
			i++
		case c == ')':
			tokens = append(tokens, token{kind: tokRParen})
			i++
		case c == '$' && i+1 < len(src) && src[i+1] == '{':
			end := strings.IndexByte(src[i:], '}')
			if end < 0 {
				return nil, errors.New(errors.KindValidation, "unterminated reference in expression %q", src)
			}
			path, err := template.ParsePath(strings.TrimSpace(src[i+2 : i+end]))
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, token{kind: tokRef, path: path})
			i += end + 1
		case c == '"' || c == '\'':
			quote := c
			j := i + 1
			for j < len(src) && src[j] != quote {
				j++
			}
			if j >= len(src) {
				return nil, errors.New(errors.KindValidation, "unterminated string in expression %q", src)
			}
			tokens = append(tokens, token{kind: tokString, text: src[i+1 : j]})
			i = j + 1
		case unicode.IsDigit(rune(c)):
			j := i
			for j < len(src) && (unicode.IsDigit(rune(src[j])) || src[j] == '.') {
				j++
			}
			f, err := strconv.ParseFloat(src[i:j], 64)
			if err != nil {
				return nil, errors.New(errors.KindValidation, "bad number %q in expression", src[i:j])
			}
			tokens = append(tokens, token{kind: tokNumber, num: f})
			i = j
		case unicode.IsLetter(rune(c)):
			j := i
			for j < len(src) && (unicode.IsLetter(rune(src[j])) || unicode.IsDigit(rune(src[j])) || src[j] == '_') {
				j++
			}
			word := src[i:j]
			switch word {
			case "true":
				tokens = append(tokens, token{kind: tokBool, b: true})
			case "false":
				tokens = append(tokens, token{kind: tokBool, b: false})
			default:
				// Bare identifiers would be name lookup; references must go
				// through ${...}. Function calls are caught here too.
				return nil, errors.New(errors.KindValidation, "bare identifier %q not allowed; use ${%s}", word, word)
			}
			i = j
		default:
			op, n := scanOp(src[i:])
			if op == "" {
				return nil, errors.New(errors.KindValidation, "unexpected character %q in expression %q", c, src)
			}
			tokens = append(tokens, token{kind: tokOp, text: op})
			i += n
		}
	}
	tokens = append(tokens, token{kind: tokEOF})
	return tokens, nil
}

func scanOp(s string) (string, int) {
	for _, op := range []string{"&&", "||", "==", "!=", "<=", ">="} {
		if strings.HasPrefix(s, op) {
			return op, 2
		}
	}
	switch s[0] {
	case '!', '<', '>', '+', '-', '*', '/', '%':
		return string(s[0]), 1
	}
	return "", 0
}

// --- Parser (precedence climbing) ---

var precedence = map[string]int{
	"||": 1,
	"&&": 2,
	"==": 3, "!=": 3,
	"<": 4, "<=": 4, ">": 4, ">=": 4,
	"+": 5, "-": 5,
	"*": 6, "/": 6, "%": 6,
}

type parser struct {
	src    string
	tokens []token
	pos    int
}

func (p *parser) peek() token { return p.tokens[p.pos] }

func (p *parser) next() token {
	t := p.tokens[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) atEOF() bool { return p.peek().kind == tokEOF }

func (p *parser) parseExpr(minPrec int) (exprNode, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		t := p.peek()
		if t.kind != tokOp {
			break
		}
		prec, ok := precedence[t.text]
		if !ok || prec < minPrec {
			break
		}
		p.next()
		right, err := p.parseExpr(prec + 1)
		if err != nil {
			return nil, err
		}
		left = binaryNode{op: t.text, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseUnary() (exprNode, error) {
	t := p.peek()
	if t.kind == tokOp && (t.text == "!" || t.text == "-") {
		p.next()
		child, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return unaryNode{op: t.text, child: child}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (exprNode, error) {
	t := p.next()
	switch t.kind {
	case tokNumber:
		return literalNode{value: t.num}, nil
	case tokString:
		return literalNode{value: t.text}, nil
	case tokBool:
		return literalNode{value: t.b}, nil
	case tokRef:
		return refNode{path: t.path}, nil
	case tokLParen:
		inner, err := p.parseExpr(0)
		if err != nil {
			return nil, err
		}
		if p.next().kind != tokRParen {
			return nil, errors.New(errors.KindValidation, "missing closing parenthesis in expression %q", p.src)
		}
		return inner, nil
	case tokEOF:
		return nil, errors.New(errors.KindValidation, "unexpected end of expression %q", p.src)
	default:
		return nil, errors.New(errors.KindValidation, "unexpected token %s in expression %q", fmt.Sprintf("%v", t), p.src)
	}
}
