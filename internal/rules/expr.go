package rules

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// The condition grammar is deliberately closed: named variables, numeric
// literals, binary arithmetic (+ - * / % **), comparisons (== != < <= > >=,
// chaining allowed), and boolean combinators (and, or) with parentheses.
// Function calls, attribute access, indexing, strings, `not`, unary minus
// and every other construct fail at parse time, so a condition can never
// reach outside the feature map handed to it.

type node interface {
	eval(ctx map[string]float64) (value, error)
}

type value struct {
	num    float64
	isBool bool
	b      bool
}

func numValue(f float64) value { return value{num: f} }
func boolValue(b bool) value   { return value{isBool: true, b: b} }

func (v value) truthy() bool {
	if v.isBool {
		return v.b
	}
	return v.num != 0
}

func (v value) number() float64 {
	if v.isBool {
		if v.b {
			return 1
		}
		return 0
	}
	return v.num
}

type litNode float64

func (n litNode) eval(map[string]float64) (value, error) {
	return numValue(float64(n)), nil
}

type varNode string

func (n varNode) eval(ctx map[string]float64) (value, error) {
	v, ok := ctx[string(n)]
	if !ok {
		return value{}, fmt.Errorf("unknown variable %q", string(n))
	}
	return numValue(v), nil
}

type binNode struct {
	op       string
	lhs, rhs node
}

func (n binNode) eval(ctx map[string]float64) (value, error) {
	lv, err := n.lhs.eval(ctx)
	if err != nil {
		return value{}, err
	}
	rv, err := n.rhs.eval(ctx)
	if err != nil {
		return value{}, err
	}
	a, b := lv.number(), rv.number()
	switch n.op {
	case "+":
		return numValue(a + b), nil
	case "-":
		return numValue(a - b), nil
	case "*":
		return numValue(a * b), nil
	case "/":
		if b == 0 {
			return value{}, fmt.Errorf("division by zero")
		}
		return numValue(a / b), nil
	case "%":
		if b == 0 {
			return value{}, fmt.Errorf("modulo by zero")
		}
		return numValue(math.Mod(a, b)), nil
	case "**":
		return numValue(math.Pow(a, b)), nil
	}
	return value{}, fmt.Errorf("unknown operator %q", n.op)
}

// cmpNode holds a possibly chained comparison: a < b <= c fires only
// when every adjacent pair holds.
type cmpNode struct {
	first node
	ops   []string
	rest  []node
}

func (n cmpNode) eval(ctx map[string]float64) (value, error) {
	left, err := n.first.eval(ctx)
	if err != nil {
		return value{}, err
	}
	for i, op := range n.ops {
		right, err := n.rest[i].eval(ctx)
		if err != nil {
			return value{}, err
		}
		if !compare(op, left.number(), right.number()) {
			return boolValue(false), nil
		}
		left = right
	}
	return boolValue(true), nil
}

func compare(op string, a, b float64) bool {
	switch op {
	case "==":
		return a == b
	case "!=":
		return a != b
	case "<":
		return a < b
	case "<=":
		return a <= b
	case ">":
		return a > b
	case ">=":
		return a >= b
	}
	return false
}

type boolNode struct {
	op    string
	terms []node
}

func (n boolNode) eval(ctx map[string]float64) (value, error) {
	for _, term := range n.terms {
		v, err := term.eval(ctx)
		if err != nil {
			return value{}, err
		}
		if n.op == "and" && !v.truthy() {
			return boolValue(false), nil
		}
		if n.op == "or" && v.truthy() {
			return boolValue(true), nil
		}
	}
	return boolValue(n.op == "and"), nil
}

// --- lexer ---

type tokenKind int

const (
	tokNumber tokenKind = iota
	tokIdent
	tokOp
	tokLParen
	tokRParen
	tokEOF
)

type token struct {
	kind tokenKind
	text string
	num  float64
}

func lex(src string) ([]token, error) {
	var out []token
	i := 0
	for i < len(src) {
		ch := src[i]
		switch {
		case ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r':
			i++
		case ch == '(':
			out = append(out, token{kind: tokLParen})
			i++
		case ch == ')':
			out = append(out, token{kind: tokRParen})
			i++
		case ch >= '0' && ch <= '9' || ch == '.':
			j := i
			for j < len(src) && (src[j] >= '0' && src[j] <= '9' || src[j] == '.') {
				j++
			}
			text := src[i:j]
			f, err := strconv.ParseFloat(text, 64)
			if err != nil {
				return nil, fmt.Errorf("bad number %q", text)
			}
			out = append(out, token{kind: tokNumber, text: text, num: f})
			i = j
		case isIdentStart(ch):
			j := i
			for j < len(src) && isIdentPart(src[j]) {
				j++
			}
			out = append(out, token{kind: tokIdent, text: src[i:j]})
			i = j
		case strings.ContainsRune("+-*/%<>=!", rune(ch)):
			op, n, err := lexOp(src[i:])
			if err != nil {
				return nil, err
			}
			out = append(out, token{kind: tokOp, text: op})
			i += n
		default:
			return nil, fmt.Errorf("disallowed character %q", string(ch))
		}
	}
	out = append(out, token{kind: tokEOF})
	return out, nil
}

func lexOp(src string) (string, int, error) {
	two := ""
	if len(src) >= 2 {
		two = src[:2]
	}
	switch two {
	case "**", "==", "!=", "<=", ">=":
		return two, 2, nil
	}
	switch src[0] {
	case '+', '-', '*', '/', '%', '<', '>':
		return string(src[0]), 1, nil
	}
	return "", 0, fmt.Errorf("disallowed operator starting at %q", string(src[0]))
}

func isIdentStart(ch byte) bool {
	return ch == '_' || ch >= 'a' && ch <= 'z' || ch >= 'A' && ch <= 'Z'
}

func isIdentPart(ch byte) bool {
	return isIdentStart(ch) || ch >= '0' && ch <= '9'
}

// --- parser ---

type parser struct {
	toks []token
	pos  int
}

// parseExpr compiles a condition string into its AST, rejecting any
// construct outside the closed grammar.
func parseExpr(src string) (node, error) {
	if strings.TrimSpace(src) == "" {
		return nil, fmt.Errorf("empty expression")
	}
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	n, err := p.orExpr()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokEOF {
		return nil, fmt.Errorf("unexpected trailing input near %q", p.peek().text)
	}
	return n, nil
}

func (p *parser) peek() token {
	return p.toks[p.pos]
}

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) acceptKeyword(kw string) bool {
	if t := p.peek(); t.kind == tokIdent && t.text == kw {
		p.next()
		return true
	}
	return false
}

func (p *parser) acceptOp(ops ...string) (string, bool) {
	if t := p.peek(); t.kind == tokOp {
		for _, op := range ops {
			if t.text == op {
				p.next()
				return op, true
			}
		}
	}
	return "", false
}

func (p *parser) orExpr() (node, error) {
	first, err := p.andExpr()
	if err != nil {
		return nil, err
	}
	terms := []node{first}
	for p.acceptKeyword("or") {
		n, err := p.andExpr()
		if err != nil {
			return nil, err
		}
		terms = append(terms, n)
	}
	if len(terms) == 1 {
		return first, nil
	}
	return boolNode{op: "or", terms: terms}, nil
}

func (p *parser) andExpr() (node, error) {
	first, err := p.comparison()
	if err != nil {
		return nil, err
	}
	terms := []node{first}
	for p.acceptKeyword("and") {
		n, err := p.comparison()
		if err != nil {
			return nil, err
		}
		terms = append(terms, n)
	}
	if len(terms) == 1 {
		return first, nil
	}
	return boolNode{op: "and", terms: terms}, nil
}

func (p *parser) comparison() (node, error) {
	first, err := p.arith()
	if err != nil {
		return nil, err
	}
	var ops []string
	var rest []node
	for {
		op, ok := p.acceptOp("==", "!=", "<", "<=", ">", ">=")
		if !ok {
			break
		}
		n, err := p.arith()
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
		rest = append(rest, n)
	}
	if len(ops) == 0 {
		return first, nil
	}
	return cmpNode{first: first, ops: ops, rest: rest}, nil
}

func (p *parser) arith() (node, error) {
	lhs, err := p.term()
	if err != nil {
		return nil, err
	}
	for {
		op, ok := p.acceptOp("+", "-")
		if !ok {
			return lhs, nil
		}
		rhs, err := p.term()
		if err != nil {
			return nil, err
		}
		lhs = binNode{op: op, lhs: lhs, rhs: rhs}
	}
}

func (p *parser) term() (node, error) {
	lhs, err := p.power()
	if err != nil {
		return nil, err
	}
	for {
		op, ok := p.acceptOp("*", "/", "%")
		if !ok {
			return lhs, nil
		}
		rhs, err := p.power()
		if err != nil {
			return nil, err
		}
		lhs = binNode{op: op, lhs: lhs, rhs: rhs}
	}
}

func (p *parser) power() (node, error) {
	base, err := p.atom()
	if err != nil {
		return nil, err
	}
	if _, ok := p.acceptOp("**"); ok {
		// right associative
		exp, err := p.power()
		if err != nil {
			return nil, err
		}
		return binNode{op: "**", lhs: base, rhs: exp}, nil
	}
	return base, nil
}

func (p *parser) atom() (node, error) {
	t := p.next()
	switch t.kind {
	case tokNumber:
		return litNode(t.num), nil
	case tokIdent:
		switch t.text {
		case "and", "or", "not":
			return nil, fmt.Errorf("unexpected keyword %q", t.text)
		}
		if p.peek().kind == tokLParen {
			return nil, fmt.Errorf("function calls not allowed: %q", t.text)
		}
		return varNode(t.text), nil
	case tokLParen:
		n, err := p.orExpr()
		if err != nil {
			return nil, err
		}
		if p.next().kind != tokRParen {
			return nil, fmt.Errorf("missing closing parenthesis")
		}
		return n, nil
	}
	return nil, fmt.Errorf("unexpected token %q", t.text)
}
