package model

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"unicode"
)

// ContentMatch is a compiled content expression: a deterministic automaton
// over child node types.
type ContentMatch struct {
	expr   string
	states []dfaState
}

type dfaState struct {
	next  map[string]int
	valid bool
}

// Expr returns the source expression.
func (c *ContentMatch) Expr() string { return c.expr }

// Match runs types through the automaton. It returns -1 when the whole
// sequence is accepted, otherwise the position of the first child that cannot
// be placed, or len(types) when the sequence ends too early.
func (c *ContentMatch) Match(types []string) int {
	state := 0
	for i, typ := range types {
		next, ok := c.states[state].next[typ]
		if !ok {
			return i
		}
		state = next
	}
	if !c.states[state].valid {
		return len(types)
	}
	return -1
}

// Accepts reports whether types form a complete valid sequence.
func (c *ContentMatch) Accepts(types []string) bool {
	return c.Match(types) == -1
}

// AllowsEmpty reports whether a node may have no children.
func (c *ContentMatch) AllowsEmpty() bool {
	return c.states[0].valid
}

// expression tree

type exprKind int

const (
	exprName exprKind = iota
	exprSeq
	exprChoice
	exprStar
	exprPlus
	exprOpt
	exprRange
)

type expr struct {
	kind  exprKind
	types []string
	exprs []*expr
	min   int
	max   int // -1 is unbounded
}

// CompileContent parses expr and builds its automaton. resolve maps a name to
// the node types it stands for (a type name or a group name).
func CompileContent(source string, resolve func(name string) ([]string, bool)) (*ContentMatch, error) {
	p := &contentParser{source: source, tokens: tokenize(source), resolve: resolve}
	var root *expr
	if len(p.tokens) == 0 {
		root = &expr{kind: exprSeq}
	} else {
		e, err := p.parseChoice()
		if err != nil {
			return nil, err
		}
		if p.pos < len(p.tokens) {
			return nil, p.errorf("unexpected token %q", p.tokens[p.pos])
		}
		root = e
	}
	n := &nfa{}
	start := n.newState()
	end := n.build(root, start)
	return &ContentMatch{expr: source, states: n.determinize(start, end)}, nil
}

func tokenize(s string) []string {
	var tokens []string
	for i := 0; i < len(s); {
		r := rune(s[i])
		switch {
		case unicode.IsSpace(r):
			i++
		case isWordByte(s[i]):
			j := i
			for j < len(s) && isWordByte(s[j]) {
				j++
			}
			tokens = append(tokens, s[i:j])
			i = j
		default:
			tokens = append(tokens, s[i:i+1])
			i++
		}
	}
	return tokens
}

func isWordByte(b byte) bool {
	return b == '_' || b == '-' || b >= '0' && b <= '9' || b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z'
}

type contentParser struct {
	source  string
	tokens  []string
	pos     int
	resolve func(string) ([]string, bool)
}

func (p *contentParser) errorf(format string, args ...any) error {
	return fmt.Errorf("%w: content expression %q: %s", ErrInvalidSchema, p.source, fmt.Sprintf(format, args...))
}

func (p *contentParser) peek() string {
	if p.pos < len(p.tokens) {
		return p.tokens[p.pos]
	}
	return ""
}

func (p *contentParser) eat(tok string) bool {
	if p.peek() == tok {
		p.pos++
		return true
	}
	return false
}

func (p *contentParser) parseChoice() (*expr, error) {
	var alts []*expr
	for {
		e, err := p.parseSeq()
		if err != nil {
			return nil, err
		}
		alts = append(alts, e)
		if !p.eat("|") {
			break
		}
	}
	if len(alts) == 1 {
		return alts[0], nil
	}
	return &expr{kind: exprChoice, exprs: alts}, nil
}

func (p *contentParser) parseSeq() (*expr, error) {
	var items []*expr
	for {
		tok := p.peek()
		if tok == "" || tok == ")" || tok == "|" {
			break
		}
		e, err := p.parseSubscript()
		if err != nil {
			return nil, err
		}
		items = append(items, e)
	}
	if len(items) == 0 {
		return nil, p.errorf("empty sequence")
	}
	if len(items) == 1 {
		return items[0], nil
	}
	return &expr{kind: exprSeq, exprs: items}, nil
}

func (p *contentParser) parseSubscript() (*expr, error) {
	e, err := p.parseAtom()
	if err != nil {
		return nil, err
	}
	for {
		switch {
		case p.eat("*"):
			e = &expr{kind: exprStar, exprs: []*expr{e}}
		case p.eat("+"):
			e = &expr{kind: exprPlus, exprs: []*expr{e}}
		case p.eat("?"):
			e = &expr{kind: exprOpt, exprs: []*expr{e}}
		case p.eat("{"):
			e, err = p.parseRange(e)
			if err != nil {
				return nil, err
			}
		default:
			return e, nil
		}
	}
}

func (p *contentParser) parseNum() (int, error) {
	tok := p.peek()
	n, err := strconv.Atoi(tok)
	if err != nil || n < 0 {
		return 0, p.errorf("expected number, got %q", tok)
	}
	p.pos++
	return n, nil
}

func (p *contentParser) parseRange(e *expr) (*expr, error) {
	lo, err := p.parseNum()
	if err != nil {
		return nil, err
	}
	hi := lo
	if p.eat(",") {
		if p.peek() == "}" {
			hi = -1
		} else if hi, err = p.parseNum(); err != nil {
			return nil, err
		}
	}
	if !p.eat("}") {
		return nil, p.errorf("unclosed range")
	}
	if hi != -1 && hi < lo {
		return nil, p.errorf("range {%d,%d} is empty", lo, hi)
	}
	return &expr{kind: exprRange, exprs: []*expr{e}, min: lo, max: hi}, nil
}

func (p *contentParser) parseAtom() (*expr, error) {
	if p.eat("(") {
		e, err := p.parseChoice()
		if err != nil {
			return nil, err
		}
		if !p.eat(")") {
			return nil, p.errorf("missing closing paren")
		}
		return e, nil
	}
	tok := p.peek()
	if tok == "" || !isWordByte(tok[0]) {
		return nil, p.errorf("unexpected token %q", tok)
	}
	types, ok := p.resolve(tok)
	if !ok || len(types) == 0 {
		return nil, p.errorf("no node type or group %q", tok)
	}
	p.pos++
	return &expr{kind: exprName, types: types}, nil
}

// nfa is a Thompson automaton; edges with an empty term are epsilon moves.

type nfaEdge struct {
	term string
	to   int
}

type nfa struct {
	edges [][]nfaEdge
}

func (n *nfa) newState() int {
	n.edges = append(n.edges, nil)
	return len(n.edges) - 1
}

func (n *nfa) edge(from, to int, term string) {
	n.edges[from] = append(n.edges[from], nfaEdge{term: term, to: to})
}

// build wires e starting at from and returns its end state.
func (n *nfa) build(e *expr, from int) int {
	switch e.kind {
	case exprName:
		end := n.newState()
		for _, t := range e.types {
			n.edge(from, end, t)
		}
		return end
	case exprSeq:
		cur := from
		for _, sub := range e.exprs {
			cur = n.build(sub, cur)
		}
		return cur
	case exprChoice:
		start, end := n.newState(), n.newState()
		n.edge(from, start, "")
		for _, sub := range e.exprs {
			n.edge(n.build(sub, start), end, "")
		}
		return end
	case exprStar:
		return n.star(e.exprs[0], from)
	case exprPlus:
		return n.star(e.exprs[0], n.build(e.exprs[0], from))
	case exprOpt:
		return n.opt(e.exprs[0], from)
	case exprRange:
		cur := from
		for i := 0; i < e.min; i++ {
			cur = n.build(e.exprs[0], cur)
		}
		if e.max == -1 {
			return n.star(e.exprs[0], cur)
		}
		for i := e.min; i < e.max; i++ {
			cur = n.opt(e.exprs[0], cur)
		}
		return cur
	}
	panic(fmt.Sprintf("model: unknown expression kind %d", e.kind))
}

func (n *nfa) star(e *expr, from int) int {
	loop := n.newState()
	n.edge(from, loop, "")
	n.edge(n.build(e, loop), loop, "")
	return loop
}

func (n *nfa) opt(e *expr, from int) int {
	start := n.newState()
	n.edge(from, start, "")
	end := n.build(e, start)
	n.edge(start, end, "")
	return end
}

func (n *nfa) closure(states []int) []int {
	seen := make(map[int]bool, len(states))
	stack := slices.Clone(states)
	for _, s := range states {
		seen[s] = true
	}
	for len(stack) > 0 {
		s := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, e := range n.edges[s] {
			if e.term == "" && !seen[e.to] {
				seen[e.to] = true
				stack = append(stack, e.to)
			}
		}
	}
	out := make([]int, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	slices.Sort(out)
	return out
}

func setKey(states []int) string {
	var b strings.Builder
	for i, s := range states {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.Itoa(s))
	}
	return b.String()
}

// determinize runs the subset construction.
func (n *nfa) determinize(start, accept int) []dfaState {
	var out []dfaState
	index := map[string]int{}

	var explore func(set []int) int
	explore = func(set []int) int {
		key := setKey(set)
		if i, ok := index[key]; ok {
			return i
		}
		i := len(out)
		index[key] = i
		out = append(out, dfaState{next: map[string]int{}, valid: slices.Contains(set, accept)})

		targets := map[string][]int{}
		var terms []string
		for _, s := range set {
			for _, e := range n.edges[s] {
				if e.term == "" {
					continue
				}
				if _, ok := targets[e.term]; !ok {
					terms = append(terms, e.term)
				}
				if !slices.Contains(targets[e.term], e.to) {
					targets[e.term] = append(targets[e.term], e.to)
				}
			}
		}
		for _, term := range terms {
			j := explore(n.closure(targets[term]))
			out[i].next[term] = j
		}
		return i
	}
	explore(n.closure([]int{start}))
	return out
}
