package zgraph

import (
	"fmt"
	"slices"
	"sort"
	"strings"
)

// Expression is a parsed relation expression such as
// "[pets(onlyDogs), children.[pets, movies]]". The root has an empty Name.
type Expression struct {
	Name      string
	Modifiers []string
	Children  []*Expression
}

// ParseExpression parses a relation expression. The empty string parses to
// an expression with no children.
func ParseExpression(src string) (*Expression, error) {
	p := &exprParser{src: src}
	root := &Expression{}

	p.skipSpace()
	if p.eof() {
		return root, nil
	}

	items, err := p.parseList(false)
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if !p.eof() {
		return nil, p.errorf("unexpected %q", p.src[p.pos])
	}

	for _, it := range items {
		root.addChild(it)
	}
	if err := root.checkRepeats(src, nil); err != nil {
		return nil, err
	}
	return root, nil
}

// MustParseExpression is like ParseExpression but panics on error.
func MustParseExpression(src string) *Expression {
	e, err := ParseExpression(src)
	if err != nil {
		panic(err)
	}
	return e
}

// ExpressionFromMap builds an expression from its object form:
// {"pets": true, "children": {"pets": true}}. False entries are skipped.
// Keys may carry modifiers as in "pets(onlyDogs)".
func ExpressionFromMap(m map[string]any) (*Expression, error) {
	root := &Expression{}
	if err := fillFromMap(root, m); err != nil {
		return nil, err
	}
	if err := root.checkRepeats(root.String(), nil); err != nil {
		return nil, err
	}
	return root, nil
}

func fillFromMap(parent *Expression, m map[string]any) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		p := &exprParser{src: k}
		seg, err := p.parseSegment(false)
		if err != nil {
			return err
		}
		p.skipSpace()
		if !p.eof() || len(seg.Children) > 0 {
			return &GraphExpressionSyntaxError{Expr: k, Pos: p.pos, Msg: "map keys must be a single relation name"}
		}

		switch v := m[k].(type) {
		case bool:
			if !v {
				continue
			}
		case map[string]any:
			if err := fillFromMap(seg, v); err != nil {
				return err
			}
		default:
			return &GraphExpressionSyntaxError{Expr: k, Msg: fmt.Sprintf("value must be a bool or a map, got %T", v)}
		}
		parent.addChild(seg)
	}
	return nil
}

// Child returns the child expression for a relation name.
func (e *Expression) Child(name string) *Expression {
	for _, c := range e.Children {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// IsEmpty reports whether the expression names no relations.
func (e *Expression) IsEmpty() bool {
	return e == nil || len(e.Children) == 0
}

// addChild merges c into e's children.
func (e *Expression) addChild(c *Expression) {
	if existing := e.Child(c.Name); existing != nil {
		existing.mergeFrom(c)
		return
	}
	e.Children = append(e.Children, c)
}

func (e *Expression) mergeFrom(o *Expression) {
	for _, m := range o.Modifiers {
		if !slices.Contains(e.Modifiers, m) {
			e.Modifiers = append(e.Modifiers, m)
		}
	}
	for _, c := range o.Children {
		e.addChild(c.clone())
	}
}

func (e *Expression) clone() *Expression {
	c := &Expression{Name: e.Name, Modifiers: slices.Clone(e.Modifiers)}
	for _, ch := range e.Children {
		c.Children = append(c.Children, ch.clone())
	}
	return c
}

// Merge returns the union of e and others. Neither input is modified.
func (e *Expression) Merge(others ...*Expression) *Expression {
	out := &Expression{}
	if e != nil {
		out = e.clone()
	}
	for _, o := range others {
		if o != nil {
			out.mergeFrom(o)
		}
	}
	return out
}

// Allows checks that every path of e is present in allow and returns a
// RelationNotAllowedError naming the first path that is not.
func (e *Expression) Allows(allow *Expression) error {
	return e.allows(allow, "")
}

func (e *Expression) allows(allow *Expression, prefix string) error {
	for _, c := range e.Children {
		path := c.Name
		if prefix != "" {
			path = prefix + "." + c.Name
		}
		a := allow.Child(c.Name)
		if a == nil {
			return &RelationNotAllowedError{Path: path}
		}
		if err := c.allows(a, path); err != nil {
			return err
		}
	}
	return nil
}

// Paths lists every relation path, parents before children.
func (e *Expression) Paths() []string {
	var out []string
	var walk func(x *Expression, prefix string)
	walk = func(x *Expression, prefix string) {
		for _, c := range x.Children {
			p := c.Name
			if prefix != "" {
				p = prefix + "." + c.Name
			}
			out = append(out, p)
			walk(c, p)
		}
	}
	walk(e, "")
	return out
}

// At returns the sub-expression at a dotted path, or nil.
func (e *Expression) At(path string) *Expression {
	cur := e
	for _, name := range strings.Split(path, ".") {
		if cur = cur.Child(name); cur == nil {
			return nil
		}
	}
	return cur
}

// String renders the canonical form: single children chain with '.', and
// several children are bracketed.
func (e *Expression) String() string {
	if e.Name == "" {
		return renderChildren(e.Children, true)
	}
	s := e.Name
	if len(e.Modifiers) > 0 {
		s += "(" + strings.Join(e.Modifiers, ", ") + ")"
	}
	if len(e.Children) > 0 {
		s += "." + renderChildren(e.Children, false)
	}
	return s
}

func renderChildren(children []*Expression, root bool) string {
	if len(children) == 1 && !root {
		return children[0].String()
	}
	parts := make([]string, len(children))
	for i, c := range children {
		parts[i] = c.String()
	}
	if root && len(children) == 1 {
		return parts[0]
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// validate resolves every relation and named modifier against e.
func (x *Expression) validate(e *EntityType, prefix string) error {
	for _, c := range x.Children {
		path := c.Name
		if prefix != "" {
			path = prefix + "." + c.Name
		}
		rel, ok := e.relations[c.Name]
		if !ok {
			return &UnknownRelationError{Entity: e.Name, Relation: c.Name, Path: path}
		}
		for _, m := range c.Modifiers {
			if _, err := rel.Related.Modifier(m); err != nil {
				return err
			}
		}
		if err := c.validate(rel.Related, path); err != nil {
			return err
		}
	}
	return nil
}

// checkRepeats rejects a relation name that repeats along one path.
func (e *Expression) checkRepeats(src string, ancestors []string) error {
	for _, c := range e.Children {
		if slices.Contains(ancestors, c.Name) {
			return &GraphExpressionSyntaxError{
				Expr: src,
				Pos:  strings.Index(src, c.Name),
				Msg:  fmt.Sprintf("relation %q repeats along %s", c.Name, strings.Join(append(ancestors, c.Name), ".")),
			}
		}
		if err := c.checkRepeats(src, append(slices.Clone(ancestors), c.Name)); err != nil {
			return err
		}
	}
	return nil
}

type exprParser struct {
	src string
	pos int
}

func (p *exprParser) eof() bool {
	return p.pos >= len(p.src)
}

func (p *exprParser) peek() byte {
	if p.eof() {
		return 0
	}
	return p.src[p.pos]
}

func (p *exprParser) skipSpace() {
	for !p.eof() && strings.IndexByte(" \t\r\n", p.src[p.pos]) >= 0 {
		p.pos++
	}
}

func (p *exprParser) errorf(format string, args ...any) error {
	return &GraphExpressionSyntaxError{Expr: p.src, Pos: p.pos, Msg: fmt.Sprintf(format, args...)}
}

func isNameByte(c byte) bool {
	return c == '_' || c == '$' ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

func (p *exprParser) parseName() (string, error) {
	p.skipSpace()
	start := p.pos
	for !p.eof() && isNameByte(p.src[p.pos]) {
		p.pos++
	}
	if start == p.pos {
		if p.eof() {
			return "", p.errorf("expected relation name, got end of input")
		}
		return "", p.errorf("expected relation name, got %q", p.src[p.pos])
	}
	return p.src[start:p.pos], nil
}

// parseList parses items separated by commas. When bracketed the closing
// ']' terminates the list and is consumed.
func (p *exprParser) parseList(bracketed bool) ([]*Expression, error) {
	var items []*Expression
	for {
		p.skipSpace()
		if bracketed && p.peek() == ']' {
			if len(items) == 0 {
				return nil, p.errorf("empty brackets")
			}
			p.pos++
			return items, nil
		}

		item, err := p.parseItem()
		if err != nil {
			return nil, err
		}
		items = append(items, item...)

		p.skipSpace()
		switch {
		case p.peek() == ',':
			p.pos++
		case bracketed && p.peek() == ']':
		case bracketed && p.eof():
			return nil, p.errorf("missing ']'")
		case !bracketed && p.eof():
			return items, nil
		case !bracketed && p.peek() == ']':
			return nil, p.errorf("unmatched ']'")
		default:
			return nil, p.errorf("unexpected %q", p.peek())
		}
	}
}

// parseItem parses a bracketed group or a single segment chain.
func (p *exprParser) parseItem() ([]*Expression, error) {
	p.skipSpace()
	if p.peek() == '[' {
		p.pos++
		return p.parseList(true)
	}
	seg, err := p.parseSegment(true)
	if err != nil {
		return nil, err
	}
	return []*Expression{seg}, nil
}

// parseSegment parses name(mods) optionally followed by '.' and a nested
// item when chained is set.
func (p *exprParser) parseSegment(chained bool) (*Expression, error) {
	name, err := p.parseName()
	if err != nil {
		return nil, err
	}
	seg := &Expression{Name: name}

	p.skipSpace()
	if p.peek() == '(' {
		p.pos++
		for {
			mod, err := p.parseName()
			if err != nil {
				return nil, err
			}
			if !slices.Contains(seg.Modifiers, mod) {
				seg.Modifiers = append(seg.Modifiers, mod)
			}
			p.skipSpace()
			if p.peek() == ',' {
				p.pos++
				continue
			}
			if p.peek() != ')' {
				return nil, p.errorf("missing ')'")
			}
			p.pos++
			break
		}
	}

	if !chained {
		return seg, nil
	}

	p.skipSpace()
	if p.peek() == '.' {
		p.pos++
		children, err := p.parseItem()
		if err != nil {
			return nil, err
		}
		for _, c := range children {
			seg.addChild(c)
		}
	}
	return seg, nil
}
