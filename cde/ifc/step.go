// Package ifc reads building models serialized as STEP physical files
// (ISO 10303-21) and extracts the element properties served alongside
// converted geometry.
package ifc

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// ArgKind discriminates the value forms a STEP argument can take.
type ArgKind int

const (
	ArgNull    ArgKind = iota // $
	ArgDerived                // *
	ArgString
	ArgNumber
	ArgEnum  // .NOTDEFINED.
	ArgRef   // #123
	ArgList  // (...)
	ArgTyped // IFCLABEL('x')
)

// Arg is one parsed argument of an entity record.
type Arg struct {
	Kind  ArgKind
	Str   string // string value, enumeration name or wrapped type name
	Num   float64
	IsInt bool
	Ref   int64
	List  []Arg // list members, or the wrapped value of a typed argument
}

// Entity is one #id=TYPE(...) record from the data section.
type Entity struct {
	Id   int64
	Type string // uppercase as written, e.g. IFCWALLSTANDARDCASE
	Args []Arg
}

// Arg returns the argument at index i.
func (e *Entity) Arg(i int) (Arg, bool) {
	if i < 0 || i >= len(e.Args) {
		return Arg{}, false
	}
	return e.Args[i], true
}

// StringArg returns the argument at index i when it is a string, unwrapping
// a typed value such as IFCLABEL('Wall') one level.
func (e *Entity) StringArg(i int) (string, bool) {
	a, ok := e.Arg(i)
	if !ok {
		return "", false
	}
	if a.Kind == ArgTyped && len(a.List) == 1 {
		a = a.List[0]
	}
	if a.Kind != ArgString {
		return "", false
	}
	return a.Str, true
}

// RefArg returns the entity id the argument at index i points to.
func (e *Entity) RefArg(i int) (int64, bool) {
	a, ok := e.Arg(i)
	if !ok || a.Kind != ArgRef {
		return 0, false
	}
	return a.Ref, true
}

// ListArg returns the members of the argument at index i when it is a list.
func (e *Entity) ListArg(i int) ([]Arg, bool) {
	a, ok := e.Arg(i)
	if !ok || a.Kind != ArgList {
		return nil, false
	}
	return a.List, true
}

// Model is the entity table of a parsed STEP file.
type Model struct {
	schema   string
	entities map[int64]*Entity
	byType   map[string][]*Entity
}

// Schema returns the declared schema identifier, e.g. IFC4 or IFC2X3.
func (m *Model) Schema() string {
	return m.schema
}

// Entity looks up a record by its instance id.
func (m *Model) Entity(id int64) (*Entity, bool) {
	e, ok := m.entities[id]
	return e, ok
}

// OfType returns all records of the given entity type in file order.
func (m *Model) OfType(entityType string) []*Entity {
	return m.byType[entityType]
}

// Deref follows a reference argument to its entity.
func (m *Model) Deref(a Arg) (*Entity, bool) {
	if a.Kind != ArgRef {
		return nil, false
	}
	return m.Entity(a.Ref)
}

// ReadModel parses a STEP stream and returns its entity table. When keep is
// non nil only records whose entity type it accepts are retained, which lets
// callers drop geometry records from large models before they are stored.
func ReadModel(r io.Reader, keep func(entityType string) bool) (*Model, error) {
	model := &Model{
		entities: make(map[int64]*Entity),
		byType:   make(map[string][]*Entity),
	}

	br := bufio.NewReaderSize(r, 64*1024)
	var stmt strings.Builder
	inString := false
	sawMagic := false

	for {
		c, err := br.ReadByte()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading step stream: %v", err)
		}

		if inString {
			stmt.WriteByte(c)
			if c == '\'' {
				// A doubled quote is an escaped quote, not the end.
				if next, err := br.Peek(1); err == nil && next[0] == '\'' {
					br.ReadByte()
					stmt.WriteByte('\'')
				} else {
					inString = false
				}
			}
			continue
		}

		switch {
		case c == '\'':
			inString = true
			stmt.WriteByte(c)
		case c == '/':
			if next, err := br.Peek(1); err == nil && next[0] == '*' {
				br.ReadByte()
				if err := skipComment(br); err != nil {
					return nil, errors.New("unterminated comment in step stream")
				}
			} else {
				stmt.WriteByte(c)
			}
		case c == ';':
			text := stmt.String()
			stmt.Reset()
			if !sawMagic {
				if text != "ISO-10303-21" {
					return nil, errors.New("not a step file, missing ISO-10303-21 header")
				}
				sawMagic = true
				continue
			}
			if err := model.addStatement(text, keep); err != nil {
				return nil, err
			}
		case c == ' ' || c == '\t' || c == '\r' || c == '\n':
			// Whitespace outside strings is insignificant.
		default:
			stmt.WriteByte(c)
		}
	}

	if !sawMagic {
		return nil, errors.New("not a step file, missing ISO-10303-21 header")
	}
	if strings.TrimSpace(stmt.String()) != "" {
		return nil, errors.New("unexpected end of step stream")
	}
	return model, nil
}

func skipComment(br *bufio.Reader) error {
	prev := byte(0)
	for {
		c, err := br.ReadByte()
		if err != nil {
			return err
		}
		if prev == '*' && c == '/' {
			return nil
		}
		prev = c
	}
}

func (m *Model) addStatement(stmt string, keep func(string) bool) error {
	if stmt == "" {
		return nil
	}
	if stmt[0] != '#' {
		// Header statement. Only the declared schema is worth keeping.
		if strings.HasPrefix(stmt, "FILE_SCHEMA") {
			m.schema = firstQuoted(stmt)
		}
		return nil
	}

	p := parser{src: stmt}
	p.eat('#')
	id, err := p.integer()
	if err != nil {
		return fmt.Errorf("bad step record %q: %v", abbreviate(stmt), err)
	}
	if !p.eat('=') {
		return fmt.Errorf("bad step record #%d: expected =", id)
	}
	entityType := p.ident()
	if entityType == "" {
		return fmt.Errorf("bad step record #%d: missing entity type", id)
	}
	if keep != nil && !keep(entityType) {
		return nil
	}
	args, err := p.listBody()
	if err != nil {
		return fmt.Errorf("bad step record #%d %v: %v", id, entityType, err)
	}

	e := &Entity{Id: id, Type: entityType, Args: args}
	m.entities[id] = e
	m.byType[entityType] = append(m.byType[entityType], e)
	return nil
}

func firstQuoted(s string) string {
	start := strings.IndexByte(s, '\'')
	if start < 0 {
		return ""
	}
	p := parser{src: s, pos: start}
	v, err := p.stringLit()
	if err != nil {
		return ""
	}
	return v
}

func abbreviate(s string) string {
	if len(s) > 40 {
		return s[:40] + "..."
	}
	return s
}

// parser walks a single statement. ReadModel already stripped whitespace
// outside string literals, so tokens abut directly.
type parser struct {
	src string
	pos int
}

func (p *parser) errf(format string, args ...interface{}) error {
	return fmt.Errorf(format+" at offset %d", append(args, p.pos)...)
}

func (p *parser) peek() byte {
	if p.pos >= len(p.src) {
		return 0
	}
	return p.src[p.pos]
}

func (p *parser) eat(c byte) bool {
	if p.pos < len(p.src) && p.src[p.pos] == c {
		p.pos++
		return true
	}
	return false
}

func (p *parser) integer() (int64, error) {
	start := p.pos
	for p.pos < len(p.src) && p.src[p.pos] >= '0' && p.src[p.pos] <= '9' {
		p.pos++
	}
	if p.pos == start {
		return 0, p.errf("expected digits")
	}
	return strconv.ParseInt(p.src[start:p.pos], 10, 64)
}

func (p *parser) ident() string {
	start := p.pos
	for p.pos < len(p.src) {
		c := p.src[p.pos]
		if (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '_' {
			p.pos++
			continue
		}
		break
	}
	return p.src[start:p.pos]
}

func (p *parser) stringLit() (string, error) {
	p.pos++ // opening quote
	var b strings.Builder
	for p.pos < len(p.src) {
		c := p.src[p.pos]
		if c == '\'' {
			if p.pos+1 < len(p.src) && p.src[p.pos+1] == '\'' {
				b.WriteByte('\'')
				p.pos += 2
				continue
			}
			p.pos++
			return b.String(), nil
		}
		b.WriteByte(c)
		p.pos++
	}
	return "", p.errf("unterminated string")
}

func (p *parser) listBody() ([]Arg, error) {
	if !p.eat('(') {
		return nil, p.errf("expected (")
	}
	args := []Arg{}
	for {
		if p.eat(')') {
			return args, nil
		}
		a, err := p.value()
		if err != nil {
			return nil, err
		}
		args = append(args, a)
		if p.eat(',') {
			continue
		}
		if p.eat(')') {
			return args, nil
		}
		return nil, p.errf("expected , or )")
	}
}

func (p *parser) value() (Arg, error) {
	switch c := p.peek(); {
	case c == '$':
		p.pos++
		return Arg{Kind: ArgNull}, nil
	case c == '*':
		p.pos++
		return Arg{Kind: ArgDerived}, nil
	case c == '#':
		p.pos++
		id, err := p.integer()
		if err != nil {
			return Arg{}, err
		}
		return Arg{Kind: ArgRef, Ref: id}, nil
	case c == '\'':
		s, err := p.stringLit()
		if err != nil {
			return Arg{}, err
		}
		return Arg{Kind: ArgString, Str: s}, nil
	case c == '.':
		p.pos++
		name := p.ident()
		if name == "" || !p.eat('.') {
			return Arg{}, p.errf("bad enumeration literal")
		}
		return Arg{Kind: ArgEnum, Str: name}, nil
	case c == '(':
		list, err := p.listBody()
		if err != nil {
			return Arg{}, err
		}
		return Arg{Kind: ArgList, List: list}, nil
	case c == '-' || c == '+' || (c >= '0' && c <= '9'):
		return p.number()
	default:
		name := p.ident()
		if name == "" {
			return Arg{}, p.errf("unexpected character %q", c)
		}
		inner, err := p.listBody()
		if err != nil {
			return Arg{}, err
		}
		return Arg{Kind: ArgTyped, Str: name, List: inner}, nil
	}
}

func (p *parser) number() (Arg, error) {
	start := p.pos
	isInt := true
	if c := p.peek(); c == '-' || c == '+' {
		p.pos++
	}
	for p.pos < len(p.src) {
		c := p.src[p.pos]
		if c >= '0' && c <= '9' {
			p.pos++
			continue
		}
		if c == '.' || c == 'e' || c == 'E' {
			isInt = false
			p.pos++
			if c != '.' {
				if next := p.peek(); next == '-' || next == '+' {
					p.pos++
				}
			}
			continue
		}
		break
	}
	raw := p.src[start:p.pos]
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return Arg{}, p.errf("bad number %q", raw)
	}
	return Arg{Kind: ArgNumber, Num: n, IsInt: isInt}, nil
}
