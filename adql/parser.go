package adql

import (
	"fmt"
	"strconv"
	"strings"
)

// reserved words that cannot be used as implicit aliases or unquoted
// identifiers.
var reserved = map[string]bool{}

func init() {
	for _, w := range strings.Fields(`ALL AND AS ASC BETWEEN BY CASE CAST CROSS DESC DISTINCT ELSE END
		EXCEPT EXISTS FROM FULL GROUP HAVING ILIKE IN INNER INTERSECT IS JOIN LEFT LIKE NATURAL
		NOT NULL OFFSET ON OR ORDER OUTER RIGHT SELECT THEN TOP UNION USING WHEN WHERE`) {
		reserved[w] = true
	}
}

func isReserved(t token) bool {
	return t.kind == tokIdent && reserved[strings.ToUpper(t.text)]
}

type parser struct {
	query string
	toks  []token
	i     int
}

// Parse parses an ADQL query into its syntax tree.
func Parse(query string) (*Select, error) {
	toks, err := lex(query)
	if err != nil {
		return nil, err
	}
	p := &parser{query: query, toks: toks}
	sel, err := p.parseQuery()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokEOF {
		return nil, p.errorf("unexpected %s after the end of the query", p.peek())
	}
	return sel, nil
}

func (p *parser) peek() token {
	return p.toks[p.i]
}

func (p *parser) peekAt(n int) token {
	if p.i+n >= len(p.toks) {
		return p.toks[len(p.toks)-1]
	}
	return p.toks[p.i+n]
}

func (p *parser) next() token {
	t := p.toks[p.i]
	if t.kind != tokEOF {
		p.i++
	}
	return t
}

func (p *parser) errorf(format string, args ...any) error {
	return &SyntaxError{Pos: p.peek().pos, Msg: fmt.Sprintf(format, args...), Query: p.query}
}

// accept consumes the keyword kw if it is next.
func (p *parser) accept(kw string) bool {
	if p.peek().is(kw) {
		p.i++
		return true
	}
	return false
}

func (p *parser) acceptOp(op string) bool {
	if p.peek().isOp(op) {
		p.i++
		return true
	}
	return false
}

func (p *parser) expect(kw string) error {
	if !p.accept(kw) {
		return p.errorf("expected %s, found %s", kw, p.peek())
	}
	return nil
}

func (p *parser) expectOp(op string) error {
	if !p.acceptOp(op) {
		return p.errorf("expected '%s', found %s", op, p.peek())
	}
	return nil
}

func (p *parser) parseIdent() (Ident, error) {
	t := p.peek()
	switch {
	case t.kind == tokDelimited:
		p.i++
		return Ident{Name: t.text, Delimited: true}, nil
	case t.kind == tokIdent && !isReserved(t):
		p.i++
		return Ident{Name: t.text}, nil
	}
	return Ident{}, p.errorf("expected an identifier, found %s", t)
}

func (p *parser) parseInt(what string) (int, error) {
	t := p.next()
	if t.kind != tokNumber {
		return 0, p.errorf("%s needs an integer", what)
	}
	n, err := strconv.Atoi(t.text)
	if err != nil || n < 0 {
		return 0, &SyntaxError{Pos: t.pos, Msg: fmt.Sprintf("%s needs a non-negative integer, not %s", what, t.text), Query: p.query}
	}
	return n, nil
}

func (p *parser) parseQuery() (*Select, error) {
	sel, err := p.parseSelect()
	if err != nil {
		return nil, err
	}
	for {
		var op string
		switch {
		case p.accept("UNION"):
			op = "UNION"
		case p.accept("EXCEPT"):
			op = "EXCEPT"
		case p.accept("INTERSECT"):
			op = "INTERSECT"
		default:
			return sel, nil
		}
		all := p.accept("ALL")
		var right *Select
		if p.peek().isOp("(") {
			p.i++
			if right, err = p.parseQuery(); err != nil {
				return nil, err
			}
			if err := p.expectOp(")"); err != nil {
				return nil, err
			}
		} else if right, err = p.parseSelect(); err != nil {
			return nil, err
		}
		sel.SetOps = append(sel.SetOps, SetOp{Op: op, All: all, Right: right})
	}
}

func (p *parser) parseSelect() (*Select, error) {
	if err := p.expect("SELECT"); err != nil {
		return nil, err
	}
	sel := &Select{Top: -1, Offset: -1}
	if p.accept("DISTINCT") {
		sel.Distinct = true
	} else {
		p.accept("ALL")
	}
	if p.accept("TOP") {
		n, err := p.parseInt("TOP")
		if err != nil {
			return nil, err
		}
		sel.Top = n
	}

	if p.acceptOp("*") {
		sel.Star = true
	} else {
		for {
			item, err := p.parseSelectItem()
			if err != nil {
				return nil, err
			}
			sel.Items = append(sel.Items, item)
			if !p.acceptOp(",") {
				break
			}
		}
	}

	if err := p.expect("FROM"); err != nil {
		return nil, err
	}
	for {
		ref, err := p.parseTableRef()
		if err != nil {
			return nil, err
		}
		sel.From = append(sel.From, ref)
		if !p.acceptOp(",") {
			break
		}
	}

	var err error
	if p.accept("WHERE") {
		if sel.Where, err = p.parseCondition(); err != nil {
			return nil, err
		}
	}
	if p.accept("GROUP") {
		if err := p.expect("BY"); err != nil {
			return nil, err
		}
		for {
			e, err := p.parseValue()
			if err != nil {
				return nil, err
			}
			sel.GroupBy = append(sel.GroupBy, e)
			if !p.acceptOp(",") {
				break
			}
		}
	}
	if p.accept("HAVING") {
		if sel.Having, err = p.parseCondition(); err != nil {
			return nil, err
		}
	}
	if p.accept("ORDER") {
		if err := p.expect("BY"); err != nil {
			return nil, err
		}
		for {
			e, err := p.parseValue()
			if err != nil {
				return nil, err
			}
			item := OrderItem{Expr: e}
			if p.accept("DESC") {
				item.Desc = true
			} else {
				p.accept("ASC")
			}
			sel.OrderBy = append(sel.OrderBy, item)
			if !p.acceptOp(",") {
				break
			}
		}
	}
	if p.accept("OFFSET") {
		if sel.Offset, err = p.parseInt("OFFSET"); err != nil {
			return nil, err
		}
	}
	return sel, nil
}

func (p *parser) parseSelectItem() (SelectItem, error) {
	// t.* and s.t.*
	if t := p.peek(); t.kind == tokIdent || t.kind == tokDelimited {
		n := 0
		for p.peekAt(n).kind == tokIdent || p.peekAt(n).kind == tokDelimited {
			if !p.peekAt(n + 1).isOp(".") {
				break
			}
			if p.peekAt(n + 2).isOp("*") {
				var parts []Ident
				for k := 0; k <= n; k += 2 {
					id, err := p.parseIdent()
					if err != nil {
						return SelectItem{}, err
					}
					parts = append(parts, id)
					p.i++
				}
				p.i++
				return SelectItem{AllOf: parts}, nil
			}
			n += 2
		}
	}

	e, err := p.parseValue()
	if err != nil {
		return SelectItem{}, err
	}
	item := SelectItem{Expr: e}
	if p.accept("AS") {
		alias, err := p.parseIdent()
		if err != nil {
			return SelectItem{}, err
		}
		item.Alias = &alias
	} else if t := p.peek(); (t.kind == tokIdent && !isReserved(t)) || t.kind == tokDelimited {
		alias, _ := p.parseIdent()
		item.Alias = &alias
	}
	return item, nil
}

func (p *parser) parseTableRef() (TableRef, error) {
	left, err := p.parsePrimaryTable()
	if err != nil {
		return nil, err
	}
	for {
		join := &Join{Left: left}
		if p.accept("CROSS") {
			if err := p.expect("JOIN"); err != nil {
				return nil, err
			}
			join.Kind = "CROSS"
		} else {
			join.Natural = p.accept("NATURAL")
			explicit := true
			switch {
			case p.accept("INNER"):
				join.Kind = "INNER"
			case p.accept("LEFT"):
				join.Kind = "LEFT OUTER"
				p.accept("OUTER")
			case p.accept("RIGHT"):
				join.Kind = "RIGHT OUTER"
				p.accept("OUTER")
			case p.accept("FULL"):
				join.Kind = "FULL OUTER"
				p.accept("OUTER")
			default:
				join.Kind = "INNER"
				explicit = false
			}
			if !p.accept("JOIN") {
				if join.Natural || explicit {
					return nil, p.errorf("expected JOIN, found %s", p.peek())
				}
				return left, nil
			}
		}

		if join.Right, err = p.parsePrimaryTable(); err != nil {
			return nil, err
		}
		if join.Kind != "CROSS" && !join.Natural {
			switch {
			case p.accept("ON"):
				if join.On, err = p.parseCondition(); err != nil {
					return nil, err
				}
			case p.accept("USING"):
				if err := p.expectOp("("); err != nil {
					return nil, err
				}
				for {
					id, err := p.parseIdent()
					if err != nil {
						return nil, err
					}
					join.Using = append(join.Using, id)
					if !p.acceptOp(",") {
						break
					}
				}
				if err := p.expectOp(")"); err != nil {
					return nil, err
				}
			default:
				return nil, p.errorf("a join needs ON or USING")
			}
		}
		left = join
	}
}

func (p *parser) parseAlias() (*Ident, error) {
	if p.accept("AS") {
		id, err := p.parseIdent()
		return &id, err
	}
	if t := p.peek(); (t.kind == tokIdent && !isReserved(t)) || t.kind == tokDelimited {
		id, err := p.parseIdent()
		return &id, err
	}
	return nil, nil
}

func (p *parser) parsePrimaryTable() (TableRef, error) {
	if p.peek().isOp("(") {
		if p.peekAt(1).is("SELECT") {
			p.i++
			sub, err := p.parseQuery()
			if err != nil {
				return nil, err
			}
			if err := p.expectOp(")"); err != nil {
				return nil, err
			}
			alias, err := p.parseAlias()
			if err != nil {
				return nil, err
			}
			if alias == nil {
				return nil, p.errorf("a subquery in FROM needs an alias")
			}
			return &DerivedTable{Sub: sub, Alias: *alias}, nil
		}
		p.i++
		ref, err := p.parseTableRef()
		if err != nil {
			return nil, err
		}
		return ref, p.expectOp(")")
	}

	pos := p.peek().pos
	first, err := p.parseIdent()
	if err != nil {
		return nil, err
	}
	tn := &TableName{Name: first, Pos: pos}
	if p.acceptOp(".") {
		second, err := p.parseIdent()
		if err != nil {
			return nil, err
		}
		tn.Schema, tn.Name = first, second
		// catalog.schema.table: the catalog part is ignored
		if p.acceptOp(".") {
			third, err := p.parseIdent()
			if err != nil {
				return nil, err
			}
			tn.Schema, tn.Name = second, third
		}
	}
	if tn.Alias, err = p.parseAlias(); err != nil {
		return nil, err
	}
	return tn, nil
}

func (p *parser) parseCondition() (Expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.accept("OR") {
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &BinaryExpr{Op: "OR", L: left, R: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (Expr, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.accept("AND") {
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = &BinaryExpr{Op: "AND", L: left, R: right}
	}
	return left, nil
}

func (p *parser) parseNot() (Expr, error) {
	if p.accept("NOT") {
		x, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &UnaryExpr{Op: "NOT", X: x}, nil
	}
	return p.parsePredicate()
}

var comparisons = map[string]bool{"=": true, "<>": true, "!=": true, "<": true, ">": true, "<=": true, ">=": true}

func (p *parser) parseSubqueryParens() (*Select, error) {
	if err := p.expectOp("("); err != nil {
		return nil, err
	}
	sub, err := p.parseQuery()
	if err != nil {
		return nil, err
	}
	return sub, p.expectOp(")")
}

func (p *parser) parsePredicate() (Expr, error) {
	if p.accept("EXISTS") {
		sub, err := p.parseSubqueryParens()
		if err != nil {
			return nil, err
		}
		return &Exists{Sub: sub}, nil
	}

	left, err := p.parseValue()
	if err != nil {
		return nil, err
	}

	if t := p.peek(); t.kind == tokOp && comparisons[t.text] {
		p.i++
		right, err := p.parseValue()
		if err != nil {
			return nil, err
		}
		op := t.text
		if op == "!=" {
			op = "<>"
		}
		return &BinaryExpr{Op: op, L: left, R: right}, nil
	}

	if p.peek().is("IS") {
		p.i++
		not := p.accept("NOT")
		if err := p.expect("NULL"); err != nil {
			return nil, err
		}
		return &IsNull{X: left, Not: not}, nil
	}

	not := p.accept("NOT")
	switch {
	case p.accept("BETWEEN"):
		lo, err := p.parseValue()
		if err != nil {
			return nil, err
		}
		if err := p.expect("AND"); err != nil {
			return nil, err
		}
		hi, err := p.parseValue()
		if err != nil {
			return nil, err
		}
		return &Between{X: left, Lo: lo, Hi: hi, Not: not}, nil
	case p.peek().is("LIKE") || p.peek().is("ILIKE"):
		caseless := p.next().is("ILIKE")
		pat, err := p.parseValue()
		if err != nil {
			return nil, err
		}
		return &Like{X: left, Pattern: pat, Not: not, Caseless: caseless}, nil
	case p.accept("IN"):
		if p.peekAt(1).is("SELECT") {
			sub, err := p.parseSubqueryParens()
			if err != nil {
				return nil, err
			}
			return &InExpr{X: left, Sub: sub, Not: not}, nil
		}
		if err := p.expectOp("("); err != nil {
			return nil, err
		}
		in := &InExpr{X: left, Not: not}
		for {
			e, err := p.parseValue()
			if err != nil {
				return nil, err
			}
			in.List = append(in.List, e)
			if !p.acceptOp(",") {
				break
			}
		}
		return in, p.expectOp(")")
	}
	if not {
		return nil, p.errorf("expected BETWEEN, LIKE or IN after NOT")
	}
	return left, nil
}

func (p *parser) parseValue() (Expr, error) {
	left, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	for {
		t := p.peek()
		if !(t.isOp("+") || t.isOp("-") || t.isOp("||")) {
			return left, nil
		}
		p.i++
		right, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		left = &BinaryExpr{Op: t.text, L: left, R: right}
	}
}

func (p *parser) parseTerm() (Expr, error) {
	left, err := p.parseFactor()
	if err != nil {
		return nil, err
	}
	for {
		t := p.peek()
		if !(t.isOp("*") || t.isOp("/")) {
			return left, nil
		}
		p.i++
		right, err := p.parseFactor()
		if err != nil {
			return nil, err
		}
		left = &BinaryExpr{Op: t.text, L: left, R: right}
	}
}

func (p *parser) parseFactor() (Expr, error) {
	if t := p.peek(); t.isOp("-") || t.isOp("+") {
		p.i++
		x, err := p.parseFactor()
		if err != nil {
			return nil, err
		}
		if n, ok := x.(*NumberLit); ok {
			if t.text == "-" {
				return &NumberLit{Text: "-" + n.Text}, nil
			}
			return n, nil
		}
		return &UnaryExpr{Op: t.text, X: x}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parseCase() (Expr, error) {
	c := &Case{}
	var err error
	if !p.peek().is("WHEN") {
		if c.Operand, err = p.parseValue(); err != nil {
			return nil, err
		}
	}
	for p.accept("WHEN") {
		var w When
		if c.Operand != nil {
			w.Cond, err = p.parseValue()
		} else {
			w.Cond, err = p.parseCondition()
		}
		if err != nil {
			return nil, err
		}
		if err := p.expect("THEN"); err != nil {
			return nil, err
		}
		if w.Result, err = p.parseValue(); err != nil {
			return nil, err
		}
		c.Whens = append(c.Whens, w)
	}
	if len(c.Whens) == 0 {
		return nil, p.errorf("CASE needs at least one WHEN")
	}
	if p.accept("ELSE") {
		if c.Else, err = p.parseValue(); err != nil {
			return nil, err
		}
	}
	return c, p.expect("END")
}

var castTypes = map[string]bool{
	"SMALLINT": true, "INTEGER": true, "BIGINT": true, "REAL": true, "DOUBLE PRECISION": true,
	"CHAR": true, "VARCHAR": true, "TIMESTAMP": true, "POINT": true,
}

func (p *parser) parseCast() (Expr, error) {
	if err := p.expectOp("("); err != nil {
		return nil, err
	}
	x, err := p.parseValue()
	if err != nil {
		return nil, err
	}
	if err := p.expect("AS"); err != nil {
		return nil, err
	}
	t := p.next()
	if t.kind != tokIdent {
		return nil, p.errorf("expected a type name, found %s", t)
	}
	typeName := strings.ToUpper(t.text)
	if typeName == "DOUBLE" {
		if err := p.expect("PRECISION"); err != nil {
			return nil, err
		}
		typeName = "DOUBLE PRECISION"
	}
	if !castTypes[typeName] {
		return nil, &SyntaxError{Pos: t.pos, Msg: "cannot cast to " + t.text, Query: p.query}
	}
	if p.acceptOp("(") {
		n, err := p.parseInt("type length")
		if err != nil {
			return nil, err
		}
		typeName += fmt.Sprintf("(%d)", n)
		if err := p.expectOp(")"); err != nil {
			return nil, err
		}
	}
	return &Cast{X: x, Type: typeName}, p.expectOp(")")
}

func (p *parser) parsePrimary() (Expr, error) {
	t := p.peek()
	switch {
	case t.kind == tokNumber:
		p.i++
		return &NumberLit{Text: t.text}, nil
	case t.kind == tokString:
		p.i++
		return &StringLit{Value: t.text}, nil
	case t.is("NULL"):
		p.i++
		return &NullLit{}, nil
	case t.is("CASE"):
		p.i++
		return p.parseCase()
	case t.is("CAST"):
		p.i++
		return p.parseCast()
	case t.isOp("("):
		if p.peekAt(1).is("SELECT") {
			sub, err := p.parseSubqueryParens()
			if err != nil {
				return nil, err
			}
			return &SubqueryExpr{Sub: sub}, nil
		}
		p.i++
		x, err := p.parseCondition()
		if err != nil {
			return nil, err
		}
		return &Paren{X: x}, p.expectOp(")")
	case t.kind == tokIdent && p.peekAt(1).isOp("("):
		return p.parseFunction()
	case t.kind == tokIdent || t.kind == tokDelimited:
		ref := &ColumnRef{Pos: t.pos}
		for {
			id, err := p.parseIdent()
			if err != nil {
				return nil, err
			}
			ref.Parts = append(ref.Parts, id)
			if !p.acceptOp(".") {
				break
			}
		}
		if len(ref.Parts) > 3 {
			return nil, &SyntaxError{Pos: t.pos, Msg: "too many qualifiers in column reference", Query: p.query}
		}
		return ref, nil
	}
	return nil, p.errorf("unexpected %s", t)
}

func (p *parser) parseFunction() (Expr, error) {
	t := p.next()
	p.i++
	fc := &FuncCall{Name: strings.ToUpper(t.text), Pos: t.pos}
	if p.acceptOp(")") {
		return fc, nil
	}
	if p.acceptOp("*") {
		fc.Star = true
		return fc, p.expectOp(")")
	}
	if p.accept("DISTINCT") {
		fc.Distinct = true
	} else {
		p.accept("ALL")
	}
	for {
		arg, err := p.parseCondition()
		if err != nil {
			return nil, err
		}
		fc.Args = append(fc.Args, arg)
		if !p.acceptOp(",") {
			break
		}
	}
	return fc, p.expectOp(")")
}
