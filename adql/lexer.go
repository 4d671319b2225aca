// Package adql parses ADQL queries, checks them against the published
// tables and translates them to the SQL of the database engine.
package adql

import (
	"fmt"
	"strings"
	"unicode"

	"vo_platform/base"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	// delimited identifiers keep their case
	tokDelimited
	tokNumber
	tokString
	tokOp
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

func (t token) String() string {
	switch t.kind {
	case tokEOF:
		return "end of query"
	case tokString:
		return "'" + t.text + "'"
	case tokDelimited:
		return `"` + t.text + `"`
	}
	return t.text
}

// is tells whether t is the keyword kw, ignoring case.
func (t token) is(kw string) bool {
	return t.kind == tokIdent && strings.EqualFold(t.text, kw)
}

func (t token) isOp(op string) bool {
	return t.kind == tokOp && t.text == op
}

// SyntaxError is a malformed query. Pos is the byte offset into the
// query.
type SyntaxError struct {
	Pos   int
	Msg   string
	Query string
}

func (e *SyntaxError) Error() string {
	line, col := 1, 1
	for i, r := range e.Query {
		if i >= e.Pos {
			break
		}
		if r == '\n' {
			line++
			col = 1
		} else {
			col++
		}
	}
	return fmt.Sprintf("Could not parse your query: %s (line %d, column %d)", e.Msg, line, col)
}

// asValidation makes a syntax error a bad QUERY parameter.
func asValidation(err error) error {
	return &base.ValidationError{Field: "QUERY", Msg: err.Error(), Err: err}
}

var twoCharOps = []string{"<>", "!=", "<=", ">=", "||"}

func lex(query string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(query) {
		c := query[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '-' && i+1 < len(query) && query[i+1] == '-':
			for i < len(query) && query[i] != '\n' {
				i++
			}
		case isIdentStart(c):
			start := i
			for i < len(query) && isIdentChar(query[i]) {
				i++
			}
			toks = append(toks, token{kind: tokIdent, text: query[start:i], pos: start})
		case c == '"':
			start := i
			var b strings.Builder
			i++
			for {
				if i >= len(query) {
					return nil, &SyntaxError{Pos: start, Msg: "unterminated delimited identifier", Query: query}
				}
				if query[i] == '"' {
					if i+1 < len(query) && query[i+1] == '"' {
						b.WriteByte('"')
						i += 2
						continue
					}
					i++
					break
				}
				b.WriteByte(query[i])
				i++
			}
			toks = append(toks, token{kind: tokDelimited, text: b.String(), pos: start})
		case c == '\'':
			start := i
			var b strings.Builder
			i++
			for {
				if i >= len(query) {
					return nil, &SyntaxError{Pos: start, Msg: "unterminated string literal", Query: query}
				}
				if query[i] == '\'' {
					if i+1 < len(query) && query[i+1] == '\'' {
						b.WriteByte('\'')
						i += 2
						continue
					}
					i++
					break
				}
				b.WriteByte(query[i])
				i++
			}
			toks = append(toks, token{kind: tokString, text: b.String(), pos: start})
		case isDigit(c) || (c == '.' && i+1 < len(query) && isDigit(query[i+1])):
			start := i
			i = scanNumber(query, i)
			toks = append(toks, token{kind: tokNumber, text: query[start:i], pos: start})
		default:
			matched := false
			for _, op := range twoCharOps {
				if strings.HasPrefix(query[i:], op) {
					toks = append(toks, token{kind: tokOp, text: op, pos: i})
					i += 2
					matched = true
					break
				}
			}
			if matched {
				continue
			}
			if strings.ContainsRune("=<>+-*/(),.;", rune(c)) {
				toks = append(toks, token{kind: tokOp, text: string(c), pos: i})
				i++
				continue
			}
			return nil, &SyntaxError{Pos: i, Msg: fmt.Sprintf("unexpected character '%c'", c), Query: query}
		}
	}
	// a trailing semicolon is tolerated
	if n := len(toks); n > 0 && toks[n-1].isOp(";") {
		toks = toks[:n-1]
	}
	return append(toks, token{kind: tokEOF, pos: len(query)}), nil
}

func scanNumber(s string, i int) int {
	for i < len(s) && isDigit(s[i]) {
		i++
	}
	if i < len(s) && s[i] == '.' {
		i++
		for i < len(s) && isDigit(s[i]) {
			i++
		}
	}
	if i < len(s) && (s[i] == 'e' || s[i] == 'E') {
		j := i + 1
		if j < len(s) && (s[j] == '+' || s[j] == '-') {
			j++
		}
		if j < len(s) && isDigit(s[j]) {
			i = j
			for i < len(s) && isDigit(s[i]) {
				i++
			}
		}
	}
	return i
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func isIdentStart(c byte) bool {
	return c < unicode.MaxASCII && (c == '_' || unicode.IsLetter(rune(c)))
}

func isIdentChar(c byte) bool {
	return isIdentStart(c) || isDigit(c)
}
