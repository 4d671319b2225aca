package adql

import "strings"

// Expr is any value or condition expression.
type Expr interface {
	exprNode()
}

type (
	// ColumnRef is a possibly qualified column name. Parts holds the
	// qualifiers followed by the column name.
	ColumnRef struct {
		Parts     []Ident
		Pos       int
		resolved  *boundColumn
		aliasOnly string
	}

	NumberLit struct {
		Text string
	}

	StringLit struct {
		Value string
	}

	NullLit struct{}

	BinaryExpr struct {
		Op   string
		L, R Expr
	}

	UnaryExpr struct {
		Op string
		X  Expr
	}

	FuncCall struct {
		Name     string
		Args     []Expr
		Distinct bool
		// Star is set for COUNT(*).
		Star bool
		Pos  int
	}

	Between struct {
		X, Lo, Hi Expr
		Not       bool
	}

	Like struct {
		X, Pattern Expr
		Not        bool
		Caseless   bool
	}

	InExpr struct {
		X    Expr
		List []Expr
		Sub  *Select
		Not  bool
	}

	IsNull struct {
		X   Expr
		Not bool
	}

	Exists struct {
		Sub *Select
	}

	When struct {
		Cond, Result Expr
	}

	Case struct {
		Operand Expr
		Whens   []When
		Else    Expr
	}

	Cast struct {
		X    Expr
		Type string
	}

	Paren struct {
		X Expr
	}

	SubqueryExpr struct {
		Sub *Select
	}
)

func (*ColumnRef) exprNode()    {}
func (*NumberLit) exprNode()    {}
func (*StringLit) exprNode()    {}
func (*NullLit) exprNode()      {}
func (*BinaryExpr) exprNode()   {}
func (*UnaryExpr) exprNode()    {}
func (*FuncCall) exprNode()     {}
func (*Between) exprNode()      {}
func (*Like) exprNode()         {}
func (*InExpr) exprNode()       {}
func (*IsNull) exprNode()       {}
func (*Exists) exprNode()       {}
func (*Case) exprNode()         {}
func (*Cast) exprNode()         {}
func (*Paren) exprNode()        {}
func (*SubqueryExpr) exprNode() {}

// Ident is a regular or delimited identifier.
type Ident struct {
	Name      string
	Delimited bool
}

// Matches compares an identifier to a name, ignoring case unless the
// identifier was delimited.
func (id Ident) Matches(name string) bool {
	if id.Delimited {
		return id.Name == name
	}
	return strings.EqualFold(id.Name, name)
}

// TableRef is an element of a FROM clause.
type TableRef interface {
	tableRef()
}

type (
	TableName struct {
		Schema Ident
		Name   Ident
		Alias  *Ident
		Pos    int
	}

	DerivedTable struct {
		Sub   *Select
		Alias Ident
	}

	Join struct {
		Kind        string
		Natural     bool
		Left, Right TableRef
		On          Expr
		Using       []Ident
	}
)

func (*TableName) tableRef()    {}
func (*DerivedTable) tableRef() {}
func (*Join) tableRef()         {}

type SelectItem struct {
	Expr  Expr
	Alias *Ident
	// AllOf is set for "t.*"; Expr is nil then.
	AllOf []Ident
}

type OrderItem struct {
	Expr Expr
	Desc bool
}

type SetOp struct {
	Op    string
	All   bool
	Right *Select
}

// Select is a query specification with optional set operations.
type Select struct {
	Distinct bool
	// Top is -1 when not given.
	Top     int
	Star    bool
	Items   []SelectItem
	From    []TableRef
	Where   Expr
	GroupBy []Expr
	Having  Expr
	OrderBy []OrderItem
	// Offset is -1 when not given.
	Offset int
	SetOps []SetOp
}
