package rd

import (
	"fmt"
	"sort"
	"strings"

	"vo_platform/base"
)

// Node is embedded by every RD structure.
type Node struct {
	parent Structure
	Pos    base.Pos
	// macros defined by macDef children
	macros map[string]string
}

func (n *Node) node() *Node {
	return n
}

func (n *Node) Parent() Structure {
	return n.parent
}

type Structure interface {
	node() *Node
	Parent() Structure
}

// RDOf returns the resource descriptor a structure belongs to.
func RDOf(s Structure) *RD {
	for ; s != nil; s = s.Parent() {
		if r, ok := s.(*RD); ok {
			return r
		}
	}
	return nil
}

// Ref is a reference to another structure. Target stays nil until the
// enclosing RD has been completely parsed.
type Ref struct {
	Spec   string
	Pos    base.Pos
	Target Structure
}

func (r *Ref) Resolved() bool {
	return r != nil && r.Target != nil
}

// MetaSet keeps meta items in order of definition.
type MetaSet struct {
	keys   []string
	values map[string][]string
}

func (m *MetaSet) Add(key, value string) {
	if m.values == nil {
		m.values = map[string][]string{}
	}
	if _, ok := m.values[key]; !ok {
		m.keys = append(m.keys, key)
	}
	m.values[key] = append(m.values[key], value)
}

// Set replaces all values of key.
func (m *MetaSet) Set(key, value string) {
	if m.values != nil {
		delete(m.values, key)
		for i, k := range m.keys {
			if k == key {
				m.keys = append(m.keys[:i], m.keys[i+1:]...)
				break
			}
		}
	}
	m.Add(key, value)
}

func (m *MetaSet) Get(key string) string {
	if vals := m.values[key]; len(vals) > 0 {
		return vals[0]
	}
	return ""
}

func (m *MetaSet) GetAll(key string) []string {
	return m.values[key]
}

func (m *MetaSet) Keys() []string {
	return m.keys
}

func (m *MetaSet) copy() MetaSet {
	res := MetaSet{keys: append([]string{}, m.keys...), values: map[string][]string{}}
	for k, v := range m.values {
		res.values[k] = append([]string{}, v...)
	}
	return res
}

type metaCarrier interface {
	MetaSet() *MetaSet
}

// GetMeta looks up a meta key on s and its ancestors.
func GetMeta(s Structure, key string) string {
	for ; s != nil; s = s.Parent() {
		if mc, ok := s.(metaCarrier); ok {
			if v := mc.MetaSet().Get(key); v != "" {
				return v
			}
		}
	}
	return ""
}

type Option struct {
	Node
	Content string `rd:",content"`
	Title   string `rd:"title"`
}

type Values struct {
	Node
	NullLiteral string    `rd:"nullLiteral"`
	Min         string    `rd:"min"`
	Max         string    `rd:"max"`
	Default     string    `rd:"default"`
	Options     []*Option `rd:"option,structs"`
}

// Column is a typed column of a table; params, input keys and output
// fields share its attributes.
type Column struct {
	Node
	Original    string            `rd:"original,original"`
	Name        string            `rd:"name,required"`
	Type        string            `rd:"type,default=real"`
	Unit        string            `rd:"unit"`
	UCD         string            `rd:"ucd"`
	Utype       string            `rd:"utype"`
	Description string            `rd:"description"`
	XType       string            `rd:"xtype"`
	Required    bool              `rd:"required"`
	VerbLevel   int               `rd:"verbLevel,default=20"`
	DisplayHint map[string]string `rd:"displayHint,dict"`
	Tablehead   string            `rd:"tablehead"`
	Note        string            `rd:"note"`
	Values      *Values           `rd:"values,struct"`
	ID          string            `rd:"id"`
}

func (c *Column) Col() *Column {
	return c
}

// ColumnLike is implemented by everything embedding a Column.
type ColumnLike interface {
	Structure
	Col() *Column
}

func (c *Column) GetTablehead() string {
	if c.Tablehead != "" {
		return c.Tablehead
	}
	return c.Name
}

// NullLiteral returns the configured null literal, if any.
func (c *Column) NullLiteral() string {
	if c.Values == nil {
		return ""
	}
	return c.Values.NullLiteral
}

func (c *Column) Hint(key string) string {
	return c.DisplayHint[key]
}

type Param struct {
	Column
	Value string `rd:",content"`
}

type InputKey struct {
	Column
	Multiplicity  string `rd:"multiplicity,default=single,enum=single|multiple|forced-single"`
	Std           bool   `rd:"std"`
	WidgetFactory string `rd:"widgetFactory"`
	ShowItems     int    `rd:"showItems,default=3"`
	// FromColumn is set on keys derived from a column through buildFrom;
	// they take range lists.
	FromColumn bool
}

type OutputField struct {
	Column
	// SQL expression computing the field; defaults to the name.
	Select string `rd:"select"`
}

func (f *OutputField) SelectExpr() string {
	if f.Select != "" {
		return f.Select
	}
	return f.Name
}

type ColumnRef struct {
	Node
	Dest string `rd:"dest,required"`
}

type Group struct {
	Node
	Name        string       `rd:"name"`
	UCD         string       `rd:"ucd"`
	Utype       string       `rd:"utype"`
	Description string       `rd:"description"`
	ColumnRefs  []*ColumnRef `rd:"columnRef,structs"`
	ParamRefs   []*ColumnRef `rd:"paramRef,structs"`
	Groups      []*Group     `rd:"group,structs"`
}

type Index struct {
	Node
	Name    string   `rd:"name"`
	Columns []string `rd:"columns,list,required"`
	Method  string   `rd:"method"`
	Cluster bool     `rd:"cluster"`
}

type ForeignKey struct {
	Node
	InTable *Ref     `rd:"inTable,ref,required"`
	Source  []string `rd:"source,list,required"`
	Dest    []string `rd:"dest,list"`
}

type Table struct {
	Node
	Original    string        `rd:"original,original"`
	ID          string        `rd:"id,required"`
	OnDisk      bool          `rd:"onDisk"`
	Adql        string        `rd:"adql,default=False,enum=True|False|hidden"`
	Primary     []string      `rd:"primary,list"`
	Meta        MetaSet       `rd:"meta,meta"`
	Columns     []*Column     `rd:"column,structs"`
	Params      []*Param      `rd:"param,structs"`
	Groups      []*Group      `rd:"group,structs"`
	Indices     []*Index      `rd:"index,structs"`
	ForeignKeys []*ForeignKey `rd:"foreignKey,structs"`
}

func (t *Table) MetaSet() *MetaSet {
	return &t.Meta
}

func (t *Table) IsADQL() bool {
	return t.Adql == "True" || t.Adql == "hidden"
}

// QName is the schema-qualified table name.
func (t *Table) QName() string {
	if r := RDOf(t); r != nil && r.Schema != "" {
		return r.Schema + "." + t.ID
	}
	return t.ID
}

func (t *Table) Column(name string) (*Column, error) {
	for _, c := range t.Columns {
		if strings.EqualFold(c.Name, name) {
			return c, nil
		}
	}
	return nil, base.NewNotFoundError("column", name, "table "+t.ID)
}

func (t *Table) Param(name string) (*Param, error) {
	for _, p := range t.Params {
		if p.Name == name {
			return p, nil
		}
	}
	return nil, base.NewNotFoundError("param", name, "table "+t.ID)
}

// ColumnByUCD returns the first column with the given UCD.
func (t *Table) ColumnByUCD(ucd string) (*Column, error) {
	for _, c := range t.Columns {
		if c.UCD == ucd {
			return c, nil
		}
	}
	for _, c := range t.Columns {
		for _, atom := range strings.Split(c.UCD, ";") {
			if atom == ucd {
				return c, nil
			}
		}
	}
	return nil, base.NewNotFoundError("column with UCD", ucd, "table "+t.ID)
}

func (t *Table) macroTable() map[string]MacroFunc {
	return map[string]MacroFunc{
		"qName":     constMacro(t.QName()),
		"tablename": constMacro(t.ID),
	}
}

type Publish struct {
	Node
	Render    string   `rd:"render,required"`
	Sets      []string `rd:"sets,list,default=local"`
	Auxiliary bool     `rd:"auxiliary"`
}

type OutputTable struct {
	Node
	AutoCols     []string       `rd:"autoCols,list"`
	VerbLevel    int            `rd:"verbLevel"`
	OutputFields []*OutputField `rd:"outputField,structs"`
	Columns      []*Column      `rd:"column,structs"`
	Params       []*Param       `rd:"param,structs"`
}

type Service struct {
	Node
	Original        string            `rd:"original,original"`
	ID              string            `rd:"id,required"`
	Core            *Ref              `rd:"core,ref,required"`
	Allowed         []string          `rd:"allowed,list,default=form"`
	LimitTo         string            `rd:"limitTo"`
	DefaultRenderer string            `rd:"defaultRenderer"`
	Meta            MetaSet           `rd:"meta,meta"`
	InputKeys       []*InputKey       `rd:"inputKey,structs"`
	OutputTable     *OutputTable      `rd:"outputTable,struct"`
	Publications    []*Publish        `rd:"publish,structs"`
	Properties      map[string]string `rd:"property,property"`
}

func (s *Service) MetaSet() *MetaSet {
	return &s.Meta
}

func (s *Service) CoreDef() Core {
	if s.Core == nil || s.Core.Target == nil {
		return nil
	}
	c, _ := s.Core.Target.(Core)
	return c
}

func (s *Service) Allows(renderer string) bool {
	for _, a := range s.Allowed {
		if a == renderer {
			return true
		}
	}
	return false
}

// FullID is rdId#serviceId.
func (s *Service) FullID() string {
	if r := RDOf(s); r != nil {
		return r.ID + "#" + s.ID
	}
	return s.ID
}

// URLPath is the path of the service below the server root.
func (s *Service) URLPath(renderer string) string {
	r := RDOf(s)
	path := s.ID
	if r != nil {
		path = r.ID + "/" + s.ID
	}
	return "/" + strings.TrimPrefix(path, "__system__/") + "/" + renderer
}

func (s *Service) macroTable() map[string]MacroFunc {
	return map[string]MacroFunc{
		"svcId": constMacro(s.ID),
	}
}

// Core is implemented by all core structures.
type Core interface {
	Structure
	CoreID() string
	Output() *OutputTable
}

type CondDesc struct {
	Node
	Original    string            `rd:"original,original"`
	ID          string            `rd:"id"`
	BuildFrom   string            `rd:"buildFrom"`
	Required    bool              `rd:"required"`
	Silent      bool              `rd:"silent"`
	Combining   bool              `rd:"combining"`
	Group       string            `rd:"group"`
	PhraseMaker string            `rd:"phraseMaker"`
	FixedSQL    string            `rd:"fixedSQL"`
	InputKeys   []*InputKey       `rd:"inputKey,structs"`
	Properties  map[string]string `rd:"property,property"`
}

type DBCore struct {
	Node
	Original     string       `rd:"original,original"`
	ID           string       `rd:"id,required"`
	QueriedTable *Ref         `rd:"queriedTable,ref,required"`
	Distinct     bool         `rd:"distinct"`
	GroupBy      string       `rd:"groupBy"`
	SortKey      string       `rd:"sortKey"`
	Limit        int          `rd:"limit"`
	CondDescs    []*CondDesc  `rd:"condDesc,structs"`
	OutputTable  *OutputTable `rd:"outputTable,struct"`
}

func (c *DBCore) CoreID() string       { return c.ID }
func (c *DBCore) Output() *OutputTable { return c.OutputTable }

func (c *DBCore) Table() *Table {
	if c.QueriedTable == nil {
		return nil
	}
	t, _ := c.QueriedTable.Target.(*Table)
	return t
}

type FixedQueryCore struct {
	Node
	ID          string       `rd:"id,required"`
	Query       string       `rd:"query,required"`
	OutputTable *OutputTable `rd:"outputTable,struct"`
}

func (c *FixedQueryCore) CoreID() string       { return c.ID }
func (c *FixedQueryCore) Output() *OutputTable { return c.OutputTable }

type DatalinkCore struct {
	Node
	ID                  string      `rd:"id,required"`
	DescriptorGenerator string      `rd:"descriptorGenerator,default=products"`
	MetaMakers          []string    `rd:"metaMaker,list"`
	DataFunctions       []string    `rd:"dataFunction,list"`
	InputKeys           []*InputKey `rd:"inputKey,structs"`
}

func (c *DatalinkCore) CoreID() string       { return c.ID }
func (c *DatalinkCore) Output() *OutputTable { return nil }

type CustomCore struct {
	Node
	ID          string       `rd:"id,required"`
	Impl        string       `rd:"impl,required"`
	InputKeys   []*InputKey  `rd:"inputKey,structs"`
	OutputTable *OutputTable `rd:"outputTable,struct"`
}

func (c *CustomCore) CoreID() string       { return c.ID }
func (c *CustomCore) Output() *OutputTable { return c.OutputTable }

type NullCore struct {
	Node
	ID string `rd:"id,required"`
}

func (c *NullCore) CoreID() string       { return c.ID }
func (c *NullCore) Output() *OutputTable { return nil }

type RegistryCore struct {
	Node
	ID string `rd:"id,required"`
}

func (c *RegistryCore) CoreID() string       { return c.ID }
func (c *RegistryCore) Output() *OutputTable { return nil }

type ProductCore struct {
	Node
	ID string `rd:"id,required"`
}

func (c *ProductCore) CoreID() string       { return c.ID }
func (c *ProductCore) Output() *OutputTable { return nil }

// MacDef defines a macro on its parent and never becomes part of the tree.
type MacDef struct {
	Node
	Name string `rd:"name,required"`
	Body string `rd:",content"`
}

// metaItem and propertyItem are collected into their parent's meta set
// or property map.
type metaItem struct {
	Node
	Name    string `rd:"name"`
	Format  string `rd:"format"`
	Title   string `rd:"title"`
	Content string `rd:",content"`
}

type propertyItem struct {
	Node
	Name    string `rd:"name,required"`
	Content string `rd:",content"`
}

// atomItem collects the content of an atomic attribute given as an
// element.
type atomItem struct {
	Node
	Content string `rd:",content"`
}

type RD struct {
	Node
	ID        string
	Schema    string      `rd:"schema,required"`
	ResDir    string      `rd:"resdir"`
	Meta      MetaSet     `rd:"meta,meta"`
	Tables    []*Table    `rd:"table,structs"`
	Services  []*Service  `rd:"service,structs"`
	Cores     []Core      `rd:"dbCore|fixedQueryCore|datalinkCore|nullCore|customCore|registryCore|productCore,multi"`
	CondDescs []*CondDesc `rd:"condDesc,structs"`

	// Streams holds the STREAM and NXSTREAM bodies defined in the RD.
	Streams    map[string][]Event
	SourcePath string
	Hash       uint64

	ids    map[string]Structure
	config ConfigSource
}

// ConfigSource gives macros access to configuration values.
type ConfigSource interface {
	Get(section, name string) (string, bool)
	MakeURL(path string) string
}

func (r *RD) MetaSet() *MetaSet {
	return &r.Meta
}

func (r *RD) ByID(id string) (Structure, bool) {
	s, ok := r.ids[id]
	return s, ok
}

func (r *RD) Table(id string) (*Table, error) {
	for _, t := range r.Tables {
		if t.ID == id {
			return t, nil
		}
	}
	return nil, base.NewNotFoundError("table", id, r.ID)
}

func (r *RD) Service(id string) (*Service, error) {
	for _, s := range r.Services {
		if s.ID == id {
			return s, nil
		}
	}
	return nil, base.NewNotFoundError("service", id, r.ID)
}

func (r *RD) macroTable() map[string]MacroFunc {
	return map[string]MacroFunc{
		"rdId":   constMacro(r.ID),
		"schema": constMacro(r.Schema),
		"resdir": constMacro(r.ResDir),
		"getConfig": func(args ...string) (string, error) {
			if len(args) != 2 {
				return "", fmt.Errorf("getConfig takes a section and a name")
			}
			if r.config == nil {
				return "", fmt.Errorf("no configuration available")
			}
			v, ok := r.config.Get(args[0], args[1])
			if !ok {
				return "", fmt.Errorf("unknown configuration item %s.%s", args[0], args[1])
			}
			return v, nil
		},
		"internallink": func(args ...string) (string, error) {
			if len(args) != 1 {
				return "", fmt.Errorf("internallink takes one argument")
			}
			if r.config == nil {
				return "/" + strings.TrimLeft(args[0], "/"), nil
			}
			return r.config.MakeURL(args[0]), nil
		},
	}
}

// IDs returns the local ids defined in the RD, sorted.
func (r *RD) IDs() []string {
	ids := make([]string, 0, len(r.ids))
	for id := range r.ids {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

var elementFactories = map[string]func() Structure{
	"dbCore":         func() Structure { return &DBCore{} },
	"fixedQueryCore": func() Structure { return &FixedQueryCore{} },
	"datalinkCore":   func() Structure { return &DatalinkCore{} },
	"nullCore":       func() Structure { return &NullCore{} },
	"customCore":     func() Structure { return &CustomCore{} },
	"registryCore":   func() Structure { return &RegistryCore{} },
	"productCore":    func() Structure { return &ProductCore{} },
}
