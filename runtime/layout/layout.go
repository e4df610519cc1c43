// Package layout defines the types the collector consumes, read-only,
// from the layout oracle: the compiler-produced static table mapping a
// layout id to the (offset, category) of each of a block's children
// (spec section 4.4, "Layout-driven child walk").
//
// The oracle itself is an out-of-scope external collaborator (spec
// section 1): this package only defines what it hands back, plus a
// small in-memory Table for tests and embedders that build their
// layout data at init time rather than via a generated table.
package layout

// Category classifies one field of a block for the purposes of
// migration (spec section 4.4).
type Category uint16

const (
	// Bool is an unboxed field; the evacuator does nothing.
	Bool Category = iota
	// MInt is an unboxed fixed-width machine integer; likewise inert.
	MInt
	// Symbol is a block pointer to a constructor application.
	Symbol
	// Variable is a block pointer to a bound-variable node.
	Variable
	// Int is an arbitrary-precision integer (runtime/bignum.Int).
	Int
	// Float is an arbitrary-precision float (runtime/bignum.Float).
	Float
	// StringBuffer is a mutable string-buffer field.
	StringBuffer
	// Map is a persistent map node.
	Map
	// Set is a persistent set node.
	Set
	// List is a persistent list node.
	List
)

// The collector's Cheney scan walks evacuated memory byte by byte and
// has no parent context to tell it what kind of object it has just
// landed on, so every block must be self-describing from its own
// header's layout id alone. The handful of built-in collaborator
// kinds therefore reserve the low end of the layout id space; a
// compiler-assigned oracle table, like Table below, should start
// numbering ordinary constructor layouts at FirstOracleID.
const (
	// TokenID marks a raw byte buffer with no children: a string or a
	// limb buffer viewed as a token, not through its owning
	// descriptor.
	TokenID uint16 = 0
	// IntID marks an arbitrary-precision integer descriptor
	// (runtime/bignum.Int).
	IntID uint16 = 1
	// FloatID marks an arbitrary-precision float descriptor
	// (runtime/bignum.Float).
	FloatID uint16 = 2
	// StringBufferID marks a mutable string buffer descriptor
	// (runtime/strbuf.Buffer).
	StringBufferID uint16 = 3
	// MapID, SetID, and ListID mark persistent collection nodes
	// (runtime/persistent.Node); their children are always migrated
	// with the once-only guard, never the plain one.
	MapID uint16 = 4
	SetID uint16 = 5
	ListID uint16 = 6

	// FirstOracleID is the first layout id a compiler-generated
	// oracle table may assign to an ordinary constructor-application
	// or bound-variable block.
	FirstOracleID uint16 = 7
)

// Item describes one child of a block: its byte offset from the start
// of the block, and how to migrate it.
type Item struct {
	Offset   uintptr
	Category Category
}

// Layout is the full child list of one layout id.
type Layout struct {
	Args []Item
}

// Oracle is the read-only interface the collector consumes.
// get_layout_data in spec section 6.
type Oracle interface {
	// Layout returns the layout data for id. Behavior for an id with
	// no registered layout follows spec section 7: fall through to
	// treating the object as having no children (nargs == 0), not an
	// error.
	Layout(id uint16) Layout
}

// Table is a simple array-backed Oracle, suitable for a compiler that
// assigns layout ids densely starting at FirstOracleID (the ids below
// it are reserved for tokens and the built-in collaborator kinds,
// which the collector never looks up here).
type Table []Layout

// Layout implements Oracle.
func (t Table) Layout(id uint16) Layout {
	if int(id) >= len(t) {
		return Layout{}
	}
	return t[id]
}

// Set installs l as the layout for id, growing the table if needed.
func (t *Table) Set(id uint16, l Layout) {
	for int(id) >= len(*t) {
		*t = append(*t, Layout{})
	}
	(*t)[id] = l
}
