package message

import (
	"time"

	"github.com/nerrad567/ebusd-go/internal/ebus/message/datatype"
	"github.com/nerrad567/ebusd-go/internal/ebus/symbol"
)

// Direction is the access/traffic direction declared by a message
// definition (spec.md §3).
type Direction string

// Direction values.
const (
	DirRead         Direction = "read"
	DirWrite        Direction = "write"
	DirPassiveRead  Direction = "passive-read"
	DirPassiveWrite Direction = "passive-write"
	DirScan         Direction = "scan"
)

// IsWrite reports whether the direction represents a write-class message
// (spec.md §4.2 "find(circuit, name, levels, is_write)").
func (d Direction) IsWrite() bool { return d == DirWrite || d == DirPassiveWrite }

// IsPassive reports whether the direction is a passively-observed message,
// never actively sent by this daemon.
func (d Direction) IsPassive() bool { return d == DirPassiveRead || d == DirPassiveWrite }

// Field is one named value within a message's data payload.
type Field struct {
	Name      string
	Type      datatype.Type
	ByteOffset int
	ByteLen    int // 0 means "use Type.Len()"; >0 overrides (e.g. STR)
	BitOffset  int // for bit-packed fields sharing a byte
	Divisor    float64
	Unit       string
	ValueEnum  map[int]string // raw integer -> symbolic name
	Ignored    bool
	Required   bool
	Reverse    bool
	IsBCD      bool // informational; BCD is modeled as its own datatype.Type
	Signed     bool
}

func (f Field) length() int {
	if f.ByteLen > 0 {
		return f.ByteLen
	}
	return f.Type.Len()
}

// AddressFilter matches a wire address against an "any" wildcard or an
// explicit address.
type AddressFilter struct {
	Any  bool
	Addr symbol.Symbol
}

// Matches reports whether addr satisfies the filter.
func (f AddressFilter) Matches(addr symbol.Symbol) bool {
	return f.Any || f.Addr == addr
}

// AnyAddress returns a filter that matches every address.
func AnyAddress() AddressFilter { return AddressFilter{Any: true} }

// ExactAddress returns a filter that matches only addr.
func ExactAddress(addr symbol.Symbol) AddressFilter { return AddressFilter{Addr: addr} }

// ConditionRef references another message's field value by index into the
// catalog's definition slice, per spec.md §9 "represent conditions by
// index, not by borrowed pointer" (avoids a cyclic pointer/ownership graph).
type ConditionRef struct {
	DefIndex int    // index into Catalog.defs of the referenced Message
	Field    string // field name within that message, "" means first field
	Values   []int  // condition is true if the decoded raw int is one of these; empty means "message has any value cached"
}

// Condition is a conjunction of ConditionRefs: the Message is active only
// when every referenced condition currently evaluates true.
type Condition struct {
	Refs []ConditionRef
}

// Message is an immutable message definition, once loaded into a Catalog.
type Message struct {
	Circuit     string
	Name        string
	Direction   Direction
	Source      AddressFilter
	Dest        AddressFilter
	Primary     symbol.Symbol
	Secondary   symbol.Symbol
	IDPrefix    []byte
	Fields      []Field
	AccessLevel string // semicolon-separated tokens, "*" = any
	PollPriority int   // 1..9, 0 = not polled
	Condition    *Condition

	// loadOrder is the index this definition received when added to the
	// catalog; ties in matching are broken by "first-loaded wins".
	loadOrder int
}

// Key uniquely identifies a definition within one circuit by
// circuit+name+direction (spec.md §3 invariant).
type Key struct {
	Circuit   string
	Name      string
	Direction Direction
}

func (m *Message) key() Key { return Key{Circuit: m.Circuit, Name: m.Name, Direction: m.Direction} }

// idPrefixMatches reports whether the message's fixed ID-prefix bytes are a
// prefix of data, and returns the prefix length for "longer prefix wins"
// scoring.
func (m *Message) idPrefixMatches(data []byte) (bool, int) {
	if len(m.IDPrefix) > len(data) {
		return false, 0
	}
	for i, b := range m.IDPrefix {
		if data[i] != b {
			return false, 0
		}
	}
	return true, len(m.IDPrefix)
}

// cacheEntry is the last-value cache row owned by the Catalog for one
// Message (spec.md §3 "Last-value cache").
type cacheEntry struct {
	lastMaster     *symbol.MasterFrame
	lastSlave      *symbol.SlaveFrame
	lastUpdate     time.Time
	lastChange     time.Time
	created        time.Time
	repeatCount    int
	decodedValues  map[string]any
	lastPollTime   time.Time
	activeCond     bool // condition currently evaluates true (always true if no condition)
}
