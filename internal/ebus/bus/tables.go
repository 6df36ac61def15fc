// Package bus implements the BusHandler of spec.md §4.6: the observer of
// every bus frame, generator of poll/scan requests, and owner of the
// seen-address, scan-result, and grab tables.
package bus

import (
	"sync"
	"time"

	"github.com/nerrad567/ebusd-go/internal/ebus/symbol"
)

// SeenFlag is a bit in the 256-entry seen-address table (spec.md §3).
type SeenFlag byte

// Flags tracked per address.
const (
	FlagSeen SeenFlag = 1 << iota
	FlagScanInit
	FlagScanDone
	FlagLoadInit
	FlagLoadDone
)

// SeenTable is the 256-entry seen-address bitset table, owned exclusively
// by the protocol and dispatcher tasks per spec.md §5 (never touched
// concurrently by anything else, but guarded here anyway since both tasks
// reach it).
type SeenTable struct {
	mu    sync.Mutex
	flags [256]SeenFlag
}

// NewSeenTable returns an empty table.
func NewSeenTable() *SeenTable { return &SeenTable{} }

// Mark sets flag for addr.
func (t *SeenTable) Mark(addr symbol.Symbol, flag SeenFlag) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.flags[addr] |= flag
}

// Clear unsets flag for addr.
func (t *SeenTable) Clear(addr symbol.Symbol, flag SeenFlag) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.flags[addr] &^= flag
}

// Has reports whether flag is set for addr.
func (t *SeenTable) Has(addr symbol.Symbol, flag SeenFlag) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.flags[addr]&flag != 0
}

// Addresses returns every address with FlagSeen set, in ascending order.
func (t *SeenTable) Addresses() []symbol.Symbol {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []symbol.Symbol
	for i := 0; i < 256; i++ {
		if t.flags[i]&FlagSeen != 0 {
			out = append(out, symbol.Symbol(i))
		}
	}
	return out
}

// NextScanAddress returns the next valid non-master address strictly
// after last (wrapping at 0xFF back to 0). Unless full is true, only
// SEEN addresses (or ones with a SEEN candidate master) are eligible;
// addresses already SCAN_DONE are skipped unless withUnfinished is true.
// Returns (symbol.SYN, false) when no address is eligible, matching
// spec.md §4.5's "next_addr == SYN" sentinel for "scan finished".
func (t *SeenTable) NextScanAddress(last symbol.Symbol, full, withUnfinished bool) (symbol.Symbol, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	start := int(last) + 1
	for i := 0; i < 256; i++ {
		addr := symbol.Symbol((start + i) % 256)
		if !symbol.IsValidAddress(addr) || symbol.IsMaster(addr) {
			continue
		}
		if t.flags[addr]&FlagScanDone != 0 && !withUnfinished {
			continue
		}
		if full {
			return addr, true
		}
		if t.flags[addr]&FlagSeen != 0 {
			return addr, true
		}
		for _, m := range symbol.CandidateMastersOf(addr) {
			if t.flags[m]&FlagSeen != 0 {
				return addr, true
			}
		}
	}
	return symbol.SYN, false
}

// ScanTable holds the ordered decoded result strings per slave address,
// index 0 always the identification message (spec.md §3).
type ScanTable struct {
	mu sync.Mutex
	m  map[symbol.Symbol][]string
}

// NewScanTable returns an empty table.
func NewScanTable() *ScanTable { return &ScanTable{m: make(map[symbol.Symbol][]string)} }

// Set stores value at index idx for addr, growing the slice as needed.
func (t *ScanTable) Set(addr symbol.Symbol, idx int, value string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	row := t.m[addr]
	for len(row) <= idx {
		row = append(row, "")
	}
	row[idx] = value
	t.m[addr] = row
}

// Get returns a copy of addr's result row.
func (t *ScanTable) Get(addr symbol.Symbol) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	row := t.m[addr]
	out := make([]string, len(row))
	copy(out, row)
	return out
}

// Addresses returns every address with at least one recorded result.
func (t *ScanTable) Addresses() []symbol.Symbol {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]symbol.Symbol, 0, len(t.m))
	for addr := range t.m {
		out = append(out, addr)
	}
	return out
}

// GrabKey fingerprints a frame for the grab table (spec.md §3): dest,
// primary, secondary, and the first 1 or 4 data bytes depending on
// whether the transaction was a broadcast.
type GrabKey struct {
	Dest               symbol.Symbol
	Primary, Secondary symbol.Symbol
	Prefix             [4]byte
	PrefixLen          int
}

func grabKeyFor(master symbol.MasterFrame) GrabKey {
	k := GrabKey{Dest: master.Dest, Primary: master.Primary, Secondary: master.Secondary}
	n := 1
	if master.Dest == symbol.Broadcast {
		n = 4
	}
	if n > len(master.Data) {
		n = len(master.Data)
	}
	copy(k.Prefix[:], master.Data[:n])
	k.PrefixLen = n
	return k
}

// GrabEntry is one grab table row.
type GrabEntry struct {
	LastMaster  symbol.MasterFrame
	LastSlave   *symbol.SlaveFrame
	At          time.Time
	RepeatCount int
}

// GrabTable records traffic fingerprints seen while grabbing is enabled
// (spec.md §3, "bounded only by the number of distinct fingerprints
// seen").
type GrabTable struct {
	mu      sync.Mutex
	enabled bool
	rows    map[GrabKey]*GrabEntry
}

// NewGrabTable returns a disabled, empty table.
func NewGrabTable() *GrabTable { return &GrabTable{rows: make(map[GrabKey]*GrabEntry)} }

// SetEnabled turns grabbing on or off and reports whether it was
// already in that state.
func (t *GrabTable) SetEnabled(enabled bool) (wasEnabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	wasEnabled = t.enabled
	t.enabled = enabled
	return wasEnabled
}

// Enabled reports whether grabbing is currently on.
func (t *GrabTable) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

// Record updates the grab table entry for master/slave if grabbing is
// enabled; a no-op otherwise.
func (t *GrabTable) Record(master symbol.MasterFrame, slave *symbol.SlaveFrame, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	key := grabKeyFor(master)
	e, ok := t.rows[key]
	if !ok {
		e = &GrabEntry{}
		t.rows[key] = e
	}
	e.LastMaster = master
	e.LastSlave = slave
	e.At = now
	e.RepeatCount++
}

// All returns a snapshot of every recorded grab entry.
func (t *GrabTable) All() map[GrabKey]GrabEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[GrabKey]GrabEntry, len(t.rows))
	for k, v := range t.rows {
		out[k] = *v
	}
	return out
}

// Clear empties the table without changing the enabled flag.
func (t *GrabTable) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rows = make(map[GrabKey]*GrabEntry)
}
