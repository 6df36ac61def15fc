// Package message implements the in-memory message-definition registry: the
// MessageCatalog of spec.md §4.2. It holds every loaded Message definition,
// the per-message last-value cache, condition resolution, and the
// priority-fair poll rotor, all behind a single reader-writer lock per
// spec.md §5 "The catalog uses one reader-writer lock".
package message

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nerrad567/ebusd-go/internal/ebuserr"
	"github.com/nerrad567/ebusd-go/internal/ebus/symbol"
)

// ScanPrimary/ScanSecondary are the built-in identification message command
// bytes (spec.md §4.2, §6: "Primary/Secondary 0x07/0x04").
const (
	ScanPrimary   symbol.Symbol = 0x07
	ScanSecondary symbol.Symbol = 0x04
)

// Catalog is the registry of loaded Message definitions plus their
// last-value caches. Safe for concurrent use.
type Catalog struct {
	mu   sync.RWMutex
	defs []*Message
	byKey map[Key]*Message
	cache map[*Message]*cacheEntry

	// identMsg is the single built-in identification pseudo-message shared
	// by every scan request and every passively observed ident frame, so
	// its cache entry always resolves regardless of which address sent it.
	identMsg *Message

	// pollRotor tracks per-priority round-robin state for get_next_poll.
	pollRotor map[int][]*Message // priority -> messages at that priority, in rotor order
	pollTick  int64
}

// NewCatalog returns an empty Catalog, pre-seeded with the built-in
// identification pseudo-message returned by GetScanMessage.
func NewCatalog() *Catalog {
	c := &Catalog{
		byKey:     make(map[Key]*Message),
		cache:     make(map[*Message]*cacheEntry),
		pollRotor: make(map[int][]*Message),
	}
	c.identMsg = &Message{
		Circuit:   "scan",
		Name:      "scan",
		Direction: DirScan,
		Source:    AnyAddress(),
		Dest:      AnyAddress(),
		Primary:   ScanPrimary,
		Secondary: ScanSecondary,
	}
	_ = c.Add(c.identMsg)
	return c
}

// Add registers a new Message definition. Returns ebuserr.ErrDuplicate if
// an identical circuit+name+direction already exists (spec.md §3
// invariant); two definitions MAY share a wire-ID prefix if their
// conditions are disjoint, which Add does not attempt to verify (that is
// resolve_conditions's job at runtime).
func (c *Catalog) Add(m *Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := m.key()
	if _, exists := c.byKey[key]; exists {
		return fmt.Errorf("message %s/%s/%s: %w", m.Circuit, m.Name, m.Direction, ebuserr.ErrDuplicate)
	}
	m.loadOrder = len(c.defs)
	c.defs = append(c.defs, m)
	c.byKey[key] = m
	c.cache[m] = &cacheEntry{created: time.Now(), decodedValues: map[string]any{}, activeCond: m.Condition == nil}
	if m.PollPriority > 0 {
		c.pollRotor[m.PollPriority] = append(c.pollRotor[m.PollPriority], m)
	}
	return nil
}

// Clear removes every definition and cache entry (used on schema reload,
// spec.md §3 "Cache is invalidated on schema reload").
func (c *Catalog) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.defs = nil
	c.byKey = make(map[Key]*Message)
	c.cache = make(map[*Message]*cacheEntry)
	c.pollRotor = make(map[int][]*Message)
	c.identMsg.loadOrder = 0
	c.defs = append(c.defs, c.identMsg)
	c.byKey[c.identMsg.key()] = c.identMsg
	c.cache[c.identMsg] = &cacheEntry{created: time.Now(), decodedValues: map[string]any{}, activeCond: true}
}

// Find locates the most-specific active message matching an observed
// master frame, per spec.md §4.2 matching order: exact source+destination
// beats "any"; longer ID-prefix beats shorter; an active conditional
// definition beats an unconditional one only if its condition currently
// evaluates true; ties broken by first-loaded.
func (c *Catalog) Find(mf symbol.MasterFrame) (*Message, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var best *matchCandidate
	for _, m := range c.defs {
		if m.Primary != mf.Primary || m.Secondary != mf.Secondary {
			continue
		}
		if !m.Source.Matches(mf.Source) || !m.Dest.Matches(mf.Dest) {
			continue
		}
		ok, prefixLen := m.idPrefixMatches(mf.Data)
		if !ok {
			continue
		}
		if m.Condition != nil && !c.cache[m].activeCond {
			continue
		}
		exact := !m.Source.Any && !m.Dest.Any
		cand := &matchCandidate{m: m, exactAddr: exact, prefixLen: prefixLen, conditional: m.Condition != nil}
		if best == nil || cand.betterThan(best) {
			best = cand
		}
	}
	if best == nil {
		return nil, false
	}
	return best.m, true
}

// matchCandidate scores one Message against an observed frame for the
// tie-break rules of spec.md §4.2 Find.
type matchCandidate struct {
	m           *Message
	exactAddr   bool
	prefixLen   int
	conditional bool
}

func (a *matchCandidate) betterThan(b *matchCandidate) bool {
	if a.exactAddr != b.exactAddr {
		return a.exactAddr
	}
	if a.prefixLen != b.prefixLen {
		return a.prefixLen > b.prefixLen
	}
	if a.conditional != b.conditional {
		return a.conditional
	}
	return a.m.loadOrder < b.m.loadOrder
}

// FindByName locates a definition by textual circuit+name, filtered by a
// semicolon-separated access-level token list ("*" matches any), returning
// the read pendant unless isWrite is set (spec.md §4.2).
func (c *Catalog) FindByName(circuit, name, levels string, isWrite bool) (*Message, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	want := DirRead
	if isWrite {
		want = DirWrite
	}
	m, ok := c.byKey[Key{Circuit: circuit, Name: name, Direction: want}]
	if !ok {
		return nil, false
	}
	if !levelAllowed(m.AccessLevel, levels) {
		return nil, false
	}
	return m, true
}

func levelAllowed(required, have string) bool {
	if required == "" || required == "*" {
		return true
	}
	haveTokens := splitTokens(have)
	for _, h := range haveTokens {
		if h == "*" {
			return true
		}
	}
	reqTokens := splitTokens(required)
	for _, r := range reqTokens {
		for _, h := range haveTokens {
			if r == h {
				return true
			}
		}
	}
	return false
}

func splitTokens(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ';' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}

// GetScanMessage returns the built-in scan pseudo-message (ident query,
// primary=0x07 secondary=0x04). It is always the same registered instance
// so that Catalog.Find resolves it for any passively observed ident frame
// and StoreLastData/DecodeLastData always find its cache entry; dest is
// accepted for callers building a scan request to a specific address but
// does not narrow matching, since there is only ever one ident definition.
func (c *Catalog) GetScanMessage(dest *symbol.Symbol) *Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.identMsg
}

// GetNextPoll returns the next message eligible for active polling, using a
// priority-fair round-robin: a message with priority P is eligible every P
// calls; among eligible messages, the one with the oldest last-poll
// timestamp wins (spec.md §4.2). Returns false if no message has a poll
// priority > 0.
func (c *Catalog) GetNextPoll() (*Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pollTick++
	var best *Message
	var bestAge time.Time
	for prio, msgs := range c.pollRotor {
		if c.pollTick%int64(prio) != 0 {
			continue
		}
		for _, m := range msgs {
			entry := c.cache[m]
			if best == nil || entry.lastPollTime.Before(bestAge) {
				best = m
				bestAge = entry.lastPollTime
			}
		}
	}
	if best == nil {
		// Nothing eligible this tick by strict priority gating; fall back
		// to the globally oldest-polled message so progress is still made
		// when priorities don't divide the tick evenly at start-up.
		for _, msgs := range c.pollRotor {
			for _, m := range msgs {
				entry := c.cache[m]
				if best == nil || entry.lastPollTime.Before(bestAge) {
					best = m
					bestAge = entry.lastPollTime
				}
			}
		}
	}
	if best == nil {
		return nil, false
	}
	c.cache[best].lastPollTime = time.Now()
	return best, true
}

// StoreLastData updates the cache for m with the observed master/slave
// frame pair, advancing last-update time always, and last-change time only
// when the decoded value differs from the previous one.
func (c *Catalog) StoreLastData(m *Message, master *symbol.MasterFrame, slave *symbol.SlaveFrame) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.cache[m]
	if !ok {
		return fmt.Errorf("message %s/%s not registered: %w", m.Circuit, m.Name, ebuserr.ErrNotFound)
	}

	now := time.Now()
	newValues := map[string]any{}
	// Broadcast and master-master transactions (spec.md §3) carry their
	// payload in the master frame and have no slave frame at all.
	data := master.Data
	if slave != nil {
		data = slave.Data
	}
	for _, f := range m.Fields {
		v, err := decodeField(f, data)
		if err != nil {
			continue // a single undecodable field does not fail the whole store
		}
		newValues[f.Name] = v
	}

	changed := !valuesEqual(entry.decodedValues, newValues)

	entry.lastMaster = master
	entry.lastSlave = slave
	entry.lastUpdate = now
	if changed {
		entry.lastChange = now
		entry.decodedValues = newValues
	}
	entry.repeatCount++
	return nil
}

func valuesEqual(a, b map[string]any) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

// DecodeValues decodes data against m's fields without touching any
// cache, for read-only inspection of traffic that was never polled for
// (e.g. the grab command's "decode" option).
func DecodeValues(m *Message, data []byte) map[string]any {
	values := map[string]any{}
	for _, f := range m.Fields {
		v, err := decodeField(f, data)
		if err != nil {
			continue
		}
		values[f.Name] = v
	}
	return values
}

func decodeField(f Field, data []byte) (any, error) {
	off := f.ByteOffset
	length := f.length()
	if off+length > len(data) {
		return nil, fmt.Errorf("field %s out of range: %w", f.Name, ebuserr.ErrInvalidLength)
	}
	raw := data[off : off+length]
	divisor := f.Divisor
	if f.BitOffset != 0 {
		divisor = float64(f.BitOffset)
	}
	return f.Type.Decode(raw, divisor, f.Reverse)
}

// LastValueAt returns the cached decoded value of field name on m, and
// whether it was found. Used by condition resolution and read commands.
func (c *Catalog) LastValueAt(m *Message, field string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.cache[m]
	if !ok {
		return nil, false
	}
	if field == "" {
		for _, v := range entry.decodedValues {
			return v, true
		}
		return nil, false
	}
	v, ok := entry.decodedValues[field]
	return v, ok
}

// CacheSnapshot is a read-only view of one message's cache row, returned by
// DecodeLastData and used by the text-line/HTTP "read" commands.
type CacheSnapshot struct {
	Values      map[string]any
	LastUpdate  time.Time
	LastChange  time.Time
	RepeatCount int
	HasData     bool
}

// DecodeLastData renders the cached bytes for m through its field list.
func (c *Catalog) DecodeLastData(m *Message) CacheSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.cache[m]
	if !ok || entry.lastMaster == nil {
		return CacheSnapshot{}
	}
	values := make(map[string]any, len(entry.decodedValues))
	for k, v := range entry.decodedValues {
		values[k] = v
	}
	return CacheSnapshot{
		Values:      values,
		LastUpdate:  entry.lastUpdate,
		LastChange:  entry.lastChange,
		RepeatCount: entry.repeatCount,
		HasData:     true,
	}
}

// InvalidateCache clears the decoded-value cache for m without discarding
// the raw last frames, used after writes to a message that reads may alias
// (spec.md §4.2).
func (c *Catalog) InvalidateCache(m *Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.cache[m]; ok {
		entry.decodedValues = map[string]any{}
	}
}

// ResolveConditions iterates conditional definitions, evaluating each
// condition's ConditionRefs against current cache values, and
// activates/deactivates matching definitions. Idempotent.
func (c *Catalog) ResolveConditions() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range c.defs {
		if m.Condition == nil {
			continue
		}
		active := true
		for _, ref := range m.Condition.Refs {
			if ref.DefIndex < 0 || ref.DefIndex >= len(c.defs) {
				active = false
				break
			}
			refMsg := c.defs[ref.DefIndex]
			entry := c.cache[refMsg]
			v, ok := entry.decodedValues[ref.Field]
			if !ok && ref.Field == "" {
				for _, val := range entry.decodedValues {
					v, ok = val, true
					break
				}
			}
			if !ok {
				active = false
				break
			}
			if len(ref.Values) == 0 {
				continue // "has any cached value" condition
			}
			iv, ok := asInt(v)
			if !ok || !containsInt(ref.Values, iv) {
				active = false
				break
			}
		}
		c.cache[m].activeCond = active
	}
}

func asInt(v any) (int, bool) {
	switch t := v.(type) {
	case float64:
		return int(t), true
	case int:
		return t, true
	case bool:
		if t {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

func containsInt(list []int, v int) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

// Instruction is a deferred on-load action, such as "read message X at load
// time" (spec.md §4.2 execute_instructions).
type Instruction struct {
	Circuit string
	Name    string
}

// ExecuteInstructions processes deferred on-load instructions by invoking
// readCallback for each one.
func (c *Catalog) ExecuteInstructions(instrs []Instruction, readCallback func(circuit, name string) error) {
	for _, in := range instrs {
		_ = readCallback(in.Circuit, in.Name)
	}
}

// All returns every registered definition, in load order. Used by listing
// commands (find, HTTP /data) and tests.
func (c *Catalog) All() []*Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Message, len(c.defs))
	copy(out, c.defs)
	return out
}

// ByCircuit returns definitions grouped by circuit name, sorted for stable
// output (used by the HTTP /data endpoint's JSON shape).
func (c *Catalog) ByCircuit() map[string][]*Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string][]*Message)
	for _, m := range c.defs {
		out[m.Circuit] = append(out[m.Circuit], m)
	}
	for _, list := range out {
		sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
	}
	return out
}
