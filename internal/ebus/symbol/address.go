// Package symbol implements the eBUS wire-level byte primitives: addresses,
// the escape/CRC rules, and the MasterFrame/SlaveFrame symbol buffers that
// every higher layer (protocol, message, bus) builds on.
package symbol

// Symbol is a single byte on the eBUS wire.
type Symbol = byte

// Well-known symbols (spec.md §6).
const (
	SYN       Symbol = 0xAA // bus-idle separator
	Escape    Symbol = 0xA9 // escape marker
	EscA9     Symbol = 0x00 // 0xA9 0x00 -> 0xA9
	EscAA     Symbol = 0x01 // 0xA9 0x01 -> 0xAA
	Broadcast Symbol = 0xFE
	AckOK     Symbol = 0x00
	AckNack   Symbol = 0xFF
)

// masterNibbles holds every nibble value allowed in a master address:
// {0x0, 0x1, 0x3, 0x7, 0xF}.
var masterNibbles = map[byte]bool{0x0: true, 0x1: true, 0x3: true, 0x7: true, 0xF: true}

// IsMaster reports whether addr follows the master-address nibble rule:
// both its top and its low nibble are in {0x0, 0x1, 0x3, 0x7, 0xF}.
func IsMaster(addr Symbol) bool {
	return masterNibbles[addr>>4] && masterNibbles[addr&0x0F]
}

// IsValidAddress reports whether addr is usable as a bus participant
// address: neither SYN, Escape, nor a handful of other reserved/control
// byte values that can never appear as an address on the wire.
func IsValidAddress(addr Symbol) bool {
	switch addr {
	case SYN, Escape:
		return false
	}
	// 0x01..0x03 reserved for control exchange (ACK/NACK framing region
	// aside from the explicit AckOK/AckNack codes used mid-transaction).
	if addr >= 0x01 && addr <= 0x03 {
		return false
	}
	return true
}

// SlaveOf returns the address of the slave that is paired with a master
// address: same low nibble, top nibble 0x0 (spec.md §3 "every master has
// exactly one derived slave address").
func SlaveOf(master Symbol) Symbol {
	return master & 0x0F
}

// IsSlaveOfMaster reports whether slave is the derived slave address of
// master.
func IsSlaveOfMaster(master, slave Symbol) bool {
	return IsMaster(master) && slave == SlaveOf(master)
}

// CandidateMastersOf returns every master address that would derive to
// slave via SlaveOf, i.e. every valid master-nibble combined with slave's
// low nibble. Empty if slave's own top nibble is non-zero or its low nibble
// is not a master nibble (it cannot be any master's derived slave address).
func CandidateMastersOf(slave Symbol) []Symbol {
	if slave>>4 != 0 || !masterNibbles[slave&0x0F] {
		return nil
	}
	out := make([]Symbol, 0, len(masterNibbles))
	for nib := range masterNibbles {
		out = append(out, (nib<<4)|slave)
	}
	return out
}
