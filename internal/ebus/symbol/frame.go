package symbol

import (
	"encoding/hex"
	"fmt"

	"github.com/nerrad567/ebusd-go/internal/ebuserr"
)

// MaxDataLen is the largest permitted data-field length on either a master
// or slave frame (spec.md §3).
const MaxDataLen = 16

// MasterFrame is the value-like representation of a master frame:
// source, destination, primary/secondary command, length octet and data,
// with the CRC carried as a derived property rather than stored redundantly.
type MasterFrame struct {
	Source    Symbol
	Dest      Symbol
	Primary   Symbol
	Secondary Symbol
	Data      []byte
}

// SlaveFrame is the value-like representation of a slave frame: length
// octet and data, CRC derived.
type SlaveFrame struct {
	Data []byte
}

// NewMasterFrame builds a MasterFrame, validating the data length.
func NewMasterFrame(source, dest, primary, secondary Symbol, data []byte) (MasterFrame, error) {
	if len(data) > MaxDataLen {
		return MasterFrame{}, fmt.Errorf("master frame data length %d exceeds %d: %w", len(data), MaxDataLen, ebuserr.ErrInvalidList)
	}
	return MasterFrame{Source: source, Dest: dest, Primary: primary, Secondary: secondary, Data: append([]byte(nil), data...)}, nil
}

// NewSlaveFrame builds a SlaveFrame, validating the data length.
func NewSlaveFrame(data []byte) (SlaveFrame, error) {
	if len(data) > MaxDataLen {
		return SlaveFrame{}, fmt.Errorf("slave frame data length %d exceeds %d: %w", len(data), MaxDataLen, ebuserr.ErrInvalidList)
	}
	return SlaveFrame{Data: append([]byte(nil), data...)}, nil
}

// unescapedBody returns the unescaped byte sequence the CRC is computed
// over: source..dest..primary..secondary..len..data for a master frame.
func (m MasterFrame) unescapedBody() []byte {
	body := make([]byte, 0, 5+len(m.Data))
	body = append(body, m.Source, m.Dest, m.Primary, m.Secondary, byte(len(m.Data)))
	body = append(body, m.Data...)
	return body
}

func (s SlaveFrame) unescapedBody() []byte {
	body := make([]byte, 0, 1+len(s.Data))
	body = append(body, byte(len(s.Data)))
	body = append(body, s.Data...)
	return body
}

// CRC returns the eBUS CRC-8 of the frame, computed over the unescaped body.
func (m MasterFrame) CRC() byte { return CRC8(m.unescapedBody()) }

// CRC returns the eBUS CRC-8 of the frame, computed over the unescaped body.
func (s SlaveFrame) CRC() byte { return CRC8(s.unescapedBody()) }

// DataSize returns the number of data-field bytes (past the length octet).
func (m MasterFrame) DataSize() int { return len(m.Data) }

// DataSize returns the number of data-field bytes (past the length octet).
func (s SlaveFrame) DataSize() int { return len(s.Data) }

// DataAt returns the data byte at index i, and false if i is out of range.
func (m MasterFrame) DataAt(i int) (byte, bool) {
	if i < 0 || i >= len(m.Data) {
		return 0, false
	}
	return m.Data[i], true
}

// DataAt returns the data byte at index i, and false if i is out of range.
func (s SlaveFrame) DataAt(i int) (byte, bool) {
	if i < 0 || i >= len(s.Data) {
		return 0, false
	}
	return s.Data[i], true
}

// AdjustHeader recomputes the implicit length octet to match len(Data).
// Since MasterFrame/SlaveFrame store Data as a plain slice rather than a
// raw byte buffer with a separate length octet, AdjustHeader is a no-op
// validation pass kept for parity with spec.md §4.1's operation list and
// to catch an over-long payload assembled by a caller outside NewXxxFrame.
func (m *MasterFrame) AdjustHeader() error {
	if len(m.Data) > MaxDataLen {
		return fmt.Errorf("master frame data length %d exceeds %d: %w", len(m.Data), MaxDataLen, ebuserr.ErrInvalidList)
	}
	return nil
}

// AdjustHeader recomputes the implicit length octet to match len(Data).
func (s *SlaveFrame) AdjustHeader() error {
	if len(s.Data) > MaxDataLen {
		return fmt.Errorf("slave frame data length %d exceeds %d: %w", len(s.Data), MaxDataLen, ebuserr.ErrInvalidList)
	}
	return nil
}

// FormatHex renders the frame as lowercase hex with no separators:
// QQZZPBSBNN[DD]* for a master frame.
func (m MasterFrame) FormatHex() string {
	body := m.unescapedBody()
	return hex.EncodeToString(body)
}

// FormatHex renders the frame as lowercase hex with no separators:
// NN[DD]* for a slave frame.
func (s SlaveFrame) FormatHex() string {
	return hex.EncodeToString(s.unescapedBody())
}

// ParseMasterHex parses QQZZPBSBNN[DD]* into a MasterFrame.
func ParseMasterHex(text string) (MasterFrame, error) {
	raw, err := hex.DecodeString(text)
	if err != nil {
		return MasterFrame{}, fmt.Errorf("parsing master hex %q: %w", text, ebuserr.ErrInvalidArg)
	}
	if len(raw) < 5 {
		return MasterFrame{}, fmt.Errorf("master hex %q too short: %w", text, ebuserr.ErrInvalidLength)
	}
	declared := int(raw[4])
	data := raw[5:]
	if declared != len(data) {
		return MasterFrame{}, fmt.Errorf("master hex %q declares length %d, has %d: %w", text, declared, len(data), ebuserr.ErrInvalidLength)
	}
	return NewMasterFrame(raw[0], raw[1], raw[2], raw[3], data)
}

// ParseSlaveHex parses NN[DD]* into a SlaveFrame.
func ParseSlaveHex(text string) (SlaveFrame, error) {
	raw, err := hex.DecodeString(text)
	if err != nil {
		return SlaveFrame{}, fmt.Errorf("parsing slave hex %q: %w", text, ebuserr.ErrInvalidArg)
	}
	if len(raw) < 1 {
		return SlaveFrame{}, fmt.Errorf("slave hex %q too short: %w", text, ebuserr.ErrInvalidLength)
	}
	declared := int(raw[0])
	data := raw[1:]
	if declared != len(data) {
		return SlaveFrame{}, fmt.Errorf("slave hex %q declares length %d, has %d: %w", text, declared, len(data), ebuserr.ErrInvalidLength)
	}
	return NewSlaveFrame(data)
}

// WireBytes returns the bytes as they would be transmitted on the bus:
// unescaped body plus the appended, escaped CRC byte, all subject to
// escaping.
func (m MasterFrame) WireBytes() []byte {
	body := m.unescapedBody()
	crc := m.CRC()
	return EscapeBytes(append(body, crc))
}

// WireBytes returns the bytes as they would be transmitted on the bus.
func (s SlaveFrame) WireBytes() []byte {
	body := s.unescapedBody()
	crc := s.CRC()
	return EscapeBytes(append(body, crc))
}
