package schema

import (
	"encoding/csv"
	"fmt"
	"strconv"
	"strings"

	"github.com/nerrad567/ebusd-go/internal/ebus/message"
	"github.com/nerrad567/ebusd-go/internal/ebus/message/datatype"
	"github.com/nerrad567/ebusd-go/internal/ebus/symbol"
	"github.com/nerrad567/ebusd-go/internal/ebuserr"
)

// ParseCSV loads a set of message.Message definitions from a schema file's
// contents. Each non-comment, non-empty line declares one message:
//
//	circuit,name,direction,source,dest,primary,secondary,pollpriority,accesslevel,fields...
//
// where fields is any number of further columns, each one field written
// as "name:type:divisor:unit" (its offset follows from the fields before
// it). source/dest are either "any" or a two-hex-digit wire
// address; direction is one of read/write/passive-read/passive-write/scan.
// Lines beginning with "#" are comments, matching original_source's
// CSV convention.
func ParseCSV(data []byte) ([]*message.Message, error) {
	r := csv.NewReader(strings.NewReader(string(data)))
	r.Comment = '#'
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("reading csv: %w", ebuserr.ErrInvalidList)
	}

	defs := make([]*message.Message, 0, len(rows))
	for i, row := range rows {
		if len(row) == 0 || (len(row) == 1 && strings.TrimSpace(row[0]) == "") {
			continue
		}
		m, err := parseRow(row)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", i+1, err)
		}
		defs = append(defs, m)
	}
	return defs, nil
}

func parseRow(row []string) (*message.Message, error) {
	if len(row) < 9 {
		return nil, fmt.Errorf("expected at least 9 columns, got %d: %w", len(row), ebuserr.ErrInvalidList)
	}

	dir, err := parseDirection(row[2])
	if err != nil {
		return nil, err
	}
	src, err := parseAddressFilter(row[3])
	if err != nil {
		return nil, err
	}
	dst, err := parseAddressFilter(row[4])
	if err != nil {
		return nil, err
	}
	primary, err := parseHexByte(row[5])
	if err != nil {
		return nil, err
	}
	secondary, err := parseHexByte(row[6])
	if err != nil {
		return nil, err
	}
	priority, err := strconv.Atoi(strings.TrimSpace(row[7]))
	if err != nil {
		priority = 0
	}

	m := &message.Message{
		Circuit:      strings.TrimSpace(row[0]),
		Name:         strings.TrimSpace(row[1]),
		Direction:    dir,
		Source:       src,
		Dest:         dst,
		Primary:      primary,
		Secondary:    secondary,
		PollPriority: priority,
		AccessLevel:  strings.TrimSpace(row[8]),
	}

	offset := 0
	for _, spec := range row[9:] {
		spec = strings.TrimSpace(spec)
		if spec == "" {
			continue
		}
		f, consumed, err := parseField(spec, offset)
		if err != nil {
			return nil, err
		}
		m.Fields = append(m.Fields, f)
		offset += consumed
	}
	return m, nil
}

func parseDirection(s string) (message.Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "read":
		return message.DirRead, nil
	case "write":
		return message.DirWrite, nil
	case "passive-read":
		return message.DirPassiveRead, nil
	case "passive-write":
		return message.DirPassiveWrite, nil
	case "scan":
		return message.DirScan, nil
	default:
		return "", fmt.Errorf("unknown direction %q: %w", s, ebuserr.ErrInvalidArg)
	}
}

func parseAddressFilter(s string) (message.AddressFilter, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "any") {
		return message.AnyAddress(), nil
	}
	addr, err := parseHexByte(s)
	if err != nil {
		return message.AddressFilter{}, err
	}
	return message.ExactAddress(addr), nil
}

func parseHexByte(s string) (symbol.Symbol, error) {
	s = strings.TrimSpace(s)
	v, err := strconv.ParseUint(s, 16, 8)
	if err != nil {
		return 0, fmt.Errorf("parsing hex byte %q: %w", s, ebuserr.ErrInvalidAddress)
	}
	return symbol.Symbol(v), nil
}

// parseField decodes one "name:type:divisor:unit" field spec (byte offset
// is derived from running position, not declared, since fields are always
// laid out contiguously in eBUS payloads). Returns the field and the
// number of raw bytes it consumes.
func parseField(spec string, offset int) (message.Field, int, error) {
	parts := strings.Split(spec, ":")
	if len(parts) < 2 {
		return message.Field{}, 0, fmt.Errorf("field spec %q: %w", spec, ebuserr.ErrInvalidArg)
	}
	name := parts[0]
	dt, err := datatype.Lookup(parts[1])
	if err != nil {
		return message.Field{}, 0, fmt.Errorf("field %s: %w", name, err)
	}
	f := message.Field{Name: name, Type: dt, ByteOffset: offset, Divisor: 1}
	if len(parts) > 2 && parts[2] != "" {
		d, err := strconv.ParseFloat(parts[2], 64)
		if err != nil {
			return message.Field{}, 0, fmt.Errorf("field %s divisor %q: %w", name, parts[2], ebuserr.ErrInvalidNumber)
		}
		f.Divisor = d
	}
	if len(parts) > 3 {
		f.Unit = parts[3]
	}
	return f, dt.Len(), nil
}
