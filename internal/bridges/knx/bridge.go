package knx

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nerrad567/ebusd-go/internal/ebus/dispatcher"
	"github.com/nerrad567/ebusd-go/internal/ebus/message"
)

// defaultCommandTimeout bounds how long an incoming telegram's write waits
// on the dispatcher queue before giving up, so a stalled bus can't pile up
// knxd callback workers indefinitely.
const defaultCommandTimeout = 5 * time.Second

// Bridge translates between the eBUS message cache and KNX group
// addresses, one field at a time. It is wired in-process alongside the
// MQTT bridge (spec.md §6 "KNX"): outgoing eBUS field changes become
// GroupValueWrite telegrams, incoming GroupValueWrite/Response telegrams
// become dispatcher "write" commands.
type Bridge struct {
	knxd Connector
	disp *dispatcher.Dispatcher

	mappings []MappingConfig
	byGA     map[GroupAddress][]MappingConfig

	commandTimeout time.Duration

	logger   Logger
	loggerMu sync.RWMutex
}

// NewBridge builds a Bridge from a connected knxd client, the daemon's
// dispatcher, and the circuit/name/field-to-group-address mappings from
// configuration. Mappings with an invalid GA are already rejected at
// config validation time; if one still reaches NewBridge, it returns an
// error naming the offending circuit.name.field mapping.
func NewBridge(knxd Connector, disp *dispatcher.Dispatcher, mappings []MappingConfig) (*Bridge, error) {
	byGA := make(map[GroupAddress][]MappingConfig, len(mappings))
	for _, m := range mappings {
		ga, err := ParseGroupAddress(m.GA)
		if err != nil {
			return nil, fmt.Errorf("mapping %s.%s.%s: %w", m.Circuit, m.Name, m.Field, err)
		}
		byGA[ga] = append(byGA[ga], m)
	}

	return &Bridge{
		knxd:           knxd,
		disp:           disp,
		mappings:       mappings,
		byGA:           byGA,
		commandTimeout: defaultCommandTimeout,
	}, nil
}

// SetCommandTimeout overrides the default wait for an incoming telegram's
// dispatcher write to complete.
func (b *Bridge) SetCommandTimeout(d time.Duration) {
	b.commandTimeout = d
}

// Start wires the telegram callback and issues an initial GroupValueRead
// for every mapping flagged "read". It does not block; telegrams are
// delivered to handleTelegram from the knxd client's own callback workers.
func (b *Bridge) Start(ctx context.Context) error {
	b.knxd.SetOnTelegram(b.handleTelegram)

	for ga, mappings := range b.byGA {
		for _, m := range mappings {
			if m.HasFlag("read") {
				if err := b.knxd.SendRead(ctx, ga); err != nil {
					b.logError(fmt.Sprintf("initial read of %s failed", ga), err)
				}
				break
			}
		}
	}
	return nil
}

// Publish implements dispatcher.Sink: whenever the dispatcher's
// housekeeping pass notices a message's cache changed, every mapping for
// that message flagged "transmit" is pushed out as a GroupValueWrite.
func (b *Bridge) Publish(ctx context.Context, m *message.Message, snap message.CacheSnapshot) {
	if !snap.HasData {
		return
	}
	for _, mapping := range b.mappings {
		if mapping.Circuit != m.Circuit || mapping.Name != m.Name || !mapping.HasFlag("transmit") {
			continue
		}
		v, ok := snap.Values[mapping.Field]
		if !ok {
			continue
		}
		data, err := encodeDPT(mapping.DPT, v)
		if err != nil {
			b.logError(fmt.Sprintf("encoding %s.%s.%s for %s", mapping.Circuit, mapping.Name, mapping.Field, mapping.DPT), err)
			continue
		}
		ga, err := ParseGroupAddress(mapping.GA)
		if err != nil {
			continue
		}
		if err := b.knxd.Send(ctx, ga, data); err != nil {
			b.logError(fmt.Sprintf("sending to %s", mapping.GA), err)
		}
	}
}

// handleTelegram routes an incoming write or response telegram to the
// dispatcher's "write" command for every mapping on that group address
// flagged "write".
func (b *Bridge) handleTelegram(t Telegram) {
	if !t.IsWrite() && !t.IsResponse() {
		return
	}
	mappings, ok := b.byGA[t.Destination]
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.commandTimeout)
	defer cancel()
	for _, m := range mappings {
		if !m.HasFlag("write") {
			continue
		}
		value, err := decodeDPT(m.DPT, t.Data)
		if err != nil {
			b.logError(fmt.Sprintf("decoding %s from %s", m.DPT, t.Destination), err)
			continue
		}
		_, err = b.disp.Execute(ctx, "write", []string{m.Circuit, m.Name, formatValue(value)})
		if err != nil {
			b.logError(fmt.Sprintf("writing %s.%s from %s", m.Circuit, m.Name, t.Destination), err)
		}
	}
}

// encodeDPT converts a decoded eBUS field value into KNX wire bytes for
// the given datapoint type.
func encodeDPT(dpt string, v any) ([]byte, error) {
	switch {
	case strings.HasPrefix(dpt, "1."):
		b, ok := asBool(v)
		if !ok {
			return nil, fmt.Errorf("%w: %v is not boolean-like", ErrEncodingFailed, v)
		}
		return EncodeDPT1(b), nil
	case strings.HasPrefix(dpt, "5."):
		f, ok := asFloat(v)
		if !ok {
			return nil, fmt.Errorf("%w: %v is not numeric", ErrEncodingFailed, v)
		}
		return EncodeDPT5(f), nil
	case strings.HasPrefix(dpt, "9."):
		f, ok := asFloat(v)
		if !ok {
			return nil, fmt.Errorf("%w: %v is not numeric", ErrEncodingFailed, v)
		}
		return EncodeDPT9(f)
	default:
		return nil, fmt.Errorf("%w: unsupported dpt %q", ErrInvalidDPT, dpt)
	}
}

// decodeDPT converts KNX wire bytes into a Go value, the inverse of encodeDPT.
func decodeDPT(dpt string, data []byte) (any, error) {
	switch {
	case strings.HasPrefix(dpt, "1."):
		return DecodeDPT1(data)
	case strings.HasPrefix(dpt, "5."):
		return DecodeDPT5(data)
	case strings.HasPrefix(dpt, "9."):
		return DecodeDPT9(data)
	default:
		return nil, fmt.Errorf("%w: unsupported dpt %q", ErrInvalidDPT, dpt)
	}
}

func asBool(v any) (bool, bool) {
	switch n := v.(type) {
	case bool:
		return n, true
	case float64:
		return n != 0, true
	case int:
		return n != 0, true
	default:
		return false, false
	}
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}

func formatValue(v any) string {
	switch n := v.(type) {
	case bool:
		if n {
			return "1"
		}
		return "0"
	case float64:
		return strconv.FormatFloat(n, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", n)
	}
}

// SetLogger sets the logger used for bridge-level errors.
func (b *Bridge) SetLogger(logger Logger) {
	b.loggerMu.Lock()
	defer b.loggerMu.Unlock()
	b.logger = logger
}

func (b *Bridge) logError(msg string, err error) {
	b.loggerMu.RLock()
	logger := b.logger
	b.loggerMu.RUnlock()
	if logger != nil {
		logger.Error(msg, "error", err)
	}
}
