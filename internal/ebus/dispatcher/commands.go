package dispatcher

import (
	"context"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/nerrad567/ebusd-go/internal/ebus/bus"
	"github.com/nerrad567/ebusd-go/internal/ebus/message"
	"github.com/nerrad567/ebusd-go/internal/ebus/message/datatype"
	"github.com/nerrad567/ebusd-go/internal/ebus/request"
	"github.com/nerrad567/ebusd-go/internal/ebus/schema"
	"github.com/nerrad567/ebusd-go/internal/ebus/symbol"
	"github.com/nerrad567/ebusd-go/internal/ebuserr"
)

// CommandFunc is one entry of the command table: a pure function of
// arguments, catalog and bus state to a response line (spec.md §6's
// text-line command set, generalized to serve HTTP/MQTT callers too).
type CommandFunc func(ctx context.Context, args []string, d *Dispatcher) (string, error)

func errUnknownCommand(verb string) error {
	return fmt.Errorf("unknown command %q: %w", verb, ebuserr.ErrInvalidArg)
}

// ToLine renders a command's (response, error) pair as a text-line
// protocol reply: the response verbatim on success, or "ERR: <kind>" on
// failure (spec.md §6 "the Dispatcher converts error codes to ERR: <kind>
// on the text-line interface").
func ToLine(resp string, err error) string {
	if err != nil {
		return "ERR: " + string(ebuserr.KindOf(err))
	}
	return resp
}

// registerBuiltins installs the spec.md §6/§9 command table plus the
// ebusctl supplemental commands (grab/define/decode/encode).
func registerBuiltins(d *Dispatcher) {
	d.RegisterCommand("read", cmdRead)
	d.RegisterCommand("write", cmdWrite)
	d.RegisterCommand("find", cmdFind)
	d.RegisterCommand("listen", cmdListen)
	d.RegisterCommand("direct", cmdDirect)
	d.RegisterCommand("state", cmdState)
	d.RegisterCommand("grab", cmdGrab)
	d.RegisterCommand("define", cmdDefine)
	d.RegisterCommand("decode", cmdDecode)
	d.RegisterCommand("encode", cmdEncode)
	d.RegisterCommand("scan", cmdScan)
	d.RegisterCommand("log", cmdLog)
	d.RegisterCommand("raw", cmdRaw)
	d.RegisterCommand("dump", cmdDump)
	d.RegisterCommand("reload", cmdReload)
	d.RegisterCommand("info", cmdInfo)
	d.RegisterCommand("quit", cmdQuit)
	d.RegisterCommand("help", cmdHelp)
}

// sendRequest pushes an external request onto the queue and waits for the
// dispatcher loop to service it, keeping every bus transaction serialized
// through the single in-flight invariant regardless of which north-bound
// server issued it.
func (d *Dispatcher) sendRequest(ctx context.Context, master symbol.MasterFrame) (symbol.SlaveFrame, error) {
	req := request.NewExternalRequest(master, true)
	d.Queue.Push(req)
	res, err := req.Await(ctx)
	if err != nil {
		return symbol.SlaveFrame{}, err
	}
	return res.Slave, res.Err
}

// cmdRead implements "read [-f] CIRCUIT NAME": returns the cached decoded
// value, or (with -f) forces a live bus read first.
func cmdRead(ctx context.Context, args []string, d *Dispatcher) (string, error) {
	force := false
	for len(args) > 0 && strings.HasPrefix(args[0], "-") {
		if args[0] == "-f" {
			force = true
		}
		args = args[1:]
	}
	if len(args) < 2 {
		return "", fmt.Errorf("read requires circuit and name: %w", ebuserr.ErrInvalidArg)
	}
	circuit, name := args[0], args[1]
	m, ok := d.Catalog.FindByName(circuit, name, "*", false)
	if !ok {
		return "", fmt.Errorf("%s.%s: %w", circuit, name, ebuserr.ErrNotFound)
	}
	if force {
		master, err := pollMasterFor(d, m)
		if err != nil {
			return "", err
		}
		if _, err := d.sendRequest(ctx, master); err != nil {
			return "", err
		}
	}
	snap := d.Catalog.DecodeLastData(m)
	if !snap.HasData {
		return "", fmt.Errorf("%s.%s has no cached value: %w", circuit, name, ebuserr.ErrEmpty)
	}
	return formatValues(m, snap), nil
}

func pollMasterFor(d *Dispatcher, m *message.Message) (symbol.MasterFrame, error) {
	dest := symbol.Broadcast
	if !m.Dest.Any {
		dest = m.Dest.Addr
	}
	return symbol.NewMasterFrame(d.ownMaster(), dest, m.Primary, m.Secondary, nil)
}

func (d *Dispatcher) ownMaster() symbol.Symbol { return d.Protocol.OwnAddress() }

func formatValues(m *message.Message, snap message.CacheSnapshot) string {
	names := make([]string, 0, len(snap.Values))
	for n := range snap.Values {
		names = append(names, n)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, n := range names {
		parts = append(parts, fmt.Sprintf("%s=%v", n, snap.Values[n]))
	}
	return fmt.Sprintf("%s.%s %s", m.Circuit, m.Name, strings.Join(parts, ";"))
}

// cmdWrite implements "write CIRCUIT NAME VALUE...": encodes VALUE(s)
// positionally against the write definition's field list and sends it.
func cmdWrite(ctx context.Context, args []string, d *Dispatcher) (string, error) {
	if len(args) < 3 {
		return "", fmt.Errorf("write requires circuit, name and at least one value: %w", ebuserr.ErrInvalidArg)
	}
	circuit, name, values := args[0], args[1], args[2:]
	m, ok := d.Catalog.FindByName(circuit, name, "*", true)
	if !ok {
		return "", fmt.Errorf("%s.%s: %w", circuit, name, ebuserr.ErrNotFound)
	}
	if len(values) != len(m.Fields) {
		return "", fmt.Errorf("%s.%s expects %d value(s), got %d: %w", circuit, name, len(m.Fields), len(values), ebuserr.ErrInvalidArg)
	}

	size := 0
	for _, f := range m.Fields {
		end := f.ByteOffset + fieldLen(f)
		if end > size {
			size = end
		}
	}
	data := make([]byte, size)
	for i, f := range m.Fields {
		raw, err := f.Type.Encode(values[i], f.Divisor, f.Reverse)
		if err != nil {
			return "", fmt.Errorf("field %s: %w", f.Name, err)
		}
		copy(data[f.ByteOffset:], raw)
	}

	dest := symbol.Broadcast
	if !m.Dest.Any {
		dest = m.Dest.Addr
	}
	master, err := symbol.NewMasterFrame(d.ownMaster(), dest, m.Primary, m.Secondary, data)
	if err != nil {
		return "", err
	}
	if _, err := d.sendRequest(ctx, master); err != nil {
		return "", err
	}
	return "OK", nil
}

func fieldLen(f message.Field) int {
	if f.ByteLen > 0 {
		return f.ByteLen
	}
	return f.Type.Len()
}

// cmdFind implements "find [CIRCUIT]": lists every loaded definition,
// optionally filtered to one circuit.
func cmdFind(ctx context.Context, args []string, d *Dispatcher) (string, error) {
	var filter string
	if len(args) > 0 {
		filter = args[0]
	}
	var lines []string
	for _, m := range d.Catalog.All() {
		if filter != "" && m.Circuit != filter {
			continue
		}
		lines = append(lines, fmt.Sprintf("%s.%s %s", m.Circuit, m.Name, m.Direction))
	}
	if len(lines) == 0 {
		return "", fmt.Errorf("no matching definitions: %w", ebuserr.ErrEmpty)
	}
	sort.Strings(lines)
	return strings.Join(lines, "\n"), nil
}

// cmdListen acknowledges a listen request; streaming subscription/push
// delivery is owned by the north-bound server connection, not this
// stateless command table, since it requires a dedicated per-client
// goroutine rather than a one-shot response.
func cmdListen(ctx context.Context, args []string, d *Dispatcher) (string, error) {
	return "listening (subscription managed by the connection handler)", nil
}

// cmdDirect implements "direct HEXFRAME": sends a raw, already-assembled
// master frame and returns the slave reply as hex.
func cmdDirect(ctx context.Context, args []string, d *Dispatcher) (string, error) {
	if len(args) != 1 {
		return "", fmt.Errorf("direct requires one hex frame argument: %w", ebuserr.ErrInvalidArg)
	}
	master, err := symbol.ParseMasterHex(args[0])
	if err != nil {
		return "", err
	}
	slave, err := d.sendRequest(ctx, master)
	if err != nil {
		return "", err
	}
	return slave.FormatHex(), nil
}

// cmdState implements "state": reports signal/read-only/reconnect status.
func cmdState(ctx context.Context, args []string, d *Dispatcher) (string, error) {
	return fmt.Sprintf("signal=%v read_only=%v reconnects=%d",
		d.Protocol.HasSignal(), d.Protocol.IsReadOnly(), d.Protocol.ReconnectCount()), nil
}

// cmdGrab implements "grab [stop]" / "grab result [all] [decode]": bare
// "grab" starts or continues recording every observed frame's
// fingerprint, "grab stop" stops it, and "grab result" reports what was
// recorded — by default only fingerprints with no matching catalog
// definition, "all" includes known ones too, and "decode" resolves each
// row against its catalog definition instead of printing raw hex.
func cmdGrab(ctx context.Context, args []string, d *Dispatcher) (string, error) {
	if len(args) == 0 {
		if d.Bus.Grab.SetEnabled(true) {
			return "grab continued", nil
		}
		return "grab started", nil
	}
	if len(args) == 1 && args[0] == "stop" {
		if d.Bus.Grab.SetEnabled(false) {
			return "grab stopped", nil
		}
		return "grab not running", nil
	}
	if len(args) >= 1 && args[0] == "result" {
		return grabResult(d, args[1:])
	}
	return "", fmt.Errorf("usage: grab [stop] or grab result [all] [decode]: %w", ebuserr.ErrInvalidArg)
}

func grabResult(d *Dispatcher, opts []string) (string, error) {
	onlyUnknown, decode := true, false
	for _, opt := range opts {
		switch opt {
		case "all":
			onlyUnknown = false
		case "decode":
			decode = true
		default:
			return "", fmt.Errorf("unknown grab result option %q: %w", opt, ebuserr.ErrInvalidArg)
		}
	}

	rows := d.Bus.Grab.All()
	var lines []string
	for k, e := range rows {
		def, known := d.Catalog.Find(e.LastMaster)
		if onlyUnknown && known {
			continue
		}
		lines = append(lines, formatGrabRow(k, e, def, known, decode))
	}
	if len(lines) == 0 {
		return "", fmt.Errorf("grab table empty: %w", ebuserr.ErrEmpty)
	}
	sort.Strings(lines)
	return strings.Join(lines, "\n"), nil
}

func formatGrabRow(k bus.GrabKey, e bus.GrabEntry, def *message.Message, known, decode bool) string {
	head := fmt.Sprintf("%02x/%02x/%02x/%x x%d @%s",
		k.Dest, k.Primary, k.Secondary, k.Prefix[:k.PrefixLen], e.RepeatCount, e.At.Format("15:04:05"))
	if !decode || !known || e.LastSlave == nil {
		return head
	}
	values := message.DecodeValues(def, e.LastSlave.Data)
	fields := make([]string, 0, len(values))
	for name, v := range values {
		fields = append(fields, fmt.Sprintf("%s=%v", name, v))
	}
	sort.Strings(fields)
	return fmt.Sprintf("%s %s.%s %s", head, def.Circuit, def.Name, strings.Join(fields, " "))
}

// cmdDefine implements "define CSVFIELDS...": adds one ad-hoc definition
// to the running catalog without a schema file, per the same grammar
// ParseCSV uses for one row.
func cmdDefine(ctx context.Context, args []string, d *Dispatcher) (string, error) {
	if len(args) == 0 {
		return "", fmt.Errorf("define requires a csv row: %w", ebuserr.ErrInvalidArg)
	}
	row := strings.Join(args, ",")
	defs, err := schema.ParseCSV([]byte(row))
	if err != nil {
		return "", err
	}
	if len(defs) == 0 {
		return "", fmt.Errorf("define produced no definition: %w", ebuserr.ErrInvalidArg)
	}
	for _, m := range defs {
		if err := d.Catalog.Add(m); err != nil {
			return "", err
		}
	}
	return "OK", nil
}

// cmdDecode implements "decode TYPE HEXBYTES [DIVISOR]".
func cmdDecode(ctx context.Context, args []string, d *Dispatcher) (string, error) {
	if len(args) < 2 {
		return "", fmt.Errorf("decode requires a type and hex bytes: %w", ebuserr.ErrInvalidArg)
	}
	t, err := datatype.Lookup(args[0])
	if err != nil {
		return "", err
	}
	raw, err := hex.DecodeString(args[1])
	if err != nil {
		return "", fmt.Errorf("invalid hex %q: %w", args[1], ebuserr.ErrInvalidArg)
	}
	divisor := 1.0
	if len(args) > 2 {
		divisor, err = strconv.ParseFloat(args[2], 64)
		if err != nil {
			return "", fmt.Errorf("invalid divisor %q: %w", args[2], ebuserr.ErrInvalidNumber)
		}
	}
	v, err := t.Decode(raw, divisor, false)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%v", v), nil
}

// cmdEncode implements "encode TYPE VALUE [DIVISOR]".
func cmdEncode(ctx context.Context, args []string, d *Dispatcher) (string, error) {
	if len(args) < 2 {
		return "", fmt.Errorf("encode requires a type and value: %w", ebuserr.ErrInvalidArg)
	}
	t, err := datatype.Lookup(args[0])
	if err != nil {
		return "", err
	}
	divisor := 1.0
	if len(args) > 2 {
		divisor, err = strconv.ParseFloat(args[2], 64)
		if err != nil {
			return "", fmt.Errorf("invalid divisor %q: %w", args[2], ebuserr.ErrInvalidNumber)
		}
	}
	raw, err := t.Encode(args[1], divisor, false)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(raw), nil
}

// cmdScan implements "scan [full|status|ADDRESS]".
func cmdScan(ctx context.Context, args []string, d *Dispatcher) (string, error) {
	if len(args) == 0 {
		if err := d.Bus.StartScan(false, ""); err != nil {
			return "", err
		}
		return "OK", nil
	}
	switch args[0] {
	case "full":
		if err := d.Bus.StartScan(true, ""); err != nil {
			return "", err
		}
		return "OK", nil
	case "status":
		return d.Bus.ScanStatusString(), nil
	default:
		addr, err := parseHexAddress(args[0])
		if err != nil {
			return "", err
		}
		if err := d.Bus.ScanAndWait(ctx, addr, true); err != nil {
			return "", err
		}
		return "OK", nil
	}
}

func parseHexAddress(s string) (symbol.Symbol, error) {
	v, err := strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 8)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q: %w", s, ebuserr.ErrInvalidAddress)
	}
	return symbol.Symbol(v), nil
}

// cmdLog implements "log LEVEL": changes the running log level. With no
// Levels collaborator wired, the command still validates the token and
// acks, but has nothing to apply it to.
func cmdLog(ctx context.Context, args []string, d *Dispatcher) (string, error) {
	if len(args) != 1 {
		return "", fmt.Errorf("log requires a level: %w", ebuserr.ErrInvalidArg)
	}
	switch args[0] {
	case "debug", "info", "warn", "error":
	default:
		return "", fmt.Errorf("unknown log level %q: %w", args[0], ebuserr.ErrInvalidArg)
	}
	if d.Levels == nil {
		return "OK", nil
	}
	if err := d.Levels.SetLevel(args[0]); err != nil {
		return "", fmt.Errorf("setting log level: %w", err)
	}
	return "OK", nil
}

// cmdRaw implements "raw on|off": toggles verbatim wire-traffic capture
// to the binary capture file.
func cmdRaw(ctx context.Context, args []string, d *Dispatcher) (string, error) {
	on, err := parseOnOff(args)
	if err != nil {
		return "", err
	}
	if d.Capture == nil {
		return "OK", nil
	}
	if err := d.Capture.SetRawEnabled(on); err != nil {
		return "", fmt.Errorf("toggling raw capture: %w", err)
	}
	return "OK", nil
}

// cmdDump implements "dump on|off": toggles textual raw-log recording of
// every frame seen, independent of the grab table's fingerprint dedup.
func cmdDump(ctx context.Context, args []string, d *Dispatcher) (string, error) {
	on, err := parseOnOff(args)
	if err != nil {
		return "", err
	}
	if d.Capture == nil {
		return "OK", nil
	}
	if err := d.Capture.SetDumpEnabled(on); err != nil {
		return "", fmt.Errorf("toggling raw log: %w", err)
	}
	return "OK", nil
}

func parseOnOff(args []string) (bool, error) {
	if len(args) != 1 || (args[0] != "on" && args[0] != "off") {
		return false, fmt.Errorf("expected on|off: %w", ebuserr.ErrInvalidArg)
	}
	return args[0] == "on", nil
}

// cmdReload implements "reload": drops every loaded definition so the
// schema resolver repopulates the catalog from scratch on next scan/load.
func cmdReload(ctx context.Context, args []string, d *Dispatcher) (string, error) {
	d.Catalog.Clear()
	return "OK", nil
}

// cmdInfo implements "info": a summary of catalog size and bus state.
func cmdInfo(ctx context.Context, args []string, d *Dispatcher) (string, error) {
	byCircuit := d.Catalog.ByCircuit()
	circuits := make([]string, 0, len(byCircuit))
	total := 0
	for c, defs := range byCircuit {
		circuits = append(circuits, c)
		total += len(defs)
	}
	sort.Strings(circuits)
	return fmt.Sprintf("circuits=%d messages=%d signal=%v scan=%s",
		len(circuits), total, d.Protocol.HasSignal(), d.Bus.ScanStatusString()), nil
}

// cmdQuit implements "quit": the connection handler closes the socket on
// seeing this reply; the command table itself holds no connection state.
func cmdQuit(ctx context.Context, args []string, d *Dispatcher) (string, error) {
	return "OK", nil
}

// cmdHelp implements "help": lists every registered command name.
func cmdHelp(ctx context.Context, args []string, d *Dispatcher) (string, error) {
	names := make([]string, 0, len(d.commands))
	for n := range d.commands {
		names = append(names, n)
	}
	sort.Strings(names)
	return strings.Join(names, " "), nil
}
