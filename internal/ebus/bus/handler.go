package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/ebusd-go/internal/ebus/message"
	"github.com/nerrad567/ebusd-go/internal/ebus/protocol"
	"github.com/nerrad567/ebusd-go/internal/ebus/request"
	"github.com/nerrad567/ebusd-go/internal/ebus/schema"
	"github.com/nerrad567/ebusd-go/internal/ebus/symbol"
	"github.com/nerrad567/ebusd-go/internal/ebuserr"
)

// Logger is the minimal logging surface BusHandler needs, satisfied by
// slog.Logger and by internal/infrastructure/logging.Logger alike.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// ScanStatus reports the progress of a background full/partial scan.
type ScanStatus int

// Scan statuses.
const (
	ScanIdle ScanStatus = iota
	ScanRunning
	ScanFinished
)

// Handler is the BusHandler of spec.md §4.6. It observes every frame via
// protocol.Callbacks, resolves frames against the message catalog,
// injects poll requests on idle, and drives scan walks.
type Handler struct {
	Catalog  *message.Catalog
	Protocol *protocol.Handler
	Resolver *schema.Resolver
	Queue    *request.Queue
	Seen     *SeenTable
	Results  *ScanTable
	Grab     *GrabTable
	Log      Logger

	ownMaster symbol.Symbol

	pollInterval time.Duration

	mu           sync.Mutex
	lastPollAt   map[*message.Message]time.Time
	scanStatus   ScanStatus
	scanFull     bool
	scanLevels   string
	scanLastAddr symbol.Symbol
	scanRepeats  int
}

// Config parameterizes a Handler.
type Config struct {
	OwnMaster    symbol.Symbol
	PollInterval time.Duration
}

// New builds a BusHandler wired to catalog/protocolHandler/resolver/queue.
// Call Callbacks and pass the result to the protocol.Handler constructor
// (or assign it after the fact) to complete the wiring.
func New(cat *message.Catalog, proto *protocol.Handler, resolver *schema.Resolver, q *request.Queue, cfg Config, log Logger) *Handler {
	if log == nil {
		log = noopLogger{}
	}
	return &Handler{
		Catalog:      cat,
		Protocol:     proto,
		Resolver:     resolver,
		Queue:        q,
		Seen:         NewSeenTable(),
		Results:      NewScanTable(),
		Grab:         NewGrabTable(),
		Log:          log,
		ownMaster:    cfg.OwnMaster,
		pollInterval: cfg.PollInterval,
		lastPollAt:   make(map[*message.Message]time.Time),
	}
}

// Callbacks returns the protocol.Callbacks that wire this BusHandler as
// the observer of every frame the ProtocolHandler processes.
func (h *Handler) Callbacks() protocol.Callbacks {
	return protocol.Callbacks{
		OnStatus:      h.onStatus,
		OnSeenAddress: h.onSeenAddress,
		OnMessage:     h.onMessage,
		OnAnswer:      h.onAnswer,
	}
}

func (h *Handler) onStatus(s protocol.State) {
	h.Log.Debug("protocol state", "state", s.String())
}

func (h *Handler) onSeenAddress(addr symbol.Symbol) {
	h.Seen.Mark(addr, FlagSeen)
}

func (h *Handler) onAnswer(master symbol.MasterFrame, answer symbol.SlaveFrame) {
	h.Log.Info("auto-answered", "source", fmt.Sprintf("%#x", master.Source))
}

// onMessage implements spec.md §4.6 "on every observed frame": mark seen,
// synthesize ident-scan cache entries, update the grab table, resolve and
// store against the catalog, and log unknown traffic.
func (h *Handler) onMessage(dir protocol.MessageDirection, master symbol.MasterFrame, slave *symbol.SlaveFrame) {
	now := time.Now()
	h.Seen.Mark(master.Source, FlagSeen)

	isIdent := master.Primary == message.ScanPrimary && master.Secondary == message.ScanSecondary
	// The ident subject is the answering slave for a directed query, and
	// the sender itself for an ident carried in the master frame alone.
	subject := master.Source
	if isIdent {
		// A broadcast-ident frame announces its sender's derived slave
		// address too, with no separate response from it.
		h.Seen.Mark(symbol.SlaveOf(master.Source), FlagSeen)
	}
	if isIdent && slave != nil {
		subject = master.Dest
		h.Seen.Mark(subject, FlagSeen|FlagScanInit)
	}

	h.Grab.Record(master, slave, now)

	def, found := h.Catalog.Find(master)
	if !found {
		if !isIdent {
			h.Log.Info("unknown message", "source", fmt.Sprintf("%#x", master.Source), "pb", fmt.Sprintf("%#x", master.Primary), "sb", fmt.Sprintf("%#x", master.Secondary))
			return
		}
		// No device-specific definition claimed it, but every ident frame
		// still resolves against the built-in scan pseudo-message so the
		// scan cache is never empty for an address that has announced
		// itself, broadcast or not.
		def = h.Catalog.GetScanMessage(nil)
	}

	h.Catalog.InvalidateCache(def)
	if err := h.Catalog.StoreLastData(def, &master, slave); err != nil {
		h.Log.Warn("store failed", "circuit", def.Circuit, "name", def.Name, "err", err)
		return
	}
	h.Log.Info("message", "circuit", def.Circuit, "name", def.Name, "dir", dirString(dir))
	h.Catalog.ResolveConditions()

	if isIdent {
		h.recordScanResult(subject, def, 0)
		h.Seen.Mark(subject, FlagScanDone)
	}
}

func (h *Handler) recordScanResult(addr symbol.Symbol, def *message.Message, idx int) {
	snap := h.Catalog.DecodeLastData(def)
	h.Results.Set(addr, idx, fmt.Sprintf("%s.%s=%v", def.Circuit, def.Name, snap.Values))
}

func dirString(d protocol.MessageDirection) string {
	switch d {
	case protocol.DirSent:
		return "sent"
	case protocol.DirAnswered:
		return "answered"
	default:
		return "received"
	}
}

// OnIdle implements spec.md §4.6's poll-on-idle rule: if enough time has
// elapsed since the last poll cycle, enqueue the catalog's next poll
// candidate as a non-waiting PollRequest.
func (h *Handler) OnIdle(now time.Time) {
	if h.pollInterval <= 0 {
		return
	}
	msg, ok := h.Catalog.GetNextPoll()
	if !ok {
		return
	}
	h.mu.Lock()
	last, seen := h.lastPollAt[msg]
	h.mu.Unlock()
	if seen && now.Sub(last) < h.pollInterval {
		return
	}

	master, err := pollMasterFor(h.ownMaster, msg)
	if err != nil {
		h.Log.Warn("poll build failed", "circuit", msg.Circuit, "name", msg.Name, "err", err)
		return
	}
	req := request.NewPollRequest(master, msg)
	h.Queue.Push(req)
	h.mu.Lock()
	h.lastPollAt[msg] = now
	h.mu.Unlock()
}

func pollMasterFor(own symbol.Symbol, msg *message.Message) (symbol.MasterFrame, error) {
	dest := symbol.Broadcast
	if !msg.Dest.Any {
		dest = msg.Dest.Addr
	}
	return symbol.NewMasterFrame(own, dest, msg.Primary, msg.Secondary, nil)
}

// ScanStatusString renders the current scan progress for the "scan
// status"/"info" commands.
func (h *Handler) ScanStatusString() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch h.scanStatus {
	case ScanRunning:
		return "running"
	case ScanFinished:
		return "finished"
	default:
		return "idle"
	}
}

// StartScan implements spec.md §4.6 start_scan(full, levels): builds the
// slave-address walk list and queues a single ScanRequest.
func (h *Handler) StartScan(full bool, levels string) error {
	h.mu.Lock()
	if h.scanStatus == ScanRunning {
		h.mu.Unlock()
		return fmt.Errorf("scan already running: %w", ebuserr.ErrDuplicate)
	}
	h.scanStatus = ScanRunning
	h.scanFull = full
	h.scanLevels = levels
	h.scanLastAddr = 0xFF // NextScanAddress starts at last+1, so 0xFF wraps to 0
	h.mu.Unlock()

	var addrs []symbol.Symbol
	last := h.scanLastAddr
	for {
		addr, ok := h.Seen.NextScanAddress(last, full, false)
		if !ok || (len(addrs) > 0 && addr <= last) {
			break // none eligible, or wrapped around to the start
		}
		addrs = append(addrs, addr)
		last = addr
	}
	if len(addrs) == 0 {
		h.mu.Lock()
		h.scanStatus = ScanFinished
		h.mu.Unlock()
		return nil
	}
	return h.queueIdentScan(addrs)
}

func (h *Handler) queueIdentScan(addrs []symbol.Symbol) error {
	scanMsg := h.Catalog.GetScanMessage(&addrs[0])
	if scanMsg == nil {
		return fmt.Errorf("no scan message registered: %w", ebuserr.ErrNotFound)
	}
	master, err := symbol.NewMasterFrame(h.ownMaster, addrs[0], scanMsg.Primary, scanMsg.Secondary, nil)
	if err != nil {
		return err
	}
	req := request.NewScanRequest(master, []*message.Message{scanMsg}, addrs, false)
	h.Queue.Push(req)
	return nil
}

// AdvanceScan implements spec.md §4.6's ScanRequest completion rule: after
// each slave-frame arrival it stores/decodes the result, advances to the
// next (slave, message) pair, and re-queues a continuation request, or
// ends the walk on NoSignal / an exhausted address list.
func (h *Handler) AdvanceScan(req *request.Request, res request.Result) {
	sc := req.Scan
	if sc == nil || len(sc.RemainingSlaves) == 0 {
		return
	}
	addr := sc.RemainingSlaves[0]

	switch {
	case ebuserr.KindOf(res.Err) == ebuserr.KindNoSignal:
		h.mu.Lock()
		h.scanStatus = ScanFinished
		h.mu.Unlock()
		return
	case ebuserr.KindOf(res.Err) == ebuserr.KindTimeout:
		sc.RemainingSlaves = sc.RemainingSlaves[1:]
		sc.CurrentDef = 0
	case res.Err != nil:
		sc.CurrentDef = len(sc.Defs) // drop remaining secondary messages for this slave
	default:
		def := sc.Defs[sc.CurrentDef]
		h.recordScanResult(addr, def, sc.PartIndex)
		sc.CurrentDef++
	}

	if sc.CurrentDef >= len(sc.Defs) {
		h.Seen.Mark(addr, FlagScanDone)
		sc.RemainingSlaves = sc.RemainingSlaves[1:]
		sc.CurrentDef = 0
	}

	if len(sc.RemainingSlaves) == 0 {
		h.mu.Lock()
		h.scanStatus = ScanFinished
		h.mu.Unlock()
		req.Complete(request.Result{})
		return
	}

	next := sc.RemainingSlaves[0]
	def := sc.Defs[sc.CurrentDef]
	master, err := symbol.NewMasterFrame(h.ownMaster, next, def.Primary, def.Secondary, nil)
	if err != nil {
		h.Log.Warn("scan continuation build failed", "err", err)
		return
	}
	cont := request.NewScanRequest(master, sc.Defs, sc.RemainingSlaves, false)
	cont.Scan.CurrentDef = sc.CurrentDef
	h.Queue.Push(cont)
}

// ScanAndWait implements spec.md §4.6 scanAndWait(address, loadConfig):
// runs a single-address scan synchronously, then optionally resolves and
// loads the device's schema, repeating the scan once if new scan messages
// became available.
func (h *Handler) ScanAndWait(ctx context.Context, addr symbol.Symbol, loadConfig bool) error {
	scanMsg := h.Catalog.GetScanMessage(&addr)
	if scanMsg == nil {
		return fmt.Errorf("no scan message registered: %w", ebuserr.ErrNotFound)
	}
	master, err := symbol.NewMasterFrame(h.ownMaster, addr, scanMsg.Primary, scanMsg.Secondary, nil)
	if err != nil {
		return err
	}

	slave, err := h.Protocol.SendAndWait(ctx, master)
	if err != nil {
		return err
	}
	if err := h.Catalog.StoreLastData(scanMsg, &master, &slave); err != nil {
		return err
	}
	h.recordScanResult(addr, scanMsg, 0)
	h.Seen.Mark(addr, FlagScanInit|FlagScanDone)

	if !loadConfig || h.Resolver == nil {
		return nil
	}

	ident, err := identFromSlave(addr, slave)
	if err != nil {
		h.Seen.Mark(addr, FlagLoadInit)
		return err
	}
	before := len(h.Catalog.All())
	if _, err := h.Resolver.LoadScanConfig(ctx, ident, h.Catalog); err != nil {
		h.Seen.Mark(addr, FlagLoadInit)
		return err
	}
	h.Seen.Mark(addr, FlagLoadInit|FlagLoadDone)

	if len(h.Catalog.All()) > before {
		return h.ScanAndWait(ctx, addr, false)
	}
	return nil
}

// identFromSlave extracts manufacturer/ident/sw/hw from a scanned
// identification slave frame, per spec.md §4.3 step 1.
func identFromSlave(addr symbol.Symbol, slave symbol.SlaveFrame) (schema.ScannedIdent, error) {
	if slave.DataSize() < 10 {
		return schema.ScannedIdent{}, fmt.Errorf("ident response too short: %w", ebuserr.ErrNotFound)
	}
	data := make([]byte, slave.DataSize())
	for i := range data {
		b, _ := slave.DataAt(i)
		data[i] = b
	}
	manufacturer := int(data[0])
	ident := string(data[1:6])
	sw := int(data[6])<<8 | int(data[7])
	hw := int(data[8])<<8 | int(data[9])
	return schema.ScannedIdent{Address: addr, Manufacturer: manufacturer, Ident: ident, SW: sw, HW: hw}, nil
}
