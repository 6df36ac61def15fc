package protocol

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/ebusd-go/internal/ebus/symbol"
	"github.com/nerrad567/ebusd-go/internal/ebuserr"
)

// State is a ProtocolHandler state, per spec.md §4.4's state table.
type State int

// States of the protocol state machine.
const (
	StateIdle State = iota
	StateArbitrating
	StateSending
	StateWaitSlave
	StateReceiving
	StateCompleted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateArbitrating:
		return "arbitrating"
	case StateSending:
		return "sending"
	case StateWaitSlave:
		return "wait_slave"
	case StateReceiving:
		return "receiving"
	case StateCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// MessageDirection classifies an observed transaction for OnMessage.
type MessageDirection int

// Directions an observed transaction can take.
const (
	DirSent MessageDirection = iota
	DirAnswered
	DirReceived
)

// Callbacks are the BusHandler's observer hooks (spec.md §4.4).
type Callbacks struct {
	OnStatus      func(s State)
	OnSeenAddress func(addr symbol.Symbol)
	OnMessage     func(dir MessageDirection, master symbol.MasterFrame, slave *symbol.SlaveFrame)
	// OnAnswer notifies that a registered auto-answer (see SetAnswer) was
	// sent in response to a foreign master frame addressed to us.
	OnAnswer func(master symbol.MasterFrame, answer symbol.SlaveFrame)
}

// Config holds the timing and identity parameters of the state machine.
type Config struct {
	OwnMaster        symbol.Symbol
	ReadOnly         bool
	AcquireTimeout   time.Duration
	AcquireRetries   int
	SendRetries      int
	SlaveRecvTimeout time.Duration
	SynTimeout       time.Duration // loss-of-SYN watchdog, spec.md §4.4 "60s"
}

// DefaultConfig mirrors original_source's default bus timings.
func DefaultConfig(ownMaster symbol.Symbol) Config {
	return Config{
		OwnMaster:        ownMaster,
		AcquireTimeout:   10 * time.Millisecond,
		AcquireRetries:   2,
		SendRetries:      1,
		SlaveRecvTimeout: 15 * time.Millisecond,
		SynTimeout:       60 * time.Second,
	}
}

// Handler is the ProtocolHandler: a single-threaded cooperative state
// machine driven by bytes arriving from Device (spec.md §4.4). Run owns
// the device exclusively; every other method communicates with it via
// the mutex-guarded fields below, matching the "two cooperating tasks"
// model of spec.md §5 (the protocol task here, the dispatcher task in
// package dispatcher).
type Handler struct {
	cfg Config
	cb  Callbacks

	reconnect func() (Device, error)

	mu         sync.Mutex
	dev        Device
	state      State
	lastSYNAt  time.Time
	hasSignal  bool
	answers    map[answerKey]symbol.SlaveFrame
	pending    *pendingSend
	reconnects int64
}

type answerKey struct {
	primary, secondary byte
	idPrefix           string
}

type pendingSend struct {
	master symbol.MasterFrame
	result chan sendResult
}

type sendResult struct {
	slave symbol.SlaveFrame
	err   error
}

// NewHandler constructs a Handler over an already-open device. reconnect
// is called by Reconnect to reopen the device after it is closed.
func NewHandler(dev Device, cfg Config, cb Callbacks, reconnect func() (Device, error)) *Handler {
	return &Handler{
		dev:       dev,
		cfg:       cfg,
		cb:        cb,
		reconnect: reconnect,
		answers:   make(map[answerKey]symbol.SlaveFrame),
		hasSignal: true,
	}
}

// SetCallbacks replaces the observer callbacks, used when the BusHandler
// observing this Handler can only be constructed after the Handler itself
// (it needs a *Handler reference for ScanAndWait/SendAndWait).
func (h *Handler) SetCallbacks(cb Callbacks) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cb = cb
}

// SetAnswer registers an auto-answer: an incoming master frame whose
// (primary, secondary) matches emits slave as our response (spec.md §4.4
// "answer enabled"). idPrefix is accepted for forward compatibility with
// multi-definition answer sets sharing a command pair but is not yet used
// to disambiguate lookups.
func (h *Handler) SetAnswer(primary, secondary byte, idPrefix []byte, slave symbol.SlaveFrame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.answers[answerKey{primary, secondary, ""}] = slave
	_ = idPrefix
}

// HasSignal reports whether a SYN has been observed within SynTimeout.
func (h *Handler) HasSignal() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hasSignal
}

// IsOwnAddress reports whether addr is one of our own master/derived-slave
// addresses.
func (h *Handler) IsOwnAddress(addr symbol.Symbol) bool {
	return addr == h.cfg.OwnMaster || addr == symbol.SlaveOf(h.cfg.OwnMaster)
}

// IsReadOnly reports whether sending is disabled.
func (h *Handler) IsReadOnly() bool { return h.cfg.ReadOnly }

// OwnAddress returns the master address this daemon arbitrates with.
func (h *Handler) OwnAddress() symbol.Symbol { return h.cfg.OwnMaster }

// Clear discards any auto-answer registrations.
func (h *Handler) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.answers = make(map[answerKey]symbol.SlaveFrame)
}

// ReconnectCount reports how many times Reconnect has run, for metrics.
func (h *Handler) ReconnectCount() int64 { return atomic.LoadInt64(&h.reconnects) }

// Reconnect tears down and reopens the device. Any in-flight request
// fails with ebuserr.ErrNoSignal.
func (h *Handler) Reconnect(ctx context.Context) error {
	h.mu.Lock()
	old := h.dev
	pending := h.pending
	h.pending = nil
	h.mu.Unlock()

	if pending != nil {
		pending.result <- sendResult{err: ebuserr.ErrNoSignal}
	}
	if old != nil {
		_ = old.Close()
	}

	newDev, err := h.reconnect()
	if err != nil {
		return err
	}

	h.mu.Lock()
	h.dev = newDev
	h.state = StateIdle
	h.lastSYNAt = time.Now()
	h.hasSignal = true
	h.mu.Unlock()

	atomic.AddInt64(&h.reconnects, 1)
	if h.cb.OnStatus != nil {
		h.cb.OnStatus(StateIdle)
	}
	return nil
}

// SendAndWait prepares and sends master, blocking until the transaction
// completes, fails, or ctx is cancelled (spec.md §4.4
// "send_and_wait(master) → Result<slave>").
func (h *Handler) SendAndWait(ctx context.Context, master symbol.MasterFrame) (symbol.SlaveFrame, error) {
	if h.cfg.ReadOnly {
		return symbol.SlaveFrame{}, nil
	}

	ps := &pendingSend{master: master, result: make(chan sendResult, 1)}
	h.mu.Lock()
	if h.pending != nil {
		h.mu.Unlock()
		return symbol.SlaveFrame{}, fmt.Errorf("transaction already in flight: %w", ebuserr.ErrSend)
	}
	h.pending = ps
	h.mu.Unlock()

	select {
	case res := <-ps.result:
		return res.slave, res.err
	case <-ctx.Done():
		return symbol.SlaveFrame{}, ebuserr.ErrTimeout
	}
}

// setState updates state and fires OnStatus.
func (h *Handler) setState(s State) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
	if h.cb.OnStatus != nil {
		h.cb.OnStatus(s)
	}
}

func (h *Handler) markSeen(addr symbol.Symbol) {
	if h.cb.OnSeenAddress != nil {
		h.cb.OnSeenAddress(addr)
	}
}

// Run drives the state machine from device bytes until ctx is cancelled.
// It owns the device exclusively; no other method performs device I/O.
func (h *Handler) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			dev := h.dev
			h.mu.Unlock()
			if dev != nil {
				_ = dev.Close()
			}
			return ctx.Err()
		default:
		}

		b, err := h.readByte(100 * time.Millisecond)
		if err != nil {
			if ebuserr.KindOf(err) == ebuserr.KindTimeout {
				h.checkSynWatchdog(ctx)
				continue
			}
			h.checkSynWatchdog(ctx)
			continue
		}

		if b != symbol.SYN {
			// A foreign transaction is in progress; hand off to the
			// receiver which reads through to its next SYN.
			if err := h.receiveForeign(ctx, b); err != nil {
				h.setState(StateIdle)
			}
			continue
		}

		h.mu.Lock()
		h.lastSYNAt = time.Now()
		h.hasSignal = true
		pending := h.pending
		h.mu.Unlock()
		h.setState(StateIdle)

		if pending != nil {
			h.runSend(ctx, pending)
		}
	}
}

func (h *Handler) checkSynWatchdog(ctx context.Context) {
	h.mu.Lock()
	last := h.lastSYNAt
	timeout := h.cfg.SynTimeout
	h.mu.Unlock()
	if timeout <= 0 || last.IsZero() {
		return
	}
	if time.Since(last) <= timeout {
		return
	}
	h.mu.Lock()
	h.hasSignal = false
	h.mu.Unlock()
	_ = h.Reconnect(ctx)
}

// runSend performs arbitration and the Sending/WaitSlave/Completed
// sequence for one pending request, retrying per AcquireRetries/SendRetries.
func (h *Handler) runSend(ctx context.Context, ps *pendingSend) {
	h.mu.Lock()
	h.pending = nil
	h.mu.Unlock()

	h.setState(StateArbitrating)
	won := h.arbitrate(ctx)
	if !won {
		h.setState(StateReceiving)
		ps.result <- sendResult{err: fmt.Errorf("arbitration lost: %w", ebuserr.ErrSend)}
		return
	}

	h.setState(StateSending)
	slave, err := h.transmit(ctx, ps.master)
	h.setState(StateCompleted)

	dir := DirSent
	if err == nil {
		dir = DirAnswered
	}
	if h.cb.OnMessage != nil {
		var sp *symbol.SlaveFrame
		if err == nil {
			sp = &slave
		}
		h.cb.OnMessage(dir, ps.master, sp)
	}
	ps.result <- sendResult{slave: slave, err: err}
	h.setState(StateIdle)
}

// arbitrate writes our master address byte immediately after the SYN
// already consumed by Run, then reads back what actually appears on the
// wire: if it matches what we sent, arbitration was won (the underlying
// adapter performs the real wired-AND priority resolution; this check
// detects a losing collision reported back to us as a different byte).
func (h *Handler) arbitrate(ctx context.Context) bool {
	for attempt := 0; attempt <= h.cfg.AcquireRetries; attempt++ {
		h.mu.Lock()
		dev := h.dev
		addr := h.cfg.OwnMaster
		h.mu.Unlock()
		if dev == nil {
			return false
		}
		if _, err := dev.Write([]byte{addr}); err != nil {
			continue
		}
		echo, err := h.readByte(h.cfg.AcquireTimeout)
		if err != nil {
			continue
		}
		if echo == addr {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		default:
		}
	}
	return false
}

// transmit writes the escaped master frame and CRC, waits for the slave's
// ACK/response, and returns the decoded slave frame (empty for broadcast
// or master-master transactions).
func (h *Handler) transmit(ctx context.Context, master symbol.MasterFrame) (symbol.SlaveFrame, error) {
	h.mu.Lock()
	dev := h.dev
	h.mu.Unlock()
	if dev == nil {
		return symbol.SlaveFrame{}, fmt.Errorf("no device: %w", ebuserr.ErrNoSignal)
	}

	wire := master.WireBytes()
	for attempt := 0; attempt <= h.cfg.SendRetries; attempt++ {
		if _, err := dev.Write(wire); err != nil {
			continue
		}
		ack, err := h.readByte(h.cfg.SlaveRecvTimeout)
		if err != nil {
			continue
		}
		if ack == symbol.AckNack {
			continue
		}

		if master.Dest == symbol.Broadcast {
			return symbol.SlaveFrame{}, nil
		}
		if symbol.IsMaster(master.Dest) {
			return symbol.SlaveFrame{}, nil // master-master: ACK only
		}

		slave, err := h.readSlaveFrame(ctx)
		if err != nil {
			return symbol.SlaveFrame{}, err
		}
		_, _ = dev.Write([]byte{symbol.AckOK})
		return slave, nil
	}
	return symbol.SlaveFrame{}, fmt.Errorf("send failed after retries: %w", ebuserr.ErrSend)
}

// readSlaveFrame reads a length-prefixed, escaped slave frame and
// validates its CRC.
func (h *Handler) readSlaveFrame(_ context.Context) (symbol.SlaveFrame, error) {
	lenByte, err := h.readUnescaped(h.cfg.SlaveRecvTimeout)
	if err != nil {
		return symbol.SlaveFrame{}, err
	}
	data := make([]byte, 0, lenByte)
	for i := byte(0); i < lenByte; i++ {
		b, err := h.readUnescaped(h.cfg.SlaveRecvTimeout)
		if err != nil {
			return symbol.SlaveFrame{}, err
		}
		data = append(data, b)
	}
	crcByte, err := h.readUnescaped(h.cfg.SlaveRecvTimeout)
	if err != nil {
		return symbol.SlaveFrame{}, err
	}
	sf, err := symbol.NewSlaveFrame(data)
	if err != nil {
		return symbol.SlaveFrame{}, err
	}
	if sf.CRC() != crcByte {
		return symbol.SlaveFrame{}, fmt.Errorf("slave frame crc mismatch: %w", ebuserr.ErrGenericIO)
	}
	return sf, nil
}

// receiveForeign reads through a foreign master's transaction that began
// with first (the address byte following the most recent SYN), dispatches
// observer callbacks, and answers it if it is addressed to one of our own
// addresses and an answer is registered for its primary/secondary command.
func (h *Handler) receiveForeign(ctx context.Context, first byte) error {
	h.setState(StateReceiving)
	source := first
	if !symbol.IsValidAddress(source) {
		return fmt.Errorf("invalid source address %#x: %w", source, ebuserr.ErrInvalidAddress)
	}
	h.markSeen(source)

	dest, err := h.readUnescaped(h.cfg.SlaveRecvTimeout)
	if err != nil {
		return err
	}
	primary, err := h.readUnescaped(h.cfg.SlaveRecvTimeout)
	if err != nil {
		return err
	}
	secondary, err := h.readUnescaped(h.cfg.SlaveRecvTimeout)
	if err != nil {
		return err
	}
	lenByte, err := h.readUnescaped(h.cfg.SlaveRecvTimeout)
	if err != nil {
		return err
	}
	data := make([]byte, 0, lenByte)
	for i := byte(0); i < lenByte; i++ {
		b, err := h.readUnescaped(h.cfg.SlaveRecvTimeout)
		if err != nil {
			return err
		}
		data = append(data, b)
	}
	crcByte, err := h.readUnescaped(h.cfg.SlaveRecvTimeout)
	if err != nil {
		return err
	}
	master, err := symbol.NewMasterFrame(source, dest, primary, secondary, data)
	if err != nil {
		return err
	}
	if master.CRC() != crcByte {
		return fmt.Errorf("master frame crc mismatch: %w", ebuserr.ErrGenericIO)
	}

	h.mu.Lock()
	dev := h.dev
	h.mu.Unlock()
	if dev != nil {
		_, _ = dev.Write([]byte{symbol.AckOK})
	}

	var slave *symbol.SlaveFrame
	if dest != symbol.Broadcast && h.IsOwnAddress(dest) {
		h.mu.Lock()
		answer, ok := h.answers[answerKey{primary, secondary, ""}]
		h.mu.Unlock()
		if ok {
			slave = &answer
			if dev != nil && !h.cfg.ReadOnly {
				_, _ = dev.Write(answer.WireBytes())
			}
			if h.cb.OnAnswer != nil {
				h.cb.OnAnswer(master, answer)
			}
		}
	}

	if h.cb.OnMessage != nil {
		h.cb.OnMessage(DirReceived, master, slave)
	}
	h.setState(StateIdle)
	return nil
}

// readByte reads one raw byte with the given timeout.
func (h *Handler) readByte(timeout time.Duration) (byte, error) {
	h.mu.Lock()
	dev := h.dev
	h.mu.Unlock()
	if dev == nil {
		return 0, fmt.Errorf("no device: %w", ebuserr.ErrNoSignal)
	}
	if err := dev.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return 0, fmt.Errorf("setting read deadline: %w", ebuserr.ErrGenericIO)
	}
	buf := make([]byte, 1)
	n, err := dev.Read(buf)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("reading byte: %w", ebuserr.ErrTimeout)
	}
	return buf[0], nil
}

// readUnescaped reads one logical byte, transparently resolving the
// 0xA9-prefixed escape sequence (spec.md §4.1 CRC note: escaping is a
// wire-level transform only, decoded bytes are what CRC is computed over).
func (h *Handler) readUnescaped(timeout time.Duration) (byte, error) {
	b, err := h.readByte(timeout)
	if err != nil {
		return 0, err
	}
	if b != symbol.Escape {
		return b, nil
	}
	esc, err := h.readByte(timeout)
	if err != nil {
		return 0, err
	}
	switch esc {
	case symbol.EscA9:
		return symbol.Escape, nil
	case symbol.EscAA:
		return symbol.SYN, nil
	default:
		return 0, fmt.Errorf("malformed escape sequence %#x: %w", esc, ebuserr.ErrInvalidList)
	}
}
