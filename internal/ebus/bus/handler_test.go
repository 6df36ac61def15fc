package bus

import (
	"fmt"
	"testing"
	"time"

	"github.com/nerrad567/ebusd-go/internal/ebus/message"
	"github.com/nerrad567/ebusd-go/internal/ebus/protocol"
	"github.com/nerrad567/ebusd-go/internal/ebus/request"
	"github.com/nerrad567/ebusd-go/internal/ebus/symbol"
	"github.com/nerrad567/ebusd-go/internal/ebuserr"
)

// stubDevice satisfies protocol.Device without ever performing real I/O;
// the tests in this file drive BusHandler methods directly and never run
// the ProtocolHandler's Run loop, so the device is never touched.
type stubDevice struct{}

func (stubDevice) Read([]byte) (int, error)        { return 0, fmt.Errorf("stub device: no read") }
func (stubDevice) Write(p []byte) (int, error)     { return len(p), nil }
func (stubDevice) Close() error                    { return nil }
func (stubDevice) SetReadDeadline(time.Time) error { return nil }

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	cat := message.NewCatalog()
	proto := protocol.NewHandler(stubDevice{}, protocol.DefaultConfig(0x31), protocol.Callbacks{}, nil)
	q := request.New()
	return New(cat, proto, nil, q, Config{OwnMaster: 0x31}, nil)
}

// TestOnMessageScanIdentDirected exercises spec.md §8 scenario 1: a
// directed ident query/response pair marks the slave SEEN|SCAN_INIT|
// SCAN_DONE and populates its first scan result slot.
func TestOnMessageScanIdentDirected(t *testing.T) {
	h := newTestHandler(t)

	master, err := symbol.NewMasterFrame(0x31, 0x08, message.ScanPrimary, message.ScanSecondary, nil)
	if err != nil {
		t.Fatal(err)
	}
	slave, err := symbol.NewSlaveFrame([]byte{0x0A, 0xB5, 0x54, 0x49, 0x50, 0x30, 0x30, 0x30, 0x01, 0x00, 0x64})
	if err != nil {
		t.Fatal(err)
	}

	h.onMessage(protocol.DirReceived, master, &slave)

	if !h.Seen.Has(0x08, FlagSeen) {
		t.Error("expected 0x08 marked SEEN")
	}
	if !h.Seen.Has(0x08, FlagScanInit) {
		t.Error("expected 0x08 marked SCAN_INIT")
	}
	if !h.Seen.Has(0x08, FlagScanDone) {
		t.Error("expected 0x08 marked SCAN_DONE")
	}
	row := h.Results.Get(0x08)
	if len(row) == 0 || row[0] == "" {
		t.Errorf("expected scan_results[0x08][0] populated, got %v", row)
	}
}

// TestOnMessageBroadcastIdentSynthesizesStore exercises spec.md §8
// scenario 6: a broadcast-ident frame (no slave response at all) still
// gets synthesized into the scan cache, marks SEEN on both the
// broadcasting master and its derived slave address, and marks SCAN_DONE
// with no bus transaction required to get there.
func TestOnMessageBroadcastIdentSynthesizesStore(t *testing.T) {
	h := newTestHandler(t)

	master, err := symbol.NewMasterFrame(0x31, symbol.Broadcast, message.ScanPrimary, message.ScanSecondary,
		[]byte{0x0A, 0xB5, 0x54, 0x49, 0x50, 0x30, 0x30, 0x30, 0x01, 0x00, 0x64})
	if err != nil {
		t.Fatal(err)
	}

	h.onMessage(protocol.DirReceived, master, nil)

	if !h.Seen.Has(0x31, FlagSeen) {
		t.Error("expected broadcast source 0x31 marked SEEN")
	}
	if !h.Seen.Has(symbol.SlaveOf(0x31), FlagSeen) {
		t.Error("expected the broadcast source's derived slave address marked SEEN")
	}
	if !h.Seen.Has(0x31, FlagScanDone) {
		t.Error("expected broadcast source 0x31 marked SCAN_DONE")
	}
	row := h.Results.Get(0x31)
	if len(row) == 0 || row[0] == "" {
		t.Errorf("expected scan_results[0x31][0] populated from the broadcast frame, got %v", row)
	}
}

// TestOnMessageUnknownNonIdentStillLogsAndReturns confirms the not-found
// early return is still reached for ordinary (non-ident) unmatched
// traffic: no scan bookkeeping is synthesized for it.
func TestOnMessageUnknownNonIdentStillLogsAndReturns(t *testing.T) {
	h := newTestHandler(t)

	master, err := symbol.NewMasterFrame(0x31, 0x08, 0x50, 0x90, []byte{0x01})
	if err != nil {
		t.Fatal(err)
	}
	slave, err := symbol.NewSlaveFrame([]byte{0x14})
	if err != nil {
		t.Fatal(err)
	}

	h.onMessage(protocol.DirReceived, master, &slave)

	if h.Seen.Has(0x08, FlagScanDone) {
		t.Error("unmatched non-ident traffic should not mark SCAN_DONE")
	}
	if row := h.Results.Get(0x08); len(row) != 0 {
		t.Errorf("expected no scan result recorded, got %v", row)
	}
}

// TestAdvanceScanWalkSkipsTimeoutAddress exercises spec.md §8 scenario 5:
// a three-address scan walk where the middle address times out still
// records results for the other two and ends with the timed-out address
// never marked SCAN_DONE.
func TestAdvanceScanWalkSkipsTimeoutAddress(t *testing.T) {
	h := newTestHandler(t)
	cat := h.Catalog
	identMsg := cat.GetScanMessage(nil)

	master, err := symbol.NewMasterFrame(0x31, 0x08, identMsg.Primary, identMsg.Secondary, nil)
	if err != nil {
		t.Fatal(err)
	}
	req := request.NewScanRequest(master, []*message.Message{identMsg}, []symbol.Symbol{0x08, 0x10, 0x18}, false)

	slave08, err := symbol.NewSlaveFrame([]byte{0x01})
	if err != nil {
		t.Fatal(err)
	}
	if err := cat.StoreLastData(identMsg, &master, &slave08); err != nil {
		t.Fatal(err)
	}
	h.AdvanceScan(req, request.Result{Slave: slave08})

	next, ok := h.Queue.Pop(time.Second)
	if !ok {
		t.Fatal("expected a continuation request queued for 0x10")
	}
	if next.Master.Dest != 0x10 {
		t.Fatalf("continuation dest = %#x, want 0x10", next.Master.Dest)
	}

	h.AdvanceScan(next, request.Result{Err: fmt.Errorf("no response: %w", ebuserr.ErrTimeout)})

	next2, ok := h.Queue.Pop(time.Second)
	if !ok {
		t.Fatal("expected a continuation request queued for 0x18")
	}
	if next2.Master.Dest != 0x18 {
		t.Fatalf("continuation dest = %#x, want 0x18", next2.Master.Dest)
	}

	slave18, err := symbol.NewSlaveFrame([]byte{0x02})
	if err != nil {
		t.Fatal(err)
	}
	if err := cat.StoreLastData(identMsg, &next2.Master, &slave18); err != nil {
		t.Fatal(err)
	}
	h.AdvanceScan(next2, request.Result{Slave: slave18})

	if h.Seen.Has(0x10, FlagScanDone) {
		t.Error("timed-out address 0x10 should not be marked SCAN_DONE")
	}
	if !h.Seen.Has(0x08, FlagScanDone) {
		t.Error("expected 0x08 marked SCAN_DONE")
	}
	if !h.Seen.Has(0x18, FlagScanDone) {
		t.Error("expected 0x18 marked SCAN_DONE")
	}
	if len(h.Results.Get(0x08)) == 0 {
		t.Error("expected a recorded scan result for 0x08")
	}
	if len(h.Results.Get(0x18)) == 0 {
		t.Error("expected a recorded scan result for 0x18")
	}
	if _, ok := h.Queue.Pop(50 * time.Millisecond); ok {
		t.Error("expected no further continuation requests; the walk should be finished")
	}
}
