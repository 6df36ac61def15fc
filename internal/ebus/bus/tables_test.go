package bus

import (
	"testing"
	"time"

	"github.com/nerrad567/ebusd-go/internal/ebus/symbol"
)

func TestSeenTableMarkAndHas(t *testing.T) {
	tbl := NewSeenTable()
	tbl.Mark(0x08, FlagSeen)
	if !tbl.Has(0x08, FlagSeen) {
		t.Error("expected 0x08 to be seen")
	}
	if tbl.Has(0x09, FlagSeen) {
		t.Error("did not expect 0x09 to be seen")
	}
	tbl.Mark(0x08, FlagScanDone)
	if !tbl.Has(0x08, FlagSeen) || !tbl.Has(0x08, FlagScanDone) {
		t.Error("expected both flags set independently")
	}
	tbl.Clear(0x08, FlagSeen)
	if tbl.Has(0x08, FlagSeen) {
		t.Error("expected FlagSeen cleared")
	}
	if !tbl.Has(0x08, FlagScanDone) {
		t.Error("clearing one flag should not affect another")
	}
}

func TestNextScanAddressFullWalksEveryNonMaster(t *testing.T) {
	tbl := NewSeenTable()
	addr, ok := tbl.NextScanAddress(0xFF, true, false)
	if !ok {
		t.Fatal("expected a candidate on an empty table in full mode")
	}
	if symbol.IsMaster(addr) {
		t.Errorf("full scan should never return a master address, got %#x", addr)
	}
}

func TestNextScanAddressPartialRequiresSeen(t *testing.T) {
	tbl := NewSeenTable()
	_, ok := tbl.NextScanAddress(0xFF, false, false)
	if ok {
		t.Error("expected no candidates on an empty table in partial mode")
	}
	tbl.Mark(0x08, FlagSeen) // a directly-observed slave address
	addr, ok := tbl.NextScanAddress(0xFF, false, false)
	if !ok || addr != 0x08 {
		t.Fatalf("expected 0x08 to be the candidate, got %#x ok=%v", addr, ok)
	}
}

func TestGrabTableRecordsOnlyWhenEnabled(t *testing.T) {
	grab := NewGrabTable()
	master, _ := symbol.NewMasterFrame(0x31, 0x08, 0x50, 0x90, []byte{0x01})
	grab.Record(master, nil, time.Now())
	if len(grab.All()) != 0 {
		t.Fatal("expected no entries while disabled")
	}
	grab.SetEnabled(true)
	grab.Record(master, nil, time.Now())
	if len(grab.All()) != 1 {
		t.Fatal("expected one entry after enabling")
	}
	grab.Record(master, nil, time.Now())
	for _, e := range grab.All() {
		if e.RepeatCount != 2 {
			t.Errorf("repeat count = %d, want 2", e.RepeatCount)
		}
	}
}

func TestScanTableOrderedResults(t *testing.T) {
	st := NewScanTable()
	st.Set(0x08, 2, "third")
	st.Set(0x08, 0, "first")
	row := st.Get(0x08)
	if row[0] != "first" || row[2] != "third" {
		t.Errorf("unexpected row: %v", row)
	}
}
