package schema

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/nerrad567/ebusd-go/internal/ebus/message"
	"github.com/nerrad567/ebusd-go/internal/ebuserr"
)

type memSource struct {
	files map[string]map[string]string // dir -> name -> contents
}

func (m memSource) List(_ context.Context, dir string) ([]string, error) {
	var names []string
	for n := range m.files[dir] {
		names = append(names, n)
	}
	return names, nil
}

func (m memSource) Fetch(_ context.Context, dir, name string) ([]byte, time.Time, error) {
	data, ok := m.files[dir][name]
	if !ok {
		return nil, time.Time{}, fmt.Errorf("fetching %s/%s: %w", dir, name, ebuserr.ErrNotFound)
	}
	return []byte(data), time.Time{}, nil
}

func TestParseCSVBasic(t *testing.T) {
	data := []byte(`# comment
heat,flow,read,31,08,50,90,1,*,temp:D2C:1:C
`)
	defs, err := ParseCSV(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(defs) != 1 {
		t.Fatalf("expected 1 def, got %d", len(defs))
	}
	m := defs[0]
	if m.Circuit != "heat" || m.Name != "flow" {
		t.Errorf("unexpected circuit/name: %s/%s", m.Circuit, m.Name)
	}
	if len(m.Fields) != 1 || m.Fields[0].Name != "temp" {
		t.Fatalf("unexpected fields: %+v", m.Fields)
	}
	if m.Fields[0].Divisor != 1 {
		t.Errorf("divisor = %v, want 1", m.Fields[0].Divisor)
	}
}

func TestFilenameScoring(t *testing.T) {
	c, err := parseFilename("08.VR81.SW1234.HW0100.csv")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if c.address != 0x08 || c.sw != 1234 || c.hw != 100 {
		t.Fatalf("unexpected candidate: %+v", c)
	}
	score, ok := c.score(0x08, "VR8100", 1234, 100)
	if !ok || score == 0 {
		t.Fatalf("expected a positive score, got %d ok=%v", score, ok)
	}

	_, ok = c.score(0x09, "VR8100", 1234, 100)
	if ok {
		t.Error("expected address mismatch to reject candidate")
	}
}

func TestResolverLoadScanConfig(t *testing.T) {
	src := memSource{files: map[string]map[string]string{
		"vaillant": {
			"common.csv":  "heat,common,read,any,any,50,90,0,*,x:UCH\n",
			"08.vr81.csv": "heat,flow,read,08,any,50,91,1,*,temp:D2C:1\n",
		},
	}}
	r := NewResolver(src)
	cat := message.NewCatalog()
	name, err := r.LoadScanConfig(context.Background(), ScannedIdent{
		Address: 0x08, Manufacturer: 0xb5, Ident: "VR81", SW: 100, HW: 100,
	}, cat)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if name != "08.vr81.csv" {
		t.Errorf("loaded %s, want 08.vr81.csv", name)
	}
	if len(cat.All()) != 3 {
		t.Errorf("expected built-in scan + common + specific defs loaded, got %d", len(cat.All()))
	}
}
