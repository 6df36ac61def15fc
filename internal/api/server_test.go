package api

import (
	"net"
	"testing"
	"time"

	"github.com/nerrad567/ebusd-go/internal/ebus/bus"
	"github.com/nerrad567/ebusd-go/internal/ebus/dispatcher"
	"github.com/nerrad567/ebusd-go/internal/ebus/message"
	"github.com/nerrad567/ebusd-go/internal/ebus/message/datatype"
	"github.com/nerrad567/ebusd-go/internal/ebus/protocol"
	"github.com/nerrad567/ebusd-go/internal/ebus/request"
	"github.com/nerrad567/ebusd-go/internal/ebus/symbol"
	"github.com/nerrad567/ebusd-go/internal/infrastructure/config"
	"github.com/nerrad567/ebusd-go/internal/infrastructure/logging"
)

// pipeDevice adapts a net.Conn half of an in-memory pipe to protocol.Device,
// mirroring the dispatcher package's own test helper.
type pipeDevice struct{ net.Conn }

func (p pipeDevice) SetReadDeadline(t time.Time) error { return p.Conn.SetReadDeadline(t) }

func newTestServer(t *testing.T, cfg config.HTTPConfig) (*Server, *message.Catalog, net.Conn) {
	t.Helper()
	a, b := net.Pipe()

	pcfg := protocol.DefaultConfig(0x31)
	pcfg.ReadOnly = true
	proto := protocol.NewHandler(pipeDevice{a}, pcfg, protocol.Callbacks{}, nil)

	cat := message.NewCatalog()
	q := request.New()
	busHandler := bus.New(cat, proto, nil, q, bus.Config{OwnMaster: 0x31, PollInterval: time.Minute}, nil)
	proto.SetCallbacks(busHandler.Callbacks())

	disp := dispatcher.New(q, busHandler, proto, cat, nil, dispatcher.DefaultConfig())

	srv, err := New(Deps{
		Config:     cfg,
		Dispatcher: disp,
		Logger:     logging.Default(),
		Version:    "test",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	srv.hub = NewHub(srv.logger)

	return srv, cat, b
}

func mustAddMessage(t *testing.T, cat *message.Catalog, circuit, name string) *message.Message {
	t.Helper()
	typ, err := datatype.Lookup("UCH")
	if err != nil {
		t.Fatal(err)
	}
	m := &message.Message{
		Circuit:   circuit,
		Name:      name,
		Direction: message.DirRead,
		Source:    message.AnyAddress(),
		Dest:      message.ExactAddress(0x08),
		Primary:   0x50,
		Secondary: 0x90,
		Fields:    []message.Field{{Name: "value", Type: typ}},
	}
	if err := cat.Add(m); err != nil {
		t.Fatal(err)
	}
	return m
}

func storeValue(t *testing.T, cat *message.Catalog, m *message.Message, raw byte) {
	t.Helper()
	master, _ := symbol.NewMasterFrame(0x08, 0x31, 0x50, 0x90, nil)
	slave, _ := symbol.NewSlaveFrame([]byte{raw})
	if err := cat.StoreLastData(m, &master, &slave); err != nil {
		t.Fatal(err)
	}
}
