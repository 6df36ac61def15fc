package textline

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
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

type pipeDevice struct{ net.Conn }

func (p pipeDevice) SetReadDeadline(t time.Time) error { return p.Conn.SetReadDeadline(t) }

func newTestServer(t *testing.T, port int) (*Server, *message.Catalog, net.Conn) {
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
		Config:     config.TCPConfig{Port: port, RateLimit: 100, RateBurst: 100},
		Dispatcher: disp,
		Logger:     logging.Default(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
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

func TestServerReadCommandRoundTrip(t *testing.T) {
	srv, cat, remote := newTestServer(t, 0)
	defer remote.Close()

	m := mustAddMessage(t, cat, "heating", "temp")
	master, _ := symbol.NewMasterFrame(0x08, 0x31, 0x50, 0x90, nil)
	slave, _ := symbol.NewSlaveFrame([]byte{0x14})
	if err := cat.StoreLastData(m, &master, &slave); err != nil {
		t.Fatal(err)
	}

	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer srv.Close()

	conn, err := net.Dial("tcp", srv.listener.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	fmt.Fprintf(conn, "read heating temp\n")
	reader := bufio.NewReader(conn)
	resp, _ := reader.ReadString('\n')
	if !strings.Contains(resp, "value=20") {
		t.Errorf("unexpected response %q", resp)
	}
}

func TestServerUnknownCommandReturnsError(t *testing.T) {
	srv, _, remote := newTestServer(t, 0)
	defer remote.Close()

	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer srv.Close()

	conn, err := net.Dial("tcp", srv.listener.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	fmt.Fprintf(conn, "bogus\n")
	reader := bufio.NewReader(conn)
	resp, _ := reader.ReadString('\n')
	if !strings.HasPrefix(strings.TrimSpace(resp), "ERR:") {
		t.Errorf("expected ERR response, got %q", resp)
	}
}

func TestServerQuitClosesConnection(t *testing.T) {
	srv, _, remote := newTestServer(t, 0)
	defer remote.Close()

	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer srv.Close()

	conn, err := net.Dial("tcp", srv.listener.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	fmt.Fprintf(conn, "quit\n")
	reader := bufio.NewReader(conn)
	resp, _ := reader.ReadString('\n')
	if strings.TrimSpace(resp) != "OK" {
		t.Errorf("unexpected quit response %q", resp)
	}

	conn.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 1)
	if _, err := conn.Read(buf); err == nil {
		t.Error("expected connection to be closed after quit")
	}
}
