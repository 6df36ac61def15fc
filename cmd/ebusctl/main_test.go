package main

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"
)

// fakeServer accepts a single connection and hands each received line
// to respond, writing back whatever it returns.
func fakeServer(t *testing.T, respond func(line string) string) (host string, port int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 4096)
		var pending strings.Builder
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				pending.Write(buf[:n])
				for {
					s := pending.String()
					idx := strings.IndexByte(s, '\n')
					if idx < 0 {
						break
					}
					line := strings.TrimSpace(s[:idx])
					pending.Reset()
					pending.WriteString(s[idx+1:])
					fmt.Fprintf(conn, "%s\n\n", respond(line))
				}
			}
			if err != nil {
				return
			}
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	return "127.0.0.1", addr.Port
}

func TestRunSendsOneCommandAndPrintsReply(t *testing.T) {
	host, port := fakeServer(t, func(line string) string {
		if line == "read heating temp" {
			return "21.5"
		}
		return "ERR:unknown"
	})

	var out bytes.Buffer
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ok, err := run(ctx, strings.NewReader(""), &out, host, port, time.Second, []string{"read", "heating", "temp"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !ok {
		t.Error("expected successful response")
	}
	if !strings.Contains(out.String(), "21.5") {
		t.Errorf("output = %q, want it to contain 21.5", out.String())
	}
}

func TestRunQuotesArgumentsContainingSpaces(t *testing.T) {
	var gotLine string
	host, port := fakeServer(t, func(line string) string {
		gotLine = line
		return "OK"
	})

	var out bytes.Buffer
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := run(ctx, strings.NewReader(""), &out, host, port, time.Second, []string{"write", "some value"}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if gotLine != `write "some value"` {
		t.Errorf("server saw %q, want write \"some value\"", gotLine)
	}
}

func TestRunReportsErrorResponse(t *testing.T) {
	host, port := fakeServer(t, func(line string) string {
		return "ERR:not found"
	})

	var out bytes.Buffer
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ok, err := run(ctx, strings.NewReader(""), &out, host, port, time.Second, []string{"bogus"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if ok {
		t.Error("expected ok=false for ERR: response")
	}
}

func TestRunFailsToConnect(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var out bytes.Buffer
	_, err := run(ctx, strings.NewReader(""), &out, "127.0.0.1", 1, time.Second, []string{"x"})
	if err == nil {
		t.Error("expected connection error on an unroutable port")
	}
}

func TestRunInteractiveReadsStdinUntilQuit(t *testing.T) {
	host, port := fakeServer(t, func(line string) string {
		return "OK:" + line
	})

	var out bytes.Buffer
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	in := strings.NewReader("hello\nquit\n")
	ok, err := run(ctx, in, &out, host, port, time.Second, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !ok {
		t.Error("expected no error responses")
	}
	if !strings.Contains(out.String(), "OK:hello") {
		t.Errorf("output = %q, want it to contain OK:hello", out.String())
	}
}

func TestJoinCommand(t *testing.T) {
	got := joinCommand([]string{"read", "heating temp", `has"quote and space`})
	want := `read "heating temp" has"quote and space`
	if got != want {
		t.Errorf("joinCommand = %q, want %q", got, want)
	}
}
