package dispatcher

import (
	"context"
	"fmt"
	"testing"
)

type fakeCapture struct {
	raw, dump bool
	failRaw   bool
	failDump  bool
}

func (f *fakeCapture) SetRawEnabled(on bool) error {
	if f.failRaw {
		return fmt.Errorf("boom")
	}
	f.raw = on
	return nil
}

func (f *fakeCapture) SetDumpEnabled(on bool) error {
	if f.failDump {
		return fmt.Errorf("boom")
	}
	f.dump = on
	return nil
}

type fakeLevels struct {
	level   string
	failSet bool
}

func (f *fakeLevels) SetLevel(name string) error {
	if f.failSet {
		return fmt.Errorf("boom")
	}
	f.level = name
	return nil
}

func TestCmdRawWithoutCaptureAcksOnly(t *testing.T) {
	d, remote := newTestDispatcher(t, true)
	defer remote.Close()

	resp, err := d.Execute(context.Background(), "raw", []string{"on"})
	if err != nil || resp != "OK" {
		t.Fatalf("raw on: resp=%q err=%v", resp, err)
	}
}

func TestCmdRawTogglesCapture(t *testing.T) {
	d, remote := newTestDispatcher(t, true)
	defer remote.Close()

	fc := &fakeCapture{}
	d.Capture = fc

	if _, err := d.Execute(context.Background(), "raw", []string{"on"}); err != nil {
		t.Fatalf("raw on: %v", err)
	}
	if !fc.raw {
		t.Error("expected raw capture enabled")
	}

	if _, err := d.Execute(context.Background(), "raw", []string{"off"}); err != nil {
		t.Fatalf("raw off: %v", err)
	}
	if fc.raw {
		t.Error("expected raw capture disabled")
	}
}

func TestCmdDumpTogglesCapture(t *testing.T) {
	d, remote := newTestDispatcher(t, true)
	defer remote.Close()

	fc := &fakeCapture{}
	d.Capture = fc

	if _, err := d.Execute(context.Background(), "dump", []string{"on"}); err != nil {
		t.Fatalf("dump on: %v", err)
	}
	if !fc.dump {
		t.Error("expected dump enabled")
	}
}

func TestCmdRawRejectsBadArgument(t *testing.T) {
	d, remote := newTestDispatcher(t, true)
	defer remote.Close()

	if _, err := d.Execute(context.Background(), "raw", []string{"maybe"}); err == nil {
		t.Error("expected error for invalid raw argument")
	}
}

func TestCmdRawPropagatesCaptureFailure(t *testing.T) {
	d, remote := newTestDispatcher(t, true)
	defer remote.Close()

	d.Capture = &fakeCapture{failRaw: true}
	if _, err := d.Execute(context.Background(), "raw", []string{"on"}); err == nil {
		t.Error("expected error from failing capture collaborator")
	}
}

func TestCmdLogWithoutLevelsAcksOnly(t *testing.T) {
	d, remote := newTestDispatcher(t, true)
	defer remote.Close()

	resp, err := d.Execute(context.Background(), "log", []string{"debug"})
	if err != nil || resp != "OK" {
		t.Fatalf("log debug: resp=%q err=%v", resp, err)
	}
}

func TestCmdLogSetsRunningLevel(t *testing.T) {
	d, remote := newTestDispatcher(t, true)
	defer remote.Close()

	fl := &fakeLevels{}
	d.Levels = fl

	if _, err := d.Execute(context.Background(), "log", []string{"warn"}); err != nil {
		t.Fatalf("log warn: %v", err)
	}
	if fl.level != "warn" {
		t.Errorf("level = %q, want warn", fl.level)
	}
}

func TestCmdLogRejectsUnknownLevel(t *testing.T) {
	d, remote := newTestDispatcher(t, true)
	defer remote.Close()

	if _, err := d.Execute(context.Background(), "log", []string{"verbose"}); err == nil {
		t.Error("expected error for unknown log level")
	}
}
