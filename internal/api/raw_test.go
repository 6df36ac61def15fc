package api

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nerrad567/ebusd-go/internal/ebus/symbol"
	"github.com/nerrad567/ebusd-go/internal/infrastructure/config"
)

func TestHandleRawReportsGrabEntries(t *testing.T) {
	srv, _, remote := newTestServer(t, config.HTTPConfig{})
	defer remote.Close()

	srv.disp.Bus.Grab.SetEnabled(true)
	master, _ := symbol.NewMasterFrame(0x31, 0x08, 0x50, 0x90, []byte{0x01})
	srv.disp.Bus.Grab.Record(master, nil, time.Now())

	req := httptest.NewRequest("GET", "/raw", nil)
	w := httptest.NewRecorder()
	srv.buildRouter().ServeHTTP(w, req)

	if w.Code != 200 {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"dest"`) {
		t.Errorf("unexpected body: %s", w.Body.String())
	}
}

func TestHandleDecodeRoundTripsUCH(t *testing.T) {
	srv, _, remote := newTestServer(t, config.HTTPConfig{})
	defer remote.Close()

	req := httptest.NewRequest("GET", "/decode?def=UCH&raw=14", nil)
	w := httptest.NewRecorder()
	srv.buildRouter().ServeHTTP(w, req)

	if w.Code != 200 {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "20") {
		t.Errorf("expected decoded value 20, got %s", w.Body.String())
	}
}

func TestHandleDecodeRejectsMissingParams(t *testing.T) {
	srv, _, remote := newTestServer(t, config.HTTPConfig{})
	defer remote.Close()

	req := httptest.NewRequest("GET", "/decode", nil)
	w := httptest.NewRecorder()
	srv.buildRouter().ServeHTTP(w, req)

	if w.Code != 400 {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}
