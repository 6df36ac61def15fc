package api

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/nerrad567/ebusd-go/internal/infrastructure/config"
)

func TestHandleDatatypesListsRegisteredTypes(t *testing.T) {
	srv, _, remote := newTestServer(t, config.HTTPConfig{})
	defer remote.Close()

	req := httptest.NewRequest("GET", "/datatypes", nil)
	w := httptest.NewRecorder()
	srv.buildRouter().ServeHTTP(w, req)

	if w.Code != 200 {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "UCH") {
		t.Errorf("response missing UCH: %s", w.Body.String())
	}
}

func TestHandleTemplatesListsLoadedDefinitions(t *testing.T) {
	srv, cat, remote := newTestServer(t, config.HTTPConfig{})
	defer remote.Close()
	mustAddMessage(t, cat, "heating", "temp")

	req := httptest.NewRequest("GET", "/templates", nil)
	w := httptest.NewRecorder()
	srv.buildRouter().ServeHTTP(w, req)

	if w.Code != 200 {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "temp") {
		t.Errorf("response missing temp: %s", w.Body.String())
	}
}
