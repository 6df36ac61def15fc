package api

import (
	"net/http"
	"sort"

	"github.com/nerrad567/ebusd-go/internal/ebus/message/datatype"
)

// handleDatatypes implements GET /datatypes: the registered field
// datatype names, available for building ad-hoc `define`/`decode`/
// `encode` commands.
func (s *Server) handleDatatypes(w http.ResponseWriter, _ *http.Request) {
	names := datatype.Names()
	sort.Strings(names)
	writeJSON(w, http.StatusOK, map[string]any{"datatypes": names})
}

// templateField summarizes one loaded message definition: its circuit,
// name and field names.
type templateField struct {
	Circuit string   `json:"circuit"`
	Name    string   `json:"name"`
	Fields  []string `json:"fields"`
}

// handleTemplates implements GET /templates: the message definitions
// currently loaded into the catalog, in Catalog.All order with no
// grouping by schema file. Unlike a dedicated template registry, this
// daemon does not track
// provenance per definition, so it reports every loaded definition's
// field list as the introspectable template surface.
func (s *Server) handleTemplates(w http.ResponseWriter, _ *http.Request) {
	defs := s.disp.Catalog.All()
	out := make([]templateField, 0, len(defs))
	for _, m := range defs {
		fields := make([]string, 0, len(m.Fields))
		for _, f := range m.Fields {
			fields = append(fields, f.Name)
		}
		out = append(out, templateField{Circuit: m.Circuit, Name: m.Name, Fields: fields})
	}
	writeJSON(w, http.StatusOK, map[string]any{"templates": out})
}
