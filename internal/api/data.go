package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/ebusd-go/internal/ebus/message"
)

// messageView is the JSON shape of one decoded message, returned nested
// under its circuit in /data's response.
type messageView struct {
	Name       string         `json:"name"`
	Direction  string         `json:"direction"`
	Fields     map[string]any `json:"fields,omitempty"`
	LastUpdate string         `json:"lastup,omitempty"`
	Definition *messageDef    `json:"definition,omitempty"`
}

// messageDef is the optional field-definition block included when the
// `def`/`full` query flag is set.
type messageDef struct {
	Circuit string           `json:"circuit"`
	Name    string           `json:"name"`
	Fields  []messageDefItem `json:"fields"`
}

type messageDefItem struct {
	Name   string  `json:"name"`
	Type   string  `json:"type"`
	Unit   string  `json:"unit,omitempty"`
	Divisor float64 `json:"divisor,omitempty"`
}

// globalView is the daemon-wide sibling included alongside per-circuit
// data: signal state, read-only mode, reconnect count, version, uptime.
type globalView struct {
	Signal     bool   `json:"signal"`
	ReadOnly   bool   `json:"readonly"`
	Reconnects int64  `json:"reconnects"`
	Version    string `json:"version"`
	Uptime     int64  `json:"uptime"`
}

// handleData implements GET /data[/{circuit}[/{name}]], the primary HTTP
// read/write surface: `?write=VALUE` performs a write through the same
// command table the text-line/MQTT interfaces use, since the interface
// itself is GET-only end to end.
func (s *Server) handleData(w http.ResponseWriter, r *http.Request) {
	circuit := chi.URLParam(r, "circuit")
	name := chi.URLParam(r, "name")
	q := r.URL.Query()

	if write := q.Get("write"); write != "" {
		if circuit == "" || name == "" {
			writeBadRequest(w, "write requires /data/{circuit}/{name}")
			return
		}
		values := strings.Split(write, ";")
		args := append([]string{circuit, name}, values...)
		if _, err := s.disp.Execute(r.Context(), "write", args); err != nil {
			writeFromError(w, err)
			return
		}
	}

	includeDef := q.Has("def") || q.Has("define") || q.Has("full")
	maxAge := parseMaxAge(q.Get("maxage"))

	result := make(map[string]map[string]messageView)
	for _, m := range s.disp.Catalog.All() {
		if circuit != "" && m.Circuit != circuit {
			continue
		}
		if name != "" && m.Name != name {
			continue
		}

		snap := s.disp.Catalog.DecodeLastData(m)
		if !snap.HasData {
			continue
		}
		if maxAge > 0 && time.Since(snap.LastUpdate) > maxAge {
			continue
		}

		view := messageView{
			Name:       m.Name,
			Direction:  string(m.Direction),
			Fields:     snap.Values,
			LastUpdate: snap.LastUpdate.UTC().Format(time.RFC3339),
		}
		if includeDef {
			view.Definition = buildMessageDef(m)
		}

		if result[m.Circuit] == nil {
			result[m.Circuit] = make(map[string]messageView)
		}
		result[m.Circuit][m.Name] = view
	}

	if circuit != "" && name != "" && len(result) == 0 {
		writeNotFound(w, circuit+"."+name+" has no cached value")
		return
	}

	resp := make(map[string]any, len(result)+1)
	for c, messages := range result {
		resp[c] = map[string]any{"messages": messages}
	}
	resp["global"] = s.globalInfo()

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) globalInfo() globalView {
	return globalView{
		Signal:     s.disp.Protocol.HasSignal(),
		ReadOnly:   s.disp.Protocol.IsReadOnly(),
		Reconnects: s.disp.Protocol.ReconnectCount(),
		Version:    s.version,
		Uptime:     int64(time.Since(s.startTime).Seconds()),
	}
}

func buildMessageDef(m *message.Message) *messageDef {
	def := &messageDef{Circuit: m.Circuit, Name: m.Name, Fields: make([]messageDefItem, 0, len(m.Fields))}
	for _, f := range m.Fields {
		def.Fields = append(def.Fields, messageDefItem{
			Name:    f.Name,
			Type:    f.Type.Name(),
			Unit:    f.Unit,
			Divisor: f.Divisor,
		})
	}
	return def
}

func parseMaxAge(s string) time.Duration {
	if s == "" {
		return 0
	}
	seconds, err := strconv.Atoi(s)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}
