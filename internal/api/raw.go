package api

import (
	"encoding/hex"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/nerrad567/ebusd-go/internal/ebus/message/datatype"
)

// rawEntry is one fingerprinted wire-traffic row from the grab table,
// the daemon's record of every frame observed while grabbing is enabled.
type rawEntry struct {
	Dest        string `json:"dest"`
	Primary     string `json:"primary"`
	Secondary   string `json:"secondary"`
	Prefix      string `json:"prefix"`
	RepeatCount int    `json:"count"`
	LastSeen    string `json:"lastseen"`
}

// handleRaw implements GET /raw[?since=SECONDS]: a snapshot of the grab
// table, the daemon's fingerprint record of all wire traffic observed
// while grabbing is enabled, known and unknown alike.
func (s *Server) handleRaw(w http.ResponseWriter, r *http.Request) {
	since := parseMaxAge(r.URL.Query().Get("since"))
	rows := s.disp.Bus.Grab.All()

	out := make([]rawEntry, 0, len(rows))
	for k, e := range rows {
		if since > 0 && time.Since(e.At) > since {
			continue
		}
		out = append(out, rawEntry{
			Dest:        fmt.Sprintf("%02x", k.Dest),
			Primary:     fmt.Sprintf("%02x", k.Primary),
			Secondary:   fmt.Sprintf("%02x", k.Secondary),
			Prefix:      hex.EncodeToString(k.Prefix[:k.PrefixLen]),
			RepeatCount: e.RepeatCount,
			LastSeen:    e.At.UTC().Format(time.RFC3339),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Dest < out[j].Dest })

	writeJSON(w, http.StatusOK, map[string]any{"raw": out})
}

// handleDecode implements GET /decode?def=TYPE&raw=HEXBYTES[&divisor=N]:
// a pure decode that never touches the bus, mirroring the text-line
// "decode" command.
func (s *Server) handleDecode(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	typeName := q.Get("def")
	rawHex := q.Get("raw")
	if typeName == "" || rawHex == "" {
		writeBadRequest(w, "decode requires def and raw query parameters")
		return
	}

	t, err := datatype.Lookup(typeName)
	if err != nil {
		writeFromError(w, err)
		return
	}
	raw, err := hex.DecodeString(rawHex)
	if err != nil {
		writeBadRequest(w, "raw is not valid hex")
		return
	}

	divisor := 1.0
	if d := q.Get("divisor"); d != "" {
		if parsed, perr := strconv.ParseFloat(d, 64); perr == nil {
			divisor = parsed
		}
	}

	value, err := t.Decode(raw, divisor, false)
	if err != nil {
		writeFromError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"type": typeName, "value": value})
}
