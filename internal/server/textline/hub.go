package textline

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/nerrad567/ebusd-go/internal/ebus/message"
)

// listenHub fans out cache updates to every connection that has issued
// a "listen" command. It implements dispatcher.Sink.
type listenHub struct {
	mu   sync.RWMutex
	subs map[chan string]struct{}
}

func newListenHub() *listenHub {
	return &listenHub{subs: make(map[chan string]struct{})}
}

// Publish implements dispatcher.Sink: every cache update is formatted
// the same way a "read" response is and pushed to subscribed
// connections. Slow consumers are dropped rather than blocking the
// dispatcher's housekeeping pass.
func (h *listenHub) Publish(_ context.Context, m *message.Message, snap message.CacheSnapshot) {
	if !snap.HasData {
		return
	}
	line := formatValues(m, snap)

	h.mu.RLock()
	defer h.mu.RUnlock()
	for out := range h.subs {
		select {
		case out <- line:
		default:
		}
	}
}

func (h *listenHub) subscribe(out chan string) {
	h.mu.Lock()
	h.subs[out] = struct{}{}
	h.mu.Unlock()
}

func (h *listenHub) unsubscribe(out chan string) {
	h.mu.Lock()
	delete(h.subs, out)
	h.mu.Unlock()
}

// formatValues renders a decoded message the same way the dispatcher's
// "read" command does: "circuit.name field=value;field2=value2".
func formatValues(m *message.Message, snap message.CacheSnapshot) string {
	names := make([]string, 0, len(snap.Values))
	for n := range snap.Values {
		names = append(names, n)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, n := range names {
		parts = append(parts, fmt.Sprintf("%s=%v", n, snap.Values[n]))
	}
	return fmt.Sprintf("%s.%s %s", m.Circuit, m.Name, strings.Join(parts, ";"))
}
