package mqtt

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/nerrad567/ebusd-go/internal/ebus/dispatcher"
	"github.com/nerrad567/ebusd-go/internal/ebus/message"
)

// globalPublishInterval controls how often the "uptime"/"signal" global
// topics are refreshed, mirroring the text-line "state" command's
// liveness but pushed rather than polled.
const globalPublishInterval = time.Minute

// Bridge adapts the dispatcher's command table and cache-update sink to
// the MQTT topic scheme (spec.md §6 "MQTT"). It publishes data/global
// topics on update and serves get/set/list commands received on
// subscribed topics, routing them through the same command table the
// text-line server uses.
type Bridge struct {
	client  *Client
	disp    *dispatcher.Dispatcher
	topics  Topics
	started time.Time
}

// NewBridge creates an MQTT bridge over an already-connected Client and
// the daemon's Dispatcher.
func NewBridge(client *Client, disp *dispatcher.Dispatcher) *Bridge {
	return &Bridge{client: client, disp: disp, topics: client.Topics()}
}

// Publish implements dispatcher.Sink: whenever the dispatcher's
// housekeeping pass notices a message's cache changed, its field values
// are published as a JSON object to the message's data topic, retained
// so new subscribers see the last known value immediately.
func (b *Bridge) Publish(ctx context.Context, m *message.Message, snap message.CacheSnapshot) {
	payload, err := json.Marshal(snap.Values)
	if err != nil {
		return
	}
	_ = b.client.PublishRetained(b.topics.Data(m.Circuit, m.Name), payload)
}

// Run subscribes to the command topic filter and refreshes the global
// signal topics on a timer until ctx is cancelled.
func (b *Bridge) Run(ctx context.Context) error {
	b.started = time.Now()
	if err := b.client.Subscribe(b.topics.SubscribeFilter(), 1, b.handleCommand); err != nil {
		return err
	}
	b.publishGlobals()

	ticker := time.NewTicker(globalPublishInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			b.publishGlobals()
		}
	}
}

func (b *Bridge) publishGlobals() {
	uptime := time.Since(b.started).Round(time.Second).String()
	_ = b.client.PublishRetained(b.topics.Global("uptime"), []byte(uptime))
	_ = b.client.PublishRetained(b.topics.Global("signal"), []byte(strconv.FormatBool(b.disp.Protocol.HasSignal())))
}

// handleCommand routes an incoming <base>/circuit/name/verb message to
// the dispatcher's read/write/find commands, replying on the message's
// data topic (spec.md §6 "Subscription: <base>/+/+/get|set|list").
func (b *Bridge) handleCommand(topic string, payload []byte) error {
	circuit, name, verb, ok := b.topics.ParseCommandTopic(topic)
	if !ok {
		return nil
	}

	ctx := context.Background()
	var resp string
	var err error
	switch verb {
	case "get":
		resp, err = b.disp.Execute(ctx, "read", []string{circuit, name})
	case "set":
		values := strings.Fields(string(payload))
		resp, err = b.disp.Execute(ctx, "write", append([]string{circuit, name}, values...))
	case "list":
		resp, err = b.disp.Execute(ctx, "find", []string{circuit})
	default:
		return nil
	}

	return b.client.PublishString(b.topics.Data(circuit, name), dispatcher.ToLine(resp, err), 1, false)
}
