// Package dispatcher implements the Dispatcher of spec.md §4.5: the
// long-lived loop that services the RequestQueue, runs periodic
// housekeeping, and serializes execution of the external command table.
package dispatcher

import (
	"context"
	"time"

	"github.com/nerrad567/ebusd-go/internal/ebus/bus"
	"github.com/nerrad567/ebusd-go/internal/ebus/message"
	"github.com/nerrad567/ebusd-go/internal/ebus/protocol"
	"github.com/nerrad567/ebusd-go/internal/ebus/request"
)

// Sink receives a decoded snapshot whenever a message's cached value
// changes, for north-bound publication (MQTT data topics, WebSocket
// pushes, etc).
type Sink interface {
	Publish(ctx context.Context, m *message.Message, snap message.CacheSnapshot)
}

// Config parameterizes a Dispatcher.
type Config struct {
	TaskDelay        time.Duration // queue.Pop timeout, spec.md §4.5 "loop every <=1s"
	UpdateCheckEvery time.Duration // 0 disables
}

// DefaultConfig mirrors spec.md §4.5's defaults.
func DefaultConfig() Config {
	return Config{TaskDelay: time.Second, UpdateCheckEvery: 24 * time.Hour}
}

// UpdateChecker is the external update-check HTTPS client, a documented
// out-of-scope collaborator (spec.md §1); Dispatcher only calls it on
// schedule.
type UpdateChecker interface {
	CheckForUpdate(ctx context.Context) error
}

// CaptureControl is the subset of internal/ebus/capture.Recorder that
// cmdRaw/cmdDump need. Both toggles start nil-safe: with no Capture
// wired, the commands ack without touching disk.
type CaptureControl interface {
	SetRawEnabled(on bool) error
	SetDumpEnabled(on bool) error
}

// LevelSetter is the subset of internal/infrastructure/logging.Logger
// that cmdLog needs to change the running log level.
type LevelSetter interface {
	SetLevel(name string) error
}

// Dispatcher is the single-instance-per-daemon command/housekeeping loop.
type Dispatcher struct {
	Queue    *request.Queue
	Bus      *bus.Handler
	Protocol *protocol.Handler
	Catalog  *message.Catalog
	Log      bus.Logger
	Capture  CaptureControl
	Levels   LevelSetter

	cfg Config

	commands map[string]CommandFunc
	sinks    []Sink
	updater  UpdateChecker

	lastUpdateCheck time.Time
	lastNotify      map[*message.Message]time.Time
}

// New builds a Dispatcher. Commands are registered via RegisterCommand;
// the built-in table is installed by registerBuiltins (commands.go).
func New(q *request.Queue, b *bus.Handler, p *protocol.Handler, cat *message.Catalog, log bus.Logger, cfg Config) *Dispatcher {
	d := &Dispatcher{
		Queue:      q,
		Bus:        b,
		Protocol:   p,
		Catalog:    cat,
		Log:        log,
		cfg:        cfg,
		commands:   make(map[string]CommandFunc),
		lastNotify: make(map[*message.Message]time.Time),
	}
	registerBuiltins(d)
	return d
}

// RegisterCommand adds or replaces a command.
func (d *Dispatcher) RegisterCommand(name string, fn CommandFunc) {
	d.commands[name] = fn
}

// AddSink registers a north-bound publication target.
func (d *Dispatcher) AddSink(s Sink) { d.sinks = append(d.sinks, s) }

// SetUpdateChecker installs the optional 24h update-check collaborator.
func (d *Dispatcher) SetUpdateChecker(u UpdateChecker) { d.updater = u }

// Execute runs a command line (verb plus arguments) synchronously,
// returning the response text a north-bound server should deliver to its
// client. This is what text-line/HTTP/MQTT command handlers call.
func (d *Dispatcher) Execute(ctx context.Context, verb string, args []string) (string, error) {
	fn, ok := d.commands[verb]
	if !ok {
		return "", errUnknownCommand(verb)
	}
	return fn(ctx, args, d)
}

// Run drives the main loop until ctx is cancelled (spec.md §4.5).
func (d *Dispatcher) Run(ctx context.Context) error {
	taskDelay := d.cfg.TaskDelay
	if taskDelay <= 0 {
		taskDelay = time.Second
	}
	for {
		select {
		case <-ctx.Done():
			d.Queue.Close()
			return ctx.Err()
		default:
		}

		req, ok := d.Queue.Pop(taskDelay)
		now := time.Now()
		d.housekeeping(ctx, now)
		if !ok {
			continue
		}
		d.executeRequest(ctx, req)
	}
}

// executeRequest drives one popped Request's bus transaction and resolves
// its completion waiter, per spec.md §4.5's loop body. Every log line
// carries req.ID so a single request can be traced across its
// arbitration/retry attempts even with other requests interleaved around
// it in the queue.
func (d *Dispatcher) executeRequest(ctx context.Context, req *request.Request) {
	if d.Log != nil {
		d.Log.Debug("executing request", "id", req.ID, "dest", req.Master.Dest)
	}
	slave, err := d.Protocol.SendAndWait(ctx, req.Master)
	res := request.Result{Slave: slave, Err: err}
	if err != nil && d.Log != nil {
		d.Log.Warn("request failed", "id", req.ID, "dest", req.Master.Dest, "err", err)
	}

	if req.Scan != nil {
		d.Bus.AdvanceScan(req, res)
	}
	req.Complete(res)
}

// housekeeping implements spec.md §4.5's per-tick background work: poll
// injection, periodic update-check, and data-sink notification. The
// reconnect watchdog itself lives in protocol.Handler.Run (it must react
// to SYN loss immediately, not once per second).
func (d *Dispatcher) housekeeping(ctx context.Context, now time.Time) {
	d.Bus.OnIdle(now)

	if d.updater != nil && d.cfg.UpdateCheckEvery > 0 && now.Sub(d.lastUpdateCheck) > d.cfg.UpdateCheckEvery {
		d.lastUpdateCheck = now
		if err := d.updater.CheckForUpdate(ctx); err != nil && d.Log != nil {
			d.Log.Warn("update check failed", "err", err)
		}
	}

	if len(d.sinks) == 0 {
		return
	}
	for _, m := range d.Catalog.All() {
		snap := d.Catalog.DecodeLastData(m)
		if !snap.HasData {
			continue
		}
		if last, ok := d.lastNotify[m]; ok && !snap.LastChange.After(last) {
			continue
		}
		d.lastNotify[m] = snap.LastChange
		for _, sink := range d.sinks {
			sink.Publish(ctx, m, snap)
		}
	}
}
