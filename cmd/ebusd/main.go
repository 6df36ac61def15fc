// Command ebusd is the eBUS daemon: it owns the single connection to an
// eBUS adapter, decodes traffic against a message catalog, and exposes
// it over a text-line TCP interface, an optional HTTP interface, and
// optional MQTT/KNX bridges.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nerrad567/ebusd-go/internal/api"
	"github.com/nerrad567/ebusd-go/internal/bridges/knx"
	"github.com/nerrad567/ebusd-go/internal/ebus/bus"
	"github.com/nerrad567/ebusd-go/internal/ebus/capture"
	"github.com/nerrad567/ebusd-go/internal/ebus/dispatcher"
	"github.com/nerrad567/ebusd-go/internal/ebus/message"
	"github.com/nerrad567/ebusd-go/internal/ebus/protocol"
	"github.com/nerrad567/ebusd-go/internal/ebus/request"
	"github.com/nerrad567/ebusd-go/internal/ebus/schema"
	"github.com/nerrad567/ebusd-go/internal/ebus/symbol"
	"github.com/nerrad567/ebusd-go/internal/infrastructure/config"
	"github.com/nerrad567/ebusd-go/internal/infrastructure/logging"
	"github.com/nerrad567/ebusd-go/internal/infrastructure/mqtt"
	"github.com/nerrad567/ebusd-go/internal/server/textline"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("ebusd-go %s (%s) built %s\n", version, commit, date)
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *configPath); err != nil {
		fmt.Fprintf(os.Stderr, "ebusd-go: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.New(cfg.Logging, version)
	logger.Info("starting ebusd-go", "version", version, "commit", commit)

	var pidFile *capture.PIDFile
	if cfg.PIDFile != "" {
		pidFile, err = capture.WritePIDFile(cfg.PIDFile)
		if err != nil {
			return fmt.Errorf("writing pid file: %w", err)
		}
		defer pidFile.Remove() //nolint:errcheck // best-effort on shutdown
	}

	dev, reconnect, err := openDevice(cfg.Bus)
	if err != nil {
		return fmt.Errorf("opening bus device: %w", err)
	}

	ownMaster := symbol.Symbol(cfg.Bus.OwnAddress)
	pcfg := protocol.DefaultConfig(ownMaster)
	pcfg.ReadOnly = cfg.Bus.ReadOnly
	if cfg.Bus.AcquireTimeout > 0 {
		pcfg.AcquireTimeout = cfg.Bus.AcquireTimeout
	}
	if cfg.Bus.AcquireRetries > 0 {
		pcfg.AcquireRetries = cfg.Bus.AcquireRetries
	}
	if cfg.Bus.SendRetries > 0 {
		pcfg.SendRetries = cfg.Bus.SendRetries
	}
	if cfg.Bus.SlaveRecvTimeout > 0 {
		pcfg.SlaveRecvTimeout = cfg.Bus.SlaveRecvTimeout
	}
	if cfg.Bus.SynTimeout > 0 {
		pcfg.SynTimeout = cfg.Bus.SynTimeout
	}

	proto := protocol.NewHandler(dev, pcfg, protocol.Callbacks{}, reconnect)

	cat := message.NewCatalog()
	q := request.New()

	source, err := schemaSource(cfg.Schema)
	if err != nil {
		return fmt.Errorf("configuring schema source: %w", err)
	}
	resolver := schema.NewResolver(source)

	busHandler := bus.New(cat, proto, resolver, q, bus.Config{
		OwnMaster:    ownMaster,
		PollInterval: cfg.Poll.Interval,
	}, logger)

	recorder := capture.New(cfg.Capture, logger)
	defer recorder.Close() //nolint:errcheck // best-effort on shutdown

	proto.SetCallbacks(withCapture(busHandler.Callbacks(), recorder))

	disp := dispatcher.New(q, busHandler, proto, cat, logger, dispatcher.DefaultConfig())
	disp.Capture = recorder
	disp.Levels = logger

	mqttBridge, mqttClient, err := startMQTT(cfg.MQTT, disp, logger)
	if err != nil {
		return fmt.Errorf("starting mqtt bridge: %w", err)
	}
	if mqttClient != nil {
		defer mqttClient.Close() //nolint:errcheck // best-effort on shutdown
	}
	if mqttBridge != nil {
		disp.AddSink(mqttBridge)
		go func() {
			if err := mqttBridge.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error("mqtt bridge stopped", "error", err)
			}
		}()
	}

	knxBridge, knxClient, err := startKNX(ctx, cfg.KNX, disp, logger)
	if err != nil {
		return fmt.Errorf("starting knx bridge: %w", err)
	}
	if knxClient != nil {
		defer knxClient.Close() //nolint:errcheck // best-effort on shutdown
	}
	if knxBridge != nil {
		disp.AddSink(knxBridge)
	}

	lineServer, err := textline.New(textline.Deps{Config: cfg.TCP, Dispatcher: disp, Logger: logger})
	if err != nil {
		return fmt.Errorf("building text-line server: %w", err)
	}
	if err := lineServer.Start(ctx); err != nil {
		return fmt.Errorf("starting text-line server: %w", err)
	}
	defer lineServer.Close() //nolint:errcheck // best-effort on shutdown

	var httpServer *api.Server
	if cfg.HTTP.Port != 0 {
		httpServer, err = api.New(api.Deps{Config: cfg.HTTP, Dispatcher: disp, Logger: logger, Version: version})
		if err != nil {
			return fmt.Errorf("building http server: %w", err)
		}
		if err := httpServer.Start(ctx); err != nil {
			return fmt.Errorf("starting http server: %w", err)
		}
		defer httpServer.Close() //nolint:errcheck // best-effort on shutdown
	}

	protoErr := make(chan error, 1)
	go func() { protoErr <- proto.Run(ctx) }()

	dispErr := make(chan error, 1)
	go func() { dispErr <- disp.Run(ctx) }()

	// The hex-address form of scan.on_start waits for its scan request to
	// complete, so it must run after the protocol/dispatcher loops that
	// service the queue are already draining it.
	go func() {
		if err := runStartupScan(ctx, busHandler, cfg.Scan); err != nil {
			logger.Warn("startup scan failed", "error", err)
		}
	}()

	logger.Info("ebusd-go running")
	<-ctx.Done()
	logger.Info("shutdown signal received, stopping")

	if err := <-protoErr; err != nil && ctx.Err() == nil {
		logger.Error("protocol handler stopped", "error", err)
	}
	if err := <-dispErr; err != nil && ctx.Err() == nil {
		logger.Error("dispatcher stopped", "error", err)
	}

	logger.Info("ebusd-go stopped")
	return nil
}

// openDevice opens the configured bus transport and builds the closure
// protocol.Handler uses to reopen it after a connection loss.
func openDevice(cfg config.BusConfig) (protocol.Device, func() (protocol.Device, error), error) {
	switch {
	case cfg.TCPAddr != "":
		reconnect := func() (protocol.Device, error) {
			return protocol.DialTCP(cfg.TCPAddr, cfg.DialTimeout)
		}
		dev, err := reconnect()
		if err != nil {
			return nil, nil, err
		}
		return dev, reconnect, nil
	case cfg.Device != "":
		reconnect := func() (protocol.Device, error) {
			return protocol.OpenSerial(cfg.Device)
		}
		dev, err := reconnect()
		if err != nil {
			return nil, nil, err
		}
		return dev, reconnect, nil
	default:
		return nil, nil, fmt.Errorf("neither bus.device nor bus.tcp_addr configured")
	}
}

// withCapture chains cb's own OnMessage observer with rec.Observe, so the
// bus handler's existing decisions are unaffected and the recorder only
// ever sees what the bus handler itself sees.
func withCapture(cb protocol.Callbacks, rec *capture.Recorder) protocol.Callbacks {
	orig := cb.OnMessage
	cb.OnMessage = func(dir protocol.MessageDirection, master symbol.MasterFrame, slave *symbol.SlaveFrame) {
		if orig != nil {
			orig(dir, master, slave)
		}
		rec.Observe(dir, master, slave)
	}
	return cb
}

func schemaSource(cfg config.SchemaConfig) (schema.Source, error) {
	switch {
	case cfg.LocalDir != "":
		return schema.LocalSource{Root: cfg.LocalDir}, nil
	case cfg.HTTPSURL != "":
		return schema.HTTPSSource{BaseURL: cfg.HTTPSURL}, nil
	default:
		return nil, fmt.Errorf("neither schema.local_dir nor schema.https_url configured")
	}
}

func startMQTT(cfg config.MQTTConfig, disp *dispatcher.Dispatcher, logger *logging.Logger) (*mqtt.Bridge, *mqtt.Client, error) {
	if !cfg.Enabled {
		return nil, nil, nil
	}
	client, err := mqtt.Connect(cfg)
	if err != nil {
		return nil, nil, err
	}
	client.SetLogger(logger)
	return mqtt.NewBridge(client, disp), client, nil
}

func startKNX(ctx context.Context, cfg config.KNXConfig, disp *dispatcher.Dispatcher, logger *logging.Logger) (*knx.Bridge, *knx.KNXDClient, error) {
	if !cfg.Enabled {
		return nil, nil, nil
	}
	knxCfg, err := knx.LoadConfig(cfg.ConfigFile)
	if err != nil {
		return nil, nil, err
	}

	client, err := knx.Connect(ctx, knx.KNXDConfig{
		Connection:        knxCfg.KNXD.Connection,
		ConnectTimeout:    time.Duration(knxCfg.KNXD.ConnectTimeout) * time.Second,
		ReadTimeout:       time.Duration(knxCfg.KNXD.ReadTimeout) * time.Second,
		ReconnectInterval: time.Duration(knxCfg.KNXD.ReconnectInterval) * time.Second,
	})
	if err != nil {
		return nil, nil, err
	}

	bridge, err := knx.NewBridge(client, disp, knxCfg.Mappings)
	if err != nil {
		client.Close() //nolint:errcheck // bridge construction failed, release the client
		return nil, nil, err
	}
	bridge.SetLogger(logger)
	if err := bridge.Start(ctx); err != nil {
		client.Close() //nolint:errcheck // bridge failed to start, release the client
		return nil, nil, err
	}
	return bridge, client, nil
}

// runStartupScan applies cfg.Scan.OnStart: "none" skips scanning, "full"
// walks every valid address, "broadcast" restricts the walk to addresses
// already observed on the bus, and anything else is parsed as a single
// hex address to scan synchronously.
func runStartupScan(ctx context.Context, busHandler *bus.Handler, cfg config.ScanConfig) error {
	switch cfg.OnStart {
	case "", "none":
		return nil
	case "full":
		return busHandler.StartScan(true, cfg.Levels)
	case "broadcast":
		return busHandler.StartScan(false, cfg.Levels)
	default:
		addr, err := parseHexAddress(cfg.OnStart)
		if err != nil {
			return fmt.Errorf("invalid scan.on_start %q: %w", cfg.OnStart, err)
		}
		return busHandler.ScanAndWait(ctx, addr, true)
	}
}

func parseHexAddress(s string) (symbol.Symbol, error) {
	var v uint64
	if _, err := fmt.Sscanf(s, "0x%x", &v); err != nil {
		if _, err := fmt.Sscanf(s, "%x", &v); err != nil {
			return 0, fmt.Errorf("parsing address %q: %w", s, err)
		}
	}
	return symbol.Symbol(v), nil
}
