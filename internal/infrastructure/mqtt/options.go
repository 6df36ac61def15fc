package mqtt

import (
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/ebusd-go/internal/infrastructure/config"
)

// Connection constants.
const (
	// defaultConnectTimeout is the maximum time to wait for initial connection.
	defaultConnectTimeout = 10 * time.Second

	// defaultPublishTimeout is the maximum time to wait for publish acknowledgment.
	defaultPublishTimeout = 5 * time.Second

	// defaultDisconnectQuiesce is the time to wait for pending operations on disconnect.
	defaultDisconnectQuiesce = 1000 // milliseconds

	// defaultKeepAlive is the keepalive interval for the connection.
	defaultKeepAlive = 60 * time.Second

	// defaultReconnectInterval is the initial delay between reconnect attempts.
	defaultReconnectInterval = time.Second

	// defaultMaxReconnectInterval caps the exponential reconnect backoff.
	defaultMaxReconnectInterval = 60 * time.Second

	// maxQoS is the maximum QoS level supported.
	maxQoS = 2
)

// buildClientOptions creates paho MQTT options from the daemon's MQTT
// config. cfg.Broker is a full broker URL (e.g. "tcp://127.0.0.1:1883" or
// "ssl://broker.example.com:8883") rather than a separate host/port/TLS
// triple, matching the daemon's flag/env convention of one broker string
// per spec.md §6.
func buildClientOptions(cfg config.MQTTConfig) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()

	opts.AddBroker(cfg.Broker)
	opts.SetClientID(clientID(cfg))

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	// Clean session - start fresh on connect (no persistent session on broker)
	opts.SetCleanSession(true)

	// Auto-reconnect with exponential backoff
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(defaultReconnectInterval)
	opts.SetMaxReconnectInterval(defaultMaxReconnectInterval)

	opts.SetConnectTimeout(defaultConnectTimeout)
	opts.SetKeepAlive(defaultKeepAlive)

	return opts
}

// clientID returns the configured client ID, or a stable default derived
// from the service name.
func clientID(cfg config.MQTTConfig) string {
	if cfg.ClientID != "" {
		return cfg.ClientID
	}
	return "ebusd-go"
}

// configureLWT sets up Last Will and Testament for offline detection.
//
// The LWT message is published by the broker if the client disconnects
// unexpectedly (crash, network failure, etc.), so subscribers can detect
// the daemon going offline without waiting on a heartbeat.
func configureLWT(opts *pahomqtt.ClientOptions, topics Topics) {
	opts.SetWill(topics.Global("running"), "false", 1, true)
}
