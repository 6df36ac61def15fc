// Package mqtt provides the optional MQTT north-bound interface for
// ebusd-go (spec.md §6 "MQTT").
//
// This package manages:
//   - Connection to the configured broker with auto-reconnect
//   - Message publishing with QoS guarantees
//   - Topic subscriptions with wildcard support
//   - Last Will and Testament (LWT) for offline detection
//   - Connection health monitoring
//
// # Topic scheme
//
// Topics follow the template %circuit/%name[/%field] prefixed by a
// configurable base (default "ebusd"). Three topic classes share this
// addressing:
//
//   - data: published whenever a message's cached value changes
//   - global: daemon-wide signals; the client publishes "running" and the
//     bridge refreshes "signal" and "uptime"
//   - definition: a per-message topic for the message's field schema;
//     Topics builds its name, but nothing in this package publishes to it
//
// Commands are received on <base>/+/+/get|set|list, mirroring the
// text-line "read"/"write"/"find" verbs.
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	bridge := mqtt.NewBridge(client, dispatcher)
//	go bridge.Run(ctx)
package mqtt
