// Package knx implements an optional KNX building-automation bridge for
// ebusd-go (spec.md §6 "KNX").
//
// It connects to a knxd daemon and binds individual KNX group addresses
// directly to eBUS message fields, one mapping at a time, rather than
// modelling KNX "devices" the way a dedicated home-automation core would:
// an eBUS field's cached value is pushed out as a GroupValueWrite when it
// changes, and an incoming GroupValueWrite or GroupValueResponse is fed
// back into the dispatcher's "write" command exactly as a text-line or
// MQTT client would issue it.
//
// # Architecture
//
//	┌────────────┐  GroupValueWrite/Response  ┌────────┐  write  ┌────────────┐
//	│  KNX bus   │ ◄────────────────────────► │ Bridge │ ──────► │ Dispatcher │
//	└────────────┘           knxd             └────────┘         └────────────┘
//
// The Bridge implements dispatcher.Sink so the dispatcher's housekeeping
// pass can push cache changes to it the same way it pushes to the MQTT
// bridge.
//
// # Group Addresses
//
// KNX uses group addresses for communication. This package uses the
// 3-level format: Main/Middle/Sub (e.g., "1/2/3").
//
// # Datapoint Types
//
// KNX defines standardised data formats (DPTs). This package's DPT codec
// has encoders/decoders for DPT 1, 3, 5, 9, 17, 18 and 232. The Bridge's
// mapping dispatch uses only DPT 1.xxx (1-bit switch/bool), DPT 5.xxx
// (decoded and encoded as a 0-100 percentage) and DPT 9.xxx (2-byte
// float, used for temperatures); a mapping naming any other DPT fails
// with ErrInvalidDPT when its value is encoded or decoded.
//
// # Thread Safety
//
// All exported types are safe for concurrent use from multiple goroutines.
package knx
