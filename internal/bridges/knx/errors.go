package knx

import "errors"

// Domain errors for the KNX bridge package (internal/bridges/knx). Bridge
// wraps these with the offending circuit.name.field triple before they
// reach Dispatcher's "ERR: <kind>" text-line formatting (spec.md §6/§7).
var (
	// ErrNotConnected is returned when an operation requires a connection
	// but the client is not connected to knxd.
	ErrNotConnected = errors.New("knx: not connected to knxd")

	// ErrConnectionFailed is returned when the connection to knxd fails.
	ErrConnectionFailed = errors.New("knx: connection to knxd failed")

	// ErrInvalidGroupAddress is returned when a MappingConfig.GA string
	// cannot be parsed into a GroupAddress.
	ErrInvalidGroupAddress = errors.New("knx: invalid group address")

	// ErrInvalidDPT is returned when a MappingConfig.DPT identifier names
	// a datapoint type Bridge has no encode/decode support for.
	ErrInvalidDPT = errors.New("knx: invalid datapoint type")

	// ErrEncodingFailed is returned when Bridge cannot encode a decoded
	// eBUS field value into the DPT wire format its mapping specifies.
	ErrEncodingFailed = errors.New("knx: encoding failed")

	// ErrDecodingFailed is returned when Bridge cannot decode an incoming
	// telegram's APDU into the value type its mapped field expects.
	ErrDecodingFailed = errors.New("knx: decoding failed")

	// ErrTelegramFailed is returned when sending a GroupValueWrite/Read
	// telegram to knxd fails.
	ErrTelegramFailed = errors.New("knx: telegram send failed")

	// ErrTimeout is returned when an operation times out.
	ErrTimeout = errors.New("knx: operation timed out")

	// ErrInvalidTelegram is returned when a received telegram is malformed.
	ErrInvalidTelegram = errors.New("knx: invalid telegram")
)
