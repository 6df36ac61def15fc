// Package capture implements the daemon's optional persisted-state
// artifacts: a PID file for daemon lifecycle management, a binary
// capture file recording every observed frame byte-for-byte, and a
// textual raw log recording the same traffic in a human-readable form.
// All three are append-only and strictly optional; none are required
// for normal operation, and losing them on restart loses nothing the
// daemon depends on (the in-memory cache is the only required state).
//
// Recorder hooks in at the same point bus.Handler's Callbacks wiring
// does: main assembles a protocol.Callbacks.OnMessage that first calls
// the BusHandler's own observer, then Recorder.Observe, so capture
// never changes what the bus handler itself sees or decides.
package capture
