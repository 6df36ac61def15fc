// Package textline implements the line-based TCP server: the daemon's
// original command interface, one command per line, responses
// terminated by a blank line. Every command runs through the same
// dispatcher command table the HTTP and MQTT interfaces share, so a
// bus transaction issued from any interface serializes through the
// same single in-flight request queue.
//
// Connections stay open across commands. `quit` closes the connection;
// every other command returns its response and keeps listening for the
// next line. Sending `listen` additionally opts the connection into
// streaming cache-update pushes, delivered as the same line format
// interleaved with any further command responses.
//
// Error lines begin with "ERR: <kind>", matching the Dispatcher's
// ToLine error-kind vocabulary.
package textline
