// Package log provides structured protocol event logging for the
// gateway. Events are captured at the transport (encrypted frames),
// wire (decoded CoAP messages) and session layers, and can be written
// to a CBOR file for offline analysis, mirrored to slog for
// development, or discarded.
package log
