// Package server is the WebSocket transport of a worker.
//
// A Hub tracks live clients, each Client runs a read pump that admits the
// connection and dispatches inbound frames, and a write pump that owns the
// socket writes. Admission and handler lookup are delegated to a Backend.
package server
