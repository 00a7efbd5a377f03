// Package server implements the HTTP and WebSocket surface of campuschat.
//
// Each connection becomes a Session that moves through Connecting,
// Authenticated, Active and Closed. Sessions hand inbound events to the
// message pipeline and receive outbound events from the room router; the
// Server tracks them for presence fan-out and graceful shutdown.
package server
