// Package server wires HTTP handlers into a ServeMux for the campuschat
// service via routing helpers.
package server

import "net/http"

// Routes returns a ServeMux with every application route registered.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", RootHandler)
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("GET /presence", s.handleOnlineUsers)
	mux.HandleFunc("GET /presence/{userId}", s.handleUserPresence)
	mux.HandleFunc("POST /messages/direct", s.handleDirectMessage)
	mux.HandleFunc("/test", s.TestPageHandler)
	if s.health != nil {
		mux.Handle("GET /health", s.health)
		mux.HandleFunc("GET /ready", s.health.ReadyHandler)
	}
	return mux
}
