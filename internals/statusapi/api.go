// Copyright (c) 2024 Canonical Ltd
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License version 3 as
// published by the Free Software Foundation.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package statusapi serves a small read-only HTTP surface over a
// ProcessAttendant: a JSON status snapshot and a websocket that streams
// the server's stderr as it's drained by the reaper loop. It's entirely
// optional scaffolding for a host that wants to expose what the attendant
// is doing; the attendant itself has no knowledge this package exists.
package statusapi

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/canonical/attendant/internals/attendant/errcode"
	"github.com/canonical/attendant/internals/logger"
)

// StatusProvider is the read-only slice of ProcessAttendant this package
// depends on, so tests can substitute a fake without forking a real
// relay/server pair.
type StatusProvider interface {
	Running() bool
	LastError() *errcode.Error
}

// Server serves the status API over one mux.Router. Create with New,
// mount Router on an http.Server, and call Publish whenever there's a new
// line of server diagnostics to fan out to connected log-tail clients.
type Server struct {
	attendant StatusProvider
	Router    *mux.Router

	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]chan []byte
}

func New(a StatusProvider) *Server {
	s := &Server{
		attendant: a,
		Router:    mux.NewRouter(),
		clients:   make(map[*websocket.Conn]chan []byte),
	}
	s.Router.HandleFunc("/v1/status", s.handleStatus).Methods("GET")
	s.Router.HandleFunc("/v1/logs/tail", s.handleLogTail)
	return s
}

type statusResponse struct {
	Running   bool   `json:"running"`
	LastError string `json:"last-error,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{Running: s.attendant.Running()}
	if e := s.attendant.LastError(); e != nil {
		resp.LastError = e.Error()
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Noticef("statusapi: cannot encode status response: %v", err)
	}
}

// handleLogTail upgrades to a websocket and streams the lines Publish
// queues for this client until it disconnects; lines Publish drops for a
// full buffer are not sent.
func (s *Server) handleLogTail(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Noticef("statusapi: websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	ch := make(chan []byte, 64)
	s.mu.Lock()
	s.clients[conn] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.clients, conn)
		s.mu.Unlock()
	}()

	conn.SetReadDeadline(time.Now().Add(time.Hour))
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				close(ch)
				return
			}
		}
	}()

	for line := range ch {
		if err := conn.WriteMessage(websocket.TextMessage, line); err != nil {
			return
		}
	}
}

// Publish fans a line of server diagnostics out to every connected
// log-tail client, dropping it for any client whose send buffer is full
// rather than blocking the caller.
func (s *Server) Publish(line []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.clients {
		select {
		case ch <- line:
		default:
		}
	}
}
