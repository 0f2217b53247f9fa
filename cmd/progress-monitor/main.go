// Copyright 2016 CoreOS, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command progress-monitor relays updatectl's pipeline callbacks to any
// number of connected websocket clients (e.g. a status dashboard), so
// watching an install in progress doesn't require polling `updatectl
// status`. updatectl POSTs one JSON event per callback to /progress; this
// process fans each event out to every client connected on /ws.
package main

import (
	"encoding/json"
	"flag"
	"io"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

var (
	listenAddr = flag.String("listen", ":8866", "address to listen on")
)

// hub fans out every event received on handleProgress to every client
// registered through handleWS, dropping the event for a client whose send
// buffer is full rather than letting one slow reader stall the others.
type hub struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]chan []byte
}

func newHub() *hub {
	return &hub{clients: make(map[*websocket.Conn]chan []byte)}
}

func (h *hub) register(conn *websocket.Conn) chan []byte {
	ch := make(chan []byte, 16)
	h.mu.Lock()
	h.clients[conn] = ch
	h.mu.Unlock()
	return ch
}

func (h *hub) unregister(conn *websocket.Conn) {
	h.mu.Lock()
	if ch, ok := h.clients[conn]; ok {
		close(ch)
		delete(h.clients, conn)
	}
	h.mu.Unlock()
}

func (h *hub) broadcast(msg []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn, ch := range h.clients {
		select {
		case ch <- msg:
		default:
			log.WithField("remote", conn.RemoteAddr()).Warn("dropping event for slow progress-monitor client")
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func (h *hub) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	defer conn.Close()

	ch := h.register(conn)
	defer h.unregister(conn)

	// Drain client-initiated control frames (pings/close) on a background
	// reader so the websocket library's ping/close handling runs and a
	// closed connection is unregistered; this process never expects data
	// frames from a dashboard client.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				h.unregister(conn)
				return
			}
		}
	}()

	for msg := range ch {
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

func (h *hub) handleProgress(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<16))
	r.Body.Close()
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	var probe map[string]interface{}
	if err := json.Unmarshal(body, &probe); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	h.broadcast(body)
	w.WriteHeader(http.StatusNoContent)
}

func main() {
	flag.Parse()
	log.SetLevel(log.InfoLevel)

	h := newHub()
	mux := http.NewServeMux()
	mux.HandleFunc("/progress", h.handleProgress)
	mux.HandleFunc("/ws", h.handleWS)

	log.WithField("addr", *listenAddr).Info("progress-monitor listening")
	if err := http.ListenAndServe(*listenAddr, mux); err != nil {
		log.Fatal(err)
	}
}
