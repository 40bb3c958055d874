// Package preview streams particle snapshots to browser clients over a
// websocket while the solver runs.
package preview

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pthm-cable/splash/sph"
)

const writeWait = 2 * time.Second

// Server broadcasts snapshots to every connected websocket client.
type Server struct {
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*websocket.Conn]*sync.Mutex // per-connection write lock
	latest  []byte
	step    int
	sent    int
}

// New creates a server with no clients.
func New() *Server {
	return &Server{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]*sync.Mutex),
		step:    -1,
	}
}

// Handler serves /ws and /healthz.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/healthz", s.handleHealth)
	return mux
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler()}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	slog.Info("preview server listening", "addr", addr)

	select {
	case err := <-errc:
		return fmt.Errorf("preview server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.closeClients()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("preview shutdown: %w", err)
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Clients returns the number of connected clients.
func (s *Server) Clients() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Publish encodes snap once and sends it to every client. Clients whose
// write fails are dropped.
func (s *Server) Publish(snap *sph.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encoding step %d: %w", snap.Step, err)
	}

	s.mu.Lock()
	s.latest = data
	s.step = snap.Step
	s.sent++
	targets := make(map[*websocket.Conn]*sync.Mutex, len(s.clients))
	for c, m := range s.clients {
		targets[c] = m
	}
	s.mu.Unlock()

	var failed []*websocket.Conn
	for conn, m := range targets {
		if err := send(conn, m, data); err != nil {
			slog.Debug("dropping preview client", "remote", conn.RemoteAddr().String(), "error", err)
			failed = append(failed, conn)
		}
	}
	if len(failed) > 0 {
		s.mu.Lock()
		for _, c := range failed {
			delete(s.clients, c)
			c.Close()
		}
		s.mu.Unlock()
	}
	return nil
}

func send(conn *websocket.Conn, m *sync.Mutex, data []byte) error {
	m.Lock()
	defer m.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err)
		return
	}

	m := &sync.Mutex{}
	s.mu.Lock()
	s.clients[conn] = m
	latest := s.latest
	s.mu.Unlock()
	defer s.drop(conn)

	if latest != nil {
		if err := send(conn, m, latest); err != nil {
			return
		}
	}

	// The feed is one-way; reading detects the client going away.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) drop(conn *websocket.Conn) {
	s.mu.Lock()
	delete(s.clients, conn)
	s.mu.Unlock()
	conn.Close()
}

func (s *Server) closeClients() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		c.Close()
		delete(s.clients, c)
	}
}

type health struct {
	Step      int `json:"step"`
	Clients   int `json:"clients"`
	Published int `json:"published"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	h := health{Step: s.step, Clients: len(s.clients), Published: s.sent}
	s.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h)
}
