// Package statusd provides the local status server for the sync agent.
//
// The server broadcasts queue and connectivity events to connected
// WebSocket clients and exposes a small HTTP surface for the CLI and
// the capture app: queue snapshots, manual retries and a manual drain
// trigger. It binds to localhost only; the agent is the sole writer.
package statusd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/terracadastre/fieldsync/internal/connectivity"
	"github.com/terracadastre/fieldsync/internal/coordinator"
	"github.com/terracadastre/fieldsync/internal/store"
)

// MessageType defines the type of status message
type MessageType string

const (
	// MessageTypeQueueUpdate indicates queue depth changed
	MessageTypeQueueUpdate MessageType = "queue_update"

	// MessageTypeDrainComplete indicates a drain pass finished
	MessageTypeDrainComplete MessageType = "drain_complete"

	// MessageTypeConflictResolved indicates a version conflict was resolved
	MessageTypeConflictResolved MessageType = "conflict_resolved"

	// MessageTypeModeChange indicates connectivity flipped
	MessageTypeModeChange MessageType = "mode_change"

	// MessageTypeAuthRequired indicates the session expired and the
	// user must log in again before syncing resumes
	MessageTypeAuthRequired MessageType = "auth_required"
)

// Message represents a status broadcast message
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// QueueSnapshot is the payload of GET /queue and queue_update
// broadcasts.
type QueueSnapshot struct {
	Mode         string             `json:"mode"`
	Draining     bool               `json:"draining"`
	AuthRequired bool               `json:"auth_required"`
	Depth        map[string]int     `json:"depth"`
	Failed       []QueueItemSummary `json:"failed,omitempty"`
}

// QueueItemSummary is one failed queue item in a snapshot.
type QueueItemSummary struct {
	ID          string     `json:"id"`
	Kind        string     `json:"kind"`
	ReferenceID string     `json:"reference_id"`
	Attempts    int        `json:"attempts"`
	LastAttempt *time.Time `json:"last_attempt,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Server manages WebSocket connections and the agent's HTTP surface
type Server struct {
	addr     string
	listener net.Listener
	server   *http.Server

	store   *store.Store
	coord   *coordinator.Coordinator
	monitor *connectivity.Monitor

	// WebSocket client management
	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	// Message broadcasting
	broadcast chan Message

	// Lifecycle management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// Config holds server configuration
type Config struct {
	// Port to listen on (default: 7717)
	Port int

	// Logger for server activity (default: stderr logger)
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Port:   7717,
		Logger: log.Default(),
	}
}

// NewServer creates a status server over the given components.
func NewServer(st *store.Store, coord *coordinator.Coordinator, monitor *connectivity.Monitor, config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		addr:      fmt.Sprintf("127.0.0.1:%d", config.Port),
		store:     st,
		coord:     coord,
		monitor:   monitor,
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan Message, 100),
		ctx:       ctx,
		cancel:    cancel,
		logger:    config.Logger,
	}
}

// Start begins the HTTP server and WebSocket handler
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/queue", s.handleQueue)
	mux.HandleFunc("/queue/retry", s.handleRetry)
	mux.HandleFunc("/sync", s.handleSync)
	mux.HandleFunc("/", s.handleRoot)

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go s.broadcastLoop()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Status server listening on %s", s.addr)
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("Server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the server
func (s *Server) Stop() error {
	s.logger.Println("Stopping status server")

	s.cancel()

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "Server shutting down")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}

	s.wg.Wait()

	s.logger.Println("Status server stopped")
	return nil
}

// Broadcast sends a message to all connected clients
func (s *Server) Broadcast(msg Message) {
	select {
	case s.broadcast <- msg:
	case <-s.ctx.Done():
		return
	default:
		s.logger.Println("Warning: broadcast channel full, dropping message")
	}
}

// BroadcastEvent translates a coordinator event string into a typed
// broadcast with a fresh queue snapshot attached.
func (s *Server) BroadcastEvent(event string) {
	var typ MessageType
	switch event {
	case "drain_complete":
		typ = MessageTypeDrainComplete
	case "auth_required":
		typ = MessageTypeAuthRequired
	case "mode:online", "mode:offline":
		typ = MessageTypeModeChange
	case "conflict_resolved":
		typ = MessageTypeConflictResolved
	default:
		typ = MessageTypeQueueUpdate
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	snap, err := s.snapshot(ctx)
	if err != nil {
		s.logger.Printf("Failed to build snapshot: %v", err)
		s.Broadcast(Message{Type: typ, Timestamp: time.Now()})
		return
	}

	data, _ := json.Marshal(snap)
	s.Broadcast(Message{Type: typ, Timestamp: time.Now(), Data: data})
}

// broadcastLoop handles message broadcasting to all clients
func (s *Server) broadcastLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return

		case msg := <-s.broadcast:
			if msg.Timestamp.IsZero() {
				msg.Timestamp = time.Now()
			}

			data, err := json.Marshal(msg)
			if err != nil {
				s.logger.Printf("Failed to marshal message: %v", err)
				continue
			}

			s.clientsMu.RLock()
			clients := make([]*websocket.Conn, 0, len(s.clients))
			for conn := range s.clients {
				clients = append(clients, conn)
			}
			s.clientsMu.RUnlock()

			// Send outside the read lock to avoid blocking broadcasts
			for _, conn := range clients {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()

				if err != nil {
					s.logger.Printf("Failed to send to client: %v", err)
					s.removeClient(conn)
				}
			}
		}
	}
}

// snapshot assembles the current queue state.
func (s *Server) snapshot(ctx context.Context) (*QueueSnapshot, error) {
	depth, err := s.store.QueueDepth(ctx)
	if err != nil {
		return nil, err
	}

	byStatus := make(map[string]int, len(depth))
	for status, n := range depth {
		byStatus[string(status)] = n
	}

	failed, err := s.store.FailedItems(ctx)
	if err != nil {
		return nil, err
	}

	summaries := make([]QueueItemSummary, 0, len(failed))
	for _, item := range failed {
		summaries = append(summaries, QueueItemSummary{
			ID:          item.ID,
			Kind:        string(item.Kind),
			ReferenceID: item.ReferenceID,
			Attempts:    item.Attempts,
			LastAttempt: item.LastAttempt,
			Error:       item.Error,
			CreatedAt:   item.CreatedAt,
		})
	}

	return &QueueSnapshot{
		Mode:         s.monitor.Current().String(),
		Draining:     s.coord.Draining(),
		AuthRequired: s.coord.AuthRequired(),
		Depth:        byStatus,
		Failed:       summaries,
	}, nil
}

// handleWebSocket upgrades HTTP connections to WebSocket
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"}, // Localhost-only listener
	})
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	s.clientsMu.Lock()
	s.clients[conn] = true
	clientCount := len(s.clients)
	s.clientsMu.Unlock()

	s.logger.Printf("Client connected (total: %d)", clientCount)

	// Send an initial snapshot so clients render without waiting for
	// the next event
	if snap, err := s.snapshot(r.Context()); err == nil {
		data, _ := json.Marshal(snap)
		welcome := Message{Type: MessageTypeQueueUpdate, Timestamp: time.Now(), Data: data}
		welcomeData, _ := json.Marshal(welcome)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = conn.Write(ctx, websocket.MessageText, welcomeData)
		cancel()
	}

	go s.readLoop(conn)
}

// readLoop keeps the WebSocket connection alive and handles client disconnects
func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.removeClient(conn)

	for {
		_, _, err := conn.Read(s.ctx)
		if err != nil {
			return
		}
		// Client messages are ignored; the socket is broadcast-only
	}
}

// removeClient safely removes a client connection
func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	if _, exists := s.clients[conn]; exists {
		delete(s.clients, conn)
		clientCount := len(s.clients)
		s.clientsMu.Unlock()

		_ = conn.Close(websocket.StatusNormalClosure, "")
		s.logger.Printf("Client disconnected (total: %d)", clientCount)
	} else {
		s.clientsMu.Unlock()
	}
}

// handleHealth returns server health status
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.clientsMu.RLock()
	clientCount := len(s.clients)
	s.clientsMu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  "ok",
		"mode":    s.monitor.Current().String(),
		"clients": clientCount,
	})
}

// handleQueue returns a queue snapshot
func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	snap, err := s.snapshot(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(snap)
}

// handleRetry resets one failed item to pending and, when online,
// kicks off a drain.
func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "missing id parameter", http.StatusBadRequest)
		return
	}

	if err := s.coord.RetryFailedItem(r.Context(), id); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, store.ErrNotFound) {
			status = http.StatusNotFound
		}
		http.Error(w, err.Error(), status)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "queued", "id": id})
}

// handleSync triggers a drain pass
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	result, err := s.coord.TriggerDrain(r.Context())
	switch {
	case errors.Is(err, coordinator.ErrDrainInProgress):
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "already draining"})
		return
	case errors.Is(err, coordinator.ErrAuthRequired):
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(result)
}

// handleRoot returns basic server information
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head>
    <title>FieldSync Agent</title>
</head>
<body>
    <h1>FieldSync Agent</h1>
    <p>WebSocket endpoint: <code>ws://%s/ws</code></p>
    <p>Health check: <a href="/health">/health</a></p>
    <p>Queue snapshot: <a href="/queue">/queue</a></p>
</body>
</html>`, r.Host)
}

// GetAddr returns the server's listening address
func (s *Server) GetAddr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the current number of connected clients
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}
