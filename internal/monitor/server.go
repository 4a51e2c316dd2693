// Package monitor provides a real-time WebSocket server for observing sync
// progress. While a sync runs, connected clients receive a message per
// applied entity, per resolved conflict, and a final summary, which is how
// the --monitor flag streams progress to dashboards and scripts.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	stdsync "sync"
	"time"

	"github.com/coder/websocket"

	"github.com/todopro/todopro/internal/model"
	todosync "github.com/todopro/todopro/internal/sync"
)

// MessageType defines the type of a monitor message.
type MessageType string

const (
	// MessageTypeHello greets a newly connected client.
	MessageTypeHello MessageType = "hello"

	// MessageTypeSyncStarted indicates a sync direction began.
	MessageTypeSyncStarted MessageType = "sync_started"

	// MessageTypeEntitySynced indicates one entity was applied.
	MessageTypeEntitySynced MessageType = "entity_synced"

	// MessageTypeConflict indicates the resolver settled a conflict.
	MessageTypeConflict MessageType = "conflict_resolved"

	// MessageTypeSummary carries the final sync summary.
	MessageTypeSummary MessageType = "sync_summary"
)

// Message is one monitor broadcast.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// EntitySyncedData describes one applied entity.
type EntitySyncedData struct {
	Direction string     `json:"direction"`
	Kind      model.Kind `json:"kind"`
	EntityID  string     `json:"entity_id"`
	Action    string     `json:"action"`
}

// SyncStartedData names the direction that began.
type SyncStartedData struct {
	Direction string `json:"direction"`
}

// SummaryData is the wire form of a sync summary.
type SummaryData struct {
	Pulled    int    `json:"pulled"`
	Pushed    int    `json:"pushed"`
	Conflicts int    `json:"conflicts"`
	Failed    int    `json:"failed"`
	Pending   int    `json:"pending"`
	Purged    int    `json:"purged"`
	Duration  string `json:"duration"`
}

// Server manages WebSocket connections and broadcasts sync progress. It
// implements the sync engine's Events interface, so wiring it up is
// Config{Events: server}.
type Server struct {
	addr     string
	listener net.Listener
	server   *http.Server

	clients   map[*websocket.Conn]bool
	clientsMu stdsync.RWMutex

	broadcast chan Message

	ctx    context.Context
	cancel context.CancelFunc
	wg     stdsync.WaitGroup

	logger *log.Logger
}

var _ todosync.Events = (*Server)(nil)

// Config holds server configuration.
type Config struct {
	// Port to listen on. Zero picks a free port.
	Port int

	// Logger for server activity (default: the process default logger).
	Logger *log.Logger
}

// NewServer creates a monitor server. Call Start to begin listening.
func NewServer(cfg *Config) *Server {
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:      fmt.Sprintf(":%d", cfg.Port),
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan Message, 100),
		ctx:       ctx,
		cancel:    cancel,
		logger:    cfg.Logger,
	}
}

// Start begins the HTTP server and WebSocket handler.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	s.wg.Add(2)
	go s.broadcastLoop()
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Monitor listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("Monitor server error: %v", err)
		}
	}()
	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() error {
	s.cancel()

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("monitor shutdown error: %w", err)
	}
	s.wg.Wait()
	return nil
}

// Addr returns the listening address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// SyncStarted implements todosync.Events.
func (s *Server) SyncStarted(direction string) {
	s.send(MessageTypeSyncStarted, SyncStartedData{Direction: direction})
}

// EntitySynced implements todosync.Events.
func (s *Server) EntitySynced(direction string, kind model.Kind, id, action string) {
	s.send(MessageTypeEntitySynced, EntitySyncedData{
		Direction: direction,
		Kind:      kind,
		EntityID:  id,
		Action:    action,
	})
}

// ConflictResolved implements todosync.Events.
func (s *Server) ConflictResolved(rec todosync.ConflictRecord) {
	s.send(MessageTypeConflict, rec)
}

// SyncFinished implements todosync.Events.
func (s *Server) SyncFinished(sum todosync.Summary) {
	s.send(MessageTypeSummary, SummaryData{
		Pulled:    sum.Pull.Applied(),
		Pushed:    sum.Push.Applied(),
		Conflicts: sum.Pull.Conflicts + sum.Push.Conflicts,
		Failed:    sum.Pull.Failed + sum.Push.Failed,
		Pending:   sum.Pending,
		Purged:    sum.Purged,
		Duration:  sum.Duration.Round(time.Millisecond).String(),
	})
}

func (s *Server) send(typ MessageType, data interface{}) {
	payload, err := json.Marshal(data)
	if err != nil {
		s.logger.Printf("Failed to marshal %s message: %v", typ, err)
		return
	}
	msg := Message{Type: typ, Timestamp: time.Now(), Data: payload}
	select {
	case s.broadcast <- msg:
	case <-s.ctx.Done():
	default:
		// A slow consumer never stalls the sync.
		s.logger.Printf("WARNING: broadcast channel full, dropping %s message", typ)
	}
}

func (s *Server) broadcastLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.broadcast:
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

			for _, conn := range clients {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()
				if err != nil {
					s.removeClient(conn)
				}
			}
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	s.clientsMu.Lock()
	s.clients[conn] = true
	count := len(s.clients)
	s.clientsMu.Unlock()
	s.logger.Printf("Monitor client connected (total: %d)", count)

	hello, _ := json.Marshal(Message{Type: MessageTypeHello, Timestamp: time.Now()})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	_ = conn.Write(ctx, websocket.MessageText, hello)
	cancel()

	go s.readLoop(conn)
}

// readLoop keeps the connection alive and detects disconnects. Client
// messages are ignored; the monitor stream is one way.
func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.removeClient(conn)
	for {
		if _, _, err := conn.Read(s.ctx); err != nil {
			return
		}
	}
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	if _, exists := s.clients[conn]; exists {
		delete(s.clients, conn)
		count := len(s.clients)
		s.clientsMu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "")
		s.logger.Printf("Monitor client disconnected (total: %d)", count)
		return
	}
	s.clientsMu.Unlock()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  "ok",
		"clients": s.ClientCount(),
	})
}
