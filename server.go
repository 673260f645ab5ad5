package main

import (
	"encoding/json"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	writeWait      = 5 * time.Second
	pongWait       = 30 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 4096
)

// Client → Agent messages
type ClientMessage struct {
	Type string `json:"type"`
}

// Agent → Client messages
type ServerMessage struct {
	Type       string  `json:"type"`
	Data       *Record `json:"data,omitempty"`
	Hostname   string  `json:"hostname,omitempty"`
	Version    string  `json:"version,omitempty"`
	IntervalMs int64   `json:"interval_ms,omitempty"`
	Message    string  `json:"message,omitempty"`
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once

	// consecutive frames dropped, guarded by Server.mu
	dropped int
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
			time.Now().Add(time.Second))
		c.conn.Close()
	})
}

// enqueue never blocks; a full queue drops the frame.
func (c *client) enqueue(data []byte) bool {
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// Server is the websocket hub. It implements Broadcaster.
type Server struct {
	config   *Config
	upgrader websocket.Upgrader
	log      *zap.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
	last    *Record
}

func newServer(config *Config, log *zap.Logger) *Server {
	return &Server{
		config:  config,
		log:     log,
		clients: make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/ws", s.handleWebSocket).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/snapshot", s.handleSnapshot).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return r
}

// Broadcast encodes rec once and queues it for every client. Clients that keep
// falling behind are disconnected.
func (s *Server) Broadcast(rec *Record) {
	data, err := json.Marshal(ServerMessage{Type: "metrics", Data: rec})
	if err != nil {
		s.log.Error("encode record", zap.Error(err))
		return
	}

	var slow []*client
	s.mu.Lock()
	s.last = rec
	for c := range s.clients {
		if c.enqueue(data) {
			c.dropped = 0
			continue
		}
		c.dropped++
		droppedFrames.Inc()
		if c.dropped >= s.config.MaxDropped {
			slow = append(slow, c)
		}
	}
	s.mu.Unlock()

	for _, c := range slow {
		s.log.Warn("disconnecting slow client", zap.String("client", c.id))
		c.close()
	}
}

// Latest returns the last broadcast record, or nil before the first tick.
func (s *Server) Latest() *Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// CloseAll disconnects every client.
func (s *Server) CloseAll() {
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"clients": s.ClientCount(),
	})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	rec := s.Latest()
	if rec == nil {
		http.Error(w, "no sample yet", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(rec)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("ws upgrade", zap.Error(err))
		return
	}

	c := &client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, s.config.SendQueue),
		done: make(chan struct{}),
	}
	log := s.log.With(zap.String("client", c.id), zap.String("remote", r.RemoteAddr))

	// Registered first so no broadcast is missed; queued frames wait behind the greeting.
	s.addClient(c)
	log.Info("client connected")
	defer func() {
		s.removeClient(c)
		c.close()
		log.Info("client disconnected")
	}()

	hostname, _ := os.Hostname()
	greeting := []ServerMessage{{
		Type:       "hello",
		Hostname:   hostname,
		Version:    version,
		IntervalMs: s.config.Interval.Milliseconds(),
	}}
	if rec := s.Latest(); rec != nil {
		greeting = append(greeting, ServerMessage{Type: "metrics", Data: rec})
	}
	for _, msg := range greeting {
		if err := s.writeDirect(c, msg); err != nil {
			log.Debug("ws greeting", zap.Error(err))
			return
		}
	}

	go s.writePump(c)

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug("ws read", zap.Error(err))
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.sendError(c, "invalid message")
			continue
		}

		switch msg.Type {
		case "ping":
			s.sendMessage(c, ServerMessage{Type: "pong"})

		case "snapshot":
			if rec := s.Latest(); rec != nil {
				s.sendMessage(c, ServerMessage{Type: "metrics", Data: rec})
			} else {
				s.sendError(c, "no sample yet")
			}

		default:
			s.sendError(c, "unknown message type: "+msg.Type)
		}
	}
}

// writePump owns all data writes to the connection.
func (s *Server) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer c.close()

	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// writeDirect writes msg on the connection itself. Only valid before writePump starts.
func (s *Server) writeDirect(c *client, msg ServerMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *Server) sendMessage(c *client, msg ServerMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if !c.enqueue(data) {
		droppedFrames.Inc()
	}
}

func (s *Server) sendError(c *client, message string) {
	s.sendMessage(c, ServerMessage{Type: "error", Message: message})
}

func (s *Server) addClient(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c] = struct{}{}
	connectedClients.Set(float64(len(s.clients)))
}

func (s *Server) removeClient(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, c)
	connectedClients.Set(float64(len(s.clients)))
}
