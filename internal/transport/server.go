// Package transport owns the WebSocket surface: the HTTP upgrade endpoint,
// per-connection read/write pumps, the wire envelope, and the health and
// metrics endpoints. It feeds decoded events to the session core and delivers
// the core's outbound events, best-effort, to live sockets.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/cloakroom-chat/cloakroom/internal/auth"
	"github.com/cloakroom-chat/cloakroom/internal/metrics"
	"github.com/cloakroom-chat/cloakroom/internal/session"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 5 * time.Second

	// Time allowed to read the next frame from the peer. The pumps ping at
	// pingPeriod so a healthy client always produces traffic in time.
	pongWait = 30 * time.Second

	// Send pings with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

// envelope is the wire format in both directions.
type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Core is the session state machine the transport feeds.
type Core interface {
	Connect(connID string, identity session.Identity)
	Dispatch(connID, event string, data json.RawMessage)
	Disconnect(connID, reason string)
	Stats() map[string]any
}

// TokenVerifier validates the optional access token presented on the
// WebSocket handshake.
type TokenVerifier interface {
	VerifyAccess(token string) (auth.Claims, error)
}

// Config holds transport settings.
type Config struct {
	Addr           string
	MaxConnections int

	// Raw inbound frame throttle, ahead of the session event limiter.
	FloodRate  float64
	FloodBurst int

	ShutdownGrace time.Duration
}

// Server accepts WebSocket connections and bridges them to the session core.
// It is the session.Sender: outbound delivery is a non-blocking enqueue onto
// the client's send channel.
type Server struct {
	config   Config
	logger   zerolog.Logger
	core     Core
	verifier TokenVerifier

	listener net.Listener
	httpSrv  *http.Server

	mu      sync.RWMutex
	clients map[string]*client

	connectionsSem chan struct{}
	shuttingDown   int32
	startedAt      time.Time
	wg             sync.WaitGroup
}

// NewServer creates the transport. The caller must Bind it to the session
// coordinator as its Sender before Start.
func NewServer(config Config, core Core, verifier TokenVerifier, logger zerolog.Logger) *Server {
	return &Server{
		config:         config,
		logger:         logger.With().Str("component", "transport").Logger(),
		core:           core,
		verifier:       verifier,
		clients:        make(map[string]*client),
		connectionsSem: make(chan struct{}, config.MaxConnections),
		startedAt:      time.Now(),
	}
}

// Start begins listening and serving. Non-blocking; errors from the accept
// loop are logged.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return err
	}
	s.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())

	s.httpSrv = &http.Server{
		Handler:        mux,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	s.logger.Info().
		Str("addr", s.config.Addr).
		Int("max_connections", s.config.MaxConnections).
		Msg("Server listening")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Server accept loop error")
		}
	}()
	return nil
}

// Send implements session.Sender. It marshals the event envelope and
// enqueues it without blocking. Returns false when the connection is gone or
// its send buffer is full.
func (s *Server) Send(connID, event string, payload any) bool {
	s.mu.RLock()
	c, ok := s.clients[connID]
	s.mu.RUnlock()
	if !ok {
		return false
	}

	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error().Str("event", event).Err(err).Msg("Failed to marshal outbound payload")
		return false
	}
	frame, err := json.Marshal(envelope{Type: event, Data: data})
	if err != nil {
		return false
	}

	select {
	case c.send <- frame:
		return true
	default:
		s.logger.Debug().
			Str("conn_id", connID).
			Str("event", event).
			Msg("Send buffer full, dropping frame")
		return false
	}
}

// Alive implements session.Sender.
func (s *Server) Alive(connID string) bool {
	s.mu.RLock()
	_, ok := s.clients[connID]
	s.mu.RUnlock()
	return ok
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if atomic.LoadInt32(&s.shuttingDown) == 1 {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	// Authentication is optional: anonymous clients participate with a
	// registered username only, authenticated clients additionally bind
	// their stable user id.
	var identity session.Identity
	if token := r.URL.Query().Get("token"); token != "" {
		claims, err := s.verifier.VerifyAccess(token)
		if err != nil {
			metrics.ConnectionFailed()
			s.logger.Debug().Err(err).Str("remote_addr", r.RemoteAddr).Msg("Rejected invalid access token")
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}
		identity = session.Identity{UserID: claims.UserID}
	}

	select {
	case s.connectionsSem <- struct{}{}:
	case <-time.After(5 * time.Second):
		metrics.ConnectionFailed()
		s.logger.Warn().
			Int("max_connections", s.config.MaxConnections).
			Msg("Connection rejected, server at capacity")
		http.Error(w, "Server at capacity", http.StatusServiceUnavailable)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		<-s.connectionsSem
		metrics.ConnectionFailed()
		s.logger.Error().Err(err).Str("remote_addr", r.RemoteAddr).Msg("Failed to upgrade connection")
		return
	}

	c := newClient(uuid.NewString(), conn, s.config.FloodRate, s.config.FloodBurst)

	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()

	s.core.Connect(c.id, identity)
	metrics.ConnectionOpened()
	s.logger.Info().
		Str("conn_id", c.id).
		Str("remote_addr", r.RemoteAddr).
		Bool("authenticated", identity.Authenticated()).
		Msg("Client connected")

	s.wg.Add(2)
	go s.writePump(c)
	go s.readPump(c)
}

// disconnectClient tears down the socket and both layers of connection state.
// Safe to call from either pump; only the first caller past the map delete
// runs the teardown.
func (s *Server) disconnectClient(c *client, reason string) {
	s.mu.Lock()
	_, present := s.clients[c.id]
	delete(s.clients, c.id)
	s.mu.Unlock()

	c.close()
	if !present {
		return
	}

	<-s.connectionsSem
	metrics.ConnectionClosed(reason)
	s.core.Disconnect(c.id, reason)

	s.logger.Info().
		Str("conn_id", c.id).
		Str("reason", reason).
		Dur("connection_duration", time.Since(c.connectedAt)).
		Msg("Client disconnected")
}

func (s *Server) readPump(c *client) {
	reason := "read_error"
	defer func() {
		s.disconnectClient(c, reason)
		s.wg.Done()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))

	for {
		msg, op, err := wsutil.ReadClientData(c.conn)
		if err != nil {
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		switch op {
		case ws.OpText:
			if !c.flood.Allow() {
				s.logger.Warn().
					Str("conn_id", c.id).
					Float64("flood_rate", s.config.FloodRate).
					Int("flood_burst", s.config.FloodBurst).
					Msg("Client flooding, dropping frame")
				continue
			}

			var env envelope
			if err := json.Unmarshal(msg, &env); err != nil || env.Type == "" {
				s.logger.Warn().Str("conn_id", c.id).Msg("Client sent invalid frame")
				continue
			}
			if env.Type == "disconnect" {
				reason = "client_disconnect"
				return
			}
			s.core.Dispatch(c.id, env.Type, env.Data)

		case ws.OpClose:
			reason = "client_close"
			return
		}
	}
}

func (s *Server) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
		s.wg.Done()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			if !ok {
				wsutil.WriteServerMessage(c.conn, ws.OpClose, []byte{})
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(c.conn, ws.OpText, frame); err != nil {
				s.logger.Debug().
					Str("conn_id", c.id).
					Err(err).
					Int("frame_size", len(frame)).
					Msg("Failed to write frame")
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(c.conn, ws.OpPing, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	var memoryMB float64
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if memInfo, err := proc.MemoryInfo(); err == nil {
			memoryMB = float64(memInfo.RSS) / 1024 / 1024
		}
	}

	s.mu.RLock()
	liveConns := len(s.clients)
	s.mu.RUnlock()

	status := "healthy"
	statusCode := http.StatusOK
	if atomic.LoadInt32(&s.shuttingDown) == 1 {
		status = "shutting_down"
		statusCode = http.StatusServiceUnavailable
	}

	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]any{
		"status":         status,
		"uptime_seconds": time.Since(s.startedAt).Seconds(),
		"memory_mb":      memoryMB,
		"connections": map[string]any{
			"current": liveConns,
			"max":     s.config.MaxConnections,
		},
		"session": s.core.Stats(),
	})
}

// Shutdown stops accepting connections, drains active clients for the grace
// period, then force-closes the rest. Blocks until all pumps exit.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Initiating graceful shutdown")
	atomic.StoreInt32(&s.shuttingDown, 1)

	if s.httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		s.httpSrv.Shutdown(shutdownCtx)
	}

	grace := s.config.ShutdownGrace
	if grace <= 0 {
		grace = 30 * time.Second
	}
	drainTimer := time.NewTimer(grace)
	checkTicker := time.NewTicker(time.Second)
	defer drainTimer.Stop()
	defer checkTicker.Stop()

drain:
	for {
		s.mu.RLock()
		remaining := len(s.clients)
		s.mu.RUnlock()
		if remaining == 0 {
			s.logger.Info().Msg("All connections drained gracefully")
			break drain
		}

		select {
		case <-drainTimer.C:
			s.logger.Warn().
				Int("remaining_connections", remaining).
				Msg("Grace period expired, force closing remaining connections")
			break drain
		case <-checkTicker.C:
			s.logger.Info().
				Int("remaining_connections", remaining).
				Msg("Waiting for connections to drain")
		case <-ctx.Done():
			break drain
		}
	}

	s.mu.Lock()
	stale := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		stale = append(stale, c)
	}
	s.mu.Unlock()
	for _, c := range stale {
		s.disconnectClient(c, "server_shutdown")
	}

	s.wg.Wait()
	s.logger.Info().Msg("Graceful shutdown completed")
	return nil
}
