package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/harun/concierge/internal/observability"
	"github.com/harun/concierge/internal/tracing"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

const (
	maxBodyBytes   = 1 << 20
	traceHeader    = "X-Trace-Id"
	defaultRPM     = 120
	defaultMaxConc = 10
)

// Server is the caller-facing JSON-RPC gateway
type Server struct {
	host            string
	port            int
	shutdownTimeout time.Duration
	server          *http.Server
	listener        net.Listener
	upgrader        websocket.Upgrader
	clients         *ClientRegistry
	router          *RPCRouter
	authHandler     *AuthHandler
	broadcaster     *EventBroadcaster
	limiters        *rateLimiterSet
	backend         Backend
	logger          zerolog.Logger
	isShuttingDown  bool
	shutdownMu      sync.RWMutex
	inFlightReqs    sync.WaitGroup
}

// Config holds server configuration
type Config struct {
	Host         string
	Port         int
	SharedSecret string
	// RequestsPerMinute and MaxConcurrent bound each caller.
	RequestsPerMinute int
	MaxConcurrent     int
	ShutdownTimeout   time.Duration
	Backend           Backend
	Logger            zerolog.Logger
}

// NewServer creates a new Gateway Server
func NewServer(cfg Config) (*Server, error) {
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.SharedSecret == "" {
		return nil, fmt.Errorf("shared secret is required")
	}
	if cfg.Backend == nil {
		return nil, fmt.Errorf("backend is required")
	}
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = defaultRPM
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = defaultMaxConc
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	observability.EnsureRegistered()

	clients := NewClientRegistry()
	s := &Server{
		host:            cfg.Host,
		port:            cfg.Port,
		shutdownTimeout: cfg.ShutdownTimeout,
		clients:         clients,
		router:          NewRPCRouter(),
		authHandler:     NewAuthHandler(cfg.SharedSecret),
		broadcaster:     NewEventBroadcaster(clients, cfg.Logger),
		limiters:        newRateLimiterSet(cfg.RequestsPerMinute, cfg.MaxConcurrent),
		backend:         cfg.Backend,
		logger:          cfg.Logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// Callers are authenticated by the shared secret, not origin.
				return true
			},
		},
	}
	s.registerBuiltinMethods()
	return s, nil
}

// Handler returns the HTTP routes of the gateway.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Post("/rpc", s.handleRPC)
	r.Get("/ws", s.handleWebSocket)
	r.Handle("/metrics", observability.MetricsHandler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	return r
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.host, fmt.Sprint(s.port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Starting Gateway Server")
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop gracefully stops the Gateway Server
func (s *Server) Stop(ctx context.Context) error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down Gateway Server")

	done := make(chan struct{})
	go func() {
		s.inFlightReqs.Wait()
		close(done)
	}()

	timer := time.NewTimer(s.shutdownTimeout)
	defer timer.Stop()
	select {
	case <-done:
		s.logger.Info().Msg("All in-flight requests completed")
	case <-timer.C:
		s.logger.Warn().Msg("Shutdown timeout reached, forcing close")
	case <-ctx.Done():
		s.logger.Warn().Msg("Shutdown cancelled, forcing close")
	}

	for _, client := range s.clients.GetAll() {
		_ = client.Conn.Close()
	}

	if s.server == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}

	s.logger.Info().Msg("Gateway Server stopped")
	return nil
}

func (s *Server) shuttingDown() bool {
	s.shutdownMu.RLock()
	defer s.shutdownMu.RUnlock()
	return s.isShuttingDown
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(v)
}

func errorResponse(id string, code int, message string) RPCResponse {
	return RPCResponse{
		ID:      id,
		JSONRPC: "2.0",
		Error:   &RPCError{Code: code, Message: message},
	}
}

func limiterKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// handleRPC handles single-shot HTTP JSON-RPC requests.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown() {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}
	if !s.authHandler.CheckSecret(r.Header.Get(SecretHeader)) {
		observability.RecordSecurityEvent("gateway_auth_failed")
		_ = writeJSON(w, http.StatusUnauthorized, errorResponse("", AuthenticationRequired, "unauthorized"))
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		_ = writeJSON(w, http.StatusBadRequest, errorResponse("", ParseError, "failed to read request body"))
		return
	}

	req, err := s.router.ParseRequest(body)
	if err != nil {
		var rpcErr *RPCError
		if !errors.As(err, &rpcErr) {
			rpcErr = &RPCError{Code: ParseError, Message: err.Error()}
		}
		_ = writeJSON(w, http.StatusBadRequest, RPCResponse{JSONRPC: "2.0", Error: rpcErr})
		return
	}

	limiter := s.limiters.get(limiterKey(r))
	if allowed, reason := limiter.Acquire(); !allowed {
		code := RateLimitExceeded
		if reason == reasonConcurrent {
			code = TooManyConcurrent
		}
		_ = writeJSON(w, http.StatusTooManyRequests, errorResponse(req.ID, code, reason))
		return
	}
	defer limiter.RecordRequestEnd()

	s.inFlightReqs.Add(1)
	defer s.inFlightReqs.Done()

	ctx := r.Context()
	if traceID := r.Header.Get(traceHeader); traceID != "" {
		ctx = tracing.WithTraceID(ctx, traceID)
	}
	ctx = tracing.NewRequestContext(ctx)
	logger := tracing.LoggerFromContext(ctx, s.logger)
	logger.Info().Fields(requestLogFields(ctx, req)).Msg("Gateway received HTTP RPC request")

	resp := s.router.RouteRequest(ctx, req)
	w.Header().Set(traceHeader, tracing.GetTraceID(ctx))
	if err := writeJSON(w, http.StatusOK, resp); err != nil {
		logger.Error().Err(err).Msg("Failed to encode RPC response")
	}
}

// handleWebSocket handles WebSocket connections
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	clientID, err := gonanoid.New()
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to generate client id")
		_ = conn.Close()
		return
	}
	now := time.Now()
	client := &Client{
		ID:           clientID,
		Conn:         conn,
		ConnectedAt:  now,
		LastActivity: now,
		IPAddress:    r.RemoteAddr,
		RateLimiter:  s.limiters.newClientLimiter(),
		State:        StateConnecting,
	}
	s.clients.Add(client)

	s.logger.Info().
		Str("clientId", clientID).
		Str("ip", r.RemoteAddr).
		Msg("Client connected")

	if err := s.sendAuthChallenge(client); err != nil {
		s.logger.Error().Err(err).Str("clientId", clientID).Msg("Failed to send auth challenge")
		_ = conn.Close()
		s.clients.Remove(clientID)
		return
	}

	go s.handleClient(client)
}

// sendAuthChallenge sends an authentication challenge to a client
func (s *Server) sendAuthChallenge(client *Client) error {
	challenge, err := s.authHandler.NewChallenge(client)
	if err != nil {
		return err
	}
	return client.WriteJSON(AuthChallenge{
		Event:     "auth.challenge",
		Challenge: challenge,
	})
}

// handleClient handles messages from a client
func (s *Server) handleClient(client *Client) {
	defer func() {
		client.State = StateDisconnected
		_ = client.Conn.Close()
		s.clients.Remove(client.ID)
		s.logger.Info().Str("clientId", client.ID).Msg("Client disconnected")
	}()

	client.Conn.SetReadLimit(maxBodyBytes)
	for {
		_, message, err := client.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Error().Err(err).Str("clientId", client.ID).Msg("WebSocket error")
			}
			return
		}

		s.clients.UpdateActivity(client.ID)
		if !s.handleMessage(client, message) {
			return
		}
	}
}

// handleMessage handles a single message from a client. It returns false
// when the connection should be closed.
func (s *Server) handleMessage(client *Client, message []byte) bool {
	var authResp AuthResponse
	if err := json.Unmarshal(message, &authResp); err == nil && authResp.Method == "auth.response" {
		return s.handleAuthMessage(client, authResp)
	}

	if !client.Authenticated {
		s.sendError(client, "", AuthenticationRequired, "Authentication required")
		return true
	}

	req, err := s.router.ParseRequest(message)
	if err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) {
			s.sendError(client, "", rpcErr.Code, rpcErr.Message)
		} else {
			s.sendError(client, "", ParseError, err.Error())
		}
		return true
	}

	params, ok := scopeParams(client, req.Params)
	if !ok {
		observability.RecordSecurityEvent("gateway_tenant_mismatch")
		s.logger.Warn().
			Str("clientId", client.ID).
			Str("tenantId", client.TenantID).
			Str("method", req.Method).
			Bool("security", true).
			Msg("Request for another tenant refused")
		s.sendError(client, req.ID, TenantMismatch, "tenant_id does not match the authenticated tenant")
		return true
	}
	req.Params = params

	if allowed, reason := client.RateLimiter.Acquire(); !allowed {
		code := RateLimitExceeded
		if reason == reasonConcurrent {
			code = TooManyConcurrent
		}
		s.sendError(client, req.ID, code, reason)
		return true
	}
	s.inFlightReqs.Add(1)

	go func() {
		defer client.RateLimiter.RecordRequestEnd()
		defer s.inFlightReqs.Done()

		ctx := withClientID(tracing.NewRequestContext(context.Background()), client.ID)
		response := s.router.RouteRequest(ctx, req)
		if err := client.WriteJSON(response); err != nil {
			s.logger.Error().
				Err(err).
				Str("clientId", client.ID).
				Str("requestId", req.ID).
				Msg("Failed to send response")
		}
	}()
	return true
}

// handleAuthMessage handles authentication messages
func (s *Server) handleAuthMessage(client *Client, authResp AuthResponse) bool {
	result := s.authHandler.Verify(client, authResp)

	if err := client.WriteJSON(result); err != nil {
		s.logger.Error().Err(err).Str("clientId", client.ID).Msg("Failed to send auth result")
		return false
	}

	if result.Success {
		s.logger.Info().Str("clientId", client.ID).Str("tenantId", client.TenantID).Msg("Client authenticated")
		return true
	}

	observability.RecordSecurityEvent("gateway_auth_failed")
	s.logger.Warn().
		Str("clientId", client.ID).
		Str("reason", result.Message).
		Msg("Authentication failed")
	return client.AuthAttempts < maxAuthAttempts
}

// sendError sends an error response to a client
func (s *Server) sendError(client *Client, requestID string, code int, message string) {
	if err := client.WriteJSON(errorResponse(requestID, code, message)); err != nil {
		s.logger.Error().
			Err(err).
			Str("clientId", client.ID).
			Msg("Failed to send error response")
	}
}

// RegisterMethod registers an extra RPC method handler
func (s *Server) RegisterMethod(name string, handler RequestHandler) error {
	return s.router.RegisterMethod(name, handler)
}

// GetConnectedClients returns information about all connected clients
func (s *Server) GetConnectedClients() []ClientInfo {
	return s.clients.GetConnectedClients()
}
