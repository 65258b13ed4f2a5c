// Package server exposes the agent to local clients: a WebSocket carrying
// mode commands and the machine's event stream, a small REST API and an
// mDNS advertisement.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/grandcat/zeroconf"
	"github.com/rs/zerolog"

	"github.com/dotside-studios/ntag-url-agent/buildinfo"
	"github.com/dotside-studios/ntag-url-agent/internal/syncutil"
	"github.com/dotside-studios/ntag-url-agent/nfc"
)

// Config holds the server configuration.
type Config struct {
	Port       int
	APISecret  string // optional, required as ?secret= or X-API-Secret
	Controller Controller
	Settings   SettingsStore
	Logger     zerolog.Logger
	EnableMDNS bool

	// CertFile and KeyFile switch the listener to TLS.
	CertFile string
	KeyFile  string
}

// Server manages the HTTP and WebSocket endpoints.
type Server struct {
	config     Config
	logger     zerolog.Logger
	router     *mux.Router
	httpServer *http.Server
	upgrader   websocket.Upgrader
	registry   *HandlerRegistry
	sessions   *SessionManager
	ipLimiter  *multiLimiter
	startedAt  time.Time

	clients   map[string]*Client
	clientsMu syncutil.RWMutex

	mdnsServer *zeroconf.Server
}

// New creates a server and registers the mode handlers.
func New(config Config) *Server {
	logger := config.Logger.With().Str("component", "server").Logger()
	s := &Server{
		config: config,
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		registry:  NewHandlerRegistry(),
		sessions:  NewSessionManager(config.APISecret, logger),
		ipLimiter: newMultiLimiter(IPRateLimit, IPBurst, IPLimiterTTL),
		clients:   make(map[string]*Client),
		startedAt: time.Now(),
	}

	if config.Controller != nil {
		NewModeHandler(config.Controller, logger).Register(s)
	}
	s.router = s.routes()
	return s
}

// Handle implements HandlerServer.
func (s *Server) Handle(messageType string, handler HandlerFunc) error {
	return s.registry.Handle(messageType, handler)
}

// StartLifecycle implements HandlerServer.
func (s *Server) StartLifecycle(start func(ctx context.Context)) {
	s.registry.RegisterLifecycle(start)
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(enableCORS)
	r.Use(s.rateLimit)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/health", s.handleHealthCheck).Methods(http.MethodGet, http.MethodOptions)

	private := api.NewRoute().Subrouter()
	private.Use(s.requireSecret)
	private.HandleFunc("/state", s.handleState).Methods(http.MethodGet, http.MethodOptions)
	private.HandleFunc("/settings", s.handleGetSettings).Methods(http.MethodGet, http.MethodOptions)
	private.HandleFunc("/settings", s.handlePutSettings).Methods(http.MethodPut)
	private.HandleFunc("/rewrite/test", s.handleRewriteTest).Methods(http.MethodPost, http.MethodOptions)

	r.HandleFunc("/ws", s.handleWebSocket)
	r.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(buildinfo.DisplayName + " running"))
	}).Methods(http.MethodGet)
	return r
}

// Start listens until ctx is cancelled or Stop is called.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.config.Port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", s.config.Port, err)
	}
	return s.Serve(ctx, ln)
}

// Serve runs on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.config.CertFile != "" && s.config.KeyFile != "" {
			s.logger.Info().Str("addr", ln.Addr().String()).Msg("serving wss/https")
			err = s.httpServer.ServeTLS(ln, s.config.CertFile, s.config.KeyFile)
		} else {
			s.logger.Info().Str("addr", ln.Addr().String()).Msg("serving ws/http")
			err = s.httpServer.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	if s.config.EnableMDNS {
		if err := s.startMDNS(); err != nil {
			s.logger.Warn().Err(err).Msg("mDNS unavailable, auto-discovery disabled")
		}
	}

	s.registry.StartLifecycleHandlers(ctx)

	select {
	case <-ctx.Done():
		s.Stop()
		<-errCh
		return nil
	case err, ok := <-errCh:
		s.Stop()
		if ok {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	}
}

// Stop shuts the listener, mDNS and every client down.
func (s *Server) Stop() {
	if s.mdnsServer != nil {
		s.mdnsServer.Shutdown()
		s.mdnsServer = nil
		s.logger.Info().Msg("mDNS service stopped")
	}

	s.clientsMu.Lock()
	for id, c := range s.clients {
		c.Close()
		delete(s.clients, id)
	}
	s.clientsMu.Unlock()

	if s.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn().Err(err).Msg("server shutdown error")
		}
	}
}

func (s *Server) startMDNS() error {
	txt := []string{
		"version=" + buildinfo.Version,
		"protocol=websocket",
		"path=/ws",
	}
	if s.config.CertFile != "" {
		txt = append(txt, "tls=1")
	}

	server, err := zeroconf.Register(MDNSServiceName, MDNSServiceType, MDNSDomain, s.config.Port, txt, nil)
	if err != nil {
		return fmt.Errorf("failed to register mDNS service: %w", err)
	}
	s.mdnsServer = server
	s.logger.Info().Str("service", MDNSServiceType).Int("port", s.config.Port).Msg("mDNS service registered")
	return nil
}

// BroadcastEvent implements HandlerServer.
func (s *Server) BroadcastEvent(ev nfc.Event) {
	msg := WebsocketMessage{ID: ev.ID, Type: WSMessageTypeEvent, Payload: ev}

	s.clientsMu.RLock()
	clients := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.clientsMu.RUnlock()

	for _, c := range clients {
		if err := c.Send(msg); err != nil {
			s.logger.Debug().Err(err).Str("client", c.ID).Msg("event not delivered")
		}
	}
}

// ClientCount returns the number of connected WebSocket clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// handleWebSocket claims the session, upgrades, and runs the client until
// it disconnects.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	secret := r.URL.Query().Get("secret")
	if !s.sessions.CheckSecret(secret) {
		s.logger.Warn().Str("ip", clientIP(r)).Msg("websocket rejected: invalid API secret")
		http.Error(w, "Unauthorized: Invalid API secret", http.StatusUnauthorized)
		return
	}
	if holder := s.sessions.Holder(); holder != "" {
		s.logger.Warn().Str("ip", clientIP(r)).Msg("websocket rejected: session already claimed")
		http.Error(w, "Session already claimed by another client", http.StatusConflict)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := newClient(conn, clientIP(r), s.logger)
	if err := s.sessions.Acquire(secret, client.ID, client.RemoteAddr); err != nil {
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error()))
		conn.Close()
		return
	}

	s.clientsMu.Lock()
	s.clients[client.ID] = client
	s.clientsMu.Unlock()
	client.logger.Info().Str("ip", client.RemoteAddr).Msg("websocket connected")

	defer func() {
		s.clientsMu.Lock()
		delete(s.clients, client.ID)
		s.clientsMu.Unlock()
		s.sessions.Release(client.ID)
		client.Close()
		client.logger.Info().Msg("websocket disconnected")
	}()

	go client.writePump()

	hello := map[string]any{
		"clientId": client.ID,
		"version":  buildinfo.FullVersion(),
		"types":    s.registry.MessageTypes(),
	}
	if s.config.Controller != nil {
		hello["state"] = s.config.Controller.State()
	}
	client.Send(WebsocketMessage{Type: WSMessageTypeHello, Payload: hello})

	client.readLoop(func(data []byte) {
		s.dispatch(r.Context(), client, data)
	})
}

func (s *Server) dispatch(ctx context.Context, client *Client, data []byte) {
	var req WebsocketRequest
	if err := json.Unmarshal(data, &req); err != nil {
		client.logger.Debug().Err(err).Msg("unparseable message")
		client.SendError("", ErrCodeParse, "Invalid message format")
		return
	}

	if !client.limiter.Allow() {
		client.SendError(req.ID, ErrCodeRateLimited, "Too many requests")
		return
	}

	handler, ok := s.registry.Get(req.Type)
	if !ok {
		client.SendError(req.ID, ErrCodeUnknownType, fmt.Sprintf("Unknown message type: %s", req.Type))
		return
	}

	if err := handler(ctx, client, req); err != nil {
		client.logger.Warn().Err(err).Str("type", req.Type).Msg("handler error")
	}
}
