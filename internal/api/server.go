package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"

	"github.com/zde37/kvring/internal/dht"
	"github.com/zde37/kvring/internal/message"
	"github.com/zde37/kvring/internal/ring"
	"github.com/zde37/kvring/internal/store"
	"github.com/zde37/kvring/pkg"
)

// Server represents the HTTP API server of a node.
type Server struct {
	node       *dht.Node
	httpServer *http.Server
	listener   net.Listener
	wsHub      *WebSocketHub
	logger     *pkg.Logger
	marshaler  runtime.Marshaler
	config     *Config
}

// Config holds the HTTP server configuration.
type Config struct {
	HTTPPort       int
	MaxValueSize   int
	RequestTimeout time.Duration
}

// NewServer creates the HTTP API for node and registers its WebSocket hub as
// the node's ring update broadcaster.
func NewServer(cfg *Config, node *dht.Node, logger *pkg.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if node == nil {
		return nil, fmt.Errorf("node cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	wsHub := NewWebSocketHub(logger)
	node.SetBroadcaster(wsHub)

	return &Server{
		node:      node,
		wsHub:     wsHub,
		logger:    logger.WithFields(pkg.Fields{"component": "http_api"}),
		marshaler: &runtime.JSONBuiltin{},
		config:    cfg,
	}, nil
}

// Handler builds the HTTP routes.
func (s *Server) Handler() (http.Handler, error) {
	mux := runtime.NewServeMux()

	routes := []struct {
		method  string
		pattern string
		handler runtime.HandlerFunc
	}{
		{http.MethodGet, "/api/v1/keys/{key}", s.getKey},
		{http.MethodPut, "/api/v1/keys/{key}", s.putKey},
		{http.MethodDelete, "/api/v1/keys/{key}", s.removeKey},
		{http.MethodGet, "/api/v1/ring", s.ringView},
		{http.MethodPost, "/api/v1/ring/create", s.createRing},
		{http.MethodPost, "/api/v1/ring/join", s.joinRing},
		{http.MethodPost, "/api/v1/ring/leave", s.leaveRing},
	}
	for _, r := range routes {
		if err := mux.HandlePath(r.method, r.pattern, r.handler); err != nil {
			return nil, fmt.Errorf("failed to register %s %s: %w", r.method, r.pattern, err)
		}
	}

	httpMux := http.NewServeMux()
	httpMux.Handle("/api/", corsMiddleware(mux))
	httpMux.HandleFunc("/api/ws", s.wsHub.HandleWebSocket)
	httpMux.HandleFunc("/health", s.healthHandler)
	return httpMux, nil
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	handler, err := s.Handler()
	if err != nil {
		return err
	}

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", s.config.HTTPPort))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = listener

	s.wsHub.Start()

	s.httpServer = &http.Server{
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info().
		Str("address", listener.Addr().String()).
		Msg("Starting HTTP API server")

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("HTTP server error")
		}
	}()

	return nil
}

// Stop gracefully stops the HTTP server.
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping HTTP API server")

	s.node.SetBroadcaster(nil)
	s.wsHub.Stop()

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown HTTP server: %w", err)
		}
	}

	s.logger.Info().Msg("HTTP API server stopped")
	return nil
}

// KeyResponse is the JSON body of key operations.
type KeyResponse struct {
	Key       string `json:"key"`
	RequestID string `json:"request_id"`
	Result    string `json:"result"`
	Value     string `json:"value,omitempty"`
}

// NodeView is the JSON form of a ring member.
type NodeView struct {
	ID       string `json:"id"`
	Address  string `json:"address"`
	JoinPort int    `json:"join_port"`
}

// RingResponse is the JSON body of GET /api/v1/ring.
type RingResponse struct {
	Self    NodeView    `json:"self"`
	State   string      `json:"state"`
	Members []NodeView  `json:"members"`
	Stats   store.Stats `json:"stats"`
}

func nodeView(n *ring.Node) NodeView {
	return NodeView{ID: n.IDText(), Address: n.Address(), JoinPort: n.JoinPort}
}

// keyFromRequest resolves the {key} path parameter. Names are hashed into
// keys unless ?format=hex passes a raw key.
func keyFromRequest(r *http.Request, pathParams map[string]string) (store.Key, error) {
	name := pathParams["key"]
	if name == "" {
		return store.Key{}, fmt.Errorf("key cannot be empty")
	}
	if r.URL.Query().Get("format") == "hex" {
		return store.ParseKey(name)
	}
	return store.KeyFromString(name), nil
}

func (s *Server) getKey(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	s.keyed(w, r, pathParams, message.CmdGet, nil)
}

func (s *Server) putKey(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	// one byte past the limit lets the store report InvalidValue
	value, err := io.ReadAll(io.LimitReader(r.Body, int64(s.config.MaxValueSize)+1))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("failed to read value: %w", err))
		return
	}
	s.keyed(w, r, pathParams, message.CmdPut, value)
}

func (s *Server) removeKey(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	s.keyed(w, r, pathParams, message.CmdRemove, nil)
}

func (s *Server) keyed(w http.ResponseWriter, r *http.Request, pathParams map[string]string, cmd message.Command, value []byte) {
	key, err := keyFromRequest(r, pathParams)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.config.RequestTimeout)
	defer cancel()

	msg := message.New(cmd, key, value)
	resp, err := s.node.Handle(ctx, msg)
	if err != nil {
		s.logger.Warn().Err(err).Str("request_id", msg.ID).Msg("Request dropped")
		s.writeError(w, http.StatusServiceUnavailable, err)
		return
	}

	s.writeJSON(w, statusFor(resp.Code), KeyResponse{
		Key:       key.String(),
		RequestID: resp.ID,
		Result:    resp.Code.String(),
		Value:     string(resp.Value),
	})
}

func (s *Server) ringView(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	view := s.node.View()

	members := make([]NodeView, 0, len(view.Members))
	for _, m := range view.Members {
		members = append(members, nodeView(m))
	}

	s.writeJSON(w, http.StatusOK, RingResponse{
		Self:    nodeView(view.Self),
		State:   view.State,
		Members: members,
		Stats:   view.Stats,
	})
}

func (s *Server) createRing(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	if err := s.node.Create(); err != nil {
		s.writeError(w, membershipStatus(err), err)
		return
	}
	s.ringView(w, r, nil)
}

func (s *Server) joinRing(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	if err := s.node.StartJoin(); err != nil {
		s.writeError(w, membershipStatus(err), err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "joining"})
}

func (s *Server) leaveRing(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	ctx, cancel := context.WithTimeout(r.Context(), s.config.RequestTimeout)
	defer cancel()

	if err := s.node.Leave(ctx); err != nil {
		s.writeError(w, membershipStatus(err), err)
		return
	}
	s.ringView(w, r, nil)
}

// healthHandler reports liveness and ring membership.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"state":  s.node.State().String(),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	data, err := s.marshaler.Marshal(v)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", s.marshaler.ContentType(v))
	w.WriteHeader(code)
	if _, err := w.Write(data); err != nil {
		s.logger.Debug().Err(err).Msg("Failed to write response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, err error) {
	s.writeJSON(w, code, map[string]string{"error": err.Error()})
}

// statusFor maps a result code to an HTTP status.
func statusFor(code store.ResultCode) int {
	switch code {
	case store.Success:
		return http.StatusOK
	case store.KeyNotFound:
		return http.StatusNotFound
	case store.OutOfSpace:
		return http.StatusInsufficientStorage
	case store.InvalidValue, store.UnrecognizedCommand:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func membershipStatus(err error) int {
	switch {
	case errors.Is(err, dht.ErrAlreadyMember), errors.Is(err, pkg.ErrNotMember):
		return http.StatusConflict
	case errors.Is(err, dht.ErrNoCandidates):
		return http.StatusPreconditionFailed
	default:
		return http.StatusInternalServerError
	}
}

// corsMiddleware adds CORS headers to responses.
func corsMiddleware(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		h.ServeHTTP(w, r)
	})
}
