// Package comms is the agent-facing side of maestro: a loopback HTTP MCP
// service the codex children call back into for team communication. Every
// session is bound to one agent identity carried in the handshake URL and
// verified against the token minted for that agent.
package comms

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"maestro/internal/bus"
	"maestro/internal/errs"
	"maestro/internal/jsonrpc"
	"maestro/internal/logging"
	"maestro/internal/metrics"
	"maestro/internal/state"
)

const sessionHeader = "Mcp-Session-Id"

// TokenChecker validates agent identity tokens. The codex adapter mints
// them and implements this.
type TokenChecker interface {
	CheckToken(agentID, token string) error
}

// Server is the loopback MCP HTTP service.
type Server struct {
	store   *state.Store
	bus     *bus.Bus
	tokens  TokenChecker
	metrics *metrics.Metrics
	logger  logging.Logger
	host    string

	mu       sync.Mutex
	sessions map[string]string // session id -> bound agent id
	closed   bool

	httpServer *http.Server
	listener   net.Listener
}

// NewServer builds the comms service. host is the loopback bind address;
// the port is always ephemeral.
func NewServer(store *state.Store, b *bus.Bus, tokens TokenChecker, m *metrics.Metrics, host string, logger logging.Logger) *Server {
	if host == "" {
		host = "127.0.0.1"
	}
	return &Server{
		store:    store,
		bus:      b,
		tokens:   tokens,
		metrics:  m,
		logger:   logging.OrNop(logger),
		host:     host,
		sessions: make(map[string]string),
	}
}

// Start binds the listener and serves in the background. The returned URL
// is what agents get embedded into their mcp_servers config.
func (s *Server) Start() (string, error) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"http://127.0.0.1", "http://localhost"},
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{"Content-Type", sessionHeader},
		MaxAge:       12 * time.Hour,
	}))

	router.POST("/mcp", s.handleMCP)
	router.GET("/healthz", s.handleHealth)
	if s.metrics != nil {
		router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	listener, err := net.Listen("tcp", net.JoinHostPort(s.host, "0"))
	if err != nil {
		return "", errs.Wrap(errs.Transport, err, "bind comms listener")
	}
	s.listener = listener
	s.httpServer = &http.Server{Handler: router}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("comms server: %v", err)
		}
	}()

	url := fmt.Sprintf("http://%s", listener.Addr().String())
	s.logger.Info("comms service listening on %s", url)
	return url, nil
}

// Stop refuses new sessions and drains in-flight requests.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	server := s.httpServer
	s.mu.Unlock()
	if server == nil {
		return nil
	}
	return server.Shutdown(ctx)
}

// URL returns the bound address, or empty before Start.
func (s *Server) URL() string {
	if s.listener == nil {
		return ""
	}
	return fmt.Sprintf("http://%s", s.listener.Addr().String())
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "teams": len(s.store.Teams())})
}

// identity is the authenticated caller of one request.
type identity struct {
	teamID string
	agent  state.Agent
}

// authenticate resolves and verifies the caller. The agent id and token
// come from the handshake URL; a session header pins the identity so later
// requests cannot swap agents.
func (s *Server) authenticate(c *gin.Context) (*identity, error) {
	agentID := c.Query("agent")
	token := c.Query("token")
	if agentID == "" || token == "" {
		return nil, errs.New(errs.Unauthenticated, "agent id and token are required in the connection URL")
	}
	if err := s.tokens.CheckToken(agentID, token); err != nil {
		return nil, err
	}

	if sessionID := c.GetHeader(sessionHeader); sessionID != "" {
		s.mu.Lock()
		bound, ok := s.sessions[sessionID]
		s.mu.Unlock()
		if ok && bound != agentID {
			return nil, errs.New(errs.Forbidden, "session is bound to a different agent")
		}
	}

	teamID, agent, err := s.store.FindAgent(agentID)
	if err != nil {
		return nil, err
	}
	return &identity{teamID: teamID, agent: agent}, nil
}

func (s *Server) handleMCP(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, jsonrpc.NewErrorResponse(nil, jsonrpc.CodeParseError, "unreadable body", nil))
		return
	}
	req, rerr := jsonrpc.UnmarshalRequest(body)
	if rerr != nil {
		c.JSON(http.StatusOK, jsonrpc.NewErrorResponse(nil, jsonrpc.CodeInvalidRequest, rerr.Error(), nil))
		return
	}

	switch req.Method {
	case "initialize":
		s.handleInitialize(c, req)
	case "notifications/initialized":
		c.Status(http.StatusAccepted)
	case "tools/list":
		s.respond(c, req, map[string]any{"tools": s.toolSchemas(c)})
	case "tools/call":
		s.handleToolCall(c, req)
	case "ping":
		s.respond(c, req, map[string]any{})
	default:
		if req.IsNotification() {
			c.Status(http.StatusAccepted)
			return
		}
		c.JSON(http.StatusOK, jsonrpc.NewErrorResponse(req.ID, jsonrpc.CodeMethodNotFound,
			fmt.Sprintf("method %q not found", req.Method), nil))
	}
}

func (s *Server) handleInitialize(c *gin.Context, req *jsonrpc.Request) {
	id, err := s.authenticate(c)
	if err != nil {
		s.respondErr(c, req, err)
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.respondErr(c, req, errs.New(errs.Busy, "comms service is shutting down"))
		return
	}
	sessionID := uuid.NewString()
	s.sessions[sessionID] = id.agent.ID
	s.mu.Unlock()

	c.Header(sessionHeader, sessionID)
	s.respond(c, req, map[string]any{
		"protocolVersion": "2024-11-05",
		"serverInfo":      map[string]any{"name": "maestro-comms", "version": "0.1.0"},
		"capabilities":    map[string]any{"tools": map[string]any{}},
	})
	s.logger.Debug("session %s bound to %s", sessionID, id.agent.ID)
}

func (s *Server) handleToolCall(c *gin.Context, req *jsonrpc.Request) {
	var params struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	if err := req.ParamsInto(&params); err != nil {
		s.respondErr(c, req, errs.Wrap(errs.ParseError, err, "bad tools/call params"))
		return
	}

	id, err := s.authenticate(c)
	if err != nil {
		s.count(params.Name, "unauthenticated")
		s.respondErr(c, req, err)
		return
	}

	result, err := s.dispatch(c.Request.Context(), id, params.Name, params.Arguments)
	if err != nil {
		s.count(params.Name, string(errs.KindOf(err)))
		// Tool-level errors ride inside the result envelope.
		s.respond(c, req, map[string]any{
			"content": []map[string]any{{"type": "text", "text": errs.Message(err)}},
			"isError": true,
		})
		return
	}
	s.count(params.Name, "ok")
	s.respond(c, req, map[string]any{
		"content":           []map[string]any{{"type": "text", "text": result.text}},
		"structuredContent": result.structured,
	})
}

func (s *Server) respond(c *gin.Context, req *jsonrpc.Request, result any) {
	c.JSON(http.StatusOK, jsonrpc.NewResponse(req.ID, result))
}

func (s *Server) respondErr(c *gin.Context, req *jsonrpc.Request, err error) {
	code := jsonrpc.CodeServerError
	if errs.KindOf(err) == errs.InvalidArgument {
		code = jsonrpc.CodeInvalidParams
	}
	resp := jsonrpc.NewErrorResponse(req.ID, code, errs.Message(err), map[string]any{
		"kind": string(errs.KindOf(err)),
	})
	c.JSON(http.StatusOK, resp)
}

func (s *Server) count(tool, outcome string) {
	if s.metrics != nil {
		s.metrics.CommsRequests.WithLabelValues(tool, outcome).Inc()
	}
}
