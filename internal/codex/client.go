package codex

import (
	"bufio"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"maestro/internal/async"
	"maestro/internal/errs"
	"maestro/internal/jsonrpc"
	"maestro/internal/logging"
)

const mcpProtocolVersion = "2024-11-05"

// ToolCallResult is the downstream's tools/call result envelope.
type ToolCallResult struct {
	Content           []ContentBlock  `json:"content"`
	IsError           bool            `json:"isError,omitempty"`
	StructuredContent json.RawMessage `json:"structuredContent,omitempty"`
}

// ContentBlock is one piece of tool result content.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Text joins the textual content blocks with newlines.
func (r *ToolCallResult) Text() string {
	var parts []string
	for _, block := range r.Content {
		if block.Type == "text" {
			parts = append(parts, block.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// session is the downstream connection the adapter multiplexes. Tests
// substitute a fake; production uses the stdio client below.
type session interface {
	Alive() bool
	Connect(ctx context.Context) error
	CallTool(ctx context.Context, name string, args map[string]any) (*ToolCallResult, error)
	Close() error
}

// client is the MCP client speaking newline-delimited JSON-RPC to the
// codex child over stdio.
type client struct {
	process *processManager
	idGen   *jsonrpc.IDGenerator

	mu          sync.Mutex
	pending     map[int64]chan *jsonrpc.Response
	initialized bool

	logger logging.Logger
}

func newClient(command string, args []string, logger logging.Logger) *client {
	logger = logging.OrNop(logger)
	return &client{
		process: newProcessManager(command, args, logger),
		idGen:   &jsonrpc.IDGenerator{},
		pending: make(map[int64]chan *jsonrpc.Response),
		logger:  logger,
	}
}

func (c *client) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initialized && c.process.isRunning()
}

// Connect spawns the child and runs the initialize handshake.
func (c *client) Connect(ctx context.Context) error {
	if err := c.process.start(ctx); err != nil {
		return err
	}
	async.Go(c.logger, "codex.client.readLoop", c.readLoop)

	if err := c.initialize(ctx); err != nil {
		_ = c.process.stop(5 * time.Second)
		return err
	}
	return nil
}

func (c *client) Close() error {
	c.mu.Lock()
	c.initialized = false
	c.mu.Unlock()
	return c.process.stop(5 * time.Second)
}

func (c *client) initialize(ctx context.Context) error {
	result, err := c.call(ctx, "initialize", map[string]any{
		"protocolVersion": mcpProtocolVersion,
		"clientInfo": map[string]any{
			"name":    "maestro",
			"version": "0.1.0",
		},
		"capabilities": map[string]any{},
	})
	if err != nil {
		return errs.Wrap(errs.Transport, err, "initialize handshake")
	}

	var init struct {
		ProtocolVersion string `json:"protocolVersion"`
		ServerInfo      struct {
			Name    string `json:"name"`
			Version string `json:"version"`
		} `json:"serverInfo"`
	}
	if err := json.Unmarshal(result, &init); err != nil {
		return errs.Wrap(errs.ParseError, err, "parse initialize result")
	}
	if init.ProtocolVersion != mcpProtocolVersion {
		c.logger.Warn("protocol version mismatch: client=%s server=%s", mcpProtocolVersion, init.ProtocolVersion)
	}

	if err := c.notify("notifications/initialized", nil); err != nil {
		c.logger.Warn("initialized notification failed: %v", err)
	}

	c.mu.Lock()
	c.initialized = true
	c.mu.Unlock()
	c.logger.Info("connected to %s v%s", init.ServerInfo.Name, init.ServerInfo.Version)
	return nil
}

// CallTool issues tools/call and waits for the matching response.
func (c *client) CallTool(ctx context.Context, name string, args map[string]any) (*ToolCallResult, error) {
	c.mu.Lock()
	ready := c.initialized
	c.mu.Unlock()
	if !ready {
		return nil, errs.New(errs.Transport, "codex session not connected")
	}

	result, err := c.call(ctx, "tools/call", map[string]any{
		"name":      name,
		"arguments": args,
	})
	if err != nil {
		return nil, err
	}

	var toolResult ToolCallResult
	if err := json.Unmarshal(result, &toolResult); err != nil {
		return nil, errs.Wrap(errs.ParseError, err, "parse tool result")
	}
	return &toolResult, nil
}

// call sends one request and blocks until its response, ctx expiry or
// connection loss.
func (c *client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := c.idGen.Next()
	req, err := jsonrpc.NewRequest(id, method, params)
	if err != nil {
		return nil, errs.Wrap(errs.ParseError, err, "marshal request")
	}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, errs.Wrap(errs.ParseError, err, "marshal request")
	}
	data = append(data, '\n')

	respChan := make(chan *jsonrpc.Response, 1)
	c.mu.Lock()
	c.pending[id] = respChan
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	c.logger.Debug("-> %s id=%d", method, id)
	if err := c.process.write(data); err != nil {
		return nil, err
	}

	select {
	case resp := <-respChan:
		if resp == nil {
			return nil, errs.New(errs.Transport, "codex connection closed mid-call")
		}
		if resp.Error != nil {
			return nil, errs.Wrap(errs.RemoteError, resp.Error, "%s failed", method)
		}
		raw, err := json.Marshal(resp.Result)
		if err != nil {
			return nil, errs.Wrap(errs.ParseError, err, "re-encode result")
		}
		return raw, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *client) notify(method string, params any) error {
	notif, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		return errs.Wrap(errs.ParseError, err, "marshal notification")
	}
	data, err := json.Marshal(notif)
	if err != nil {
		return errs.Wrap(errs.ParseError, err, "marshal notification")
	}
	return c.process.write(append(data, '\n'))
}

// readLoop routes responses to pending callers. Notifications from the
// child (progress events and the like) are logged and dropped. On exit
// every pending caller is failed with a transport error.
func (c *client) readLoop() {
	reader := c.process.stdoutReader()
	if reader == nil {
		return
	}
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		resp, err := jsonrpc.UnmarshalResponse(line)
		if err != nil || resp.ID == nil {
			// Server-initiated notification or request; nothing routes it.
			c.logger.Debug("dropping non-response frame: %.120s", string(line))
			continue
		}
		id, ok := normalizeID(resp.ID)
		if !ok {
			c.logger.Warn("response with unusable id %v", resp.ID)
			continue
		}
		c.mu.Lock()
		ch, found := c.pending[id]
		c.mu.Unlock()
		if !found {
			c.logger.Warn("no pending call for response id=%d", id)
			continue
		}
		select {
		case ch <- resp:
		default:
		}
	}

	// Connection is gone; fail whoever is still waiting.
	c.mu.Lock()
	c.initialized = false
	pending := c.pending
	c.pending = make(map[int64]chan *jsonrpc.Response)
	c.mu.Unlock()
	for _, ch := range pending {
		select {
		case ch <- nil:
		default:
		}
	}
	c.logger.Debug("read loop exited")
}

// normalizeID maps the decoded JSON id back to the int64 we issued.
func normalizeID(id any) (int64, bool) {
	switch v := id.(type) {
	case int64:
		return v, true
	case float64:
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	default:
		return 0, false
	}
}
