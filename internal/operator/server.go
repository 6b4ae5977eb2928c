// Package operator is the upstream-facing MCP server. It speaks
// newline-delimited JSON-RPC over stdio to whatever client launched the
// process and exposes the team, dispatch and mission operations as tools.
package operator

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"maestro/internal/async"
	"maestro/internal/dispatch"
	"maestro/internal/errs"
	"maestro/internal/jsonrpc"
	"maestro/internal/logging"
	"maestro/internal/mission"
	"maestro/internal/state"
	"maestro/internal/team"
)

// Lines can carry whole mission transcripts.
const maxLineBytes = 16 * 1024 * 1024

// TokenForgetter drops agent identity tokens when agents go away. The
// codex adapter implements this.
type TokenForgetter interface {
	ForgetTokens(agentIDs []string)
}

// Deps are the services the operator tools drive.
type Deps struct {
	Store      *state.Store
	Teams      *team.Service
	Dispatcher *dispatch.Dispatcher
	Missions   *mission.Engine
	Tokens     TokenForgetter
}

// Server serves MCP over a stdio-style reader/writer pair. Requests are
// handled concurrently; responses are serialized onto the writer.
type Server struct {
	deps   Deps
	logger logging.Logger

	in  io.Reader
	out io.Writer

	writeMu sync.Mutex
	handled sync.WaitGroup
}

// NewServer builds an operator server over the given streams.
func NewServer(deps Deps, in io.Reader, out io.Writer, logger logging.Logger) *Server {
	return &Server{
		deps:   deps,
		logger: logging.OrNop(logger),
		in:     in,
		out:    out,
	}
}

// Run reads requests until the input closes or ctx is canceled. Long
// tools like await_mission must not stall the loop, so every request is
// handled on its own goroutine. Reads happen on a separate goroutine as
// well; a cancel unblocks Run even while it is waiting on input. The
// reader then stays parked on the stream until the process exits.
func (s *Server) Run(ctx context.Context) error {
	lines := make(chan []byte)
	readErr := make(chan error, 1)
	async.Go(s.logger, "operator.read", func() {
		defer close(lines)
		scanner := bufio.NewScanner(s.in)
		scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
		for scanner.Scan() {
			line := make([]byte, len(scanner.Bytes()))
			copy(line, scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	})

	for {
		select {
		case <-ctx.Done():
			s.handled.Wait()
			return nil
		case line, ok := <-lines:
			if !ok {
				s.handled.Wait()
				select {
				case err := <-readErr:
					if err != nil {
						return errs.Wrap(errs.Transport, err, "operator stdin")
					}
				default:
				}
				return nil
			}
			s.handled.Add(1)
			async.Go(s.logger, "operator.handle", func() {
				defer s.handled.Done()
				s.handleLine(ctx, line)
			})
		}
	}
}

func (s *Server) handleLine(ctx context.Context, line []byte) {
	req, rerr := jsonrpc.UnmarshalRequest(line)
	if rerr != nil {
		s.write(jsonrpc.NewErrorResponse(nil, jsonrpc.CodeInvalidRequest, rerr.Error(), nil))
		return
	}

	switch req.Method {
	case "initialize":
		s.write(jsonrpc.NewResponse(req.ID, map[string]any{
			"protocolVersion": "2024-11-05",
			"serverInfo":      map[string]any{"name": "maestro", "version": "0.1.0"},
			"capabilities":    map[string]any{"tools": map[string]any{}},
		}))
	case "notifications/initialized":
		// Notification, nothing to send back.
	case "tools/list":
		s.write(jsonrpc.NewResponse(req.ID, map[string]any{"tools": toolSchemas()}))
	case "tools/call":
		s.handleToolCall(ctx, req)
	case "ping":
		s.write(jsonrpc.NewResponse(req.ID, map[string]any{}))
	default:
		if req.IsNotification() {
			return
		}
		s.write(jsonrpc.NewErrorResponse(req.ID, jsonrpc.CodeMethodNotFound,
			fmt.Sprintf("method %q not found", req.Method), nil))
	}
}

func (s *Server) handleToolCall(ctx context.Context, req *jsonrpc.Request) {
	var params struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := req.ParamsInto(&params); err != nil {
		s.write(jsonrpc.NewErrorResponse(req.ID, jsonrpc.CodeInvalidParams, "bad tools/call params", nil))
		return
	}

	result, err := s.dispatch(ctx, params.Name, params.Arguments)
	if err != nil {
		// Tool failures are results, not protocol errors: the client
		// reads a plain message with the isError flag set.
		s.logger.Debug("tool %s failed: %v", params.Name, err)
		s.write(jsonrpc.NewResponse(req.ID, map[string]any{
			"content": []map[string]any{{"type": "text", "text": errs.Message(err)}},
			"isError": true,
		}))
		return
	}
	s.write(jsonrpc.NewResponse(req.ID, map[string]any{
		"content":           []map[string]any{{"type": "text", "text": result.text}},
		"structuredContent": result.structured,
	}))
}

func (s *Server) write(resp *jsonrpc.Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("marshal response: %v", err)
		return
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.out.Write(append(data, '\n')); err != nil {
		s.logger.Error("write response: %v", err)
	}
}
