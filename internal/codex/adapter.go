package codex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"maestro/internal/async"
	"maestro/internal/errs"
	"maestro/internal/logging"
	"maestro/internal/state"
)

// Downstream tool names exposed by `codex mcp-server`.
const (
	toolStart = "codex"
	toolReply = "codex-reply"
)

var errAborted = errors.New("call aborted by cancel")

// InstructionsFunc renders the base instructions for an agent's first call.
type InstructionsFunc func(teamID string, agent state.Agent) string

// AdapterConfig tunes the adapter.
type AdapterConfig struct {
	Command      string
	Args         []string
	CallDeadline time.Duration // upper bound per downstream call
}

// Adapter multiplexes every agent onto the single codex session. Calls for
// the same agent are strictly sequential; calls for different agents run
// concurrently. This is the only fence against the downstream's
// single-threaded-per-thread model.
type Adapter struct {
	session  session
	store    *state.Store
	deadline time.Duration
	logger   logging.Logger

	mu       sync.Mutex
	locks    map[string]*sync.Mutex             // per-agent serialization
	inflight map[string]context.CancelCauseFunc // per-agent abort
	tokens   map[string]string                  // agent id -> identity token
	commsURL string
	compose  InstructionsFunc
	observe  func(outcome string)

	reconnect singleflight.Group
	tracked   sync.WaitGroup
}

// NewAdapter builds an adapter over a fresh stdio client.
func NewAdapter(cfg AdapterConfig, store *state.Store, logger logging.Logger) *Adapter {
	logger = logging.OrNop(logger)
	a := newAdapterWithSession(newClient(cfg.Command, cfg.Args, logger), store, logger)
	if cfg.CallDeadline > 0 {
		a.deadline = cfg.CallDeadline
	}
	return a
}

func newAdapterWithSession(s session, store *state.Store, logger logging.Logger) *Adapter {
	return &Adapter{
		session:  s,
		store:    store,
		deadline: 3 * time.Hour,
		logger:   logging.OrNop(logger),
		locks:    make(map[string]*sync.Mutex),
		inflight: make(map[string]context.CancelCauseFunc),
		tokens:   make(map[string]string),
	}
}

// Start connects the downstream session.
func (a *Adapter) Start(ctx context.Context) error {
	return a.session.Connect(ctx)
}

// SetCommsURL records the comms service base URL embedded into every new
// agent thread so the child can reach the team tools.
func (a *Adapter) SetCommsURL(url string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.commsURL = url
}

// SetInstructions installs the composer invoked when a new thread starts.
// Without one, the agent's configured instructions are used as-is.
func (a *Adapter) SetInstructions(fn InstructionsFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.compose = fn
}

// Token mints (or returns) the identity token for an agent.
func (a *Adapter) Token(agentID string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	tok, ok := a.tokens[agentID]
	if !ok {
		tok = uuid.NewString()
		a.tokens[agentID] = tok
	}
	return tok
}

// CheckToken validates an inbound identity token.
func (a *Adapter) CheckToken(agentID, token string) error {
	if token == "" {
		return errs.New(errs.Unauthenticated, "missing identity token")
	}
	a.mu.Lock()
	want, ok := a.tokens[agentID]
	a.mu.Unlock()
	if !ok || want != token {
		return errs.New(errs.Forbidden, "identity token does not match agent %s", agentID)
	}
	return nil
}

// ForgetTokens drops minted tokens, invalidating future comms sessions for
// dissolved agents.
func (a *Adapter) ForgetTokens(agentIDs []string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, id := range agentIDs {
		delete(a.tokens, id)
	}
}

func (a *Adapter) lockFor(agentID string) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := a.locks[agentID]
	if !ok {
		l = &sync.Mutex{}
		a.locks[agentID] = l
	}
	return l
}

// SetCallObserver installs a per-call outcome callback, labeled "ok" or
// the error kind. Used for instrumentation.
func (a *Adapter) SetCallObserver(fn func(outcome string)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.observe = fn
}

func (a *Adapter) observeCall(err error) {
	a.mu.Lock()
	fn := a.observe
	a.mu.Unlock()
	if fn == nil {
		return
	}
	if err != nil {
		fn(string(errs.KindOf(err)))
		return
	}
	fn("ok")
}

// Send delivers text to the agent's thread, starting one if needed, and
// returns the produced output. The call queues behind any in-flight call
// for the same agent.
func (a *Adapter) Send(ctx context.Context, teamID, agentID, text string) (string, error) {
	lock := a.lockFor(agentID)
	lock.Lock()
	defer lock.Unlock()

	agent, err := a.store.Agent(teamID, agentID)
	if err != nil {
		return "", err
	}

	_ = a.store.SetAgentStatus(teamID, agentID, state.StatusWorking)
	output, err := a.roundTrip(ctx, teamID, agent, text)
	a.observeCall(err)
	if err != nil {
		_ = a.store.SetAgentStatus(teamID, agentID, state.StatusError)
		_ = a.store.SetAgentOutput(teamID, agentID, errs.Message(err))
		return "", err
	}
	_ = a.store.SetAgentStatus(teamID, agentID, state.StatusIdle)
	_ = a.store.SetAgentOutput(teamID, agentID, output)
	return output, nil
}

func (a *Adapter) roundTrip(ctx context.Context, teamID string, agent state.Agent, text string) (string, error) {
	cctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	tctx, tcancel := context.WithTimeout(cctx, a.deadline)
	defer tcancel()

	a.mu.Lock()
	a.inflight[agent.ID] = cancel
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		delete(a.inflight, agent.ID)
		a.mu.Unlock()
	}()

	name, args := a.buildCall(teamID, agent, text)
	result, err := a.callWithReconnect(tctx, name, args)

	// A missing continuation means the downstream forgot the thread; clear
	// it so the next call restarts from scratch.
	if err != nil && agent.ThreadID != "" && isMissingThread(err) {
		_ = a.store.SetAgentThread(teamID, agent.ID, "")
	}
	if err != nil {
		return "", a.classify(tctx, err)
	}

	if threadID := extractThreadID(result); threadID != "" && threadID != agent.ThreadID {
		_ = a.store.SetAgentThread(teamID, agent.ID, threadID)
	}
	if result.IsError {
		return "", errs.New(errs.RemoteError, "codex returned an error: %s", result.Text())
	}
	return result.Text(), nil
}

// callWithReconnect retries exactly once through a coalesced reconnect when
// the transport drops.
func (a *Adapter) callWithReconnect(ctx context.Context, name string, args map[string]any) (*ToolCallResult, error) {
	if !a.session.Alive() {
		if err := a.Reconnect(ctx); err != nil {
			return nil, err
		}
	}
	result, err := a.session.CallTool(ctx, name, args)
	if err == nil || errs.KindOf(err) != errs.Transport || ctx.Err() != nil {
		return result, err
	}
	a.logger.Warn("transport error, reconnecting once: %v", err)
	if rerr := a.Reconnect(ctx); rerr != nil {
		return nil, rerr
	}
	return a.session.CallTool(ctx, name, args)
}

func (a *Adapter) buildCall(teamID string, agent state.Agent, text string) (string, map[string]any) {
	if agent.ThreadID != "" {
		return toolReply, map[string]any{
			"threadId": agent.ThreadID,
			"prompt":   text,
		}
	}

	a.mu.Lock()
	commsURL := a.commsURL
	token := a.tokens[agent.ID]
	compose := a.compose
	a.mu.Unlock()

	instructions := agent.Instructions
	if compose != nil {
		instructions = compose(teamID, agent)
	}

	args := map[string]any{
		"prompt":            text,
		"model":             agent.Model,
		"sandbox":           string(agent.Sandbox),
		"approval-policy":   string(agent.Approval),
		"base-instructions": instructions,
	}
	if agent.WorkDir != "" {
		args["cwd"] = agent.WorkDir
	}
	config := map[string]any{
		"model_reasoning_effort": string(agent.Reasoning),
		"search":                 true,
	}
	if commsURL != "" {
		config["mcp_servers"] = map[string]any{
			"team": map[string]any{
				"url": fmt.Sprintf("%s/mcp?agent=%s&token=%s", commsURL, agent.ID, token),
			},
		}
	}
	args["config"] = config
	return toolStart, args
}

func (a *Adapter) classify(ctx context.Context, err error) error {
	if cause := context.Cause(ctx); errors.Is(cause, errAborted) {
		return errs.Wrap(errs.Canceled, err, "call canceled")
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return errs.Wrap(errs.Timeout, err, "call exceeded deadline")
	}
	if errors.Is(err, context.Canceled) {
		return errs.Wrap(errs.Canceled, err, "call canceled")
	}
	switch errs.KindOf(err) {
	case errs.Transport, errs.RemoteError, errs.ParseError, errs.Canceled, errs.Timeout:
		return err
	default:
		return errs.Wrap(errs.Transport, err, "downstream call failed")
	}
}

// Cancel aborts the agent's in-flight call, if any.
func (a *Adapter) Cancel(agentID string) bool {
	a.mu.Lock()
	cancel, ok := a.inflight[agentID]
	a.mu.Unlock()
	if !ok {
		return false
	}
	cancel(errAborted)
	return true
}

// CancelTeam aborts every listed agent's in-flight call and returns the
// ids that actually had one.
func (a *Adapter) CancelTeam(agentIDs []string) []string {
	var canceled []string
	for _, id := range agentIDs {
		if a.Cancel(id) {
			canceled = append(canceled, id)
		}
	}
	return canceled
}

// Track runs a fire-and-forget operation that Shutdown will await.
func (a *Adapter) Track(name string, fn func()) {
	a.tracked.Add(1)
	async.Go(a.logger, name, func() {
		defer a.tracked.Done()
		fn()
	})
}

// Reconnect re-establishes the downstream session. Concurrent callers are
// coalesced into a single attempt.
func (a *Adapter) Reconnect(ctx context.Context) error {
	_, err, _ := a.reconnect.Do("reconnect", func() (any, error) {
		if a.session.Alive() {
			return nil, nil
		}
		a.logger.Info("reconnecting codex session")
		_ = a.session.Close()
		return nil, a.session.Connect(ctx)
	})
	if err != nil {
		return errs.Wrap(errs.Transport, err, "reconnect failed")
	}
	return nil
}

// Shutdown awaits tracked operations, then closes the session. The ctx
// bounds how long to wait for stragglers.
func (a *Adapter) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	async.Go(a.logger, "codex.adapter.drain", func() {
		a.tracked.Wait()
		close(done)
	})
	select {
	case <-done:
	case <-ctx.Done():
		a.logger.Warn("shutdown proceeding with tracked operations still running")
	}
	return a.session.Close()
}

// isMissingThread matches the downstream's missing-continuation errors.
func isMissingThread(err error) bool {
	msg := strings.ToLower(errs.Message(err))
	return strings.Contains(msg, "thread") || strings.Contains(msg, "not found") ||
		strings.Contains(msg, "conversation")
}

// extractThreadID pulls the continuation handle out of the result.
func extractThreadID(result *ToolCallResult) string {
	if result == nil || len(result.StructuredContent) == 0 {
		return ""
	}
	var payload struct {
		ThreadID       string `json:"threadId"`
		ConversationID string `json:"conversationId"`
	}
	if err := json.Unmarshal(result.StructuredContent, &payload); err != nil {
		return ""
	}
	if payload.ThreadID != "" {
		return payload.ThreadID
	}
	return payload.ConversationID
}
