package codex

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"maestro/internal/errs"
	"maestro/internal/state"
)

// fakeSession scripts downstream behavior per call.
type fakeSession struct {
	mu       sync.Mutex
	alive    bool
	connects int
	calls    []recordedCall
	handler  func(ctx context.Context, name string, args map[string]any) (*ToolCallResult, error)
}

type recordedCall struct {
	name string
	args map[string]any
}

func (f *fakeSession) Alive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive
}

func (f *fakeSession) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	f.alive = true
	return nil
}

func (f *fakeSession) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alive = false
	return nil
}

func (f *fakeSession) CallTool(ctx context.Context, name string, args map[string]any) (*ToolCallResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, recordedCall{name: name, args: args})
	handler := f.handler
	f.mu.Unlock()
	if handler != nil {
		return handler(ctx, name, args)
	}
	return textResult("ok", "thread-1"), nil
}

func (f *fakeSession) recorded() []recordedCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedCall(nil), f.calls...)
}

func textResult(text, threadID string) *ToolCallResult {
	structured, _ := json.Marshal(map[string]string{"threadId": threadID})
	return &ToolCallResult{
		Content:           []ContentBlock{{Type: "text", Text: text}},
		StructuredContent: structured,
	}
}

func newTestAdapter(t *testing.T, fake *fakeSession) (*Adapter, *state.Store, string, string) {
	t.Helper()
	store := state.NewStore()
	team, err := store.CreateTeam("test", []state.AgentConfig{{Role: "dev"}})
	require.NoError(t, err)
	var agentID string
	for id := range team.Agents {
		agentID = id
	}
	fake.alive = true
	a := newAdapterWithSession(fake, store, nil)
	return a, store, team.ID, agentID
}

func TestSendStartsThreadThenReplies(t *testing.T) {
	fake := &fakeSession{}
	a, store, teamID, agentID := newTestAdapter(t, fake)
	a.SetCommsURL("http://127.0.0.1:9999")
	a.Token(agentID)

	out, err := a.Send(context.Background(), teamID, agentID, "first")
	require.NoError(t, err)
	assert.Equal(t, "ok", out)

	out, err = a.Send(context.Background(), teamID, agentID, "second")
	require.NoError(t, err)
	assert.Equal(t, "ok", out)

	calls := fake.recorded()
	require.Len(t, calls, 2)
	assert.Equal(t, toolStart, calls[0].name)
	assert.Equal(t, toolReply, calls[1].name)
	assert.Equal(t, "thread-1", calls[1].args["threadId"])

	agent, err := store.Agent(teamID, agentID)
	require.NoError(t, err)
	assert.Equal(t, "thread-1", agent.ThreadID)
	assert.Equal(t, state.StatusIdle, agent.Status)
	assert.Equal(t, "ok", agent.LastOutput)
}

func TestStartCallCarriesAgentConfigAndCommsServer(t *testing.T) {
	fake := &fakeSession{}
	a, _, teamID, agentID := newTestAdapter(t, fake)
	a.SetCommsURL("http://127.0.0.1:4242")
	token := a.Token(agentID)

	_, err := a.Send(context.Background(), teamID, agentID, "go")
	require.NoError(t, err)

	args := fake.recorded()[0].args
	assert.Equal(t, "go", args["prompt"])
	assert.Equal(t, "gpt-5.3-codex", args["model"])
	assert.Equal(t, "workspace-write", args["sandbox"])
	assert.Equal(t, "never", args["approval-policy"])

	config := args["config"].(map[string]any)
	assert.Equal(t, "high", config["model_reasoning_effort"])
	servers := config["mcp_servers"].(map[string]any)
	team := servers["team"].(map[string]any)
	assert.Equal(t,
		fmt.Sprintf("http://127.0.0.1:4242/mcp?agent=%s&token=%s", agentID, token),
		team["url"])
}

func TestPerAgentCallsAreSequential(t *testing.T) {
	var concurrent, peak atomic.Int32
	fake := &fakeSession{
		handler: func(ctx context.Context, name string, args map[string]any) (*ToolCallResult, error) {
			n := concurrent.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			concurrent.Add(-1)
			return textResult("ok", "t"), nil
		},
	}
	a, _, teamID, agentID := newTestAdapter(t, fake)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = a.Send(context.Background(), teamID, agentID, "msg")
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), peak.Load(), "same-agent calls must not overlap")
	assert.Len(t, fake.recorded(), 4)
}

func TestDifferentAgentsRunConcurrently(t *testing.T) {
	var concurrent, peak atomic.Int32
	release := make(chan struct{})
	fake := &fakeSession{
		handler: func(ctx context.Context, name string, args map[string]any) (*ToolCallResult, error) {
			n := concurrent.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			<-release
			concurrent.Add(-1)
			return textResult("ok", "t"), nil
		},
	}
	store := state.NewStore()
	team, err := store.CreateTeam("pair", []state.AgentConfig{{Role: "a"}, {Role: "b"}})
	require.NoError(t, err)
	fake.alive = true
	a := newAdapterWithSession(fake, store, nil)

	var wg sync.WaitGroup
	for id := range team.Agents {
		wg.Add(1)
		go func(agentID string) {
			defer wg.Done()
			_, _ = a.Send(context.Background(), team.ID, agentID, "msg")
		}(id)
	}
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(2), peak.Load(), "distinct agents should overlap")
}

func TestCancelAbortsInFlightCall(t *testing.T) {
	started := make(chan struct{})
	fake := &fakeSession{
		handler: func(ctx context.Context, name string, args map[string]any) (*ToolCallResult, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	a, store, teamID, agentID := newTestAdapter(t, fake)

	errCh := make(chan error, 1)
	go func() {
		_, err := a.Send(context.Background(), teamID, agentID, "long")
		errCh <- err
	}()

	<-started
	assert.True(t, a.Cancel(agentID))

	err := <-errCh
	require.Error(t, err)
	assert.Equal(t, errs.Canceled, errs.KindOf(err))

	agent, err := store.Agent(teamID, agentID)
	require.NoError(t, err)
	assert.Equal(t, state.StatusError, agent.Status)
	assert.NotEmpty(t, agent.LastOutput)
}

func TestCancelWithoutInFlightReturnsFalse(t *testing.T) {
	a, _, _, agentID := newTestAdapter(t, &fakeSession{})
	assert.False(t, a.Cancel(agentID))
	assert.Empty(t, a.CancelTeam([]string{agentID, "ghost"}))
}

func TestTransportErrorTriggersOneReconnectRetry(t *testing.T) {
	var calls atomic.Int32
	fake := &fakeSession{}
	fake.handler = func(ctx context.Context, name string, args map[string]any) (*ToolCallResult, error) {
		if calls.Add(1) == 1 {
			fake.mu.Lock()
			fake.alive = false
			fake.mu.Unlock()
			return nil, errs.New(errs.Transport, "pipe closed")
		}
		return textResult("recovered", "t2"), nil
	}
	a, _, teamID, agentID := newTestAdapter(t, fake)

	out, err := a.Send(context.Background(), teamID, agentID, "hello")
	require.NoError(t, err)
	assert.Equal(t, "recovered", out)
	assert.Equal(t, int32(2), calls.Load())

	fake.mu.Lock()
	connects := fake.connects
	fake.mu.Unlock()
	assert.Equal(t, 1, connects)
}

func TestMissingThreadClearsContinuation(t *testing.T) {
	fake := &fakeSession{}
	a, store, teamID, agentID := newTestAdapter(t, fake)
	require.NoError(t, store.SetAgentThread(teamID, agentID, "stale-thread"))

	fake.handler = func(ctx context.Context, name string, args map[string]any) (*ToolCallResult, error) {
		return nil, errs.New(errs.RemoteError, "thread not found: stale-thread")
	}

	_, err := a.Send(context.Background(), teamID, agentID, "hi")
	require.Error(t, err)

	agent, err := store.Agent(teamID, agentID)
	require.NoError(t, err)
	assert.Empty(t, agent.ThreadID, "stale continuation should be forgotten")
}

func TestRemoteErrorResult(t *testing.T) {
	fake := &fakeSession{
		handler: func(ctx context.Context, name string, args map[string]any) (*ToolCallResult, error) {
			return &ToolCallResult{
				Content: []ContentBlock{{Type: "text", Text: "boom"}},
				IsError: true,
			}, nil
		},
	}
	a, store, teamID, agentID := newTestAdapter(t, fake)

	_, err := a.Send(context.Background(), teamID, agentID, "hi")
	require.Error(t, err)
	assert.Equal(t, errs.RemoteError, errs.KindOf(err))

	agent, _ := store.Agent(teamID, agentID)
	assert.Equal(t, state.StatusError, agent.Status)
}

func TestTokenMintingIsStableAndChecked(t *testing.T) {
	a, _, _, agentID := newTestAdapter(t, &fakeSession{})

	tok := a.Token(agentID)
	assert.Equal(t, tok, a.Token(agentID), "token must be stable per agent")

	require.NoError(t, a.CheckToken(agentID, tok))

	err := a.CheckToken(agentID, "")
	assert.Equal(t, errs.Unauthenticated, errs.KindOf(err))

	err = a.CheckToken(agentID, "wrong")
	assert.Equal(t, errs.Forbidden, errs.KindOf(err))

	a.ForgetTokens([]string{agentID})
	err = a.CheckToken(agentID, tok)
	assert.Equal(t, errs.Forbidden, errs.KindOf(err))
}

func TestReconnectCoalescesConcurrentCallers(t *testing.T) {
	fake := &fakeSession{}
	a, _, _, _ := newTestAdapter(t, fake)
	fake.mu.Lock()
	fake.alive = false
	fake.mu.Unlock()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = a.Reconnect(context.Background())
		}()
	}
	wg.Wait()

	fake.mu.Lock()
	connects := fake.connects
	fake.mu.Unlock()
	assert.LessOrEqual(t, connects, 2, "concurrent reconnects should coalesce")
	assert.GreaterOrEqual(t, connects, 1)
}

func TestTrackAndShutdownAwaitsOperations(t *testing.T) {
	fake := &fakeSession{}
	a, _, _, _ := newTestAdapter(t, fake)

	var done atomic.Bool
	a.Track("test.op", func() {
		time.Sleep(50 * time.Millisecond)
		done.Store(true)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.Shutdown(ctx))
	assert.True(t, done.Load(), "shutdown must await tracked operations")
	assert.False(t, fake.Alive())
}

func TestDeadlineProducesTimeout(t *testing.T) {
	fake := &fakeSession{
		handler: func(ctx context.Context, name string, args map[string]any) (*ToolCallResult, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	a, _, teamID, agentID := newTestAdapter(t, fake)
	a.deadline = 50 * time.Millisecond

	_, err := a.Send(context.Background(), teamID, agentID, "slow")
	require.Error(t, err)
	assert.Equal(t, errs.Timeout, errs.KindOf(err))
}
