package team

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"maestro/internal/bus"
	"maestro/internal/errs"
	"maestro/internal/state"
)

// fakeCaller records sends and lets tests script failures.
type fakeCaller struct {
	mu      sync.Mutex
	sends   []sentCall
	fail    map[string]error // agent id -> error to return
	pending sync.WaitGroup   // tracked background ops
}

type sentCall struct {
	teamID  string
	agentID string
	text    string
}

func (f *fakeCaller) Send(ctx context.Context, teamID, agentID, text string) (string, error) {
	f.mu.Lock()
	f.sends = append(f.sends, sentCall{teamID, agentID, text})
	err := f.fail[agentID]
	f.mu.Unlock()
	if err != nil {
		return "", err
	}
	return "reply from " + agentID, nil
}

func (f *fakeCaller) Cancel(agentID string) bool { return false }

func (f *fakeCaller) CancelTeam(agentIDs []string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, id := range agentIDs {
		if f.fail == nil || f.fail[id] == nil {
			out = append(out, id)
		}
	}
	return out
}

func (f *fakeCaller) Track(name string, fn func()) {
	f.pending.Add(1)
	go func() {
		defer f.pending.Done()
		fn()
	}()
}

func (f *fakeCaller) sentTo() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, s := range f.sends {
		out = append(out, s.agentID)
	}
	return out
}

func setup(t *testing.T, roles ...string) (*Service, *fakeCaller, *state.Store, string, []string) {
	t.Helper()
	store := state.NewStore()
	configs := make([]state.AgentConfig, len(roles))
	for i, role := range roles {
		configs[i] = state.AgentConfig{Role: role, Lead: i == 0}
	}
	team, err := store.CreateTeam("test", configs)
	require.NoError(t, err)

	ids := make([]string, 0, len(team.Agents))
	for id := range team.Agents {
		ids = append(ids, id)
	}
	caller := &fakeCaller{fail: map[string]error{}}
	svc := NewService(store, bus.NewBus(nil), caller, nil)
	return svc, caller, store, team.ID, ids
}

func TestSendMessageRejectsWorkingAgent(t *testing.T) {
	svc, _, store, teamID, ids := setup(t, "dev")
	require.NoError(t, store.SetAgentStatus(teamID, ids[0], state.StatusWorking))

	_, err := svc.SendMessage(context.Background(), teamID, ids[0], "hi")
	assert.Equal(t, errs.Busy, errs.KindOf(err))

	require.NoError(t, store.SetAgentStatus(teamID, ids[0], state.StatusIdle))
	out, err := svc.SendMessage(context.Background(), teamID, ids[0], "hi")
	require.NoError(t, err)
	assert.Contains(t, out, "reply from")
}

func TestBroadcastSkipsWorkingAndCollectsErrors(t *testing.T) {
	svc, caller, store, teamID, ids := setup(t, "lead", "dev", "qa")
	working, failing := ids[0], ids[1]
	require.NoError(t, store.SetAgentStatus(teamID, working, state.StatusWorking))
	caller.fail[failing] = errs.New(errs.Transport, "pipe broke")

	results, err := svc.Broadcast(context.Background(), teamID, "all hands", nil)
	require.NoError(t, err)
	require.Len(t, results, 3)

	byID := map[string]AgentResult{}
	for _, r := range results {
		byID[r.AgentID] = r
	}
	assert.True(t, byID[working].Skipped)
	assert.False(t, byID[failing].OK)
	assert.Contains(t, byID[failing].Error, "pipe broke")
	assert.True(t, byID[ids[2]].OK)
}

func TestRelayRequiresOutputAndDestination(t *testing.T) {
	svc, _, store, teamID, ids := setup(t, "lead", "dev")
	from, to := ids[0], ids[1]

	_, err := svc.Relay(context.Background(), teamID, from, "", false, "")
	assert.Equal(t, errs.InvalidArgument, errs.KindOf(err))

	_, err = svc.Relay(context.Background(), teamID, from, to, false, "")
	assert.Equal(t, errs.InvalidArgument, errs.KindOf(err), "source has no output yet")

	require.NoError(t, store.SetAgentOutput(teamID, from, "the findings"))
	results, err := svc.Relay(context.Background(), teamID, from, to, false, "FYI:")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].OK)
}

func TestRelayToAllExcludesSource(t *testing.T) {
	svc, caller, store, teamID, ids := setup(t, "lead", "dev", "qa")
	from := ids[0]
	require.NoError(t, store.SetAgentOutput(teamID, from, "summary"))

	results, err := svc.Relay(context.Background(), teamID, from, "", true, "")
	require.NoError(t, err)
	assert.Len(t, results, 2)
	assert.NotContains(t, caller.sentTo(), from)
}

func TestAssignTaskKicksOffWhenReady(t *testing.T) {
	svc, caller, store, teamID, ids := setup(t, "dev")
	assignee := ids[0]

	task, err := svc.AssignTask(context.Background(), teamID, assignee, "build the thing", nil)
	require.NoError(t, err)
	caller.pending.Wait()

	got, err := store.Task(teamID, task.ID)
	require.NoError(t, err)
	assert.Equal(t, state.TaskInProgress, got.Status)

	sends := caller.sentTo()
	require.Len(t, sends, 1)
	assert.Equal(t, assignee, sends[0])
}

func TestAssignTaskWithPendingPrereqStaysPending(t *testing.T) {
	svc, caller, store, teamID, ids := setup(t, "dev")
	assignee := ids[0]

	first, err := svc.AssignTask(context.Background(), teamID, assignee, "first", nil)
	require.NoError(t, err)
	caller.pending.Wait()

	second, err := svc.AssignTask(context.Background(), teamID, assignee, "second", []string{first.ID})
	require.NoError(t, err)
	caller.pending.Wait()

	got, err := store.Task(teamID, second.ID)
	require.NoError(t, err)
	assert.Equal(t, state.TaskPending, got.Status)
	assert.Len(t, caller.sentTo(), 1, "only the first task kicks off")
}

func TestFailedKickoffRevertsToPending(t *testing.T) {
	svc, caller, store, teamID, ids := setup(t, "dev")
	assignee := ids[0]
	caller.fail[assignee] = errs.New(errs.Transport, "down")

	task, err := svc.AssignTask(context.Background(), teamID, assignee, "doomed", nil)
	require.NoError(t, err)
	caller.pending.Wait()

	got, err := store.Task(teamID, task.ID)
	require.NoError(t, err)
	assert.Equal(t, state.TaskPending, got.Status)
}

func TestCompleteTaskCascadesToUnblocked(t *testing.T) {
	svc, caller, store, teamID, ids := setup(t, "dev", "dev")
	a, b := ids[0], ids[1]

	root, err := svc.AssignTask(context.Background(), teamID, a, "root", nil)
	require.NoError(t, err)
	caller.pending.Wait()

	dependent, err := svc.AssignTask(context.Background(), teamID, b, "dependent", []string{root.ID})
	require.NoError(t, err)
	caller.pending.Wait()

	completed, unblocked, err := svc.CompleteTask(context.Background(), teamID, root.ID, "root done")
	require.NoError(t, err)
	caller.pending.Wait()

	assert.Equal(t, state.TaskCompleted, completed.Status)
	assert.Equal(t, []string{dependent.ID}, unblocked)

	got, err := store.Task(teamID, dependent.ID)
	require.NoError(t, err)
	assert.Equal(t, state.TaskInProgress, got.Status)
}

func TestCompleteTaskDefaultsToAssigneeOutput(t *testing.T) {
	svc, caller, store, teamID, ids := setup(t, "dev")
	assignee := ids[0]

	task, err := svc.AssignTask(context.Background(), teamID, assignee, "work", nil)
	require.NoError(t, err)
	caller.pending.Wait()
	require.NoError(t, store.SetAgentOutput(teamID, assignee, "implicit result"))

	completed, _, err := svc.CompleteTask(context.Background(), teamID, task.ID, "")
	require.NoError(t, err)
	assert.Equal(t, "implicit result", completed.Result)
}

func TestGetOutput(t *testing.T) {
	svc, _, store, teamID, ids := setup(t, "dev")

	_, err := svc.GetOutput(teamID, ids[0])
	assert.Equal(t, errs.NotFound, errs.KindOf(err))

	require.NoError(t, store.SetAgentOutput(teamID, ids[0], "latest"))
	out, err := svc.GetOutput(teamID, ids[0])
	require.NoError(t, err)
	assert.Equal(t, "latest", out)
}

func TestGetTeamReportBucketsAgentsAndTasks(t *testing.T) {
	svc, caller, store, teamID, ids := setup(t, "lead", "dev")
	require.NoError(t, store.SetAgentStatus(teamID, ids[1], state.StatusWorking))

	task, err := svc.AssignTask(context.Background(), teamID, ids[0], "t", nil)
	require.NoError(t, err)
	caller.pending.Wait()
	_, _, err = svc.CompleteTask(context.Background(), teamID, task.ID, "done")
	require.NoError(t, err)

	report, err := svc.GetTeamReport(teamID)
	require.NoError(t, err)
	assert.Equal(t, []string{ids[0]}, report.Idle)
	assert.Equal(t, []string{ids[1]}, report.Working)
	assert.Len(t, report.Completed, 1)
}

func TestSteerCancelsAnnouncesAndRedirects(t *testing.T) {
	store := state.NewStore()
	team, err := store.CreateTeam("steer", []state.AgentConfig{{Role: "dev"}, {Role: "dev"}})
	require.NoError(t, err)
	var ids []string
	for id := range team.Agents {
		ids = append(ids, id)
	}
	caller := &fakeCaller{fail: map[string]error{ids[1]: errs.New(errs.Timeout, "stuck")}}
	b := bus.NewBus(nil)
	svc := NewService(store, b, caller, nil)

	result, err := svc.Steer(context.Background(), team.ID, "focus on the API", nil)
	require.NoError(t, err)

	assert.Len(t, result.Steered, 1)
	assert.Len(t, result.Failed, 1)
	assert.Equal(t, ids[1], result.Failed[0].AgentID)

	msgs := b.GroupMessages(team.ID)
	require.Len(t, msgs, 1)
	assert.Equal(t, orchestratorID, msgs[0].From)
	assert.Contains(t, msgs[0].Text, "focus on the API")

	for _, s := range caller.sends {
		if s.agentID == ids[0] {
			assert.True(t, strings.Contains(s.text, "focus on the API"))
		}
	}
}

func TestSteerRequiresDirective(t *testing.T) {
	svc, _, _, teamID, _ := setup(t, "dev")
	_, err := svc.Steer(context.Background(), teamID, "", nil)
	assert.Equal(t, errs.InvalidArgument, errs.KindOf(err))
}

func TestDissolvePurgesStoreAndBus(t *testing.T) {
	svc, _, store, teamID, ids := setup(t, "lead", "dev")
	svc.bus.GroupPost(teamID, ids[0], "lead", "bye")

	var forgotten []string
	require.NoError(t, svc.Dissolve(teamID, func(members []string) { forgotten = members }))

	_, err := store.Team(teamID)
	assert.Equal(t, errs.NotFound, errs.KindOf(err))
	assert.Empty(t, svc.bus.GroupMessages(teamID))
	assert.Len(t, forgotten, 2)
}
