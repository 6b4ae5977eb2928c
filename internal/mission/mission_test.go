package mission

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"maestro/internal/bus"
	"maestro/internal/errs"
	"maestro/internal/state"
)

// fakeCaller scripts per-call replies. The reply function sees the target
// agent id and the prompt text.
type fakeCaller struct {
	mu        sync.Mutex
	reply     func(agentID, text string) (string, error)
	sends     []string // agent ids in call order
	forgotten []string
	tracked   sync.WaitGroup
}

func (f *fakeCaller) Send(ctx context.Context, teamID, agentID, text string) (string, error) {
	f.mu.Lock()
	f.sends = append(f.sends, agentID)
	reply := f.reply
	f.mu.Unlock()
	if reply != nil {
		return reply(agentID, text)
	}
	return "output of " + agentID, nil
}

func (f *fakeCaller) Track(name string, fn func()) {
	f.tracked.Add(1)
	go func() {
		defer f.tracked.Done()
		fn()
	}()
}

func (f *fakeCaller) ForgetTokens(agentIDs []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forgotten = append(f.forgotten, agentIDs...)
}

func (f *fakeCaller) callsTo(agentID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, id := range f.sends {
		if id == agentID {
			n++
		}
	}
	return n
}

func testEngine(t *testing.T, caller *fakeCaller) (*Engine, *state.Store, *bus.Bus) {
	t.Helper()
	store := state.NewStore()
	b := bus.NewBus(nil)
	e := NewEngine(store, b, caller, Config{
		VerifyTimeout: 5 * time.Second,
		AwaitPoll:     10 * time.Millisecond,
		AwaitTimeout:  10 * time.Second,
		Retention:     time.Hour,
	}, nil)
	return e, store, b
}

func leadAndWorkers() []TeamSpec {
	return []TeamSpec{
		{Role: "lead", Lead: true},
		{Role: "dev", Task: "build the feature"},
		{Role: "qa", Task: "test the feature"},
	}
}

func TestLaunchRequiresExactlyOneLead(t *testing.T) {
	e, _, _ := testEngine(t, &fakeCaller{})

	_, err := e.Launch(context.Background(), "obj", "", []TeamSpec{{Role: "dev"}}, "", 2)
	assert.Equal(t, errs.InvalidArgument, errs.KindOf(err))

	_, err = e.Launch(context.Background(), "obj", "", []TeamSpec{
		{Role: "a", Lead: true}, {Role: "b", Lead: true},
	}, "", 2)
	assert.Equal(t, errs.InvalidArgument, errs.KindOf(err))
}

func TestMissionWithPassingVerifyCompletes(t *testing.T) {
	caller := &fakeCaller{}
	e, store, _ := testEngine(t, caller)

	id, err := e.Launch(context.Background(), "ship the widget", t.TempDir(), leadAndWorkers(), "echo pass", 2)
	require.NoError(t, err)

	final, err := e.Await(context.Background(), id, 10*time.Millisecond, 10*time.Second)
	require.NoError(t, err)

	assert.Equal(t, PhaseCompleted, final.Phase)
	assert.NotEmpty(t, final.FinalReport)
	require.Len(t, final.Verification, 1)
	assert.True(t, final.Verification[0].Passed)
	assert.Equal(t, "pass", final.Verification[0].Output)
	require.Len(t, final.Workers, 2)
	for _, w := range final.Workers {
		assert.True(t, w.OK)
	}

	// Team was destroyed on terminal entry.
	assert.Empty(t, store.Teams())
	assert.NotEmpty(t, caller.forgotten)
}

func TestMissionWithoutVerifySkipsVerification(t *testing.T) {
	caller := &fakeCaller{}
	e, _, _ := testEngine(t, caller)

	id, err := e.Launch(context.Background(), "quick job", "", leadAndWorkers(), "", 2)
	require.NoError(t, err)

	final, err := e.Await(context.Background(), id, 10*time.Millisecond, 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, PhaseCompleted, final.Phase)
	assert.Empty(t, final.Verification)
}

func TestFailingVerifyDrivesFixLoopThenGivesUp(t *testing.T) {
	var leadID string
	var mu sync.Mutex
	caller := &fakeCaller{}
	caller.reply = func(agentID, text string) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		if strings.Contains(text, "Verification failed") {
			leadID = agentID
			// Assign a fix to the first listed worker, plus an unknown id
			// that must be discarded.
			return `Here you go: [{"agentId":"` + firstWorker(text) + `","task":"fix it"},` +
				`{"agentId":"ghost-000000000000","task":"ignored"}]`, nil
		}
		return "ok: " + agentID, nil
	}
	e, _, _ := testEngine(t, caller)

	// max_retries=1: two failed verification attempts total, one fix round.
	id, err := e.Launch(context.Background(), "doomed", t.TempDir(), leadAndWorkers(), "exit 1", 1)
	require.NoError(t, err)

	final, err := e.Await(context.Background(), id, 10*time.Millisecond, 10*time.Second)
	require.NoError(t, err)

	assert.Equal(t, PhaseCompleted, final.Phase, "failed verification still reaches review")
	require.Len(t, final.Verification, 2)
	assert.False(t, final.Verification[0].Passed)
	assert.False(t, final.Verification[1].Passed)
	assert.NotEmpty(t, leadID)
	// One fixed worker got a second call.
	fixed := 0
	for _, w := range final.WorkerIDs {
		if caller.callsTo(w) == 2 {
			fixed++
		}
	}
	assert.Equal(t, 1, fixed)
}

// firstWorker pulls the first worker id out of the fix prompt's
// "Available workers: ..." line.
func firstWorker(fixPrompt string) string {
	const marker = "Available workers: "
	i := strings.Index(fixPrompt, marker)
	if i < 0 {
		return ""
	}
	rest := fixPrompt[i+len(marker):]
	if j := strings.IndexAny(rest, ",."); j >= 0 {
		return strings.TrimSpace(rest[:j])
	}
	return rest
}

func TestWorkerFailureDoesNotAbortMission(t *testing.T) {
	caller := &fakeCaller{}
	var mu sync.Mutex
	var failedID string
	caller.reply = func(agentID, text string) (string, error) {
		if strings.Contains(text, "Your task:") {
			mu.Lock()
			fail := failedID == ""
			if fail {
				failedID = agentID
			}
			mu.Unlock()
			if fail {
				return "", errs.New(errs.RemoteError, "worker crashed")
			}
		}
		return "fine", nil
	}
	e, _, _ := testEngine(t, caller)

	id, err := e.Launch(context.Background(), "resilient", "", leadAndWorkers(), "", 2)
	require.NoError(t, err)
	final, err := e.Await(context.Background(), id, 10*time.Millisecond, 10*time.Second)
	require.NoError(t, err)

	assert.Equal(t, PhaseCompleted, final.Phase)
	mu.Lock()
	failed := failedID
	mu.Unlock()
	var sawFailure bool
	for _, w := range final.Workers {
		if w.AgentID == failed {
			assert.False(t, w.OK)
			assert.Contains(t, w.Error, "worker crashed")
			sawFailure = true
		}
	}
	assert.True(t, sawFailure)
}

func TestLeadReviewFailureEndsInError(t *testing.T) {
	caller := &fakeCaller{}
	caller.reply = func(agentID, text string) (string, error) {
		if strings.Contains(text, "Compile the final report") {
			return "", errs.New(errs.Transport, "lead is gone")
		}
		return "fine", nil
	}
	e, _, _ := testEngine(t, caller)

	id, err := e.Launch(context.Background(), "broken review", "", leadAndWorkers(), "", 2)
	require.NoError(t, err)
	final, err := e.Await(context.Background(), id, 10*time.Millisecond, 10*time.Second)
	require.NoError(t, err)

	assert.Equal(t, PhaseError, final.Phase)
	assert.Contains(t, final.Error, "final review failed")
	// Worker results gathered before the failure are preserved.
	assert.Len(t, final.Workers, 2)
}

func TestAwaitDeletesRecordButCommsSurvive(t *testing.T) {
	caller := &fakeCaller{}
	e, _, b := testEngine(t, caller)

	id, err := e.Launch(context.Background(), "snapshots", "", leadAndWorkers(), "", 2)
	require.NoError(t, err)

	// Post some traffic while the mission runs so the snapshot has content.
	status, err := e.Status(id)
	require.NoError(t, err)
	b.GroupPost(status.TeamID, status.WorkerIDs[0], "dev", "progress note")

	_, err = e.Await(context.Background(), id, 10*time.Millisecond, 10*time.Second)
	require.NoError(t, err)

	_, err = e.Status(id)
	assert.Equal(t, errs.NotFound, errs.KindOf(err), "record deleted by await")

	snap, err := e.Comms(id)
	require.NoError(t, err)
	require.Len(t, snap.GroupChat, 1)
	assert.Equal(t, "progress note", snap.GroupChat[0].Text)
}

func TestLeadKickoffPanicDoesNotAbortMission(t *testing.T) {
	caller := &fakeCaller{}
	caller.reply = func(agentID, text string) (string, error) {
		if strings.Contains(text, "You are the lead for this mission") {
			panic("lead adapter blew up")
		}
		return "fine", nil
	}
	e, _, _ := testEngine(t, caller)

	id, err := e.Launch(context.Background(), "sturdy", "", leadAndWorkers(), "", 2)
	require.NoError(t, err)
	final, err := e.Await(context.Background(), id, 10*time.Millisecond, 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, PhaseCompleted, final.Phase)
}

func TestRetentionExpiresRecordAndComms(t *testing.T) {
	caller := &fakeCaller{}
	store := state.NewStore()
	e := NewEngine(store, bus.NewBus(nil), caller, Config{
		AwaitPoll:    10 * time.Millisecond,
		AwaitTimeout: 10 * time.Second,
		Retention:    200 * time.Millisecond,
	}, nil)

	id, err := e.Launch(context.Background(), "short lived", "", leadAndWorkers(), "", 2)
	require.NoError(t, err)

	// Reach the terminal phase without Await so the record rides the
	// retention timer alone.
	require.Eventually(t, func() bool {
		s, err := e.Status(id)
		return err == nil && s.Phase == PhaseCompleted
	}, 5*time.Second, 10*time.Millisecond)

	_, err = e.Comms(id)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, err := e.Status(id)
		return errs.KindOf(err) == errs.NotFound
	}, 2*time.Second, 10*time.Millisecond, "record survived past retention")

	require.Eventually(t, func() bool {
		_, err := e.Comms(id)
		return errs.KindOf(err) == errs.NotFound
	}, 2*time.Second, 10*time.Millisecond, "snapshot survived past retention")
}

func TestCommsNotReadyWhileRunning(t *testing.T) {
	block := make(chan struct{})
	caller := &fakeCaller{}
	caller.reply = func(agentID, text string) (string, error) {
		if strings.Contains(text, "Your task:") {
			<-block
		}
		return "done", nil
	}
	e, _, _ := testEngine(t, caller)

	id, err := e.Launch(context.Background(), "slow", "", leadAndWorkers(), "", 2)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		s, err := e.Status(id)
		return err == nil && s.Phase == PhaseExecuting
	}, 2*time.Second, 10*time.Millisecond)

	_, err = e.Comms(id)
	assert.Equal(t, errs.NotReady, errs.KindOf(err))

	close(block)
	_, err = e.Await(context.Background(), id, 10*time.Millisecond, 10*time.Second)
	require.NoError(t, err)
}

func TestTeamCommsLiveView(t *testing.T) {
	caller := &fakeCaller{}
	e, store, b := testEngine(t, caller)

	team, err := store.CreateTeam("live", []state.AgentConfig{{Role: "dev"}, {Role: "dev"}})
	require.NoError(t, err)
	var ids []string
	for id := range team.Agents {
		ids = append(ids, id)
	}
	b.GroupPost(team.ID, ids[0], "dev", "hello")
	b.DMSend(ids[0], ids[1], "dev", "pst")
	b.Share(team.ID, ids[0], "artifact.txt")

	snap, err := e.TeamComms(team.ID)
	require.NoError(t, err)
	assert.Len(t, snap.GroupChat, 1)
	assert.Len(t, snap.DMs, 1)
	assert.Len(t, snap.Artifacts, 1)

	_, err = e.TeamComms("team-nope")
	assert.Equal(t, errs.NotFound, errs.KindOf(err))
}

func TestParseAssignments(t *testing.T) {
	cases := []struct {
		name  string
		reply string
		want  int
	}{
		{"bare array", `[{"agentId":"a","task":"t"}]`, 1},
		{"prose wrapped", "Sure thing!\n```json\n[{\"agentId\":\"a\",\"task\":\"t\"},{\"agentId\":\"b\",\"task\":\"u\"}]\n```", 2},
		{"empty array", "nothing to fix: []", 0},
		{"no array", "I cannot help with that", 0},
		{"nested brackets in task", `[{"agentId":"a","task":"fix arr[0] handling"}]`, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := parseAssignments(tc.reply)
			assert.Len(t, got, tc.want)
		})
	}
}

func TestVerifyCapturesStdoutAndStderr(t *testing.T) {
	e, _, _ := testEngine(t, &fakeCaller{})

	out, passed := e.runVerify(context.Background(), t.TempDir(), "echo to-stdout; echo to-stderr 1>&2")
	assert.True(t, passed)
	assert.Contains(t, out, "to-stdout")
	assert.Contains(t, out, "to-stderr")

	out, passed = e.runVerify(context.Background(), t.TempDir(), "echo nope; exit 3")
	assert.False(t, passed)
	assert.Contains(t, out, "nope")
}

func TestVerifyTimeout(t *testing.T) {
	caller := &fakeCaller{}
	store := state.NewStore()
	e := NewEngine(store, bus.NewBus(nil), caller, Config{VerifyTimeout: 100 * time.Millisecond}, nil)

	start := time.Now()
	out, passed := e.runVerify(context.Background(), "", "sleep 10")
	assert.False(t, passed)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Contains(t, out, "timed out")
}
