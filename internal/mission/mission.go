// Package mission runs asynchronous missions: a lead plus workers execute
// an objective, an optional verify command gates completion with a bounded
// fix loop, and the lead compiles a final report. Mission records live in
// a process-wide registry; terminal comms snapshots are retained for a
// while after the team is gone.
package mission

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"maestro/internal/bus"
	"maestro/internal/errs"
	"maestro/internal/logging"
	"maestro/internal/state"
)

// Phase is the mission state machine position.
type Phase string

const (
	PhaseExecuting Phase = "executing"
	PhaseVerifying Phase = "verifying"
	PhaseFixing    Phase = "fixing"
	PhaseReviewing Phase = "reviewing"
	PhaseCompleted Phase = "completed"
	PhaseError     Phase = "error"
)

// terminal reports whether the phase is final.
func (p Phase) terminal() bool { return p == PhaseCompleted || p == PhaseError }

// TeamSpec describes one mission participant. Exactly one spec must be
// marked lead.
type TeamSpec struct {
	Role           string                `json:"role"`
	Task           string                `json:"task,omitempty"`
	Specialization string                `json:"specialization,omitempty"`
	Model          string                `json:"model,omitempty"`
	Sandbox        state.SandboxMode     `json:"sandbox,omitempty"`
	Reasoning      state.ReasoningEffort `json:"reasoning,omitempty"`
	Lead           bool                  `json:"lead,omitempty"`
}

// WorkerOutcome is one worker's latest result record.
type WorkerOutcome struct {
	AgentID string `json:"agentId"`
	Role    string `json:"role"`
	OK      bool   `json:"ok"`
	Output  string `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
}

// VerifyAttempt is one run of the verify command.
type VerifyAttempt struct {
	Attempt int       `json:"attempt"`
	Passed  bool      `json:"passed"`
	Output  string    `json:"output"`
	RanAt   time.Time `json:"ranAt"`
}

// Status is an operator-visible mission snapshot.
type Status struct {
	ID           string          `json:"id"`
	Objective    string          `json:"objective"`
	Phase        Phase           `json:"phase"`
	TeamID       string          `json:"teamId"`
	LeadID       string          `json:"leadId"`
	WorkerIDs    []string        `json:"workerIds"`
	Workers      []WorkerOutcome `json:"workers"`
	Verification []VerifyAttempt `json:"verification,omitempty"`
	FinalReport  string          `json:"finalReport,omitempty"`
	Error        string          `json:"error,omitempty"`
	StartedAt    time.Time       `json:"startedAt"`
	EndedAt      time.Time       `json:"endedAt,omitzero"`
}

// CommsSnapshot is the terminal capture of a mission team's channels.
type CommsSnapshot struct {
	GroupChat []bus.Message            `json:"groupChat"`
	DMs       map[string][]bus.Message `json:"dms"`
	LeadChat  []bus.Message            `json:"leadChat"`
	Artifacts []bus.Artifact           `json:"artifacts"`
}

// Caller is the adapter slice the engine needs.
type Caller interface {
	Send(ctx context.Context, teamID, agentID, text string) (string, error)
	Track(name string, fn func())
	ForgetTokens(agentIDs []string)
}

// record is the mutable mission state, guarded by the engine lock.
type record struct {
	id           string
	objective    string
	workDir      string
	verifyCmd    string
	maxRetries   int
	phase        Phase
	teamID       string
	leadID       string
	leadRole     string
	workerIDs    []string
	workers      map[string]*WorkerOutcome
	verification []VerifyAttempt
	finalReport  string
	err          string
	startedAt    time.Time
	endedAt      time.Time
}

// Config tunes the engine.
type Config struct {
	VerifyTimeout time.Duration // per verify run, default 10m
	AwaitPoll     time.Duration // await_mission poll, default 3s
	AwaitTimeout  time.Duration // await_mission cap, default 60m
	Retention     time.Duration // record + snapshot retention, default 30m

	// OnTerminal is invoked once per mission with its final phase.
	OnTerminal func(phase Phase)
}

func (c *Config) defaults() {
	if c.VerifyTimeout <= 0 {
		c.VerifyTimeout = 10 * time.Minute
	}
	if c.AwaitPoll <= 0 {
		c.AwaitPoll = 3 * time.Second
	}
	if c.AwaitTimeout <= 0 {
		c.AwaitTimeout = 60 * time.Minute
	}
	if c.Retention <= 0 {
		c.Retention = 30 * time.Minute
	}
}

// Engine owns the mission registry.
type Engine struct {
	store   *state.Store
	bus     *bus.Bus
	adapter Caller
	cfg     Config
	logger  logging.Logger

	mu       sync.Mutex
	missions map[string]*record

	// Terminal snapshots outlive the mission record so get_mission_comms
	// keeps working for a while after await_mission deleted the record.
	snapshots *expirable.LRU[string, *CommsSnapshot]

	// verify is swappable in tests.
	verify func(ctx context.Context, workDir, cmd string) (string, bool)
}

// NewEngine builds a mission engine.
func NewEngine(store *state.Store, b *bus.Bus, adapter Caller, cfg Config, logger logging.Logger) *Engine {
	cfg.defaults()
	e := &Engine{
		store:     store,
		bus:       b,
		adapter:   adapter,
		cfg:       cfg,
		logger:    logging.OrNop(logger),
		missions:  make(map[string]*record),
		snapshots: expirable.NewLRU[string, *CommsSnapshot](128, nil, cfg.Retention),
	}
	e.verify = e.runVerify
	return e
}

// Launch validates the specs, creates the team and starts the mission in
// the background, returning the mission id immediately.
func (e *Engine) Launch(ctx context.Context, objective, workDir string, specs []TeamSpec, verifyCmd string, maxRetries int) (string, error) {
	if objective == "" {
		return "", errs.New(errs.InvalidArgument, "mission objective is required")
	}
	leads := 0
	for _, spec := range specs {
		if spec.Lead {
			leads++
		}
	}
	if leads != 1 {
		return "", errs.New(errs.InvalidArgument, "exactly one spec must be marked lead, got %d", leads)
	}
	if maxRetries < 0 {
		maxRetries = 0
	}

	configs := make([]state.AgentConfig, len(specs))
	for i, spec := range specs {
		configs[i] = state.AgentConfig{
			Role:           spec.Role,
			Specialization: spec.Specialization,
			Model:          spec.Model,
			Sandbox:        spec.Sandbox,
			Reasoning:      spec.Reasoning,
			Lead:           spec.Lead,
			WorkDir:        workDir,
		}
	}
	team, err := e.store.CreateTeam(missionTeamName(objective), configs)
	if err != nil {
		return "", err
	}

	rec := &record{
		id:         "mission-" + team.ID[len("team-"):],
		objective:  objective,
		workDir:    workDir,
		verifyCmd:  verifyCmd,
		maxRetries: maxRetries,
		phase:      PhaseExecuting,
		teamID:     team.ID,
		workers:    make(map[string]*WorkerOutcome),
		startedAt:  time.Now(),
	}

	// Match created agents back to specs by role/lead flag.
	taskByAgent := assignTasks(team, specs)
	for id, agent := range team.Agents {
		if agent.Lead {
			rec.leadID = id
			rec.leadRole = agent.Role
		} else {
			rec.workerIDs = append(rec.workerIDs, id)
			rec.workers[id] = &WorkerOutcome{AgentID: id, Role: agent.Role}
		}
	}
	sort.Strings(rec.workerIDs)

	e.mu.Lock()
	e.missions[rec.id] = rec
	e.mu.Unlock()

	e.adapter.Track("mission.run."+rec.id, func() {
		e.run(context.WithoutCancel(ctx), rec, taskByAgent)
	})
	e.logger.Info("mission %s launched (team %s, %d workers)", rec.id, rec.teamID, len(rec.workerIDs))
	return rec.id, nil
}

// Status returns the mission's current snapshot.
func (e *Engine) Status(id string) (*Status, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.missions[id]
	if !ok {
		return nil, errs.New(errs.NotFound, "mission %s not found", id)
	}
	return rec.snapshot(), nil
}

// Await blocks until the mission reaches a terminal phase, then returns
// its final snapshot and deletes the record. The terminal comms snapshot
// is retained separately.
func (e *Engine) Await(ctx context.Context, id string, poll, timeout time.Duration) (*Status, error) {
	if poll <= 0 {
		poll = e.cfg.AwaitPoll
	}
	if timeout <= 0 {
		timeout = e.cfg.AwaitTimeout
	}
	deadline := time.Now().Add(timeout)

	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		e.mu.Lock()
		rec, ok := e.missions[id]
		if !ok {
			e.mu.Unlock()
			return nil, errs.New(errs.NotFound, "mission %s not found", id)
		}
		if rec.phase.terminal() {
			snap := rec.snapshot()
			delete(e.missions, id)
			e.mu.Unlock()
			return snap, nil
		}
		e.mu.Unlock()

		if time.Now().After(deadline) {
			return nil, errs.New(errs.Timeout, "mission %s did not finish within %v", id, timeout)
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, errs.Wrap(errs.Canceled, ctx.Err(), "await canceled")
		}
	}
}

// Comms returns the terminal comms snapshot. It fails with not_ready while
// the mission is still running.
func (e *Engine) Comms(id string) (*CommsSnapshot, error) {
	e.mu.Lock()
	rec, live := e.missions[id]
	if live && !rec.phase.terminal() {
		e.mu.Unlock()
		return nil, errs.New(errs.NotReady, "mission %s is still %s", id, rec.phase)
	}
	e.mu.Unlock()

	snap, ok := e.snapshots.Get(id)
	if !ok {
		return nil, errs.New(errs.NotFound, "no comms snapshot for mission %s", id)
	}
	return snap, nil
}

// TeamComms is the live view of a still-existing team's channels.
func (e *Engine) TeamComms(teamID string) (*CommsSnapshot, error) {
	team, err := e.store.Team(teamID)
	if err != nil {
		return nil, err
	}
	memberIDs := make([]string, 0, len(team.Agents))
	for id := range team.Agents {
		memberIDs = append(memberIDs, id)
	}
	return &CommsSnapshot{
		GroupChat: e.bus.GroupMessages(teamID),
		DMs:       e.bus.DMTranscripts(memberIDs),
		LeadChat:  e.bus.LeadMessagesFrom(memberIDs),
		Artifacts: e.bus.GetShared(teamID),
	}, nil
}

func (rec *record) snapshot() *Status {
	out := &Status{
		ID:           rec.id,
		Objective:    rec.objective,
		Phase:        rec.phase,
		TeamID:       rec.teamID,
		LeadID:       rec.leadID,
		WorkerIDs:    append([]string(nil), rec.workerIDs...),
		Verification: append([]VerifyAttempt(nil), rec.verification...),
		FinalReport:  rec.finalReport,
		Error:        rec.err,
		StartedAt:    rec.startedAt,
		EndedAt:      rec.endedAt,
	}
	for _, id := range rec.workerIDs {
		out.Workers = append(out.Workers, *rec.workers[id])
	}
	return out
}

// assignTasks maps each created agent to its spec's task text.
func assignTasks(team state.Team, specs []TeamSpec) map[string]string {
	// Group agents per (role, lead) the way the store created them.
	type key struct {
		role string
		lead bool
	}
	byKey := make(map[key][]string)
	for id, agent := range team.Agents {
		k := key{agent.Role, agent.Lead}
		byKey[k] = append(byKey[k], id)
	}
	for k := range byKey {
		sort.Strings(byKey[k])
	}

	out := make(map[string]string, len(specs))
	for _, spec := range specs {
		role := spec.Role
		if role == "" {
			role = "agent"
		}
		k := key{role, spec.Lead}
		ids := byKey[k]
		if len(ids) == 0 {
			continue
		}
		out[ids[0]] = spec.Task
		byKey[k] = ids[1:]
	}
	return out
}

func missionTeamName(objective string) string {
	name := strings.TrimSpace(objective)
	if len(name) > 40 {
		name = name[:40]
	}
	if name == "" {
		name = "mission"
	}
	return name
}
