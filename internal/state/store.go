// Package state is the in-memory store of teams, agents and tasks. It
// enforces the lifecycle invariants: agent id uniqueness, team-scoped task
// prerequisites, forward-only task transitions and the remove-agent busy
// check. All methods are safe for concurrent use; reads return copies.
package state

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"maestro/internal/errs"
	"maestro/internal/logging"
)

// Store holds every live team behind one coarse lock.
type Store struct {
	mu           sync.RWMutex
	teams        map[string]*team
	defaultModel string
	logger       logging.Logger
}

// internal mutable representations; public methods expose copies only.
type team struct {
	id        string
	name      string
	createdAt time.Time
	agents    map[string]*Agent
	tasks     map[string]*Task
}

// Option configures a Store.
type Option func(*Store)

// WithDefaultModel overrides the model applied to agent configs that omit one.
func WithDefaultModel(model string) Option {
	return func(s *Store) { s.defaultModel = model }
}

// WithLogger sets the store logger.
func WithLogger(logger logging.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// NewStore creates an empty store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		teams:        make(map[string]*team),
		defaultModel: "gpt-5.3-codex",
		logger:       logging.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func hexTail() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

func (s *Store) newAgent(cfg AgentConfig, existing map[string]*Agent) *Agent {
	agent := &Agent{
		Role:           cfg.Role,
		Specialization: cfg.Specialization,
		Model:          cfg.Model,
		Sandbox:        cfg.Sandbox,
		Approval:       cfg.Approval,
		Reasoning:      cfg.Reasoning,
		Lead:           cfg.Lead,
		WorkDir:        cfg.WorkDir,
		Instructions:   cfg.Instructions,
		Status:         StatusIdle,
	}
	if agent.Role == "" {
		agent.Role = "agent"
	}
	if agent.Model == "" {
		agent.Model = s.defaultModel
	}
	if agent.Sandbox == "" {
		agent.Sandbox = SandboxWorkspaceWrite
	}
	if agent.Approval == "" {
		agent.Approval = ApprovalNever
	}
	if agent.Reasoning == "" {
		if agent.Lead {
			agent.Reasoning = ReasoningXHigh
		} else {
			agent.Reasoning = ReasoningHigh
		}
	}
	for {
		id := agent.Role + "-" + hexTail()
		if _, taken := existing[id]; !taken {
			agent.ID = id
			break
		}
	}
	return agent
}

// CreateTeam constructs a team with the given agents, applying defaults.
func (s *Store) CreateTeam(name string, configs []AgentConfig) (Team, error) {
	if name == "" {
		return Team{}, errs.New(errs.InvalidArgument, "team name is required")
	}
	if len(configs) == 0 {
		return Team{}, errs.New(errs.InvalidArgument, "at least one agent config is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t := &team{
		id:        "team-" + hexTail(),
		name:      name,
		createdAt: time.Now(),
		agents:    make(map[string]*Agent, len(configs)),
		tasks:     make(map[string]*Task),
	}
	for _, cfg := range configs {
		agent := s.newAgent(cfg, t.agents)
		t.agents[agent.ID] = agent
	}
	s.teams[t.id] = t
	s.logger.Info("created team %s (%s) with %d agents", t.id, name, len(t.agents))
	return t.snapshot(), nil
}

// DissolveTeam destroys the team and returns the ids of its former members
// so the caller can purge bus channels.
func (s *Store) DissolveTeam(teamID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.teams[teamID]
	if !ok {
		return nil, errs.New(errs.NotFound, "team %s not found", teamID)
	}
	ids := make([]string, 0, len(t.agents))
	for id := range t.agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	delete(s.teams, teamID)
	s.logger.Info("dissolved team %s (%s)", teamID, t.name)
	return ids, nil
}

// AddAgent adds one agent to an existing team.
func (s *Store) AddAgent(teamID string, cfg AgentConfig) (Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.teams[teamID]
	if !ok {
		return Agent{}, errs.New(errs.NotFound, "team %s not found", teamID)
	}
	agent := s.newAgent(cfg, t.agents)
	t.agents[agent.ID] = agent
	return *agent, nil
}

// RemoveAgent removes an agent unless it is working or owns tasks.
func (s *Store) RemoveAgent(teamID, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.teams[teamID]
	if !ok {
		return errs.New(errs.NotFound, "team %s not found", teamID)
	}
	agent, ok := t.agents[agentID]
	if !ok {
		return errs.New(errs.NotFound, "agent %s not found in team %s", agentID, teamID)
	}
	if agent.Status == StatusWorking {
		return errs.New(errs.Busy, "agent %s is currently working; wait for it to finish", agentID)
	}
	if len(agent.TaskIDs) > 0 {
		return errs.New(errs.Busy, "agent %s still owns %d task(s)", agentID, len(agent.TaskIDs))
	}
	delete(t.agents, agentID)
	return nil
}

// Team returns a snapshot of the team.
func (s *Store) Team(teamID string) (Team, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.teams[teamID]
	if !ok {
		return Team{}, errs.New(errs.NotFound, "team %s not found", teamID)
	}
	return t.snapshot(), nil
}

// Teams returns snapshots of every live team, ordered by name.
func (s *Store) Teams() []Team {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Team, 0, len(s.teams))
	for _, t := range s.teams {
		out = append(out, t.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Agent returns a snapshot of one agent.
func (s *Store) Agent(teamID, agentID string) (Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	agent, err := s.lookupAgent(teamID, agentID)
	if err != nil {
		return Agent{}, err
	}
	return cloneAgent(agent), nil
}

// FindAgent locates an agent by id across all teams.
func (s *Store) FindAgent(agentID string) (string, Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, t := range s.teams {
		if agent, ok := t.agents[agentID]; ok {
			return t.id, cloneAgent(agent), nil
		}
	}
	return "", Agent{}, errs.New(errs.NotFound, "agent %s not found", agentID)
}

// SetAgentStatus updates an agent's runtime status.
func (s *Store) SetAgentStatus(teamID, agentID string, status AgentStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	agent, err := s.lookupAgent(teamID, agentID)
	if err != nil {
		return err
	}
	agent.Status = status
	return nil
}

// SetAgentOutput records an agent's last output.
func (s *Store) SetAgentOutput(teamID, agentID, output string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	agent, err := s.lookupAgent(teamID, agentID)
	if err != nil {
		return err
	}
	agent.LastOutput = output
	return nil
}

// SetAgentThread records or clears an agent's continuation handle.
func (s *Store) SetAgentThread(teamID, agentID, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	agent, err := s.lookupAgent(teamID, agentID)
	if err != nil {
		return err
	}
	agent.ThreadID = threadID
	return nil
}

func (s *Store) lookupAgent(teamID, agentID string) (*Agent, error) {
	t, ok := s.teams[teamID]
	if !ok {
		return nil, errs.New(errs.NotFound, "team %s not found", teamID)
	}
	agent, ok := t.agents[agentID]
	if !ok {
		return nil, errs.New(errs.NotFound, "agent %s not found in team %s", agentID, teamID)
	}
	return agent, nil
}

func (t *team) snapshot() Team {
	out := Team{
		ID:        t.id,
		Name:      t.name,
		CreatedAt: t.createdAt,
		Agents:    make(map[string]Agent, len(t.agents)),
		Tasks:     make(map[string]Task, len(t.tasks)),
	}
	for id, agent := range t.agents {
		out.Agents[id] = cloneAgent(agent)
	}
	for id, task := range t.tasks {
		out.Tasks[id] = cloneTask(task)
	}
	return out
}

func cloneAgent(a *Agent) Agent {
	out := *a
	out.TaskIDs = append([]string(nil), a.TaskIDs...)
	return out
}

func cloneTask(t *Task) Task {
	out := *t
	out.DependsOn = append([]string(nil), t.DependsOn...)
	return out
}
