// Package team implements the operator-facing operations layered over the
// state store, the message bus and the codex adapter: direct sends,
// broadcast, relay, task assignment and completion, and steering.
package team

import (
	"context"
	"sort"

	"golang.org/x/sync/errgroup"

	"maestro/internal/bus"
	"maestro/internal/errs"
	"maestro/internal/logging"
	"maestro/internal/prompts"
	"maestro/internal/state"
)

// Caller is the slice of the codex adapter this service needs. Tests
// substitute a fake.
type Caller interface {
	Send(ctx context.Context, teamID, agentID, text string) (string, error)
	Cancel(agentID string) bool
	CancelTeam(agentIDs []string) []string
	Track(name string, fn func())
}

// AgentResult is one per-agent outcome of a fan-out operation.
type AgentResult struct {
	AgentID string `json:"agentId"`
	OK      bool   `json:"ok"`
	Output  string `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
	Skipped bool   `json:"skipped,omitempty"`
}

// Service wires the store, the bus and the adapter together.
type Service struct {
	store   *state.Store
	bus     *bus.Bus
	adapter Caller
	logger  logging.Logger
}

// NewService builds the operator operations service.
func NewService(store *state.Store, b *bus.Bus, adapter Caller, logger logging.Logger) *Service {
	return &Service{
		store:   store,
		bus:     b,
		adapter: adapter,
		logger:  logging.OrNop(logger),
	}
}

// SendMessage delivers one message to an idle agent and returns its reply.
func (s *Service) SendMessage(ctx context.Context, teamID, agentID, text string) (string, error) {
	agent, err := s.store.Agent(teamID, agentID)
	if err != nil {
		return "", err
	}
	if agent.Status == state.StatusWorking {
		return "", errs.New(errs.Busy, "agent %s is working; try again later or steer it", agentID)
	}
	return s.adapter.Send(ctx, teamID, agentID, text)
}

// Broadcast sends text to the given agents (default: all) concurrently,
// skipping any that are currently working. Per-agent outcomes are collected
// rather than failing the whole fan-out.
func (s *Service) Broadcast(ctx context.Context, teamID, text string, subset []string) ([]AgentResult, error) {
	targets, err := s.resolveTargets(teamID, subset)
	if err != nil {
		return nil, err
	}

	results := make([]AgentResult, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	for i, agent := range targets {
		results[i].AgentID = agent.ID
		if agent.Status == state.StatusWorking {
			results[i].Skipped = true
			continue
		}
		g.Go(func() error {
			out, err := s.adapter.Send(gctx, teamID, agent.ID, text)
			if err != nil {
				results[i].Error = errs.Message(err)
			} else {
				results[i].OK = true
				results[i].Output = out
			}
			return nil
		})
	}
	_ = g.Wait()
	return results, nil
}

// Relay forwards one agent's last output to another agent, or to every
// other non-working teammate when toAll is set.
func (s *Service) Relay(ctx context.Context, teamID, from, to string, toAll bool, prefix string) ([]AgentResult, error) {
	if to == "" && !toAll {
		return nil, errs.New(errs.InvalidArgument, "relay needs a destination agent or to_all")
	}

	source, err := s.store.Agent(teamID, from)
	if err != nil {
		return nil, err
	}
	if source.LastOutput == "" {
		return nil, errs.New(errs.InvalidArgument, "agent %s has no output to relay", from)
	}

	text := source.LastOutput
	if prefix != "" {
		text = prefix + "\n\n" + text
	}

	if !toAll {
		if _, err := s.store.Agent(teamID, to); err != nil {
			return nil, err
		}
		out, err := s.SendMessage(ctx, teamID, to, text)
		if err != nil {
			return []AgentResult{{AgentID: to, Error: errs.Message(err)}}, nil
		}
		return []AgentResult{{AgentID: to, OK: true, Output: out}}, nil
	}

	team, err := s.store.Team(teamID)
	if err != nil {
		return nil, err
	}
	var subset []string
	for id := range team.Agents {
		if id != from {
			subset = append(subset, id)
		}
	}
	sort.Strings(subset)
	return s.Broadcast(ctx, teamID, text, subset)
}

// AssignTask creates a task and, when its prerequisites are already all
// completed and the assignee is idle, kicks it off immediately. The
// kick-off runs in the background; a failed kick-off reverts the task to
// pending.
func (s *Service) AssignTask(ctx context.Context, teamID, assigneeID, description string, prerequisites []string) (state.Task, error) {
	task, err := s.store.CreateTask(teamID, assigneeID, description, prerequisites)
	if err != nil {
		return state.Task{}, err
	}

	ready, err := s.prerequisitesCompleted(teamID, task)
	if err != nil {
		return state.Task{}, err
	}
	assignee, err := s.store.Agent(teamID, assigneeID)
	if err != nil {
		return state.Task{}, err
	}
	if ready && assignee.Status == state.StatusIdle {
		s.kickOff(ctx, teamID, task)
	}
	return task, nil
}

// CompleteTask marks a task completed (falling back to the assignee's last
// output when result is empty) and kicks off every unblocked task whose
// assignee is idle.
func (s *Service) CompleteTask(ctx context.Context, teamID, taskID, result string) (state.Task, []string, error) {
	if result == "" {
		task, err := s.store.Task(teamID, taskID)
		if err != nil {
			return state.Task{}, nil, err
		}
		if assignee, err := s.store.Agent(teamID, task.AssigneeID); err == nil {
			result = assignee.LastOutput
		}
	}

	completed, unblocked, err := s.store.CompleteTask(teamID, taskID, result)
	if err != nil {
		return state.Task{}, nil, err
	}

	ids := make([]string, 0, len(unblocked))
	for _, task := range unblocked {
		ids = append(ids, task.ID)
		assignee, err := s.store.Agent(teamID, task.AssigneeID)
		if err != nil || assignee.Status != state.StatusIdle {
			continue
		}
		s.kickOff(ctx, teamID, task)
	}
	return completed, ids, nil
}

// kickOff transitions the task to in-progress and fires its adapter call in
// the background, reverting to pending if the call fails.
func (s *Service) kickOff(ctx context.Context, teamID string, task state.Task) {
	if err := s.store.StartTask(teamID, task.ID); err != nil {
		s.logger.Warn("kick-off skipped for %s: %v", task.ID, err)
		return
	}
	text := prompts.TaskKickoff(task.ID, task.Description)
	s.adapter.Track("team.kickoff."+task.ID, func() {
		if _, err := s.adapter.Send(context.WithoutCancel(ctx), teamID, task.AssigneeID, text); err != nil {
			s.logger.Warn("kick-off for %s failed: %v", task.ID, err)
			if rerr := s.store.RevertTask(teamID, task.ID); rerr != nil {
				s.logger.Debug("revert of %s: %v", task.ID, rerr)
			}
		}
	})
}

// Tasks lists a team's tasks.
func (s *Service) Tasks(teamID string) ([]state.Task, error) {
	return s.store.Tasks(teamID)
}

// GetOutput returns an agent's last output.
func (s *Service) GetOutput(teamID, agentID string) (string, error) {
	agent, err := s.store.Agent(teamID, agentID)
	if err != nil {
		return "", err
	}
	if agent.LastOutput == "" {
		return "", errs.New(errs.NotFound, "agent %s has produced no output yet", agentID)
	}
	return agent.LastOutput, nil
}

// Report is a compact operator view of a team.
type Report struct {
	Team      state.Team     `json:"team"`
	Idle      []string       `json:"idle"`
	Working   []string       `json:"working"`
	Errored   []string       `json:"errored"`
	Pending   []state.Task   `json:"pending"`
	Active    []state.Task   `json:"active"`
	Completed []state.Task   `json:"completed"`
	Artifacts []bus.Artifact `json:"artifacts"`
}

// GetTeamReport summarizes agent statuses, task progress and artifacts.
func (s *Service) GetTeamReport(teamID string) (*Report, error) {
	team, err := s.store.Team(teamID)
	if err != nil {
		return nil, err
	}
	report := &Report{Team: team, Artifacts: s.bus.GetShared(teamID)}
	for _, agent := range team.Agents {
		switch agent.Status {
		case state.StatusWorking:
			report.Working = append(report.Working, agent.ID)
		case state.StatusError:
			report.Errored = append(report.Errored, agent.ID)
		default:
			report.Idle = append(report.Idle, agent.ID)
		}
	}
	sort.Strings(report.Idle)
	sort.Strings(report.Working)
	sort.Strings(report.Errored)

	tasks, err := s.store.Tasks(teamID)
	if err != nil {
		return nil, err
	}
	for _, task := range tasks {
		switch task.Status {
		case state.TaskInProgress:
			report.Active = append(report.Active, task)
		case state.TaskCompleted:
			report.Completed = append(report.Completed, task)
		default:
			report.Pending = append(report.Pending, task)
		}
	}
	return report, nil
}

// Dissolve destroys a team in both the store and the bus and drops the
// members' identity tokens.
func (s *Service) Dissolve(teamID string, forget func([]string)) error {
	memberIDs, err := s.store.DissolveTeam(teamID)
	if err != nil {
		return err
	}
	s.bus.DissolveTeam(teamID, memberIDs)
	if forget != nil {
		forget(memberIDs)
	}
	return nil
}

func (s *Service) resolveTargets(teamID string, subset []string) ([]state.Agent, error) {
	team, err := s.store.Team(teamID)
	if err != nil {
		return nil, err
	}
	var targets []state.Agent
	if len(subset) == 0 {
		for _, agent := range team.Agents {
			targets = append(targets, agent)
		}
	} else {
		for _, id := range subset {
			agent, ok := team.Agents[id]
			if !ok {
				return nil, errs.New(errs.NotFound, "agent %s not found in team %s", id, teamID)
			}
			targets = append(targets, agent)
		}
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i].ID < targets[j].ID })
	return targets, nil
}

func (s *Service) prerequisitesCompleted(teamID string, task state.Task) (bool, error) {
	for _, dep := range task.DependsOn {
		depTask, err := s.store.Task(teamID, dep)
		if err != nil {
			return false, err
		}
		if depTask.Status != state.TaskCompleted {
			return false, nil
		}
	}
	return true, nil
}
