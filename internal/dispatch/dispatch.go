// Package dispatch runs one-shot parallel fan-outs: create a throwaway
// team, run every agent's task concurrently, collect per-agent outcomes
// and always tear the team down again.
package dispatch

import (
	"context"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"maestro/internal/bus"
	"maestro/internal/errs"
	"maestro/internal/logging"
	"maestro/internal/state"
)

// Caller is the adapter slice the dispatcher needs.
type Caller interface {
	Send(ctx context.Context, teamID, agentID, text string) (string, error)
	ForgetTokens(agentIDs []string)
}

// Spec describes one dispatched agent and its task.
type Spec struct {
	Role           string                `json:"role"`
	Task           string                `json:"task"`
	Specialization string                `json:"specialization,omitempty"`
	Model          string                `json:"model,omitempty"`
	Sandbox        state.SandboxMode     `json:"sandbox,omitempty"`
	Reasoning      state.ReasoningEffort `json:"reasoning,omitempty"`
}

// Result is one agent's dispatch outcome.
type Result struct {
	AgentID string `json:"agentId"`
	Role    string `json:"role"`
	OK      bool   `json:"ok"`
	Output  string `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Dispatcher owns the fan-out.
type Dispatcher struct {
	store       *state.Store
	bus         *bus.Bus
	adapter     Caller
	callTimeout time.Duration
	logger      logging.Logger
}

// NewDispatcher builds a dispatcher. callTimeout bounds each agent call;
// zero means 30 minutes.
func NewDispatcher(store *state.Store, b *bus.Bus, adapter Caller, callTimeout time.Duration, logger logging.Logger) *Dispatcher {
	if callTimeout <= 0 {
		callTimeout = 30 * time.Minute
	}
	return &Dispatcher{
		store:       store,
		bus:         b,
		adapter:     adapter,
		callTimeout: callTimeout,
		logger:      logging.OrNop(logger),
	}
}

// Dispatch creates the team, runs every spec's task in parallel and
// destroys the team unconditionally, even on partial or total failure.
func (d *Dispatcher) Dispatch(ctx context.Context, teamName, workDir string, specs []Spec) ([]Result, error) {
	if len(specs) == 0 {
		return nil, errs.New(errs.InvalidArgument, "dispatch needs at least one spec")
	}
	for i, spec := range specs {
		if spec.Task == "" {
			return nil, errs.New(errs.InvalidArgument, "spec %d has no task", i)
		}
	}

	configs := make([]state.AgentConfig, len(specs))
	for i, spec := range specs {
		configs[i] = state.AgentConfig{
			Role:           spec.Role,
			Specialization: spec.Specialization,
			Model:          spec.Model,
			Sandbox:        spec.Sandbox,
			Reasoning:      spec.Reasoning,
			WorkDir:        workDir,
		}
	}

	team, err := d.store.CreateTeam(teamName, configs)
	if err != nil {
		return nil, err
	}
	defer d.teardown(team.ID)

	// Map each spec back to its created agent. Roles may repeat, so match
	// by consuming agents in id order per role.
	agentsByRole := make(map[string][]state.Agent)
	for _, agent := range team.Agents {
		agentsByRole[agent.Role] = append(agentsByRole[agent.Role], agent)
	}
	for role, list := range agentsByRole {
		sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
		agentsByRole[role] = list
	}

	results := make([]Result, len(specs))
	g := new(errgroup.Group)
	for i, spec := range specs {
		role := spec.Role
		if role == "" {
			role = "agent"
		}
		list := agentsByRole[role]
		agent := list[0]
		agentsByRole[role] = list[1:]

		results[i] = Result{AgentID: agent.ID, Role: agent.Role}
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, d.callTimeout)
			defer cancel()
			out, err := d.adapter.Send(cctx, team.ID, agent.ID, spec.Task)
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

	d.logger.Info("dispatch %q finished: %d specs", teamName, len(specs))
	return results, nil
}

// teardown destroys the team in the store and the bus. Dispatch teams are
// always throwaway.
func (d *Dispatcher) teardown(teamID string) {
	memberIDs, err := d.store.DissolveTeam(teamID)
	if err != nil {
		d.logger.Warn("dispatch teardown of %s: %v", teamID, err)
		return
	}
	d.bus.DissolveTeam(teamID, memberIDs)
	d.adapter.ForgetTokens(memberIDs)
}
