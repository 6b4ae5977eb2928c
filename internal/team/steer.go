package team

import (
	"context"
	"sort"

	"golang.org/x/sync/errgroup"

	"maestro/internal/errs"
	"maestro/internal/prompts"
)

// Synthetic identity used for steering announcements in group chat.
const (
	orchestratorID   = "orchestrator"
	orchestratorRole = "Orchestrator"
)

// SteerResult classifies the targets of a steer.
type SteerResult struct {
	Aborted []string      `json:"aborted"`
	Steered []AgentResult `json:"steered"`
	Failed  []AgentResult `json:"failed"`
}

// Steer cancels the targets' in-flight calls, announces the direction
// change in group chat under the orchestrator identity, then redirects
// every target concurrently with the new directive.
func (s *Service) Steer(ctx context.Context, teamID, directive string, subset []string) (*SteerResult, error) {
	if directive == "" {
		return nil, errs.New(errs.InvalidArgument, "steer directive is required")
	}
	targets, err := s.resolveTargets(teamID, subset)
	if err != nil {
		return nil, err
	}

	ids := make([]string, len(targets))
	for i, agent := range targets {
		ids[i] = agent.ID
	}

	result := &SteerResult{Aborted: s.adapter.CancelTeam(ids)}
	sort.Strings(result.Aborted)

	s.bus.GroupPost(teamID, orchestratorID, orchestratorRole,
		"Direction change: "+directive)

	redirect := prompts.Redirect(directive)
	outcomes := make([]AgentResult, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	for i, agent := range targets {
		g.Go(func() error {
			outcomes[i].AgentID = agent.ID
			out, err := s.adapter.Send(gctx, teamID, agent.ID, redirect)
			if err != nil {
				outcomes[i].Error = errs.Message(err)
			} else {
				outcomes[i].OK = true
				outcomes[i].Output = out
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, outcome := range outcomes {
		if outcome.OK {
			result.Steered = append(result.Steered, outcome)
		} else {
			result.Failed = append(result.Failed, outcome)
		}
	}
	s.logger.Info("steered team %s: %d aborted, %d steered, %d failed",
		teamID, len(result.Aborted), len(result.Steered), len(result.Failed))
	return result, nil
}
