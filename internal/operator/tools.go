package operator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"maestro/internal/dispatch"
	"maestro/internal/errs"
	"maestro/internal/mission"
	"maestro/internal/state"
	"maestro/internal/team"
)

// toolResult pairs the human-readable summary with the structured payload.
type toolResult struct {
	text       string
	structured any
}

// agentSpec is the wire shape of one agent in create_team and add_agent.
type agentSpec struct {
	Role           string `json:"role"`
	Specialization string `json:"specialization,omitempty"`
	Model          string `json:"model,omitempty"`
	Sandbox        string `json:"sandbox,omitempty"`
	Approval       string `json:"approval,omitempty"`
	Reasoning      string `json:"reasoning,omitempty"`
	Lead           bool   `json:"lead,omitempty"`
	WorkDir        string `json:"work_dir,omitempty"`
	Instructions   string `json:"instructions,omitempty"`
}

func (a agentSpec) config() state.AgentConfig {
	return state.AgentConfig{
		Role:           a.Role,
		Specialization: a.Specialization,
		Model:          a.Model,
		Sandbox:        state.SandboxMode(a.Sandbox),
		Approval:       state.ApprovalPolicy(a.Approval),
		Reasoning:      state.ReasoningEffort(a.Reasoning),
		Lead:           a.Lead,
		WorkDir:        a.WorkDir,
		Instructions:   a.Instructions,
	}
}

func decode(raw json.RawMessage, target any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return errs.Wrap(errs.InvalidArgument, err, "bad tool arguments")
	}
	return nil
}

// dispatch routes one operator tool call.
func (s *Server) dispatch(ctx context.Context, tool string, args json.RawMessage) (*toolResult, error) {
	switch tool {
	case "create_team":
		var p struct {
			Name   string      `json:"name"`
			Agents []agentSpec `json:"agents"`
		}
		if err := decode(args, &p); err != nil {
			return nil, err
		}
		configs := make([]state.AgentConfig, len(p.Agents))
		for i, a := range p.Agents {
			configs[i] = a.config()
		}
		created, err := s.deps.Store.CreateTeam(p.Name, configs)
		if err != nil {
			return nil, err
		}
		return &toolResult{
			text:       fmt.Sprintf("created team %s (%q) with %d agent(s)", created.ID, created.Name, len(created.Agents)),
			structured: map[string]any{"team": created},
		}, nil

	case "dissolve_team":
		var p struct {
			TeamID string `json:"team_id"`
		}
		if err := decode(args, &p); err != nil {
			return nil, err
		}
		if err := s.deps.Teams.Dissolve(p.TeamID, s.forgetTokens); err != nil {
			return nil, err
		}
		return &toolResult{text: fmt.Sprintf("dissolved team %s", p.TeamID)}, nil

	case "add_agent":
		var p struct {
			TeamID string `json:"team_id"`
			agentSpec
		}
		if err := decode(args, &p); err != nil {
			return nil, err
		}
		agent, err := s.deps.Store.AddAgent(p.TeamID, p.agentSpec.config())
		if err != nil {
			return nil, err
		}
		return &toolResult{
			text:       fmt.Sprintf("added agent %s to team %s", agent.ID, p.TeamID),
			structured: map[string]any{"agent": agent},
		}, nil

	case "remove_agent":
		var p struct {
			TeamID  string `json:"team_id"`
			AgentID string `json:"agent_id"`
		}
		if err := decode(args, &p); err != nil {
			return nil, err
		}
		if err := s.deps.Store.RemoveAgent(p.TeamID, p.AgentID); err != nil {
			return nil, err
		}
		s.forgetTokens([]string{p.AgentID})
		return &toolResult{text: fmt.Sprintf("removed agent %s", p.AgentID)}, nil

	case "list_agents":
		var p struct {
			TeamID string `json:"team_id"`
		}
		if err := decode(args, &p); err != nil {
			return nil, err
		}
		if p.TeamID != "" {
			listed, err := s.deps.Store.Team(p.TeamID)
			if err != nil {
				return nil, err
			}
			return &toolResult{
				text:       fmt.Sprintf("team %s has %d agent(s)", listed.ID, len(listed.Agents)),
				structured: map[string]any{"teams": []state.Team{listed}},
			}, nil
		}
		teams := s.deps.Store.Teams()
		total := 0
		for _, t := range teams {
			total += len(t.Agents)
		}
		return &toolResult{
			text:       fmt.Sprintf("%d team(s), %d agent(s)", len(teams), total),
			structured: map[string]any{"teams": teams},
		}, nil

	case "send_message":
		var p struct {
			TeamID  string `json:"team_id"`
			AgentID string `json:"agent_id"`
			Text    string `json:"text"`
		}
		if err := decode(args, &p); err != nil {
			return nil, err
		}
		reply, err := s.deps.Teams.SendMessage(ctx, p.TeamID, p.AgentID, p.Text)
		if err != nil {
			return nil, err
		}
		return &toolResult{text: reply, structured: map[string]any{"output": reply}}, nil

	case "broadcast":
		var p struct {
			TeamID   string   `json:"team_id"`
			Text     string   `json:"text"`
			AgentIDs []string `json:"agent_ids,omitempty"`
		}
		if err := decode(args, &p); err != nil {
			return nil, err
		}
		results, err := s.deps.Teams.Broadcast(ctx, p.TeamID, p.Text, p.AgentIDs)
		if err != nil {
			return nil, err
		}
		return &toolResult{
			text:       broadcastSummary(results),
			structured: map[string]any{"results": results},
		}, nil

	case "relay":
		var p struct {
			TeamID string `json:"team_id"`
			From   string `json:"from"`
			To     string `json:"to,omitempty"`
			ToAll  bool   `json:"to_all,omitempty"`
			Prefix string `json:"prefix,omitempty"`
		}
		if err := decode(args, &p); err != nil {
			return nil, err
		}
		results, err := s.deps.Teams.Relay(ctx, p.TeamID, p.From, p.To, p.ToAll, p.Prefix)
		if err != nil {
			return nil, err
		}
		return &toolResult{
			text:       broadcastSummary(results),
			structured: map[string]any{"results": results},
		}, nil

	case "assign_task":
		var p struct {
			TeamID      string   `json:"team_id"`
			AgentID     string   `json:"agent_id"`
			Description string   `json:"description"`
			DependsOn   []string `json:"depends_on,omitempty"`
		}
		if err := decode(args, &p); err != nil {
			return nil, err
		}
		task, err := s.deps.Teams.AssignTask(ctx, p.TeamID, p.AgentID, p.Description, p.DependsOn)
		if err != nil {
			return nil, err
		}
		return &toolResult{
			text:       fmt.Sprintf("task %s assigned to %s (%s)", task.ID, task.AssigneeID, task.Status),
			structured: map[string]any{"task": task},
		}, nil

	case "task_status":
		var p struct {
			TeamID string `json:"team_id"`
			TaskID string `json:"task_id,omitempty"`
		}
		if err := decode(args, &p); err != nil {
			return nil, err
		}
		if p.TaskID != "" {
			task, err := s.deps.Store.Task(p.TeamID, p.TaskID)
			if err != nil {
				return nil, err
			}
			return &toolResult{
				text:       fmt.Sprintf("task %s is %s", task.ID, task.Status),
				structured: map[string]any{"tasks": []state.Task{task}},
			}, nil
		}
		tasks, err := s.deps.Teams.Tasks(p.TeamID)
		if err != nil {
			return nil, err
		}
		return &toolResult{
			text:       fmt.Sprintf("%d task(s)", len(tasks)),
			structured: map[string]any{"tasks": tasks},
		}, nil

	case "complete_task":
		var p struct {
			TeamID string `json:"team_id"`
			TaskID string `json:"task_id"`
			Result string `json:"result,omitempty"`
		}
		if err := decode(args, &p); err != nil {
			return nil, err
		}
		task, unblocked, err := s.deps.Teams.CompleteTask(ctx, p.TeamID, p.TaskID, p.Result)
		if err != nil {
			return nil, err
		}
		text := fmt.Sprintf("task %s completed", task.ID)
		if len(unblocked) > 0 {
			text += fmt.Sprintf(", unblocked %d task(s)", len(unblocked))
		}
		return &toolResult{
			text:       text,
			structured: map[string]any{"task": task, "unblocked": unblocked},
		}, nil

	case "get_output":
		var p struct {
			TeamID  string `json:"team_id"`
			AgentID string `json:"agent_id"`
		}
		if err := decode(args, &p); err != nil {
			return nil, err
		}
		output, err := s.deps.Teams.GetOutput(p.TeamID, p.AgentID)
		if err != nil {
			return nil, err
		}
		return &toolResult{text: output, structured: map[string]any{"output": output}}, nil

	case "get_team_report":
		var p struct {
			TeamID string `json:"team_id"`
		}
		if err := decode(args, &p); err != nil {
			return nil, err
		}
		report, err := s.deps.Teams.GetTeamReport(p.TeamID)
		if err != nil {
			return nil, err
		}
		return &toolResult{
			text: fmt.Sprintf("team %s: %d idle, %d working, %d errored, %d task(s) done",
				report.Team.ID, len(report.Idle), len(report.Working), len(report.Errored), len(report.Completed)),
			structured: report,
		}, nil

	case "dispatch_team":
		var p struct {
			Name    string          `json:"name,omitempty"`
			WorkDir string          `json:"work_dir,omitempty"`
			Agents  []dispatch.Spec `json:"agents"`
		}
		if err := decode(args, &p); err != nil {
			return nil, err
		}
		if p.Name == "" {
			p.Name = "dispatch"
		}
		results, err := s.deps.Dispatcher.Dispatch(ctx, p.Name, p.WorkDir, p.Agents)
		if err != nil {
			return nil, err
		}
		ok := 0
		for _, r := range results {
			if r.OK {
				ok++
			}
		}
		return &toolResult{
			text:       fmt.Sprintf("dispatch finished: %d/%d succeeded", ok, len(results)),
			structured: map[string]any{"results": results},
		}, nil

	case "launch_mission":
		var p struct {
			Objective     string             `json:"objective"`
			WorkDir       string             `json:"work_dir,omitempty"`
			Agents        []mission.TeamSpec `json:"agents"`
			VerifyCommand string             `json:"verify_command,omitempty"`
			MaxRetries    *int               `json:"max_retries,omitempty"`
		}
		if err := decode(args, &p); err != nil {
			return nil, err
		}
		maxRetries := 2
		if p.MaxRetries != nil {
			maxRetries = *p.MaxRetries
		}
		id, err := s.deps.Missions.Launch(ctx, p.Objective, p.WorkDir, p.Agents, p.VerifyCommand, maxRetries)
		if err != nil {
			return nil, err
		}
		return &toolResult{
			text:       fmt.Sprintf("mission %s launched", id),
			structured: map[string]any{"mission_id": id},
		}, nil

	case "mission_status":
		var p struct {
			MissionID string `json:"mission_id"`
		}
		if err := decode(args, &p); err != nil {
			return nil, err
		}
		status, err := s.deps.Missions.Status(p.MissionID)
		if err != nil {
			return nil, err
		}
		return &toolResult{
			text:       fmt.Sprintf("mission %s is %s", status.ID, status.Phase),
			structured: status,
		}, nil

	case "await_mission":
		var p struct {
			MissionID string `json:"mission_id"`
			PollMS    int    `json:"poll_ms,omitempty"`
			TimeoutMS int    `json:"timeout_ms,omitempty"`
		}
		if err := decode(args, &p); err != nil {
			return nil, err
		}
		status, err := s.deps.Missions.Await(ctx, p.MissionID,
			time.Duration(p.PollMS)*time.Millisecond,
			time.Duration(p.TimeoutMS)*time.Millisecond)
		if err != nil {
			return nil, err
		}
		return &toolResult{
			text:       fmt.Sprintf("mission %s finished: %s", status.ID, status.Phase),
			structured: status,
		}, nil

	case "get_mission_comms":
		var p struct {
			MissionID string `json:"mission_id"`
		}
		if err := decode(args, &p); err != nil {
			return nil, err
		}
		comms, err := s.deps.Missions.Comms(p.MissionID)
		if err != nil {
			return nil, err
		}
		return &toolResult{text: commsSummary(comms), structured: comms}, nil

	case "get_team_comms":
		var p struct {
			TeamID string `json:"team_id"`
		}
		if err := decode(args, &p); err != nil {
			return nil, err
		}
		comms, err := s.deps.Missions.TeamComms(p.TeamID)
		if err != nil {
			return nil, err
		}
		return &toolResult{text: commsSummary(comms), structured: comms}, nil

	case "steer_team":
		var p struct {
			TeamID    string   `json:"team_id"`
			Directive string   `json:"directive"`
			AgentIDs  []string `json:"agent_ids,omitempty"`
		}
		if err := decode(args, &p); err != nil {
			return nil, err
		}
		res, err := s.deps.Teams.Steer(ctx, p.TeamID, p.Directive, p.AgentIDs)
		if err != nil {
			return nil, err
		}
		return &toolResult{
			text: fmt.Sprintf("aborted %d call(s), steered %d agent(s), %d failed",
				len(res.Aborted), len(res.Steered), len(res.Failed)),
			structured: res,
		}, nil

	default:
		return nil, errs.New(errs.NotFound, "unknown tool %q", tool)
	}
}

func (s *Server) forgetTokens(agentIDs []string) {
	if s.deps.Tokens != nil {
		s.deps.Tokens.ForgetTokens(agentIDs)
	}
}

func broadcastSummary(results []team.AgentResult) string {
	ok, skipped, failed := 0, 0, 0
	for _, r := range results {
		switch {
		case r.Skipped:
			skipped++
		case r.OK:
			ok++
		default:
			failed++
		}
	}
	return fmt.Sprintf("%d delivered, %d skipped, %d failed", ok, skipped, failed)
}

func commsSummary(c *mission.CommsSnapshot) string {
	return fmt.Sprintf("%d group message(s), %d DM thread(s), %d lead message(s), %d artifact(s)",
		len(c.GroupChat), len(c.DMs), len(c.LeadChat), len(c.Artifacts))
}
