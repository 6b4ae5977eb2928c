package comms

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/gin-gonic/gin"

	"maestro/internal/errs"
	"maestro/internal/state"
)

// toolResult is what a comms tool hands back: a human-readable text plus
// optional structured payload.
type toolResult struct {
	text       string
	structured any
}

// Payload ceilings keep a single runaway agent from flooding channel
// history held in memory.
const (
	maxChatChars  = 50_000
	maxShareChars = 100_000
)

func boundedText(args map[string]any, limit int) (string, error) {
	text, err := stringArg(args, "text", true)
	if err != nil {
		return "", err
	}
	if len(text) > limit {
		return "", errs.New(errs.InvalidArgument, "text exceeds the %d character limit", limit)
	}
	return text, nil
}

// dispatch routes one authenticated tool call. Every operation is pinned
// to the session's agent; request parameters can never change the caller.
func (s *Server) dispatch(ctx context.Context, id *identity, tool string, args map[string]any) (*toolResult, error) {
	switch tool {
	case "group_post":
		text, err := boundedText(args, maxChatChars)
		if err != nil {
			return nil, err
		}
		s.bus.GroupPost(id.teamID, id.agent.ID, id.agent.Role, text)
		return &toolResult{text: "posted to group chat"}, nil

	case "group_read":
		msgs := s.bus.GroupRead(id.teamID, id.agent.ID)
		return &toolResult{
			text:       fmt.Sprintf("%d new group message(s)", len(msgs)),
			structured: map[string]any{"messages": msgs},
		}, nil

	case "group_peek":
		n := s.bus.GroupPeek(id.teamID, id.agent.ID)
		return &toolResult{
			text:       fmt.Sprintf("%d unread group message(s)", n),
			structured: map[string]any{"count": n},
		}, nil

	case "dm_send":
		to, err := stringArg(args, "to", true)
		if err != nil {
			return nil, err
		}
		text, err := boundedText(args, maxChatChars)
		if err != nil {
			return nil, err
		}
		if err := s.authorizeDM(id, to); err != nil {
			return nil, err
		}
		s.bus.DMSend(id.agent.ID, to, id.agent.Role, text)
		return &toolResult{text: "sent"}, nil

	case "dm_read":
		from, _ := stringArg(args, "from", false)
		msgs := s.bus.DMRead(id.agent.ID, from)
		return &toolResult{
			text:       fmt.Sprintf("%d new direct message(s)", len(msgs)),
			structured: map[string]any{"messages": msgs},
		}, nil

	case "dm_peek":
		n := s.bus.DMPeek(id.agent.ID)
		return &toolResult{
			text:       fmt.Sprintf("%d unread direct message(s)", n),
			structured: map[string]any{"count": n},
		}, nil

	case "lead_post":
		if !id.agent.Lead {
			return nil, errs.New(errs.Unauthorized, "the lead channel is for leads only")
		}
		text, err := boundedText(args, maxChatChars)
		if err != nil {
			return nil, err
		}
		team, err := s.store.Team(id.teamID)
		if err != nil {
			return nil, err
		}
		s.bus.LeadPost(id.agent.ID, id.agent.Role, team.Name, text)
		return &toolResult{text: "posted to lead channel"}, nil

	case "lead_read":
		if !id.agent.Lead {
			return nil, errs.New(errs.Unauthorized, "the lead channel is for leads only")
		}
		msgs := s.bus.LeadRead(id.agent.ID)
		return &toolResult{
			text:       fmt.Sprintf("%d new lead message(s)", len(msgs)),
			structured: map[string]any{"messages": msgs},
		}, nil

	case "lead_peek":
		if !id.agent.Lead {
			return nil, errs.New(errs.Unauthorized, "the lead channel is for leads only")
		}
		n := s.bus.LeadPeek(id.agent.ID)
		return &toolResult{
			text:       fmt.Sprintf("%d unread lead message(s)", n),
			structured: map[string]any{"count": n},
		}, nil

	case "share":
		text, err := boundedText(args, maxShareChars)
		if err != nil {
			return nil, err
		}
		s.bus.Share(id.teamID, id.agent.ID, text)
		return &toolResult{text: "shared"}, nil

	case "get_shared":
		artifacts := s.bus.GetShared(id.teamID)
		return &toolResult{
			text:       fmt.Sprintf("%d shared artifact(s)", len(artifacts)),
			structured: map[string]any{"artifacts": artifacts},
		}, nil

	case "get_team_context":
		return s.teamContext(id)

	case "wait":
		timeoutMS, _ := intArg(args, "timeout_ms")
		res := s.bus.Wait(ctx, id.teamID, id.agent.ID, id.agent.Lead,
			time.Duration(timeoutMS)*time.Millisecond)
		text := fmt.Sprintf("group=%d dms=%d lead=%d", res.GroupChat, res.DMs, res.LeadChat)
		switch {
		case res.Dissolved:
			text = "your team has been dissolved"
		case res.TimedOut:
			text = "timed out with no new messages"
		}
		return &toolResult{text: text, structured: res}, nil

	default:
		return nil, errs.New(errs.NotFound, "unknown tool %q", tool)
	}
}

// authorizeDM enforces the DM matrix: same team, or lead-to-lead across
// teams.
func (s *Server) authorizeDM(id *identity, to string) error {
	toTeam, toAgent, err := s.store.FindAgent(to)
	if err != nil {
		return err
	}
	if toTeam == id.teamID {
		return nil
	}
	if id.agent.Lead && toAgent.Lead {
		return nil
	}
	return errs.New(errs.Unauthorized, "cross-team DMs are lead-to-lead only")
}

const crossTeamHint = "To reach another team, DM its lead (leads only) or post on the lead channel."

func (s *Server) teamContext(id *identity) (*toolResult, error) {
	team, err := s.store.Team(id.teamID)
	if err != nil {
		return nil, err
	}

	type member struct {
		ID             string   `json:"id"`
		Role           string   `json:"role"`
		Specialization string   `json:"specialization,omitempty"`
		Lead           bool     `json:"lead"`
		Status         string   `json:"status"`
		TaskIDs        []string `json:"taskIds,omitempty"`
	}
	toMember := func(a state.Agent, withTasks bool) member {
		m := member{
			ID:             a.ID,
			Role:           a.Role,
			Specialization: a.Specialization,
			Lead:           a.Lead,
			Status:         string(a.Status),
		}
		if withTasks {
			m.TaskIDs = a.TaskIDs
		}
		return m
	}

	var teammates []member
	for _, a := range team.Agents {
		teammates = append(teammates, toMember(a, true))
	}
	sort.Slice(teammates, func(i, j int) bool { return teammates[i].ID < teammates[j].ID })

	type otherTeam struct {
		Name    string   `json:"name"`
		Members []member `json:"members"`
	}
	var others []otherTeam
	for _, t := range s.store.Teams() {
		if t.ID == id.teamID {
			continue
		}
		ot := otherTeam{Name: t.Name}
		for _, a := range t.Agents {
			ot.Members = append(ot.Members, toMember(a, false))
		}
		sort.Slice(ot.Members, func(i, j int) bool { return ot.Members[i].ID < ot.Members[j].ID })
		others = append(others, ot)
	}

	return &toolResult{
		text: fmt.Sprintf("team %q: %d member(s), %d other team(s)", team.Name, len(teammates), len(others)),
		structured: map[string]any{
			"team": map[string]any{
				"name": team.Name,
				"you": map[string]any{
					"id":   id.agent.ID,
					"role": id.agent.Role,
					"lead": id.agent.Lead,
				},
				"members": teammates,
			},
			"otherTeams": others,
			"hint":       crossTeamHint,
		},
	}, nil
}

// toolSchemas lists the session's visible tools; lead-channel tools only
// show up for leads.
func (s *Server) toolSchemas(c *gin.Context) []map[string]any {
	textOnly := map[string]any{
		"type":       "object",
		"properties": map[string]any{"text": map[string]any{"type": "string"}},
		"required":   []string{"text"},
	}
	empty := map[string]any{"type": "object", "properties": map[string]any{}}

	tools := []map[string]any{
		{"name": "group_post", "description": "Post a message to your team's group chat.", "inputSchema": textOnly},
		{"name": "group_read", "description": "Read your unread group messages.", "inputSchema": empty},
		{"name": "group_peek", "description": "Count your unread group messages.", "inputSchema": empty},
		{"name": "dm_send", "description": "Send a direct message to another agent.", "inputSchema": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"to":   map[string]any{"type": "string"},
				"text": map[string]any{"type": "string"},
			},
			"required": []string{"to", "text"},
		}},
		{"name": "dm_read", "description": "Read your unread direct messages, optionally from one sender.", "inputSchema": map[string]any{
			"type":       "object",
			"properties": map[string]any{"from": map[string]any{"type": "string"}},
		}},
		{"name": "dm_peek", "description": "Count your unread direct messages.", "inputSchema": empty},
		{"name": "share", "description": "Append an artifact to the team's shared log.", "inputSchema": textOnly},
		{"name": "get_shared", "description": "Read the team's shared artifact log.", "inputSchema": empty},
		{"name": "get_team_context", "description": "Your team roster and other teams' public rosters.", "inputSchema": empty},
		{"name": "wait", "description": "Block until new messages arrive for you.", "inputSchema": map[string]any{
			"type":       "object",
			"properties": map[string]any{"timeout_ms": map[string]any{"type": "integer"}},
		}},
	}

	if id, err := s.authenticate(c); err == nil && id.agent.Lead {
		tools = append(tools,
			map[string]any{"name": "lead_post", "description": "Post to the cross-team lead channel.", "inputSchema": textOnly},
			map[string]any{"name": "lead_read", "description": "Read your unread lead-channel messages.", "inputSchema": empty},
			map[string]any{"name": "lead_peek", "description": "Count your unread lead-channel messages.", "inputSchema": empty},
		)
	}
	return tools
}

func stringArg(args map[string]any, key string, required bool) (string, error) {
	v, ok := args[key]
	if !ok {
		if required {
			return "", errs.New(errs.InvalidArgument, "missing required argument %q", key)
		}
		return "", nil
	}
	str, ok := v.(string)
	if !ok {
		return "", errs.New(errs.InvalidArgument, "argument %q must be a string", key)
	}
	if required && str == "" {
		return "", errs.New(errs.InvalidArgument, "argument %q must not be empty", key)
	}
	return str, nil
}

func intArg(args map[string]any, key string) (int64, error) {
	v, ok := args[key]
	if !ok {
		return 0, nil
	}
	switch n := v.(type) {
	case float64:
		return int64(n), nil
	case int:
		return int64(n), nil
	case int64:
		return n, nil
	default:
		return 0, errs.New(errs.InvalidArgument, "argument %q must be a number", key)
	}
}
