// Package prompts builds every piece of text sent to agents: the composed
// instruction preamble, mission kick-off prompts, fix and review prompts
// and the steering redirect. All functions are pure; equal inputs render
// identical strings.
package prompts

import (
	"fmt"
	"sort"
	"strings"

	"maestro/internal/state"
)

// ComposeInput is everything the instruction composer looks at.
type ComposeInput struct {
	Agent    state.Agent
	Team     *state.Team  // nil when the team no longer exists
	Others   []state.Team // other teams, shown to leads only
	Addendum string
}

// Compose renders the standing instructions injected into an agent's first
// downstream call. When the team is gone it returns only the addendum.
func Compose(in ComposeInput) string {
	if in.Team == nil {
		return in.Addendum
	}

	var b strings.Builder

	fmt.Fprintf(&b, "You are agent %q on team %q.\n", in.Agent.ID, in.Team.Name)
	fmt.Fprintf(&b, "Role: %s", in.Agent.Role)
	if in.Agent.Specialization != "" {
		fmt.Fprintf(&b, " (%s)", in.Agent.Specialization)
	}
	b.WriteString("\n")
	if in.Agent.Lead {
		b.WriteString("You are the team lead.\n")
	}

	b.WriteString("\nTeammates:\n")
	for _, mate := range sortedAgents(in.Team.Agents) {
		fmt.Fprintf(&b, "- %s (%s", mate.ID, mate.Role)
		if mate.Specialization != "" {
			fmt.Fprintf(&b, ", %s", mate.Specialization)
		}
		b.WriteString(")")
		if mate.Lead {
			b.WriteString(" [lead]")
		}
		if mate.ID == in.Agent.ID {
			b.WriteString(" [you]")
		}
		b.WriteString("\n")
	}

	if in.Agent.Lead && len(in.Others) > 0 {
		b.WriteString("\nOther teams:\n")
		for _, other := range sortedTeams(in.Others) {
			fmt.Fprintf(&b, "- %s:", other.Name)
			for _, mate := range sortedAgents(other.Agents) {
				fmt.Fprintf(&b, " %s (%s)", mate.ID, mate.Role)
				if mate.Lead {
					b.WriteString(" [lead]")
				}
			}
			b.WriteString("\n")
		}
	}

	b.WriteString("\nCommunication tools available to you:\n")
	b.WriteString("- group_post / group_read / group_peek: your team's group chat\n")
	b.WriteString("- dm_send / dm_read / dm_peek: direct messages with individual agents\n")
	if in.Agent.Lead {
		b.WriteString("- lead_post / lead_read / lead_peek: the cross-team lead channel\n")
	}
	b.WriteString("- share / get_shared: the team's shared artifact log\n")
	b.WriteString("- get_team_context: your team roster and other teams' public rosters\n")
	b.WriteString("- wait: block until new messages arrive for you\n")

	b.WriteString("\nPolicy:\n")
	b.WriteString(policy)

	if in.Addendum != "" {
		b.WriteString("\n")
		b.WriteString(in.Addendum)
		b.WriteString("\n")
	}
	return b.String()
}

const policy = `- Coordinate through the group chat; post progress before and after significant steps.
- Use DMs for questions aimed at one teammate; do not spam the group.
- Check for unread messages with wait or the peek tools before going silent for long stretches.
- Share file paths and artifacts through the shared log so teammates can find them.
- Stay within your working directory and your assigned scope.
- When you finish a piece of work, report the outcome in the group chat.
`

func sortedAgents(agents map[string]state.Agent) []state.Agent {
	out := make([]state.Agent, 0, len(agents))
	for _, a := range agents {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func sortedTeams(teams []state.Team) []state.Team {
	out := append([]state.Team(nil), teams...)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
