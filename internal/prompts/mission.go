package prompts

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// LeadKickoff frames the mission for the lead: plan, delegate, facilitate.
func LeadKickoff(objective string, workerIDs []string) string {
	var b strings.Builder
	b.WriteString("You are the lead for this mission.\n\n")
	fmt.Fprintf(&b, "Objective:\n%s\n\n", objective)
	if len(workerIDs) > 0 {
		fmt.Fprintf(&b, "Your workers: %s.\n", strings.Join(workerIDs, ", "))
		b.WriteString("They have each been started with their own slice of the objective.\n")
	}
	b.WriteString("Plan the work, keep the group chat moving, answer worker questions, and unblock anyone who stalls. ")
	b.WriteString("Do not do the workers' tasks yourself unless a worker fails.")
	return b.String()
}

// WorkerKickoff frames a worker's slice of the mission.
func WorkerKickoff(objective, task string, teammateIDs []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Mission objective:\n%s\n\n", objective)
	fmt.Fprintf(&b, "Your task:\n%s\n\n", task)
	if len(teammateIDs) > 0 {
		fmt.Fprintf(&b, "Teammates working in parallel: %s.\n", strings.Join(teammateIDs, ", "))
	}
	b.WriteString("Work autonomously. Coordinate through the group chat when your work touches a teammate's, ")
	b.WriteString("and post a summary of what you produced when you are done.")
	return b.String()
}

// FixPrompt asks the lead to turn a verification failure into concrete
// per-worker fix assignments, returned as a JSON array.
func FixPrompt(failureOutput string, workerIDs []string) string {
	var b strings.Builder
	b.WriteString("Verification failed. Output:\n\n")
	b.WriteString(failureOutput)
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "Available workers: %s.\n", strings.Join(workerIDs, ", "))
	b.WriteString("Decide who fixes what. Respond with ONLY a JSON array of assignments, ")
	b.WriteString(`each of the form {"agentId": "<worker id>", "task": "<what to fix>"}. `)
	b.WriteString("Return [] if no assignment is needed.")
	return b.String()
}

// WorkerResult is one per-worker outcome line fed into the review prompt.
type WorkerResult struct {
	AgentID string
	OK      bool
	Output  string
}

// ReviewPrompt asks the lead for the final mission report.
func ReviewPrompt(objective string, results []WorkerResult, verification string) string {
	var b strings.Builder
	b.WriteString("The mission is wrapping up. Compile the final report.\n\n")
	fmt.Fprintf(&b, "Objective:\n%s\n\n", objective)
	b.WriteString("Per-worker outcomes:\n")
	for _, r := range results {
		status := "ok"
		if !r.OK {
			status = "error"
		}
		fmt.Fprintf(&b, "- %s [%s]: %s\n", r.AgentID, status, summarize(r.Output))
	}
	if verification != "" {
		fmt.Fprintf(&b, "\nVerification: %s\n", verification)
	}
	b.WriteString("\nWrite a concise report: what was accomplished, what failed, and anything left to do.")
	return b.String()
}

// Redirect is the steering prompt sent to each target after a cancel.
func Redirect(directive string) string {
	var b strings.Builder
	b.WriteString("Direction change from the orchestrator. Stop your current line of work.\n\n")
	fmt.Fprintf(&b, "New directive:\n%s\n\n", directive)
	b.WriteString("Check the group chat for the announcement, adjust your plan, and continue under the new directive.")
	return b.String()
}

// TaskKickoff is the message sent when an assigned task becomes ready.
func TaskKickoff(taskID, description string) string {
	return fmt.Sprintf("You have been assigned task %s:\n\n%s\n\nWhen it is done, report the outcome in the group chat.", taskID, description)
}

// summarize truncates long worker output for the review prompt.
func summarize(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "(no output)"
	}
	const limit = 2000
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}
