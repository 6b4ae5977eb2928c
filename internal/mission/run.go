package mission

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"maestro/internal/async"
	"maestro/internal/errs"
	"maestro/internal/prompts"
)

// run drives the mission state machine to a terminal phase. A failed
// worker never aborts the mission; only a failure of the engine's own
// steps (the reviewing lead call) ends in the error phase.
func (e *Engine) run(ctx context.Context, rec *record, taskByAgent map[string]string) {
	defer e.finish(rec)

	e.execute(ctx, rec, taskByAgent)

	attempt := 0
	for rec.verifyCmd != "" {
		e.setPhase(rec, PhaseVerifying)
		attempt++
		output, passed := e.verify(ctx, rec.workDir, rec.verifyCmd)
		e.mu.Lock()
		rec.verification = append(rec.verification, VerifyAttempt{
			Attempt: attempt,
			Passed:  passed,
			Output:  output,
			RanAt:   timeNow(),
		})
		e.mu.Unlock()

		if passed {
			break
		}
		if attempt > rec.maxRetries {
			e.logger.Warn("mission %s: verification still failing after %d attempts", rec.id, attempt)
			break
		}
		e.setPhase(rec, PhaseFixing)
		e.fix(ctx, rec, output)
	}

	e.review(ctx, rec)
}

// execute runs the lead's kickoff without awaiting it, fans the workers
// out concurrently, then awaits the lead.
func (e *Engine) execute(ctx context.Context, rec *record, taskByAgent map[string]string) {
	leadDone := make(chan error, 1)
	leadPrompt := prompts.LeadKickoff(rec.objective, rec.workerIDs)
	async.Go(e.logger, "mission.leadKickoff", func() {
		var err error
		defer func() { leadDone <- err }()
		_, err = e.adapter.Send(ctx, rec.teamID, rec.leadID, leadPrompt)
	})

	g := new(errgroup.Group)
	for _, workerID := range rec.workerIDs {
		task := taskByAgent[workerID]
		if task == "" {
			task = rec.objective
		}
		teammates := teammatesOf(rec.workerIDs, workerID)
		g.Go(func() error {
			out, err := e.adapter.Send(ctx, rec.teamID, workerID,
				prompts.WorkerKickoff(rec.objective, task, teammates))
			e.recordWorker(rec, workerID, out, err)
			return nil
		})
	}
	_ = g.Wait()

	// Lead errors during execution are recorded silently; the mission
	// carries on with whatever the workers produced.
	if err := <-leadDone; err != nil {
		e.logger.Warn("mission %s: lead kickoff failed: %v", rec.id, err)
	}
}

// fix asks the lead for assignments and reruns the named workers. Each
// fixed worker's record is overwritten with the fix outcome.
func (e *Engine) fix(ctx context.Context, rec *record, failureOutput string) {
	reply, err := e.adapter.Send(ctx, rec.teamID, rec.leadID,
		prompts.FixPrompt(failureOutput, rec.workerIDs))
	if err != nil {
		e.logger.Warn("mission %s: fix planning failed: %v", rec.id, err)
		return
	}

	assignments := parseAssignments(reply)
	known := make(map[string]bool, len(rec.workerIDs))
	for _, id := range rec.workerIDs {
		known[id] = true
	}

	g := new(errgroup.Group)
	for _, a := range assignments {
		if !known[a.AgentID] || a.Task == "" {
			continue
		}
		g.Go(func() error {
			out, err := e.adapter.Send(ctx, rec.teamID, a.AgentID, a.Task)
			e.recordWorker(rec, a.AgentID, out, err)
			return nil
		})
	}
	_ = g.Wait()
}

// review asks the lead for the final report. A failure here is an engine
// failure and ends the mission in the error phase.
func (e *Engine) review(ctx context.Context, rec *record) {
	e.setPhase(rec, PhaseReviewing)

	e.mu.Lock()
	results := make([]prompts.WorkerResult, 0, len(rec.workerIDs))
	for _, id := range rec.workerIDs {
		w := rec.workers[id]
		out := w.Output
		if !w.OK {
			out = w.Error
		}
		results = append(results, prompts.WorkerResult{AgentID: id, OK: w.OK, Output: out})
	}
	verification := verificationSummary(rec.verification)
	e.mu.Unlock()

	report, err := e.adapter.Send(ctx, rec.teamID, rec.leadID,
		prompts.ReviewPrompt(rec.objective, results, verification))

	e.mu.Lock()
	if err != nil {
		rec.phase = PhaseError
		rec.err = fmt.Sprintf("final review failed: %s", errs.Message(err))
	} else {
		rec.phase = PhaseCompleted
		rec.finalReport = report
	}
	e.mu.Unlock()
}

// finish captures the terminal comms snapshot, tears the team down and
// schedules the record's eviction.
func (e *Engine) finish(rec *record) {
	e.mu.Lock()
	if !rec.phase.terminal() {
		rec.phase = PhaseError
		if rec.err == "" {
			rec.err = "mission aborted before completion"
		}
	}
	rec.endedAt = timeNow()
	teamID := rec.teamID
	finalPhase := rec.phase
	participants := append([]string{rec.leadID}, rec.workerIDs...)
	e.mu.Unlock()

	if e.cfg.OnTerminal != nil {
		e.cfg.OnTerminal(finalPhase)
	}

	e.snapshots.Add(rec.id, &CommsSnapshot{
		GroupChat: e.bus.GroupMessages(teamID),
		DMs:       e.bus.DMTranscripts(participants),
		LeadChat:  e.bus.LeadMessagesFrom(participants),
		Artifacts: e.bus.GetShared(teamID),
	})

	memberIDs, err := e.store.DissolveTeam(teamID)
	if err != nil {
		e.logger.Warn("mission %s teardown: %v", rec.id, err)
		memberIDs = participants
	}
	e.bus.DissolveTeam(teamID, memberIDs)
	e.adapter.ForgetTokens(memberIDs)

	// The record lingers so mission_status keeps answering, then expires
	// unless await_mission already consumed it.
	id := rec.id
	timeAfterFunc(e.cfg.Retention, func() {
		e.mu.Lock()
		delete(e.missions, id)
		e.mu.Unlock()
	})
	e.logger.Info("mission %s finished: %s", rec.id, rec.phase)
}

func (e *Engine) setPhase(rec *record, phase Phase) {
	e.mu.Lock()
	rec.phase = phase
	e.mu.Unlock()
	e.logger.Debug("mission %s -> %s", rec.id, phase)
}

func (e *Engine) recordWorker(rec *record, workerID, output string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	w, ok := rec.workers[workerID]
	if !ok {
		return
	}
	if err != nil {
		w.OK = false
		w.Output = ""
		w.Error = errs.Message(err)
	} else {
		w.OK = true
		w.Output = output
		w.Error = ""
	}
}

func verificationSummary(attempts []VerifyAttempt) string {
	if len(attempts) == 0 {
		return ""
	}
	last := attempts[len(attempts)-1]
	if last.Passed {
		return fmt.Sprintf("passed on attempt %d", last.Attempt)
	}
	return fmt.Sprintf("failed after %d attempt(s); last output: %s", last.Attempt, last.Output)
}

func teammatesOf(workerIDs []string, self string) []string {
	var out []string
	for _, id := range workerIDs {
		if id != self {
			out = append(out, id)
		}
	}
	return out
}
