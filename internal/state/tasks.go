package state

import (
	"sort"
	"time"

	"maestro/internal/errs"
)

// CreateTask creates a pending task assigned to an agent of the same team.
// Every prerequisite must already exist in the team.
func (s *Store) CreateTask(teamID, assigneeID, description string, dependsOn []string) (Task, error) {
	if description == "" {
		return Task{}, errs.New(errs.InvalidArgument, "task description is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.teams[teamID]
	if !ok {
		return Task{}, errs.New(errs.NotFound, "team %s not found", teamID)
	}
	agent, ok := t.agents[assigneeID]
	if !ok {
		return Task{}, errs.New(errs.NotFound, "agent %s not found in team %s", assigneeID, teamID)
	}
	for _, dep := range dependsOn {
		if _, ok := t.tasks[dep]; !ok {
			return Task{}, errs.New(errs.NotFound, "prerequisite task %s not found in team %s", dep, teamID)
		}
	}

	task := &Task{
		ID:          "task-" + hexTail(),
		Description: description,
		Status:      TaskPending,
		AssigneeID:  assigneeID,
		DependsOn:   append([]string(nil), dependsOn...),
		CreatedAt:   time.Now(),
	}
	t.tasks[task.ID] = task
	agent.TaskIDs = append(agent.TaskIDs, task.ID)
	return cloneTask(task), nil
}

// Task returns a snapshot of one task.
func (s *Store) Task(teamID, taskID string) (Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, err := s.lookupTask(teamID, taskID)
	if err != nil {
		return Task{}, err
	}
	return cloneTask(task), nil
}

// StartTask transitions a pending task to in-progress.
func (s *Store) StartTask(teamID, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, err := s.lookupTask(teamID, taskID)
	if err != nil {
		return err
	}
	if task.Status != TaskPending {
		return errs.New(errs.InvalidArgument, "task %s is %s, not pending", taskID, task.Status)
	}
	task.Status = TaskInProgress
	return nil
}

// RevertTask returns an in-progress task to pending. Used when the kick-off
// adapter call fails before the assignee ever saw the task.
func (s *Store) RevertTask(teamID, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, err := s.lookupTask(teamID, taskID)
	if err != nil {
		return err
	}
	if task.Status != TaskInProgress {
		return errs.New(errs.InvalidArgument, "task %s is %s, not in-progress", taskID, task.Status)
	}
	task.Status = TaskPending
	return nil
}

// CompleteTask marks a task completed with the given result and returns the
// tasks unblocked by it: still-pending tasks that depend on it and whose
// prerequisites are now all completed.
func (s *Store) CompleteTask(teamID, taskID, result string) (Task, []Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.teams[teamID]
	if !ok {
		return Task{}, nil, errs.New(errs.NotFound, "team %s not found", teamID)
	}
	task, ok := t.tasks[taskID]
	if !ok {
		return Task{}, nil, errs.New(errs.NotFound, "task %s not found in team %s", taskID, teamID)
	}
	if task.Status == TaskCompleted {
		return Task{}, nil, errs.New(errs.InvalidArgument, "task %s is already completed", taskID)
	}

	task.Status = TaskCompleted
	task.Result = result
	task.CompletedAt = time.Now()

	if assignee, ok := t.agents[task.AssigneeID]; ok {
		owned := assignee.TaskIDs[:0]
		for _, id := range assignee.TaskIDs {
			if id != taskID {
				owned = append(owned, id)
			}
		}
		assignee.TaskIDs = owned
	}

	var unblocked []Task
	for _, candidate := range t.tasks {
		if candidate.Status != TaskPending || !contains(candidate.DependsOn, taskID) {
			continue
		}
		ready := true
		for _, dep := range candidate.DependsOn {
			if depTask, ok := t.tasks[dep]; !ok || depTask.Status != TaskCompleted {
				ready = false
				break
			}
		}
		if ready {
			unblocked = append(unblocked, cloneTask(candidate))
		}
	}
	sort.Slice(unblocked, func(i, j int) bool {
		return unblocked[i].CreatedAt.Before(unblocked[j].CreatedAt)
	})
	return cloneTask(task), unblocked, nil
}

// Tasks returns snapshots of every task of a team ordered by creation time.
func (s *Store) Tasks(teamID string) ([]Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.teams[teamID]
	if !ok {
		return nil, errs.New(errs.NotFound, "team %s not found", teamID)
	}
	out := make([]Task, 0, len(t.tasks))
	for _, task := range t.tasks {
		out = append(out, cloneTask(task))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) lookupTask(teamID, taskID string) (*Task, error) {
	t, ok := s.teams[teamID]
	if !ok {
		return nil, errs.New(errs.NotFound, "team %s not found", teamID)
	}
	task, ok := t.tasks[taskID]
	if !ok {
		return nil, errs.New(errs.NotFound, "task %s not found in team %s", taskID, teamID)
	}
	return task, nil
}

func contains(list []string, target string) bool {
	for _, item := range list {
		if item == target {
			return true
		}
	}
	return false
}
