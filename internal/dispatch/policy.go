package dispatch

import "github.com/rendis/baton/pkg/schema"

// pickAgent chooses an idle agent for a repository. Idle agents on the
// same repository win; failing that any idle agent will do. Ties go to
// the agent that has waited longest since its last ping, then to the
// smaller ID so the choice is deterministic.
func pickAgent(agents map[string]schema.Agent, repo string) (schema.Agent, bool) {
	var best schema.Agent
	found := false
	better := func(a schema.Agent) bool {
		if !found {
			return true
		}
		if !a.LastPing.Equal(best.LastPing) {
			return a.LastPing.Before(best.LastPing)
		}
		return a.ID < best.ID
	}

	if repo != "" {
		for _, a := range agents {
			if a.Status != schema.AgentStatusIdle || a.RepositoryPath != repo {
				continue
			}
			if better(a) {
				best, found = a, true
			}
		}
		if found {
			return best, true
		}
	}
	for _, a := range agents {
		if a.Status != schema.AgentStatusIdle {
			continue
		}
		if better(a) {
			best, found = a, true
		}
	}
	return best, found
}

// pickTask chooses the task an agent should pull: pending, not held for
// approval, and repository-compatible. Higher priority wins, then the
// older creation time, then the smaller ID.
func pickTask(tasks map[string]schema.Task, agentRepo string) (string, bool) {
	var best schema.Task
	found := false
	for _, t := range tasks {
		if t.Status != schema.TaskStatusPending || t.RequiresApproval {
			continue
		}
		if !repoMatches(t.RepositoryPath, agentRepo) {
			continue
		}
		if !found || taskBefore(t, best) {
			best, found = t, true
		}
	}
	return best.ID, found
}

// repoMatches reports whether a task may run on an agent's repository.
// Tasks without a repository run anywhere.
func repoMatches(taskRepo, agentRepo string) bool {
	return taskRepo == "" || taskRepo == agentRepo
}

// taskBefore orders tasks for dequeue: priority descending, then creation
// time ascending, then ID.
func taskBefore(a, b schema.Task) bool {
	if aw, bw := a.Priority.Weight(), b.Priority.Weight(); aw != bw {
		return aw > bw
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}
