package validation

import (
	"fmt"

	"github.com/rendis/baton/pkg/schema"
)

// validateBlocked flags steps that can never complete because their
// dependency chain passes through a reference to an unknown step. At run
// time the step holding the unknown reference fails and everything
// downstream of it is skipped, so the whole chain is reported before a
// doomed run starts.
//
// The steps holding the unknown references are not re-flagged here; the
// semantic stage already warns those as dangling_dependency.
func validateBlocked(def *schema.WorkflowDefinition) *schema.ValidationReport {
	report := &schema.ValidationReport{}

	stepIDs := make(map[string]bool, len(def.Steps))
	for _, s := range def.Steps {
		stepIDs[s.ID] = true
	}

	// dependents[id] = steps that list id in depends_on. Steps with at
	// least one unknown reference seed the traversal.
	dependents := make(map[string][]string, len(def.Steps))
	var doomed []string
	for _, s := range def.Steps {
		seen := make(map[string]bool, len(s.DependsOn))
		broken := false
		for _, dep := range s.DependsOn {
			if seen[dep] {
				continue
			}
			seen[dep] = true
			if !stepIDs[dep] {
				broken = true
				continue
			}
			dependents[dep] = append(dependents[dep], s.ID)
		}
		if broken {
			doomed = append(doomed, s.ID)
		}
	}
	if len(doomed) == 0 {
		return report
	}

	// BFS downstream through the dependents edges. source tracks which
	// failing step a blocked step inherits its fate from, for the message.
	blocked := make(map[string]bool, len(def.Steps))
	source := make(map[string]string, len(def.Steps))
	queue := append([]string(nil), doomed...)
	for _, id := range doomed {
		blocked[id] = true
		source[id] = id
	}
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		for _, dep := range dependents[node] {
			if !blocked[dep] {
				blocked[dep] = true
				source[dep] = source[node]
				queue = append(queue, dep)
			}
		}
	}

	direct := make(map[string]bool, len(doomed))
	for _, id := range doomed {
		direct[id] = true
	}
	for _, s := range def.Steps {
		if blocked[s.ID] && !direct[s.ID] {
			report.AddWarning("steps."+s.ID+".depends_on", "blocked_step",
				fmt.Sprintf("step %q is always skipped: its dependency chain reaches %q, which references unknown steps", s.ID, source[s.ID]))
		}
	}
	return report
}
