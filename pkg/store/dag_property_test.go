package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/agentfleet/fleetd/pkg/models"
)

// The dependency graph must stay acyclic no matter what sequence of task
// creations and dependency edits is applied: every rejected edit returns
// ErrCircularDependency and every accepted state admits a topological order.
func TestDependencyGraphStaysAcyclic(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		ctx := context.Background()
		m := NewMemory()

		n := rapid.IntRange(2, 12).Draw(rt, "tasks")
		ids := make([]string, n)
		for i := range ids {
			ids[i] = fmt.Sprintf("t-%d", i)
			task := &models.Task{
				ID:        ids[i],
				Type:      "unit",
				Priority:  models.PriorityMedium,
				Status:    models.TaskStatusPending,
				CreatedAt: time.Now(),
			}
			if err := m.CreateTask(ctx, task); err != nil {
				rt.Fatalf("create %s: %v", ids[i], err)
			}
		}

		edits := rapid.IntRange(0, 40).Draw(rt, "edits")
		for i := 0; i < edits; i++ {
			from := rapid.SampledFrom(ids).Draw(rt, "from")
			to := rapid.SampledFrom(ids).Draw(rt, "to")

			err := m.AddTaskDependency(ctx, from, to)
			if err != nil && !errors.Is(err, ErrCircularDependency) {
				rt.Fatalf("unexpected error adding %s -> %s: %v", from, to, err)
			}
		}

		tasks, err := m.ListTasks(ctx, TaskFilter{})
		if err != nil {
			rt.Fatalf("list tasks: %v", err)
		}
		if !isAcyclic(tasks) {
			rt.Fatalf("dependency graph contains a cycle")
		}
	})
}

// isAcyclic runs Kahn's algorithm over the dependency edges.
func isAcyclic(tasks []*models.Task) bool {
	indegree := make(map[string]int, len(tasks))
	dependents := make(map[string][]string)
	for _, t := range tasks {
		indegree[t.ID] += 0
		for _, dep := range t.Dependencies {
			indegree[t.ID]++
			dependents[dep] = append(dependents[dep], t.ID)
		}
	}

	var queue []string
	for id, d := range indegree {
		if d == 0 {
			queue = append(queue, id)
		}
	}

	visited := 0
	for len(queue) > 0 {
		id := queue[len(queue)-1]
		queue = queue[:len(queue)-1]
		visited++
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	return visited == len(tasks)
}
