package engine

import (
	"fmt"
	"sort"
	"strings"

	"foreman/internal/plan"
)

// graph is the scheduler's dependency-tracking state. All access happens on
// the commit step, so it carries no locking.
type graph struct {
	byID            map[string]*plan.WorkPackage
	indegree        map[string]int
	dependents      map[string][]string
	downstreamCount map[string]int
	completed       map[string]bool

	readyWorkers []string
	readyQA      []string
}

func newGraph(packages []plan.WorkPackage) *graph {
	g := &graph{
		byID:            make(map[string]*plan.WorkPackage, len(packages)),
		indegree:        make(map[string]int, len(packages)),
		dependents:      make(map[string][]string),
		downstreamCount: make(map[string]int, len(packages)),
		completed:       make(map[string]bool, len(packages)),
	}

	for i := range packages {
		p := &packages[i]
		g.byID[p.ID] = p
		g.indegree[p.ID] = len(p.Dependencies)
		for _, dep := range p.Dependencies {
			g.dependents[dep] = append(g.dependents[dep], p.ID)
		}
	}
	for id := range g.byID {
		g.downstreamCount[id] = g.countDownstream(id)
	}

	ids := make([]string, 0, len(g.byID))
	for id := range g.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if g.indegree[id] == 0 {
			g.enqueue(id)
		}
	}
	return g
}

// countDownstream counts transitive dependents of a node.
func (g *graph) countDownstream(id string) int {
	seen := map[string]bool{}
	stack := append([]string(nil), g.dependents[id]...)
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[n] {
			continue
		}
		seen[n] = true
		stack = append(stack, g.dependents[n]...)
	}
	return len(seen)
}

func (g *graph) enqueue(id string) {
	if g.byID[id].Role == plan.RoleQA {
		g.readyQA = append(g.readyQA, id)
	} else {
		g.readyWorkers = append(g.readyWorkers, id)
	}
}

// markCompleted records completion and enqueues dependents whose indegree
// reaches zero, in sorted order for determinism.
func (g *graph) markCompleted(id string) {
	if g.completed[id] {
		return
	}
	g.completed[id] = true

	deps := append([]string(nil), g.dependents[id]...)
	sort.Strings(deps)
	for _, d := range deps {
		if g.indegree[d] <= 0 {
			continue
		}
		g.indegree[d]--
		if g.indegree[d] == 0 {
			g.enqueue(d)
		}
	}
}

// reopenForRetry puts a committed worker back on its ready queue and arms its
// QA package to run again once the retry commits. Other dependents are not
// rewound; their inputs refresh through the artifact registry.
func (g *graph) reopenForRetry(workerID, qaID string) {
	if !g.completed[workerID] {
		return
	}
	delete(g.completed, workerID)
	g.enqueue(workerID)
	if qaID != "" {
		delete(g.completed, qaID)
		g.indegree[qaID] = 1
	}
}

// unresolvedOutside lists incomplete nodes that are neither failed nor
// transitive dependents of a failed node, sorted by id. A non-empty result
// means the graph is genuinely stuck rather than blocked by failures.
func (g *graph) unresolvedOutside(failed map[string]bool) []string {
	blocked := make(map[string]bool, len(failed))
	stack := make([]string, 0, len(failed))
	for id := range failed {
		blocked[id] = true
		stack = append(stack, id)
	}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, d := range g.dependents[n] {
			if !blocked[d] {
				blocked[d] = true
				stack = append(stack, d)
			}
		}
	}

	var out []string
	for id := range g.byID {
		if !g.completed[id] && !blocked[id] {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// popBatch removes up to n packages from the queue in priority order:
// importance desc, difficulty rank desc, downstream count desc, id asc.
func (g *graph) popBatch(queue *[]string, n int) []string {
	q := *queue
	sort.Slice(q, func(i, j int) bool {
		a, b := g.byID[q[i]], g.byID[q[j]]
		if a.Importance != b.Importance {
			return a.Importance > b.Importance
		}
		ar, br := InferDifficulty(*a).Rank(), InferDifficulty(*b).Rank()
		if ar != br {
			return ar > br
		}
		if g.downstreamCount[a.ID] != g.downstreamCount[b.ID] {
			return g.downstreamCount[a.ID] > g.downstreamCount[b.ID]
		}
		return a.ID < b.ID
	})

	if n > len(q) {
		n = len(q)
	}
	batch := append([]string(nil), q[:n]...)
	*queue = q[n:]
	return batch
}

// requeueFront puts gated packages back at the head of the queue.
func (g *graph) requeueFront(queue *[]string, ids []string) {
	*queue = append(append([]string(nil), ids...), *queue...)
}

// deadlockError describes the unresolved nodes and their unmet dependencies.
func (g *graph) deadlockError() error {
	var parts []string
	ids := make([]string, 0, len(g.byID))
	for id := range g.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if g.completed[id] {
			continue
		}
		var unmet []string
		for _, dep := range g.byID[id].Dependencies {
			if !g.completed[dep] {
				unmet = append(unmet, dep)
			}
		}
		sort.Strings(unmet)
		parts = append(parts, fmt.Sprintf("%s (waiting on: %s)", id, strings.Join(unmet, ", ")))
	}
	return fmt.Errorf("scheduler deadlock, unresolved packages: %s", strings.Join(parts, "; "))
}
