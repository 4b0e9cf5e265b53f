package plan

import (
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrEmptyPlan indicates a plan with no packages.
	ErrEmptyPlan = errors.New("plan has no packages")

	// ErrDuplicateID indicates two packages share an id.
	ErrDuplicateID = errors.New("duplicate package id")

	// ErrDanglingDependency indicates a dependency on an unknown package id.
	ErrDanglingDependency = errors.New("dependency references unknown package")

	// ErrQALinkage indicates a QA package that does not depend on exactly
	// one worker package.
	ErrQALinkage = errors.New("qa package must depend on exactly one worker")

	// ErrCycle indicates the dependency graph is not acyclic.
	ErrCycle = errors.New("dependency graph contains a cycle")
)

// Validate checks the structural invariants of a plan: unique ids, no
// dangling dependencies, every QA package depending on exactly one worker,
// and an acyclic graph. It returns the first violation found, with enough
// context to locate the offending package.
func Validate(packages []WorkPackage) error {
	if len(packages) == 0 {
		return ErrEmptyPlan
	}

	byID := make(map[string]*WorkPackage, len(packages))
	for i := range packages {
		p := &packages[i]
		if p.ID == "" {
			return fmt.Errorf("package at index %d has empty id: %w", i, ErrDuplicateID)
		}
		if _, exists := byID[p.ID]; exists {
			return fmt.Errorf("package %q: %w", p.ID, ErrDuplicateID)
		}
		byID[p.ID] = p
	}

	for _, p := range packages {
		for _, dep := range p.Dependencies {
			if _, ok := byID[dep]; !ok {
				return fmt.Errorf("package %q depends on %q: %w", p.ID, dep, ErrDanglingDependency)
			}
		}
		if p.Role == RoleQA {
			if len(p.Dependencies) != 1 {
				return fmt.Errorf("qa package %q has %d dependencies: %w", p.ID, len(p.Dependencies), ErrQALinkage)
			}
			target := byID[p.Dependencies[0]]
			if target.Role != RoleWorker {
				return fmt.Errorf("qa package %q depends on %q (role %s): %w", p.ID, target.ID, target.Role, ErrQALinkage)
			}
		}
	}

	if cycle := findCycle(packages, byID); len(cycle) > 0 {
		return fmt.Errorf("cycle through %v: %w", cycle, ErrCycle)
	}

	return nil
}

// findCycle runs Kahn's algorithm and returns the ids left unresolved when
// the ready set drains, which is exactly the set of nodes on or behind a
// cycle. Empty result means the graph is a DAG.
func findCycle(packages []WorkPackage, byID map[string]*WorkPackage) []string {
	indegree := make(map[string]int, len(packages))
	dependents := make(map[string][]string, len(packages))
	for _, p := range packages {
		indegree[p.ID] += 0
		for _, dep := range p.Dependencies {
			indegree[p.ID]++
			dependents[dep] = append(dependents[dep], p.ID)
		}
	}

	var ready []string
	for id, deg := range indegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}

	resolved := 0
	for len(ready) > 0 {
		id := ready[len(ready)-1]
		ready = ready[:len(ready)-1]
		resolved++
		for _, dep := range dependents[id] {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}

	if resolved == len(packages) {
		return nil
	}

	var stuck []string
	for id, deg := range indegree {
		if deg > 0 {
			stuck = append(stuck, id)
		}
	}
	sort.Strings(stuck)
	return stuck
}
