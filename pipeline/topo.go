// ABOUTME: DAG validation and Kahn topological sort for pipeline nodes.
// ABOUTME: Cycles and unresolvable parent ids are surfaced before anything executes.

package pipeline

import (
	"sort"

	"github.com/retracehq/retrace/execerr"
)

// topoSort orders nodes so every parent precedes its children. Ties break by
// node id, making the order deterministic for a given input.
func topoSort(nodes []Node) ([]string, error) {
	byID := make(map[string]Node, len(nodes))
	for _, n := range nodes {
		if n.ID == "" {
			return nil, execerr.New(execerr.KindValidation, "pipeline node with empty id")
		}
		if _, dup := byID[n.ID]; dup {
			return nil, execerr.Newf(execerr.KindValidation, "duplicate node id %q", n.ID)
		}
		byID[n.ID] = n
	}

	indegree := make(map[string]int, len(nodes))
	children := make(map[string][]string, len(nodes))
	for _, n := range nodes {
		indegree[n.ID] += 0
		// A repeated parent id is one edge, not two; double-counting would
		// strand the child with a positive indegree.
		seen := make(map[string]bool, len(n.Parents))
		for _, parent := range n.Parents {
			if _, ok := byID[parent]; !ok {
				return nil, execerr.Newf(execerr.KindValidation, "node %q depends on unknown node %q", n.ID, parent).
					WithContext(execerr.Context{Node: n.ID})
			}
			if seen[parent] {
				continue
			}
			seen[parent] = true
			indegree[n.ID]++
			children[parent] = append(children[parent], n.ID)
		}
	}

	var ready []string
	for id, deg := range indegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(nodes))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)

		var unlocked []string
		for _, child := range children[id] {
			indegree[child]--
			if indegree[child] == 0 {
				unlocked = append(unlocked, child)
			}
		}
		sort.Strings(unlocked)
		ready = append(ready, unlocked...)
	}

	if len(order) != len(nodes) {
		var stuck []string
		for id, deg := range indegree {
			if deg > 0 {
				stuck = append(stuck, id)
			}
		}
		sort.Strings(stuck)
		return nil, execerr.Newf(execerr.KindCyclicDependency, "pipeline contains a cycle through nodes %v", stuck).
			WithSuggestion("remove or invert one of the dependency edges")
	}
	return order, nil
}
