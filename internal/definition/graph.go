package definition

import (
	"slices"

	"github.com/pitabwire/complyflow/model"
)

// TopologicalOrder returns the task ids of the graph in dependency order
// using Kahn's algorithm, breaking ties by declaration order. When the graph
// has a cycle, order holds the tasks that could be sorted and cyclic lists
// every task that is on, or downstream of, a cycle.
func TopologicalOrder(tasks []model.TaskDefinition) (order []string, cyclic []string) {
	index := make(map[string]int, len(tasks))
	for i, t := range tasks {
		index[t.ID] = i
	}

	inDegree := make(map[string]int, len(tasks))
	dependents := make(map[string][]string, len(tasks))
	for _, t := range tasks {
		if _, ok := inDegree[t.ID]; !ok {
			inDegree[t.ID] = 0
		}
		for _, dep := range t.DependsOn {
			if _, ok := index[dep]; !ok {
				continue
			}
			inDegree[t.ID]++
			dependents[dep] = append(dependents[dep], t.ID)
		}
	}

	var ready []string
	for _, t := range tasks {
		if inDegree[t.ID] == 0 {
			ready = append(ready, t.ID)
		}
	}

	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)

		var unlocked []string
		for _, d := range dependents[id] {
			inDegree[d]--
			if inDegree[d] == 0 {
				unlocked = append(unlocked, d)
			}
		}
		ready = append(ready, unlocked...)
		slices.SortStableFunc(ready, func(a, b string) int { return index[a] - index[b] })
	}

	if len(order) == len(inDegree) {
		return order, nil
	}
	for _, t := range tasks {
		if inDegree[t.ID] > 0 {
			cyclic = append(cyclic, t.ID)
		}
	}
	return order, cyclic
}

// Dependents returns, for each task id, the ids of the tasks that directly
// depend on it.
func Dependents(tasks []model.TaskDefinition) map[string][]string {
	out := make(map[string][]string, len(tasks))
	for _, t := range tasks {
		for _, dep := range t.DependsOn {
			out[dep] = append(out[dep], t.ID)
		}
	}
	return out
}
