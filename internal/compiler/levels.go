package compiler

import (
	"sort"

	"maestro/internal/schema"
)

// depGraph is the dependency graph in index form: edge u→v means v
// depends on u. Node order follows the blueprint, so everything derived
// from the graph is deterministic.
type depGraph struct {
	ids   []string
	index map[string]int
	succ  [][]int
	pred  [][]int
}

func buildGraph(bp schema.Blueprint) *depGraph {
	g := &depGraph{
		ids:   make([]string, 0, len(bp.Nodes)),
		index: make(map[string]int, len(bp.Nodes)),
	}
	for _, n := range bp.Nodes {
		if _, dup := g.index[n.ID]; dup {
			continue
		}
		g.index[n.ID] = len(g.ids)
		g.ids = append(g.ids, n.ID)
	}
	g.succ = make([][]int, len(g.ids))
	g.pred = make([][]int, len(g.ids))
	for _, n := range bp.Nodes {
		v := g.index[n.ID]
		for _, dep := range n.Dependencies {
			u, ok := g.index[dep]
			if !ok {
				continue
			}
			g.succ[u] = append(g.succ[u], v)
			g.pred[v] = append(g.pred[v], u)
		}
	}
	return g
}

// sccs returns strongly connected components in reverse topological
// order (Tarjan). Each component lists member indices.
func (g *depGraph) sccs() [][]int {
	n := len(g.ids)
	index := make([]int, n)
	low := make([]int, n)
	onStack := make([]bool, n)
	for i := range index {
		index[i] = -1
	}

	var (
		stack  []int
		next   int
		result [][]int
	)

	var strongconnect func(v int)
	strongconnect = func(v int) {
		index[v] = next
		low[v] = next
		next++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range g.succ[v] {
			if index[w] == -1 {
				strongconnect(w)
				if low[w] < low[v] {
					low[v] = low[w]
				}
			} else if onStack[w] && index[w] < low[v] {
				low[v] = index[w]
			}
		}

		if low[v] == index[v] {
			var comp []int
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				comp = append(comp, w)
				if w == v {
					break
				}
			}
			sort.Ints(comp)
			result = append(result, comp)
		}
	}

	for v := 0; v < n; v++ {
		if index[v] == -1 {
			strongconnect(v)
		}
	}
	return result
}

// hasSelfLoop reports whether v depends on itself.
func (g *depGraph) hasSelfLoop(v int) bool {
	for _, w := range g.succ[v] {
		if w == v {
			return true
		}
	}
	return false
}

// assignLevels computes longest-path levels over the condensation of
// the graph. Members of a multi-node component (a sanctioned recursion
// cycle) share the component's level. Returns nil when a cycle exists
// across components, which cannot happen after cycle analysis passes.
func (g *depGraph) assignLevels(components [][]int) map[string]int {
	comp := make([]int, len(g.ids))
	for ci, members := range components {
		for _, v := range members {
			comp[v] = ci
		}
	}

	// Condensation edges and in-degrees.
	nc := len(components)
	succ := make([][]int, nc)
	indeg := make([]int, nc)
	seen := make(map[[2]int]bool)
	for u := range g.succ {
		for _, v := range g.succ[u] {
			cu, cv := comp[u], comp[v]
			if cu == cv {
				continue
			}
			key := [2]int{cu, cv}
			if seen[key] {
				continue
			}
			seen[key] = true
			succ[cu] = append(succ[cu], cv)
			indeg[cv]++
		}
	}

	level := make([]int, nc)
	queue := make([]int, 0, nc)
	for c := 0; c < nc; c++ {
		if indeg[c] == 0 {
			queue = append(queue, c)
		}
	}
	processed := 0
	for len(queue) > 0 {
		c := queue[0]
		queue = queue[1:]
		processed++
		for _, d := range succ[c] {
			if level[c]+1 > level[d] {
				level[d] = level[c] + 1
			}
			indeg[d]--
			if indeg[d] == 0 {
				queue = append(queue, d)
			}
		}
	}
	if processed != nc {
		return nil
	}

	out := make(map[string]int, len(g.ids))
	for v, id := range g.ids {
		out[id] = level[comp[v]]
	}
	return out
}
