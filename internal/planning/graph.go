// Package planning validates the dependency graph of a proposed plan and
// computes a deterministic execution order for it.
package planning

import (
	"strings"

	"helios/internal/domain"
)

type Graph struct {
	// Adjacency maps each task id to the ids it depends on.
	Adjacency map[string][]string `json:"adjacency"`
	// Order lists every task after all of its dependencies.
	Order []string `json:"topological_order"`
	Valid bool     `json:"valid"`
}

const (
	white uint8 = iota
	gray
	black
)

type frame struct {
	node int
	next int
}

// Validate checks ids, then dangling references, then cycles. Ties between
// independent tasks are broken by input order, so the same task list always
// yields the same Order.
func Validate(tasks []domain.Task) (Graph, error) {
	index := make(map[string]int, len(tasks))
	ids := make([]string, len(tasks))
	adjacency := make(map[string][]string, len(tasks))
	for i, t := range tasks {
		if strings.TrimSpace(t.ID) == "" {
			return Graph{Adjacency: adjacency}, invalidf(ErrEmptyTaskID, "task at position %d", i)
		}
		if _, exists := index[t.ID]; exists {
			return Graph{Adjacency: adjacency}, invalidf(ErrDuplicateTask, "%q", t.ID)
		}
		index[t.ID] = i
		ids[i] = t.ID
		adjacency[t.ID] = append([]string{}, t.DependsOn...)
	}

	edges := make([][]int, len(tasks))
	for i, t := range tasks {
		for _, dep := range t.DependsOn {
			j, ok := index[dep]
			if !ok {
				return Graph{Adjacency: adjacency}, &DanglingDependencyError{TaskID: t.ID, MissingID: dep}
			}
			edges[i] = append(edges[i], j)
		}
	}

	order, cycle := postOrder(edges)
	if cycle != nil {
		path := make([]string, len(cycle))
		for i, n := range cycle {
			path[i] = ids[n]
		}
		return Graph{Adjacency: adjacency}, &CycleError{Path: path}
	}

	out := make([]string, len(order))
	for i, n := range order {
		out[i] = ids[n]
	}
	return Graph{Adjacency: adjacency, Order: out, Valid: true}, nil
}

// postOrder runs a three-colour DFS over dependency edges with an explicit
// stack. A node is emitted once all of its dependencies are emitted. On a back
// edge it returns the cycle as node indices, first and last equal.
func postOrder(edges [][]int) ([]int, []int) {
	color := make([]uint8, len(edges))
	order := make([]int, 0, len(edges))
	stack := make([]frame, 0, len(edges))

	for root := range edges {
		if color[root] != white {
			continue
		}
		color[root] = gray
		stack = append(stack[:0], frame{node: root})

		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			if top.next < len(edges[top.node]) {
				dep := edges[top.node][top.next]
				top.next++
				switch color[dep] {
				case white:
					color[dep] = gray
					stack = append(stack, frame{node: dep})
				case gray:
					return nil, cycleFrom(stack, dep)
				}
				continue
			}
			color[top.node] = black
			order = append(order, top.node)
			stack = stack[:len(stack)-1]
		}
	}
	return order, nil
}

func cycleFrom(stack []frame, start int) []int {
	var cycle []int
	for i := range stack {
		if stack[i].node == start {
			for _, f := range stack[i:] {
				cycle = append(cycle, f.node)
			}
			break
		}
	}
	return append(cycle, start)
}

// Levels groups a valid graph's order into waves: level 0 has no dependencies,
// level n depends on at least one task of level n-1.
func Levels(g Graph) [][]string {
	if !g.Valid {
		return nil
	}
	depth := make(map[string]int, len(g.Order))
	var levels [][]string
	for _, id := range g.Order {
		d := 0
		for _, dep := range g.Adjacency[id] {
			if depth[dep]+1 > d {
				d = depth[dep] + 1
			}
		}
		depth[id] = d
		for len(levels) <= d {
			levels = append(levels, nil)
		}
		levels[d] = append(levels[d], id)
	}
	return levels
}
