// Package buildgraph holds named build steps and their dependency edges and
// runs the closure of a target with bounded parallelism.
package buildgraph

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Action performs the work of one node. Aggregate nodes have no action.
type Action func(ctx context.Context) error

var (
	ErrDuplicateNode    = errors.New("duplicate graph node")
	ErrUnknownNode      = errors.New("unknown graph node")
	ErrCycle            = errors.New("dependency cycle")
	ErrDependencyFailed = errors.New("dependency failed")
)

// CycleError carries one stable cycle witness, first node repeated last.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("%s: %s", ErrCycle, strings.Join(e.Path, " -> "))
}

func (e *CycleError) Unwrap() error { return ErrCycle }

// NodeError attributes a failure to the node that produced it.
type NodeError struct {
	Node string
	Err  error
}

func (e *NodeError) Error() string { return fmt.Sprintf("%s: %v", e.Node, e.Err) }

func (e *NodeError) Unwrap() error { return e.Err }

type node struct {
	name   string
	action Action
	deps   map[string]struct{}
}

// Graph is built single-threaded during configuration and is read-only
// while running.
type Graph struct {
	nodes map[string]*node
}

func New() *Graph {
	return &Graph{nodes: make(map[string]*node)}
}

// Add declares a node. Dependencies may name nodes declared later; they are
// checked by Validate.
func (g *Graph) Add(name string, action Action, deps ...string) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrUnknownNode)
	}
	if _, ok := g.nodes[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateNode, name)
	}
	n := &node{name: name, action: action, deps: make(map[string]struct{})}
	for _, d := range deps {
		n.deps[d] = struct{}{}
	}
	g.nodes[name] = n
	return nil
}

// Depend adds the edge name -> dep.
func (g *Graph) Depend(name, dep string) error {
	n, ok := g.nodes[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, name)
	}
	n.deps[dep] = struct{}{}
	return nil
}

// Aggregate creates the collection node name if needed and adds members
// to it.
func (g *Graph) Aggregate(name string, members ...string) error {
	n, ok := g.nodes[name]
	if !ok {
		if err := g.Add(name, nil); err != nil {
			return err
		}
		n = g.nodes[name]
	} else if n.action != nil {
		return fmt.Errorf("%w: %s is not an aggregate", ErrDuplicateNode, name)
	}
	for _, m := range members {
		n.deps[m] = struct{}{}
	}
	return nil
}

func (g *Graph) Has(name string) bool {
	_, ok := g.nodes[name]
	return ok
}

// Names returns every node name, sorted.
func (g *Graph) Names() []string {
	out := make([]string, 0, len(g.nodes))
	for name := range g.nodes {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Deps returns the sorted direct dependencies of name.
func (g *Graph) Deps(name string) []string {
	n, ok := g.nodes[name]
	if !ok {
		return nil
	}
	return sortedKeys(n.deps)
}

// Validate reports the first unknown dependency, in name order, or a cycle.
func (g *Graph) Validate() error {
	for _, name := range g.Names() {
		for _, d := range sortedKeys(g.nodes[name].deps) {
			if _, ok := g.nodes[d]; !ok {
				return fmt.Errorf("%w: %s (required by %s)", ErrUnknownNode, d, name)
			}
		}
	}
	if _, err := g.order(g.Names()); err != nil {
		return err
	}
	return nil
}

// Order returns the dependency closure of target in a deterministic
// topological order, dependencies first.
func (g *Graph) Order(target string) ([]string, error) {
	if _, ok := g.nodes[target]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNode, target)
	}
	closure := map[string]struct{}{}
	stack := []string{target}
	for len(stack) > 0 {
		name := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, seen := closure[name]; seen {
			continue
		}
		n, ok := g.nodes[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownNode, name)
		}
		closure[name] = struct{}{}
		for d := range n.deps {
			stack = append(stack, d)
		}
	}
	return g.order(sortedKeys(closure))
}

// order runs Kahn's algorithm over the given sorted subset. The ready queue
// is a min-heap on the subset index so ties break by name.
func (g *Graph) order(names []string) ([]string, error) {
	index := make(map[string]int, len(names))
	for i, name := range names {
		index[name] = i
	}
	indeg := make([]int, len(names))
	dependents := make([][]int, len(names))
	for i, name := range names {
		for d := range g.nodes[name].deps {
			j, ok := index[d]
			if !ok {
				continue
			}
			indeg[i]++
			dependents[j] = append(dependents[j], i)
		}
	}
	for _, ds := range dependents {
		sort.Ints(ds)
	}

	ready := &intMinHeap{}
	for i := range indeg {
		if indeg[i] == 0 {
			heap.Push(ready, i)
		}
	}
	out := make([]string, 0, len(names))
	for ready.Len() > 0 {
		i := heap.Pop(ready).(int)
		out = append(out, names[i])
		for _, j := range dependents[i] {
			indeg[j]--
			if indeg[j] == 0 {
				heap.Push(ready, j)
			}
		}
	}
	if len(out) != len(names) {
		return nil, &CycleError{Path: g.findCycle(names, index)}
	}
	return out, nil
}

// findCycle walks dependency edges depth-first in name order and returns the
// first back edge as a closed path.
func (g *Graph) findCycle(names []string, index map[string]int) []string {
	const (
		white = iota
		gray
		black
	)
	color := make([]int, len(names))
	var path []int
	var cycle []string

	var dfs func(u int) bool
	dfs = func(u int) bool {
		color[u] = gray
		path = append(path, u)
		for _, d := range sortedKeys(g.nodes[names[u]].deps) {
			v, ok := index[d]
			if !ok {
				continue
			}
			switch color[v] {
			case white:
				if dfs(v) {
					return true
				}
			case gray:
				for k := len(path) - 1; k >= 0; k-- {
					if path[k] == v {
						for _, idx := range path[k:] {
							cycle = append(cycle, names[idx])
						}
						cycle = append(cycle, names[v])
						return true
					}
				}
			}
		}
		path = path[:len(path)-1]
		color[u] = black
		return false
	}
	for i := range names {
		if color[i] == white && dfs(i) {
			break
		}
	}
	return cycle
}

type intMinHeap []int

func (h intMinHeap) Len() int           { return len(h) }
func (h intMinHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h intMinHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *intMinHeap) Push(x any)        { *h = append(*h, x.(int)) }
func (h *intMinHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
