package job

import "sync"

// waitGraph records which runs are blocked on which. A run is blocked on
// a child it started and on any in-flight run it joined. Joining a run
// that can already reach the joiner through this graph would deadlock.
type waitGraph struct {
	mu    sync.Mutex
	edges map[*Run]map[*Run]int
}

func newWaitGraph() *waitGraph {
	return &waitGraph{edges: make(map[*Run]map[*Run]int)}
}

func (g *waitGraph) add(from, to *Run) {
	g.mu.Lock()
	g.addLocked(from, to)
	g.mu.Unlock()
}

// tryAdd adds the edge unless it would close a cycle.
func (g *waitGraph) tryAdd(from, to *Run) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if from == to || g.reaches(to, from) {
		return false
	}
	g.addLocked(from, to)
	return true
}

func (g *waitGraph) remove(from, to *Run) {
	g.mu.Lock()
	defer g.mu.Unlock()
	targets := g.edges[from]
	if targets == nil {
		return
	}
	if targets[to]--; targets[to] <= 0 {
		delete(targets, to)
	}
	if len(targets) == 0 {
		delete(g.edges, from)
	}
}

func (g *waitGraph) addLocked(from, to *Run) {
	targets := g.edges[from]
	if targets == nil {
		targets = make(map[*Run]int)
		g.edges[from] = targets
	}
	targets[to]++
}

func (g *waitGraph) reaches(start, target *Run) bool {
	seen := map[*Run]bool{start: true}
	queue := []*Run{start}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur == target {
			return true
		}
		for next := range g.edges[cur] {
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	return false
}
