package core

import (
	"container/heap"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Strategy selects a pathfinding algorithm.
type Strategy string

const (
	// StrategyDijkstra minimises cumulative link delay.
	StrategyDijkstra Strategy = "dijkstra"
	// StrategyBFS minimises hop count.
	StrategyBFS Strategy = "bfs"
)

// ParseStrategy maps a strategy name onto a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case StrategyDijkstra, "":
		return StrategyDijkstra, nil
	case StrategyBFS:
		return StrategyBFS, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownStrategy, s)
	}
}

// Edge is a weighted adjacency entry.
type Edge struct {
	To     string
	Weight int
}

// Graph is an undirected weighted graph of node IDs.
type Graph struct {
	adj map[string][]Edge
}

// NewGraph returns an empty graph.
func NewGraph() *Graph {
	return &Graph{adj: make(map[string][]Edge)}
}

// AddEdge adds an undirected edge. Non-positive weights are clamped to 1.
func (g *Graph) AddEdge(a, b string, weight int) {
	if a == "" || b == "" {
		return
	}
	if weight < 1 {
		weight = 1
	}
	g.adj[a] = append(g.adj[a], Edge{To: b, Weight: weight})
	g.adj[b] = append(g.adj[b], Edge{To: a, Weight: weight})
}

// HasNode reports whether id has at least one edge.
func (g *Graph) HasNode(id string) bool {
	_, ok := g.adj[id]
	return ok
}

// Neighbours returns the edges leaving id.
func (g *Graph) Neighbours(id string) []Edge {
	return g.adj[id]
}

// Nodes returns the graph's node IDs in sorted order.
func (g *Graph) Nodes() []string {
	out := make([]string, 0, len(g.adj))
	for id := range g.adj {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Empty reports whether the graph has no edges.
func (g *Graph) Empty() bool { return len(g.adj) == 0 }

// BuildGraph builds the routing graph from every connection in a usable
// state whose endpoints are both enabled.
func BuildGraph(conns []*Connection) *Graph {
	g := NewGraph()
	for _, c := range conns {
		if c == nil || !c.Usable() {
			continue
		}
		g.AddEdge(c.NodeA(), c.NodeB(), c.Delay())
	}
	return g
}

type pqItem struct {
	node string
	dist int
	seq  int
}

// distanceQueue is a min-heap on distance; equal distances pop in
// insertion order.
type distanceQueue []pqItem

func (q distanceQueue) Len() int { return len(q) }
func (q distanceQueue) Less(i, j int) bool {
	if q[i].dist != q[j].dist {
		return q[i].dist < q[j].dist
	}
	return q[i].seq < q[j].seq
}
func (q distanceQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *distanceQueue) Push(x any)   { *q = append(*q, x.(pqItem)) }
func (q *distanceQueue) Pop() any {
	old := *q
	item := old[len(old)-1]
	*q = old[:len(old)-1]
	return item
}

// Dijkstra returns the minimum cumulative-delay path from src to dst and its
// cost. ok is false when either endpoint is absent from the graph or dst is
// unreachable.
func Dijkstra(g *Graph, src, dst string) (path []string, cost int, ok bool) {
	if g == nil || !g.HasNode(src) || !g.HasNode(dst) {
		return nil, 0, false
	}
	if src == dst {
		return []string{src}, 0, true
	}

	dist := map[string]int{src: 0}
	prev := make(map[string]string)
	visited := make(map[string]bool)

	seq := 0
	pq := &distanceQueue{{node: src, dist: 0, seq: seq}}
	for pq.Len() > 0 {
		cur := heap.Pop(pq).(pqItem)
		if visited[cur.node] {
			continue
		}
		visited[cur.node] = true

		if cur.node == dst {
			return reconstructPath(prev, src, dst), cur.dist, true
		}

		for _, e := range g.adj[cur.node] {
			if visited[e.To] {
				continue
			}
			nd := cur.dist + e.Weight
			if old, seen := dist[e.To]; seen && nd >= old {
				continue
			}
			dist[e.To] = nd
			prev[e.To] = cur.node
			seq++
			heap.Push(pq, pqItem{node: e.To, dist: nd, seq: seq})
		}
	}
	return nil, 0, false
}

// BFS returns the minimum hop-count path from src to dst and its hop count.
func BFS(g *Graph, src, dst string) (path []string, hops int, ok bool) {
	if g == nil || !g.HasNode(src) || !g.HasNode(dst) {
		return nil, 0, false
	}
	if src == dst {
		return []string{src}, 0, true
	}

	queue := []string{src}
	visited := map[string]bool{src: true}
	prev := make(map[string]string)

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		for _, e := range g.adj[current] {
			if visited[e.To] {
				continue
			}
			visited[e.To] = true
			prev[e.To] = current
			if e.To == dst {
				p := reconstructPath(prev, src, dst)
				return p, len(p) - 1, true
			}
			queue = append(queue, e.To)
		}
	}
	return nil, 0, false
}

func reconstructPath(prev map[string]string, src, dst string) []string {
	path := []string{dst}
	for node := dst; node != src; {
		node = prev[node]
		path = append(path, node)
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}

// FindPath runs the requested strategy. An unreachable destination yields a
// nil path and zero cost; only an unknown strategy is an error.
func FindPath(g *Graph, src, dst string, strategy Strategy) ([]string, int, error) {
	var (
		path []string
		cost int
		ok   bool
	)
	switch strategy {
	case StrategyDijkstra:
		path, cost, ok = Dijkstra(g, src, dst)
	case StrategyBFS:
		path, cost, ok = BFS(g, src, dst)
	default:
		return nil, 0, fmt.Errorf("%w: %q", ErrUnknownStrategy, string(strategy))
	}
	if !ok {
		return nil, 0, nil
	}
	return path, cost, nil
}

// PathFinder wraps FindPath with timing metrics.
type PathFinder struct {
	metrics MetricsRecorder
}

// NewPathFinder returns a PathFinder reporting to metrics (which may be nil).
func NewPathFinder(metrics MetricsRecorder) *PathFinder {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &PathFinder{metrics: metrics}
}

// FindPath is FindPath with a path-computation sample recorded.
func (pf *PathFinder) FindPath(g *Graph, src, dst string, strategy Strategy) ([]string, int, error) {
	start := time.Now()
	path, cost, err := FindPath(g, src, dst, strategy)
	if err == nil {
		pf.metrics.PathComputed(string(strategy), time.Since(start), path != nil)
	}
	return path, cost, err
}
