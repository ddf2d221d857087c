// Package transformgraph stores named rigid-transform edges between frame labels and
// answers composed-transform queries between any two labels.
package transformgraph

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/rdk/spatialmath"
	"golang.org/x/exp/slices"
	"gonum.org/v1/gonum/graph/path"
	"gonum.org/v1/gonum/graph/simple"
)

// World is the label of the root frame of every tracking session.
const World = "world"

var (
	// ErrLookupTimeout is returned when no chain of edges joins two labels within the lookup bound.
	ErrLookupTimeout = errors.New("transform lookup timed out")
	// ErrUnknownFrame is returned when a label has never been published.
	ErrUnknownFrame = errors.New("unknown frame")
)

type edge struct {
	parent string
	pose   spatialmath.Pose
}

// Graph is an in-process transform store. Each child label has at most one parent, so the
// published edges form a forest; lookups walk the undirected path between two labels.
type Graph struct {
	mu      sync.Mutex
	ids     map[string]int64
	nextID  int64
	edges   map[string]edge // keyed by child label
	links   *simple.UndirectedGraph
	changed chan struct{}
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{
		ids:     map[string]int64{},
		edges:   map[string]edge{},
		links:   simple.NewUndirectedGraph(),
		changed: make(chan struct{}),
	}
}

// Publish stores pose as the pose of child expressed in parent, replacing any earlier edge
// into child. A frame cannot be its own parent; such edges are ignored.
func (g *Graph) Publish(parent, child string, pose spatialmath.Pose) {
	if parent == child {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	childID := g.idLocked(child)
	parentID := g.idLocked(parent)
	if old, ok := g.edges[child]; ok && old.parent != parent {
		g.links.RemoveEdge(g.ids[old.parent], childID)
	}
	g.edges[child] = edge{parent: parent, pose: pose}
	g.links.SetEdge(simple.Edge{F: simple.Node(parentID), T: simple.Node(childID)})
	g.notifyLocked()
}

// Forget removes every edge touching label.
func (g *Graph) Forget(label string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	id, ok := g.ids[label]
	if !ok {
		return
	}
	delete(g.edges, label)
	for child, e := range g.edges {
		if e.parent == label {
			delete(g.edges, child)
		}
	}
	g.links.RemoveNode(id)
	delete(g.ids, label)
	g.notifyLocked()
}

// Labels returns every label the graph has seen and not forgotten, sorted.
func (g *Graph) Labels() []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	labels := make([]string, 0, len(g.ids))
	for label := range g.ids {
		labels = append(labels, label)
	}
	slices.Sort(labels)
	return labels
}

// Lookup returns the pose of frame to expressed in frame from. When the two labels are not yet
// joined it waits for a publish that joins them, for at most timeout. A non-positive timeout
// makes a single attempt.
func (g *Graph) Lookup(ctx context.Context, from, to string, timeout time.Duration) (spatialmath.Pose, error) {
	var timer *time.Timer
	if timeout > 0 {
		timer = time.NewTimer(timeout)
		defer timer.Stop()
	}
	for {
		g.mu.Lock()
		pose, err := g.composeLocked(from, to)
		changed := g.changed
		g.mu.Unlock()
		if err == nil {
			return pose, nil
		}
		if timer == nil {
			return nil, errors.Wrapf(ErrLookupTimeout, "%s -> %s: %v", from, to, err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, errors.Wrapf(ErrLookupTimeout, "%s -> %s: %v", from, to, err)
		case <-changed:
		}
	}
}

func (g *Graph) idLocked(label string) int64 {
	if id, ok := g.ids[label]; ok {
		return id
	}
	id := g.nextID
	g.nextID++
	g.ids[label] = id
	g.links.AddNode(simple.Node(id))
	return id
}

// notifyLocked wakes every lookup currently waiting on the graph.
func (g *Graph) notifyLocked() {
	close(g.changed)
	g.changed = make(chan struct{})
}

func (g *Graph) composeLocked(from, to string) (spatialmath.Pose, error) {
	fromID, ok := g.ids[from]
	if !ok {
		return nil, errors.Wrap(ErrUnknownFrame, from)
	}
	toID, ok := g.ids[to]
	if !ok {
		return nil, errors.Wrap(ErrUnknownFrame, to)
	}
	if fromID == toID {
		return spatialmath.NewZeroPose(), nil
	}

	nodes, _ := path.DijkstraFrom(simple.Node(fromID), g.links).To(toID)
	if len(nodes) == 0 {
		return nil, errors.Errorf("no path between %s and %s", from, to)
	}

	labels := make(map[int64]string, len(g.ids))
	for label, id := range g.ids {
		labels[id] = label
	}

	result := spatialmath.NewZeroPose()
	for i := 1; i < len(nodes); i++ {
		a, b := labels[nodes[i-1].ID()], labels[nodes[i].ID()]
		if e, ok := g.edges[b]; ok && e.parent == a {
			result = spatialmath.Compose(result, e.pose)
			continue
		}
		e, ok := g.edges[a]
		if !ok || e.parent != b {
			return nil, errors.Errorf("inconsistent edge between %s and %s", a, b)
		}
		result = spatialmath.Compose(result, spatialmath.PoseInverse(e.pose))
	}
	return result, nil
}
