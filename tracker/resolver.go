package tracker

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/rdk/spatialmath"

	"github.com/viamrobotics/viam-fiducial-tracker/transformgraph"
)

// ErrNoMarkersVisible is returned when the camera pose cannot be resolved because no marker was
// seen in the current frame.
var ErrNoMarkersVisible = errors.New("no markers visible")

// TransformGraph is the edge store the tracker publishes into and queries.
type TransformGraph interface {
	Publish(parent, child string, pose spatialmath.Pose)
	Lookup(ctx context.Context, from, to string, timeout time.Duration) (spatialmath.Pose, error)
	Forget(label string)
}

// GlobalState is the session-wide tracking state.
type GlobalState struct {
	HasAnchor       bool
	AnchorID        int
	ClosestMarkerID int
	// CameraWorldPose keeps its previous value whenever a frame fails to resolve it.
	CameraWorldPose spatialmath.Pose
}

// Resolver composes stored transforms into world poses.
type Resolver struct {
	registry *Registry
	state    *GlobalState
	graph    TransformGraph
	timeout  time.Duration
}

// NewResolver returns a resolver whose graph lookups wait at most timeout.
func NewResolver(registry *Registry, state *GlobalState, graph TransformGraph, timeout time.Duration) *Resolver {
	return &Resolver{registry: registry, state: state, graph: graph, timeout: timeout}
}

// ResolveMarkerWorldPose looks up the world pose of markerID and caches it on the record. On
// failure the cached pose is left untouched.
func (r *Resolver) ResolveMarkerWorldPose(ctx context.Context, markerID int) error {
	rec, ok := r.registry.Get(markerID)
	if !ok {
		return errors.Errorf("marker %d is not registered", markerID)
	}
	pose, err := r.graph.Lookup(ctx, transformgraph.World, transformgraph.MarkerFrame(markerID), r.timeout)
	if err != nil {
		return err
	}
	rec.TransformToWorld = pose
	return nil
}

// SelectClosestAndResolveCamera picks the visible marker nearest the camera and resolves the
// camera's world pose through it. It returns the number of visible markers. Distance ties keep
// the lowest id.
func (r *Resolver) SelectClosestAndResolveCamera(ctx context.Context) (int, error) {
	numVisible := 0
	closest := 0
	var minDistance float64
	for _, id := range r.registry.IDs() {
		rec, _ := r.registry.Get(id)
		if !rec.Visible {
			continue
		}
		distance := rec.CameraPoseLocal.Point().Norm()
		if numVisible == 0 || distance < minDistance {
			minDistance = distance
			closest = id
		}
		numVisible++
	}
	if numVisible == 0 {
		return 0, ErrNoMarkersVisible
	}

	r.state.ClosestMarkerID = closest
	pose, err := r.graph.Lookup(ctx, transformgraph.World, transformgraph.CameraFrame(closest), r.timeout)
	if err != nil {
		return numVisible, errors.Wrapf(err, "resolving camera through marker %d", closest)
	}
	r.state.CameraWorldPose = pose
	return numVisible, nil
}
