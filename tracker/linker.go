package tracker

import (
	"context"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/rdk/spatialmath"

	"github.com/viamrobotics/viam-fiducial-tracker/transformgraph"
)

// ErrNoAnchor is returned when an operation needs an anchor before one has been designated.
var ErrNoAnchor = errors.New("no anchor marker designated")

// RelativePose returns the pose of a marker in the anchor's frame from two observations made by
// the same camera at the same instant. Both arguments are camera poses expressed in the
// respective marker frames.
func RelativePose(cameraPoseLocalAnchor, cameraPoseLocalMarker spatialmath.Pose) spatialmath.Pose {
	return spatialmath.Compose(cameraPoseLocalAnchor, spatialmath.PoseInverse(cameraPoseLocalMarker))
}

// ProjectToPlane constrains a pose to the horizontal plane: roll, pitch and height are zeroed,
// yaw and the in-plane translation are kept.
func ProjectToPlane(pose spatialmath.Pose) spatialmath.Pose {
	pt := pose.Point()
	yaw := pose.Orientation().EulerAngles().Yaw
	return spatialmath.NewPose(r3.Vector{X: pt.X, Y: pt.Y}, &spatialmath.EulerAngles{Yaw: yaw})
}

// Linker attaches newly observed markers to the anchor.
type Linker struct {
	registry *Registry
	state    *GlobalState
	graph    TransformGraph
	resolver *Resolver
	planar   bool
	logger   golog.Logger
}

// NewLinker returns a linker over the given registry and state.
func NewLinker(
	registry *Registry,
	state *GlobalState,
	graph TransformGraph,
	resolver *Resolver,
	planar bool,
	logger golog.Logger,
) *Linker {
	return &Linker{
		registry: registry,
		state:    state,
		graph:    graph,
		resolver: resolver,
		planar:   planar,
		logger:   logger,
	}
}

// TryLink links markerID to the anchor using only the current frame's observations of both. It
// returns false without error when the anchor is not visible in this frame. Linking is only ever
// attempted against the anchor, so every linked marker sits one edge below it.
func (l *Linker) TryLink(
	ctx context.Context,
	markerID int,
	cameraPoseLocalMarker spatialmath.Pose,
	cameraPoseLocalAnchor spatialmath.Pose,
	anchorVisible bool,
) (bool, error) {
	if !l.state.HasAnchor {
		return false, ErrNoAnchor
	}
	anchorID := l.state.AnchorID
	if markerID == anchorID {
		return false, errors.Errorf("marker %d is the anchor", markerID)
	}
	rec, ok := l.registry.Get(markerID)
	if !ok {
		return false, errors.Errorf("marker %d is not registered", markerID)
	}
	if rec.Linked() {
		return false, errors.Errorf("marker %d is already linked to %d", markerID, rec.ParentID)
	}
	if !anchorVisible {
		return false, nil
	}

	relative := RelativePose(cameraPoseLocalAnchor, cameraPoseLocalMarker)
	if l.planar {
		relative = ProjectToPlane(relative)
	}
	rec.ParentID = anchorID
	rec.TransformToParent = relative
	l.graph.Publish(transformgraph.MarkerFrame(anchorID), transformgraph.MarkerFrame(markerID), relative)
	l.logger.Debugf("linked marker %d to anchor %d", markerID, anchorID)

	if err := l.resolver.ResolveMarkerWorldPose(ctx, markerID); err != nil {
		return true, errors.Wrapf(err, "linked marker %d but could not resolve its world pose", markerID)
	}
	return true, nil
}
