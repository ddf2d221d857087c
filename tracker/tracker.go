package tracker

import (
	"context"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.opencensus.io/trace"
	"go.viam.com/rdk/spatialmath"

	"github.com/viamrobotics/viam-fiducial-tracker/detector"
	"github.com/viamrobotics/viam-fiducial-tracker/transformgraph"
)

// Config holds the tracker options.
type Config struct {
	// Planar constrains every derived marker link to the horizontal plane.
	Planar bool
	// LookupTimeout bounds each transform graph query.
	LookupTimeout time.Duration
}

// MarkerPose is the world pose of one visible marker.
type MarkerPose struct {
	ID        int
	WorldPose spatialmath.Pose
	Linked    bool
}

// FrameResult is what one frame produces.
type FrameResult struct {
	Visible         bool
	NumVisible      int
	AnchorID        int
	ClosestMarkerID int
	CameraWorldPose spatialmath.Pose
	// Markers holds the visible markers in ascending id order.
	Markers []MarkerPose
	// RegisteredIDs lists every record held at the end of the frame, before pruning.
	RegisteredIDs []int
	// LookupFailures counts graph queries that failed during the frame.
	LookupFailures int
}

// Tracker runs one detection cycle at a time over an explicitly owned registry and state.
// It is not safe for concurrent use.
type Tracker struct {
	registry *Registry
	state    *GlobalState
	graph    TransformGraph
	linker   *Linker
	resolver *Resolver
	logger   golog.Logger
}

// New returns a tracker publishing into graph.
func New(graph TransformGraph, cfg Config, logger golog.Logger) *Tracker {
	registry := NewRegistry()
	state := &GlobalState{CameraWorldPose: spatialmath.NewZeroPose()}
	resolver := NewResolver(registry, state, graph, cfg.LookupTimeout)
	return &Tracker{
		registry: registry,
		state:    state,
		graph:    graph,
		resolver: resolver,
		linker:   NewLinker(registry, state, graph, resolver, cfg.Planar, logger),
		logger:   logger,
	}
}

// State returns a copy of the session state.
func (t *Tracker) State() GlobalState {
	return *t.state
}

// Records returns copies of the current records in ascending id order.
func (t *Tracker) Records() []MarkerRecord {
	records := make([]MarkerRecord, 0, t.registry.Len())
	for _, id := range t.registry.IDs() {
		rec, _ := t.registry.Get(id)
		records = append(records, *rec)
	}
	return records
}

// ProcessFrame runs one detection cycle. Graph lookup failures are logged and counted in the
// result; they never abort the frame. The only error returned is the context's.
func (t *Tracker) ProcessFrame(ctx context.Context, detections []detector.Detection) (FrameResult, error) {
	ctx, span := trace.StartSpan(ctx, "fiducialtracker::Tracker::ProcessFrame")
	defer span.End()

	if err := ctx.Err(); err != nil {
		return FrameResult{}, err
	}

	t.registry.ResetVisibility()

	detections = t.sanitize(detections)
	if len(detections) == 0 {
		t.logger.Debug("no marker found")
	}
	if !t.state.HasAnchor && len(detections) > 0 {
		t.designateAnchor(detections)
	}

	ids := make([]int, 0, len(detections))
	for _, det := range detections {
		rec := t.registry.EnsureRecord(det.ID)
		rec.CameraPoseLocal = spatialmath.PoseInverse(det.Pose)
		t.graph.Publish(transformgraph.MarkerFrame(det.ID), transformgraph.CameraFrame(det.ID), rec.CameraPoseLocal)
		ids = append(ids, det.ID)
	}
	t.registry.MarkVisible(ids)

	failures := 0
	anchorPose, anchorVisible := t.anchorObservation()
	for _, id := range ids {
		rec, _ := t.registry.Get(id)
		if !rec.Linked() && t.state.HasAnchor && id != t.state.AnchorID {
			if _, err := t.linker.TryLink(ctx, id, rec.CameraPoseLocal, anchorPose, anchorVisible); err != nil {
				t.logger.Warnw("marker link incomplete", "marker", id, "error", err)
			}
		}
		if err := t.resolver.ResolveMarkerWorldPose(ctx, id); err != nil {
			failures++
			t.logger.Errorw("not able to look up marker world pose", "marker", id, "error", err)
		}
	}

	numVisible, err := t.resolver.SelectClosestAndResolveCamera(ctx)
	switch {
	case errors.Is(err, ErrNoMarkersVisible):
		t.logger.Debug("no markers visible, keeping previous camera pose")
	case err != nil:
		failures++
		t.logger.Errorw("not able to look up camera world pose", "marker", t.state.ClosestMarkerID, "error", err)
	default:
	}

	t.publishWorldFrames(ids)
	result := t.result(numVisible, failures)

	if t.state.HasAnchor {
		for _, id := range t.registry.Prune(t.state.AnchorID) {
			t.graph.Forget(transformgraph.MarkerFrame(id))
			t.graph.Forget(transformgraph.CameraFrame(id))
			t.graph.Forget(transformgraph.MarkerGlobeFrame(id))
		}
	}
	return result, ctx.Err()
}

// sanitize drops ids that collide with the parent sentinels and keeps only the last detection of
// a repeated id, in first-seen order.
func (t *Tracker) sanitize(detections []detector.Detection) []detector.Detection {
	index := map[int]int{}
	clean := make([]detector.Detection, 0, len(detections))
	for _, det := range detections {
		if det.ID < 0 {
			t.logger.Warnw("ignoring marker with negative id", "marker", det.ID)
			continue
		}
		if det.Pose == nil {
			t.logger.Warnw("ignoring marker without a pose", "marker", det.ID)
			continue
		}
		if i, ok := index[det.ID]; ok {
			clean[i] = det
			continue
		}
		index[det.ID] = len(clean)
		clean = append(clean, det)
	}
	return clean
}

// designateAnchor makes the lowest id among the detections the world origin.
func (t *Tracker) designateAnchor(detections []detector.Detection) {
	anchorID := detections[0].ID
	for _, det := range detections[1:] {
		if det.ID < anchorID {
			anchorID = det.ID
		}
	}
	rec := t.registry.EnsureRecord(anchorID)
	rec.ParentID = RootParent
	rec.TransformToParent = spatialmath.NewZeroPose()
	rec.TransformToWorld = spatialmath.NewZeroPose()
	rec.Visible = true

	t.state.HasAnchor = true
	t.state.AnchorID = anchorID
	t.graph.Publish(transformgraph.World, transformgraph.MarkerFrame(anchorID), spatialmath.NewZeroPose())
	t.logger.Infof("first marker with ID %d detected, using it as the world origin", anchorID)
}

func (t *Tracker) anchorObservation() (spatialmath.Pose, bool) {
	if !t.state.HasAnchor {
		return nil, false
	}
	anchor, ok := t.registry.Get(t.state.AnchorID)
	if !ok || !anchor.Visible {
		return nil, false
	}
	return anchor.CameraPoseLocal, true
}

// publishWorldFrames publishes the marker and camera world poses for external rendering.
func (t *Tracker) publishWorldFrames(ids []int) {
	if !t.state.HasAnchor {
		return
	}
	for _, id := range ids {
		rec, _ := t.registry.Get(id)
		t.graph.Publish(transformgraph.World, transformgraph.MarkerGlobeFrame(id), rec.TransformToWorld)
	}
	t.graph.Publish(transformgraph.World, transformgraph.CameraPosition, t.state.CameraWorldPose)
}

func (t *Tracker) result(numVisible, failures int) FrameResult {
	result := FrameResult{
		Visible:         numVisible > 0,
		NumVisible:      numVisible,
		AnchorID:        t.state.AnchorID,
		ClosestMarkerID: t.state.ClosestMarkerID,
		CameraWorldPose: t.state.CameraWorldPose,
		RegisteredIDs:   t.registry.IDs(),
		LookupFailures:  failures,
	}
	if !result.Visible {
		return result
	}
	for _, id := range t.registry.IDs() {
		rec, _ := t.registry.Get(id)
		if !rec.Visible {
			continue
		}
		result.Markers = append(result.Markers, MarkerPose{ID: id, WorldPose: rec.TransformToWorld, Linked: rec.Linked()})
	}
	return result
}
