package tracker_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"go.viam.com/rdk/spatialmath"
	"go.viam.com/test"

	"github.com/viamrobotics/viam-fiducial-tracker/detector"
	"github.com/viamrobotics/viam-fiducial-tracker/testhelper"
	"github.com/viamrobotics/viam-fiducial-tracker/tracker"
	"github.com/viamrobotics/viam-fiducial-tracker/transformgraph"
)

// flakyGraph fails every lookup whose target label starts with failPrefix.
type flakyGraph struct {
	*transformgraph.Graph
	failPrefix string
}

func (g *flakyGraph) Lookup(ctx context.Context, from, to string, timeout time.Duration) (spatialmath.Pose, error) {
	if g.failPrefix != "" && strings.HasPrefix(to, g.failPrefix) {
		return nil, transformgraph.ErrLookupTimeout
	}
	return g.Graph.Lookup(ctx, from, to, timeout)
}

func newTracker(t *testing.T, planar bool) (*tracker.Tracker, *flakyGraph) {
	t.Helper()
	g := &flakyGraph{Graph: transformgraph.New()}
	return tracker.New(g, tracker.Config{Planar: planar}, golog.NewTestLogger(t)), g
}

func ids(result tracker.FrameResult) []int {
	out := []int{}
	for _, m := range result.Markers {
		out = append(out, m.ID)
	}
	return out
}

func TestAnchorDeterminism(t *testing.T) {
	camera := testhelper.YawPose(-1, 0, 0.5, 0)
	world := map[int]spatialmath.Pose{
		5: testhelper.YawPose(0.5, 0.2, 0, 0),
		2: testhelper.YawPose(0, 0, 0, 0),
		9: testhelper.YawPose(0.3, -0.4, 0, 0),
	}
	for _, order := range [][]int{{5, 2, 9}, {2, 9, 5}, {9, 5, 2}} {
		tr, _ := newTracker(t, false)
		var detections []detector.Detection
		for _, id := range order {
			detections = append(detections, testhelper.Observe(id, camera, world[id]))
		}
		result, err := tr.ProcessFrame(context.Background(), detections)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, result.AnchorID, test.ShouldEqual, 2)
		test.That(t, tr.State().AnchorID, test.ShouldEqual, 2)
		test.That(t, tr.State().HasAnchor, test.ShouldBeTrue)
	}
}

func TestNoDetectionsBeforeAnchor(t *testing.T) {
	tr, _ := newTracker(t, false)
	result, err := tr.ProcessFrame(context.Background(), nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, result.Visible, test.ShouldBeFalse)
	test.That(t, result.NumVisible, test.ShouldEqual, 0)
	test.That(t, result.Markers, test.ShouldBeEmpty)
	test.That(t, tr.State().HasAnchor, test.ShouldBeFalse)
	test.That(t, result.CameraWorldPose, testhelper.ShouldBeAlmostPose, spatialmath.NewZeroPose())
}

func TestAnchorStaysAtIdentity(t *testing.T) {
	tr, _ := newTracker(t, false)
	anchor := spatialmath.NewZeroPose()
	for _, camera := range []spatialmath.Pose{
		testhelper.YawPose(-1, 0, 0.5, 0),
		testhelper.YawPose(-2, 1, 0.5, 30),
		testhelper.YawPose(0.5, -1, 1, -120),
	} {
		result, err := tr.ProcessFrame(context.Background(), []detector.Detection{testhelper.Observe(4, camera, anchor)})
		test.That(t, err, test.ShouldBeNil)
		test.That(t, result.LookupFailures, test.ShouldEqual, 0)
		test.That(t, len(result.Markers), test.ShouldEqual, 1)
		test.That(t, result.Markers[0].WorldPose, testhelper.ShouldBeAlmostPose, spatialmath.NewZeroPose())
		test.That(t, result.CameraWorldPose, testhelper.ShouldBeAlmostPose, camera)

		records := tr.Records()
		test.That(t, len(records), test.ShouldEqual, 1)
		test.That(t, records[0].ParentID, test.ShouldEqual, tracker.RootParent)
		test.That(t, records[0].TransformToWorld, testhelper.ShouldBeAlmostPose, spatialmath.NewZeroPose())
	}
}

func TestLinkingRequiresCoVisibility(t *testing.T) {
	tr, _ := newTracker(t, false)
	ctx := context.Background()
	camera := testhelper.YawPose(-1, 0, 0.5, 0)
	marker7 := testhelper.YawPose(1, 1, 0, 45)

	_, err := tr.ProcessFrame(ctx, []detector.Detection{testhelper.Observe(2, camera, spatialmath.NewZeroPose())})
	test.That(t, err, test.ShouldBeNil)

	result, err := tr.ProcessFrame(ctx, []detector.Detection{testhelper.Observe(7, camera, marker7)})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, ids(result), test.ShouldResemble, []int{7})
	test.That(t, result.Markers[0].Linked, test.ShouldBeFalse)
	test.That(t, result.RegisteredIDs, test.ShouldResemble, []int{2, 7})
	// neither the marker's world pose nor the camera through it can be resolved
	test.That(t, result.LookupFailures, test.ShouldEqual, 2)

	result, err = tr.ProcessFrame(ctx, []detector.Detection{
		testhelper.Observe(7, camera, marker7),
		testhelper.Observe(2, camera, spatialmath.NewZeroPose()),
	})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, ids(result), test.ShouldResemble, []int{2, 7})
	test.That(t, result.Markers[1].Linked, test.ShouldBeTrue)
	test.That(t, result.Markers[1].WorldPose, testhelper.ShouldBeAlmostPose, marker7)
	test.That(t, result.LookupFailures, test.ShouldEqual, 0)

	// links do not survive the frame they were made in
	result, err = tr.ProcessFrame(ctx, []detector.Detection{testhelper.Observe(7, camera, marker7)})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, result.Markers[0].Linked, test.ShouldBeFalse)
}

func TestPruning(t *testing.T) {
	tr, _ := newTracker(t, false)
	ctx := context.Background()
	camera := testhelper.YawPose(-2, 0, 0.5, 0)
	world := map[int]spatialmath.Pose{
		3:  spatialmath.NewZeroPose(),
		8:  testhelper.YawPose(0.5, 0, 0, 0),
		9:  testhelper.YawPose(0, 0.5, 0, 90),
		11: testhelper.YawPose(1, 0.5, 0, 180),
	}
	frames := [][]int{{3}, {3, 8, 9}, {9, 3}, {11}, {}}
	for _, frame := range frames {
		var detections []detector.Detection
		for _, id := range frame {
			detections = append(detections, testhelper.Observe(id, camera, world[id]))
		}
		result, err := tr.ProcessFrame(ctx, detections)
		test.That(t, err, test.ShouldBeNil)

		expected := map[int]bool{3: true}
		for _, id := range frame {
			expected[id] = true
		}
		test.That(t, len(result.RegisteredIDs), test.ShouldEqual, len(expected))
		for _, id := range result.RegisteredIDs {
			test.That(t, expected[id], test.ShouldBeTrue)
		}

		records := tr.Records()
		test.That(t, len(records), test.ShouldEqual, 1)
		test.That(t, records[0].ID, test.ShouldEqual, 3)
	}
}

func TestStaleCameraPoseOnLookupFailure(t *testing.T) {
	logger, obs := golog.NewObservedTestLogger(t)
	g := &flakyGraph{Graph: transformgraph.New()}
	tr := tracker.New(g, tracker.Config{}, logger)
	ctx := context.Background()

	first := testhelper.YawPose(-1, 0, 0.5, 0)
	result, err := tr.ProcessFrame(ctx, []detector.Detection{testhelper.Observe(1, first, spatialmath.NewZeroPose())})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, result.CameraWorldPose, testhelper.ShouldBeAlmostPose, first)

	g.failPrefix = "camera_"
	second := testhelper.YawPose(-3, 2, 0.5, 60)
	result, err = tr.ProcessFrame(ctx, []detector.Detection{testhelper.Observe(1, second, spatialmath.NewZeroPose())})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, result.Visible, test.ShouldBeTrue)
	test.That(t, result.CameraWorldPose, testhelper.ShouldBeAlmostPose, first)
	test.That(t, tr.State().CameraWorldPose, testhelper.ShouldBeAlmostPose, first)
	test.That(t, result.LookupFailures, test.ShouldEqual, 1)
	test.That(t, obs.FilterMessageSnippet("not able to look up").Len(), test.ShouldEqual, 1)
}

func TestEndToEnd(t *testing.T) {
	tr, _ := newTracker(t, false)
	ctx := context.Background()
	anchor := spatialmath.NewZeroPose()

	camera := testhelper.YawPose(-1, 0.2, 0.4, 10)
	result, err := tr.ProcessFrame(ctx, []detector.Detection{testhelper.Observe(3, camera, anchor)})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, result.Visible, test.ShouldBeTrue)
	test.That(t, result.NumVisible, test.ShouldEqual, 1)
	test.That(t, ids(result), test.ShouldResemble, []int{3})
	test.That(t, result.Markers[0].WorldPose, testhelper.ShouldBeAlmostPose, spatialmath.NewZeroPose())
	test.That(t, result.ClosestMarkerID, test.ShouldEqual, 3)

	// marker 8 sits 2 units along x and is turned a quarter; the camera is nearer to it
	offset := testhelper.YawPose(2, 0, 0, 90)
	camera = testhelper.YawPose(1.5, -0.3, 0.4, 0)
	result, err = tr.ProcessFrame(ctx, []detector.Detection{
		testhelper.Observe(3, camera, anchor),
		testhelper.Observe(8, camera, offset),
	})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, result.NumVisible, test.ShouldEqual, 2)
	test.That(t, ids(result), test.ShouldResemble, []int{3, 8})
	test.That(t, result.Markers[1].WorldPose, testhelper.ShouldBeAlmostPose, spatialmath.Compose(anchor, offset))
	test.That(t, result.ClosestMarkerID, test.ShouldEqual, 8)
	test.That(t, result.CameraWorldPose, testhelper.ShouldBeAlmostPose, camera)
	test.That(t, result.LookupFailures, test.ShouldEqual, 0)
}

func TestPlanarLinking(t *testing.T) {
	camera := testhelper.YawPose(-1, 0, 0.5, 0)
	tilted := spatialmath.NewPose(
		r3.Vector{X: 1, Y: 0.5, Z: 0.05},
		&spatialmath.EulerAngles{Roll: 0.05, Pitch: -0.03, Yaw: 0.7},
	)
	detections := []detector.Detection{
		testhelper.Observe(1, camera, spatialmath.NewZeroPose()),
		testhelper.Observe(6, camera, tilted),
	}

	tr, _ := newTracker(t, true)
	result, err := tr.ProcessFrame(context.Background(), detections)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, result.Markers[1].WorldPose, testhelper.ShouldBeAlmostPose,
		spatialmath.NewPose(r3.Vector{X: 1, Y: 0.5}, &spatialmath.EulerAngles{Yaw: tilted.Orientation().EulerAngles().Yaw}))

	tr, _ = newTracker(t, false)
	result, err = tr.ProcessFrame(context.Background(), detections)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, result.Markers[1].WorldPose, testhelper.ShouldBeAlmostPose, tilted)
}

func TestInvalidDetectionsIgnored(t *testing.T) {
	tr, _ := newTracker(t, false)
	camera := testhelper.YawPose(-1, 0, 0.5, 0)
	near := testhelper.YawPose(-0.5, 0.3, 0.5, 20)
	result, err := tr.ProcessFrame(context.Background(), []detector.Detection{
		{ID: -4, Pose: spatialmath.NewZeroPose()},
		{ID: 6},
		testhelper.Observe(5, camera, spatialmath.NewZeroPose()),
		testhelper.Observe(5, near, spatialmath.NewZeroPose()),
	})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, result.AnchorID, test.ShouldEqual, 5)
	test.That(t, ids(result), test.ShouldResemble, []int{5})
	test.That(t, result.CameraWorldPose, testhelper.ShouldBeAlmostPose, near)
}

func TestProcessFrameCancelled(t *testing.T) {
	tr, _ := newTracker(t, false)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := tr.ProcessFrame(ctx, nil)
	test.That(t, err, test.ShouldEqual, context.Canceled)
}
