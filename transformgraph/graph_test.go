package transformgraph_test

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/rdk/spatialmath"
	"go.viam.com/test"

	"github.com/viamrobotics/viam-fiducial-tracker/testhelper"
	"github.com/viamrobotics/viam-fiducial-tracker/transformgraph"
)

func TestLookup(t *testing.T) {
	ctx := context.Background()
	g := transformgraph.New()
	anchor := transformgraph.MarkerFrame(3)
	marker := transformgraph.MarkerFrame(8)
	camera := transformgraph.CameraFrame(8)

	g.Publish(transformgraph.World, anchor, spatialmath.NewZeroPose())
	g.Publish(anchor, marker, testhelper.YawPose(1, 0, 0, 90))
	g.Publish(marker, camera, testhelper.YawPose(0, 2, 0, 0))

	t.Run("same frame is identity", func(t *testing.T) {
		pose, err := g.Lookup(ctx, marker, marker, 0)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, pose, testhelper.ShouldBeAlmostPose, spatialmath.NewZeroPose())
	})

	t.Run("composes down the tree", func(t *testing.T) {
		pose, err := g.Lookup(ctx, transformgraph.World, camera, 0)
		test.That(t, err, test.ShouldBeNil)
		// marker 8 is yawed 90 degrees, so its +y axis points along world -x
		test.That(t, pose, testhelper.ShouldBeAlmostPose, testhelper.YawPose(-1, 0, 0, 90))
	})

	t.Run("inverts up the tree", func(t *testing.T) {
		pose, err := g.Lookup(ctx, camera, transformgraph.World, 0)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, pose, testhelper.ShouldBeAlmostPose,
			spatialmath.PoseInverse(testhelper.YawPose(-1, 0, 0, 90)))
	})

	t.Run("unknown frame fails immediately without timeout", func(t *testing.T) {
		_, err := g.Lookup(ctx, transformgraph.World, transformgraph.MarkerFrame(42), 0)
		test.That(t, errors.Is(err, transformgraph.ErrLookupTimeout), test.ShouldBeTrue)
		test.That(t, err.Error(), test.ShouldContainSubstring, "unknown frame")
	})

	t.Run("disconnected frames time out", func(t *testing.T) {
		g.Publish("elsewhere", "island", spatialmath.NewZeroPose())
		start := time.Now()
		_, err := g.Lookup(ctx, transformgraph.World, "island", 20*time.Millisecond)
		test.That(t, errors.Is(err, transformgraph.ErrLookupTimeout), test.ShouldBeTrue)
		test.That(t, time.Since(start) >= 20*time.Millisecond, test.ShouldBeTrue)
	})
}

func TestPublishReplacesParent(t *testing.T) {
	g := transformgraph.New()
	g.Publish(transformgraph.World, "a", testhelper.YawPose(1, 0, 0, 0))
	g.Publish(transformgraph.World, "b", testhelper.YawPose(0, 1, 0, 0))
	g.Publish("a", "c", testhelper.YawPose(0, 0, 1, 0))
	g.Publish("b", "c", testhelper.YawPose(0, 0, 2, 0))

	pose, err := g.Lookup(context.Background(), transformgraph.World, "c", 0)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, pose, testhelper.ShouldBeAlmostPose, testhelper.YawPose(0, 1, 2, 0))

	g.Publish("c", "c", testhelper.YawPose(5, 5, 5, 0))
	pose, err = g.Lookup(context.Background(), transformgraph.World, "c", 0)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, pose, testhelper.ShouldBeAlmostPose, testhelper.YawPose(0, 1, 2, 0))
}

func TestForget(t *testing.T) {
	g := transformgraph.New()
	g.Publish(transformgraph.World, transformgraph.MarkerFrame(1), spatialmath.NewZeroPose())
	g.Publish(transformgraph.MarkerFrame(1), transformgraph.MarkerFrame(2), testhelper.YawPose(1, 0, 0, 0))
	g.Publish(transformgraph.MarkerFrame(2), transformgraph.CameraFrame(2), testhelper.YawPose(0, 0, 1, 0))

	g.Forget(transformgraph.MarkerFrame(2))
	test.That(t, g.Labels(), test.ShouldResemble,
		[]string{transformgraph.CameraFrame(2), transformgraph.MarkerFrame(1), transformgraph.World})

	_, err := g.Lookup(context.Background(), transformgraph.World, transformgraph.CameraFrame(2), 0)
	test.That(t, err, test.ShouldNotBeNil)

	g.Forget("never-published")
}

func TestLookupWaitsForPublish(t *testing.T) {
	g := transformgraph.New()
	g.Publish(transformgraph.World, transformgraph.MarkerFrame(1), spatialmath.NewZeroPose())

	done := make(chan struct{})
	go func() {
		defer close(done)
		time.Sleep(10 * time.Millisecond)
		g.Publish(transformgraph.MarkerFrame(1), transformgraph.MarkerFrame(2), testhelper.YawPose(3, 0, 0, 0))
	}()

	pose, err := g.Lookup(context.Background(), transformgraph.World, transformgraph.MarkerFrame(2), 5*time.Second)
	<-done
	test.That(t, err, test.ShouldBeNil)
	test.That(t, pose, testhelper.ShouldBeAlmostPose, testhelper.YawPose(3, 0, 0, 0))
}

func TestLookupCancelled(t *testing.T) {
	g := transformgraph.New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := g.Lookup(ctx, transformgraph.World, "nowhere", time.Second)
	test.That(t, errors.Is(err, context.Canceled), test.ShouldBeTrue)
}
