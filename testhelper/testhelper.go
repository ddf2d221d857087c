// Package testhelper provides helper functions for testing fiducial marker tracking.
package testhelper

import (
	"fmt"
	"math"

	"github.com/golang/geo/r3"
	"go.viam.com/rdk/spatialmath"

	"github.com/viamrobotics/viam-fiducial-tracker/detector"
)

const poseTolerance = 1e-6

// ShouldBeAlmostPose is a go.viam.com/test assertion comparing two spatialmath.Pose values
// within a small tolerance on both position and orientation.
func ShouldBeAlmostPose(actual interface{}, expected ...interface{}) string {
	if len(expected) != 1 {
		return fmt.Sprintf("expected exactly one pose to compare against, got %d", len(expected))
	}
	a, ok := actual.(spatialmath.Pose)
	if !ok || a == nil {
		return fmt.Sprintf("expected actual to be a spatialmath.Pose, got %T", actual)
	}
	e, ok := expected[0].(spatialmath.Pose)
	if !ok || e == nil {
		return fmt.Sprintf("expected value to be a spatialmath.Pose, got %T", expected[0])
	}
	if a.Point().Sub(e.Point()).Norm() > poseTolerance {
		return fmt.Sprintf("expected point %v, got %v", e.Point(), a.Point())
	}
	qa, qe := a.Orientation().Quaternion(), e.Orientation().Quaternion()
	dot := qa.Real*qe.Real + qa.Imag*qe.Imag + qa.Jmag*qe.Jmag + qa.Kmag*qe.Kmag
	if 1-math.Abs(dot) > poseTolerance {
		return fmt.Sprintf("expected orientation %v, got %v", qe, qa)
	}
	return ""
}

// YawPose builds a pose at (x, y, z) rotated by yawDeg degrees about the vertical axis.
func YawPose(x, y, z, yawDeg float64) spatialmath.Pose {
	return spatialmath.NewPose(r3.Vector{X: x, Y: y, Z: z}, &spatialmath.EulerAngles{Yaw: yawDeg * math.Pi / 180})
}

// Observe returns the detection a camera at cameraInWorld reports for a marker at markerInWorld.
func Observe(id int, cameraInWorld, markerInWorld spatialmath.Pose) detector.Detection {
	return detector.Detection{
		ID:   id,
		Pose: spatialmath.Compose(spatialmath.PoseInverse(cameraInWorld), markerInWorld),
	}
}
