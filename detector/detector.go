// Package detector defines the fiducial detection capability the tracker consumes and an
// implementation that delegates detection to another rdk resource.
package detector

import (
	"context"
	"image"

	"github.com/golang/geo/r3"
	"go.viam.com/rdk/spatialmath"

	"github.com/viamrobotics/viam-fiducial-tracker/calibration"
)

// Detection is one marker found in an image: its id and the rigid pose of the marker frame
// expressed in the camera frame.
type Detection struct {
	ID   int
	Pose spatialmath.Pose
}

// Detector finds planar fiducial markers in an image.
type Detector interface {
	Detect(ctx context.Context, img image.Image, calib *calibration.Calibration) ([]Detection, error)
}

// PoseFromRodrigues converts a detector's rotation vector (axis scaled by angle in radians) and
// translation vector into a pose. Inputs are widened to float64 before conversion.
func PoseFromRodrigues(rvec, tvec [3]float64) spatialmath.Pose {
	rotation := r3.Vector{X: rvec[0], Y: rvec[1], Z: rvec[2]}
	translation := r3.Vector{X: tvec[0], Y: tvec[1], Z: tvec[2]}
	if rotation.Norm() == 0 {
		return spatialmath.NewPoseFromPoint(translation)
	}
	return spatialmath.NewPose(translation, spatialmath.R3ToR4(rotation))
}
