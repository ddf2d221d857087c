package detector

import (
	"context"
	"encoding/base64"
	"image"

	"github.com/edaniels/golog"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"go.opencensus.io/trace"
	"go.viam.com/rdk/rimage"
	"go.viam.com/rdk/utils"

	"github.com/viamrobotics/viam-fiducial-tracker/calibration"
)

// DetectCommand is the DoCommand verb sent to the delegated detector.
const DetectCommand = "detect_markers"

// Commander is the part of an rdk resource a CommandDetector needs.
type Commander interface {
	DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error)
}

type markerResponse struct {
	ID   int        `mapstructure:"id"`
	Rvec [3]float64 `mapstructure:"rvec"`
	Tvec [3]float64 `mapstructure:"tvec"`
}

type detectResponse struct {
	Markers []markerResponse `mapstructure:"markers"`
}

// CommandDetector asks another resource to find markers by sending it the encoded image, the
// marker size and the calibration through DoCommand.
type CommandDetector struct {
	svc        Commander
	markerSize float64
	logger     golog.Logger
}

// NewCommandDetector returns a detector that delegates to svc.
func NewCommandDetector(svc Commander, markerSize float64, logger golog.Logger) *CommandDetector {
	return &CommandDetector{svc: svc, markerSize: markerSize, logger: logger}
}

// Detect encodes img as PNG, sends it to the delegated resource and decodes the marker poses it
// returns.
func (d *CommandDetector) Detect(ctx context.Context, img image.Image, calib *calibration.Calibration) ([]Detection, error) {
	ctx, span := trace.StartSpan(ctx, "fiducialtracker::CommandDetector::Detect")
	defer span.End()

	encoded, err := rimage.EncodeImage(ctx, img, utils.MimeTypePNG)
	if err != nil {
		return nil, errors.Wrap(err, "error encoding image for detector")
	}
	cmd := map[string]interface{}{
		"command":     DetectCommand,
		"image":       base64.StdEncoding.EncodeToString(encoded),
		"mime_type":   utils.MimeTypePNG,
		"marker_size": d.markerSize,
	}
	if calib != nil {
		intrinsics := make([]interface{}, 0, len(calib.Intrinsics))
		for _, v := range calib.Intrinsics {
			intrinsics = append(intrinsics, v)
		}
		distortion := make([]interface{}, 0, len(calib.Distortion))
		for _, v := range calib.Distortion {
			distortion = append(distortion, v)
		}
		cmd["width"] = calib.Width
		cmd["height"] = calib.Height
		cmd["intrinsics"] = intrinsics
		cmd["distortion"] = distortion
	}

	resp, err := d.svc.DoCommand(ctx, cmd)
	if err != nil {
		return nil, errors.Wrap(err, "error calling detector")
	}
	detections, err := DecodeDetections(resp)
	if err != nil {
		return nil, err
	}
	d.logger.Debugf("detector returned %d markers", len(detections))
	return detections, nil
}

// DecodeDetections reads the {"markers": [{"id", "rvec", "tvec"}]} shape a detector returns.
func DecodeDetections(resp map[string]interface{}) ([]Detection, error) {
	var decoded detectResponse
	if err := mapstructure.Decode(resp, &decoded); err != nil {
		return nil, errors.Wrap(err, "error decoding detector response")
	}
	detections := make([]Detection, 0, len(decoded.Markers))
	for _, m := range decoded.Markers {
		detections = append(detections, Detection{ID: m.ID, Pose: PoseFromRodrigues(m.Rvec, m.Tvec)})
	}
	return detections, nil
}
