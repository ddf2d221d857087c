// Package main replays recorded marker detections through the tracker and logs every frame.
package main

import (
	"context"
	"os"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.viam.com/utils"
	"gopkg.in/yaml.v2"

	"github.com/viamrobotics/viam-fiducial-tracker/detector"
	"github.com/viamrobotics/viam-fiducial-tracker/tracker"
	"github.com/viamrobotics/viam-fiducial-tracker/transformgraph"
)

func main() {
	utils.ContextualMain(mainWithArgs, golog.NewDevelopmentLogger("fiducial_replay"))
}

// Arguments for the command.
type Arguments struct {
	File      string `flag:"0,required,usage=yaml file of recorded detections"`
	SpaceType string `flag:"space-type,default=plane,usage=plane or space"`
	TimeoutMs int    `flag:"timeout-ms,default=20,usage=transform lookup timeout in milliseconds"`
}

type recordedMarker struct {
	ID   int        `yaml:"id"`
	Rvec [3]float64 `yaml:"rvec"`
	Tvec [3]float64 `yaml:"tvec"`
}

type recordedFrame struct {
	Markers []recordedMarker `yaml:"markers"`
}

type recording struct {
	Frames []recordedFrame `yaml:"frames"`
}

func mainWithArgs(ctx context.Context, args []string, logger golog.Logger) error {
	var argsParsed Arguments
	if err := utils.ParseFlags(args, &argsParsed); err != nil {
		return err
	}
	if argsParsed.SpaceType != "plane" && argsParsed.SpaceType != "space" {
		return errors.Errorf("space-type must be plane or space, got %q", argsParsed.SpaceType)
	}

	frames, err := loadRecording(argsParsed.File)
	if err != nil {
		return err
	}
	cfg := tracker.Config{
		Planar:        argsParsed.SpaceType == "plane",
		LookupTimeout: time.Duration(argsParsed.TimeoutMs) * time.Millisecond,
	}
	_, err = replay(ctx, frames, cfg, logger)
	return err
}

// loadRecording reads a recording and converts every marker to a detection.
func loadRecording(path string) ([][]detector.Detection, error) {
	//nolint:gosec
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "error reading recording")
	}
	var rec recording
	if err := yaml.UnmarshalStrict(data, &rec); err != nil {
		return nil, errors.Wrapf(err, "error parsing recording %v", path)
	}
	frames := make([][]detector.Detection, 0, len(rec.Frames))
	for _, f := range rec.Frames {
		detections := make([]detector.Detection, 0, len(f.Markers))
		for _, m := range f.Markers {
			detections = append(detections, detector.Detection{ID: m.ID, Pose: detector.PoseFromRodrigues(m.Rvec, m.Tvec)})
		}
		frames = append(frames, detections)
	}
	return frames, nil
}

func replay(ctx context.Context, frames [][]detector.Detection, cfg tracker.Config, logger golog.Logger) ([]tracker.FrameResult, error) {
	t := tracker.New(transformgraph.New(), cfg, logger)
	results := make([]tracker.FrameResult, 0, len(frames))
	for i, detections := range frames {
		result, err := t.ProcessFrame(ctx, detections)
		if err != nil {
			return results, err
		}
		pt := result.CameraWorldPose.Point()
		logger.Infow("frame",
			"index", i,
			"visible", result.NumVisible,
			"anchor", result.AnchorID,
			"closest", result.ClosestMarkerID,
			"camera_x", pt.X,
			"camera_y", pt.Y,
			"camera_z", pt.Z,
			"failures", result.LookupFailures,
		)
		for _, m := range result.Markers {
			mp := m.WorldPose.Point()
			logger.Debugw("marker", "index", i, "id", m.ID, "linked", m.Linked, "x", mp.X, "y", mp.Y, "z", mp.Z)
		}
		results = append(results, result)
	}
	return results, nil
}
