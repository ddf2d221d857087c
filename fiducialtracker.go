// Package fiducialtracker implements a generic resource that localizes a camera against a set of
// fiducial markers, using the first marker it sees as the world origin.
package fiducialtracker

import (
	"context"
	"sync"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.opencensus.io/trace"
	"go.viam.com/rdk/components/camera"
	"go.viam.com/rdk/components/generic"
	"go.viam.com/rdk/config"
	"go.viam.com/rdk/registry"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/rimage/transform"
	"go.viam.com/rdk/spatialmath"
	rdkutils "go.viam.com/rdk/utils"
	goutils "go.viam.com/utils"

	"github.com/viamrobotics/viam-fiducial-tracker/calibration"
	"github.com/viamrobotics/viam-fiducial-tracker/detector"
	sensorutils "github.com/viamrobotics/viam-fiducial-tracker/sensors/utils"
	"github.com/viamrobotics/viam-fiducial-tracker/tracker"
	"github.com/viamrobotics/viam-fiducial-tracker/transformgraph"
)

// Model specifies the unique resource-triple across the rdk.
var Model = resource.NewModel("viam", "fiducial", "tracker")

const (
	getPoseCommand    = "get_pose"
	getMarkersCommand = "get_markers"
	getFramesCommand  = "get_frames"
)

func init() {
	registry.RegisterComponent(generic.Subtype, Model, registry.Component{
		Constructor: func(ctx context.Context, deps registry.Dependencies, c config.Component, logger golog.Logger) (interface{}, error) {
			return New(ctx, deps, c, logger, true)
		},
	})
	config.RegisterComponentAttributeMapConverter(
		generic.Subtype,
		Model,
		func(attributes config.AttributeMap) (interface{}, error) {
			var conf Config
			return config.TransformAttributeMapToStruct(&conf, attributes)
		},
		&Config{})
}

// trackerService is the structure of the fiducial tracker resource.
type trackerService struct {
	cam        camera.Camera
	detector   detector.Detector
	calib      *calibration.Calibration
	roi        sensorutils.ROI
	graph      *transformgraph.Graph
	dataRateMs int

	mu      sync.Mutex
	tracker *tracker.Tracker
	latest  tracker.FrameResult

	cancelFunc              func()
	logger                  golog.Logger
	activeBackgroundWorkers sync.WaitGroup
}

// New returns a new fiducial tracker. When startTracking is set a background loop captures and
// processes one frame every data_rate_msec until Close.
func New(ctx context.Context,
	deps registry.Dependencies,
	conf config.Component,
	logger golog.Logger,
	startTracking bool,
) (interface{}, error) {
	ctx, span := trace.StartSpan(ctx, "fiducialtracker::New")
	defer span.End()

	svcConfig, ok := conf.ConvertedAttributes.(*Config)
	if !ok {
		return nil, rdkutils.NewUnexpectedTypeError(svcConfig, conf.ConvertedAttributes)
	}
	if _, err := svcConfig.Validate(conf.Name); err != nil {
		return nil, err
	}

	cam, err := camera.FromDependencies(deps, svcConfig.Camera)
	if err != nil {
		return nil, errors.Wrapf(err, "error getting camera %v for fiducial tracker", svcConfig.Camera)
	}
	commander, err := commanderFromDependencies(deps, svcConfig.Detector)
	if err != nil {
		return nil, err
	}
	logger.Debugf("expecting up to %d markers", svcConfig.numMarkers())

	graph := transformgraph.New()
	cancelCtx, cancelFunc := context.WithCancel(context.Background())
	svc := &trackerService{
		cam:        cam,
		detector:   detector.NewCommandDetector(commander, svcConfig.markerSize(), logger),
		calib:      loadCalibration(ctx, cam, svcConfig.CalibrationFile, logger),
		roi:        svcConfig.ROI,
		graph:      graph,
		dataRateMs: svcConfig.dataRate(),
		tracker: tracker.New(graph, tracker.Config{
			Planar:        svcConfig.spaceType() == Plane,
			LookupTimeout: svcConfig.transformTimeout(),
		}, logger),
		latest:     tracker.FrameResult{CameraWorldPose: spatialmath.NewZeroPose()},
		cancelFunc: cancelFunc,
		logger:     logger,
	}

	if startTracking {
		svc.StartTrackingProcess(cancelCtx, nil)
	}
	return svc, nil
}

// commanderFromDependencies finds the detector resource by name among the dependencies.
func commanderFromDependencies(deps registry.Dependencies, name string) (detector.Commander, error) {
	for resName, res := range deps {
		if resName.Name != name {
			continue
		}
		commander, ok := res.(detector.Commander)
		if !ok {
			return nil, rdkutils.NewUnimplementedInterfaceError("detector.Commander", res)
		}
		return commander, nil
	}
	return nil, errors.Errorf("error getting detector %v for fiducial tracker", name)
}

// loadCalibration prefers the calibration file and falls back to the camera's own properties.
// A nil result means detection runs without calibration.
func loadCalibration(ctx context.Context, cam camera.Camera, path string, logger golog.Logger) *calibration.Calibration {
	if path != "" {
		calib, err := calibration.Load(path)
		if err == nil {
			if err := calib.CheckSanity(); err != nil {
				logger.Warn(err)
			}
			logger.Infof("loaded calibration from %v", path)
			return calib
		}
		logger.Warnw("unable to load calibration file, falling back to camera properties", "file", path, "error", err)
	}

	props, err := cam.Properties(ctx)
	if err != nil {
		logger.Warnw("unable to get camera properties, tracking without calibration", "error", err)
		return nil
	}
	brownConrady, _ := props.DistortionParams.(*transform.BrownConrady)
	calib, err := calibration.FromCameraProperties(props.IntrinsicParams, brownConrady)
	if err != nil {
		logger.Warnw("camera has no usable intrinsics, tracking without calibration", "error", err)
		return nil
	}
	return calib
}

// StartTrackingProcess starts the background loop that captures and tracks one frame per tick.
// When c is non-nil a value is sent on it after every frame.
func (svc *trackerService) StartTrackingProcess(cancelCtx context.Context, c chan int) {
	svc.activeBackgroundWorkers.Add(1)
	if err := cancelCtx.Err(); err != nil {
		if !errors.Is(err, context.Canceled) {
			svc.logger.Errorw("unexpected error in fiducial tracker", "error", err)
		}
		svc.activeBackgroundWorkers.Done()
		return
	}
	goutils.PanicCapturingGo(func() {
		ticker := time.NewTicker(time.Millisecond * time.Duration(svc.dataRateMs))
		defer ticker.Stop()
		defer svc.activeBackgroundWorkers.Done()

		for {
			select {
			case <-cancelCtx.Done():
				return
			case <-ticker.C:
				if _, err := svc.CaptureAndTrack(cancelCtx); err != nil && !errors.Is(err, context.Canceled) {
					svc.logger.Warn(err)
				}
				if c != nil {
					select {
					case c <- 1:
					case <-cancelCtx.Done():
						return
					}
				}
			}
		}
	})
}

// CaptureAndTrack reads one image, detects the markers in it and runs them through the tracker.
func (svc *trackerService) CaptureAndTrack(ctx context.Context) (tracker.FrameResult, error) {
	ctx, span := trace.StartSpan(ctx, "fiducialtracker::trackerService::CaptureAndTrack")
	defer span.End()

	img, release, err := sensorutils.GetImage(ctx, svc.cam)
	if release != nil {
		defer release()
	}
	if err != nil {
		return tracker.FrameResult{}, errors.Wrap(err, "error reading image from camera")
	}
	img, err = svc.roi.Crop(img)
	if err != nil {
		return tracker.FrameResult{}, err
	}
	detections, err := svc.detector.Detect(ctx, img, svc.calib)
	if err != nil {
		return tracker.FrameResult{}, errors.Wrap(err, "error detecting markers")
	}

	svc.mu.Lock()
	defer svc.mu.Unlock()
	result, err := svc.tracker.ProcessFrame(ctx, detections)
	if err != nil {
		return tracker.FrameResult{}, err
	}
	svc.latest = result
	return result, nil
}

// LatestResult returns the result of the last frame processed.
func (svc *trackerService) LatestResult() tracker.FrameResult {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	return svc.latest
}

// DoCommand answers queries about the latest tracking state.
func (svc *trackerService) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	name, ok := cmd["command"].(string)
	if !ok {
		return nil, errors.New("command must be a string")
	}
	latest := svc.LatestResult()
	switch name {
	case getPoseCommand:
		return map[string]interface{}{
			"visible":           latest.Visible,
			"num_visible":       latest.NumVisible,
			"closest_marker_id": latest.ClosestMarkerID,
			"anchor_id":         latest.AnchorID,
			"pose":              poseToMap(latest.CameraWorldPose),
		}, nil
	case getMarkersCommand:
		markers := make([]interface{}, 0, len(latest.Markers))
		for _, m := range latest.Markers {
			markers = append(markers, map[string]interface{}{
				"id":     m.ID,
				"linked": m.Linked,
				"pose":   poseToMap(m.WorldPose),
			})
		}
		return map[string]interface{}{"markers": markers}, nil
	case getFramesCommand:
		labels := svc.graph.Labels()
		frames := make([]interface{}, 0, len(labels))
		for _, label := range labels {
			frames = append(frames, label)
		}
		return map[string]interface{}{"frames": frames}, nil
	default:
		return nil, errors.Errorf("unknown command %q", name)
	}
}

func poseToMap(pose spatialmath.Pose) map[string]interface{} {
	p := spatialmath.PoseToProtobuf(pose)
	return map[string]interface{}{
		"x":     p.X,
		"y":     p.Y,
		"z":     p.Z,
		"o_x":   p.OX,
		"o_y":   p.OY,
		"o_z":   p.OZ,
		"theta": p.Theta,
	}
}

// Close stops the tracking loop and waits for it to exit.
func (svc *trackerService) Close() error {
	svc.cancelFunc()
	svc.activeBackgroundWorkers.Wait()
	return nil
}
