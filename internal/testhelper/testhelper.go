// Package testhelper implements a fiducial tracker definition with additional exported functions for
// the purpose of testing
package testhelper

import (
	"context"
	"image"
	"sync"
	"testing"

	"github.com/edaniels/golog"
	"github.com/edaniels/gostream"
	"github.com/pkg/errors"
	"go.viam.com/rdk/components/camera"
	"go.viam.com/rdk/components/generic"
	"go.viam.com/rdk/config"
	"go.viam.com/rdk/registry"
	"go.viam.com/rdk/rimage"
	"go.viam.com/rdk/rimage/transform"
	"go.viam.com/rdk/testutils/inject"
	rdkutils "go.viam.com/rdk/utils"
	"go.viam.com/test"

	fiducialtracker "github.com/viamrobotics/viam-fiducial-tracker"
	"github.com/viamrobotics/viam-fiducial-tracker/detector"
	"github.com/viamrobotics/viam-fiducial-tracker/tracker"
)

// DetectorName is the name the fake detector is registered under in SetupDeps.
const DetectorName = "fake_detector"

var (
	intrinsicsA = &transform.PinholeCameraIntrinsics{ // not the real camera parameters -- fake for test
		Width:  1280,
		Height: 720,
		Fx:     200,
		Fy:     200,
		Ppx:    640,
		Ppy:    360,
	}
	distortionsA = &transform.BrownConrady{RadialK1: 0.001, RadialK2: 0.00004}
)

// FakeDetector answers detect_markers commands with scripted frames. Once the script runs out the
// last frame repeats.
type FakeDetector struct {
	mu       sync.Mutex
	frames   [][]detector.Detection
	next     int
	commands []map[string]interface{}
	Err      error
}

// NewFakeDetector returns a detector that reports frames in order.
func NewFakeDetector(frames ...[]detector.Detection) *FakeDetector {
	return &FakeDetector{frames: frames}
}

// DoCommand returns the next scripted frame in the shape a detector resource reports it.
func (d *FakeDetector) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.commands = append(d.commands, cmd)
	if cmd["command"] != detector.DetectCommand {
		return nil, errors.Errorf("unknown command %v", cmd["command"])
	}
	if d.Err != nil {
		return nil, d.Err
	}
	markers := []interface{}{}
	if len(d.frames) > 0 {
		frame := d.frames[d.next]
		if d.next < len(d.frames)-1 {
			d.next++
		}
		for _, det := range frame {
			markers = append(markers, MarkerResponse(det))
		}
	}
	return map[string]interface{}{"markers": markers}, nil
}

// Commands returns every command received so far.
func (d *FakeDetector) Commands() []map[string]interface{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]map[string]interface{}{}, d.commands...)
}

// MarkerResponse encodes a detection as a Rodrigues rotation vector and a translation.
func MarkerResponse(det detector.Detection) map[string]interface{} {
	aa := det.Pose.Orientation().AxisAngles()
	pt := det.Pose.Point()
	return map[string]interface{}{
		"id":   det.ID,
		"rvec": []interface{}{aa.Theta * aa.RX, aa.Theta * aa.RY, aa.Theta * aa.RZ},
		"tvec": []interface{}{pt.X, pt.Y, pt.Z},
	}
}

func streamOf(img image.Image) func(ctx context.Context, errHandlers ...gostream.ErrorHandler) (gostream.VideoStream, error) {
	return func(ctx context.Context, errHandlers ...gostream.ErrorHandler) (gostream.VideoStream, error) {
		return gostream.NewEmbeddedVideoStreamFromReader(
			gostream.VideoReaderFunc(func(ctx context.Context) (image.Image, func(), error) {
				return img, func() {}, nil
			}),
		), nil
	}
}

// SetupDeps returns the injected camera named cameraName and det registered as DetectorName.
// Unknown camera names leave the camera out.
func SetupDeps(cameraName string, det *FakeDetector) registry.Dependencies {
	deps := make(registry.Dependencies)
	if det != nil {
		deps[generic.Named(DetectorName)] = det
	}

	cam := &inject.Camera{}
	switch cameraName {
	case "good_camera":
		cam.StreamFunc = streamOf(image.NewNRGBA(image.Rect(0, 0, 1280, 720)))
		cam.PropertiesFunc = func(ctx context.Context) (camera.Properties, error) {
			return camera.Properties{IntrinsicParams: intrinsicsA, DistortionParams: distortionsA}, nil
		}
	case "lazy_png_camera":
		imgBytes, err := rimage.EncodeImage(context.Background(), image.NewNRGBA(image.Rect(0, 0, 320, 240)), rdkutils.MimeTypePNG)
		if err != nil {
			panic(err)
		}
		cam.StreamFunc = streamOf(rimage.NewLazyEncodedImage(imgBytes, rdkutils.MimeTypePNG))
		cam.PropertiesFunc = func(ctx context.Context) (camera.Properties, error) {
			return camera.Properties{IntrinsicParams: intrinsicsA, DistortionParams: nil}, nil
		}
	case "missing_camera_properties":
		cam.StreamFunc = streamOf(image.NewNRGBA(image.Rect(0, 0, 1024, 1024)))
		cam.PropertiesFunc = func(ctx context.Context) (camera.Properties, error) {
			return camera.Properties{}, errors.New("somehow couldn't get properties")
		}
	case "bad_camera_intrinsics":
		cam.StreamFunc = streamOf(image.NewNRGBA(image.Rect(0, 0, 1024, 1024)))
		cam.PropertiesFunc = func(ctx context.Context) (camera.Properties, error) {
			return camera.Properties{
				IntrinsicParams:  &transform.PinholeCameraIntrinsics{},
				DistortionParams: &transform.BrownConrady{},
			}, nil
		}
	case "bad_camera_no_stream":
		cam.StreamFunc = func(ctx context.Context, errHandlers ...gostream.ErrorHandler) (gostream.VideoStream, error) {
			return nil, errors.New("bad_camera_no_stream")
		}
		cam.PropertiesFunc = func(ctx context.Context) (camera.Properties, error) {
			return camera.Properties{IntrinsicParams: intrinsicsA, DistortionParams: distortionsA}, nil
		}
	default:
		return deps
	}
	deps[camera.Named(cameraName)] = cam
	return deps
}

// CreateTrackerService builds a tracker from cfg without starting its background loop.
func CreateTrackerService(
	t *testing.T,
	cfg *fiducialtracker.Config,
	det *FakeDetector,
	logger golog.Logger,
	success bool,
) (Service, error) {
	t.Helper()

	ctx := context.Background()
	cfgComponent := config.Component{Name: "test", Type: "generic", Model: fiducialtracker.Model}
	cfgComponent.ConvertedAttributes = cfg

	deps := SetupDeps(cfg.Camera, det)

	implicitDeps, err := cfg.Validate("path")
	if err != nil {
		return nil, err
	}
	test.That(t, implicitDeps, test.ShouldResemble, []string{cfg.Camera, cfg.Detector})

	res, err := fiducialtracker.New(ctx, deps, cfgComponent, logger, false)
	if success {
		if err != nil {
			return nil, err
		}
		svc, ok := res.(Service)
		test.That(t, ok, test.ShouldBeTrue)
		return svc, nil
	}

	test.That(t, res, test.ShouldBeNil)
	return nil, err
}

// Service in the internal package includes additional exported functions relating to the tracking
// loop. These functions are not exported to the user.
type Service interface {
	StartTrackingProcess(cancelCtx context.Context, c chan int)
	CaptureAndTrack(ctx context.Context) (tracker.FrameResult, error)
	LatestResult() tracker.FrameResult
	DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error)
	Close() error
}
