package fiducialtracker

import (
	"time"

	"github.com/pkg/errors"
	goutils "go.viam.com/utils"
	"golang.org/x/exp/slices"

	sensorutils "github.com/viamrobotics/viam-fiducial-tracker/sensors/utils"
)

// SpaceType selects how freely linked markers may be placed relative to the anchor.
type SpaceType string

const (
	// Plane keeps every marker on the anchor's horizontal plane.
	Plane SpaceType = "plane"
	// Space places markers anywhere in three dimensions.
	Space SpaceType = "space"
)

const (
	defaultDataRateMsec         = 200
	defaultTransformTimeoutMsec = 20
	defaultMarkerSize           = 0.1
	defaultNumMarkers           = 10
)

var supportedSpaceTypes = []SpaceType{Plane, Space}

// Config describes how to configure the fiducial tracker.
type Config struct {
	Camera               string          `json:"camera"`
	Detector             string          `json:"detector"`
	CalibrationFile      string          `json:"calibration_file,omitempty"`
	MarkerSize           float64         `json:"marker_size,omitempty"`
	NumMarkers           int             `json:"num_markers,omitempty"`
	SpaceType            string          `json:"space_type,omitempty"`
	ROI                  sensorutils.ROI `json:"roi,omitempty"`
	DataRateMsec         int             `json:"data_rate_msec,omitempty"`
	TransformTimeoutMsec int             `json:"transform_timeout_msec,omitempty"`
}

// Validate checks the config and returns the camera and detector as implicit dependencies.
func (config *Config) Validate(path string) ([]string, error) {
	if config.Camera == "" {
		return nil, goutils.NewConfigValidationFieldRequiredError(path, "camera")
	}
	if config.Detector == "" {
		return nil, goutils.NewConfigValidationFieldRequiredError(path, "detector")
	}
	if config.MarkerSize < 0 {
		return nil, errors.Errorf("%v: marker_size must not be negative, got %v", path, config.MarkerSize)
	}
	if config.NumMarkers < 0 {
		return nil, errors.Errorf("%v: num_markers must not be negative, got %v", path, config.NumMarkers)
	}
	if config.SpaceType != "" && !slices.Contains(supportedSpaceTypes, SpaceType(config.SpaceType)) {
		return nil, errors.Errorf("%v: space_type must be one of %v, got %q", path, supportedSpaceTypes, config.SpaceType)
	}
	if config.DataRateMsec < 0 {
		return nil, errors.Errorf("%v: data_rate_msec must not be negative, got %v", path, config.DataRateMsec)
	}
	if config.TransformTimeoutMsec < 0 {
		return nil, errors.Errorf("%v: transform_timeout_msec must not be negative, got %v", path, config.TransformTimeoutMsec)
	}
	if err := config.ROI.Validate(); err != nil {
		return nil, errors.Wrap(err, path)
	}
	return []string{config.Camera, config.Detector}, nil
}

func (config *Config) markerSize() float64 {
	if config.MarkerSize == 0 {
		return defaultMarkerSize
	}
	return config.MarkerSize
}

func (config *Config) numMarkers() int {
	if config.NumMarkers == 0 {
		return defaultNumMarkers
	}
	return config.NumMarkers
}

func (config *Config) spaceType() SpaceType {
	if config.SpaceType == "" {
		return Plane
	}
	return SpaceType(config.SpaceType)
}

func (config *Config) dataRate() int {
	if config.DataRateMsec == 0 {
		return defaultDataRateMsec
	}
	return config.DataRateMsec
}

func (config *Config) transformTimeout() time.Duration {
	if config.TransformTimeoutMsec == 0 {
		return defaultTransformTimeoutMsec * time.Millisecond
	}
	return time.Duration(config.TransformTimeoutMsec) * time.Millisecond
}
