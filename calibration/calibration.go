// Package calibration loads camera intrinsics and distortion coefficients for marker detection.
package calibration

import (
	"bufio"
	"bytes"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"go.viam.com/rdk/rimage/transform"
	"gopkg.in/yaml.v2"
)

// ErrWrongCalibration is returned by CheckSanity when the loaded values do not look like a
// pinhole calibration.
var ErrWrongCalibration = errors.New("wrong calibration data, check calibration file and filepath")

// Calibration holds a 3x3 row-major intrinsics matrix, five plumb-bob distortion coefficients
// (k1, k2, p1, p2, k3) and the image size they were computed for.
type Calibration struct {
	Width      int
	Height     int
	Intrinsics [9]float64
	Distortion [5]float64
}

// matrix is the rows/cols/data layout ROS uses in camera_info yaml files.
type matrix struct {
	Rows int       `yaml:"rows"`
	Cols int       `yaml:"cols"`
	Data []float64 `yaml:"data"`
}

type cameraInfo struct {
	ImageWidth             int    `yaml:"image_width"`
	ImageHeight            int    `yaml:"image_height"`
	CameraName             string `yaml:"camera_name"`
	CameraMatrix           matrix `yaml:"camera_matrix"`
	DistortionModel        string `yaml:"distortion_model"`
	DistortionCoefficients matrix `yaml:"distortion_coefficients"`
}

// Load reads a calibration file. Files ending in .ini are parsed as the ROS ini layout; anything
// else is parsed as a ROS camera_info yaml file.
func Load(path string) (*Calibration, error) {
	if path == "" {
		return nil, errors.New("calibration filename empty")
	}
	//nolint:gosec
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "error reading calibration file")
	}
	if strings.EqualFold(filepath.Ext(path), ".ini") {
		return parseINI(data)
	}
	return parseYAML(data)
}

func parseYAML(data []byte) (*Calibration, error) {
	var info cameraInfo
	if err := yaml.Unmarshal(data, &info); err != nil {
		return nil, errors.Wrap(err, "error unmarshaling calibration yaml")
	}
	if len(info.CameraMatrix.Data) != 9 {
		return nil, errors.Errorf("camera_matrix must have 9 values, got %d", len(info.CameraMatrix.Data))
	}
	if len(info.DistortionCoefficients.Data) < 5 {
		return nil, errors.Errorf("distortion_coefficients must have at least 5 values, got %d",
			len(info.DistortionCoefficients.Data))
	}
	c := &Calibration{Width: info.ImageWidth, Height: info.ImageHeight}
	copy(c.Intrinsics[:], info.CameraMatrix.Data)
	copy(c.Distortion[:], info.DistortionCoefficients.Data)
	return c, nil
}

// parseINI reads the layout written by ROS camera_calibration_parsers:
//
//	[image]
//	width
//	640
//	height
//	480
//	[<camera name>]
//	camera matrix
//	fx 0 cx
//	0 fy cy
//	0 0 1
//	distortion
//	k1 k2 p1 p2 k3
func parseINI(data []byte) (*Calibration, error) {
	c := &Calibration{}
	var (
		key        string
		matrixVals []float64
		distVals   []float64
		sawWidth   bool
		sawHeight  bool
	)
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") {
			key = ""
			continue
		}
		fields := strings.Fields(line)
		vals, err := parseFloats(fields)
		if err != nil {
			// a non-numeric line names the values that follow
			key = strings.ToLower(line)
			continue
		}
		switch key {
		case "width":
			c.Width = int(vals[0])
			sawWidth = true
		case "height":
			c.Height = int(vals[0])
			sawHeight = true
		case "camera matrix":
			matrixVals = append(matrixVals, vals...)
		case "distortion":
			distVals = append(distVals, vals...)
		default:
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "error scanning calibration ini")
	}
	if !sawWidth || !sawHeight {
		return nil, errors.New("calibration ini is missing the image size")
	}
	if len(matrixVals) != 9 {
		return nil, errors.Errorf("camera matrix must have 9 values, got %d", len(matrixVals))
	}
	if len(distVals) < 5 {
		return nil, errors.Errorf("distortion must have at least 5 values, got %d", len(distVals))
	}
	copy(c.Intrinsics[:], matrixVals)
	copy(c.Distortion[:], distVals)
	return c, nil
}

func parseFloats(fields []string) ([]float64, error) {
	vals := make([]float64, 0, len(fields))
	for _, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, err
		}
		vals = append(vals, v)
	}
	return vals, nil
}

// FromCameraProperties builds a calibration from the intrinsics and Brown-Conrady distortion an
// rdk camera reports. A nil distortion yields zero coefficients.
func FromCameraProperties(intrinsics *transform.PinholeCameraIntrinsics, distortion *transform.BrownConrady) (*Calibration, error) {
	if intrinsics == nil {
		return nil, transform.NewNoIntrinsicsError("Intrinsics do not exist")
	}
	if err := intrinsics.CheckValid(); err != nil {
		return nil, err
	}
	c := &Calibration{
		Width:  intrinsics.Width,
		Height: intrinsics.Height,
		Intrinsics: [9]float64{
			intrinsics.Fx, 0, intrinsics.Ppx,
			0, intrinsics.Fy, intrinsics.Ppy,
			0, 0, 1,
		},
	}
	if distortion != nil {
		c.Distortion = [5]float64{
			distortion.RadialK1, distortion.RadialK2,
			distortion.TangentialP1, distortion.TangentialP2,
			distortion.RadialK3,
		}
	}
	return c, nil
}

// CheckSanity reports whether the calibration has the shape of a plumb-bob pinhole calibration:
// the homogeneous scale element of the intrinsics is 1 and the last distortion coefficient is 0.
func (c *Calibration) CheckSanity() error {
	if c.Intrinsics[8] == 1 && c.Distortion[4] == 0 {
		return nil
	}
	return ErrWrongCalibration
}

// PinholeIntrinsics returns the intrinsics in rdk form.
func (c *Calibration) PinholeIntrinsics() *transform.PinholeCameraIntrinsics {
	return &transform.PinholeCameraIntrinsics{
		Width:  c.Width,
		Height: c.Height,
		Fx:     c.Intrinsics[0],
		Fy:     c.Intrinsics[4],
		Ppx:    c.Intrinsics[2],
		Ppy:    c.Intrinsics[5],
	}
}

// BrownConrady returns the distortion coefficients in rdk form.
func (c *Calibration) BrownConrady() *transform.BrownConrady {
	return &transform.BrownConrady{
		RadialK1:     c.Distortion[0],
		RadialK2:     c.Distortion[1],
		TangentialP1: c.Distortion[2],
		TangentialP2: c.Distortion[3],
		RadialK3:     c.Distortion[4],
	}
}
