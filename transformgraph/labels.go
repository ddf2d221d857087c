package transformgraph

import "strconv"

// CameraPosition is the label of the resolved global camera pose published for rendering.
const CameraPosition = "camera_position"

// MarkerFrame returns the label of the frame attached to marker id.
func MarkerFrame(id int) string {
	return "marker_" + strconv.Itoa(id)
}

// CameraFrame returns the label of the camera as observed from marker id.
func CameraFrame(id int) string {
	return "camera_" + strconv.Itoa(id)
}

// MarkerGlobeFrame returns the label of marker id's world pose, published directly under World.
func MarkerGlobeFrame(id int) string {
	return "marker_globe_" + strconv.Itoa(id)
}
