// Package utils contains helper functions for reading frames from the tracking camera.
package utils

import (
	"context"
	"image"

	"github.com/disintegration/imaging"
	"github.com/edaniels/gostream"
	"github.com/pkg/errors"
	"go.viam.com/rdk/components/camera"
	"go.viam.com/rdk/rimage"
	"go.viam.com/rdk/utils"
)

// ROI is a rectangular region of interest in image pixels. The zero value selects the whole image.
type ROI struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Empty reports whether the region selects the whole image.
func (r ROI) Empty() bool {
	return r.Width == 0 && r.Height == 0
}

// Validate checks the region is well formed.
func (r ROI) Validate() error {
	if r.X < 0 || r.Y < 0 || r.Width < 0 || r.Height < 0 {
		return errors.Errorf("roi %+v has negative fields", r)
	}
	if !r.Empty() && (r.Width == 0 || r.Height == 0) {
		return errors.Errorf("roi %+v must set both width and height", r)
	}
	return nil
}

// Crop returns the part of img inside the region. A region that reaches past the image bounds
// is clipped to them; one that misses the image entirely is an error.
func (r ROI) Crop(img image.Image) (image.Image, error) {
	if r.Empty() {
		return img, nil
	}
	b := img.Bounds()
	rect := image.Rect(b.Min.X+r.X, b.Min.Y+r.Y, b.Min.X+r.X+r.Width, b.Min.Y+r.Y+r.Height).Intersect(b)
	if rect.Empty() {
		return nil, errors.Errorf("roi %+v lies outside the %dx%d image", r, b.Dx(), b.Dy())
	}
	return imaging.Crop(img, rect), nil
}

// GetImage reads the next frame from cam and decodes it. Lazily encoded frames are decoded here
// so callers always receive raw pixels. The returned function releases the frame and must be
// called once the caller is done with the image.
func GetImage(ctx context.Context, cam camera.Camera) (image.Image, func(), error) {
	// We will hint that we want a PNG.
	// The Camera service server implementation in RDK respects this; others may not.
	readImgCtx := gostream.WithMIMETypeHint(ctx, utils.WithLazyMIMEType(utils.MimeTypePNG))
	img, release, err := camera.ReadImage(readImgCtx, cam)
	if err != nil {
		return nil, release, err
	}
	if lazyImg, ok := img.(*rimage.LazyEncodedImage); ok {
		decoded, err := rimage.DecodeImage(ctx, lazyImg.RawData(), lazyImg.MIMEType())
		if err != nil {
			return nil, release, errors.Wrapf(err, "decoding %v frame", lazyImg.MIMEType())
		}
		return decoded, release, nil
	}
	if img == nil {
		return nil, release, errors.New("camera returned no image")
	}
	return img, release, nil
}
