package extractor

import (
	"bytes"
	"fmt"

	"github.com/rwcarlsen/goexif/exif"
)

// ReadOrientation returns the EXIF orientation of an encoded image. Images
// without EXIF data report OrientationUnknown and no error.
func ReadOrientation(data []byte) (Orientation, error) {
	x, err := exif.Decode(bytes.NewReader(data))
	if err != nil {
		if exif.IsCriticalError(err) {
			return OrientationUnknown, nil
		}
		if x == nil {
			return OrientationUnknown, fmt.Errorf("failed to decode EXIF: %w", err)
		}
	}

	tag, err := x.Get(exif.Orientation)
	if err != nil {
		return OrientationUnknown, nil
	}
	v, err := tag.Int(0)
	if err != nil {
		return OrientationUnknown, fmt.Errorf("invalid orientation tag: %w", err)
	}

	o := Orientation(v)
	if o < OrientationNormal || o > OrientationRotate270 {
		return OrientationUnknown, nil
	}
	return o, nil
}
