package extractor

// Orientation is the EXIF orientation tag value (1..8).
type Orientation int

const (
	OrientationUnknown    Orientation = 0
	OrientationNormal     Orientation = 1
	OrientationFlipH      Orientation = 2
	OrientationRotate180  Orientation = 3
	OrientationFlipV      Orientation = 4
	OrientationTranspose  Orientation = 5
	OrientationRotate90   Orientation = 6
	OrientationTransverse Orientation = 7
	OrientationRotate270  Orientation = 8
)

// String returns a human-readable description of the orientation.
func (o Orientation) String() string {
	switch o {
	case OrientationNormal:
		return "Normal"
	case OrientationFlipH:
		return "Mirror horizontal"
	case OrientationRotate180:
		return "Rotate 180"
	case OrientationFlipV:
		return "Mirror vertical"
	case OrientationTranspose:
		return "Mirror horizontal and rotate 270 CW"
	case OrientationRotate90:
		return "Rotate 90 CW"
	case OrientationTransverse:
		return "Mirror horizontal and rotate 90 CW"
	case OrientationRotate270:
		return "Rotate 270 CW"
	default:
		return "Unknown"
	}
}

// NeedsTransform reports whether pixels must be moved to display upright.
func (o Orientation) NeedsTransform() bool {
	return o > OrientationNormal && o <= OrientationRotate270
}

// Metadata is the tag set reported for one file by an Inspector.
type Metadata struct {
	File   string
	Fields map[string]interface{}
}

// MetadataInspector reads descriptive metadata from files on disk.
type MetadataInspector interface {
	Inspect(paths ...string) ([]Metadata, error)
	Close() error
}
