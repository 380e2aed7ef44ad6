package device

// Geometry describes the booted simulator's screen in points, plus the
// derived values the agent needs for coordinate fallbacks and scrolling.
type Geometry struct {
	Width      int
	Height     int
	Scale      int
	CenterX    int
	CenterY    int
	SwipeDelta int
}

// knownScreens maps simulator device-type names to point dimensions and
// scale. Unlisted devices fall back to the default profile.
var knownScreens = map[string][3]int{
	"iPhone SE (3rd generation)": {375, 667, 2},
	"iPhone 15":                  {393, 852, 3},
	"iPhone 15 Pro":              {393, 852, 3},
	"iPhone 15 Pro Max":          {430, 932, 3},
	"iPhone 16":                  {393, 852, 3},
	"iPhone 16 Pro":              {402, 874, 3},
	"iPhone 16 Pro Max":          {440, 956, 3},
	"iPhone 17":                  {402, 874, 3},
	"iPhone 17 Pro":              {402, 874, 3},
	"iPhone 17 Pro Max":          {440, 956, 3},
	"iPad (10th generation)":     {820, 1180, 2},
	"iPad Pro 11-inch (M4)":      {834, 1210, 2},
}

const (
	defaultWidth  = 390
	defaultHeight = 844
	defaultScale  = 3
)

// GeometryFromDimensions derives the full geometry from raw point
// dimensions. The swipe delta is 35% of screen height, long enough to
// scroll a full card without triggering edge gestures.
func GeometryFromDimensions(width, height, scale int) Geometry {
	return Geometry{
		Width:      width,
		Height:     height,
		Scale:      scale,
		CenterX:    width / 2,
		CenterY:    height / 2,
		SwipeDelta: int(0.35 * float64(height)),
	}
}

// DefaultGeometry is the profile used when the device type is unknown.
func DefaultGeometry() Geometry {
	return GeometryFromDimensions(defaultWidth, defaultHeight, defaultScale)
}

// GeometryForDeviceName resolves a simulator device name against the known
// screen table.
func GeometryForDeviceName(name string) Geometry {
	if dims, ok := knownScreens[name]; ok {
		return GeometryFromDimensions(dims[0], dims[1], dims[2])
	}
	return DefaultGeometry()
}
