package whiteboard

// EraserWidthMultiplier scales the recorded width of eraser strokes so
// erasing is perceptible at pen-sized widths.
const EraserWidthMultiplier = 5

// Canvas is the 2D raster surface strokes replay onto. The UI supplies a
// real canvas; tests and headless hosts use Raster.
type Canvas interface {
	// Clear wipes the whole surface.
	Clear()
	// StrokePath strokes a connected polyline through the points.
	StrokePath(points []Point, color string, width float64)
	// StrokeLine strokes a single segment.
	StrokeLine(from, to Point, color string, width float64)
	// StrokeRect strokes a rectangle outline from its origin and size.
	StrokeRect(origin Point, w, h float64, color string, width float64)
	// StrokeCircle strokes a circle outline around a center.
	StrokeCircle(center Point, radius float64, color string, width float64)
	// FillText draws text at an origin with a font size.
	FillText(text string, origin Point, fontSize float64, color string)
	// ErasePath removes pixels along a polyline (destination-out).
	ErasePath(points []Point, width float64)
}

// Replay applies one stroke to a canvas. Every client runs the same dispatch
// over the same history, which is what keeps boards pixel-identical.
func Replay(c Canvas, s Stroke) {
	op := s.Op
	switch op.Kind {
	case KindClear:
		c.Clear()
	case KindPath:
		c.StrokePath(op.Points, op.Color, op.StrokeWidth)
	case KindLine:
		c.StrokeLine(Point{op.StartX, op.StartY}, Point{op.EndX, op.EndY}, op.Color, op.StrokeWidth)
	case KindRect:
		c.StrokeRect(Point{op.StartX, op.StartY}, op.Width, op.Height, op.Color, op.StrokeWidth)
	case KindCircle:
		c.StrokeCircle(Point{op.StartX, op.StartY}, op.Radius, op.Color, op.StrokeWidth)
	case KindText:
		c.FillText(op.Text, Point{op.StartX, op.StartY}, op.FontSize, op.Color)
	case KindEraser:
		c.ErasePath(op.Points, op.StrokeWidth*EraserWidthMultiplier)
	}
}

// ReplayAll applies an ordered history from a blank surface.
func ReplayAll(c Canvas, strokes []Stroke) {
	c.Clear()
	for _, s := range strokes {
		Replay(c, s)
	}
}
