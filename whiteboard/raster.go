package whiteboard

import (
	"image"
	"image/color"
	"math"
)

// Raster is a deterministic in-memory Canvas. Every primitive is rendered by
// integer pixel coverage tests, so two rasters replaying the same history are
// byte-identical regardless of host. Text is approximated by its bounding box;
// a UI canvas substitutes real glyph rendering.
type Raster struct {
	img *image.RGBA
}

// NewRaster creates a transparent w×h surface.
func NewRaster(w, h int) *Raster {
	return &Raster{img: image.NewRGBA(image.Rect(0, 0, w, h))}
}

// Clear resets every pixel to transparent.
func (r *Raster) Clear() {
	for i := range r.img.Pix {
		r.img.Pix[i] = 0
	}
}

// Pixel returns the color at (x, y).
func (r *Raster) Pixel(x, y int) color.RGBA {
	return r.img.RGBAAt(x, y)
}

// Bounds returns the surface dimensions.
func (r *Raster) Bounds() image.Rectangle { return r.img.Bounds() }

// Equal reports whether two rasters are pixel-identical.
func (r *Raster) Equal(other *Raster) bool {
	if r.img.Bounds() != other.img.Bounds() {
		return false
	}
	for i := range r.img.Pix {
		if r.img.Pix[i] != other.img.Pix[i] {
			return false
		}
	}
	return true
}

func (r *Raster) StrokePath(points []Point, col string, width float64) {
	c := parseColor(col)
	r.eachSegment(points, func(a, b Point) {
		r.paintSegment(a, b, width, func(x, y int) { r.img.SetRGBA(x, y, c) })
	})
}

func (r *Raster) StrokeLine(from, to Point, col string, width float64) {
	c := parseColor(col)
	r.paintSegment(from, to, width, func(x, y int) { r.img.SetRGBA(x, y, c) })
}

func (r *Raster) StrokeRect(origin Point, w, h float64, col string, width float64) {
	a := origin
	b := Point{origin.X + w, origin.Y}
	c := Point{origin.X + w, origin.Y + h}
	d := Point{origin.X, origin.Y + h}
	r.StrokeLine(a, b, col, width)
	r.StrokeLine(b, c, col, width)
	r.StrokeLine(c, d, col, width)
	r.StrokeLine(d, a, col, width)
}

func (r *Raster) StrokeCircle(center Point, radius float64, col string, width float64) {
	c := parseColor(col)
	half := math.Max(width/2, 0.5)
	x0 := int(math.Floor(center.X - radius - half))
	x1 := int(math.Ceil(center.X + radius + half))
	y0 := int(math.Floor(center.Y - radius - half))
	y1 := int(math.Ceil(center.Y + radius + half))
	for y := y0; y <= y1; y++ {
		for x := x0; x <= x1; x++ {
			d := math.Hypot(float64(x)-center.X, float64(y)-center.Y)
			if math.Abs(d-radius) <= half {
				r.img.SetRGBA(x, y, c)
			}
		}
	}
}

func (r *Raster) FillText(text string, origin Point, fontSize float64, col string) {
	if text == "" || fontSize <= 0 {
		return
	}
	c := parseColor(col)
	// Bounding-box approximation: 0.6em advance per rune, one em tall,
	// origin on the baseline.
	w := 0.6 * fontSize * float64(len([]rune(text)))
	x0, x1 := int(math.Floor(origin.X)), int(math.Ceil(origin.X+w))
	y0, y1 := int(math.Floor(origin.Y-fontSize)), int(math.Ceil(origin.Y))
	for y := y0; y <= y1; y++ {
		for x := x0; x <= x1; x++ {
			r.img.SetRGBA(x, y, c)
		}
	}
}

func (r *Raster) ErasePath(points []Point, width float64) {
	r.eachSegment(points, func(a, b Point) {
		r.paintSegment(a, b, width, func(x, y int) {
			r.img.SetRGBA(x, y, color.RGBA{})
		})
	})
}

func (r *Raster) eachSegment(points []Point, fn func(a, b Point)) {
	if len(points) == 1 {
		fn(points[0], points[0])
		return
	}
	for i := 1; i < len(points); i++ {
		fn(points[i-1], points[i])
	}
}

// paintSegment visits every pixel within width/2 of the segment a-b.
func (r *Raster) paintSegment(a, b Point, width float64, set func(x, y int)) {
	half := math.Max(width/2, 0.5)
	x0 := int(math.Floor(math.Min(a.X, b.X) - half))
	x1 := int(math.Ceil(math.Max(a.X, b.X) + half))
	y0 := int(math.Floor(math.Min(a.Y, b.Y) - half))
	y1 := int(math.Ceil(math.Max(a.Y, b.Y) + half))
	bounds := r.img.Bounds()
	for y := y0; y <= y1; y++ {
		for x := x0; x <= x1; x++ {
			if x < bounds.Min.X || x >= bounds.Max.X || y < bounds.Min.Y || y >= bounds.Max.Y {
				continue
			}
			if segmentDistance(float64(x), float64(y), a, b) <= half {
				set(x, y)
			}
		}
	}
}

// segmentDistance is the distance from (px, py) to the segment a-b.
func segmentDistance(px, py float64, a, b Point) float64 {
	dx, dy := b.X-a.X, b.Y-a.Y
	lenSq := dx*dx + dy*dy
	if lenSq == 0 {
		return math.Hypot(px-a.X, py-a.Y)
	}
	t := ((px-a.X)*dx + (py-a.Y)*dy) / lenSq
	t = math.Max(0, math.Min(1, t))
	return math.Hypot(px-(a.X+t*dx), py-(a.Y+t*dy))
}

// parseColor decodes a #rrggbb hex color; anything unparsable is opaque black.
func parseColor(s string) color.RGBA {
	if len(s) != 7 || s[0] != '#' {
		return color.RGBA{A: 0xFF}
	}
	var v [3]uint8
	for i := 0; i < 3; i++ {
		hi, ok1 := hexDigit(s[1+i*2])
		lo, ok2 := hexDigit(s[2+i*2])
		if !ok1 || !ok2 {
			return color.RGBA{A: 0xFF}
		}
		v[i] = hi<<4 | lo
	}
	return color.RGBA{R: v[0], G: v[1], B: v[2], A: 0xFF}
}

func hexDigit(b byte) (uint8, bool) {
	switch {
	case b >= '0' && b <= '9':
		return b - '0', true
	case b >= 'a' && b <= 'f':
		return b - 'a' + 10, true
	case b >= 'A' && b <= 'F':
		return b - 'A' + 10, true
	}
	return 0, false
}
