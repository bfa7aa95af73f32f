package l1frames

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"time"

	"github.com/banshee-data/blipsfm/internal/vision"
)

// Frame is a single grayscale video frame. Intensities use the 0-255 scale of
// the 8-bit source but are stored as float32 so filtered and pyramid levels
// keep sub-integer precision. A Frame is never modified after construction.
type Frame struct {
	Index     int
	Timestamp time.Time

	width  int
	height int
	pix    []float32
}

// New builds a frame from row-major float intensities. The slice is copied.
func New(width, height int, pix []float32) (*Frame, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: frame size %dx%d has zero area", vision.ErrInvalidInput, width, height)
	}
	if len(pix) != width*height {
		return nil, fmt.Errorf("%w: frame %dx%d needs %d pixels, got %d", vision.ErrInvalidInput, width, height, width*height, len(pix))
	}
	for i, v := range pix {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return nil, fmt.Errorf("%w: non-finite intensity at pixel %d", vision.ErrInvalidInput, i)
		}
	}
	cp := make([]float32, len(pix))
	copy(cp, pix)
	return &Frame{width: width, height: height, pix: cp}, nil
}

// FromGray8 builds a frame from row-major 8-bit intensities.
func FromGray8(width, height int, data []uint8) (*Frame, error) {
	if width <= 0 || height <= 0 || len(data) != width*height {
		return nil, fmt.Errorf("%w: gray8 buffer of %d bytes for %dx%d frame", vision.ErrInvalidInput, len(data), width, height)
	}
	pix := make([]float32, len(data))
	for i, v := range data {
		pix[i] = float32(v)
	}
	return &Frame{width: width, height: height, pix: pix}, nil
}

// FromImage converts any decoded image to a grayscale frame using the
// ITU-R 601 luma weights of color.GrayModel.
func FromImage(img image.Image) (*Frame, error) {
	if img == nil {
		return nil, fmt.Errorf("%w: nil image", vision.ErrInvalidInput)
	}
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("%w: image has zero area", vision.ErrInvalidInput)
	}
	pix := make([]float32, w*h)
	if g, ok := img.(*image.Gray); ok {
		for y := 0; y < h; y++ {
			off := g.PixOffset(b.Min.X, b.Min.Y+y)
			row := g.Pix[off : off+w]
			for x, v := range row {
				pix[y*w+x] = float32(v)
			}
		}
		return &Frame{width: w, height: h, pix: pix}, nil
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := color.GrayModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.Gray)
			pix[y*w+x] = float32(c.Y)
		}
	}
	return &Frame{width: w, height: h, pix: pix}, nil
}

// WithIndex returns a shallow copy carrying a new index and timestamp. The
// pixel buffer is shared, which is safe because frames are immutable.
func (f *Frame) WithIndex(index int, ts time.Time) *Frame {
	cp := *f
	cp.Index = index
	cp.Timestamp = ts
	return &cp
}

// Width returns the frame width in pixels.
func (f *Frame) Width() int { return f.width }

// Height returns the frame height in pixels.
func (f *Frame) Height() int { return f.height }

// Pix exposes the row-major pixel buffer. Callers must not modify it.
func (f *Frame) Pix() []float32 { return f.pix }

// Validate reports ErrInvalidInput for frames not built by a constructor.
func (f *Frame) Validate() error {
	if f == nil {
		return fmt.Errorf("%w: nil frame", vision.ErrInvalidInput)
	}
	if f.width <= 0 || f.height <= 0 || len(f.pix) != f.width*f.height {
		return fmt.Errorf("%w: frame has zero area", vision.ErrInvalidInput)
	}
	return nil
}

// SameSize reports whether f and g have identical dimensions.
func (f *Frame) SameSize(g *Frame) bool {
	return f.width == g.width && f.height == g.height
}

// At returns the intensity at integer coordinates. Coordinates outside the
// frame are clamped to the nearest border pixel.
func (f *Frame) At(x, y int) float32 {
	if x < 0 {
		x = 0
	} else if x >= f.width {
		x = f.width - 1
	}
	if y < 0 {
		y = 0
	} else if y >= f.height {
		y = f.height - 1
	}
	return f.pix[y*f.width+x]
}

// Sample returns the bilinearly interpolated intensity at a sub-pixel
// location, with border clamping for the four neighbours.
func (f *Frame) Sample(x, y float64) float64 {
	return Bilinear(f.pix, f.width, f.height, x, y)
}

// Contains reports whether p lies inside the frame, allowing the half-pixel
// margin that bilinear interpolation can still resolve.
func (f *Frame) Contains(p vision.Point2D) bool {
	return p.X >= 0 && p.Y >= 0 && p.X <= float64(f.width-1) && p.Y <= float64(f.height-1)
}

// ToGray renders the frame as an 8-bit image, saturating out-of-range values.
func (f *Frame) ToGray() *image.Gray {
	img := image.NewGray(image.Rect(0, 0, f.width, f.height))
	for i, v := range f.pix {
		switch {
		case v < 0:
			img.Pix[i] = 0
		case v > 255:
			img.Pix[i] = 255
		default:
			img.Pix[i] = uint8(v + 0.5)
		}
	}
	return img
}

// Bilinear interpolates a row-major w x h buffer at (x, y), clamping the
// four neighbours to the buffer bounds.
func Bilinear(pix []float32, w, h int, x, y float64) float64 {
	x0 := int(math.Floor(x))
	y0 := int(math.Floor(y))
	ax := x - float64(x0)
	ay := y - float64(y0)

	at := func(xi, yi int) float64 {
		if xi < 0 {
			xi = 0
		} else if xi >= w {
			xi = w - 1
		}
		if yi < 0 {
			yi = 0
		} else if yi >= h {
			yi = h - 1
		}
		return float64(pix[yi*w+xi])
	}

	top := (1-ax)*at(x0, y0) + ax*at(x0+1, y0)
	bot := (1-ax)*at(x0, y0+1) + ax*at(x0+1, y0+1)
	return (1-ay)*top + ay*bot
}
