package l1frames

// GradientKernel selects the 3x3 derivative operator used by Gradients.
type GradientKernel int

const (
	// Sobel uses the [1 2 1] smoothing profile.
	Sobel GradientKernel = iota
	// Scharr uses the [3 10 3] profile, which is closer to rotation
	// invariant and is preferred for sub-pixel flow.
	Scharr
)

// Gradients returns the horizontal and vertical intensity derivatives of f in
// intensity units per pixel. Borders are handled by clamping.
func Gradients(f *Frame, k GradientKernel) (gx, gy []float32) {
	side, centre, norm := float32(1), float32(2), float32(8)
	if k == Scharr {
		side, centre, norm = 3, 10, 32
	}

	w, h := f.width, f.height
	gx = make([]float32, w*h)
	gy = make([]float32, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			tl, tc, tr := f.At(x-1, y-1), f.At(x, y-1), f.At(x+1, y-1)
			ml, mr := f.At(x-1, y), f.At(x+1, y)
			bl, bc, br := f.At(x-1, y+1), f.At(x, y+1), f.At(x+1, y+1)

			dx := side*(tr-tl) + centre*(mr-ml) + side*(br-bl)
			dy := side*(bl-tl) + centre*(bc-tc) + side*(br-tr)
			gx[y*w+x] = dx / norm
			gy[y*w+x] = dy / norm
		}
	}
	return gx, gy
}

// BoxSum sums src over a size x size window centred on every pixel, clamping
// at the borders. Even sizes extend one pixel further towards the origin.
func BoxSum(src []float32, w, h, size int) []float64 {
	if size < 1 {
		size = 1
	}
	lo := size / 2
	hi := size - 1 - lo

	at := func(x, y int) float64 {
		if x < 0 {
			x = 0
		} else if x >= w {
			x = w - 1
		}
		if y < 0 {
			y = 0
		} else if y >= h {
			y = h - 1
		}
		return float64(src[y*w+x])
	}

	// Separable: horizontal pass then vertical pass.
	tmp := make([]float64, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var s float64
			for dx := -lo; dx <= hi; dx++ {
				s += at(x+dx, y)
			}
			tmp[y*w+x] = s
		}
	}
	out := make([]float64, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var s float64
			for dy := -lo; dy <= hi; dy++ {
				yy := y + dy
				if yy < 0 {
					yy = 0
				} else if yy >= h {
					yy = h - 1
				}
				s += tmp[yy*w+x]
			}
			out[y*w+x] = s
		}
	}
	return out
}

var pyrTaps = [5]float32{1.0 / 16, 4.0 / 16, 6.0 / 16, 4.0 / 16, 1.0 / 16}

// PyrDown blurs f with the 5-tap binomial kernel and drops every other row
// and column. The result has size ceil(w/2) x ceil(h/2).
func PyrDown(f *Frame) *Frame {
	w, h := f.width, f.height
	blurX := make([]float32, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var s float32
			for k, t := range pyrTaps {
				s += t * f.At(x+k-2, y)
			}
			blurX[y*w+x] = s
		}
	}

	nw, nh := (w+1)/2, (h+1)/2
	out := make([]float32, nw*nh)
	for y := 0; y < nh; y++ {
		sy := 2 * y
		for x := 0; x < nw; x++ {
			sx := 2 * x
			var s float32
			for k, t := range pyrTaps {
				yy := sy + k - 2
				if yy < 0 {
					yy = 0
				} else if yy >= h {
					yy = h - 1
				}
				s += t * blurX[yy*w+sx]
			}
			out[y*nw+x] = s
		}
	}
	return &Frame{Index: f.Index, Timestamp: f.Timestamp, width: nw, height: nh, pix: out}
}
