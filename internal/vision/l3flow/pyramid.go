package l3flow

import "github.com/banshee-data/blipsfm/internal/vision/l1frames"

// Pyramid holds successively halved copies of a frame. Level 0 is the
// original resolution.
type Pyramid struct {
	Levels []*l1frames.Frame

	// Gx and Gy hold per-level Scharr derivatives when the pyramid was built
	// with gradients, otherwise they are nil.
	Gx [][]float32
	Gy [][]float32
}

// BuildPyramid builds up to maxLevel coarser levels above f. Building stops
// early once a level would be smaller than window pixels on either side,
// because the tracking window would no longer fit.
func BuildPyramid(f *l1frames.Frame, maxLevel, window int, withGradients bool) *Pyramid {
	p := &Pyramid{Levels: []*l1frames.Frame{f}}
	cur := f
	for l := 1; l <= maxLevel; l++ {
		nw, nh := (cur.Width()+1)/2, (cur.Height()+1)/2
		if nw < window || nh < window {
			break
		}
		cur = l1frames.PyrDown(cur)
		p.Levels = append(p.Levels, cur)
	}
	if withGradients {
		p.Gx = make([][]float32, len(p.Levels))
		p.Gy = make([][]float32, len(p.Levels))
		for i, lvl := range p.Levels {
			p.Gx[i], p.Gy[i] = l1frames.Gradients(lvl, l1frames.Scharr)
		}
	}
	return p
}

// Depth returns the index of the coarsest level.
func (p *Pyramid) Depth() int { return len(p.Levels) - 1 }
