package synthetic

import (
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/banshee-data/blipsfm/internal/vision"
	"github.com/banshee-data/blipsfm/internal/vision/l1frames"
	"github.com/banshee-data/blipsfm/internal/vision/l4geometry"
)

// SceneConfig describes the blip field and the camera path.
type SceneConfig struct {
	Width  int
	Height int
	Camera l4geometry.Intrinsics

	// Points is the number of blips scattered in the world.
	Points int
	// Seed fixes blip placement.
	Seed int64
	// Frames is the length of the camera path; the field is wide enough
	// to stay in view for that many frames.
	Frames int
	// StepSize is the sideways camera travel per frame in world units.
	StepSize float64
	// YawDegPerFrame turns the camera about its vertical axis every frame.
	YawDegPerFrame float64
	// MinDepth and MaxDepth bound blip depth in front of the first camera.
	MinDepth float64
	MaxDepth float64
	// BlobSigma is the blip radius in pixels.
	BlobSigma float64
	// FrameInterval spaces frame timestamps.
	FrameInterval time.Duration
}

// DefaultSceneConfig returns a 320x240 sequence with about five pixels of
// image motion per frame.
func DefaultSceneConfig() SceneConfig {
	return SceneConfig{
		Width:          320,
		Height:         240,
		Camera:         l4geometry.Intrinsics{Fx: 300, Fy: 300, Cx: 160, Cy: 120},
		Points:         300,
		Seed:           7,
		Frames:         30,
		StepSize:       0.15,
		YawDegPerFrame: 0.3,
		MinDepth:       6,
		MaxDepth:       12,
		BlobSigma:      2.2,
		FrameInterval:  time.Second / 30,
	}
}

// Validate checks sizes and ranges.
func (c SceneConfig) Validate() error {
	if c.Width < 16 || c.Height < 16 {
		return fmt.Errorf("%w: synthetic frame %dx%d is too small", vision.ErrInvalidInput, c.Width, c.Height)
	}
	if err := c.Camera.Validate(); err != nil {
		return err
	}
	if c.Points <= 0 || c.Frames <= 0 {
		return fmt.Errorf("%w: points and frames must be positive", vision.ErrInvalidInput)
	}
	if !(c.MinDepth > 0) || !(c.MaxDepth > c.MinDepth) {
		return fmt.Errorf("%w: depth range [%g, %g] is invalid", vision.ErrInvalidInput, c.MinDepth, c.MaxDepth)
	}
	if !(c.BlobSigma > 0) {
		return fmt.Errorf("%w: blob sigma must be positive", vision.ErrInvalidInput)
	}
	return nil
}

// Scene is an immutable blip field plus camera path.
type Scene struct {
	cfg    SceneConfig
	points []vision.Point3D
	amp    []float64
}

// NewScene scatters cfg.Points blips across the region swept by the camera.
func NewScene(cfg SceneConfig) (*Scene, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(cfg.Seed))

	// Half-extent of the view at the far plane, padded by the travel.
	halfW := cfg.MaxDepth * float64(cfg.Width) / (2 * cfg.Camera.Fx)
	halfH := cfg.MaxDepth * float64(cfg.Height) / (2 * cfg.Camera.Fy)
	travel := cfg.StepSize * float64(cfg.Frames)
	yawPad := cfg.MaxDepth * math.Tan(math.Abs(cfg.YawDegPerFrame)*float64(cfg.Frames)*math.Pi/180)
	minX, maxX := -halfW-yawPad, halfW+travel+yawPad
	if cfg.StepSize < 0 {
		minX, maxX = -halfW+travel-yawPad, halfW+yawPad
	}

	s := &Scene{
		cfg:    cfg,
		points: make([]vision.Point3D, cfg.Points),
		amp:    make([]float64, cfg.Points),
	}
	for i := range s.points {
		s.points[i] = vision.Point3D{
			X: minX + rng.Float64()*(maxX-minX),
			Y: -halfH + rng.Float64()*2*halfH,
			Z: cfg.MinDepth + rng.Float64()*(cfg.MaxDepth-cfg.MinDepth),
		}
		s.amp[i] = 120 + rng.Float64()*110
	}
	return s, nil
}

// Config returns the scene configuration.
func (s *Scene) Config() SceneConfig { return s.cfg }

// Points returns the world coordinates of every blip.
func (s *Scene) Points() []vision.Point3D { return append([]vision.Point3D(nil), s.points...) }

// CameraPose returns the world-to-camera transform of frame k.
func (s *Scene) CameraPose(k int) l4geometry.RelativePose {
	yaw := float64(k) * s.cfg.YawDegPerFrame * math.Pi / 180
	c, sn := math.Cos(yaw), math.Sin(yaw)
	r := [3][3]float64{{c, 0, -sn}, {0, 1, 0}, {sn, 0, c}}
	centre := [3]float64{float64(k) * s.cfg.StepSize, 0, 0}

	var p l4geometry.RelativePose
	p.R = r
	for i := 0; i < 3; i++ {
		p.T[i] = -(r[i][0]*centre[0] + r[i][1]*centre[1] + r[i][2]*centre[2])
	}
	return p
}

// RelativePose returns the true motion from frame i to frame j with the
// translation scaled to unit length, the form the pose estimator reports.
func (s *Scene) RelativePose(i, j int) l4geometry.RelativePose {
	pi, pj := s.CameraPose(i), s.CameraPose(j)
	// X_j = R_j R_i' X_i + (t_j - R_j R_i' t_i)
	var rel l4geometry.RelativePose
	for a := 0; a < 3; a++ {
		for b := 0; b < 3; b++ {
			for k := 0; k < 3; k++ {
				rel.R[a][b] += pj.R[a][k] * pi.R[b][k]
			}
		}
	}
	var n float64
	for a := 0; a < 3; a++ {
		rel.T[a] = pj.T[a]
		for b := 0; b < 3; b++ {
			rel.T[a] -= rel.R[a][b] * pi.T[b]
		}
		n += rel.T[a] * rel.T[a]
	}
	if n = math.Sqrt(n); n > 0 {
		for a := range rel.T {
			rel.T[a] /= n
		}
	}
	return rel
}

// Render draws frame k as Gaussian blips on a dark background.
func (s *Scene) Render(k int) (*l1frames.Frame, error) {
	w, h := s.cfg.Width, s.cfg.Height
	pix := make([]float32, w*h)
	for i := range pix {
		pix[i] = 25
	}

	pose := s.CameraPose(k)
	sigma := s.cfg.BlobSigma
	r := int(math.Ceil(3 * sigma))
	inv := 1 / (2 * sigma * sigma)
	for i, x := range s.points {
		p, ok := s.cfg.Camera.Project(pose.Apply(x))
		if !ok {
			continue
		}
		x0, y0 := int(math.Floor(p.X)), int(math.Floor(p.Y))
		if x0 < -r || y0 < -r || x0 > w+r || y0 > h+r {
			continue
		}
		for y := max(0, y0-r); y <= min(h-1, y0+r+1); y++ {
			for xx := max(0, x0-r); xx <= min(w-1, x0+r+1); xx++ {
				dx, dy := float64(xx)-p.X, float64(y)-p.Y
				pix[y*w+xx] += float32(s.amp[i] * math.Exp(-(dx*dx+dy*dy)*inv))
			}
		}
	}
	for i, v := range pix {
		if v > 255 {
			pix[i] = 255
		}
	}

	f, err := l1frames.New(w, h, pix)
	if err != nil {
		return nil, err
	}
	ts := time.Unix(0, 0).UTC().Add(time.Duration(k) * s.cfg.FrameInterval)
	return f.WithIndex(k, ts), nil
}

// Source renders the scene's frames on demand. It implements
// l1frames.FrameSource.
type Source struct {
	scene *Scene
	next  int
}

// NewSource returns a source over the scene's Frames frames.
func NewSource(scene *Scene) *Source {
	return &Source{scene: scene}
}

// Next implements l1frames.FrameSource.
func (s *Source) Next() (*l1frames.Frame, bool, error) {
	if s.next >= s.scene.cfg.Frames {
		return nil, false, nil
	}
	f, err := s.scene.Render(s.next)
	if err != nil {
		return nil, false, err
	}
	s.next++
	return f, true, nil
}

// Len returns the number of frames the source yields.
func (s *Source) Len() int { return s.scene.cfg.Frames }
