package l4geometry

import (
	"math"
	"math/rand"
	"testing"

	"github.com/banshee-data/blipsfm/internal/vision"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

// rotation returns the rotation of angleDeg about axis (Rodrigues).
func rotation(axis [3]float64, angleDeg float64) [3][3]float64 {
	n := math.Sqrt(axis[0]*axis[0] + axis[1]*axis[1] + axis[2]*axis[2])
	x, y, z := axis[0]/n, axis[1]/n, axis[2]/n
	a := angleDeg * math.Pi / 180
	c, s := math.Cos(a), math.Sin(a)
	t := 1 - c
	return [3][3]float64{
		{t*x*x + c, t*x*y - s*z, t*x*z + s*y},
		{t*x*y + s*z, t*y*y + c, t*y*z - s*x},
		{t*x*z - s*y, t*y*z + s*x, t*z*z + c},
	}
}

func unit(v [3]float64) [3]float64 {
	n := math.Sqrt(v[0]*v[0] + v[1]*v[1] + v[2]*v[2])
	return [3]float64{v[0] / n, v[1] / n, v[2] / n}
}

// truthPose is a 6 degree yaw-dominated rotation with a mostly sideways unit
// baseline.
func truthPose() RelativePose {
	return RelativePose{
		R: rotation([3]float64{0.1, 1, 0.05}, 6),
		T: unit([3]float64{-0.9, 0.1, 0.25}),
	}
}

// eightScenePoints are non-coplanar points 4-8 units in front of the first
// camera.
var eightScenePoints = []vision.Point3D{
	{X: -1.2, Y: -0.8, Z: 5.0},
	{X: 1.1, Y: -0.6, Z: 6.5},
	{X: 0.3, Y: 0.9, Z: 4.2},
	{X: -0.7, Y: 0.4, Z: 7.8},
	{X: 1.5, Y: 1.0, Z: 5.6},
	{X: -1.6, Y: 1.2, Z: 6.1},
	{X: 0.1, Y: -1.3, Z: 4.8},
	{X: 0.9, Y: 0.2, Z: 7.1},
}

func randomScenePoints(seed int64, n int) []vision.Point3D {
	rng := rand.New(rand.NewSource(seed))
	out := make([]vision.Point3D, n)
	for i := range out {
		out[i] = vision.Point3D{
			X: -2 + 4*rng.Float64(),
			Y: -1.5 + 3*rng.Float64(),
			Z: 4 + 6*rng.Float64(),
		}
	}
	return out
}

// observe projects scene points into both views.
func observe(t *testing.T, k Intrinsics, pose RelativePose, pts []vision.Point3D) ([]vision.Point2D, []vision.Point2D) {
	t.Helper()
	a := make([]vision.Point2D, len(pts))
	b := make([]vision.Point2D, len(pts))
	for i, p := range pts {
		var ok bool
		a[i], ok = k.Project(p)
		require.True(t, ok)
		b[i], ok = k.Project(pose.Apply(p))
		require.True(t, ok)
	}
	return a, b
}

// rotationErrorDeg returns the angle of R_a * R_b'.
func rotationErrorDeg(a, b RelativePose) float64 {
	var d RelativePose
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			for k := 0; k < 3; k++ {
				d.R[i][j] += a.R[i][k] * b.R[j][k]
			}
		}
	}
	return d.RotationAngleDeg()
}

// essentialFrom returns E = [t]x R with unit Frobenius norm.
func essentialFrom(p RelativePose) *mat.Dense {
	tx := mat.NewDense(3, 3, []float64{
		0, -p.T[2], p.T[1],
		p.T[2], 0, -p.T[0],
		-p.T[1], p.T[0], 0,
	})
	var e mat.Dense
	e.Mul(tx, p.RotationMatrix())
	e.Scale(1/mat.Norm(&e, 2), &e)
	return &e
}
