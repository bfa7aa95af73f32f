package l4geometry

import (
	"math"

	"github.com/banshee-data/blipsfm/internal/vision"
	"gonum.org/v1/gonum/mat"
)

// RelativePose is the motion of the second view relative to the first:
// X2 = R*X1 + T. T has unit length because monocular scale is unobservable.
type RelativePose struct {
	R [3][3]float64 `json:"r"`
	T [3]float64    `json:"t"`
}

// IdentityPose returns the pose of a camera that did not move.
func IdentityPose() RelativePose {
	return RelativePose{R: [3][3]float64{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}}
}

// RotationMatrix returns R as a 3x3 dense matrix.
func (p RelativePose) RotationMatrix() *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		p.R[0][0], p.R[0][1], p.R[0][2],
		p.R[1][0], p.R[1][1], p.R[1][2],
		p.R[2][0], p.R[2][1], p.R[2][2],
	})
}

// RotationAngleDeg returns the rotation magnitude in degrees.
func (p RelativePose) RotationAngleDeg() float64 {
	c := (p.R[0][0] + p.R[1][1] + p.R[2][2] - 1) / 2
	c = math.Max(-1, math.Min(1, c))
	return math.Acos(c) * 180 / math.Pi
}

// Apply maps a point from the first camera frame to the second.
func (p RelativePose) Apply(x vision.Point3D) vision.Point3D {
	v := [3]float64{x.X, x.Y, x.Z}
	var out [3]float64
	for i := 0; i < 3; i++ {
		out[i] = p.R[i][0]*v[0] + p.R[i][1]*v[1] + p.R[i][2]*v[2] + p.T[i]
	}
	return vision.Point3D{X: out[0], Y: out[1], Z: out[2]}
}

// CameraCentre returns the second camera's centre in the first camera's
// frame (-R' t).
func (p RelativePose) CameraCentre() vision.Point3D {
	var c [3]float64
	for i := 0; i < 3; i++ {
		c[i] = -(p.R[0][i]*p.T[0] + p.R[1][i]*p.T[1] + p.R[2][i]*p.T[2])
	}
	return vision.Point3D{X: c[0], Y: c[1], Z: c[2]}
}

// Compose returns the pose q∘p, mapping a point through p then q.
func (p RelativePose) Compose(q RelativePose) RelativePose {
	var out RelativePose
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			for k := 0; k < 3; k++ {
				out.R[i][j] += q.R[i][k] * p.R[k][j]
			}
		}
		out.T[i] = q.T[i]
		for k := 0; k < 3; k++ {
			out.T[i] += q.R[i][k] * p.T[k]
		}
	}
	return out
}

// AngleBetweenDeg returns the angle in degrees between two 3-vectors.
func AngleBetweenDeg(a, b [3]float64) float64 {
	na := math.Sqrt(a[0]*a[0] + a[1]*a[1] + a[2]*a[2])
	nb := math.Sqrt(b[0]*b[0] + b[1]*b[1] + b[2]*b[2])
	if na == 0 || nb == 0 {
		return 0
	}
	c := (a[0]*b[0] + a[1]*b[1] + a[2]*b[2]) / (na * nb)
	c = math.Max(-1, math.Min(1, c))
	return math.Acos(c) * 180 / math.Pi
}

func poseFromDense(r *mat.Dense, t [3]float64) RelativePose {
	var p RelativePose
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			p.R[i][j] = r.At(i, j)
		}
	}
	p.T = t
	return p
}
