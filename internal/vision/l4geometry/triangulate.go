package l4geometry

import (
	"fmt"
	"math"

	"github.com/banshee-data/blipsfm/internal/vision"
	"gonum.org/v1/gonum/mat"
)

// homogeneousEpsilon is the smallest |w| of a unit-norm homogeneous DLT
// solution that is still treated as a finite point.
const homogeneousEpsilon = 1e-9

// CanonicalProjection returns P1 = K[I|0].
func CanonicalProjection(k Intrinsics) *mat.Dense {
	return ProjectionMatrix(k, IdentityPose())
}

// ProjectionMatrix returns P = K[R|t] for the given pose.
func ProjectionMatrix(k Intrinsics, pose RelativePose) *mat.Dense {
	rt := mat.NewDense(3, 4, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			rt.Set(i, j, pose.R[i][j])
		}
		rt.Set(i, 3, pose.T[i])
	}
	var p mat.Dense
	p.Mul(k.Matrix(), rt)
	return &p
}

// Triangulate reconstructs a 3D point for every pair (a[i], b[i]) observed
// through projection matrices p1 and p2 using the linear DLT method.
// ok[i] is false when the solution lies at infinity (|w| ~ 0) or is not
// finite; the corresponding point is the zero value. Points are expressed in
// the frame in which p1 and p2 are defined.
func Triangulate(p1, p2 mat.Matrix, a, b []vision.Point2D) ([]vision.Point3D, []bool, error) {
	if len(a) != len(b) {
		return nil, nil, fmt.Errorf("%w: %d first-view points but %d second-view points", vision.ErrInvalidInput, len(a), len(b))
	}
	m1, err := projectionArray(p1)
	if err != nil {
		return nil, nil, err
	}
	m2, err := projectionArray(p2)
	if err != nil {
		return nil, nil, err
	}

	pts := make([]vision.Point3D, len(a))
	ok := make([]bool, len(a))
	for i := range a {
		pts[i], ok[i] = triangulateDLT(&m1, &m2, [2]float64{a[i].X, a[i].Y}, [2]float64{b[i].X, b[i].Y})
	}
	return pts, ok, nil
}

// ReprojectionError returns the pixel distance between x and the projection
// of X through p. Points projecting to infinity return +Inf.
func ReprojectionError(p mat.Matrix, x vision.Point3D, obs vision.Point2D) float64 {
	h := [4]float64{x.X, x.Y, x.Z, 1}
	var r [3]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 4; j++ {
			r[i] += p.At(i, j) * h[j]
		}
	}
	if math.Abs(r[2]) < homogeneousEpsilon {
		return math.Inf(1)
	}
	return math.Hypot(r[0]/r[2]-obs.X, r[1]/r[2]-obs.Y)
}

func projectionArray(p mat.Matrix) ([3][4]float64, error) {
	var out [3][4]float64
	if p == nil {
		return out, fmt.Errorf("%w: nil projection matrix", vision.ErrInvalidInput)
	}
	if r, c := p.Dims(); r != 3 || c != 4 {
		return out, fmt.Errorf("%w: projection matrix must be 3x4, got %dx%d", vision.ErrInvalidInput, r, c)
	}
	for i := 0; i < 3; i++ {
		for j := 0; j < 4; j++ {
			out[i][j] = p.At(i, j)
		}
	}
	return out, nil
}

// triangulateDLT solves A X = 0 for the homogeneous point seen at x1 and x2.
func triangulateDLT(p1, p2 *[3][4]float64, x1, x2 [2]float64) (vision.Point3D, bool) {
	a := mat.NewDense(4, 4, nil)
	for j := 0; j < 4; j++ {
		a.Set(0, j, x1[0]*p1[2][j]-p1[0][j])
		a.Set(1, j, x1[1]*p1[2][j]-p1[1][j])
		a.Set(2, j, x2[0]*p2[2][j]-p2[0][j])
		a.Set(3, j, x2[1]*p2[2][j]-p2[1][j])
	}
	// Equilibrate rows so pixel-scaled and normalized inputs behave alike.
	for i := 0; i < 4; i++ {
		n := mat.Norm(a.RowView(i), 2)
		if n > 0 {
			for j := 0; j < 4; j++ {
				a.Set(i, j, a.At(i, j)/n)
			}
		}
	}

	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDFull) {
		return vision.Point3D{}, false
	}
	var v mat.Dense
	svd.VTo(&v)
	w := v.At(3, 3)
	if math.Abs(w) < homogeneousEpsilon {
		return vision.Point3D{}, false
	}
	p := vision.Point3D{X: v.At(0, 3) / w, Y: v.At(1, 3) / w, Z: v.At(2, 3) / w}
	if !p.IsFinite() {
		return vision.Point3D{}, false
	}
	return p, true
}
