package l4geometry

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// eightPoint fits an essential matrix to eight or more normalized
// correspondences with Hartley conditioning, then projects the result onto
// the essential manifold (singular values 1, 1, 0).
func eightPoint(q1, q2 [][2]float64) *mat.Dense {
	n := len(q1)
	if n < 8 || len(q2) != n {
		return nil
	}

	t1, c1 := conditioning(q1)
	t2, c2 := conditioning(q2)

	a := mat.NewDense(n, 9, nil)
	for i := 0; i < n; i++ {
		u1, v1 := (q1[i][0]-c1[0])*t1, (q1[i][1]-c1[1])*t1
		u2, v2 := (q2[i][0]-c2[0])*t2, (q2[i][1]-c2[1])*t2
		a.SetRow(i, []float64{u2 * u1, u2 * v1, u2, v2 * u1, v2 * v1, v2, u1, v1, 1})
	}

	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDFull) {
		return nil
	}
	var v mat.Dense
	svd.VTo(&v)
	f := mat.NewDense(3, 3, nil)
	for i := 0; i < 9; i++ {
		f.Set(i/3, i%3, v.At(i, 8))
	}

	// Undo conditioning: E = T2' F T1.
	tm1 := mat.NewDense(3, 3, []float64{t1, 0, -t1 * c1[0], 0, t1, -t1 * c1[1], 0, 0, 1})
	tm2 := mat.NewDense(3, 3, []float64{t2, 0, -t2 * c2[0], 0, t2, -t2 * c2[1], 0, 0, 1})
	var e mat.Dense
	e.Product(tm2.T(), f, tm1)

	return projectEssential(&e)
}

// conditioning returns the scale and centroid that move points to zero mean
// with an average distance of sqrt(2) from the origin.
func conditioning(q [][2]float64) (float64, [2]float64) {
	var c [2]float64
	for _, p := range q {
		c[0] += p[0]
		c[1] += p[1]
	}
	c[0] /= float64(len(q))
	c[1] /= float64(len(q))

	var mean float64
	for _, p := range q {
		mean += math.Hypot(p[0]-c[0], p[1]-c[1])
	}
	mean /= float64(len(q))
	if mean == 0 {
		return 1, c
	}
	return math.Sqrt2 / mean, c
}

// projectEssential replaces the singular values of e by (1, 1, 0).
func projectEssential(e mat.Matrix) *mat.Dense {
	var svd mat.SVD
	if !svd.Factorize(e, mat.SVDFull) {
		return nil
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	d := mat.NewDiagDense(3, []float64{1, 1, 0})
	var out mat.Dense
	out.Product(&u, d, v.T())
	return &out
}
