package l4geometry

import (
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/mat"
)

// fivePoint returns every real essential matrix consistent with five
// normalized correspondences q2' E q1 = 0. Up to ten solutions exist.
//
// The four-dimensional nullspace of the epipolar constraints is combined as
// E = xX + yY + zZ + W. The rank and trace constraints
//
//	det(E) = 0
//	E E' E - trace(E E')/2 E = 0
//
// give ten cubic equations in x, y, z. Eliminating the cubic monomials leaves
// the action of multiplication by x on the basis of monomials of degree two
// and below; its real eigenvectors are the solutions.
func fivePoint(q1, q2 [][2]float64) []*mat.Dense {
	if len(q1) != 5 || len(q2) != 5 {
		return nil
	}

	a := mat.NewDense(5, 9, nil)
	for i := 0; i < 5; i++ {
		u1, v1 := q1[i][0], q1[i][1]
		u2, v2 := q2[i][0], q2[i][1]
		a.SetRow(i, []float64{u2 * u1, u2 * v1, u2, v2 * u1, v2 * v1, v2, u1, v1, 1})
	}

	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDFull) {
		return nil
	}
	var v mat.Dense
	svd.VTo(&v)

	var basis [4][9]float64
	for k := 0; k < 4; k++ {
		for i := 0; i < 9; i++ {
			basis[k][i] = v.At(i, 5+k)
		}
	}

	var e [3][3]poly
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			i := 3*r + c
			e[r][c] = linearPoly(basis[0][i], basis[1][i], basis[2][i], basis[3][i])
		}
	}

	constraints := make([]poly, 0, 10)
	constraints = append(constraints, polyDet(e))

	var eet [3][3]poly
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			for k := 0; k < 3; k++ {
				eet[i][j] = eet[i][j].add(e[i][k].mul(e[j][k]))
			}
		}
	}
	trace := eet[0][0].add(eet[1][1]).add(eet[2][2])
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			var p poly
			for k := 0; k < 3; k++ {
				p = p.add(eet[i][k].mul(e[k][j]))
			}
			constraints = append(constraints, p.sub(trace.mul(e[i][j]).scale(0.5)))
		}
	}

	// Split the 10x20 coefficient matrix into cubic and basis blocks and
	// eliminate: cubic = -B * basis.
	cubic := mat.NewDense(10, 10, nil)
	rest := mat.NewDense(10, 10, nil)
	for r, p := range constraints {
		for c := 0; c < 10; c++ {
			cubic.Set(r, c, p[c])
			rest.Set(r, c, p[firstBasis+c])
		}
	}
	var b mat.Dense
	if err := b.Solve(cubic, rest); err != nil {
		return nil
	}

	// Row i of the action matrix expresses x * basis[i] in the basis.
	action := mat.NewDense(10, 10, nil)
	for i := 0; i < 10; i++ {
		m := monomials[firstBasis+i]
		target := monomialIndex[m[0]+1][m[1]][m[2]]
		if target < firstBasis {
			for k := 0; k < 10; k++ {
				action.Set(i, k, -b.At(target, k))
			}
			continue
		}
		action.Set(i, target-firstBasis, 1)
	}

	var eig mat.Eigen
	if !eig.Factorize(action, mat.EigenRight) {
		return nil
	}
	values := eig.Values(nil)
	var vecs mat.CDense
	eig.VectorsTo(&vecs)

	var out []*mat.Dense
	for k, lambda := range values {
		if math.Abs(imag(lambda)) > 1e-8*math.Max(1, cmplx.Abs(lambda)) {
			continue
		}
		one := vecs.At(idxOne-firstBasis, k)
		if cmplx.Abs(one) < 1e-12 {
			continue
		}
		x := real(vecs.At(idxX-firstBasis, k) / one)
		y := real(vecs.At(idxY-firstBasis, k) / one)
		z := real(vecs.At(idxZ-firstBasis, k) / one)

		em := mat.NewDense(3, 3, nil)
		var norm float64
		for i := 0; i < 9; i++ {
			val := x*basis[0][i] + y*basis[1][i] + z*basis[2][i] + basis[3][i]
			em.Set(i/3, i%3, val)
			norm += val * val
		}
		if norm == 0 || math.IsNaN(norm) || math.IsInf(norm, 0) {
			continue
		}
		em.Scale(1/math.Sqrt(norm), em)
		out = append(out, em)
	}
	return out
}

func polyDet(e [3][3]poly) poly {
	m0 := e[1][1].mul(e[2][2]).sub(e[1][2].mul(e[2][1]))
	m1 := e[1][0].mul(e[2][2]).sub(e[1][2].mul(e[2][0]))
	m2 := e[1][0].mul(e[2][1]).sub(e[1][1].mul(e[2][0]))
	return e[0][0].mul(m0).sub(e[0][1].mul(m1)).add(e[0][2].mul(m2))
}
