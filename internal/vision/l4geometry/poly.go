package l4geometry

// poly is a polynomial of total degree at most three in the unknowns x, y, z
// of the essential matrix nullspace combination. Coefficients are indexed
// by monomial; the ten cubic monomials come first so Gauss-Jordan
// elimination can isolate them, followed by the ten monomials of degree
// two and below that form the quotient ring basis.
type poly [numMonomials]float64

const numMonomials = 20

// monomials lists the exponents (x, y, z) of each coefficient slot.
var monomials = [numMonomials][3]int{
	// degree 3
	{3, 0, 0}, {2, 1, 0}, {2, 0, 1}, {1, 2, 0}, {1, 1, 1},
	{1, 0, 2}, {0, 3, 0}, {0, 2, 1}, {0, 1, 2}, {0, 0, 3},
	// degree 2
	{2, 0, 0}, {1, 1, 0}, {1, 0, 1}, {0, 2, 0}, {0, 1, 1}, {0, 0, 2},
	// degree 1 and constant
	{1, 0, 0}, {0, 1, 0}, {0, 0, 1}, {0, 0, 0},
}

const (
	firstBasis = 10 // index of x^2, the first basis monomial
	idxX       = 16
	idxY       = 17
	idxZ       = 18
	idxOne     = 19
)

// monomialIndex maps exponents to coefficient slots; -1 marks degree > 3.
var monomialIndex = func() (idx [4][4][4]int) {
	for a := range idx {
		for b := range idx[a] {
			for c := range idx[a][b] {
				idx[a][b][c] = -1
			}
		}
	}
	for i, m := range monomials {
		idx[m[0]][m[1]][m[2]] = i
	}
	return idx
}()

// linearPoly builds cx*x + cy*y + cz*z + c1.
func linearPoly(cx, cy, cz, c1 float64) poly {
	var p poly
	p[idxX], p[idxY], p[idxZ], p[idxOne] = cx, cy, cz, c1
	return p
}

func (p poly) add(q poly) poly {
	for i := range p {
		p[i] += q[i]
	}
	return p
}

func (p poly) sub(q poly) poly {
	for i := range p {
		p[i] -= q[i]
	}
	return p
}

func (p poly) scale(s float64) poly {
	for i := range p {
		p[i] *= s
	}
	return p
}

// mul multiplies two polynomials whose degrees sum to at most three.
// Terms that would exceed degree three are dropped.
func (p poly) mul(q poly) poly {
	var out poly
	for i, a := range p {
		if a == 0 {
			continue
		}
		mi := monomials[i]
		for j, b := range q {
			if b == 0 {
				continue
			}
			mj := monomials[j]
			e0, e1, e2 := mi[0]+mj[0], mi[1]+mj[1], mi[2]+mj[2]
			if e0+e1+e2 > 3 {
				continue
			}
			out[monomialIndex[e0][e1][e2]] += a * b
		}
	}
	return out
}

// eval evaluates the polynomial at (x, y, z).
func (p poly) eval(x, y, z float64) float64 {
	var s float64
	for i, c := range p {
		m := monomials[i]
		term := c
		for k := 0; k < m[0]; k++ {
			term *= x
		}
		for k := 0; k < m[1]; k++ {
			term *= y
		}
		for k := 0; k < m[2]; k++ {
			term *= z
		}
		s += term
	}
	return s
}
