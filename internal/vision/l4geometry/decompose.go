package l4geometry

import (
	"gonum.org/v1/gonum/mat"
)

// DecomposeEssential returns the four (R, t) pairs consistent with e:
// (R1, t), (R1, -t), (R2, t), (R2, -t). t is the unit left singular vector
// of the smallest singular value; only one candidate places points in front
// of both cameras.
func DecomposeEssential(e mat.Matrix) [4]RelativePose {
	var svd mat.SVD
	svd.Factorize(e, mat.SVDFull)
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	if mat.Det(&u) < 0 {
		u.Scale(-1, &u)
	}
	if mat.Det(&v) < 0 {
		v.Scale(-1, &v)
	}

	w := mat.NewDense(3, 3, []float64{0, -1, 0, 1, 0, 0, 0, 0, 1})
	var r1, r2 mat.Dense
	r1.Product(&u, w, v.T())
	r2.Product(&u, w.T(), v.T())

	t := [3]float64{u.At(0, 2), u.At(1, 2), u.At(2, 2)}
	neg := [3]float64{-t[0], -t[1], -t[2]}

	return [4]RelativePose{
		poseFromDense(&r1, t),
		poseFromDense(&r1, neg),
		poseFromDense(&r2, t),
		poseFromDense(&r2, neg),
	}
}

// cheiralityNearLimit marks points triangulated within this many baselines
// as near. Near points only break ties between candidates with the same
// front count; distant points still count toward cheirality.
const cheiralityNearLimit = 50.0

// cheiralityScore is the support of one decomposition candidate.
type cheiralityScore struct {
	front int // finite points with positive depth in both cameras
	near  int // front points within cheiralityNearLimit baselines
}

func (s cheiralityScore) better(o cheiralityScore) bool {
	if s.front != o.front {
		return s.front > o.front
	}
	return s.near > o.near
}

// cheirality scores how many normalized pairs triangulate in front of both
// cameras of pose.
func cheirality(pose RelativePose, q1, q2 [][2]float64) cheiralityScore {
	p1 := [3][4]float64{{1, 0, 0, 0}, {0, 1, 0, 0}, {0, 0, 1, 0}}
	var p2 [3][4]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			p2[i][j] = pose.R[i][j]
		}
		p2[i][3] = pose.T[i]
	}

	var score cheiralityScore
	for i := range q1 {
		x, ok := triangulateDLT(&p1, &p2, q1[i], q2[i])
		if !ok || x.Z <= 0 || pose.Apply(x).Z <= 0 {
			continue
		}
		score.front++
		if x.Norm() <= cheiralityNearLimit {
			score.near++
		}
	}
	return score
}

// selectPose picks the decomposition candidate with the most points in
// front of both cameras, preferring nearer support on ties. It returns the
// front count of that candidate.
func selectPose(e mat.Matrix, q1, q2 [][2]float64) (RelativePose, int) {
	var best RelativePose
	bestScore := cheiralityScore{front: -1}
	for _, cand := range DecomposeEssential(e) {
		if sc := cheirality(cand, q1, q2); sc.better(bestScore) {
			best, bestScore = cand, sc
		}
	}
	return best, bestScore.front
}
