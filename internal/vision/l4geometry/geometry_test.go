package l4geometry

import (
	"testing"

	"github.com/banshee-data/blipsfm/internal/vision"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntrinsics(t *testing.T) {
	t.Parallel()
	k := DefaultIntrinsics()
	require.NoError(t, k.Validate())
	assert.Equal(t, 1000.0, k.FocalMean())

	x := vision.Point3D{X: 0.4, Y: -0.2, Z: 2}
	px, ok := k.Project(x)
	require.True(t, ok)
	assert.InDelta(t, 840, px.X, 1e-9)
	assert.InDelta(t, 260, px.Y, 1e-9)

	n := k.Normalize(px)
	assert.InDelta(t, 0.2, n[0], 1e-12)
	assert.InDelta(t, -0.1, n[1], 1e-12)

	_, ok = k.Project(vision.Point3D{X: 1, Y: 1, Z: -1})
	assert.False(t, ok)

	assert.ErrorIs(t, Intrinsics{Fx: 0, Fy: 1}.Validate(), vision.ErrInvalidInput)
}

func TestRelativePose_ComposeAndCentre(t *testing.T) {
	t.Parallel()
	p := truthPose()
	q := RelativePose{R: rotation([3]float64{1, 0, 0}, 10), T: [3]float64{0, 0.5, -0.2}}
	x := vision.Point3D{X: 0.3, Y: -1.1, Z: 4}

	want := q.Apply(p.Apply(x))
	got := p.Compose(q).Apply(x)
	assert.InDelta(t, want.X, got.X, 1e-12)
	assert.InDelta(t, want.Y, got.Y, 1e-12)
	assert.InDelta(t, want.Z, got.Z, 1e-12)

	// The second camera's centre maps to its own origin.
	c := p.Apply(p.CameraCentre())
	assert.InDelta(t, 0, c.Norm(), 1e-12)

	assert.InDelta(t, 6, p.RotationAngleDeg(), 1e-9)
	assert.InDelta(t, 0, IdentityPose().RotationAngleDeg(), 1e-12)
	assert.InDelta(t, 90, AngleBetweenDeg([3]float64{1, 0, 0}, [3]float64{0, 3, 0}), 1e-12)
}

func TestDecomposeEssential_ContainsTruth(t *testing.T) {
	t.Parallel()
	truth := truthPose()
	cands := DecomposeEssential(essentialFrom(truth))

	found := false
	for _, c := range cands {
		if rotationErrorDeg(c, truth) < 1e-4 && AngleBetweenDeg(c.T, truth.T) < 1e-4 {
			found = true
		}
	}
	assert.True(t, found, "candidates %v", cands)
}

func TestSelectPose_Cheirality(t *testing.T) {
	t.Parallel()
	k := DefaultIntrinsics()
	truth := truthPose()
	a, b := observe(t, k, truth, eightScenePoints)
	q1 := make([][2]float64, len(a))
	q2 := make([][2]float64, len(b))
	for i := range a {
		q1[i], q2[i] = k.Normalize(a[i]), k.Normalize(b[i])
	}

	pose, front := selectPose(essentialFrom(truth), q1, q2)
	assert.Equal(t, len(eightScenePoints), front)
	assert.Less(t, rotationErrorDeg(pose, truth), 1e-4)
	assert.Less(t, AngleBetweenDeg(pose.T, truth.T), 1e-4)
}

func TestPoly_MulEval(t *testing.T) {
	t.Parallel()
	// (x + 1)(y - 2z) evaluated at (2, 3, 0.5).
	p := linearPoly(1, 0, 0, 1).mul(linearPoly(0, 1, -2, 0))
	assert.InDelta(t, 6, p.eval(2, 3, 0.5), 1e-12)

	// x^2 * y lands in the cubic block.
	c := linearPoly(1, 0, 0, 0).mul(linearPoly(1, 0, 0, 0)).mul(linearPoly(0, 1, 0, 0))
	assert.Equal(t, 1.0, c[monomialIndex[2][1][0]])
	assert.Less(t, monomialIndex[2][1][0], firstBasis)

	d := p.sub(p.scale(0.5)).add(p.scale(0.5))
	assert.InDelta(t, p.eval(1, -1, 2), d.eval(1, -1, 2), 1e-12)
}

func TestSelectPose_DistantPointsCount(t *testing.T) {
	t.Parallel()
	k := DefaultIntrinsics()
	truth := RelativePose{R: rotation([3]float64{0, 1, 0}, 0.2), T: [3]float64{-1, 0, 0}}
	pts := randomScenePoints(5, 30)
	for i := range pts {
		// 400 to 1000 baselines away.
		pts[i] = vision.Point3D{X: pts[i].X * 100, Y: pts[i].Y * 100, Z: pts[i].Z * 100}
	}
	a, b := observe(t, k, truth, pts)
	q1 := make([][2]float64, len(a))
	q2 := make([][2]float64, len(b))
	for i := range a {
		q1[i], q2[i] = k.Normalize(a[i]), k.Normalize(b[i])
	}

	pose, front := selectPose(essentialFrom(truth), q1, q2)
	assert.Equal(t, len(pts), front)
	assert.Less(t, rotationErrorDeg(pose, truth), 1e-3)
	assert.Less(t, AngleBetweenDeg(pose.T, truth.T), 1e-2)
}

func TestCheiralityScore_NearBreaksTies(t *testing.T) {
	t.Parallel()
	far := cheiralityScore{front: 10, near: 0}
	nearer := cheiralityScore{front: 10, near: 4}
	assert.True(t, nearer.better(far))
	assert.False(t, far.better(nearer))
	assert.True(t, cheiralityScore{front: 11}.better(nearer))
	assert.True(t, far.better(cheiralityScore{front: -1}))
}
