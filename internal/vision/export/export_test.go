package export

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/blipsfm/internal/vision"
	"github.com/banshee-data/blipsfm/internal/vision/l5recon"
)

var samplePoints = []Point{
	{X: 1, Y: 2, Z: 3, Frame: 4, Inlier: true},
	{X: -0.5, Y: 0.25, Z: 8, Frame: 4},
}

func TestWritePLY(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WritePLY(&buf, samplePoints))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Equal(t, "ply", lines[0])
	assert.Contains(t, lines, "element vertex 2")
	assert.Contains(t, lines, "end_header")
	assert.Equal(t, "1.000000 2.000000 3.000000 4 1", lines[len(lines)-2])
	assert.Equal(t, "-0.500000 0.250000 8.000000 4 0", lines[len(lines)-1])
}

func TestWriteASC(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteASC(&buf, samplePoints))
	assert.Equal(t,
		"# Exported points\n# Format: X Y Z Frame Inlier\n"+
			"1.000000 2.000000 3.000000 4 1\n-0.500000 0.250000 8.000000 4 0\n",
		buf.String())
}

func TestFormatForPath(t *testing.T) {
	f, err := FormatForPath("cloud.PLY")
	require.NoError(t, err)
	assert.Equal(t, FormatPLY, f)
	f, err = FormatForPath("cloud.asc")
	require.NoError(t, err)
	assert.Equal(t, FormatASC, f)
	_, err = FormatForPath("cloud.usd")
	assert.Error(t, err)
}

func TestWriteFile(t *testing.T) {
	dir := t.TempDir()

	path := filepath.Join(dir, "cloud.asc")
	require.NoError(t, WriteFile(path, samplePoints, dir))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "# Exported points"))

	assert.Error(t, WriteFile(filepath.Join(dir, "empty.ply"), nil, dir))
	assert.Error(t, WriteFile(filepath.Join(dir, "cloud.fbx"), samplePoints, dir))
	assert.Error(t, WriteFile("/etc/blipsfm-cloud.ply", samplePoints, dir))
}

func stepWithCloud(frame int, inlier ...bool) *l5recon.StepResult {
	c := l5recon.Cloud{}
	for i, in := range inlier {
		p := vision.Point2D{X: float64(i), Y: 0}
		c.Prev = append(c.Prev, p)
		c.Next = append(c.Next, p)
		c.Points = append(c.Points, vision.Point3D{X: float64(i), Y: 1, Z: 5})
		c.Inlier = append(c.Inlier, in)
	}
	return &l5recon.StepResult{FrameIndex: frame, Cloud: c}
}

func TestAccumulator(t *testing.T) {
	all := NewAccumulator(false, false)
	require.NoError(t, all.HandleStep("r", stepWithCloud(1, true, false)))
	require.NoError(t, all.HandleStep("r", stepWithCloud(2, true)))
	require.NoError(t, all.HandleStep("r", &l5recon.StepResult{FrameIndex: 3}))
	assert.Equal(t, 3, all.Len())
	pts := all.Points()
	assert.Equal(t, 2, pts[2].Frame)

	pts[0].X = 99
	assert.Equal(t, 0.0, all.Points()[0].X, "Points must return a copy")

	latest := NewAccumulator(true, true)
	require.NoError(t, latest.HandleStep("r", stepWithCloud(1, true, true)))
	require.NoError(t, latest.HandleStep("r", stepWithCloud(2, false, true, true)))
	got := latest.Points()
	require.Len(t, got, 2)
	for _, p := range got {
		assert.Equal(t, 2, p.Frame)
		assert.True(t, p.Inlier)
	}
}
