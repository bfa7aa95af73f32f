package monitor

import (
	"github.com/banshee-data/blipsfm/internal/vision"
	"github.com/banshee-data/blipsfm/internal/vision/l4geometry"
	"github.com/banshee-data/blipsfm/internal/vision/storage/sqlite"
)

// trajectory chains relative poses into camera centres expressed in the
// first camera's frame. Every step contributes unit translation, so the
// path has the shape of the true motion but not its scale. A step without
// a pose is treated as no motion.
type trajectory struct {
	worldToCam l4geometry.RelativePose
	centres    []vision.Point3D
	frames     []int
}

func newTrajectory() *trajectory {
	return &trajectory{worldToCam: l4geometry.IdentityPose()}
}

func (t *trajectory) add(frame int, pose *l4geometry.RelativePose) {
	if pose != nil {
		t.worldToCam = t.worldToCam.Compose(*pose)
	}
	t.centres = append(t.centres, t.worldToCam.CameraCentre())
	t.frames = append(t.frames, frame)
}

// trajectoryFromSteps rebuilds the camera path of a stored run.
func trajectoryFromSteps(steps []*sqlite.Step) *trajectory {
	t := newTrajectory()
	for _, s := range steps {
		if s.PoseOK {
			p := l4geometry.RelativePose{R: s.R, T: s.T}
			t.add(s.FrameIndex, &p)
		} else {
			t.add(s.FrameIndex, nil)
		}
	}
	return t
}
