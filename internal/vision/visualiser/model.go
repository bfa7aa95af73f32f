// Package visualiser streams reconstruction steps to live viewers over gRPC.
//
// The service is described by hand rather than generated: requests and
// responses are google.protobuf.Struct messages so that any gRPC client can
// consume the stream without a compiled schema.
package visualiser

import (
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/blipsfm/internal/vision/l5recon"
)

// StepFrame is the canonical streamed form of one reconstruction step.
type StepFrame struct {
	Seq            uint64
	RunID          string
	FrameIndex     int
	TimestampNanos int64
	State          string

	Tracked     int
	Lost        int
	Replenished int
	Inliers     int

	PoseOK    bool
	PoseError string
	R         [3][3]float64
	T         [3]float64

	Stats  l5recon.StepStats
	Points []CloudPoint
}

// CloudPoint is one triangulated point in the previous camera frame.
type CloudPoint struct {
	X, Y, Z float64
	Inlier  bool
}

// FrameFromResult flattens a step result for streaming.
func FrameFromResult(runID string, res *l5recon.StepResult) *StepFrame {
	f := &StepFrame{
		RunID:       runID,
		FrameIndex:  res.FrameIndex,
		State:       res.State.String(),
		Tracked:     res.Tracked.Len(),
		Lost:        res.Lost,
		Replenished: res.Replenished,
		PoseOK:      res.Pose != nil,
		Stats:       res.Stats,
	}
	if !res.Timestamp.IsZero() {
		f.TimestampNanos = res.Timestamp.UnixNano()
	}
	if res.PoseErr != nil {
		f.PoseError = res.PoseErr.Error()
	}
	if res.Pose != nil {
		f.R, f.T = res.Pose.R, res.Pose.T
	}
	for _, in := range res.Inliers {
		if in {
			f.Inliers++
		}
	}
	if n := res.Cloud.Len(); n > 0 {
		f.Points = make([]CloudPoint, n)
		for i, p := range res.Cloud.Points {
			f.Points[i] = CloudPoint{X: p.X, Y: p.Y, Z: p.Z, Inlier: res.Cloud.Inlier[i]}
		}
	}
	return f
}

func num(v float64) *structpb.Value { return structpb.NewNumberValue(v) }

func numList(vs ...float64) *structpb.Value {
	l := make([]*structpb.Value, len(vs))
	for i, v := range vs {
		l[i] = num(v)
	}
	return structpb.NewListValue(&structpb.ListValue{Values: l})
}

// toStruct encodes the frame. Points are only included on request since
// they dominate the message size.
func (f *StepFrame) toStruct(includePoints bool) *structpb.Struct {
	fields := map[string]*structpb.Value{
		"seq":             num(float64(f.Seq)),
		"run_id":          structpb.NewStringValue(f.RunID),
		"frame_index":     num(float64(f.FrameIndex)),
		"timestamp_ns":    num(float64(f.TimestampNanos)),
		"state":           structpb.NewStringValue(f.State),
		"tracked":         num(float64(f.Tracked)),
		"lost":            num(float64(f.Lost)),
		"replenished":     num(float64(f.Replenished)),
		"inliers":         num(float64(f.Inliers)),
		"pose_ok":         structpb.NewBoolValue(f.PoseOK),
		"point_count":     num(float64(f.Stats.Points)),
		"inlier_points":   num(float64(f.Stats.InlierPoints)),
		"mean_depth":      num(f.Stats.MeanDepth),
		"depth_stddev":    num(f.Stats.DepthStdDev),
		"reproj_rmse_px":  num(f.Stats.ReprojRMSE),
		"parallax_deg":    num(f.Stats.ParallaxDeg),
		"ransac_attempts": num(float64(f.Stats.RansacIterations)),
	}
	if f.PoseError != "" {
		fields["pose_error"] = structpb.NewStringValue(f.PoseError)
	}
	if f.PoseOK {
		fields["r"] = numList(
			f.R[0][0], f.R[0][1], f.R[0][2],
			f.R[1][0], f.R[1][1], f.R[1][2],
			f.R[2][0], f.R[2][1], f.R[2][2],
		)
		fields["t"] = numList(f.T[0], f.T[1], f.T[2])
	}
	if includePoints && len(f.Points) > 0 {
		xyz := make([]float64, 0, 3*len(f.Points))
		inl := make([]*structpb.Value, len(f.Points))
		for i, p := range f.Points {
			xyz = append(xyz, p.X, p.Y, p.Z)
			inl[i] = structpb.NewBoolValue(p.Inlier)
		}
		fields["points_xyz"] = numList(xyz...)
		fields["points_inlier"] = structpb.NewListValue(&structpb.ListValue{Values: inl})
	}
	return &structpb.Struct{Fields: fields}
}

func floats(v *structpb.Value) []float64 {
	l := v.GetListValue().GetValues()
	out := make([]float64, len(l))
	for i, x := range l {
		out[i] = x.GetNumberValue()
	}
	return out
}

// DecodeFrame converts a streamed message back into a StepFrame.
func DecodeFrame(s *structpb.Struct) (*StepFrame, error) {
	if s == nil {
		return nil, fmt.Errorf("nil step message")
	}
	fv := s.GetFields()
	n := func(k string) float64 { return fv[k].GetNumberValue() }

	f := &StepFrame{
		Seq:            uint64(n("seq")),
		RunID:          fv["run_id"].GetStringValue(),
		FrameIndex:     int(n("frame_index")),
		TimestampNanos: int64(n("timestamp_ns")),
		State:          fv["state"].GetStringValue(),
		Tracked:        int(n("tracked")),
		Lost:           int(n("lost")),
		Replenished:    int(n("replenished")),
		Inliers:        int(n("inliers")),
		PoseOK:         fv["pose_ok"].GetBoolValue(),
		PoseError:      fv["pose_error"].GetStringValue(),
		Stats: l5recon.StepStats{
			Points:           int(n("point_count")),
			InlierPoints:     int(n("inlier_points")),
			MeanDepth:        n("mean_depth"),
			DepthStdDev:      n("depth_stddev"),
			ReprojRMSE:       n("reproj_rmse_px"),
			ParallaxDeg:      n("parallax_deg"),
			RansacIterations: int(n("ransac_attempts")),
		},
	}

	if f.PoseOK {
		r, t := floats(fv["r"]), floats(fv["t"])
		if len(r) != 9 || len(t) != 3 {
			return nil, fmt.Errorf("step %d: malformed pose (%d rotation, %d translation values)", f.FrameIndex, len(r), len(t))
		}
		for i := 0; i < 9; i++ {
			f.R[i/3][i%3] = r[i]
		}
		copy(f.T[:], t)
	}

	if xyzv, ok := fv["points_xyz"]; ok {
		xyz := floats(xyzv)
		inl := fv["points_inlier"].GetListValue().GetValues()
		if len(xyz)%3 != 0 || len(inl) != len(xyz)/3 {
			return nil, fmt.Errorf("step %d: malformed points (%d coords, %d flags)", f.FrameIndex, len(xyz), len(inl))
		}
		f.Points = make([]CloudPoint, len(inl))
		for i := range f.Points {
			f.Points[i] = CloudPoint{X: xyz[3*i], Y: xyz[3*i+1], Z: xyz[3*i+2], Inlier: inl[i].GetBoolValue()}
		}
	}
	return f, nil
}
