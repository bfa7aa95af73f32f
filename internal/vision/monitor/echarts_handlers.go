package monitor

import (
	"bytes"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/blipsfm/internal/httputil"
)

// echartsAssetsHost serves the echarts JavaScript bundles.
const echartsAssetsHost = "https://go-echarts.github.io/go-echarts-assets/assets/"

type renderer interface {
	Render(w io.Writer) error
}

func writeChart(w http.ResponseWriter, c renderer) {
	var buf bytes.Buffer
	if err := c.Render(&buf); err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// handleTracksChart draws tracked, inlier and lost counts per step.
func (ws *WebServer) handleTracksChart(w http.ResponseWriter, r *http.Request) {
	run, err := ws.resolveRun(r)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	steps, err := ws.runs.ListSteps(run.RunID)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	x := make([]int, len(steps))
	tracked := make([]opts.LineData, len(steps))
	inliers := make([]opts.LineData, len(steps))
	lost := make([]opts.LineData, len(steps))
	for i, s := range steps {
		x[i] = s.FrameIndex
		tracked[i] = opts.LineData{Value: s.Tracked}
		inliers[i] = opts.LineData{Value: s.Inliers}
		lost[i] = opts.LineData{Value: s.Lost}
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Blip Tracks", Width: "1200px", Height: "600px", AssetsHost: echartsAssetsHost}),
		charts.WithTitleOpts(opts.Title{Title: "Tracked Blips", Subtitle: fmt.Sprintf("run=%s steps=%d", run.RunID, len(steps))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "Frame", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Name: "Points", NameLocation: "middle", NameGap: 40}),
	)
	line.SetXAxis(x).
		AddSeries("tracked", tracked).
		AddSeries("inliers", inliers).
		AddSeries("lost", lost)
	writeChart(w, line)
}

// handleCloudChart draws one step's cloud from above (X against depth).
// The step defaults to the last one with a recovered pose.
func (ws *WebServer) handleCloudChart(w http.ResponseWriter, r *http.Request) {
	run, err := ws.resolveRun(r)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	frame := -1
	if raw := r.URL.Query().Get("frame"); raw != "" {
		frame, err = strconv.Atoi(raw)
		if err != nil || frame < 0 {
			httputil.BadRequest(w, fmt.Sprintf("invalid frame %q", raw))
			return
		}
	} else {
		steps, err := ws.runs.ListSteps(run.RunID)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		for i := len(steps) - 1; i >= 0; i-- {
			if steps[i].PoseOK {
				frame = steps[i].FrameIndex
				break
			}
		}
		if frame < 0 {
			httputil.NotFound(w, fmt.Sprintf("run %s has no step with a pose", run.RunID))
			return
		}
	}

	pts, err := ws.runs.StepPoints(run.RunID, frame)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	inl := make([]opts.ScatterData, 0, len(pts))
	out := make([]opts.ScatterData, 0)
	var extent float64
	for _, p := range pts {
		d := opts.ScatterData{Value: []interface{}{p.X.X, p.X.Z}}
		if p.Inlier {
			inl = append(inl, d)
		} else {
			out = append(out, d)
		}
		extent = math.Max(extent, math.Max(math.Abs(p.X.X), math.Abs(p.X.Z)))
	}
	pad := math.Ceil(extent*1.1 + 1e-9)

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Blip Cloud", Theme: "dark", Width: "900px", Height: "900px", AssetsHost: echartsAssetsHost}),
		charts.WithTitleOpts(opts.Title{Title: "Cloud (top-down)", Subtitle: fmt.Sprintf("run=%s frame=%d points=%d", run.RunID, frame, len(pts))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Min: -pad, Max: pad, Name: "X (baselines)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Min: 0, Max: pad, Name: "Z (baselines)", NameLocation: "middle", NameGap: 30}),
	)
	scatter.AddSeries("inliers", inl, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 5}))
	scatter.AddSeries("outliers", out, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 3}))
	writeChart(w, scatter)
}

// handleTrajectoryChart draws the chained camera centres of a run from
// above.
func (ws *WebServer) handleTrajectoryChart(w http.ResponseWriter, r *http.Request) {
	run, err := ws.resolveRun(r)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	steps, err := ws.runs.ListSteps(run.RunID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	tr := trajectoryFromSteps(steps)

	data := make([]opts.ScatterData, len(tr.centres))
	for i, c := range tr.centres {
		data[i] = opts.ScatterData{Value: []interface{}{c.X, c.Z, tr.frames[i]}}
	}

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Camera Trajectory", Theme: "dark", Width: "900px", Height: "900px", AssetsHost: echartsAssetsHost}),
		charts.WithTitleOpts(opts.Title{Title: "Camera Trajectory", Subtitle: fmt.Sprintf("run=%s steps=%d (unit baseline per step)", run.RunID, len(steps))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "X", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Name: "Z", NameLocation: "middle", NameGap: 30}),
	)
	scatter.AddSeries("centres", data, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 6}))
	writeChart(w, scatter)
}
