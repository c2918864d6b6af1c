package api

import (
	"bytes"
	"fmt"
	"image/color"
	"net/http"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/turntable.report/internal/flutter"
	"github.com/banshee-data/turntable.report/internal/httputil"
)

// plotSeries picks a plot buffer out of a snapshot.
func plotSeries(s flutter.Snapshot, name string) ([]flutter.PlotPoint, string, bool) {
	switch name {
	case "", "deviation":
		return s.Deviation, "Deviation (%)", true
	case "speed":
		return s.Speed, "Speed", true
	default:
		return nil, "", false
	}
}

func toXYs(points []flutter.PlotPoint) plotter.XYs {
	xys := make(plotter.XYs, len(points))
	for i, p := range points {
		xys[i] = plotter.XY{X: p.T, Y: p.Value}
	}
	return xys
}

// plotPNG renders one plot buffer as a PNG.
// Query params:
//   - series: deviation (default) or speed
//   - w, h: size in inches (2 to 30; default 10x4)
func (s *Server) plotPNG(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	q := r.URL.Query()
	snap := s.engine.Snapshot()
	points, label, ok := plotSeries(snap, q.Get("series"))
	if !ok {
		httputil.BadRequest(w, "invalid 'series' parameter: expected deviation or speed")
		return
	}
	width, height := 10*vg.Inch, 4*vg.Inch
	for _, dim := range []struct {
		key string
		dst *vg.Length
	}{{"w", &width}, {"h", &height}} {
		if v := q.Get(dim.key); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil || f < 2 || f > 30 {
				httputil.BadRequest(w, fmt.Sprintf("invalid '%s' parameter", dim.key))
				return
			}
			*dim.dst = vg.Length(f) * vg.Inch
		}
	}

	p := plot.New()
	p.Title.Text = label
	p.X.Label.Text = "t (s)"
	p.Y.Label.Text = label
	if label == "Speed" {
		p.Y.Label.Text = "Speed (" + s.units + ")"
	}
	p.Add(plotter.NewGrid())

	if len(points) == 0 {
		p.X.Min, p.X.Max = 0, 1
		p.Y.Min, p.Y.Max = -1, 1
	} else {
		line, err := plotter.NewLine(toXYs(points))
		if err != nil {
			httputil.InternalServerError(w, fmt.Sprintf("failed to build plot: %v", err))
			return
		}
		line.Width = vg.Points(1)
		line.Color = color.RGBA{R: 0x1f, G: 0x77, B: 0xb4, A: 0xff}
		p.Add(line)
	}

	wt, err := p.WriterTo(width, height, "png")
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render plot: %v", err))
		return
	}
	var buf bytes.Buffer
	if _, err := wt.WriteTo(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render plot: %v", err))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(buf.Bytes())
}

func lineData(points []flutter.PlotPoint) []opts.LineData {
	data := make([]opts.LineData, len(points))
	for i, p := range points {
		data[i] = opts.LineData{Value: []interface{}{p.T, p.Value}}
	}
	return data
}

func newSeriesChart(title, subtitle, yName string, points []flutter.PlotPoint) *charts.Line {
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Turntable Charts", Theme: "dark", Width: "1100px", Height: "360px"}),
		charts.WithTitleOpts(opts.Title{Title: title, Subtitle: subtitle}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithXAxisOpts(opts.XAxis{Type: "value", Name: "t (s)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Type: "value", Name: yName, Scale: opts.Bool(true)}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "inside"}),
	)
	line.AddSeries(title, lineData(points),
		charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}),
	)
	return line
}

// debugCharts renders both plot buffers as an interactive HTML page.
func (s *Server) debugCharts(w http.ResponseWriter, r *http.Request) {
	snap := s.engine.Snapshot()

	subtitle := fmt.Sprintf("target=%g %s rate=%.1f Hz window=%d status=%s",
		snap.Target, s.units, snap.SampleRate, snap.WindowSamples, snap.Metrics.Status)
	if st := snap.Metrics.Stats; st != nil {
		subtitle += fmt.Sprintf(" W&F(wtd 2σ)=%.4f%%", st.WeightedTwoSigma)
	}

	page := components.NewPage()
	page.PageTitle = "Turntable Charts"
	page.AddCharts(
		newSeriesChart("Speed", subtitle, s.units, snap.Speed),
		newSeriesChart("Deviation", "", "%", snap.Deviation),
	)

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("render error: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
