package monitor

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/turret/internal/control"
)

const defaultChartPoints = 300

// renderTrail renders the last n samples as an image-space scatter plus a
// servo line chart.
func renderTrail(samples []control.Sample, aimCenter [2]float64, w *bytes.Buffer) error {
	var observed, aimed []opts.ScatterData
	for _, s := range samples {
		if s.Observed != nil {
			observed = append(observed, opts.ScatterData{Value: []interface{}{s.Observed.X, s.Observed.Y}})
		}
		if s.HasProjection {
			aimed = append(aimed, opts.ScatterData{Value: []interface{}{s.Projection.X, s.Projection.Y}})
		}
	}

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Turret trail", Width: "900px", Height: "600px"}),
		charts.WithTitleOpts(opts.Title{Title: "Target and aim point", Subtitle: fmt.Sprintf("samples=%d", len(samples))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "x (px)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Name: "y (px)", NameLocation: "middle", NameGap: 30, Inverse: opts.Bool(true)}),
	)
	scatter.AddSeries("observed", observed, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 4}))
	scatter.AddSeries("aim point", aimed, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 3}))
	scatter.AddSeries("aim center", []opts.ScatterData{{Value: []interface{}{aimCenter[0], aimCenter[1]}}},
		charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 12}))

	x := make([]string, len(samples))
	pan := make([]opts.LineData, len(samples))
	tilt := make([]opts.LineData, len(samples))
	for i, s := range samples {
		x[i] = strconv.FormatFloat(s.At.Sub(samples[0].At).Seconds(), 'f', 1, 64)
		pan[i] = opts.LineData{Value: s.Command.Pan}
		tilt[i] = opts.LineData{Value: s.Command.Tilt}
	}
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "900px", Height: "400px"}),
		charts.WithTitleOpts(opts.Title{Title: "Servo commands"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "t (s)"}),
	)
	line.SetXAxis(x).
		AddSeries("pan", pan).
		AddSeries("tilt", tilt)

	page := components.NewPage()
	page.AddCharts(scatter, line)
	return page.Render(w)
}

func (m *Monitor) handleTrailChart(w http.ResponseWriter, r *http.Request) {
	n := defaultChartPoints
	if v := r.URL.Query().Get("points"); v != "" {
		if p, err := strconv.Atoi(v); err == nil && p > 0 && p <= 100000 {
			n = p
		}
	}

	samples := m.trail.Samples()
	if len(samples) == 0 {
		http.Error(w, "no control ticks recorded yet", http.StatusNotFound)
		return
	}
	if len(samples) > n {
		samples = samples[len(samples)-n:]
	}

	var buf bytes.Buffer
	if err := renderTrail(samples, [2]float64{m.aimCenter.X, m.aimCenter.Y}, &buf); err != nil {
		http.Error(w, fmt.Sprintf("render error: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
