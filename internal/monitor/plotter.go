package monitor

import (
	"fmt"
	"image/color"
	"os"
	"path/filepath"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/turret/internal/control"
	"github.com/banshee-data/turret/internal/turret"
)

var (
	observedColor = color.RGBA{R: 31, G: 119, B: 180, A: 255}
	aimColor      = color.RGBA{R: 214, G: 39, B: 40, A: 255}
	truthColor    = color.RGBA{R: 44, G: 160, B: 44, A: 255}
	centerColor   = color.RGBA{A: 255}
)

// Truth is an optional ground-truth position per sample, used by the
// offline simulator.
type Truth struct {
	Position turret.Vec2
	Visible  bool
}

// Plotter writes PNG traces of a run.
type Plotter struct {
	outputDir string
	aimCenter turret.Vec2
}

// NewPlotter creates outputDir and returns a plotter writing into it.
func NewPlotter(outputDir string, aimCenter turret.Vec2) (*Plotter, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output dir: %w", err)
	}
	return &Plotter{outputDir: outputDir, aimCenter: aimCenter}, nil
}

// GeneratePlots renders the image-space trace, the servo trace and the aim
// error trace. truth may be nil or match samples one to one. It returns the
// files written.
func (p *Plotter) GeneratePlots(samples []control.Sample, truth []Truth) ([]string, error) {
	if len(samples) == 0 {
		return nil, nil
	}
	if truth != nil && len(truth) != len(samples) {
		return nil, fmt.Errorf("truth has %d entries for %d samples", len(truth), len(samples))
	}

	var files []string
	for _, gen := range []func([]control.Sample, []Truth) (string, error){
		p.imagePlot,
		p.servoPlot,
		p.errorPlot,
	} {
		f, err := gen(samples, truth)
		if err != nil {
			return files, err
		}
		files = append(files, f)
	}
	return files, nil
}

func elapsed(samples []control.Sample, i int) float64 {
	return samples[i].At.Sub(samples[0].At).Seconds()
}

func (p *Plotter) imagePlot(samples []control.Sample, truth []Truth) (string, error) {
	pl := plot.New()
	pl.Title.Text = "Target in image space"
	pl.X.Label.Text = "x (px)"
	pl.Y.Label.Text = "y (px, down)"

	observed := make(plotter.XYs, 0, len(samples))
	aimed := make(plotter.XYs, 0, len(samples))
	truePts := make(plotter.XYs, 0, len(samples))
	for i, s := range samples {
		if s.Observed != nil {
			observed = append(observed, plotter.XY{X: s.Observed.X, Y: -s.Observed.Y})
		}
		if s.HasProjection {
			aimed = append(aimed, plotter.XY{X: s.Projection.X, Y: -s.Projection.Y})
		}
		if truth != nil && truth[i].Visible {
			truePts = append(truePts, plotter.XY{X: truth[i].Position.X, Y: -truth[i].Position.Y})
		}
	}

	if err := addScatter(pl, "observed", observed, observedColor); err != nil {
		return "", err
	}
	if len(aimed) > 0 {
		line, err := plotter.NewLine(aimed)
		if err != nil {
			return "", fmt.Errorf("aim line: %w", err)
		}
		line.Color = aimColor
		line.Width = vg.Points(1)
		pl.Add(line)
		pl.Legend.Add("aim point", line)
	}
	if err := addScatter(pl, "truth", truePts, truthColor); err != nil {
		return "", err
	}
	if err := addScatter(pl, "aim center", plotter.XYs{{X: p.aimCenter.X, Y: -p.aimCenter.Y}}, centerColor); err != nil {
		return "", err
	}

	pl.Legend.Top = true
	return p.save(pl, "target_xy.png", 8*vg.Inch, 6*vg.Inch)
}

func (p *Plotter) servoPlot(samples []control.Sample, _ []Truth) (string, error) {
	pl := plot.New()
	pl.Title.Text = "Servo commands"
	pl.X.Label.Text = "Time (s)"
	pl.Y.Label.Text = "Servo counts"

	pan := make(plotter.XYs, len(samples))
	tilt := make(plotter.XYs, len(samples))
	fire := make(plotter.XYs, 0)
	for i, s := range samples {
		t := elapsed(samples, i)
		pan[i] = plotter.XY{X: t, Y: float64(s.Command.Pan)}
		tilt[i] = plotter.XY{X: t, Y: float64(s.Command.Tilt)}
		if s.Command.Fire {
			fire = append(fire, plotter.XY{X: t, Y: float64(s.Command.Tilt)})
		}
	}

	panLine, err := plotter.NewLine(pan)
	if err != nil {
		return "", fmt.Errorf("pan line: %w", err)
	}
	panLine.Color = observedColor
	panLine.Width = vg.Points(1)
	tiltLine, err := plotter.NewLine(tilt)
	if err != nil {
		return "", fmt.Errorf("tilt line: %w", err)
	}
	tiltLine.Color = truthColor
	tiltLine.Width = vg.Points(1)
	pl.Add(panLine, tiltLine)
	pl.Legend.Add("pan", panLine)
	pl.Legend.Add("tilt", tiltLine)
	if err := addScatter(pl, "fire", fire, aimColor); err != nil {
		return "", err
	}

	pl.Legend.Top = true
	pl.Legend.Left = false
	return p.save(pl, "servo.png", 14*vg.Inch, 6*vg.Inch)
}

func (p *Plotter) errorPlot(samples []control.Sample, _ []Truth) (string, error) {
	pl := plot.New()
	pl.Title.Text = "Aim error while tracking"
	pl.X.Label.Text = "Time (s)"
	pl.Y.Label.Text = "Error (px)"

	ex := make(plotter.XYs, 0, len(samples))
	ey := make(plotter.XYs, 0, len(samples))
	for i, s := range samples {
		if !s.HasProjection {
			continue
		}
		t := elapsed(samples, i)
		ex = append(ex, plotter.XY{X: t, Y: s.AimError.X})
		ey = append(ey, plotter.XY{X: t, Y: s.AimError.Y})
	}
	if err := addScatter(pl, "x", ex, observedColor); err != nil {
		return "", err
	}
	if err := addScatter(pl, "y", ey, truthColor); err != nil {
		return "", err
	}

	pl.Legend.Top = true
	pl.Legend.Left = false
	return p.save(pl, "aim_error.png", 14*vg.Inch, 6*vg.Inch)
}

func addScatter(pl *plot.Plot, name string, pts plotter.XYs, c color.Color) error {
	if len(pts) == 0 {
		return nil
	}
	sc, err := plotter.NewScatter(pts)
	if err != nil {
		return fmt.Errorf("%s scatter: %w", name, err)
	}
	sc.GlyphStyle.Color = c
	sc.GlyphStyle.Radius = vg.Points(1.5)
	pl.Add(sc)
	pl.Legend.Add(name, sc)
	return nil
}

func (p *Plotter) save(pl *plot.Plot, name string, w, h vg.Length) (string, error) {
	path := filepath.Join(p.outputDir, name)
	if err := pl.Save(w, h, path); err != nil {
		return "", fmt.Errorf("save %s: %w", name, err)
	}
	return path, nil
}
