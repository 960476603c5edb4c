package report

import (
	"bytes"
	"fmt"
	"image/color"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/scenegrid/internal/eval"
)

// RenderChart draws the headline metric per view as a PNG bar chart with
// the mean overlaid.
func RenderChart(rep *eval.Report) ([]byte, error) {
	metric := headline(rep)
	if metric == "" {
		return nil, fmt.Errorf("report: no metrics to chart")
	}

	ids := make([]string, len(rep.Results))
	vals := make(plotter.Values, len(rep.Results))
	for i, r := range rep.Results {
		ids[i] = r.ViewID
		vals[i] = r.Values[metric]
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("%s per view (model %s)", metric, rep.ModelID)
	p.Y.Label.Text = metric
	p.X.Label.Text = "View"

	bars, err := plotter.NewBarChart(vals, vg.Points(14))
	if err != nil {
		return nil, fmt.Errorf("bar chart: %w", err)
	}
	bars.Color = color.RGBA{R: 49, G: 104, B: 142, A: 255}
	bars.LineStyle.Width = vg.Length(0)
	p.Add(bars)
	p.NominalX(ids...)

	mean := rep.Aggregate[metric].Mean
	fn := plotter.NewFunction(func(float64) float64 { return mean })
	fn.Color = color.RGBA{R: 253, G: 231, B: 37, A: 255}
	fn.Width = vg.Points(2)
	p.Add(fn)
	p.Legend.Add(fmt.Sprintf("mean %.3f", mean), fn)
	p.Legend.Top = true

	width := vg.Length(max(6, len(ids))) * 0.6 * vg.Inch
	wt, err := p.WriterTo(width, 4*vg.Inch, "png")
	if err != nil {
		return nil, fmt.Errorf("render chart: %w", err)
	}
	var buf bytes.Buffer
	if _, err := wt.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("encode chart: %w", err)
	}
	return buf.Bytes(), nil
}
