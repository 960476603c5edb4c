package report

import (
	"fmt"
	"io"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/scenegrid/internal/scene"
)

// stateCodes orders job states on the block grid colour scale.
var stateCodes = map[scene.JobState]int{
	scene.JobPending:      0,
	scene.JobRunning:      1,
	scene.JobCheckpointed: 2,
	scene.JobFailed:       3,
	scene.JobCompleted:    4,
}

// WriteHTML renders the dashboard: the block grid coloured by job state,
// primitives per block and, when evaluated, per-view metrics.
func WriteHTML(w io.Writer, in Input) error {
	page := components.NewPage()
	page.PageTitle = fmt.Sprintf("scenegrid %s", in.Scene)
	page.AddCharts(blockGrid(in))
	if in.Model != nil && len(in.Model.Extents) > 0 {
		page.AddCharts(primitiveBars(in.Model))
	}
	if in.Eval != nil && len(in.Eval.Results) > 0 {
		page.AddCharts(metricBars(in))
	}
	if err := page.Render(w); err != nil {
		return fmt.Errorf("render dashboard: %w", err)
	}
	return nil
}

func blockGrid(in Input) *charts.HeatMap {
	states := make(map[string]scene.JobState, len(in.Jobs))
	for _, j := range in.Jobs {
		states[j.BlockID] = j.State
	}
	rows, cols := 0, 0
	for _, b := range in.Blocks {
		rows, cols = max(rows, b.Row+1), max(cols, b.Col+1)
	}
	xs := make([]string, cols)
	for i := range xs {
		xs[i] = strconv.Itoa(i)
	}
	ys := make([]string, rows)
	for i := range ys {
		ys[i] = strconv.Itoa(i)
	}
	data := make([]opts.HeatMapData, 0, len(in.Blocks))
	for _, b := range in.Blocks {
		data = append(data, opts.HeatMapData{
			Name:  fmt.Sprintf("block %s (%s, %d frames)", b.ID, states[b.ID], len(b.FrameIDs)),
			Value: [3]interface{}{b.Col, b.Row, stateCodes[states[b.ID]]},
		})
	}

	hm := charts.NewHeatMap()
	hm.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Blocks", Width: "900px", Height: "600px"}),
		charts.WithTitleOpts(opts.Title{Title: "Block states", Subtitle: fmt.Sprintf("run %s, %d blocks", in.RunID, len(in.Blocks))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Type: "category", Name: "col", Data: xs}),
		charts.WithYAxisOpts(opts.YAxis{Type: "category", Name: "row", Data: ys}),
		charts.WithVisualMapOpts(opts.VisualMap{
			Show:    opts.Bool(true),
			Min:     0,
			Max:     4,
			Text:    []string{"completed", "pending"},
			InRange: &opts.VisualMapInRange{Color: []string{"#9e9e9e", "#31688e", "#fde725", "#d62728", "#35b779"}},
		}),
	)
	hm.SetXAxis(xs).AddSeries("state", data)
	return hm
}

func primitiveBars(m *scene.GlobalModel) *charts.Bar {
	ids := make([]string, len(m.Extents))
	counts := make([]opts.BarData, len(m.Extents))
	for i, e := range m.Extents {
		ids[i] = e.BlockID
		counts[i] = opts.BarData{Value: e.Count}
	}
	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "900px", Height: "400px"}),
		charts.WithTitleOpts(opts.Title{Title: "Primitives per block", Subtitle: fmt.Sprintf("model %s (%s)", m.ID, m.Strategy)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	bar.SetXAxis(ids).AddSeries("primitives", counts)
	return bar
}

func metricBars(in Input) *charts.Bar {
	rep := in.Eval
	ids := make([]string, len(rep.Results))
	for i, r := range rep.Results {
		ids[i] = r.ViewID
	}
	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "480px"}),
		charts.WithTitleOpts(opts.Title{Title: "Metrics per view", Subtitle: fmt.Sprintf("%d scored, %d excluded", len(rep.Results), len(rep.Excluded))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
	)
	bar.SetXAxis(ids)
	for _, m := range rep.Metrics() {
		vals := make([]opts.BarData, len(rep.Results))
		for i, r := range rep.Results {
			vals[i] = opts.BarData{Value: r.Values[m]}
		}
		bar.AddSeries(m, vals)
	}
	return bar
}
