// Package report writes the evaluation artifacts of a run: metrics.json,
// metrics.csv, metrics.png and an HTML dashboard.
package report

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/banshee-data/scenegrid/internal/eval"
	"github.com/banshee-data/scenegrid/internal/fsutil"
	"github.com/banshee-data/scenegrid/internal/monitoring"
	"github.com/banshee-data/scenegrid/internal/scene"
)

var logger = monitoring.Component("report")

// Artifact file names, relative to the run directory.
const (
	MetricsJSON = "metrics.json"
	MetricsCSV  = "metrics.csv"
	MetricsPNG  = "metrics.png"
	HTML        = "report.html"
)

// Input is what the reports are built from. Eval and Model may be nil when
// the corresponding phase was skipped.
type Input struct {
	RunID  string
	Scene  string
	Blocks []scene.Block
	Jobs   []scene.TrainingJob
	Model  *scene.GlobalModel
	Eval   *eval.Report
}

// ViewMetrics is one per-view row of metrics.json.
type ViewMetrics struct {
	ViewID        string             `json:"view_id"`
	Values        map[string]float64 `json:"values"`
	RenderSeconds float64            `json:"render_seconds"`
}

// MetricsDocument is the content of metrics.json.
type MetricsDocument struct {
	RunID         string                  `json:"run_id"`
	Scene         string                  `json:"scene"`
	ModelID       string                  `json:"model_id"`
	Complete      bool                    `json:"complete"`
	MissingBlocks []string                `json:"missing_blocks,omitempty"`
	Total         int                     `json:"total"`
	Views         []ViewMetrics           `json:"views"`
	Excluded      []eval.ExcludedView     `json:"excluded,omitempty"`
	Aggregate     map[string]eval.Summary `json:"aggregate"`
	Timing        eval.Timing             `json:"timing"`
}

// Document builds the metrics.json content.
func Document(in Input) MetricsDocument {
	doc := MetricsDocument{RunID: in.RunID, Scene: in.Scene}
	if in.Model != nil {
		doc.ModelID = in.Model.ID
		doc.Complete = in.Model.Complete
		doc.MissingBlocks = in.Model.MissingBlocks
	}
	if in.Eval == nil {
		return doc
	}
	doc.Total = in.Eval.Total
	doc.Excluded = in.Eval.Excluded
	doc.Aggregate = in.Eval.Aggregate
	doc.Timing = in.Eval.Timing
	doc.Views = make([]ViewMetrics, len(in.Eval.Results))
	for i, r := range in.Eval.Results {
		doc.Views[i] = ViewMetrics{ViewID: r.ViewID, Values: r.Values, RenderSeconds: r.RenderTime.Seconds()}
	}
	return doc
}

// Writer writes artifacts into one run directory.
type Writer struct {
	fs  fsutil.FileSystem
	dir string
}

// NewWriter returns a writer for dir.
func NewWriter(fsys fsutil.FileSystem, dir string) *Writer {
	return &Writer{fs: fsys, dir: dir}
}

// WriteAll writes every artifact that applies to in and returns the paths
// written. The metrics files are skipped without an evaluation; the chart
// is skipped when no view was scored.
func (w *Writer) WriteAll(in Input) ([]string, error) {
	var written []string
	put := func(name string, data []byte) error {
		path := filepath.Join(w.dir, name)
		if err := fsutil.WriteFileAtomic(w.fs, path, data, 0o644); err != nil {
			return err
		}
		written = append(written, path)
		return nil
	}

	if in.Eval != nil {
		data, err := json.MarshalIndent(Document(in), "", "  ")
		if err != nil {
			return written, fmt.Errorf("encode metrics: %w", err)
		}
		if err := put(MetricsJSON, append(data, '\n')); err != nil {
			return written, err
		}

		var csvBuf bytes.Buffer
		if err := WriteCSV(&csvBuf, in.Eval); err != nil {
			return written, err
		}
		if err := put(MetricsCSV, csvBuf.Bytes()); err != nil {
			return written, err
		}

		if len(in.Eval.Results) > 0 {
			png, err := RenderChart(in.Eval)
			if err != nil {
				return written, err
			}
			if err := put(MetricsPNG, png); err != nil {
				return written, err
			}
		}
	}

	var html bytes.Buffer
	if err := WriteHTML(&html, in); err != nil {
		return written, err
	}
	if err := put(HTML, html.Bytes()); err != nil {
		return written, err
	}
	logger.Printf("wrote %s", strings.Join(baseNames(written), ", "))
	return written, nil
}

func baseNames(paths []string) []string {
	out := make([]string, len(paths))
	for i, p := range paths {
		out[i] = filepath.Base(p)
	}
	return out
}

// headline picks the metric charted in metrics.png: psnr when present,
// else the first alphabetically.
func headline(rep *eval.Report) string {
	names := rep.Metrics()
	for _, n := range names {
		if n == "psnr" {
			return n
		}
	}
	if len(names) > 0 {
		return names[0]
	}
	return ""
}
