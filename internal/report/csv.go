package report

import (
	"encoding/csv"
	"io"
	"slices"
	"strconv"
	"strings"

	"github.com/banshee-data/scenegrid/internal/eval"
)

// WriteCSV writes one row per view, scored and excluded, in view-ID order.
// Columns: view_id, status, render_seconds, one per metric, stage, cause.
func WriteCSV(w io.Writer, rep *eval.Report) error {
	metrics := rep.Metrics()
	cw := csv.NewWriter(w)

	header := append([]string{"view_id", "status", "render_seconds"}, metrics...)
	header = append(header, "stage", "cause")
	if err := cw.Write(header); err != nil {
		return err
	}

	type row struct {
		id     string
		fields []string
	}
	rows := make([]row, 0, rep.Total)
	for _, r := range rep.Results {
		fields := []string{r.ViewID, "ok", formatFloat(r.RenderTime.Seconds())}
		for _, m := range metrics {
			v, ok := r.Values[m]
			if !ok {
				fields = append(fields, "")
				continue
			}
			fields = append(fields, formatFloat(v))
		}
		fields = append(fields, "", "")
		rows = append(rows, row{r.ViewID, fields})
	}
	for _, x := range rep.Excluded {
		fields := []string{x.ViewID, "excluded", ""}
		for range metrics {
			fields = append(fields, "")
		}
		fields = append(fields, x.Stage, x.Cause)
		rows = append(rows, row{x.ViewID, fields})
	}
	slices.SortFunc(rows, func(a, b row) int { return strings.Compare(a.id, b.id) })
	for _, r := range rows {
		if err := cw.Write(r.fields); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 6, 64)
}
