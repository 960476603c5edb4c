package scene

import (
	"fmt"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// TestView is a held-out camera pose with its reference image.
type TestView struct {
	ID        string `json:"id" yaml:"id"`
	Pose      Pose   `json:"pose" yaml:"pose"`
	Reference string `json:"reference" yaml:"reference"`
}

// MetricResult is the score set for one test view.
type MetricResult struct {
	ViewID     string             `json:"view_id"`
	Values     map[string]float64 `json:"values"`
	RenderTime time.Duration      `json:"render_time_ns"`
}

type viewFile struct {
	Views []TestView `yaml:"views"`
}

// LoadTestViews reads a test-view descriptor. The file holds either a
// top-level `views:` list or a bare list. Order is preserved.
func LoadTestViews(path string) ([]TestView, error) {
	data, err := readDescriptor(path)
	if err != nil {
		return nil, err
	}
	var views []TestView
	var vf viewFile
	if err := yaml.Unmarshal(data, &vf); err == nil && len(vf.Views) > 0 {
		views = vf.Views
	} else if err := yaml.Unmarshal(data, &views); err != nil {
		return nil, fmt.Errorf("failed to parse test views %s: %w", path, err)
	}
	base := filepath.Dir(path)
	seen := make(map[string]bool, len(views))
	for i := range views {
		v := &views[i]
		if v.ID == "" {
			return nil, fmt.Errorf("test view %d has no id", i)
		}
		if seen[v.ID] {
			return nil, fmt.Errorf("duplicate test view id %q", v.ID)
		}
		seen[v.ID] = true
		if v.Reference != "" && !filepath.IsAbs(v.Reference) {
			v.Reference = filepath.Join(base, v.Reference)
		}
	}
	return views, nil
}
