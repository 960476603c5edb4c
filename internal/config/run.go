package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/banshee-data/scenegrid/internal/capability/execbackend"
	"github.com/banshee-data/scenegrid/internal/merge"
	"github.com/banshee-data/scenegrid/internal/partition"
	"github.com/banshee-data/scenegrid/internal/scheduler"
)

// MaxFileSize caps run configuration files.
const MaxFileSize = 1 * 1024 * 1024

// Backends.
const (
	BackendSim  = "sim"
	BackendExec = "exec"
	BackendGRPC = "grpc"
)

// GRPCConfig selects a remote capability server.
type GRPCConfig struct {
	Address string `json:"address" yaml:"address" toml:"address"`
}

// RunConfig is the configuration of one orchestrator run. Every field is
// optional; the Get* methods supply defaults so partial files are safe.
// Durations are strings like "2h" or "30s".
type RunConfig struct {
	Scene *string `json:"scene,omitempty" yaml:"scene,omitempty" toml:"scene,omitempty"`
	Views *string `json:"views,omitempty" yaml:"views,omitempty" toml:"views,omitempty"`
	Out   *string `json:"out,omitempty" yaml:"out,omitempty" toml:"out,omitempty"`

	// Partitioning. Grid ("4x4") and Blocks (a block count) are exclusive.
	Grid            *string  `json:"grid,omitempty" yaml:"grid,omitempty" toml:"grid,omitempty"`
	Blocks          *int     `json:"blocks,omitempty" yaml:"blocks,omitempty" toml:"blocks,omitempty"`
	Overlap         *string  `json:"overlap,omitempty" yaml:"overlap,omitempty" toml:"overlap,omitempty"`
	AspectTolerance *float64 `json:"aspect_tolerance,omitempty" yaml:"aspect_tolerance,omitempty" toml:"aspect_tolerance,omitempty"`

	// Training.
	Devices      []string `json:"devices,omitempty" yaml:"devices,omitempty" toml:"devices,omitempty"`
	Concurrency  *int     `json:"concurrency,omitempty" yaml:"concurrency,omitempty" toml:"concurrency,omitempty"`
	Select       []string `json:"select,omitempty" yaml:"select,omitempty" toml:"select,omitempty"`
	Retries      *int     `json:"retries,omitempty" yaml:"retries,omitempty" toml:"retries,omitempty"`
	RetryBackoff *string  `json:"retry_backoff,omitempty" yaml:"retry_backoff,omitempty" toml:"retry_backoff,omitempty"`
	JobTimeout   *string  `json:"job_timeout,omitempty" yaml:"job_timeout,omitempty" toml:"job_timeout,omitempty"`
	LeaseTTL     *string  `json:"lease_ttl,omitempty" yaml:"lease_ttl,omitempty" toml:"lease_ttl,omitempty"`
	Coarse       *bool    `json:"coarse,omitempty" yaml:"coarse,omitempty" toml:"coarse,omitempty"`
	SkipTrain    *bool    `json:"skip_train,omitempty" yaml:"skip_train,omitempty" toml:"skip_train,omitempty"`

	// Merge.
	SkipMerge            *bool    `json:"skip_merge,omitempty" yaml:"skip_merge,omitempty" toml:"skip_merge,omitempty"`
	Strategy             *string  `json:"strategy,omitempty" yaml:"strategy,omitempty" toml:"strategy,omitempty"`
	BlendCell            *float64 `json:"blend_cell,omitempty" yaml:"blend_cell,omitempty" toml:"blend_cell,omitempty"`
	Partial              *bool    `json:"partial,omitempty" yaml:"partial,omitempty" toml:"partial,omitempty"`
	MinCompletedFraction *float64 `json:"min_completed_fraction,omitempty" yaml:"min_completed_fraction,omitempty" toml:"min_completed_fraction,omitempty"`

	// Evaluation.
	SkipEval        *bool    `json:"skip_eval,omitempty" yaml:"skip_eval,omitempty" toml:"skip_eval,omitempty"`
	EvalTimeout     *string  `json:"eval_timeout,omitempty" yaml:"eval_timeout,omitempty" toml:"eval_timeout,omitempty"`
	EvalConcurrency *int     `json:"eval_concurrency,omitempty" yaml:"eval_concurrency,omitempty" toml:"eval_concurrency,omitempty"`
	MaxFailureRate  *float64 `json:"max_failure_rate,omitempty" yaml:"max_failure_rate,omitempty" toml:"max_failure_rate,omitempty"`

	// Capabilities.
	Backend *string             `json:"backend,omitempty" yaml:"backend,omitempty" toml:"backend,omitempty"`
	Exec    *execbackend.Config `json:"exec,omitempty" yaml:"exec,omitempty" toml:"exec,omitempty"`
	GRPC    *GRPCConfig         `json:"grpc,omitempty" yaml:"grpc,omitempty" toml:"grpc,omitempty"`

	// Admin is the listen address of the debug server; empty disables it.
	Admin *string `json:"admin,omitempty" yaml:"admin,omitempty" toml:"admin,omitempty"`
}

// Ptr returns a pointer to v, for building overlays.
func Ptr[T any](v T) *T { return &v }

// LoadRunConfig loads a RunConfig from a .json, .yaml/.yml or .toml file
// and validates it. Unknown keys are rejected.
func LoadRunConfig(path string) (*RunConfig, error) {
	cleanPath := filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(cleanPath))
	switch ext {
	case ".json", ".yaml", ".yml", ".toml":
	default:
		return nil, fmt.Errorf("config file must have .json, .yaml, .yml or .toml extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > MaxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), MaxFileSize)
	}
	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &RunConfig{}
	switch ext {
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config JSON: %w", err)
		}
	case ".toml":
		md, err := toml.Decode(string(data), cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to parse config TOML: %w", err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("failed to parse config TOML: unknown keys %v", undecoded)
		}
	default:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Overlay copies every field set in o over c. Used to apply command-line
// flags on top of a file.
func (c *RunConfig) Overlay(o *RunConfig) {
	set := func(dst **string, src *string) {
		if src != nil {
			*dst = src
		}
	}
	set(&c.Scene, o.Scene)
	set(&c.Views, o.Views)
	set(&c.Out, o.Out)
	set(&c.Grid, o.Grid)
	set(&c.Overlap, o.Overlap)
	set(&c.RetryBackoff, o.RetryBackoff)
	set(&c.JobTimeout, o.JobTimeout)
	set(&c.LeaseTTL, o.LeaseTTL)
	set(&c.Strategy, o.Strategy)
	set(&c.EvalTimeout, o.EvalTimeout)
	set(&c.Backend, o.Backend)
	set(&c.Admin, o.Admin)

	if o.Blocks != nil {
		c.Blocks = o.Blocks
		// A block count on the command line replaces a grid from the file.
		if o.Grid == nil {
			c.Grid = nil
		}
	}
	if o.Grid != nil && o.Blocks == nil {
		c.Blocks = nil
	}
	if o.AspectTolerance != nil {
		c.AspectTolerance = o.AspectTolerance
	}
	if o.Devices != nil {
		c.Devices = o.Devices
	}
	if o.Concurrency != nil {
		c.Concurrency = o.Concurrency
	}
	if o.Select != nil {
		c.Select = o.Select
	}
	if o.Retries != nil {
		c.Retries = o.Retries
	}
	if o.Coarse != nil {
		c.Coarse = o.Coarse
	}
	if o.SkipTrain != nil {
		c.SkipTrain = o.SkipTrain
	}
	if o.SkipMerge != nil {
		c.SkipMerge = o.SkipMerge
	}
	if o.BlendCell != nil {
		c.BlendCell = o.BlendCell
	}
	if o.Partial != nil {
		c.Partial = o.Partial
	}
	if o.MinCompletedFraction != nil {
		c.MinCompletedFraction = o.MinCompletedFraction
	}
	if o.SkipEval != nil {
		c.SkipEval = o.SkipEval
	}
	if o.EvalConcurrency != nil {
		c.EvalConcurrency = o.EvalConcurrency
	}
	if o.MaxFailureRate != nil {
		c.MaxFailureRate = o.MaxFailureRate
	}
	if o.Exec != nil {
		c.Exec = o.Exec
	}
	if o.GRPC != nil {
		c.GRPC = o.GRPC
	}
}

// Validate checks that the configuration values are valid.
func (c *RunConfig) Validate() error {
	if c.Grid != nil && *c.Grid != "" {
		if c.Blocks != nil {
			return fmt.Errorf("grid and blocks are mutually exclusive")
		}
		g, err := partition.ParseGrid(*c.Grid)
		if err != nil {
			return err
		}
		if g.Rows < 1 || g.Cols < 1 {
			return fmt.Errorf("grid %q must have at least one row and column", *c.Grid)
		}
	}
	if c.Blocks != nil && *c.Blocks < 1 {
		return fmt.Errorf("blocks must be positive, got %d", *c.Blocks)
	}
	if c.Overlap != nil {
		o, err := partition.ParseOverlap(*c.Overlap)
		if err != nil {
			return err
		}
		if o.Fraction < 0 || o.Distance < 0 {
			return fmt.Errorf("overlap must be non-negative, got %q", *c.Overlap)
		}
	}
	if c.AspectTolerance != nil && *c.AspectTolerance < 1 {
		return fmt.Errorf("aspect_tolerance must be at least 1, got %f", *c.AspectTolerance)
	}
	if c.Concurrency != nil && *c.Concurrency < 0 {
		return fmt.Errorf("concurrency must be non-negative, got %d", *c.Concurrency)
	}
	if c.EvalConcurrency != nil && *c.EvalConcurrency < 0 {
		return fmt.Errorf("eval_concurrency must be non-negative, got %d", *c.EvalConcurrency)
	}
	if c.Retries != nil && *c.Retries < 0 {
		return fmt.Errorf("retries must be non-negative, got %d", *c.Retries)
	}
	for name, d := range map[string]*string{
		"retry_backoff": c.RetryBackoff,
		"job_timeout":   c.JobTimeout,
		"lease_ttl":     c.LeaseTTL,
		"eval_timeout":  c.EvalTimeout,
	} {
		if d == nil || *d == "" {
			continue
		}
		v, err := time.ParseDuration(*d)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *d, err)
		}
		if v < 0 {
			return fmt.Errorf("%s must be non-negative, got %s", name, *d)
		}
	}
	if c.MaxFailureRate != nil && (*c.MaxFailureRate < 0 || *c.MaxFailureRate > 1) {
		return fmt.Errorf("max_failure_rate must be between 0 and 1, got %f", *c.MaxFailureRate)
	}
	if c.MinCompletedFraction != nil && (*c.MinCompletedFraction < 0 || *c.MinCompletedFraction > 1) {
		return fmt.Errorf("min_completed_fraction must be between 0 and 1, got %f", *c.MinCompletedFraction)
	}
	if c.BlendCell != nil && *c.BlendCell <= 0 {
		return fmt.Errorf("blend_cell must be positive, got %f", *c.BlendCell)
	}
	if c.Strategy != nil {
		if _, ok := merge.DefaultRegistry().Get(*c.Strategy); !ok {
			return fmt.Errorf("unknown merge strategy %q (have %s)", *c.Strategy, strings.Join(merge.DefaultRegistry().Names(), ", "))
		}
	}
	switch c.GetBackend() {
	case BackendSim:
	case BackendExec:
		if c.Exec == nil {
			return fmt.Errorf("backend exec requires an exec section")
		}
	case BackendGRPC:
		if c.GRPC == nil || c.GRPC.Address == "" {
			return fmt.Errorf("backend grpc requires grpc.address")
		}
	default:
		return fmt.Errorf("unknown backend %q (want sim, exec or grpc)", c.GetBackend())
	}
	return nil
}

// GetScene returns the scene descriptor path.
func (c *RunConfig) GetScene() string {
	if c.Scene == nil {
		return ""
	}
	return *c.Scene
}

// GetViews returns the test-view descriptor path.
func (c *RunConfig) GetViews() string {
	if c.Views == nil {
		return ""
	}
	return *c.Views
}

// GetOut returns the run directory.
func (c *RunConfig) GetOut() string {
	if c.Out == nil || *c.Out == "" {
		return "run"
	}
	return *c.Out
}

// GetGrid returns the explicit grid, or the zero Grid when a block count
// is used.
func (c *RunConfig) GetGrid() partition.Grid {
	if c.Grid == nil || *c.Grid == "" {
		return partition.Grid{}
	}
	g, err := partition.ParseGrid(*c.Grid)
	if err != nil {
		return partition.Grid{}
	}
	return g
}

// GetBlocks returns the block count used when no grid is set.
func (c *RunConfig) GetBlocks() int {
	if c.Blocks == nil {
		return 4
	}
	return *c.Blocks
}

// GetOverlap returns the overlap margin.
func (c *RunConfig) GetOverlap() partition.Overlap {
	s := "5%"
	if c.Overlap != nil {
		s = *c.Overlap
	}
	o, err := partition.ParseOverlap(s)
	if err != nil {
		return partition.Overlap{Fraction: 0.05}
	}
	return o
}

// GetAspectTolerance returns the maximum cell elongation.
func (c *RunConfig) GetAspectTolerance() float64 {
	if c.AspectTolerance == nil {
		return partition.DefaultAspectTolerance
	}
	return *c.AspectTolerance
}

// GetConcurrency returns the training concurrency limit (0 = one per device).
func (c *RunConfig) GetConcurrency() int {
	if c.Concurrency == nil {
		return 0
	}
	return *c.Concurrency
}

// GetRetries returns the retry budget for transient failures.
func (c *RunConfig) GetRetries() int {
	if c.Retries == nil {
		return 3
	}
	return *c.Retries
}

// GetRetryBackoff returns the delay before the first retry.
func (c *RunConfig) GetRetryBackoff() time.Duration {
	return duration(c.RetryBackoff, time.Second)
}

// GetJobTimeout returns the per-invocation training timeout (0 = none).
func (c *RunConfig) GetJobTimeout() time.Duration {
	return duration(c.JobTimeout, 0)
}

// GetLeaseTTL returns how long a running lease survives without a
// heartbeat before another run may recover it.
func (c *RunConfig) GetLeaseTTL() time.Duration {
	return duration(c.LeaseTTL, scheduler.DefaultLeaseTTL)
}

// GetCoarse reports whether a coarse pass runs first.
func (c *RunConfig) GetCoarse() bool { return boolOr(c.Coarse, false) }

// GetSkipTrain reports whether training reuses stored models.
func (c *RunConfig) GetSkipTrain() bool { return boolOr(c.SkipTrain, false) }

// GetSkipMerge reports whether the merge reuses the latest global model.
func (c *RunConfig) GetSkipMerge() bool { return boolOr(c.SkipMerge, false) }

// GetSkipEval reports whether evaluation is skipped.
func (c *RunConfig) GetSkipEval() bool { return boolOr(c.SkipEval, false) }

// GetPartial reports whether a merge may proceed with missing blocks.
func (c *RunConfig) GetPartial() bool { return boolOr(c.Partial, false) }

// GetStrategy returns the merge strategy name.
func (c *RunConfig) GetStrategy() string {
	if c.Strategy == nil || *c.Strategy == "" {
		return merge.DefaultStrategy
	}
	return *c.Strategy
}

// GetBlendCell returns the blend bucket size.
func (c *RunConfig) GetBlendCell() float64 {
	if c.BlendCell == nil {
		return merge.DefaultBlendCell
	}
	return *c.BlendCell
}

// GetMinCompletedFraction returns the minimum completed share for a
// partial merge.
func (c *RunConfig) GetMinCompletedFraction() float64 {
	if c.MinCompletedFraction == nil {
		return 0
	}
	return *c.MinCompletedFraction
}

// GetEvalTimeout returns the per-invocation render and score timeout.
func (c *RunConfig) GetEvalTimeout() time.Duration {
	return duration(c.EvalTimeout, time.Minute)
}

// GetEvalConcurrency returns the number of views evaluated at once.
func (c *RunConfig) GetEvalConcurrency() int {
	if c.EvalConcurrency == nil || *c.EvalConcurrency == 0 {
		return 4
	}
	return *c.EvalConcurrency
}

// GetMaxFailureRate returns the share of views that may fail before the
// evaluation aborts.
func (c *RunConfig) GetMaxFailureRate() float64 {
	if c.MaxFailureRate == nil {
		return 0.2
	}
	return *c.MaxFailureRate
}

// GetBackend returns the capability backend name.
func (c *RunConfig) GetBackend() string {
	if c.Backend == nil || *c.Backend == "" {
		return BackendSim
	}
	return *c.Backend
}

// GetAdmin returns the admin listen address.
func (c *RunConfig) GetAdmin() string {
	if c.Admin == nil {
		return ""
	}
	return *c.Admin
}

func duration(s *string, def time.Duration) time.Duration {
	if s == nil || *s == "" {
		return def
	}
	d, err := time.ParseDuration(*s)
	if err != nil {
		return def
	}
	return d
}

func boolOr(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}
