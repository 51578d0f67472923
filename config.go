// Package ctpub wires the analysis pipeline together: configuration,
// the per-function enumerate/verify/aggregate sequence, and a parallel
// runner that fans independent functions out over a worker group.
package ctpub

import (
	"bytes"
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/RovayL/ct-publicness/aggregate"
	"github.com/RovayL/ct-publicness/paths"
	"github.com/RovayL/ct-publicness/solver"
	"github.com/RovayL/ct-publicness/verify"
)

// Config carries every knob of the pipeline. Start from DefaultConfig;
// the zero value disables enumeration outright.
type Config struct {
	Budgets BudgetConfig        `yaml:"budgets"`
	Emit    EmitConfig          `yaml:"emit"`
	Solver  SolverConfig        `yaml:"solver"`
	Verify  VerifyConfig        `yaml:"verify"`
	Secrets map[string][]string `yaml:"secrets"`
	Log     LogConfig           `yaml:"log"`

	// Stub selects the verifier's stub mode. CLI-only, never read from
	// a file.
	Stub bool `yaml:"-"`
}

// BudgetConfig bounds enumeration and tracing.
type BudgetConfig struct {
	MaxPaths     int `yaml:"max_paths"`
	MaxPathDepth int `yaml:"max_path_depth"`
	MaxLoopIters int `yaml:"max_loop_iters"`
	MaxInst      int `yaml:"max_inst"`
}

// EmitConfig selects what the producer and enumerator write.
type EmitConfig struct {
	PathCondFormat string `yaml:"path_cond_format"`
	PPSeq          bool   `yaml:"pp_seq"`
	PPCoverage     bool   `yaml:"pp_coverage"`
	MaxPPPathIDs   int    `yaml:"max_pp_path_ids"`
	TraceTypes     bool   `yaml:"trace_types"`
}

// SolverConfig selects and bounds the solver backend.
type SolverConfig struct {
	Backend        string   `yaml:"backend"`
	Timeout        Duration `yaml:"timeout"`
	MaxAssignments int      `yaml:"max_assignments"`
}

// VerifyConfig bounds verification parallelism and selects the
// aggregation policy for unverified covering paths.
type VerifyConfig struct {
	Concurrency   int    `yaml:"concurrency"`
	MissingPolicy string `yaml:"missing_policy"`
}

// LogConfig selects the log level by name.
type LogConfig struct {
	Level string `yaml:"level"`
}

// Duration accepts Go duration strings in YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return errors.Wrapf(err, "invalid duration %q", s)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// DefaultConfig returns the standard budgets and toggles.
func DefaultConfig() *Config {
	return &Config{
		Budgets: BudgetConfig{
			MaxPaths:     200,
			MaxPathDepth: 256,
			MaxLoopIters: 0,
			MaxInst:      0,
		},
		Emit: EmitConfig{
			PathCondFormat: paths.CondString,
			PPSeq:          false,
			PPCoverage:     true,
			MaxPPPathIDs:   64,
			TraceTypes:     true,
		},
		Solver: SolverConfig{
			Backend:        "go",
			Timeout:        Duration(200 * time.Millisecond),
			MaxAssignments: 64,
		},
		Verify: VerifyConfig{
			Concurrency:   4,
			MissingPolicy: string(aggregate.PolicyUnknown),
		},
		Log: LogConfig{Level: "info"},
	}
}

// LoadConfig reads a YAML file over the defaults. Unknown keys are
// rejected; an empty file keeps the defaults.
func LoadConfig(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config")
	}
	c := DefaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && err != io.EOF {
		return nil, errors.Wrapf(err, "failed to parse config %s", path)
	}
	return c, nil
}

// PathOptions translates the budgets and emit toggles for the
// enumerator.
func (c *Config) PathOptions() paths.Options {
	return paths.Options{
		MaxPaths:     c.Budgets.MaxPaths,
		MaxDepth:     c.Budgets.MaxPathDepth,
		MaxLoopIters: c.Budgets.MaxLoopIters,
		EmitPPSeq:    c.Emit.PPSeq,
		EmitCoverage: c.Emit.PPCoverage,
		MaxPPPathIDs: c.Emit.MaxPPPathIDs,
		CondFormat:   c.Emit.PathCondFormat,
	}
}

// VerifyOptions builds the verifier options for one function,
// including its configured secret set.
func (c *Config) VerifyOptions(fn string) verify.Options {
	return verify.Options{
		Secrets: c.Secrets[fn],
		Timeout: time.Duration(c.Solver.Timeout),
		Stub:    c.Stub,
	}
}

// MissingPolicy parses the configured aggregation policy.
func (c *Config) MissingPolicy() (aggregate.Policy, error) {
	return aggregate.ParsePolicy(c.Verify.MissingPolicy)
}

// NewBackend builds the configured solver backend. The caller owns the
// returned backend and closes it.
func (c *Config) NewBackend() (solver.Backend, error) {
	switch c.Solver.Backend {
	case "", "go":
		s := solver.NewGoSolver()
		if c.Solver.MaxAssignments > 0 {
			s.MaxAssignments = c.Solver.MaxAssignments
		}
		return s, nil
	case "z3":
		return solver.NewZ3Backend()
	}
	return nil, errors.Errorf("unknown solver backend %q", c.Solver.Backend)
}
