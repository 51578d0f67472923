// Command ctpub analyzes the publicness of values in Go functions under
// the constant-time threat model. It traces functions to NDJSON records,
// enumerates bounded control-flow paths, verifies transmitter operands
// by dual symbolic execution, and aggregates per-path verdicts into
// public-at-point facts.
//
// Usage:
//
//	ctpub trace ./pkg --trace t.ndjson --trace-index ti.ndjson --cfg c.ndjson
//	ctpub enumerate --cfg c.ndjson --out paths.ndjson
//	ctpub verify --trace t.ndjson --cfg c.ndjson --out results.ndjson
//	ctpub aggregate --cfg c.ndjson --results results.ndjson
//	ctpub run ./pkg --out-dir build/traces
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	ctpub "github.com/RovayL/ct-publicness"
	"github.com/RovayL/ct-publicness/log"
)

var rootCmd = &cobra.Command{
	Use:           "ctpub",
	Short:         "Constant-time publicness analysis for Go functions",
	Long: `ctpub traces Go functions into NDJSON instruction and CFG records,
enumerates bounded control-flow paths, verifies transmitter operands by
dual symbolic execution, and aggregates the results into per-point
publicness facts.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setup(cmd)
	},
}

var (
	cfgFile string
	quiet   bool
	verbose bool

	// conf is the effective configuration for the running subcommand:
	// defaults, then the config file, then changed flags.
	conf *ctpub.Config

	flagMaxPaths     int
	flagMaxPathDepth int
	flagMaxLoopIters int
	flagMaxInst      int

	flagCondFormat   string
	flagPPSeq        bool
	flagPPCoverage   bool
	flagMaxPPPathIDs int
	flagTraceTypes   bool

	flagBackend        string
	flagTimeout        time.Duration
	flagMaxAssignments int

	flagConcurrency   int
	flagMissingPolicy string
	flagSecrets       []string
)

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "YAML config file")
	pf.BoolVarP(&quiet, "quiet", "q", false, "only log errors")
	pf.BoolVarP(&verbose, "verbose", "v", false, "log per-path and per-query detail")
}

// addBudgetFlags registers the enumeration and trace budgets on cmd.
func addBudgetFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.IntVar(&flagMaxPaths, "max-paths", 200, "path budget per function (0 disables enumeration)")
	f.IntVar(&flagMaxPathDepth, "max-path-depth", 256, "maximum blocks per path")
	f.IntVar(&flagMaxLoopIters, "max-loop-iters", 0, "extra visits allowed per block")
	f.IntVar(&flagMaxInst, "max-inst", 0, "trace instruction budget (0 = unlimited)")
}

// addEmitFlags registers the record emission toggles on cmd.
func addEmitFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&flagCondFormat, "path-cond-format", "string", "path condition format: string|json|both")
	f.BoolVar(&flagPPSeq, "pp-seq", false, "emit per-path program point sequences")
	f.BoolVar(&flagPPCoverage, "pp-coverage", true, "emit pp_coverage records")
	f.IntVar(&flagMaxPPPathIDs, "max-pp-path-ids", 64, "path ids kept per pp_coverage record")
	f.BoolVar(&flagTraceTypes, "trace-types", true, "emit def/use types on trace records")
}

// addSolverFlags registers the solver backend selection on cmd.
func addSolverFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&flagBackend, "backend", "go", "solver backend: go|z3")
	f.DurationVar(&flagTimeout, "timeout", 200*time.Millisecond, "per-query solver timeout")
	f.IntVar(&flagMaxAssignments, "max-assignments", 64, "witness search budget of the go backend")
}

// addVerifyFlags registers verification parallelism and secrets on cmd.
func addVerifyFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.IntVar(&flagConcurrency, "concurrency", 4, "parallel workers")
	f.StringVar(&flagMissingPolicy, "missing", "unknown", "policy for unverified covering paths: unknown|public|secret")
	f.StringArrayVar(&flagSecrets, "secret", nil, "secret inputs of a function, fn=id[,id...] (repeatable)")
}

// setup builds the effective config for the running subcommand.
func setup(cmd *cobra.Command) error {
	var err error
	if cfgFile != "" {
		conf, err = ctpub.LoadConfig(cfgFile)
		if err != nil {
			return err
		}
	} else {
		conf = ctpub.DefaultConfig()
	}

	f := cmd.Flags()
	if f.Changed("max-paths") {
		conf.Budgets.MaxPaths = flagMaxPaths
	}
	if f.Changed("max-path-depth") {
		conf.Budgets.MaxPathDepth = flagMaxPathDepth
	}
	if f.Changed("max-loop-iters") {
		conf.Budgets.MaxLoopIters = flagMaxLoopIters
	}
	if f.Changed("max-inst") {
		conf.Budgets.MaxInst = flagMaxInst
	}
	if f.Changed("path-cond-format") {
		conf.Emit.PathCondFormat = flagCondFormat
	}
	if f.Changed("pp-seq") {
		conf.Emit.PPSeq = flagPPSeq
	}
	if f.Changed("pp-coverage") {
		conf.Emit.PPCoverage = flagPPCoverage
	}
	if f.Changed("max-pp-path-ids") {
		conf.Emit.MaxPPPathIDs = flagMaxPPPathIDs
	}
	if f.Changed("trace-types") {
		conf.Emit.TraceTypes = flagTraceTypes
	}
	if f.Changed("backend") {
		conf.Solver.Backend = flagBackend
	}
	if f.Changed("timeout") {
		conf.Solver.Timeout = ctpub.Duration(flagTimeout)
	}
	if f.Changed("max-assignments") {
		conf.Solver.MaxAssignments = flagMaxAssignments
	}
	if f.Changed("concurrency") {
		conf.Verify.Concurrency = flagConcurrency
	}
	if f.Changed("missing") {
		conf.Verify.MissingPolicy = flagMissingPolicy
	}
	if f.Changed("secret") {
		if err := applySecretFlags(conf, flagSecrets); err != nil {
			return err
		}
	}

	switch {
	case quiet:
		log.SetLevelByName("error")
	case verbose:
		log.SetLevelByName("debug")
	default:
		log.SetLevelByName(conf.Log.Level)
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ctpub: %v\n", err)
		os.Exit(1)
	}
}
