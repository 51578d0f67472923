package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/tools/go/ssa"

	ctpub "github.com/RovayL/ct-publicness"
	"github.com/RovayL/ct-publicness/cfg"
	"github.com/RovayL/ct-publicness/log"
	"github.com/RovayL/ct-publicness/model"
	"github.com/RovayL/ct-publicness/solver"
	"github.com/RovayL/ct-publicness/ssafront"
)

var runCmd = &cobra.Command{
	Use:   "run [packages]",
	Short: "Run the full pipeline: trace, enumerate, verify, aggregate",
	Long: `Trace the given packages and push every function through path
enumeration, dual-execution verification and public-at-point
aggregation, functions in parallel. Outputs land in --out-dir under a
shared base name:

  <base>.trace.ndjson         instruction records
  <base>.trace_index.ndjson   trace index
  <base>.cfg.ndjson           blocks, edges, paths, summaries
  <base>.path_public.ndjson   per-path verdicts and analysis summaries
  <base>.public_at_point.ndjson aggregated verdicts
  <base>.run_summary.ndjson   wall-clock timing and budgets

With --runs N the pipeline is repeated and the run summary carries
min/max/median/mean over the samples; files hold the last run.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

var (
	runOutDir string
	runName   string
	runFuncs  []string
	runRuns   int
)

func init() {
	f := runCmd.Flags()
	f.StringVar(&runOutDir, "out-dir", "", "output directory (required)")
	f.StringVar(&runName, "name", "", "base name for output files (default: derived from the first package)")
	f.StringSliceVar(&runFuncs, "func", nil, "analyze only these functions")
	f.IntVar(&runRuns, "runs", 1, "number of timed repetitions")
	runCmd.MarkFlagRequired("out-dir")
	addBudgetFlags(runCmd)
	addEmitFlags(runCmd)
	addSolverFlags(runCmd)
	addVerifyFlags(runCmd)
	rootCmd.AddCommand(runCmd)
}

// baseName derives the shared output base from the first package
// pattern: "./internal/crypto" becomes "crypto", "x.go" becomes "x".
func baseName(pattern string) string {
	b := strings.TrimSuffix(pattern, "/...")
	b = strings.TrimSuffix(filepath.Base(b), ".go")
	if b == "" || b == "." || b == "..." {
		return "run"
	}
	return b
}

type runStreams struct {
	trace, index, cfgRecs, results, points bytes.Buffer
}

func runRun(cmd *cobra.Command, args []string) error {
	_, pkgs, err := ssafront.Load(args...)
	if err != nil {
		return err
	}
	fns := ssafront.Functions(pkgs, runFuncs)
	if len(fns) == 0 {
		return errors.New("no functions to analyze")
	}

	backend, err := conf.NewBackend()
	if err != nil {
		return err
	}
	defer backend.Close()

	base := runName
	if base == "" {
		base = baseName(args[0])
	}
	if err := os.MkdirAll(runOutDir, 0o755); err != nil {
		return errors.Wrap(err, "failed to create output directory")
	}

	runs := runRuns
	if runs < 1 {
		runs = 1
	}
	var streams *runStreams
	samples := make([]time.Duration, 0, runs)
	for i := 0; i < runs; i++ {
		streams = &runStreams{}
		start := time.Now()
		if err := runOnce(cmd.Context(), fns, backend, streams); err != nil {
			return err
		}
		samples = append(samples, time.Since(start))
		log.Info.Printf("run %d/%d: %s", i+1, runs, samples[i])
	}

	files := []struct {
		suffix string
		data   *bytes.Buffer
	}{
		{".trace.ndjson", &streams.trace},
		{".trace_index.ndjson", &streams.index},
		{".cfg.ndjson", &streams.cfgRecs},
		{".path_public.ndjson", &streams.results},
		{".public_at_point.ndjson", &streams.points},
	}
	for _, f := range files {
		path := filepath.Join(runOutDir, base+f.suffix)
		if err := os.WriteFile(path, f.data.Bytes(), 0o644); err != nil {
			return errors.Wrap(err, "failed to write output")
		}
	}

	summary, err := openSink(filepath.Join(runOutDir, base+".run_summary.ndjson"))
	if err != nil {
		return err
	}
	defer summary.Close()
	if err := summary.W.WriteRunSummary(ctpub.NewRunSummary(base, conf, samples)); err != nil {
		return err
	}
	return summary.Close()
}

// runOnce executes one timed pipeline pass into in-memory streams.
func runOnce(ctx context.Context, fns []*ssa.Function, backend solver.Backend, streams *runStreams) error {
	traceW := model.NewWriter(&streams.trace)
	indexW := model.NewWriter(&streams.index)
	cfgW := model.NewWriter(&streams.cfgRecs)

	em := &ssafront.Emitter{
		Trace:      traceW,
		TraceIndex: indexW,
		CFG:        cfgW,
		MaxInst:    conf.Budgets.MaxInst,
		TraceTypes: conf.Emit.TraceTypes,
	}
	if err := em.Emit(fns); err != nil {
		return err
	}
	for _, w := range []*model.Writer{traceW, indexW, cfgW} {
		if err := w.Flush(); err != nil {
			return err
		}
	}

	recs, err := model.ReadRecords(bytes.NewReader(streams.cfgRecs.Bytes()))
	if err != nil {
		return err
	}
	graphs, err := cfg.BuildAll(recs)
	if err != nil {
		return err
	}

	resultsW := model.NewWriter(&streams.results)
	pointsW := model.NewWriter(&streams.points)
	runner := &ctpub.Runner{
		Config:  conf,
		Backend: backend,
		Sinks: &ctpub.Sinks{
			Paths:   cfgW,
			Results: resultsW,
			Points:  pointsW,
		},
	}
	reports, err := runner.Run(ctx, graphs)
	if err != nil {
		return err
	}
	for _, rep := range reports {
		if rep.Err != nil {
			continue
		}
		var pub, sec, unk int
		for _, pt := range rep.Points {
			switch pt.Public {
			case model.VerdictTrue:
				pub++
			case model.VerdictFalse:
				sec++
			default:
				unk++
			}
		}
		log.Info.Printf("run: %s: %d paths, points public=%d secret=%d unknown=%d",
			rep.Fn, len(rep.Enumerated.Paths), pub, sec, unk)
	}

	for _, w := range []*model.Writer{cfgW, resultsW, pointsW} {
		if err := w.Flush(); err != nil {
			return err
		}
	}
	return nil
}
