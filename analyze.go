package ctpub

import (
	"context"
	"sort"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/RovayL/ct-publicness/aggregate"
	"github.com/RovayL/ct-publicness/cfg"
	"github.com/RovayL/ct-publicness/log"
	"github.com/RovayL/ct-publicness/model"
	"github.com/RovayL/ct-publicness/paths"
	"github.com/RovayL/ct-publicness/solver"
	"github.com/RovayL/ct-publicness/verify"
)

// Sinks are the record streams one analysis writes. A nil writer
// disables its stream. Writers may be shared across functions; records
// interleave whole, never partially.
type Sinks struct {
	// Paths receives path, pp_coverage and path_summary records.
	Paths *model.Writer
	// Results receives path_publicness, path_analysis_summary and
	// function_analysis_summary records.
	Results *model.Writer
	// Points receives public_at_point records.
	Points *model.Writer
}

// FunctionReport carries one function's in-memory results.
type FunctionReport struct {
	Fn         string
	Enumerated *paths.Result
	Publicness []*model.PathPublicness
	Summary    *model.FunctionAnalysisSummary
	Points     []*model.PublicAtPoint

	// Err is set when this function's analysis failed. The other
	// fields are then incomplete.
	Err error
}

// AnalyzeFunction enumerates the paths of one function graph, verifies
// each path, folds the per-path summaries and aggregates per-point
// verdicts. Records are written to the sinks in deterministic order:
// paths first, then per-path results in path order, then points in
// transmitter order.
func AnalyzeFunction(ctx context.Context, g *cfg.Graph, conf *Config, backend solver.Backend, sinks *Sinks) (*FunctionReport, error) {
	if sinks == nil {
		sinks = &Sinks{}
	}
	policy, err := conf.MissingPolicy()
	if err != nil {
		return nil, err
	}

	res, err := paths.Enumerate(g, conf.PathOptions())
	if err != nil {
		return nil, errors.Wrapf(err, "failed to enumerate paths of %s", g.Fn)
	}
	if err := writePathRecords(sinks.Paths, res); err != nil {
		return nil, err
	}
	log.Debug.Printf("enumerated %d paths of %s", len(res.Paths), g.Fn)

	rep, err := VerifyPaths(ctx, g, res.Paths, conf, backend, sinks.Results)
	if err != nil {
		return nil, err
	}
	rep.Enumerated = res

	var txPPs []string
	for _, in := range g.TxPoints() {
		txPPs = append(txPPs, in.PP)
	}
	rep.Points = aggregate.PublicAtPoints(g.Fn, res.Coverage, res.Paths, rep.Publicness, txPPs, policy)
	if w := sinks.Points; w != nil {
		for _, pt := range rep.Points {
			if err := w.WritePublicAtPoint(pt); err != nil {
				return nil, err
			}
		}
	}
	return rep, nil
}

// VerifyPaths runs dual execution over already-enumerated paths of one
// function. Per-path work fans out over a bounded group sharing the
// verifier's query cache; records are written after the whole function
// settles, in path order.
func VerifyPaths(ctx context.Context, g *cfg.Graph, ps []*model.Path, conf *Config, backend solver.Backend, results *model.Writer) (*FunctionReport, error) {
	v := verify.New(g, backend, conf.VerifyOptions(g.Fn))
	prs := make([]*verify.PathResult, len(ps))
	wg, wctx := errgroup.WithContext(ctx)
	if n := conf.Verify.Concurrency; n > 0 {
		wg.SetLimit(n)
	}
	for i, p := range ps {
		i, p := i, p
		wg.Go(func() error {
			r, err := v.Path(wctx, p)
			if err != nil {
				return errors.Wrapf(err, "failed to verify path %d of %s", p.PathID, g.Fn)
			}
			prs[i] = r
			return nil
		})
	}
	if err := wg.Wait(); err != nil {
		return nil, err
	}

	rep := &FunctionReport{Fn: g.Fn}
	sums := make([]*model.PathAnalysisSummary, 0, len(prs))
	for _, r := range prs {
		rep.Publicness = append(rep.Publicness, r.Publicness...)
		sums = append(sums, r.Summary)
	}
	rep.Summary = verify.Function(g.Fn, sums)

	if w := results; w != nil {
		for _, r := range prs {
			for _, p := range r.Publicness {
				if err := w.WritePathPublicness(p); err != nil {
					return nil, err
				}
			}
			if err := w.WritePathAnalysis(r.Summary); err != nil {
				return nil, err
			}
		}
		if err := w.WriteFunctionAnalysis(rep.Summary); err != nil {
			return nil, err
		}
	}
	return rep, nil
}

func writePathRecords(w *model.Writer, res *paths.Result) error {
	if w == nil {
		return nil
	}
	return res.WriteTo(w)
}

// Runner fans per-function analysis out over a bounded worker group.
// Workers share the backend and its query cache.
type Runner struct {
	Config  *Config
	Backend solver.Backend
	Sinks   *Sinks
}

// Run analyzes every graph. Reports keep input order. A failing
// function is reported through its FunctionReport.Err and logged; the
// remaining functions still run. Only context cancellation aborts the
// whole batch.
func (r *Runner) Run(ctx context.Context, graphs []*cfg.Graph) ([]*FunctionReport, error) {
	eg, ctx := errgroup.WithContext(ctx)
	if n := r.Config.Verify.Concurrency; n > 0 {
		eg.SetLimit(n)
	}
	reports := make([]*FunctionReport, len(graphs))
	for i, g := range graphs {
		i, g := i, g
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			rep, err := AnalyzeFunction(ctx, g, r.Config, r.Backend, r.Sinks)
			if err != nil {
				if ctx.Err() != nil {
					return err
				}
				log.Error.Printf("analysis of %s failed: %v", g.Fn, err)
				reports[i] = &FunctionReport{Fn: g.Fn, Err: err}
				return nil
			}
			reports[i] = rep
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return reports, err
	}
	return reports, nil
}

// NewRunSummary folds wall-clock samples of repeated runs into a
// run_summary record. elapsed_ms is the median sample; the spread
// fields are filled only when more than one sample was taken.
func NewRunSummary(source string, conf *Config, samples []time.Duration) *model.RunSummary {
	rs := &model.RunSummary{
		Source:       source,
		ElapsedRuns:  len(samples),
		MaxPaths:     conf.Budgets.MaxPaths,
		MaxPathDepth: conf.Budgets.MaxPathDepth,
		MaxLoopIters: conf.Budgets.MaxLoopIters,
		MaxInst:      conf.Budgets.MaxInst,
	}
	if len(samples) == 0 {
		return rs
	}
	ms := make([]float64, len(samples))
	for i, d := range samples {
		ms[i] = float64(d) / float64(time.Millisecond)
	}
	sort.Float64s(ms)
	rs.ElapsedMs = median(ms)
	if len(ms) > 1 {
		rs.ElapsedMsMin = ms[0]
		rs.ElapsedMsMax = ms[len(ms)-1]
		rs.ElapsedMsMedian = median(ms)
		rs.ElapsedMsMean = mean(ms)
	}
	return rs
}

func median(sorted []float64) float64 {
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

func mean(xs []float64) float64 {
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}
