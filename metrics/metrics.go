// Package metrics exports per-function CSV tables from analysis record
// streams: a single-source metrics table joining trace facts with
// enumeration statistics, and a multi-source benchmark table that also
// folds in timing and solver statistics.
package metrics

import (
	"encoding/csv"
	"io"
	"sort"
	"strconv"

	"github.com/pkg/errors"

	"github.com/RovayL/ct-publicness/model"
)

// functionColumns is the header of the per-function metrics table.
var functionColumns = []string{
	"fn",
	"inst_count",
	"bb_count",
	"tx_count",
	"trace_emitted",
	"trace_truncated",
	"trace_max_inst",
	"paths_emitted",
	"truncated",
	"max_paths",
	"max_depth",
	"max_loop_iters",
	"cutoff_depth",
	"cutoff_loop",
	"const_pruned_br",
	"const_pruned_switch",
	"const_pruned_indirect",
	"dfs_calls",
	"dfs_leaves",
	"dfs_prune_max_paths",
	"dfs_prune_max_depth",
	"dfs_prune_loop",
}

// benchColumns is the header of the benchmark table. It prepends the
// source column and the timing/solver statistics to the metrics
// columns.
var benchColumns = []string{
	"source",
	"fn",
	"elapsed_ms",
	"elapsed_ms_min",
	"elapsed_ms_max",
	"elapsed_ms_median",
	"elapsed_ms_mean",
	"elapsed_runs",
	"paths_analyzed",
	"symex_inst_count",
	"symex_def_count",
	"query_count",
	"sat_count",
	"unsat_count",
	"unknown_count",
	"solver_time_ms",
	"cache_hits",
	"cache_misses",
	"cache_hit_rate",
	"inst_count",
	"bb_count",
	"tx_count",
	"trace_emitted",
	"trace_truncated",
	"trace_max_inst",
	"paths_emitted",
	"truncated",
	"max_paths",
	"max_depth",
	"max_loop_iters",
	"cutoff_depth",
	"cutoff_loop",
	"const_pruned_br",
	"const_pruned_switch",
	"const_pruned_indirect",
	"dfs_calls",
	"dfs_leaves",
	"dfs_prune_max_paths",
	"dfs_prune_max_depth",
	"dfs_prune_loop",
}

// cells holds one row keyed by column name. Columns with no value
// render as empty fields, so rows missing one side of a join stay
// aligned with the header.
type cells map[string]string

func (c cells) row(cols []string) []string {
	out := make([]string, len(cols))
	for i, col := range cols {
		out[i] = c[col]
	}
	return out
}

func itoa(v int) string     { return strconv.Itoa(v) }
func btoa(v bool) string    { return strconv.FormatBool(v) }
func ftoa(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }

func enumCells(c cells, s *model.PathSummary) {
	c["paths_emitted"] = itoa(s.PathsEmitted)
	c["truncated"] = btoa(s.Truncated)
	c["max_paths"] = itoa(s.MaxPaths)
	c["max_depth"] = itoa(s.MaxDepth)
	c["max_loop_iters"] = itoa(s.MaxLoopIters)
	c["cutoff_depth"] = btoa(s.CutoffDepth)
	c["cutoff_loop"] = btoa(s.CutoffLoop)
	c["const_pruned_br"] = itoa(s.ConstPrunedBr)
	c["const_pruned_switch"] = itoa(s.ConstPrunedSwitch)
	c["const_pruned_indirect"] = itoa(s.ConstPrunedIndir)
	c["dfs_calls"] = itoa(s.DFSCalls)
	c["dfs_leaves"] = itoa(s.DFSLeaves)
	c["dfs_prune_max_paths"] = itoa(s.DFSPruneMaxPaths)
	c["dfs_prune_max_depth"] = itoa(s.DFSPruneMaxDepth)
	c["dfs_prune_loop"] = itoa(s.DFSPruneLoop)
}

func traceCells(c cells, f *model.FuncSummary) {
	c["inst_count"] = itoa(f.InstCount)
	c["bb_count"] = itoa(f.BBCount)
	c["tx_count"] = itoa(f.TxCount)
	c["trace_emitted"] = itoa(f.TraceEmitted)
	c["trace_truncated"] = btoa(f.TraceTruncated)
	c["trace_max_inst"] = itoa(f.TraceMaxInst)
}

func runCells(c cells, r *model.RunSummary) {
	c["elapsed_ms"] = ftoa(r.ElapsedMs)
	if r.ElapsedRuns > 1 {
		c["elapsed_ms_min"] = ftoa(r.ElapsedMsMin)
		c["elapsed_ms_max"] = ftoa(r.ElapsedMsMax)
		c["elapsed_ms_median"] = ftoa(r.ElapsedMsMedian)
		c["elapsed_ms_mean"] = ftoa(r.ElapsedMsMean)
	}
	c["elapsed_runs"] = itoa(r.ElapsedRuns)
}

func analysisCells(c cells, a *model.FunctionAnalysisSummary) {
	c["paths_analyzed"] = itoa(a.PathsAnalyzed)
	c["symex_inst_count"] = itoa(a.InstCount)
	c["symex_def_count"] = itoa(a.DefCount)
	c["query_count"] = itoa(a.QueryCount)
	c["sat_count"] = itoa(a.SatCount)
	c["unsat_count"] = itoa(a.UnsatCount)
	c["unknown_count"] = itoa(a.UnknownCount)
	c["solver_time_ms"] = ftoa(a.SolverTimeMS)
	c["cache_hits"] = itoa(a.CacheHits)
	c["cache_misses"] = itoa(a.CacheMisses)
	rate := 0.0
	if total := a.CacheHits + a.CacheMisses; total > 0 {
		rate = float64(a.CacheHits) / float64(total)
	}
	c["cache_hit_rate"] = ftoa(rate)
}

// joinByFn joins path summaries with func summaries by function name.
// A later record for the same function overwrites its side of the row.
func joinByFn(recs *model.Records) map[string]cells {
	byFn := make(map[string]cells)
	rowFor := func(fn string) cells {
		c, ok := byFn[fn]
		if !ok {
			c = cells{"fn": fn}
			byFn[fn] = c
		}
		return c
	}
	for _, s := range recs.PathSummaries {
		enumCells(rowFor(s.Fn), s)
	}
	for _, f := range recs.FuncSummaries {
		traceCells(rowFor(f.Fn), f)
	}
	return byFn
}

func sortedFns(byFn map[string]cells) []string {
	fns := make([]string, 0, len(byFn))
	for fn := range byFn {
		fns = append(fns, fn)
	}
	sort.Strings(fns)
	return fns
}

// WriteFunctionMetrics writes the per-function metrics table for one
// record stream, one row per function sorted by name.
func WriteFunctionMetrics(w io.Writer, recs *model.Records) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(functionColumns); err != nil {
		return errors.Wrap(err, "failed to write metrics header")
	}
	byFn := joinByFn(recs)
	for _, fn := range sortedFns(byFn) {
		if err := cw.Write(byFn[fn].row(functionColumns)); err != nil {
			return errors.Wrapf(err, "failed to write metrics row for %s", fn)
		}
	}
	cw.Flush()
	return errors.Wrap(cw.Error(), "failed to flush metrics")
}

// Source bundles the record streams backing one source's rows in the
// benchmark table: the enumeration stream plus optional run and
// analysis summaries.
type Source struct {
	Name     string
	CFG      *model.Records
	Run      *model.RunSummary
	Analysis *model.Records
}

// AnalysisByFn indexes solver statistics by function. Function-level
// summaries win; when a stream carries only per-path summaries they
// are accumulated instead.
func AnalysisByFn(recs *model.Records) map[string]*model.FunctionAnalysisSummary {
	byFn := make(map[string]*model.FunctionAnalysisSummary)
	if recs == nil {
		return byFn
	}
	for _, s := range recs.FuncAnalysis {
		if s.Fn == "" {
			continue
		}
		byFn[s.Fn] = s
	}
	if len(byFn) > 0 {
		return byFn
	}
	for _, p := range recs.PathAnalysis {
		if p.Fn == "" {
			continue
		}
		s, ok := byFn[p.Fn]
		if !ok {
			s = &model.FunctionAnalysisSummary{Fn: p.Fn}
			byFn[p.Fn] = s
		}
		s.Add(*p)
	}
	return byFn
}

// WriteBench writes the combined benchmark table: per-function rows for
// every source in order, functions sorted by name within a source.
func WriteBench(w io.Writer, sources []*Source) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(benchColumns); err != nil {
		return errors.Wrap(err, "failed to write bench header")
	}
	for _, src := range sources {
		byFn := joinByFn(src.CFG)
		analysis := AnalysisByFn(src.Analysis)
		for _, fn := range sortedFns(byFn) {
			c := byFn[fn]
			c["source"] = src.Name
			if src.Run != nil {
				runCells(c, src.Run)
			}
			if a := analysis[fn]; a != nil {
				analysisCells(c, a)
			}
			if err := cw.Write(c.row(benchColumns)); err != nil {
				return errors.Wrapf(err, "failed to write bench row for %s/%s", src.Name, fn)
			}
		}
	}
	cw.Flush()
	return errors.Wrap(cw.Error(), "failed to flush bench table")
}
