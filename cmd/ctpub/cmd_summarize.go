package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var summarizeCmd = &cobra.Command{
	Use:   "summarize",
	Short: "Print record counts for trace and CFG files",
	Long: `Print per-stream summary statistics: instruction, function and
transmitter counts for a trace file; block, edge, path and coverage
counts for a CFG file. --check validates the structural invariants of
every path record.`,
	RunE: runSummarize,
}

var (
	sumTraceIn string
	sumIndexIn string
	sumCFGIn   string
	sumPaths   bool
	sumCheck   bool
)

func init() {
	f := summarizeCmd.Flags()
	f.StringVar(&sumTraceIn, "trace", "", "trace NDJSON file")
	f.StringVar(&sumIndexIn, "trace-index", "", "trace index NDJSON file")
	f.StringVar(&sumCFGIn, "cfg", "", "CFG/path NDJSON file")
	f.BoolVar(&sumPaths, "show-paths", false, "print every path's block sequence")
	f.BoolVar(&sumCheck, "check", false, "validate path structure")
	rootCmd.AddCommand(summarizeCmd)
}

func runSummarize(cmd *cobra.Command, args []string) error {
	if sumTraceIn == "" && sumCFGIn == "" {
		return errors.New("at least one of --trace or --cfg is required")
	}
	if sumTraceIn != "" {
		if err := summarizeTrace(sumTraceIn, sumIndexIn); err != nil {
			return err
		}
	}
	if sumCFGIn != "" {
		if err := summarizeCFG(sumCFGIn, sumPaths, sumCheck); err != nil {
			return err
		}
	}
	return nil
}

// countDesc orders counted keys by count descending, names ascending on
// ties.
func countDesc(counts map[string]int) []string {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if counts[keys[i]] != counts[keys[j]] {
			return counts[keys[i]] > counts[keys[j]]
		}
		return keys[i] < keys[j]
	})
	return keys
}

func summarizeTrace(tracePath, indexPath string) error {
	recs, err := readRecordFiles(tracePath)
	if err != nil {
		return err
	}

	fnSet := make(map[string]bool)
	opCounts := make(map[string]int)
	txCount := 0
	for _, in := range recs.Instructions {
		fnSet[in.Fn] = true
		opCounts[in.Op]++
		if in.Tx != nil {
			txCount++
		}
	}
	fns := make([]string, 0, len(fnSet))
	for fn := range fnSet {
		fns = append(fns, fn)
	}
	sort.Strings(fns)

	fmt.Printf("trace: %s\n", tracePath)
	fmt.Printf("  instructions: %d\n", len(recs.Instructions))
	fmt.Printf("  functions: %s\n", strings.Join(fns, ", "))
	fmt.Printf("  transmitters: %d\n", txCount)
	fmt.Println("  op counts:")
	for _, op := range countDesc(opCounts) {
		fmt.Printf("    %s: %d\n", op, opCounts[op])
	}

	if indexPath != "" {
		idx, err := readRecordFiles(indexPath)
		if err != nil {
			return err
		}
		byFn := make(map[string]int)
		for _, e := range idx.TraceIndex {
			byFn[e.Fn]++
		}
		fmt.Printf("  trace index entries: %d\n", len(idx.TraceIndex))
		for _, fn := range countDesc(byFn) {
			fmt.Printf("    %s: %d\n", fn, byFn[fn])
		}
	}
	return nil
}

func summarizeCFG(cfgPath string, showPaths, check bool) error {
	recs, err := readRecordFiles(cfgPath)
	if err != nil {
		return err
	}

	fnSet := make(map[string]bool)
	for _, b := range recs.Blocks {
		fnSet[b.Fn] = true
	}
	for _, e := range recs.Edges {
		fnSet[e.Fn] = true
	}
	fns := make([]string, 0, len(fnSet))
	for fn := range fnSet {
		fns = append(fns, fn)
	}
	sort.Strings(fns)

	fmt.Printf("cfg: %s\n", cfgPath)
	fmt.Printf("  functions: %s\n", strings.Join(fns, ", "))
	fmt.Printf("  blocks: %d\n", len(recs.Blocks))
	fmt.Printf("  edges: %d\n", len(recs.Edges))
	fmt.Printf("  paths: %d\n", len(recs.Paths))
	fmt.Printf("  pp coverage: %d\n", len(recs.Coverage))

	if len(recs.PathSummaries) > 0 {
		fmt.Println("  path summaries:")
		for _, s := range recs.PathSummaries {
			fmt.Printf("    %s: emitted=%d truncated=%v cutoff_depth=%v cutoff_loop=%v dfs_calls=%d dfs_leaves=%d\n",
				s.Fn, s.PathsEmitted, s.Truncated, s.CutoffDepth, s.CutoffLoop, s.DFSCalls, s.DFSLeaves)
		}
	}

	if showPaths {
		for _, p := range recs.Paths {
			fmt.Printf("  path %s: %s\n", p.Fn, strings.Join(p.BBs, " -> "))
			if len(p.PathCond) > 0 {
				fmt.Printf("    cond: %s\n", strings.Join(p.PathCond, " && "))
			}
		}
	}

	if check {
		bad := 0
		for _, p := range recs.Paths {
			if err := p.Validate(); err != nil {
				fmt.Printf("  invalid path: %v\n", err)
				bad++
			}
		}
		if bad > 0 {
			return errors.Errorf("%d of %d paths failed validation", bad, len(recs.Paths))
		}
		fmt.Printf("  paths ok: %d checked\n", len(recs.Paths))
	}
	return nil
}
