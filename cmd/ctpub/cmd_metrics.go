package main

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/RovayL/ct-publicness/log"
	"github.com/RovayL/ct-publicness/metrics"
)

var metricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Write per-function metrics as CSV",
	Long: `Join path_summary and func_summary records per function into one CSV
row each, sorted by function name.`,
	RunE: runMetrics,
}

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Combine metrics across runs into one CSV",
	Long: `Collect per-function metrics from many CFG files into one CSV with a
leading source column. Run summaries (<base>.run_summary.ndjson next to
each <base>.cfg.ndjson) contribute timing columns; analysis files
(--analysis, or <base>.path_public.ndjson when present) contribute
solver statistics. Missing cells stay empty.`,
	RunE: runBench,
}

var (
	metricsCFGIn string
	metricsOut   string

	benchCFGs     []string
	benchAnalysis []string
	benchOut      string
)

func init() {
	f := metricsCmd.Flags()
	f.StringVar(&metricsCFGIn, "cfg", "", "CFG/path records (required)")
	f.StringVar(&metricsOut, "out", "-", "output CSV file")
	metricsCmd.MarkFlagRequired("cfg")
	rootCmd.AddCommand(metricsCmd)

	bf := benchCmd.Flags()
	bf.StringArrayVar(&benchCFGs, "cfg", nil, "CFG NDJSON file (repeatable, required)")
	bf.StringArrayVar(&benchAnalysis, "analysis", nil, "analysis NDJSON file (repeatable)")
	bf.StringVar(&benchOut, "out", "", "output CSV file (required)")
	benchCmd.MarkFlagRequired("cfg")
	benchCmd.MarkFlagRequired("out")
	rootCmd.AddCommand(benchCmd)
}

func runMetrics(cmd *cobra.Command, args []string) error {
	recs, err := readRecordFiles(metricsCFGIn)
	if err != nil {
		return err
	}
	out, err := createOut(metricsOut)
	if err != nil {
		return err
	}
	defer out.Close()
	if err := metrics.WriteFunctionMetrics(out, recs); err != nil {
		return err
	}
	return out.Close()
}

// analysisBase strips the conventional analysis suffixes from a file
// name so it can be matched against a CFG base name.
func analysisBase(path string) string {
	base := filepath.Base(path)
	for _, suffix := range []string{".path_public.ndjson", ".analysis.ndjson", ".ndjson"} {
		if strings.HasSuffix(base, suffix) {
			return strings.TrimSuffix(base, suffix)
		}
	}
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func runBench(cmd *cobra.Command, args []string) error {
	cfgs := append([]string(nil), benchCFGs...)
	sort.Strings(cfgs)

	byBase := make(map[string]string, len(benchAnalysis))
	for _, p := range benchAnalysis {
		byBase[analysisBase(p)] = p
	}

	var sources []*metrics.Source
	for _, p := range cfgs {
		recs, err := readRecordFiles(p)
		if err != nil {
			return err
		}
		name := filepath.Base(p)
		base := strings.TrimSuffix(name, ".cfg.ndjson")
		src := &metrics.Source{Name: name, CFG: recs}

		summaryPath := filepath.Join(filepath.Dir(p), base+".run_summary.ndjson")
		if _, err := os.Stat(summaryPath); err == nil {
			sum, err := readRecordFiles(summaryPath)
			if err != nil {
				return err
			}
			for _, rs := range sum.RunSummaries {
				if rs.Source == base {
					src.Run = rs
				}
			}
		}

		analysisPath := byBase[base]
		if analysisPath == "" {
			candidate := filepath.Join(filepath.Dir(p), base+".path_public.ndjson")
			if _, err := os.Stat(candidate); err == nil {
				analysisPath = candidate
			}
		}
		if analysisPath != "" {
			src.Analysis, err = readRecordFiles(analysisPath)
			if err != nil {
				return err
			}
		}
		sources = append(sources, src)
		log.Debug.Printf("bench: %s: run_summary=%v analysis=%q", name, src.Run != nil, analysisPath)
	}
	if len(sources) == 0 {
		return errors.New("no CFG files")
	}

	out, err := createOut(benchOut)
	if err != nil {
		return err
	}
	defer out.Close()
	if err := metrics.WriteBench(out, sources); err != nil {
		return err
	}
	return out.Close()
}
