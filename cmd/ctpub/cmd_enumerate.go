package main

import (
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/RovayL/ct-publicness/cfg"
	"github.com/RovayL/ct-publicness/log"
	"github.com/RovayL/ct-publicness/paths"
)

var enumerateCmd = &cobra.Command{
	Use:   "enumerate",
	Short: "Enumerate bounded paths from CFG records",
	Long: `Rebuild per-function control-flow graphs from block and edge records
and enumerate every path within the budgets, writing path, pp_coverage
and path_summary records.`,
	RunE: runEnumerate,
}

var (
	enumCFGIn string
	enumOut   string
)

func init() {
	f := enumerateCmd.Flags()
	f.StringVar(&enumCFGIn, "cfg", "", "block/edge records to enumerate (required)")
	f.StringVar(&enumOut, "out", "-", "output file")
	enumerateCmd.MarkFlagRequired("cfg")
	addBudgetFlags(enumerateCmd)
	addEmitFlags(enumerateCmd)
	rootCmd.AddCommand(enumerateCmd)
}

func runEnumerate(cmd *cobra.Command, args []string) error {
	recs, err := readRecordFiles(enumCFGIn)
	if err != nil {
		return err
	}
	graphs, err := cfg.BuildAll(recs)
	if err != nil {
		return err
	}
	if len(graphs) == 0 {
		return errors.New("no functions in CFG records")
	}

	out, err := openSink(enumOut)
	if err != nil {
		return err
	}
	defer out.Close()

	for _, g := range graphs {
		res, err := paths.Enumerate(g, conf.PathOptions())
		if err != nil {
			return errors.Wrapf(err, "failed to enumerate paths of %s", g.Fn)
		}
		if err := res.WriteTo(out.W); err != nil {
			return err
		}
		log.Info.Printf("enumerate: %s: %d paths, truncated=%v", g.Fn, len(res.Paths), res.Summary.Truncated)
	}
	return out.Close()
}
