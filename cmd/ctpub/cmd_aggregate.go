package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/RovayL/ct-publicness/aggregate"
	"github.com/RovayL/ct-publicness/model"
)

var aggregateCmd = &cobra.Command{
	Use:   "aggregate",
	Short: "Fold per-path verdicts into public-at-point facts",
	Long: `Combine path, pp_coverage and path_publicness records into one
public_at_point record per transmitted value per program point. A value
is public at a point only when every covering path proved it public;
one secret path makes it secret; anything unverified falls back to the
missing-path policy.

Without --out, only summary counts are printed.`,
	RunE: runAggregate,
}

var (
	aggCFGIn     string
	aggResultsIn string
	aggTraceIn   string
	aggOut       string
)

func init() {
	f := aggregateCmd.Flags()
	f.StringVar(&aggCFGIn, "cfg", "", "block/edge/path records (required)")
	f.StringVar(&aggResultsIn, "results", "", "path_publicness records (required)")
	f.StringVar(&aggTraceIn, "trace", "", "instruction records, for transmitter points without coverage")
	f.StringVar(&aggOut, "out", "", "write public_at_point records here instead of printing counts")
	f.StringVar(&flagMissingPolicy, "missing", "unknown", "policy for unverified covering paths: unknown|public|secret")
	aggregateCmd.MarkFlagRequired("cfg")
	aggregateCmd.MarkFlagRequired("results")
	rootCmd.AddCommand(aggregateCmd)
}

func runAggregate(cmd *cobra.Command, args []string) error {
	recs, err := readRecordFiles(aggTraceIn, aggCFGIn, aggResultsIn)
	if err != nil {
		return err
	}
	policy, err := conf.MissingPolicy()
	if err != nil {
		return err
	}
	points := aggregate.Aggregate(recs, policy)

	if aggOut == "" {
		var pub, sec, unk int
		for _, pt := range points {
			switch pt.Public {
			case model.VerdictTrue:
				pub++
			case model.VerdictFalse:
				sec++
			default:
				unk++
			}
		}
		fmt.Printf("public_at_point: total=%d public=%d secret=%d unknown=%d\n",
			len(points), pub, sec, unk)
		return nil
	}

	out, err := openSink(aggOut)
	if err != nil {
		return err
	}
	defer out.Close()
	for _, pt := range points {
		if err := out.W.WritePublicAtPoint(pt); err != nil {
			return err
		}
	}
	return out.Close()
}
