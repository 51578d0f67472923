package main

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/RovayL/ct-publicness/model"
)

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Trace-index tools",
	Long: `Look up trace index entries by program point or line, and join trace
metadata into per-path results.`,
}

var indexLookupCmd = &cobra.Command{
	Use:   "lookup",
	Short: "Resolve a program point or trace line to its index entry",
	RunE:  runIndexLookup,
}

var indexJoinCmd = &cobra.Command{
	Use:   "join",
	Short: "Enrich path_publicness records with trace line numbers",
	Long: `Copy a results stream, adding trace_line, trace_op and trace_def to
every path_publicness record whose program point appears in the index.
All other records pass through unchanged.`,
	RunE: runIndexJoin,
}

var (
	indexIn     string
	indexPP     string
	indexLine   int
	joinResults string
	joinOut     string
)

func init() {
	lf := indexLookupCmd.Flags()
	lf.StringVar(&indexIn, "index", "", "trace index NDJSON (required)")
	lf.StringVar(&indexPP, "pp", "", "program point to resolve")
	lf.IntVar(&indexLine, "line", 0, "1-based trace line to resolve")
	indexLookupCmd.MarkFlagRequired("index")

	jf := indexJoinCmd.Flags()
	jf.StringVar(&joinResults, "results", "", "path_publicness NDJSON (required)")
	jf.StringVar(&indexIn, "index", "", "trace index NDJSON (required)")
	jf.StringVar(&joinOut, "out", "-", "output file")
	indexJoinCmd.MarkFlagRequired("results")
	indexJoinCmd.MarkFlagRequired("index")

	indexCmd.AddCommand(indexLookupCmd)
	indexCmd.AddCommand(indexJoinCmd)
	rootCmd.AddCommand(indexCmd)
}

func loadIndex(path string) (*model.Index, error) {
	recs, err := readRecordFiles(path)
	if err != nil {
		return nil, err
	}
	if len(recs.TraceIndex) == 0 {
		return nil, errors.Errorf("no trace_index records in %s", path)
	}
	return model.NewIndex(recs.TraceIndex), nil
}

func runIndexLookup(cmd *cobra.Command, args []string) error {
	if (indexPP == "") == (indexLine == 0) {
		return errors.New("give exactly one of --pp or --line")
	}
	idx, err := loadIndex(indexIn)
	if err != nil {
		return err
	}

	var entry *model.TraceIndexEntry
	var ok bool
	if indexPP != "" {
		entry, ok = idx.Lookup(indexPP)
	} else {
		entry, ok = idx.LookupLine(indexLine)
	}
	if !ok {
		return errors.New("no matching index entry")
	}
	out, err := model.MarshalRecord(entry)
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func runIndexJoin(cmd *cobra.Command, args []string) error {
	idx, err := loadIndex(indexIn)
	if err != nil {
		return err
	}
	in, err := os.Open(joinResults)
	if err != nil {
		return errors.Wrap(err, "failed to open results")
	}
	defer in.Close()
	out, err := createOut(joinOut)
	if err != nil {
		return err
	}
	defer out.Close()
	if err := model.JoinTrace(out, in, idx); err != nil {
		return err
	}
	return out.Close()
}
