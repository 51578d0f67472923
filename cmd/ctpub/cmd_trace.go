package main

import (
	"bytes"
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/RovayL/ct-publicness/cfg"
	"github.com/RovayL/ct-publicness/log"
	"github.com/RovayL/ct-publicness/model"
	"github.com/RovayL/ct-publicness/paths"
	"github.com/RovayL/ct-publicness/ssafront"
)

var traceCmd = &cobra.Command{
	Use:   "trace [packages]",
	Short: "Trace Go functions into NDJSON instruction and CFG records",
	Long: `Load Go packages, build SSA, and emit instruction, trace-index and
CFG records for every package-level function with a body. When --cfg is
given, paths are enumerated into the same stream, honoring the path
budgets.

Examples:
  ctpub trace ./internal/crypto --trace t.ndjson --cfg c.ndjson
  ctpub trace ./... --func CtEq --cfg - --max-paths 50`,
	Args: cobra.MinimumNArgs(1),
	RunE: runTrace,
}

var (
	traceOut      string
	traceIndexOut string
	traceCFGOut   string
	traceFuncs    []string
)

func init() {
	f := traceCmd.Flags()
	f.StringVar(&traceOut, "trace", "", "write instruction records to this file (- for stdout)")
	f.StringVar(&traceIndexOut, "trace-index", "", "write trace_index records to this file")
	f.StringVar(&traceCFGOut, "cfg", "", "write block/edge/path records to this file")
	f.StringSliceVar(&traceFuncs, "func", nil, "trace only these functions")
	addBudgetFlags(traceCmd)
	addEmitFlags(traceCmd)
	rootCmd.AddCommand(traceCmd)
}

func runTrace(cmd *cobra.Command, args []string) error {
	if traceOut == "" && traceIndexOut == "" && traceCFGOut == "" {
		return errors.New("nothing to emit: give at least one of --trace, --trace-index, --cfg")
	}

	_, pkgs, err := ssafront.Load(args...)
	if err != nil {
		return err
	}
	fns := ssafront.Functions(pkgs, traceFuncs)
	if len(fns) == 0 {
		return errors.New("no functions to trace")
	}

	traceSink, err := openSink(traceOut)
	if err != nil {
		return err
	}
	defer traceSink.Close()
	indexSink, err := openSink(traceIndexOut)
	if err != nil {
		return err
	}
	defer indexSink.Close()

	// The CFG stream is teed into memory so paths can be enumerated
	// from the very records that were written out.
	var cfgBuf bytes.Buffer
	cfgSink := &sink{}
	switch traceCFGOut {
	case "":
	case "-":
		cfgSink = &sink{W: model.NewWriter(io.MultiWriter(os.Stdout, &cfgBuf))}
	default:
		f, err := os.Create(traceCFGOut)
		if err != nil {
			return errors.Wrap(err, "failed to create output")
		}
		cfgSink = &sink{W: model.NewWriter(io.MultiWriter(f, &cfgBuf)), f: f}
	}
	defer cfgSink.Close()

	em := &ssafront.Emitter{
		Trace:      traceSink.W,
		TraceIndex: indexSink.W,
		CFG:        cfgSink.W,
		MaxInst:    conf.Budgets.MaxInst,
		TraceTypes: conf.Emit.TraceTypes,
	}
	if err := em.Emit(fns); err != nil {
		return err
	}

	if cfgSink.W != nil {
		if err := cfgSink.W.Flush(); err != nil {
			return err
		}
		recs, err := model.ReadRecords(&cfgBuf)
		if err != nil {
			return err
		}
		graphs, err := cfg.BuildAll(recs)
		if err != nil {
			return err
		}
		for _, g := range graphs {
			res, err := paths.Enumerate(g, conf.PathOptions())
			if err != nil {
				return errors.Wrapf(err, "failed to enumerate paths of %s", g.Fn)
			}
			if err := res.WriteTo(cfgSink.W); err != nil {
				return err
			}
			log.Info.Printf("trace: %s: %d paths", g.Fn, len(res.Paths))
		}
	}

	if err := traceSink.Close(); err != nil {
		return err
	}
	if err := indexSink.Close(); err != nil {
		return err
	}
	return cfgSink.Close()
}
