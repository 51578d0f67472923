package main

import (
	"context"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	ctpub "github.com/RovayL/ct-publicness"
	"github.com/RovayL/ct-publicness/cfg"
	"github.com/RovayL/ct-publicness/log"
	"github.com/RovayL/ct-publicness/model"
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify transmitter operands along enumerated paths",
	Long: `Run dual symbolic execution over the paths recorded in the CFG
stream. For each transmitter operand on each path the two executions
agree on public inputs and run free on secrets; the operand is public on
the path only when the solver proves the runs cannot differ.

Instruction records come from --trace, blocks/edges/paths from --cfg.
Secrets come from the config file or repeated --secret flags.`,
	RunE: runVerify,
}

var (
	verifyTraceIn string
	verifyCFGIn   string
	verifyOut     string
	verifyMode    string
)

func init() {
	f := verifyCmd.Flags()
	f.StringVar(&verifyTraceIn, "trace", "", "instruction records (required)")
	f.StringVar(&verifyCFGIn, "cfg", "", "block/edge/path records (required)")
	f.StringVar(&verifyOut, "out", "-", "output file")
	f.StringVar(&verifyMode, "mode", "symexec", "analysis mode: symexec|stub")
	verifyCmd.MarkFlagRequired("trace")
	verifyCmd.MarkFlagRequired("cfg")
	addSolverFlags(verifyCmd)
	addVerifyFlags(verifyCmd)
	rootCmd.AddCommand(verifyCmd)
}

func runVerify(cmd *cobra.Command, args []string) error {
	switch verifyMode {
	case "symexec":
	case "stub":
		conf.Stub = true
	default:
		return errors.Errorf("unknown mode %q, want symexec or stub", verifyMode)
	}

	recs, err := readRecordFiles(verifyTraceIn, verifyCFGIn)
	if err != nil {
		return err
	}
	graphs, err := cfg.BuildAll(recs)
	if err != nil {
		return err
	}
	pathsByFn := make(map[string][]*model.Path)
	for _, p := range recs.Paths {
		pathsByFn[p.Fn] = append(pathsByFn[p.Fn], p)
	}

	backend, err := conf.NewBackend()
	if err != nil {
		return err
	}
	defer backend.Close()

	out, err := openSink(verifyOut)
	if err != nil {
		return err
	}
	defer out.Close()

	eg, ctx := errgroup.WithContext(context.Background())
	if n := conf.Verify.Concurrency; n > 0 {
		eg.SetLimit(n)
	}
	failed := make([]bool, len(graphs))
	for i, g := range graphs {
		i, g := i, g
		ps := pathsByFn[g.Fn]
		if len(ps) == 0 {
			log.Info.Printf("verify: %s: no paths recorded, skipping", g.Fn)
			continue
		}
		eg.Go(func() error {
			rep, err := ctpub.VerifyPaths(ctx, g, ps, conf, backend, out.W)
			if err != nil {
				if ctx.Err() != nil {
					return err
				}
				log.Error.Printf("verify: %s failed: %v", g.Fn, err)
				failed[i] = true
				return nil
			}
			log.Info.Printf("verify: %s: %d paths, %d queries, %d unknown",
				g.Fn, rep.Summary.PathsAnalyzed, rep.Summary.QueryCount, rep.Summary.UnknownCount)
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}
	for i, bad := range failed {
		if bad {
			log.Error.Printf("verify: results for %s are incomplete", graphs[i].Fn)
		}
	}
	return out.Close()
}
