// Package paths enumerates bounded control flow paths over a function
// graph. The walk is a depth-first traversal from the entry block under
// three budgets: a cap on emitted paths, a cap on path length in
// blocks, and a cap on revisits of a block inside one path. Branches
// whose condition is already a constant are pruned to the arm they
// select, with the taken decision still recorded.
package paths

import (
	"github.com/pkg/errors"

	"github.com/RovayL/ct-publicness/cfg"
	"github.com/RovayL/ct-publicness/model"
)

// Formats for path condition emission.
const (
	CondString = "string"
	CondJSON   = "json"
	CondBoth   = "both"
)

// Options bound the walk and select what each emitted path carries.
// MaxPaths <= 0 disables enumeration entirely; MaxLoopIters is the
// number of extra visits allowed per block beyond the first, so zero
// keeps every path acyclic.
type Options struct {
	MaxPaths     int
	MaxDepth     int
	MaxLoopIters int
	EmitPPSeq    bool
	EmitCoverage bool
	MaxPPPathIDs int
	CondFormat   string
}

// DefaultOptions returns the standard budgets.
func DefaultOptions() Options {
	return Options{
		MaxPaths:     200,
		MaxDepth:     256,
		MaxLoopIters: 0,
		EmitCoverage: true,
		MaxPPPathIDs: 64,
		CondFormat:   CondString,
	}
}

// Result holds everything one enumeration produced. Coverage is nil
// unless requested; Summary is always present, in its disabled form
// when MaxPaths <= 0.
type Result struct {
	Paths    []*model.Path
	Coverage []*model.Coverage
	Summary  *model.PathSummary
}

// WriteTo writes the result's path, coverage and summary records in
// that order.
func (r *Result) WriteTo(w *model.Writer) error {
	for _, p := range r.Paths {
		if err := w.WritePath(p); err != nil {
			return err
		}
	}
	for _, c := range r.Coverage {
		if err := w.WriteCoverage(c); err != nil {
			return err
		}
	}
	return w.WritePathSummary(r.Summary)
}

// Enumerate walks every path of g within the given budgets. Paths are
// produced in depth-first order, so path ids are stable for a given
// graph and options.
func Enumerate(g *cfg.Graph, opts Options) (*Result, error) {
	if g == nil || len(g.Blocks) == 0 {
		return nil, errors.New("paths: empty function graph")
	}
	switch opts.CondFormat {
	case "":
		opts.CondFormat = CondString
	case CondString, CondJSON, CondBoth:
	default:
		return nil, errors.Errorf("paths: unknown cond format %q", opts.CondFormat)
	}

	sum := &model.PathSummary{
		Fn:           g.Fn,
		MaxPaths:     opts.MaxPaths,
		MaxDepth:     opts.MaxDepth,
		MaxLoopIters: opts.MaxLoopIters,
	}
	if opts.MaxPaths <= 0 {
		sum.Disabled = true
		return &Result{Summary: sum}, nil
	}

	w := &walker{
		g:       g,
		opts:    opts,
		sum:     sum,
		visits:  make([]int, len(g.Blocks)),
		ppPaths: make(map[string][]int),
	}
	w.dfs(g.Entry())

	res := &Result{Paths: w.paths, Summary: sum}
	if opts.EmitCoverage {
		res.Coverage = w.coverage()
	}
	return res, nil
}

type walker struct {
	g    *cfg.Graph
	opts Options
	sum  *model.PathSummary

	stack     []*cfg.BlockNode
	decisions []model.Decision
	visits    []int

	paths []*model.Path

	// Coverage bookkeeping: path ids per program point, in first-seen
	// point order.
	ppOrder []string
	ppPaths map[string][]int
}

func (w *walker) dfs(b *cfg.BlockNode) {
	w.sum.DFSCalls++
	if w.sum.PathsEmitted >= w.opts.MaxPaths {
		w.sum.Truncated = true
		w.sum.DFSPruneMaxPaths++
		return
	}
	if len(w.stack) >= w.opts.MaxDepth {
		w.sum.CutoffDepth = true
		w.sum.DFSPruneMaxDepth++
		return
	}
	visits := w.visits[b.Index]
	if visits >= w.opts.MaxLoopIters+1 {
		w.sum.CutoffLoop = true
		w.sum.DFSPruneLoop++
		return
	}
	w.visits[b.Index] = visits + 1
	w.stack = append(w.stack, b)

	if b.IsLeaf() {
		w.emit()
	} else {
		w.step(b)
	}

	w.stack = w.stack[:len(w.stack)-1]
	w.visits[b.Index] = visits
}

func (w *walker) step(b *cfg.BlockNode) {
	switch {
	case b.IsCondBranch():
		w.stepBranch(b)
	case b.IsSwitch():
		w.stepSwitch(b)
	case b.IsIndirect():
		w.stepIndirect(b)
	default:
		// Unconditional branches and any other fallthrough terminator.
		// One uncond decision per transfer keeps the invariant that a
		// path over n blocks carries n-1 decisions.
		for _, e := range b.Succs {
			w.take(model.UncondDecision{PP: b.TermPP, Succ: e.ToName}, e.To)
		}
	}
}

// take records d, walks the successor, and unwinds.
func (w *walker) take(d model.Decision, to int) {
	w.decisions = append(w.decisions, d)
	w.dfs(w.g.Blocks[to])
	w.decisions = w.decisions[:len(w.decisions)-1]
}

func (w *walker) stepBranch(b *cfg.BlockNode) {
	if v, ok := model.BoolConstValue(b.Cond); ok {
		// Constant condition: only the selected arm is walked.
		w.sum.ConstPrunedBr++
		e := b.Succs[0]
		if !v {
			e = b.Succs[1]
		}
		w.take(model.BranchDecision{PP: b.TermPP, Cond: b.Cond, Succ: e.ToName, Sense: v}, e.To)
		return
	}
	for _, e := range b.Succs {
		w.take(model.BranchDecision{
			PP:    b.TermPP,
			Cond:  b.Cond,
			Succ:  e.ToName,
			Sense: e.Sense == "true",
		}, e.To)
	}
}

func (w *walker) stepSwitch(b *cfg.BlockNode) {
	if _, _, ok := model.ParseIntConst(b.Cond); ok {
		w.stepSwitchConst(b)
		return
	}
	cases := b.CaseValues()
	for _, e := range b.Succs {
		if e.Default {
			w.take(model.SwitchDefaultDecision{
				PP:    b.TermPP,
				Cond:  b.Cond,
				Succ:  e.ToName,
				Cases: cases,
			}, e.To)
			continue
		}
		w.take(model.SwitchCaseDecision{
			PP:   b.TermPP,
			Cond: b.Cond,
			Succ: e.ToName,
			Case: e.Case,
		}, e.To)
	}
}

// stepSwitchConst resolves a switch over an integer constant to the
// matching case, or to the default when no case value equals it. Case
// ids share the condition's canonical constant form, so matching is a
// string compare.
func (w *walker) stepSwitchConst(b *cfg.BlockNode) {
	w.sum.ConstPrunedSwitch++
	for _, e := range b.Succs {
		if !e.Default && e.Case == b.Cond {
			w.take(model.SwitchCaseDecision{
				PP:   b.TermPP,
				Cond: b.Cond,
				Succ: e.ToName,
				Case: e.Case,
			}, e.To)
			return
		}
	}
	cases := b.CaseValues()
	for _, e := range b.Succs {
		if e.Default {
			w.take(model.SwitchDefaultDecision{
				PP:    b.TermPP,
				Cond:  b.Cond,
				Succ:  e.ToName,
				Cases: cases,
			}, e.To)
			return
		}
	}
}

func (w *walker) stepIndirect(b *cfg.BlockNode) {
	if model.IsLabel(b.Target) {
		// Target is a block address known statically.
		w.sum.ConstPrunedIndir++
		name := model.LabelName(b.Target)
		to, ok := w.g.Block(name)
		if !ok {
			return
		}
		w.take(model.IndirectDecision{PP: b.TermPP, Target: b.Target, Succ: name}, to.Index)
		return
	}
	for _, e := range b.Succs {
		w.take(model.IndirectDecision{PP: b.TermPP, Target: b.Target, Succ: e.ToName}, e.To)
	}
}

// emit records the path currently on the stack.
func (w *walker) emit() {
	w.sum.DFSLeaves++
	id := w.sum.PathsEmitted

	p := &model.Path{
		Fn:     w.g.Fn,
		PathID: id,
		BBs:    make([]string, len(w.stack)),
	}
	for i, b := range w.stack {
		p.BBs[i] = b.Name
	}
	p.Decisions = append([]model.Decision(nil), w.decisions...)

	if w.opts.EmitPPSeq || w.opts.EmitCoverage {
		var seq []string
		for _, b := range w.stack {
			for _, in := range b.Insts {
				seq = append(seq, in.PP)
			}
		}
		if w.opts.EmitPPSeq {
			p.PPSeq = seq
		}
		if w.opts.EmitCoverage {
			seen := make(map[string]bool, len(seq))
			for _, pp := range seq {
				if seen[pp] {
					continue
				}
				seen[pp] = true
				if _, ok := w.ppPaths[pp]; !ok {
					w.ppOrder = append(w.ppOrder, pp)
				}
				w.ppPaths[pp] = append(w.ppPaths[pp], id)
			}
		}
	}

	if w.opts.CondFormat == CondString || w.opts.CondFormat == CondBoth {
		for _, d := range w.decisions {
			if c := d.Constraint(); c != nil {
				p.PathCond = append(p.PathCond, c.String())
			}
		}
	}
	if w.opts.CondFormat == CondJSON || w.opts.CondFormat == CondBoth {
		for _, d := range w.decisions {
			if c := d.Constraint(); c != nil {
				p.PathCondJSON = append(p.PathCondJSON, c)
			}
		}
	}

	w.paths = append(w.paths, p)
	w.sum.PathsEmitted++
}

// coverage materializes the per-point records in first-seen order.
// Path id lists beyond MaxPPPathIDs are clipped with Truncated set;
// PathCount always reports the full total.
func (w *walker) coverage() []*model.Coverage {
	covs := make([]*model.Coverage, 0, len(w.ppOrder))
	for _, pp := range w.ppOrder {
		ids := w.ppPaths[pp]
		c := &model.Coverage{
			Fn:        w.g.Fn,
			PP:        pp,
			PathCount: len(ids),
			PathIDs:   ids,
		}
		if limit := w.opts.MaxPPPathIDs; limit > 0 && len(ids) > limit {
			c.PathIDs = ids[:limit]
			c.Truncated = true
		}
		covs = append(covs, c)
	}
	return covs
}
