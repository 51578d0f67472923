// Package verify decides per-path publicness by dual symbolic
// execution. Each path is interpreted twice: the two runs share every
// public input and draw independent values for secret inputs. A
// transmitted operand is public on the path when the solver proves the
// second run cannot both stay on the path and disagree on the operand.
package verify

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/RovayL/ct-publicness/cfg"
	"github.com/RovayL/ct-publicness/log"
	"github.com/RovayL/ct-publicness/model"
	"github.com/RovayL/ct-publicness/solver"
)

// Options configure one function's verifier.
type Options struct {
	// Secrets lists the value ids bound to independent inputs in the
	// two runs. Everything else is shared.
	Secrets []string

	// Timeout bounds each solver call. Zero means no deadline.
	Timeout time.Duration

	// Stub skips the solver and reports unknown for every defined
	// value, which exercises the record plumbing end to end.
	Stub bool
}

// Verifier analyzes the paths of one function. It is safe for
// concurrent use; path workers share its query cache.
type Verifier struct {
	g       *cfg.Graph
	backend solver.Backend
	opts    Options
	secrets map[string]bool
	cache   *queryCache

	mu   sync.Mutex
	seen map[string]bool
}

// New builds a verifier for g backed by the given solver. The backend
// may be nil in stub mode.
func New(g *cfg.Graph, backend solver.Backend, opts Options) *Verifier {
	secrets := make(map[string]bool, len(opts.Secrets))
	for _, s := range opts.Secrets {
		secrets[s] = true
	}
	return &Verifier{
		g:       g,
		backend: backend,
		opts:    opts,
		secrets: secrets,
		cache:   newQueryCache(),
		seen:    make(map[string]bool),
	}
}

// PathResult is the publicness outcome of one path.
type PathResult struct {
	Publicness []*model.PathPublicness
	Summary    *model.PathAnalysisSummary
}

// pendingQuery holds a transmitter observation until the full path
// condition is known. The terms are bound at the execution the
// transmitter ran in, so loop iterations see the right incarnation.
type pendingQuery struct {
	pp    string
	value string
	a, b  solver.Term
	ok    bool
}

// Path runs the dual execution for one enumerated path and resolves a
// verdict per transmitted operand.
func (v *Verifier) Path(ctx context.Context, p *model.Path) (*PathResult, error) {
	if err := p.Validate(); err != nil {
		return nil, errors.Wrap(err, "verify")
	}
	if v.opts.Stub {
		return v.stubPath(p), nil
	}

	sum := &model.PathAnalysisSummary{Fn: p.Fn, PathID: p.PathID}
	res := &PathResult{Summary: sum}

	a := newEnv("a", v.secrets)
	b := newEnv("b", v.secrets)
	var pcA, pcB []solver.Term
	pcOK := true
	var queries []pendingQuery

	prev := ""
	for i, name := range p.BBs {
		blk, found := v.g.Block(name)
		if !found {
			return nil, errors.Errorf("verify: path %d references unknown block %s", p.PathID, name)
		}
		for _, in := range blk.Insts {
			sum.InstCount++
			if in.Def != "" {
				sum.DefCount++
			}
			v.noteUnsupported(in)
			a.step(in, prev)
			b.step(in, prev)
			if in.Tx != nil {
				queries = append(queries, txOperand(a, b, in))
			}
		}
		if i < len(p.Decisions) {
			if c := p.Decisions[i].Constraint(); c != nil {
				ta, okA := a.condTerm(c)
				tb, okB := b.condTerm(c)
				if okA && okB {
					pcA = append(pcA, ta)
					pcB = append(pcB, tb)
				} else {
					pcOK = false
				}
			}
		}
		prev = name
	}

	assumeA := solver.Conjoin(pcA)
	assumeB := solver.Conjoin(pcB)
	index := make(map[[2]string]int)
	for _, q := range queries {
		var verdict model.Verdict
		if q.ok && pcOK {
			verdict = v.decide(ctx, sum, assumeA, assumeB, q.a, q.b)
		} else {
			sum.QueryCount++
			sum.UnknownCount++
			verdict = model.VerdictUnknown
		}
		key := [2]string{q.pp, q.value}
		if at, dup := index[key]; dup {
			res.Publicness[at].Public = meetVerdict(res.Publicness[at].Public, verdict)
			continue
		}
		index[key] = len(res.Publicness)
		res.Publicness = append(res.Publicness, &model.PathPublicness{
			Fn:     p.Fn,
			PathID: p.PathID,
			PP:     q.pp,
			Value:  q.value,
			Public: verdict,
		})
	}
	return res, nil
}

// txOperand captures the transmitted operand in both runs.
func txOperand(a, b *env, in *model.Instruction) pendingQuery {
	w := in.Tx.Which
	if w < 0 || w >= len(in.Uses) {
		log.Error.Printf("verify: transmitter index %d out of range at %s", w, in.PP)
		return pendingQuery{pp: in.PP}
	}
	id := in.Uses[w]
	width := useWidth(in, w, model.PtrWidth)
	ta, okA := a.operand(id, width)
	tb, okB := b.operand(id, width)
	return pendingQuery{pp: in.PP, value: id, a: ta, b: tb, ok: okA && okB}
}

// decide asks whether run B can disagree with run A at this operand
// while A stays on the path: sat(pcA and (not pcB or a != b)). Unsat
// means the value cannot vary, so it is public.
func (v *Verifier) decide(ctx context.Context, sum *model.PathAnalysisSummary, assumeA, assumeB, a, b solver.Term) model.Verdict {
	sum.QueryCount++
	dis := solver.NewBinaryTerm(solver.NE, a, coerce(b, solver.TermWidth(a)))
	escape := solver.NewNotTerm(assumeB)
	query := solver.NewBinaryTerm(solver.AND, assumeA,
		solver.NewBinaryTerm(solver.OR, escape, dis))

	st, elapsed, hit := v.cache.check(ctx, v.backend, v.opts.Timeout, query)
	if hit {
		sum.CacheHits++
	} else {
		sum.CacheMisses++
		sum.SolverTimeMS += float64(elapsed) / float64(time.Millisecond)
	}
	switch st {
	case solver.StatusUnsat:
		sum.UnsatCount++
		return model.VerdictTrue
	case solver.StatusSat:
		sum.SatCount++
		return model.VerdictFalse
	default:
		sum.UnknownCount++
		return model.VerdictUnknown
	}
}

// meetVerdict folds repeated observations of one transmitter on one
// path: a single varying execution makes the point vary.
func meetVerdict(a, b model.Verdict) model.Verdict {
	switch {
	case a == model.VerdictFalse || b == model.VerdictFalse:
		return model.VerdictFalse
	case a == model.VerdictUnknown || b == model.VerdictUnknown:
		return model.VerdictUnknown
	}
	return model.VerdictTrue
}

// stubPath reports unknown for every defined value without consulting
// the solver.
func (v *Verifier) stubPath(p *model.Path) *PathResult {
	sum := &model.PathAnalysisSummary{Fn: p.Fn, PathID: p.PathID}
	res := &PathResult{Summary: sum}
	emitted := make(map[[2]string]bool)
	for _, name := range p.BBs {
		blk, ok := v.g.Block(name)
		if !ok {
			continue
		}
		for _, in := range blk.Insts {
			sum.InstCount++
			if in.Def == "" {
				continue
			}
			sum.DefCount++
			key := [2]string{in.PP, in.Def}
			if emitted[key] {
				continue
			}
			emitted[key] = true
			res.Publicness = append(res.Publicness, &model.PathPublicness{
				Fn:     p.Fn,
				PathID: p.PathID,
				PP:     in.PP,
				Value:  in.Def,
				Public: model.VerdictUnknown,
			})
		}
	}
	return res
}

// supportedOps are the opcodes the dual execution models. Anything else
// that defines a value degrades that value to unknown.
var supportedOps = map[string]bool{
	"alloca": true, "load": true, "store": true,
	"add": true, "sub": true, "mul": true,
	"udiv": true, "sdiv": true, "urem": true, "srem": true,
	"and": true, "or": true, "xor": true,
	"shl": true, "lshr": true, "ashr": true,
	"icmp": true, "zext": true, "sext": true, "trunc": true,
	"select": true, "getelementptr": true, "phi": true,
	"br": true, "switch": true, "indirectbr": true,
	"ret": true, "unreachable": true,
}

// noteUnsupported logs the first time an unmodeled defining opcode is
// seen at a program point.
func (v *Verifier) noteUnsupported(in *model.Instruction) {
	if supportedOps[in.Op] || in.Def == "" {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.seen[in.PP] {
		return
	}
	v.seen[in.PP] = true
	if in.Op == "call" {
		log.Debug.Printf("verify: call result at %s treated as unknown", in.PP)
		return
	}
	log.Debug.Printf("verify: opcode %s at %s treated as unknown", in.Op, in.PP)
}

// Function folds per-path summaries into one function record.
func Function(fn string, sums []*model.PathAnalysisSummary) *model.FunctionAnalysisSummary {
	f := &model.FunctionAnalysisSummary{Fn: fn}
	for _, s := range sums {
		f.Add(*s)
	}
	return f
}
