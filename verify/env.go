package verify

import (
	"github.com/RovayL/ct-publicness/model"
	"github.com/RovayL/ct-publicness/solver"
)

// env is one of the two symbolic runs. Bindings map value ids to terms;
// a nil binding marks a value whose content is not modeled, such as a
// call result. mem is this run's store, keyed by pointer value id.
type env struct {
	tag     string
	secrets map[string]bool
	vals    map[string]solver.Term
	mem     map[string]solver.Term
}

func newEnv(tag string, secrets map[string]bool) *env {
	return &env{
		tag:     tag,
		secrets: secrets,
		vals:    make(map[string]solver.Term),
		mem:     make(map[string]solver.Term),
	}
}

// clampWidth bounds a type width to what the term language represents.
func clampWidth(w int) uint {
	if w <= 0 {
		return model.PtrWidth
	}
	if w > 64 {
		return 64
	}
	return uint(w)
}

// coerce zero-extends or truncates t to width w. Terms already at w
// pass through unchanged.
func coerce(t solver.Term, w uint) solver.Term {
	return solver.NewCastTerm(t, w, false)
}

// operand resolves a value id at the given width, seeding inputs on
// first reference. The second result is false when the value's content
// is unknown.
func (e *env) operand(id string, width uint) (solver.Term, bool) {
	if t, ok := e.vals[id]; ok {
		return t, t != nil
	}
	t := e.seed(id, width)
	e.vals[id] = t
	return t, t != nil
}

// seed names a value referenced before it is defined. Integer constants
// become constant terms. Ids in the secret set bind to a separate
// variable per run; everything else, opaque constants and labels
// included, binds to one variable shared by both runs.
func (e *env) seed(id string, width uint) solver.Term {
	if w, v, ok := model.ParseIntConst(id); ok {
		return solver.NewConstTerm(uint64(v), clampWidth(w))
	}
	switch id {
	case "const:null", "const:undef", "const:poison":
		return solver.NewConstTerm(0, width)
	}
	if model.IsFpConst(id) {
		return nil
	}
	if e.secrets[id] {
		return solver.NewVarTerm(id+"#"+e.tag, width)
	}
	return solver.NewVarTerm(id, width)
}

// useWidth is the recorded width of operand i, or fallback.
func useWidth(in *model.Instruction, i int, fallback uint) uint {
	if ty := in.UseType(i); ty != "" {
		return clampWidth(model.TypeWidth(ty))
	}
	return fallback
}

// operandAt resolves operand i with its recorded type.
func (e *env) operandAt(in *model.Instruction, i int, fallback uint) (solver.Term, bool) {
	return e.operand(in.Uses[i], useWidth(in, i, fallback))
}

// step interprets one instruction in this run. prevBB is the block the
// path arrived from, used to resolve merges.
func (e *env) step(in *model.Instruction, prevBB string) {
	defWidth := clampWidth(model.TypeWidth(in.DefTy))
	switch in.Op {
	case "alloca":
		if in.Def != "" {
			// Stack slot addresses do not vary between the runs.
			e.vals[in.Def] = solver.NewVarTerm("addr:"+in.PP, model.PtrWidth)
		}
	case "load":
		e.stepLoad(in, defWidth)
	case "store":
		e.stepStore(in)
	case "add", "sub", "mul", "udiv", "sdiv", "urem", "srem",
		"and", "or", "xor", "shl", "lshr", "ashr":
		e.stepBinary(in, defWidth)
	case "icmp":
		e.stepICmp(in)
	case "zext", "sext", "trunc":
		e.stepCast(in, defWidth)
	case "select":
		e.stepSelect(in, defWidth)
	case "getelementptr":
		e.stepGEP(in)
	case "phi":
		e.stepPhi(in, prevBB, defWidth)
	case "br", "switch", "indirectbr", "ret", "unreachable":
		// Control transfers are captured by path decisions.
	default:
		if in.Def != "" {
			e.vals[in.Def] = nil
		}
	}
}

func (e *env) stepLoad(in *model.Instruction, w uint) {
	if len(in.Uses) == 0 {
		if in.Def != "" {
			e.vals[in.Def] = nil
		}
		return
	}
	ptr := in.Uses[0]
	val, ok := e.mem[ptr]
	if !ok {
		val = e.seedLoad(ptr, in.Def, w)
		e.mem[ptr] = val
	}
	if in.Def != "" {
		e.vals[in.Def] = val
	}
}

// seedLoad names the initial content of a memory cell. Cells are shared
// between the runs unless the pointer or the loaded value is listed as
// secret.
func (e *env) seedLoad(ptr, def string, w uint) solver.Term {
	name := "mem:" + ptr
	if e.secrets[ptr] || (def != "" && e.secrets[def]) {
		name += "#" + e.tag
	}
	return solver.NewVarTerm(name, w)
}

func (e *env) stepStore(in *model.Instruction) {
	if len(in.Uses) < 2 {
		return
	}
	val, ok := e.operandAt(in, 0, model.PtrWidth)
	if !ok {
		val = nil
	}
	e.mem[in.Uses[1]] = val
}

func (e *env) stepBinary(in *model.Instruction, w uint) {
	if in.Def == "" || len(in.Uses) < 2 {
		return
	}
	op, known := solver.ParseOp(in.Op)
	a, aok := e.operandAt(in, 0, w)
	b, bok := e.operandAt(in, 1, w)
	if !known || !aok || !bok {
		e.vals[in.Def] = nil
		return
	}
	e.vals[in.Def] = solver.NewBinaryTerm(op, coerce(a, w), coerce(b, w))
}

func (e *env) stepICmp(in *model.Instruction) {
	if in.Def == "" || len(in.Uses) < 2 {
		return
	}
	op, known := solver.ParseOp(in.ICmpPred)
	if !known || !op.IsCompare() {
		e.vals[in.Def] = nil
		return
	}
	w := useWidth(in, 0, model.PtrWidth)
	a, aok := e.operand(in.Uses[0], w)
	b, bok := e.operand(in.Uses[1], w)
	if !aok || !bok {
		e.vals[in.Def] = nil
		return
	}
	e.vals[in.Def] = solver.NewBinaryTerm(op, coerce(a, w), coerce(b, w))
}

func (e *env) stepCast(in *model.Instruction, w uint) {
	if in.Def == "" || len(in.Uses) < 1 {
		return
	}
	src, ok := e.operandAt(in, 0, w)
	if !ok {
		e.vals[in.Def] = nil
		return
	}
	e.vals[in.Def] = solver.NewCastTerm(src, w, in.Op == "sext")
}

func (e *env) stepSelect(in *model.Instruction, w uint) {
	if in.Def == "" || len(in.Uses) < 3 {
		return
	}
	c, cok := e.operandAt(in, 0, solver.WidthBool)
	t, tok := e.operandAt(in, 1, w)
	f, fok := e.operandAt(in, 2, w)
	if !cok || !tok || !fok {
		e.vals[in.Def] = nil
		return
	}
	e.vals[in.Def] = solver.NewITETerm(coerce(c, solver.WidthBool), coerce(t, w), coerce(f, w))
}

// stepGEP models address arithmetic as base plus the innermost index at
// pointer width.
func (e *env) stepGEP(in *model.Instruction) {
	if in.Def == "" || len(in.Uses) == 0 {
		return
	}
	base, ok := e.operandAt(in, 0, model.PtrWidth)
	if !ok {
		e.vals[in.Def] = nil
		return
	}
	if len(in.Uses) < 2 {
		e.vals[in.Def] = coerce(base, model.PtrWidth)
		return
	}
	idx, ok := e.operandAt(in, len(in.Uses)-1, model.PtrWidth)
	if !ok {
		e.vals[in.Def] = nil
		return
	}
	e.vals[in.Def] = solver.NewBinaryTerm(solver.ADD,
		coerce(base, model.PtrWidth), coerce(idx, model.PtrWidth))
}

// stepPhi resolves a merge to the incoming value for the block the path
// arrived from. A merge with no matching incoming entry, or reached
// without a known predecessor, binds to unknown rather than guessing.
func (e *env) stepPhi(in *model.Instruction, prevBB string, w uint) {
	if in.Def == "" {
		return
	}
	if prevBB == "" {
		e.vals[in.Def] = nil
		return
	}
	for i, pair := range in.PhiIncoming() {
		if pair[1] != prevBB {
			continue
		}
		t, ok := e.operand(pair[0], useWidth(in, 2*i, w))
		if !ok {
			t = nil
		}
		e.vals[in.Def] = t
		return
	}
	e.vals[in.Def] = nil
}

// condTerm translates a decision constraint against the current
// bindings. The boolean result is false when any referenced value is
// unknown.
func (e *env) condTerm(c model.CondExpr) (solver.Term, bool) {
	switch x := c.(type) {
	case model.Eq:
		return e.cmpTerm(solver.EQ, x.LHS, x.RHS)
	case model.Ne:
		if x.RHS == model.AnyCase {
			// A default arm of a caseless switch is unconditional.
			return solver.NewBoolTerm(true), true
		}
		return e.cmpTerm(solver.NE, x.LHS, x.RHS)
	case model.And:
		terms := make([]solver.Term, 0, len(x.Terms))
		for _, sub := range x.Terms {
			t, ok := e.condTerm(sub)
			if !ok {
				return nil, false
			}
			terms = append(terms, t)
		}
		return solver.Conjoin(terms), true
	}
	return nil, false
}

// cmpTerm compares two decision operands. The width comes from an
// integer constant side if there is one, then from an existing binding,
// then defaults to pointer width.
func (e *env) cmpTerm(op solver.BinaryOp, lhs, rhs string) (solver.Term, bool) {
	w := uint(model.PtrWidth)
	if cw, _, ok := model.ParseIntConst(lhs); ok {
		w = clampWidth(cw)
	} else if cw, _, ok := model.ParseIntConst(rhs); ok {
		w = clampWidth(cw)
	} else if t, ok := e.vals[lhs]; ok && t != nil {
		w = solver.TermWidth(t)
	} else if t, ok := e.vals[rhs]; ok && t != nil {
		w = solver.TermWidth(t)
	}
	a, aok := e.operand(lhs, w)
	b, bok := e.operand(rhs, w)
	if !aok || !bok {
		return nil, false
	}
	return solver.NewBinaryTerm(op, coerce(a, w), coerce(b, w)), true
}
