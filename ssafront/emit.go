package ssafront

import (
	"fmt"
	"go/constant"
	"go/token"
	"go/types"
	"strings"

	"golang.org/x/tools/go/ssa"

	"github.com/pkg/errors"

	"github.com/RovayL/ct-publicness/log"
	"github.com/RovayL/ct-publicness/model"
)

// Emitter writes trace and CFG records for SSA functions. Any sink may
// be nil to disable that stream. MaxInst bounds the instruction records
// emitted per function (0 = unlimited); instructions beyond the budget
// are still counted in the function summary.
type Emitter struct {
	Trace      *model.Writer
	TraceIndex *model.Writer
	CFG        *model.Writer
	MaxInst    int
	TraceTypes bool
}

// Emit emits records for every function in order.
func (e *Emitter) Emit(fns []*ssa.Function) error {
	for _, fn := range fns {
		if err := e.EmitFunction(fn); err != nil {
			return errors.Wrapf(err, "failed to emit records for %s", fn.Name())
		}
	}
	return nil
}

// EmitFunction emits the instruction, trace-index, block, edge, and
// summary records of one function.
func (e *Emitter) EmitFunction(fn *ssa.Function) error {
	if len(fn.Blocks) == 0 {
		return errors.Errorf("function %s has no blocks", fn.Name())
	}
	fe := &funcEmitter{
		e:      e,
		fn:     fn,
		name:   fn.Name(),
		labels: make(map[*ssa.BasicBlock]string, len(fn.Blocks)),
		ids:    make(map[ssa.Value]string),
		termPP: make(map[*ssa.BasicBlock]string, len(fn.Blocks)),
	}
	for _, b := range fn.Blocks {
		fe.labels[b] = blockLabel(b)
	}
	log.Info.Printf("emitting records for function %s (%d blocks)", fe.name, len(fn.Blocks))
	if err := fe.emitTrace(); err != nil {
		return err
	}
	return fe.emitCFG()
}

// blockLabel renders a stable label from the block's index and, when
// the builder attached one, its comment.
func blockLabel(b *ssa.BasicBlock) string {
	if b.Comment != "" {
		return fmt.Sprintf("b%d.%s", b.Index, b.Comment)
	}
	return fmt.Sprintf("b%d", b.Index)
}

type funcEmitter struct {
	e      *Emitter
	fn     *ssa.Function
	name   string
	labels map[*ssa.BasicBlock]string
	ids    map[ssa.Value]string
	nextID int
	termPP map[*ssa.BasicBlock]string

	instCount      int
	txCount        int
	traceEmitted   int
	traceTruncated bool
}

func (fe *funcEmitter) emitTrace() error {
	for _, b := range fe.fn.Blocks {
		bb := fe.labels[b]
		for idx, ins := range b.Instrs {
			pp := model.FormatPP(fe.name, bb, idx)
			if idx == len(b.Instrs)-1 {
				fe.termPP[b] = pp
			}
			rec := fe.instRecord(ins, bb, pp)
			fe.instCount++
			if rec.Tx != nil {
				fe.txCount++
				log.Info.Printf("transmitter %s at %s (operand %d)", rec.Tx.Kind, pp, rec.Tx.Which)
			}
			if fe.e.Trace == nil {
				continue
			}
			if fe.e.MaxInst != 0 && fe.traceEmitted >= fe.e.MaxInst {
				fe.traceTruncated = true
				continue
			}
			if err := fe.e.Trace.WriteInstruction(rec); err != nil {
				return err
			}
			fe.traceEmitted++
			if fe.e.TraceIndex != nil {
				err := fe.e.TraceIndex.WriteTraceIndex(&model.TraceIndexEntry{
					Fn: rec.Fn, BB: rec.BB, PP: rec.PP, Op: rec.Op, Def: rec.Def,
					Line: fe.e.Trace.Lines(),
				})
				if err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (fe *funcEmitter) emitCFG() error {
	w := fe.e.CFG
	if w == nil {
		return nil
	}
	err := w.WriteFuncSummary(&model.FuncSummary{
		Fn:             fe.name,
		InstCount:      fe.instCount,
		BBCount:        len(fe.fn.Blocks),
		TxCount:        fe.txCount,
		TraceEmitted:   fe.traceEmitted,
		TraceTruncated: fe.traceTruncated,
		TraceMaxInst:   fe.e.MaxInst,
	})
	if err != nil {
		return err
	}
	for _, b := range fe.fn.Blocks {
		succs := make([]string, len(b.Succs))
		for i, s := range b.Succs {
			succs[i] = fe.labels[s]
		}
		blk := &model.Block{
			Fn:     fe.name,
			BB:     fe.labels[b],
			Succs:  succs,
			TermPP: fe.termPP[b],
		}
		term := b.Instrs[len(b.Instrs)-1]
		var condID string
		switch t := term.(type) {
		case *ssa.If:
			blk.TermOp = "br"
			condID = fe.valueID(t.Cond)
			blk.Cond = condID
		case *ssa.Jump:
			blk.TermOp = "br"
		case *ssa.Return:
			blk.TermOp = "ret"
		default:
			blk.TermOp = opName(term)
		}
		if err := w.WriteBlock(blk); err != nil {
			return err
		}

		switch term.(type) {
		case *ssa.If:
			// Succs[0] is the true target.
			for i, s := range b.Succs {
				sense := "true"
				if i == 1 {
					sense = "false"
				}
				err := w.WriteEdge(&model.Edge{
					Fn: fe.name, From: fe.labels[b], To: fe.labels[s],
					TermPP: fe.termPP[b], Branch: model.BranchCond,
					Cond: condID, Sense: sense,
				})
				if err != nil {
					return err
				}
			}
		case *ssa.Jump:
			err := w.WriteEdge(&model.Edge{
				Fn: fe.name, From: fe.labels[b], To: fe.labels[b.Succs[0]],
				TermPP: fe.termPP[b], Branch: model.BranchUncond,
			})
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// instRecord converts one SSA instruction into its wire record,
// including the transmitter tag for observable operands.
func (fe *funcEmitter) instRecord(ins ssa.Instruction, bb, pp string) *model.Instruction {
	rec := &model.Instruction{Fn: fe.name, BB: bb, PP: pp}
	switch v := ins.(type) {
	case *ssa.BinOp:
		rec.Op, rec.ICmpPred, rec.FCmpPred = binOp(v)
		fe.setUses(rec, v.X, v.Y)
	case *ssa.UnOp:
		fe.unOpRecord(rec, v)
	case *ssa.Store:
		rec.Op = "store"
		fe.setUses(rec, v.Val, v.Addr)
		rec.Tx = &model.TxInfo{Kind: model.TxStoreAddr, Which: 1}
	case *ssa.Alloc:
		rec.Op = "alloca"
		fe.setUses(rec)
	case *ssa.IndexAddr:
		rec.Op = "getelementptr"
		fe.setUses(rec, v.X, v.Index)
	case *ssa.FieldAddr:
		rec.Op = "getelementptr"
		fe.setUses(rec, v.X)
		rec.Uses = append(rec.Uses, model.IntConstID(32, int64(v.Field)))
		if fe.e.TraceTypes {
			rec.UseTys = append(rec.UseTys, "i32")
		}
	case *ssa.Phi:
		rec.Op = "phi"
		fe.phiUses(rec, v)
	case *ssa.Convert:
		rec.Op = castOp(v.X.Type(), v.Type())
		fe.setUses(rec, v.X)
	case *ssa.ChangeType:
		rec.Op = castOp(v.X.Type(), v.Type())
		fe.setUses(rec, v.X)
	case *ssa.Call:
		rec.Op = "call"
		fe.callUses(rec, v)
	case *ssa.If:
		rec.Op = "br"
		fe.setUses(rec, v.Cond)
		rec.Tx = &model.TxInfo{Kind: model.TxBranchCond, Which: 0}
	case *ssa.Jump:
		rec.Op = "br"
		fe.setUses(rec)
	case *ssa.Return:
		rec.Op = "ret"
		fe.setUses(rec, v.Results...)
	default:
		rec.Op = opName(ins)
		fe.setUses(rec, operandValues(ins)...)
	}
	if d := defValue(ins); d != nil {
		rec.Def = fe.valueID(d)
		if fe.e.TraceTypes {
			rec.DefTy = typeString(d.Type())
		}
	}
	if rec.Uses == nil {
		rec.Uses = []string{}
	}
	return rec
}

// unOpRecord lowers unary operators the way a compiler back end would:
// dereference becomes a load, negation and complement become their
// two-operand forms.
func (fe *funcEmitter) unOpRecord(rec *model.Instruction, v *ssa.UnOp) {
	switch v.Op {
	case token.MUL:
		rec.Op = "load"
		fe.setUses(rec, v.X)
		rec.Tx = &model.TxInfo{Kind: model.TxLoadAddr, Which: 0}
	case token.SUB:
		rec.Op = "sub"
		rec.Uses = []string{zeroConst(v.Type()), fe.valueID(v.X)}
		if fe.e.TraceTypes {
			ty := typeString(v.X.Type())
			rec.UseTys = []string{ty, ty}
		}
	case token.NOT:
		rec.Op = "xor"
		rec.Uses = []string{fe.valueID(v.X), model.TrueConst}
		if fe.e.TraceTypes {
			rec.UseTys = []string{"i1", "i1"}
		}
	case token.XOR:
		rec.Op = "xor"
		rec.Uses = []string{fe.valueID(v.X), allOnesConst(v.Type())}
		if fe.e.TraceTypes {
			ty := typeString(v.X.Type())
			rec.UseTys = []string{ty, ty}
		}
	default:
		rec.Op = strings.ToLower(v.Op.String())
		fe.setUses(rec, v.X)
	}
}

func (fe *funcEmitter) setUses(rec *model.Instruction, vals ...ssa.Value) {
	rec.Uses = make([]string, len(vals))
	for i, v := range vals {
		rec.Uses[i] = fe.valueID(v)
	}
	if fe.e.TraceTypes {
		rec.UseTys = make([]string, len(vals))
		for i, v := range vals {
			rec.UseTys[i] = typeString(v.Type())
		}
	}
}

// phiUses interleaves incoming value ids with the labels of the
// predecessors they arrive from.
func (fe *funcEmitter) phiUses(rec *model.Instruction, v *ssa.Phi) {
	preds := v.Block().Preds
	rec.Uses = make([]string, 0, 2*len(v.Edges))
	if fe.e.TraceTypes {
		rec.UseTys = make([]string, 0, 2*len(v.Edges))
	}
	for i, edge := range v.Edges {
		rec.Uses = append(rec.Uses, fe.valueID(edge), fe.labels[preds[i]])
		if fe.e.TraceTypes {
			rec.UseTys = append(rec.UseTys, typeString(edge.Type()), "label")
		}
	}
}

func (fe *funcEmitter) callUses(rec *model.Instruction, v *ssa.Call) {
	vals := make([]ssa.Value, 0, len(v.Call.Args)+1)
	vals = append(vals, v.Call.Value)
	vals = append(vals, v.Call.Args...)
	fe.setUses(rec, vals...)
	if v.Call.IsInvoke() {
		// Interface dispatch: record the method name as the callee.
		rec.Uses[0] = v.Call.Method.Name()
	}
}

// defValue returns ins as a defined value, or nil for void results.
func defValue(ins ssa.Instruction) ssa.Value {
	v, ok := ins.(ssa.Value)
	if !ok {
		return nil
	}
	if tup, ok := v.Type().(*types.Tuple); ok && tup.Len() == 0 {
		return nil
	}
	return v
}

// operandValues flattens an instruction's operands, dropping nils.
func operandValues(ins ssa.Instruction) []ssa.Value {
	var rands []*ssa.Value
	rands = ins.Operands(rands)
	vals := make([]ssa.Value, 0, len(rands))
	for _, r := range rands {
		if r == nil || *r == nil {
			continue
		}
		vals = append(vals, *r)
	}
	return vals
}

// opName lowercases the SSA instruction's type name for constructs
// with no direct lowering; they degrade to unknown downstream.
func opName(ins ssa.Instruction) string {
	return strings.ToLower(strings.TrimPrefix(fmt.Sprintf("%T", ins), "*ssa."))
}

func (fe *funcEmitter) valueID(v ssa.Value) string {
	switch v := v.(type) {
	case *ssa.Const:
		return constID(v)
	case *ssa.Parameter:
		return fe.paramID(v)
	case *ssa.Global:
		return v.Name()
	case *ssa.Function:
		return v.Name()
	case *ssa.Builtin:
		return v.Name()
	case *ssa.FreeVar:
		return v.Name()
	}
	if name := v.Name(); name != "" {
		return name
	}
	id, ok := fe.ids[v]
	if !ok {
		id = fmt.Sprintf("v%d", fe.nextID)
		fe.nextID++
		fe.ids[v] = id
	}
	return id
}

func (fe *funcEmitter) paramID(p *ssa.Parameter) string {
	if name := p.Name(); name != "" && name != "_" {
		return name
	}
	for i, q := range fe.fn.Params {
		if q == p {
			return fmt.Sprintf("arg%d", i)
		}
	}
	return p.Name()
}

// constID renders a constant id. Integers carry their width and signed
// value, so equal constants compare equal by id.
func constID(c *ssa.Const) string {
	if c.Value == nil {
		return model.ConstNull
	}
	if b, ok := c.Type().Underlying().(*types.Basic); ok {
		info := b.Info()
		switch {
		case info&types.IsBoolean != 0:
			return model.BoolConstID(constant.BoolVal(c.Value))
		case info&types.IsInteger != 0:
			if info&types.IsUnsigned != 0 {
				return model.IntConstID(intWidth(b), int64(c.Uint64()))
			}
			return model.IntConstID(intWidth(b), c.Int64())
		case info&types.IsFloat != 0:
			return model.FpConstID(c.Value.String())
		}
	}
	return model.OpaqueConstID(c.Value.String())
}

func zeroConst(t types.Type) string {
	if b, ok := t.Underlying().(*types.Basic); ok && b.Info()&types.IsInteger != 0 {
		return model.IntConstID(intWidth(b), 0)
	}
	return model.OpaqueConstID("0")
}

func allOnesConst(t types.Type) string {
	if b, ok := t.Underlying().(*types.Basic); ok && b.Info()&types.IsInteger != 0 {
		return model.IntConstID(intWidth(b), -1)
	}
	return model.OpaqueConstID("-1")
}

// binOp maps a Go SSA binary operator to its record op and comparison
// predicate. Shifts, division, and ordered comparisons pick the
// signed/unsigned form from the left operand's type.
func binOp(v *ssa.BinOp) (op, icmpPred, fcmpPred string) {
	t := v.X.Type()
	if isFloat(t) {
		switch v.Op {
		case token.ADD:
			return "fadd", "", ""
		case token.SUB:
			return "fsub", "", ""
		case token.MUL:
			return "fmul", "", ""
		case token.QUO:
			return "fdiv", "", ""
		case token.REM:
			return "frem", "", ""
		case token.EQL:
			return "fcmp", "", "oeq"
		case token.NEQ:
			return "fcmp", "", "one"
		case token.LSS:
			return "fcmp", "", "olt"
		case token.LEQ:
			return "fcmp", "", "ole"
		case token.GTR:
			return "fcmp", "", "ogt"
		case token.GEQ:
			return "fcmp", "", "oge"
		}
	}
	unsigned := isUnsigned(t)
	pred := func(u, s string) (string, string, string) {
		if unsigned {
			return "icmp", u, ""
		}
		return "icmp", s, ""
	}
	switch v.Op {
	case token.ADD:
		if isString(t) {
			return "concat", "", ""
		}
		return "add", "", ""
	case token.SUB:
		return "sub", "", ""
	case token.MUL:
		return "mul", "", ""
	case token.QUO:
		if unsigned {
			return "udiv", "", ""
		}
		return "sdiv", "", ""
	case token.REM:
		if unsigned {
			return "urem", "", ""
		}
		return "srem", "", ""
	case token.AND:
		return "and", "", ""
	case token.OR:
		return "or", "", ""
	case token.XOR:
		return "xor", "", ""
	case token.AND_NOT:
		return "andnot", "", ""
	case token.SHL:
		return "shl", "", ""
	case token.SHR:
		if unsigned {
			return "lshr", "", ""
		}
		return "ashr", "", ""
	case token.EQL:
		return "icmp", "eq", ""
	case token.NEQ:
		return "icmp", "ne", ""
	case token.LSS:
		return pred("ult", "slt")
	case token.LEQ:
		return pred("ule", "sle")
	case token.GTR:
		return pred("ugt", "sgt")
	case token.GEQ:
		return pred("uge", "sge")
	}
	return "binop", "", ""
}

// castOp classifies an integer conversion by the width change. Source
// signedness picks zext vs sext; non-integer conversions keep their
// SSA name and degrade downstream.
func castOp(from, to types.Type) string {
	fb, fok := basicScalar(from)
	tb, tok := basicScalar(to)
	if !fok || !tok {
		return "convert"
	}
	fw, tw := intWidth(fb), intWidth(tb)
	switch {
	case tw < fw:
		return "trunc"
	case tw > fw && fb.Info()&(types.IsUnsigned|types.IsBoolean) != 0:
		return "zext"
	case tw > fw:
		return "sext"
	default:
		return "zext"
	}
}

func basicScalar(t types.Type) (*types.Basic, bool) {
	b, ok := t.Underlying().(*types.Basic)
	if !ok || b.Info()&(types.IsInteger|types.IsBoolean) == 0 {
		return nil, false
	}
	return b, true
}

func isUnsigned(t types.Type) bool {
	b, ok := t.Underlying().(*types.Basic)
	return ok && b.Info()&types.IsUnsigned != 0
}

func isFloat(t types.Type) bool {
	b, ok := t.Underlying().(*types.Basic)
	return ok && b.Info()&types.IsFloat != 0
}

func isString(t types.Type) bool {
	b, ok := t.Underlying().(*types.Basic)
	return ok && b.Info()&types.IsString != 0
}

// intWidth returns the bit width of a boolean or integer type. The
// sized types map directly; int, uint, and uintptr are treated as
// 64-bit.
func intWidth(b *types.Basic) int {
	switch b.Kind() {
	case types.Bool, types.UntypedBool:
		return 1
	case types.Int8, types.Uint8:
		return 8
	case types.Int16, types.Uint16:
		return 16
	case types.Int32, types.Uint32:
		return 32
	default:
		return 64
	}
}

// typeString renders the wire type: iN for booleans and integers, ptr
// for everything else.
func typeString(t types.Type) string {
	if b, ok := basicScalar(t); ok {
		return fmt.Sprintf("i%d", intWidth(b))
	}
	return "ptr"
}
