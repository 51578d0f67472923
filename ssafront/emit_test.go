package ssafront

import (
	"bytes"
	"go/ast"
	"go/parser"
	"go/token"
	"go/types"
	"strings"
	"testing"

	"golang.org/x/tools/go/ssa"
	"golang.org/x/tools/go/ssa/ssautil"

	"github.com/RovayL/ct-publicness/cfg"
	"github.com/RovayL/ct-publicness/model"
	"github.com/RovayL/ct-publicness/paths"
)

func buildPkg(t *testing.T, src string) *ssa.Package {
	t.Helper()
	fset := token.NewFileSet()
	f, err := parser.ParseFile(fset, "p.go", src, 0)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	pkg := types.NewPackage("p", "")
	ssaPkg, _, err := ssautil.BuildPackage(&types.Config{}, fset, pkg, []*ast.File{f}, ssa.SanityCheckFunctions)
	if err != nil {
		t.Fatalf("build SSA: %v", err)
	}
	return ssaPkg
}

func buildFunc(t *testing.T, src, name string) *ssa.Function {
	t.Helper()
	fn := buildPkg(t, src).Func(name)
	if fn == nil {
		t.Fatalf("function %s not found", name)
	}
	return fn
}

// emitFunc runs an Emitter over fn and decodes all three streams. The
// trace and CFG streams are also decoded together to mirror consumers
// that read a merged file.
func emitFunc(t *testing.T, fn *ssa.Function, maxInst int) (trace, index, cfgRecs, merged *model.Records) {
	t.Helper()
	var traceBuf, indexBuf, cfgBuf bytes.Buffer
	e := &Emitter{
		Trace:      model.NewWriter(&traceBuf),
		TraceIndex: model.NewWriter(&indexBuf),
		CFG:        model.NewWriter(&cfgBuf),
		MaxInst:    maxInst,
		TraceTypes: true,
	}
	if err := e.EmitFunction(fn); err != nil {
		t.Fatalf("EmitFunction: %v", err)
	}
	for _, w := range []*model.Writer{e.Trace, e.TraceIndex, e.CFG} {
		if err := w.Flush(); err != nil {
			t.Fatalf("Flush: %v", err)
		}
	}
	read := func(b []byte) *model.Records {
		rs, err := model.ReadRecords(bytes.NewReader(b))
		if err != nil {
			t.Fatalf("ReadRecords: %v", err)
		}
		return rs
	}
	both := append(append([]byte{}, traceBuf.Bytes()...), cfgBuf.Bytes()...)
	return read(traceBuf.Bytes()), read(indexBuf.Bytes()), read(cfgBuf.Bytes()), read(both)
}

func opsOf(recs *model.Records) []string {
	ops := make([]string, len(recs.Instructions))
	for i, in := range recs.Instructions {
		ops[i] = in.Op
	}
	return ops
}

func findOp(recs *model.Records, op string) *model.Instruction {
	for _, in := range recs.Instructions {
		if in.Op == op {
			return in
		}
	}
	return nil
}

const straightSrc = `package p

func f(p *int, x int) int {
	v := *p
	return v + x
}
`

func TestEmitStraightline(t *testing.T) {
	fn := buildFunc(t, straightSrc, "f")
	trace, index, cfgRecs, _ := emitFunc(t, fn, 0)

	if got := opsOf(trace); len(got) != 3 || got[0] != "load" || got[1] != "add" || got[2] != "ret" {
		t.Fatalf("ops: got %v", got)
	}
	load := trace.Instructions[0]
	if load.Tx == nil || load.Tx.Kind != model.TxLoadAddr || load.Tx.Which != 0 {
		t.Errorf("load transmitter: %+v", load.Tx)
	}
	if load.Uses[0] != "p" || load.Def == "" || load.DefTy != "i64" {
		t.Errorf("load record: %+v", load)
	}
	add := trace.Instructions[1]
	if add.Uses[0] != load.Def || add.Uses[1] != "x" {
		t.Errorf("add uses: %v", add.Uses)
	}
	if !strings.HasPrefix(load.PP, "f:b0") {
		t.Errorf("pp: %s", load.PP)
	}

	if len(cfgRecs.FuncSummaries) != 1 {
		t.Fatalf("func summaries: %d", len(cfgRecs.FuncSummaries))
	}
	fs := cfgRecs.FuncSummaries[0]
	if fs.InstCount != 3 || fs.BBCount != 1 || fs.TxCount != 1 || fs.TraceEmitted != 3 || fs.TraceTruncated {
		t.Errorf("func summary: %+v", fs)
	}
	if len(cfgRecs.Blocks) != 1 || len(cfgRecs.Edges) != 0 {
		t.Fatalf("cfg: %d blocks, %d edges", len(cfgRecs.Blocks), len(cfgRecs.Edges))
	}
	blk := cfgRecs.Blocks[0]
	if blk.TermOp != "ret" || len(blk.Succs) != 0 || blk.TermPP != trace.Instructions[2].PP {
		t.Errorf("block: %+v", blk)
	}

	if len(index.TraceIndex) != 3 {
		t.Fatalf("index entries: %d", len(index.TraceIndex))
	}
	for i, e := range index.TraceIndex {
		if e.Line != i+1 || e.PP != trace.Instructions[i].PP {
			t.Errorf("index %d: %+v", i, e)
		}
	}
}

const branchSrc = `package p

func g(x int) int {
	if x > 0 {
		return 1
	}
	return 2
}
`

func TestEmitBranchAndEnumerate(t *testing.T) {
	fn := buildFunc(t, branchSrc, "g")
	trace, _, cfgRecs, merged := emitFunc(t, fn, 0)

	cmp := findOp(trace, "icmp")
	if cmp == nil || cmp.ICmpPred != "sgt" {
		t.Fatalf("icmp: %+v", cmp)
	}
	if cmp.Uses[0] != "x" || cmp.Uses[1] != "const:i64:0" {
		t.Errorf("icmp uses: %v", cmp.Uses)
	}
	br := findOp(trace, "br")
	if br == nil || br.Tx == nil || br.Tx.Kind != model.TxBranchCond {
		t.Fatalf("br: %+v", br)
	}
	if len(br.Uses) != 1 || br.Uses[0] != cmp.Def {
		t.Errorf("br uses: %v", br.Uses)
	}

	if len(cfgRecs.Edges) != 2 {
		t.Fatalf("edges: %d", len(cfgRecs.Edges))
	}
	senses := map[string]string{}
	for _, e := range cfgRecs.Edges {
		if e.Branch != model.BranchCond || e.Cond != cmp.Def {
			t.Errorf("edge: %+v", e)
		}
		senses[e.Sense] = e.To
	}
	if len(senses) != 2 {
		t.Errorf("senses: %v", senses)
	}

	graphs, err := cfg.BuildAll(merged)
	if err != nil {
		t.Fatalf("BuildAll: %v", err)
	}
	if len(graphs) != 1 {
		t.Fatalf("graphs: %d", len(graphs))
	}
	res, err := paths.Enumerate(graphs[0], paths.DefaultOptions())
	if err != nil {
		t.Fatalf("Enumerate: %v", err)
	}
	if len(res.Paths) != 2 {
		t.Fatalf("paths: %d", len(res.Paths))
	}
	wantConds := map[string]bool{
		cmp.Def + "==const:i1:1": false,
		cmp.Def + "==const:i1:0": false,
	}
	for _, p := range res.Paths {
		if len(p.PathCond) != 1 {
			t.Fatalf("path cond: %v", p.PathCond)
		}
		wantConds[p.PathCond[0]] = true
	}
	for cond, seen := range wantConds {
		if !seen {
			t.Errorf("missing path condition %s", cond)
		}
	}
}

const loopSrc = `package p

func h(n int) int {
	s := 0
	for i := 0; i < n; i++ {
		s += i
	}
	return s
}
`

func TestEmitLoopPhi(t *testing.T) {
	fn := buildFunc(t, loopSrc, "h")
	trace, _, cfgRecs, _ := emitFunc(t, fn, 0)

	labels := make(map[string]bool)
	for _, b := range cfgRecs.Blocks {
		labels[b.BB] = true
	}

	var phis []*model.Instruction
	for _, in := range trace.Instructions {
		if in.Op == "phi" {
			phis = append(phis, in)
		}
	}
	if len(phis) != 2 {
		t.Fatalf("phis: %d", len(phis))
	}
	for _, phi := range phis {
		if len(phi.Uses) == 0 || len(phi.Uses)%2 != 0 {
			t.Fatalf("phi uses: %v", phi.Uses)
		}
		for i, pair := range phi.PhiIncoming() {
			if !labels[pair[1]] {
				t.Errorf("phi predecessor %s is not a block label", pair[1])
			}
			if phi.UseType(2*i+1) != "label" {
				t.Errorf("phi use_tys: %v", phi.UseTys)
			}
		}
	}

	// One back edge means exactly one acyclic path under the default
	// zero loop budget.
	graphs, err := cfg.BuildAll(&model.Records{
		Instructions: trace.Instructions,
		Blocks:       cfgRecs.Blocks,
		Edges:        cfgRecs.Edges,
	})
	if err != nil {
		t.Fatalf("BuildAll: %v", err)
	}
	res, err := paths.Enumerate(graphs[0], paths.DefaultOptions())
	if err != nil {
		t.Fatalf("Enumerate: %v", err)
	}
	if len(res.Paths) != 1 || !res.Summary.CutoffLoop {
		t.Errorf("paths=%d cutoff_loop=%v", len(res.Paths), res.Summary.CutoffLoop)
	}
}

func TestEmitMaxInstBudget(t *testing.T) {
	fn := buildFunc(t, straightSrc, "f")
	trace, index, cfgRecs, _ := emitFunc(t, fn, 2)

	if len(trace.Instructions) != 2 {
		t.Fatalf("trace: %d records", len(trace.Instructions))
	}
	if len(index.TraceIndex) != 2 {
		t.Errorf("index: %d entries", len(index.TraceIndex))
	}
	fs := cfgRecs.FuncSummaries[0]
	if !fs.TraceTruncated || fs.TraceEmitted != 2 || fs.InstCount != 3 || fs.TraceMaxInst != 2 {
		t.Errorf("func summary: %+v", fs)
	}
}

const unsignedSrc = `package p

func u(a, b uint32) uint32 {
	if a/b > 3 {
		return a >> 1
	}
	return a % b
}
`

func TestEmitUnsignedOps(t *testing.T) {
	fn := buildFunc(t, unsignedSrc, "u")
	trace, _, _, _ := emitFunc(t, fn, 0)

	if in := findOp(trace, "udiv"); in == nil || in.DefTy != "i32" {
		t.Errorf("udiv: %+v", in)
	}
	if in := findOp(trace, "urem"); in == nil {
		t.Error("missing urem")
	}
	if in := findOp(trace, "lshr"); in == nil {
		t.Error("missing lshr")
	}
	cmp := findOp(trace, "icmp")
	if cmp == nil || cmp.ICmpPred != "ugt" {
		t.Errorf("icmp: %+v", cmp)
	}
	if cmp != nil && cmp.Uses[1] != "const:i32:3" {
		t.Errorf("const id: %v", cmp.Uses)
	}
}

const castSrc = `package p

func c(x int32, y uint8) int64 {
	return int64(x) + int64(y)
}

func d(x int64) int8 {
	return int8(x)
}
`

func TestEmitCasts(t *testing.T) {
	pkg := buildPkg(t, castSrc)

	trace, _, _, _ := emitFunc(t, pkg.Func("c"), 0)
	if in := findOp(trace, "sext"); in == nil || in.DefTy != "i64" || in.UseType(0) != "i32" {
		t.Errorf("sext: %+v", in)
	}
	if in := findOp(trace, "zext"); in == nil || in.UseType(0) != "i8" {
		t.Errorf("zext: %+v", in)
	}

	trace, _, _, _ = emitFunc(t, pkg.Func("d"), 0)
	if in := findOp(trace, "trunc"); in == nil || in.DefTy != "i8" {
		t.Errorf("trunc: %+v", in)
	}
}

const negSrc = `package p

func n(x int, b bool) int {
	c := !b
	if c {
		return -x
	}
	return ^x
}
`

func TestEmitUnaryLowering(t *testing.T) {
	fn := buildFunc(t, negSrc, "n")
	trace, _, _, _ := emitFunc(t, fn, 0)

	sub := findOp(trace, "sub")
	if sub == nil || sub.Uses[0] != "const:i64:0" || sub.Uses[1] != "x" {
		t.Errorf("negation: %+v", sub)
	}
	var xors []*model.Instruction
	for _, in := range trace.Instructions {
		if in.Op == "xor" {
			xors = append(xors, in)
		}
	}
	if len(xors) != 2 {
		t.Fatalf("xors: %d", len(xors))
	}
	seenNot, seenComplement := false, false
	for _, in := range xors {
		switch in.Uses[1] {
		case model.TrueConst:
			seenNot = true
		case "const:i64:-1":
			seenComplement = true
		}
	}
	if !seenNot || !seenComplement {
		t.Errorf("xor lowering: %+v, %+v", xors[0], xors[1])
	}
}

const twoFnSrc = `package p

func a(x int) int { return x + 1 }

func b(x int) int { return x + 2 }
`

func TestFunctionsAndIndexAcrossFunctions(t *testing.T) {
	pkg := buildPkg(t, twoFnSrc)
	fns := Functions([]*ssa.Package{pkg}, nil)
	if len(fns) != 2 || fns[0].Name() != "a" || fns[1].Name() != "b" {
		names := make([]string, len(fns))
		for i, fn := range fns {
			names[i] = fn.Name()
		}
		t.Fatalf("functions: %v", names)
	}
	only := Functions([]*ssa.Package{pkg}, []string{"b"})
	if len(only) != 1 || only[0].Name() != "b" {
		t.Fatalf("filtered functions: %v", only)
	}

	var traceBuf, indexBuf bytes.Buffer
	e := &Emitter{
		Trace:      model.NewWriter(&traceBuf),
		TraceIndex: model.NewWriter(&indexBuf),
	}
	if err := e.Emit(fns); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if err := e.Trace.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := e.TraceIndex.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	entries, err := model.ScanTrace(bytes.NewReader(traceBuf.Bytes()))
	if err != nil {
		t.Fatalf("ScanTrace: %v", err)
	}
	recs, err := model.ReadRecords(bytes.NewReader(indexBuf.Bytes()))
	if err != nil {
		t.Fatalf("ReadRecords: %v", err)
	}
	if len(entries) != len(recs.TraceIndex) {
		t.Fatalf("scan found %d entries, emitter wrote %d", len(entries), len(recs.TraceIndex))
	}
	for i, e := range entries {
		w := recs.TraceIndex[i]
		if e.Line != i+1 || e.Line != w.Line || e.PP != w.PP || e.Def != w.Def {
			t.Errorf("entry %d: scanned %+v, emitted %+v", i, e, w)
		}
	}
}
