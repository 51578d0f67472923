package paths

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/RovayL/ct-publicness/cfg"
	"github.com/RovayL/ct-publicness/model"
)

func buildGraph(t *testing.T, insts []*model.Instruction, blocks []*model.Block, edges []*model.Edge) *cfg.Graph {
	t.Helper()
	g, err := cfg.Build("f", insts, blocks, edges)
	if err != nil {
		t.Fatalf("cfg.Build: %v", err)
	}
	return g
}

// diamondGraph is a two-way branch on cond that rejoins at b3.
func diamondGraph(t *testing.T, cond string) *cfg.Graph {
	insts := []*model.Instruction{
		{Fn: "f", BB: "b0", PP: "f:b0:i0", Op: "icmp", Def: "f:b0:i0", Uses: []string{"x", "const:i32:0"}, ICmpPred: "sgt"},
		{Fn: "f", BB: "b0", PP: "f:b0:i1", Op: "br", Uses: []string{cond}},
		{Fn: "f", BB: "b1", PP: "f:b1:i0", Op: "br"},
		{Fn: "f", BB: "b2", PP: "f:b2:i0", Op: "br"},
		{Fn: "f", BB: "b3", PP: "f:b3:i0", Op: "ret", Uses: []string{"const:i32:0"}},
	}
	blocks := []*model.Block{
		{Fn: "f", BB: "b0", Succs: []string{"b1", "b2"}, TermPP: "f:b0:i1", TermOp: "br", Cond: cond},
		{Fn: "f", BB: "b1", Succs: []string{"b3"}, TermPP: "f:b1:i0", TermOp: "br"},
		{Fn: "f", BB: "b2", Succs: []string{"b3"}, TermPP: "f:b2:i0", TermOp: "br"},
		{Fn: "f", BB: "b3", TermPP: "f:b3:i0", TermOp: "ret"},
	}
	edges := []*model.Edge{
		{Fn: "f", From: "b0", To: "b1", TermPP: "f:b0:i1", Branch: model.BranchCond, Cond: cond, Sense: "true"},
		{Fn: "f", From: "b0", To: "b2", TermPP: "f:b0:i1", Branch: model.BranchCond, Cond: cond, Sense: "false"},
		{Fn: "f", From: "b1", To: "b3", TermPP: "f:b1:i0", Branch: model.BranchUncond},
		{Fn: "f", From: "b2", To: "b3", TermPP: "f:b2:i0", Branch: model.BranchUncond},
	}
	return buildGraph(t, insts, blocks, edges)
}

// switchGraph dispatches cond over cases 1 and 2 with a default block.
func switchGraph(t *testing.T, cond string) *cfg.Graph {
	insts := []*model.Instruction{
		{Fn: "f", BB: "b0", PP: "f:b0:i0", Op: "switch", Uses: []string{cond}},
		{Fn: "f", BB: "b1", PP: "f:b1:i0", Op: "ret"},
		{Fn: "f", BB: "b2", PP: "f:b2:i0", Op: "ret"},
		{Fn: "f", BB: "b3", PP: "f:b3:i0", Op: "ret"},
	}
	blocks := []*model.Block{
		{Fn: "f", BB: "b0", Succs: []string{"b3", "b1", "b2"}, TermPP: "f:b0:i0", TermOp: "switch", Cond: cond},
		{Fn: "f", BB: "b1", TermPP: "f:b1:i0", TermOp: "ret"},
		{Fn: "f", BB: "b2", TermPP: "f:b2:i0", TermOp: "ret"},
		{Fn: "f", BB: "b3", TermPP: "f:b3:i0", TermOp: "ret"},
	}
	edges := []*model.Edge{
		{Fn: "f", From: "b0", To: "b1", TermPP: "f:b0:i0", Branch: model.BranchSwitch, Cond: cond, Case: "const:i32:1"},
		{Fn: "f", From: "b0", To: "b2", TermPP: "f:b0:i0", Branch: model.BranchSwitch, Cond: cond, Case: "const:i32:2"},
		{Fn: "f", From: "b0", To: "b3", TermPP: "f:b0:i0", Branch: model.BranchSwitch, Cond: cond, Default: true},
	}
	return buildGraph(t, insts, blocks, edges)
}

// loopGraph is a self loop on b1 guarded by v1, exiting to b2.
func loopGraph(t *testing.T) *cfg.Graph {
	insts := []*model.Instruction{
		{Fn: "f", BB: "b0", PP: "f:b0:i0", Op: "br"},
		{Fn: "f", BB: "b1", PP: "f:b1:i0", Op: "icmp", Def: "v1", Uses: []string{"n", "const:i32:4"}, ICmpPred: "ult"},
		{Fn: "f", BB: "b1", PP: "f:b1:i1", Op: "br", Uses: []string{"v1"}},
		{Fn: "f", BB: "b2", PP: "f:b2:i0", Op: "ret"},
	}
	blocks := []*model.Block{
		{Fn: "f", BB: "b0", Succs: []string{"b1"}, TermPP: "f:b0:i0", TermOp: "br"},
		{Fn: "f", BB: "b1", Succs: []string{"b1", "b2"}, TermPP: "f:b1:i1", TermOp: "br", Cond: "v1"},
		{Fn: "f", BB: "b2", TermPP: "f:b2:i0", TermOp: "ret"},
	}
	edges := []*model.Edge{
		{Fn: "f", From: "b0", To: "b1", TermPP: "f:b0:i0", Branch: model.BranchUncond},
		{Fn: "f", From: "b1", To: "b1", TermPP: "f:b1:i1", Branch: model.BranchCond, Cond: "v1", Sense: "true"},
		{Fn: "f", From: "b1", To: "b2", TermPP: "f:b1:i1", Branch: model.BranchCond, Cond: "v1", Sense: "false"},
	}
	return buildGraph(t, insts, blocks, edges)
}

func indirectGraph(t *testing.T, target string) *cfg.Graph {
	insts := []*model.Instruction{
		{Fn: "f", BB: "b0", PP: "f:b0:i0", Op: "indirectbr", Uses: []string{target}},
		{Fn: "f", BB: "b1", PP: "f:b1:i0", Op: "ret"},
		{Fn: "f", BB: "b2", PP: "f:b2:i0", Op: "ret"},
	}
	blocks := []*model.Block{
		{Fn: "f", BB: "b0", Succs: []string{"b1", "b2"}, TermPP: "f:b0:i0", TermOp: "indirectbr", Target: target},
		{Fn: "f", BB: "b1", TermPP: "f:b1:i0", TermOp: "ret"},
		{Fn: "f", BB: "b2", TermPP: "f:b2:i0", TermOp: "ret"},
	}
	edges := []*model.Edge{
		{Fn: "f", From: "b0", To: "b1", TermPP: "f:b0:i0", Branch: model.BranchIndirect, Target: target},
		{Fn: "f", From: "b0", To: "b2", TermPP: "f:b0:i0", Branch: model.BranchIndirect, Target: target},
	}
	return buildGraph(t, insts, blocks, edges)
}

func pathBBs(p *model.Path) string   { return strings.Join(p.BBs, " ") }
func pathConds(p *model.Path) string { return strings.Join(p.PathCond, "; ") }

func enumerate(t *testing.T, g *cfg.Graph, opts Options) *Result {
	t.Helper()
	res, err := Enumerate(g, opts)
	if err != nil {
		t.Fatalf("Enumerate: %v", err)
	}
	for _, p := range res.Paths {
		if err := p.Validate(); err != nil {
			t.Fatalf("path %d invalid: %v", p.PathID, err)
		}
	}
	return res
}

func TestEnumerateDiamond(t *testing.T) {
	g := diamondGraph(t, "f:b0:i0")
	res := enumerate(t, g, DefaultOptions())

	if len(res.Paths) != 2 {
		t.Fatalf("got %d paths, want 2", len(res.Paths))
	}
	if pathBBs(res.Paths[0]) != "b0 b1 b3" || pathBBs(res.Paths[1]) != "b0 b2 b3" {
		t.Errorf("path order: %q, %q", pathBBs(res.Paths[0]), pathBBs(res.Paths[1]))
	}
	for i, p := range res.Paths {
		if p.PathID != i {
			t.Errorf("path %d: id %d", i, p.PathID)
		}
		if len(p.Decisions) != 2 {
			t.Errorf("path %d: %d decisions", i, len(p.Decisions))
		}
	}

	d0, ok := res.Paths[0].Decisions[0].(model.BranchDecision)
	if !ok || d0.Cond != "f:b0:i0" || !d0.Sense {
		t.Errorf("first decision: %+v", res.Paths[0].Decisions[0])
	}
	if _, ok := res.Paths[0].Decisions[1].(model.UncondDecision); !ok {
		t.Errorf("second decision: %+v", res.Paths[0].Decisions[1])
	}
	if pathConds(res.Paths[0]) != "f:b0:i0==const:i1:1" {
		t.Errorf("path 0 cond: %q", pathConds(res.Paths[0]))
	}
	if pathConds(res.Paths[1]) != "f:b0:i0==const:i1:0" {
		t.Errorf("path 1 cond: %q", pathConds(res.Paths[1]))
	}

	s := res.Summary
	if s.PathsEmitted != 2 || s.DFSLeaves != 2 || s.DFSCalls != 5 {
		t.Errorf("summary counters: %+v", s)
	}
	if s.Truncated || s.CutoffDepth || s.CutoffLoop || s.Disabled {
		t.Errorf("summary flags: %+v", s)
	}
}

func TestConstCondBranchPruned(t *testing.T) {
	g := diamondGraph(t, "const:i1:0")
	res := enumerate(t, g, DefaultOptions())

	if len(res.Paths) != 1 || pathBBs(res.Paths[0]) != "b0 b2 b3" {
		t.Fatalf("paths: %+v", res.Paths)
	}
	d, ok := res.Paths[0].Decisions[0].(model.BranchDecision)
	if !ok || d.Cond != "const:i1:0" || d.Sense {
		t.Errorf("decision: %+v", res.Paths[0].Decisions[0])
	}
	if pathConds(res.Paths[0]) != "const:i1:0==const:i1:0" {
		t.Errorf("cond: %q", pathConds(res.Paths[0]))
	}
	if res.Summary.ConstPrunedBr != 1 {
		t.Errorf("const_pruned_br: %d", res.Summary.ConstPrunedBr)
	}
}

func TestSwitchCasesThenDefault(t *testing.T) {
	g := switchGraph(t, "s0")
	res := enumerate(t, g, DefaultOptions())

	if len(res.Paths) != 3 {
		t.Fatalf("got %d paths, want 3", len(res.Paths))
	}
	wantBBs := []string{"b0 b1", "b0 b2", "b0 b3"}
	wantConds := []string{
		"s0==const:i32:1",
		"s0==const:i32:2",
		"s0!=const:i32:1 && s0!=const:i32:2",
	}
	for i, p := range res.Paths {
		if pathBBs(p) != wantBBs[i] {
			t.Errorf("path %d bbs: %q", i, pathBBs(p))
		}
		if pathConds(p) != wantConds[i] {
			t.Errorf("path %d cond: %q", i, pathConds(p))
		}
	}
	d, ok := res.Paths[2].Decisions[0].(model.SwitchDefaultDecision)
	if !ok || len(d.Cases) != 2 {
		t.Errorf("default decision: %+v", res.Paths[2].Decisions[0])
	}
}

func TestSwitchConstCond(t *testing.T) {
	testCases := []struct {
		cond     string
		wantBBs  string
		wantCond string
	}{
		{"const:i32:2", "b0 b2", "const:i32:2==const:i32:2"},
		{"const:i32:9", "b0 b3", "const:i32:9!=const:i32:1 && const:i32:9!=const:i32:2"},
	}
	for i, tc := range testCases {
		t.Run(fmt.Sprintf("%d", i), func(t *testing.T) {
			g := switchGraph(t, tc.cond)
			res := enumerate(t, g, DefaultOptions())
			if len(res.Paths) != 1 {
				t.Fatalf("got %d paths, want 1", len(res.Paths))
			}
			if pathBBs(res.Paths[0]) != tc.wantBBs {
				t.Errorf("bbs: %q", pathBBs(res.Paths[0]))
			}
			if pathConds(res.Paths[0]) != tc.wantCond {
				t.Errorf("cond: %q", pathConds(res.Paths[0]))
			}
			if res.Summary.ConstPrunedSwitch != 1 {
				t.Errorf("const_pruned_switch: %d", res.Summary.ConstPrunedSwitch)
			}
		})
	}
}

func TestSwitchDefaultOnly(t *testing.T) {
	insts := []*model.Instruction{
		{Fn: "f", BB: "b0", PP: "f:b0:i0", Op: "switch", Uses: []string{"s0"}},
		{Fn: "f", BB: "b1", PP: "f:b1:i0", Op: "ret"},
	}
	blocks := []*model.Block{
		{Fn: "f", BB: "b0", Succs: []string{"b1"}, TermPP: "f:b0:i0", TermOp: "switch", Cond: "s0"},
		{Fn: "f", BB: "b1", TermPP: "f:b1:i0", TermOp: "ret"},
	}
	edges := []*model.Edge{
		{Fn: "f", From: "b0", To: "b1", TermPP: "f:b0:i0", Branch: model.BranchSwitch, Cond: "s0", Default: true},
	}
	g := buildGraph(t, insts, blocks, edges)
	res := enumerate(t, g, DefaultOptions())
	if len(res.Paths) != 1 {
		t.Fatalf("got %d paths, want 1", len(res.Paths))
	}
	if pathConds(res.Paths[0]) != "s0!=<any>" {
		t.Errorf("cond: %q", pathConds(res.Paths[0]))
	}
}

func TestIndirectBranch(t *testing.T) {
	g := indirectGraph(t, "t0")
	res := enumerate(t, g, DefaultOptions())
	if len(res.Paths) != 2 {
		t.Fatalf("got %d paths, want 2", len(res.Paths))
	}
	if pathConds(res.Paths[0]) != "t0==label:b1" || pathConds(res.Paths[1]) != "t0==label:b2" {
		t.Errorf("conds: %q, %q", pathConds(res.Paths[0]), pathConds(res.Paths[1]))
	}

	g = indirectGraph(t, "label:b2")
	res = enumerate(t, g, DefaultOptions())
	if len(res.Paths) != 1 || pathBBs(res.Paths[0]) != "b0 b2" {
		t.Fatalf("resolved paths: %+v", res.Paths)
	}
	if pathConds(res.Paths[0]) != "label:b2==label:b2" {
		t.Errorf("resolved cond: %q", pathConds(res.Paths[0]))
	}
	if res.Summary.ConstPrunedIndir != 1 {
		t.Errorf("const_pruned_indirect: %d", res.Summary.ConstPrunedIndir)
	}
}

func TestMaxPathsTruncates(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxPaths = 1
	res := enumerate(t, diamondGraph(t, "f:b0:i0"), opts)

	if len(res.Paths) != 1 || pathBBs(res.Paths[0]) != "b0 b1 b3" {
		t.Fatalf("paths: %+v", res.Paths)
	}
	s := res.Summary
	if !s.Truncated || s.DFSPruneMaxPaths != 1 || s.PathsEmitted != 1 {
		t.Errorf("summary: %+v", s)
	}
}

func TestMaxDepthCutoff(t *testing.T) {
	insts := []*model.Instruction{
		{Fn: "f", BB: "b0", PP: "f:b0:i0", Op: "br"},
		{Fn: "f", BB: "b1", PP: "f:b1:i0", Op: "br"},
		{Fn: "f", BB: "b2", PP: "f:b2:i0", Op: "ret"},
	}
	blocks := []*model.Block{
		{Fn: "f", BB: "b0", Succs: []string{"b1"}, TermPP: "f:b0:i0", TermOp: "br"},
		{Fn: "f", BB: "b1", Succs: []string{"b2"}, TermPP: "f:b1:i0", TermOp: "br"},
		{Fn: "f", BB: "b2", TermPP: "f:b2:i0", TermOp: "ret"},
	}
	g := buildGraph(t, insts, blocks, nil)

	opts := DefaultOptions()
	opts.MaxDepth = 2
	res := enumerate(t, g, opts)

	if len(res.Paths) != 0 || res.Summary.PathsEmitted != 0 {
		t.Fatalf("paths under depth cutoff: %+v", res.Paths)
	}
	if !res.Summary.CutoffDepth || res.Summary.DFSPruneMaxDepth != 1 {
		t.Errorf("summary: %+v", res.Summary)
	}
}

func TestLoopBudget(t *testing.T) {
	testCases := []struct {
		maxLoopIters int
		wantPaths    int
		wantLongest  string
	}{
		{0, 1, "b0 b1 b2"},
		{1, 2, "b0 b1 b1 b2"},
		{2, 3, "b0 b1 b1 b1 b2"},
	}
	for i, tc := range testCases {
		t.Run(fmt.Sprintf("%d", i), func(t *testing.T) {
			opts := DefaultOptions()
			opts.MaxLoopIters = tc.maxLoopIters
			res := enumerate(t, loopGraph(t), opts)
			if len(res.Paths) != tc.wantPaths {
				t.Fatalf("got %d paths, want %d", len(res.Paths), tc.wantPaths)
			}
			if pathBBs(res.Paths[0]) != tc.wantLongest {
				t.Errorf("longest path: %q", pathBBs(res.Paths[0]))
			}
			if !res.Summary.CutoffLoop || res.Summary.DFSPruneLoop != 1 {
				t.Errorf("summary: %+v", res.Summary)
			}
		})
	}
}

func TestDisabledWhenMaxPathsZero(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxPaths = 0
	res := enumerate(t, diamondGraph(t, "f:b0:i0"), opts)

	if len(res.Paths) != 0 || res.Coverage != nil {
		t.Fatalf("disabled run emitted output: %+v", res)
	}
	s := res.Summary
	if !s.Disabled || s.PathsEmitted != 0 || s.DFSCalls != 0 {
		t.Errorf("summary: %+v", s)
	}
}

func TestCoverage(t *testing.T) {
	res := enumerate(t, diamondGraph(t, "f:b0:i0"), DefaultOptions())

	wantOrder := []string{"f:b0:i0", "f:b0:i1", "f:b1:i0", "f:b3:i0", "f:b2:i0"}
	if len(res.Coverage) != len(wantOrder) {
		t.Fatalf("got %d coverage records, want %d", len(res.Coverage), len(wantOrder))
	}
	for i, c := range res.Coverage {
		if c.PP != wantOrder[i] {
			t.Errorf("coverage[%d]: %s, want %s", i, c.PP, wantOrder[i])
		}
	}

	byPP := make(map[string]*model.Coverage)
	for _, c := range res.Coverage {
		byPP[c.PP] = c
	}
	if c := byPP["f:b3:i0"]; c.PathCount != 2 || len(c.PathIDs) != 2 || c.Truncated {
		t.Errorf("join point coverage: %+v", c)
	}
	if c := byPP["f:b2:i0"]; c.PathCount != 1 || c.PathIDs[0] != 1 {
		t.Errorf("false arm coverage: %+v", c)
	}
}

func TestCoverageIDCap(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxPPPathIDs = 1
	res := enumerate(t, diamondGraph(t, "f:b0:i0"), opts)

	for _, c := range res.Coverage {
		if c.PP != "f:b0:i0" {
			continue
		}
		if c.PathCount != 2 || len(c.PathIDs) != 1 || c.PathIDs[0] != 0 || !c.Truncated {
			t.Errorf("capped coverage: %+v", c)
		}
		return
	}
	t.Fatal("entry point missing from coverage")
}

func TestPPSeq(t *testing.T) {
	opts := DefaultOptions()
	opts.EmitPPSeq = true
	res := enumerate(t, diamondGraph(t, "f:b0:i0"), opts)

	want := "f:b0:i0 f:b0:i1 f:b1:i0 f:b3:i0"
	if got := strings.Join(res.Paths[0].PPSeq, " "); got != want {
		t.Errorf("pp_seq: %q, want %q", got, want)
	}
}

func TestCondFormats(t *testing.T) {
	testCases := []struct {
		format     string
		wantString bool
		wantJSON   bool
	}{
		{CondString, true, false},
		{CondJSON, false, true},
		{CondBoth, true, true},
		{"", true, false},
	}
	for i, tc := range testCases {
		t.Run(fmt.Sprintf("%d", i), func(t *testing.T) {
			opts := DefaultOptions()
			opts.CondFormat = tc.format
			res := enumerate(t, diamondGraph(t, "f:b0:i0"), opts)
			p := res.Paths[0]
			if (p.PathCond != nil) != tc.wantString {
				t.Errorf("path_cond present=%v", p.PathCond != nil)
			}
			if (p.PathCondJSON != nil) != tc.wantJSON {
				t.Errorf("path_cond_json present=%v", p.PathCondJSON != nil)
			}
			if tc.wantJSON && p.PathCondJSON[0].String() != "f:b0:i0==const:i1:1" {
				t.Errorf("cond expr: %q", p.PathCondJSON[0].String())
			}
		})
	}

	opts := DefaultOptions()
	opts.CondFormat = "xml"
	if _, err := Enumerate(diamondGraph(t, "f:b0:i0"), opts); err == nil {
		t.Error("Enumerate accepted bad cond format")
	}
}

func TestDeterministic(t *testing.T) {
	marshal := func() []byte {
		res := enumerate(t, loopGraph(t), DefaultOptions())
		var buf bytes.Buffer
		for _, p := range res.Paths {
			b, err := json.Marshal(p)
			if err != nil {
				t.Fatalf("marshal path: %v", err)
			}
			buf.Write(b)
			buf.WriteByte('\n')
		}
		return buf.Bytes()
	}
	if a, b := marshal(), marshal(); !bytes.Equal(a, b) {
		t.Error("two runs produced different output")
	}
}
