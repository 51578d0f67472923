package ctpub

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/RovayL/ct-publicness/cfg"
	"github.com/RovayL/ct-publicness/model"
	"github.com/RovayL/ct-publicness/paths"
	"github.com/RovayL/ct-publicness/solver"
)

// secretDiamond branches on a public guard; the taken arm loads from
// the secret k, the other from the public x. All three transmitters
// (the branch condition and both load addresses) are tagged.
func secretDiamond(t *testing.T) *cfg.Graph {
	t.Helper()
	insts := []*model.Instruction{
		{Fn: "f", BB: "b0", PP: "f:b0:i0", Op: "icmp", Def: "v0", Uses: []string{"x", "const:i32:4"}, DefTy: "i1", UseTys: []string{"i32", "i32"}, ICmpPred: "ult"},
		{Fn: "f", BB: "b0", PP: "f:b0:i1", Op: "br", Uses: []string{"v0"}, Tx: &model.TxInfo{Kind: model.TxBranchCond, Which: 0}},
		{Fn: "f", BB: "b1", PP: "f:b1:i0", Op: "load", Def: "v1", Uses: []string{"k"}, DefTy: "i32", UseTys: []string{"i64"}, Tx: &model.TxInfo{Kind: model.TxLoadAddr, Which: 0}},
		{Fn: "f", BB: "b1", PP: "f:b1:i1", Op: "ret"},
		{Fn: "f", BB: "b2", PP: "f:b2:i0", Op: "load", Def: "v2", Uses: []string{"x"}, DefTy: "i32", UseTys: []string{"i64"}, Tx: &model.TxInfo{Kind: model.TxLoadAddr, Which: 0}},
		{Fn: "f", BB: "b2", PP: "f:b2:i1", Op: "ret"},
	}
	blocks := []*model.Block{
		{Fn: "f", BB: "b0", Succs: []string{"b1", "b2"}, TermPP: "f:b0:i1", TermOp: "br", Cond: "v0"},
		{Fn: "f", BB: "b1", TermPP: "f:b1:i1", TermOp: "ret"},
		{Fn: "f", BB: "b2", TermPP: "f:b2:i1", TermOp: "ret"},
	}
	edges := []*model.Edge{
		{Fn: "f", From: "b0", To: "b1", TermPP: "f:b0:i1", Branch: model.BranchCond, Cond: "v0", Sense: "true"},
		{Fn: "f", From: "b0", To: "b2", TermPP: "f:b0:i1", Branch: model.BranchCond, Cond: "v0", Sense: "false"},
	}
	g, err := cfg.Build("f", insts, blocks, edges)
	if err != nil {
		t.Fatalf("cfg.Build: %v", err)
	}
	return g
}

// straightGraph is a single block: one add, one transmitting load.
func straightGraph(t *testing.T, fn, input string) *cfg.Graph {
	t.Helper()
	insts := []*model.Instruction{
		{Fn: fn, BB: "b0", PP: fn + ":b0:i0", Op: "add", Def: "v0", Uses: []string{input, "const:i32:1"}, DefTy: "i32", UseTys: []string{"i32", "i32"}},
		{Fn: fn, BB: "b0", PP: fn + ":b0:i1", Op: "load", Def: "v1", Uses: []string{"v0"}, DefTy: "i32", UseTys: []string{"i32"}, Tx: &model.TxInfo{Kind: model.TxLoadAddr, Which: 0}},
		{Fn: fn, BB: "b0", PP: fn + ":b0:i2", Op: "ret"},
	}
	blocks := []*model.Block{{Fn: fn, BB: "b0", TermPP: fn + ":b0:i2", TermOp: "ret"}}
	g, err := cfg.Build(fn, insts, blocks, nil)
	if err != nil {
		t.Fatalf("cfg.Build: %v", err)
	}
	return g
}

func pointsByPP(pts []*model.PublicAtPoint) map[string]*model.PublicAtPoint {
	m := make(map[string]*model.PublicAtPoint, len(pts))
	for _, pt := range pts {
		m[pt.PP] = pt
	}
	return m
}

func TestAnalyzeFunctionEndToEnd(t *testing.T) {
	g := secretDiamond(t)
	conf := DefaultConfig()
	conf.Secrets = map[string][]string{"f": {"k"}}
	conf.Verify.Concurrency = 2

	backend := solver.NewGoSolver()
	defer backend.Close()

	var pathBuf, resultBuf, pointBuf bytes.Buffer
	sinks := &Sinks{
		Paths:   model.NewWriter(&pathBuf),
		Results: model.NewWriter(&resultBuf),
		Points:  model.NewWriter(&pointBuf),
	}
	rep, err := AnalyzeFunction(context.Background(), g, conf, backend, sinks)
	if err != nil {
		t.Fatalf("AnalyzeFunction: %v", err)
	}

	if len(rep.Enumerated.Paths) != 2 {
		t.Fatalf("got %d paths, want 2", len(rep.Enumerated.Paths))
	}
	if rep.Summary.PathsAnalyzed != 2 || rep.Summary.QueryCount == 0 {
		t.Errorf("summary: %+v", rep.Summary)
	}

	pts := pointsByPP(rep.Points)
	if len(pts) != 3 {
		t.Fatalf("points: %+v", rep.Points)
	}
	if pt := pts["f:b0:i1"]; pt.Value != "v0" || pt.Public != model.VerdictTrue || pt.TotalPaths != 2 {
		t.Errorf("branch point: %+v", pt)
	}
	if pt := pts["f:b1:i0"]; pt.Value != "k" || pt.Public != model.VerdictFalse || pt.TotalPaths != 1 || pt.MissingPaths != 0 {
		t.Errorf("secret point: %+v", pt)
	}
	if pt := pts["f:b2:i0"]; pt.Value != "x" || pt.Public != model.VerdictTrue {
		t.Errorf("public point: %+v", pt)
	}

	// Every sink must hold a well-formed stream.
	for _, s := range []*model.Writer{sinks.Paths, sinks.Results, sinks.Points} {
		if err := s.Flush(); err != nil {
			t.Fatalf("Flush: %v", err)
		}
	}
	pathRecs, err := model.ReadRecords(&pathBuf)
	if err != nil {
		t.Fatalf("ReadRecords(paths): %v", err)
	}
	if len(pathRecs.Paths) != 2 || len(pathRecs.PathSummaries) != 1 || len(pathRecs.Coverage) == 0 {
		t.Errorf("path stream: %d paths, %d summaries, %d coverage",
			len(pathRecs.Paths), len(pathRecs.PathSummaries), len(pathRecs.Coverage))
	}
	resultRecs, err := model.ReadRecords(&resultBuf)
	if err != nil {
		t.Fatalf("ReadRecords(results): %v", err)
	}
	if len(resultRecs.Publicness) != 4 || len(resultRecs.PathAnalysis) != 2 || len(resultRecs.FuncAnalysis) != 1 {
		t.Errorf("result stream: %d publicness, %d path summaries, %d function summaries",
			len(resultRecs.Publicness), len(resultRecs.PathAnalysis), len(resultRecs.FuncAnalysis))
	}
	pointRecs, err := model.ReadRecords(&pointBuf)
	if err != nil {
		t.Fatalf("ReadRecords(points): %v", err)
	}
	if len(pointRecs.Points) != 3 {
		t.Errorf("point stream: %+v", pointRecs.Points)
	}
}

func TestVerifyPathsStub(t *testing.T) {
	g := straightGraph(t, "f", "x")
	res, err := paths.Enumerate(g, paths.DefaultOptions())
	if err != nil {
		t.Fatalf("Enumerate: %v", err)
	}
	conf := DefaultConfig()
	conf.Stub = true

	rep, err := VerifyPaths(context.Background(), g, res.Paths, conf, nil, nil)
	if err != nil {
		t.Fatalf("VerifyPaths: %v", err)
	}
	if len(rep.Publicness) == 0 {
		t.Fatal("stub mode produced no records")
	}
	for _, r := range rep.Publicness {
		if r.Public != model.VerdictUnknown {
			t.Errorf("stub verdict: %+v", r)
		}
	}
	if rep.Summary.QueryCount != 0 {
		t.Errorf("stub mode queried the solver: %+v", rep.Summary)
	}
}

func TestRunnerKeepsOrderAndIsolatesFailures(t *testing.T) {
	good1 := straightGraph(t, "a", "x")
	bad := &cfg.Graph{Fn: "broken"}
	good2 := straightGraph(t, "c", "k")

	conf := DefaultConfig()
	conf.Secrets = map[string][]string{"c": {"k"}}
	backend := solver.NewGoSolver()
	defer backend.Close()

	var pointBuf bytes.Buffer
	sinks := &Sinks{Points: model.NewWriter(&pointBuf)}
	r := &Runner{Config: conf, Backend: backend, Sinks: sinks}
	reports, err := r.Run(context.Background(), []*cfg.Graph{good1, bad, good2})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(reports) != 3 {
		t.Fatalf("got %d reports", len(reports))
	}
	if reports[0].Fn != "a" || reports[1].Fn != "broken" || reports[2].Fn != "c" {
		t.Errorf("report order: %s, %s, %s", reports[0].Fn, reports[1].Fn, reports[2].Fn)
	}
	if reports[1].Err == nil {
		t.Error("empty graph did not fail")
	}
	if reports[0].Err != nil || reports[2].Err != nil {
		t.Errorf("healthy functions failed: %v, %v", reports[0].Err, reports[2].Err)
	}

	if pt := pointsByPP(reports[0].Points)["a:b0:i1"]; pt == nil || pt.Public != model.VerdictTrue {
		t.Errorf("a: %+v", reports[0].Points)
	}
	if pt := pointsByPP(reports[2].Points)["c:b0:i1"]; pt == nil || pt.Public != model.VerdictFalse {
		t.Errorf("c: %+v", reports[2].Points)
	}

	if err := sinks.Points.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	recs, err := model.ReadRecords(&pointBuf)
	if err != nil {
		t.Fatalf("ReadRecords: %v", err)
	}
	if len(recs.Points) != 2 {
		t.Errorf("point stream: %+v", recs.Points)
	}
}

func TestRunnerCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	conf := DefaultConfig()
	backend := solver.NewGoSolver()
	defer backend.Close()
	r := &Runner{Config: conf, Backend: backend, Sinks: &Sinks{}}
	if _, err := r.Run(ctx, []*cfg.Graph{straightGraph(t, "a", "x")}); err == nil {
		t.Error("expected a context error")
	}
}

func TestNewRunSummary(t *testing.T) {
	conf := DefaultConfig()
	conf.Budgets.MaxPaths = 33

	rs := NewRunSummary("demo", conf, nil)
	if rs.Source != "demo" || rs.ElapsedRuns != 0 || rs.ElapsedMs != 0 || rs.MaxPaths != 33 {
		t.Errorf("empty: %+v", rs)
	}

	rs = NewRunSummary("demo", conf, []time.Duration{10 * time.Millisecond})
	if rs.ElapsedRuns != 1 || rs.ElapsedMs != 10 {
		t.Errorf("single: %+v", rs)
	}
	if rs.ElapsedMsMin != 0 || rs.ElapsedMsMax != 0 || rs.ElapsedMsMean != 0 {
		t.Errorf("single run grew spread stats: %+v", rs)
	}

	rs = NewRunSummary("demo", conf, []time.Duration{
		30 * time.Millisecond, 10 * time.Millisecond, 20 * time.Millisecond,
	})
	if rs.ElapsedRuns != 3 || rs.ElapsedMs != 20 {
		t.Errorf("triple: %+v", rs)
	}
	if rs.ElapsedMsMin != 10 || rs.ElapsedMsMax != 30 || rs.ElapsedMsMedian != 20 || rs.ElapsedMsMean != 20 {
		t.Errorf("spread: %+v", rs)
	}
}
