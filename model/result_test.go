package model

import (
	"encoding/json"
	"fmt"
	"testing"
)

func TestVerdictJSON(t *testing.T) {
	testCases := []struct {
		v    Verdict
		wire string
	}{
		{VerdictTrue, "true"},
		{VerdictFalse, "false"},
		{VerdictUnknown, "null"},
	}
	for i, tc := range testCases {
		t.Run(fmt.Sprintf("%d", i), func(t *testing.T) {
			b, err := json.Marshal(tc.v)
			if err != nil {
				t.Fatalf("Marshal: %v", err)
			}
			if string(b) != tc.wire {
				t.Fatalf("Marshal: got %s, want %s", b, tc.wire)
			}
			var back Verdict
			if err := json.Unmarshal(b, &back); err != nil {
				t.Fatalf("Unmarshal: %v", err)
			}
			if back != tc.v {
				t.Errorf("round trip: got %v, want %v", back, tc.v)
			}
		})
	}

	var v Verdict
	if err := json.Unmarshal([]byte(`"maybe"`), &v); err == nil {
		t.Error("Unmarshal accepted \"maybe\"")
	}
}

func TestPathPublicnessWire(t *testing.T) {
	rec := PathPublicness{Fn: "f", PathID: 2, PP: "f:b1:i0", Value: "v4", Public: VerdictUnknown}
	b, err := MarshalRecord(rec)
	if err != nil {
		t.Fatalf("MarshalRecord: %v", err)
	}
	want := `{"fn":"f","path_id":2,"pp":"f:b1:i0","value":"v4","public":null}`
	if string(b) != want {
		t.Errorf("wire form: got %s, want %s", b, want)
	}
}

func TestFunctionAnalysisSummaryAdd(t *testing.T) {
	var fs FunctionAnalysisSummary
	fs.Fn = "f"
	fs.Add(PathAnalysisSummary{
		Fn: "f", PathID: 0, InstCount: 5, DefCount: 3,
		QueryCount: 2, SatCount: 1, UnsatCount: 1,
		SolverTimeMS: 0.5, CacheMisses: 2,
	})
	fs.Add(PathAnalysisSummary{
		Fn: "f", PathID: 1, InstCount: 4, DefCount: 2,
		QueryCount: 2, UnknownCount: 2, SolverTimeMS: 1.5, CacheHits: 2,
	})
	if fs.PathsAnalyzed != 2 || fs.InstCount != 9 || fs.DefCount != 5 {
		t.Errorf("counts: got %+v", fs)
	}
	if fs.QueryCount != 4 || fs.SatCount != 1 || fs.UnsatCount != 1 || fs.UnknownCount != 2 {
		t.Errorf("query counts: got %+v", fs)
	}
	if fs.SolverTimeMS != 2.0 || fs.CacheHits != 2 || fs.CacheMisses != 2 {
		t.Errorf("solver stats: got %+v", fs)
	}
}
