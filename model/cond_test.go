package model

import (
	"encoding/json"
	"fmt"
	"math"
	"testing"
)

func TestCondExprString(t *testing.T) {
	testCases := []struct {
		expr CondExpr
		want string
	}{
		{Eq{"x", TrueConst}, "x==const:i1:1"},
		{Ne{"v3", "const:i32:7"}, "v3!=const:i32:7"},
		{And{Terms: []CondExpr{Ne{"c", "const:i32:1"}, Ne{"c", "const:i32:2"}}}, "c!=const:i32:1 && c!=const:i32:2"},
		{Ne{"c", AnyCase}, "c!=<any>"},
	}
	for i, tc := range testCases {
		t.Run(fmt.Sprintf("%d", i), func(t *testing.T) {
			if got := tc.expr.String(); got != tc.want {
				t.Errorf("String: got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestCondExprJSON(t *testing.T) {
	testCases := []struct {
		expr CondExpr
		want string
	}{
		{Eq{"x", "const:i1:0"}, `{"op":"==","lhs":"x","rhs":"const:i1:0"}`},
		{Ne{"c", AnyCase}, `{"op":"!=","lhs":"c","rhs":"<any>"}`},
		{
			And{Terms: []CondExpr{Ne{"c", "const:i8:1"}, Ne{"c", "const:i8:2"}}},
			`{"op":"and","terms":[{"op":"!=","lhs":"c","rhs":"const:i8:1"},{"op":"!=","lhs":"c","rhs":"const:i8:2"}]}`,
		},
	}
	for i, tc := range testCases {
		t.Run(fmt.Sprintf("%d", i), func(t *testing.T) {
			b, err := MarshalRecord(tc.expr)
			if err != nil {
				t.Fatalf("MarshalRecord: %v", err)
			}
			if string(b) != tc.want {
				t.Fatalf("MarshalRecord: got %s, want %s", b, tc.want)
			}
			back, err := DecodeCondExpr(json.RawMessage(b))
			if err != nil {
				t.Fatalf("DecodeCondExpr: %v", err)
			}
			if back.String() != tc.expr.String() {
				t.Errorf("round trip: got %q, want %q", back.String(), tc.expr.String())
			}
		})
	}
}

func TestDecodeCondExprRejectsUnknownOp(t *testing.T) {
	if _, err := DecodeCondExpr(json.RawMessage(`{"op":"or","terms":[]}`)); err == nil {
		t.Error("DecodeCondExpr accepted op \"or\"")
	}
}

func TestConjoin(t *testing.T) {
	if got := Conjoin(nil); got != nil {
		t.Errorf("Conjoin(nil): got %v", got)
	}
	if got := Conjoin([]CondExpr{nil, nil}); got != nil {
		t.Errorf("Conjoin of nils: got %v", got)
	}
	one := Eq{"x", TrueConst}
	if got := Conjoin([]CondExpr{nil, one}); got != CondExpr(one) {
		t.Errorf("Conjoin single: got %v", got)
	}
	got := Conjoin([]CondExpr{one, Ne{"y", FalseConst}})
	and, ok := got.(And)
	if !ok || len(and.Terms) != 2 {
		t.Fatalf("Conjoin pair: got %#v", got)
	}
}

func TestParseCondString(t *testing.T) {
	testCases := []struct {
		in   string
		want string
	}{
		{"x==const:i1:1", "x==const:i1:1"},
		{"v2!=const:i32:0", "v2!=const:i32:0"},
		{"c!=const:i8:1 && c!=const:i8:2", "c!=const:i8:1 && c!=const:i8:2"},
		{"c != const:i8:1", "c!=const:i8:1"},
		{"c!=<any>", "c!=<any>"},
	}
	for i, tc := range testCases {
		t.Run(fmt.Sprintf("%d", i), func(t *testing.T) {
			e, err := ParseCondString(tc.in)
			if err != nil {
				t.Fatalf("ParseCondString: %v", err)
			}
			if e.String() != tc.want {
				t.Errorf("ParseCondString(%q): got %q, want %q", tc.in, e.String(), tc.want)
			}
		})
	}

	for i, bad := range []string{"", "   ", "x<y", "just-a-name"} {
		t.Run(fmt.Sprintf("bad-%d", i), func(t *testing.T) {
			if _, err := ParseCondString(bad); err == nil {
				t.Errorf("ParseCondString(%q) accepted", bad)
			}
		})
	}
}

// evalCond decides a condition under an assignment of value ids to
// integers. Constants resolve to their encoded value; the default-case
// sentinel matches nothing.
func evalCond(t *testing.T, e CondExpr, env map[string]int64) bool {
	t.Helper()
	resolve := func(id string) int64 {
		if _, v, ok := ParseIntConst(id); ok {
			return v
		}
		if id == AnyCase {
			return math.MinInt64
		}
		v, ok := env[id]
		if !ok {
			t.Fatalf("unbound id %q", id)
		}
		return v
	}
	switch x := e.(type) {
	case Eq:
		return resolve(x.LHS) == resolve(x.RHS)
	case Ne:
		return resolve(x.LHS) != resolve(x.RHS)
	case And:
		for _, term := range x.Terms {
			if !evalCond(t, term, env) {
				return false
			}
		}
		return true
	}
	t.Fatalf("unhandled expression %#v", e)
	return false
}

func TestCondFormEquivalence(t *testing.T) {
	conds := []CondExpr{
		Eq{"c", TrueConst},
		Eq{"c", FalseConst},
		Eq{"s", "const:i32:2"},
		Ne{"s", "const:i32:1"},
		Ne{"s", AnyCase},
		Conjoin([]CondExpr{Ne{"s", "const:i32:1"}, Ne{"s", "const:i32:2"}}),
		Conjoin([]CondExpr{Eq{"c", TrueConst}, Ne{"s", "const:i32:1"}, Ne{"s", "const:i32:2"}}),
	}
	var envs []map[string]int64
	for _, c := range []int64{0, 1} {
		for _, s := range []int64{0, 1, 2, 7, -1} {
			envs = append(envs, map[string]int64{"c": c, "s": s})
		}
	}
	for i, cond := range conds {
		t.Run(fmt.Sprintf("%d", i), func(t *testing.T) {
			fromString, err := ParseCondString(cond.String())
			if err != nil {
				t.Fatalf("ParseCondString: %v", err)
			}
			raw, err := json.Marshal(cond)
			if err != nil {
				t.Fatalf("Marshal: %v", err)
			}
			fromJSON, err := DecodeCondExpr(raw)
			if err != nil {
				t.Fatalf("DecodeCondExpr: %v", err)
			}
			for _, env := range envs {
				want := evalCond(t, cond, env)
				if got := evalCond(t, fromString, env); got != want {
					t.Errorf("string form under %v: got %v, want %v", env, got, want)
				}
				if got := evalCond(t, fromJSON, env); got != want {
					t.Errorf("json form under %v: got %v, want %v", env, got, want)
				}
			}
		})
	}
}
