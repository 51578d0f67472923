package model

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// Decision kinds on the wire.
const (
	DecisionUncond   = "uncond"
	DecisionBranch   = "br"
	DecisionSwitch   = "switch"
	DecisionIndirect = "indirect"
)

// Decision is one control transfer taken along a path. The variants are
// closed: unconditional transfer, conditional branch, switch case,
// switch default, and indirect transfer.
type Decision interface {
	// Kind returns the wire kind string.
	Kind() string

	// ProgramPoint returns the terminator's program point.
	ProgramPoint() string

	// Next returns the label of the chosen successor block.
	Next() string

	// Constraint returns the branching constraint this decision
	// contributes to the path condition, or nil for none.
	Constraint() CondExpr

	isDecision()
}

// UncondDecision is a single-successor transfer. It carries no
// constraint.
type UncondDecision struct {
	PP   string
	Succ string
}

// BranchDecision is a conditional branch; Sense is true when the first
// (true) successor was taken.
type BranchDecision struct {
	PP    string
	Cond  string
	Succ  string
	Sense bool
}

// SwitchCaseDecision is a switch transfer through an enumerated case.
type SwitchCaseDecision struct {
	PP   string
	Cond string
	Succ string
	Case string
}

// SwitchDefaultDecision is a switch transfer through the default
// successor. Cases lists the enumerated case constants the condition is
// asserted not to equal; it is carried in memory only, not on the wire.
type SwitchDefaultDecision struct {
	PP    string
	Cond  string
	Succ  string
	Cases []string
}

// IndirectDecision is an indirect transfer pinned to one declared
// successor.
type IndirectDecision struct {
	PP     string
	Target string
	Succ   string
}

func (d UncondDecision) isDecision()        {}
func (d BranchDecision) isDecision()        {}
func (d SwitchCaseDecision) isDecision()    {}
func (d SwitchDefaultDecision) isDecision() {}
func (d IndirectDecision) isDecision()      {}

func (d UncondDecision) Kind() string        { return DecisionUncond }
func (d BranchDecision) Kind() string        { return DecisionBranch }
func (d SwitchCaseDecision) Kind() string    { return DecisionSwitch }
func (d SwitchDefaultDecision) Kind() string { return DecisionSwitch }
func (d IndirectDecision) Kind() string      { return DecisionIndirect }

func (d UncondDecision) ProgramPoint() string        { return d.PP }
func (d BranchDecision) ProgramPoint() string        { return d.PP }
func (d SwitchCaseDecision) ProgramPoint() string    { return d.PP }
func (d SwitchDefaultDecision) ProgramPoint() string { return d.PP }
func (d IndirectDecision) ProgramPoint() string      { return d.PP }

func (d UncondDecision) Next() string        { return d.Succ }
func (d BranchDecision) Next() string        { return d.Succ }
func (d SwitchCaseDecision) Next() string    { return d.Succ }
func (d SwitchDefaultDecision) Next() string { return d.Succ }
func (d IndirectDecision) Next() string      { return d.Succ }

func (d UncondDecision) Constraint() CondExpr { return nil }

func (d BranchDecision) Constraint() CondExpr {
	return Eq{LHS: d.Cond, RHS: BoolConstID(d.Sense)}
}

func (d SwitchCaseDecision) Constraint() CondExpr {
	return Eq{LHS: d.Cond, RHS: d.Case}
}

func (d SwitchDefaultDecision) Constraint() CondExpr {
	if len(d.Cases) == 0 {
		return Ne{LHS: d.Cond, RHS: AnyCase}
	}
	terms := make([]CondExpr, len(d.Cases))
	for i, c := range d.Cases {
		terms[i] = Ne{LHS: d.Cond, RHS: c}
	}
	return Conjoin(terms)
}

func (d IndirectDecision) Constraint() CondExpr {
	return Eq{LHS: d.Target, RHS: LabelID(d.Succ)}
}

// decisionRecord is the flat wire form shared by all variants.
type decisionRecord struct {
	PP      string `json:"pp"`
	Kind    string `json:"kind"`
	Succ    string `json:"succ"`
	Cond    string `json:"cond,omitempty"`
	Sense   string `json:"sense,omitempty"`
	Case    string `json:"case,omitempty"`
	Default bool   `json:"default,omitempty"`
	Target  string `json:"target,omitempty"`
}

func (d UncondDecision) MarshalJSON() ([]byte, error) {
	return MarshalRecord(decisionRecord{PP: d.PP, Kind: DecisionUncond, Succ: d.Succ})
}

func (d BranchDecision) MarshalJSON() ([]byte, error) {
	sense := "false"
	if d.Sense {
		sense = "true"
	}
	return MarshalRecord(decisionRecord{
		PP: d.PP, Kind: DecisionBranch, Succ: d.Succ, Cond: d.Cond, Sense: sense,
	})
}

func (d SwitchCaseDecision) MarshalJSON() ([]byte, error) {
	return MarshalRecord(decisionRecord{
		PP: d.PP, Kind: DecisionSwitch, Succ: d.Succ, Cond: d.Cond, Case: d.Case,
	})
}

func (d SwitchDefaultDecision) MarshalJSON() ([]byte, error) {
	return MarshalRecord(decisionRecord{
		PP: d.PP, Kind: DecisionSwitch, Succ: d.Succ, Cond: d.Cond, Default: true,
	})
}

func (d IndirectDecision) MarshalJSON() ([]byte, error) {
	return MarshalRecord(decisionRecord{
		PP: d.PP, Kind: DecisionIndirect, Succ: d.Succ, Target: d.Target,
	})
}

// DecodeDecision parses the wire form of one decision.
func DecodeDecision(raw json.RawMessage) (Decision, error) {
	var rec decisionRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, errors.Wrap(err, "failed to decode decision")
	}
	switch rec.Kind {
	case DecisionUncond:
		return UncondDecision{PP: rec.PP, Succ: rec.Succ}, nil
	case DecisionBranch:
		return BranchDecision{PP: rec.PP, Cond: rec.Cond, Succ: rec.Succ, Sense: rec.Sense == "true"}, nil
	case DecisionSwitch:
		if rec.Default {
			return SwitchDefaultDecision{PP: rec.PP, Cond: rec.Cond, Succ: rec.Succ}, nil
		}
		return SwitchCaseDecision{PP: rec.PP, Cond: rec.Cond, Succ: rec.Succ, Case: rec.Case}, nil
	case DecisionIndirect:
		return IndirectDecision{PP: rec.PP, Target: rec.Target, Succ: rec.Succ}, nil
	}
	return nil, errors.Errorf("unknown decision kind %q", rec.Kind)
}

// Path is one enumerated path: its block sequence, the decision taken at
// every transfer, and the path condition in the emitted format(s). A
// path is immutable once emitted; path ids are assigned in discovery
// order within one function.
type Path struct {
	Fn           string     `json:"fn"`
	PathID       int        `json:"path_id"`
	BBs          []string   `json:"bbs"`
	Decisions    []Decision `json:"decisions"`
	PPSeq        []string   `json:"pp_seq,omitempty"`
	PathCond     []string   `json:"path_cond,omitempty"`
	PathCondJSON []CondExpr `json:"path_cond_json,omitempty"`
}

// UnmarshalJSON decodes the wire form, reconstructing the decision and
// condition-expression variants.
func (p *Path) UnmarshalJSON(b []byte) error {
	var rec struct {
		Fn           string            `json:"fn"`
		PathID       int               `json:"path_id"`
		BBs          []string          `json:"bbs"`
		Decisions    []json.RawMessage `json:"decisions"`
		PPSeq        []string          `json:"pp_seq"`
		PathCond     []string          `json:"path_cond"`
		PathCondJSON []json.RawMessage `json:"path_cond_json"`
	}
	if err := json.Unmarshal(b, &rec); err != nil {
		return errors.Wrap(err, "failed to decode path record")
	}
	p.Fn = rec.Fn
	p.PathID = rec.PathID
	p.BBs = rec.BBs
	p.PPSeq = rec.PPSeq
	p.PathCond = rec.PathCond
	p.Decisions = nil
	for _, rd := range rec.Decisions {
		d, err := DecodeDecision(rd)
		if err != nil {
			return err
		}
		p.Decisions = append(p.Decisions, d)
	}
	p.PathCondJSON = nil
	for _, rc := range rec.PathCondJSON {
		e, err := DecodeCondExpr(rc)
		if err != nil {
			return err
		}
		p.PathCondJSON = append(p.PathCondJSON, e)
	}
	return nil
}

// Validate checks the structural invariants of an emitted path: a
// non-empty block sequence, one decision per transfer, and each
// decision leading to the next block.
func (p *Path) Validate() error {
	if len(p.BBs) == 0 {
		return errors.Errorf("path %d in %s has no blocks", p.PathID, p.Fn)
	}
	if len(p.Decisions) != len(p.BBs)-1 {
		return errors.Errorf("path %d in %s has %d decisions for %d blocks",
			p.PathID, p.Fn, len(p.Decisions), len(p.BBs))
	}
	for i, d := range p.Decisions {
		if d.Next() != p.BBs[i+1] {
			return errors.Errorf("path %d in %s: decision %d leads to %s, block sequence has %s",
				p.PathID, p.Fn, i, d.Next(), p.BBs[i+1])
		}
	}
	return nil
}

// Coverage records which paths pass through one program point. PathIDs
// is capped by the producer; Truncated is set when ids were dropped and
// PathCount keeps the full count.
type Coverage struct {
	Fn        string `json:"fn"`
	PP        string `json:"pp"`
	PathCount int    `json:"path_count"`
	PathIDs   []int  `json:"path_ids"`
	Truncated bool   `json:"truncated,omitempty"`
}

// PathSummary reports the enumeration outcome and pruning counters for
// one function. When enumeration was disabled (max_paths == 0) only the
// Disabled form is emitted.
type PathSummary struct {
	Fn                string `json:"fn"`
	PathsEmitted      int    `json:"paths_emitted"`
	Disabled          bool   `json:"disabled,omitempty"`
	Truncated         bool   `json:"truncated"`
	MaxPaths          int    `json:"max_paths"`
	MaxDepth          int    `json:"max_depth"`
	MaxLoopIters      int    `json:"max_loop_iters"`
	CutoffDepth       bool   `json:"cutoff_depth"`
	CutoffLoop        bool   `json:"cutoff_loop"`
	ConstPrunedBr     int    `json:"const_pruned_br"`
	ConstPrunedSwitch int    `json:"const_pruned_switch"`
	ConstPrunedIndir  int    `json:"const_pruned_indirect"`
	DFSCalls          int    `json:"dfs_calls"`
	DFSLeaves         int    `json:"dfs_leaves"`
	DFSPruneMaxPaths  int    `json:"dfs_prune_max_paths"`
	DFSPruneMaxDepth  int    `json:"dfs_prune_max_depth"`
	DFSPruneLoop      int    `json:"dfs_prune_loop"`
}

// MarshalJSON emits the full form, or the short disabled form when
// enumeration was off.
func (s PathSummary) MarshalJSON() ([]byte, error) {
	if s.Disabled {
		return MarshalRecord(struct {
			Fn           string `json:"fn"`
			PathsEmitted int    `json:"paths_emitted"`
			Disabled     bool   `json:"disabled"`
			MaxPaths     int    `json:"max_paths"`
			MaxDepth     int    `json:"max_depth"`
			MaxLoopIters int    `json:"max_loop_iters"`
		}{s.Fn, s.PathsEmitted, true, s.MaxPaths, s.MaxDepth, s.MaxLoopIters})
	}
	type full struct {
		Fn                string `json:"fn"`
		PathsEmitted      int    `json:"paths_emitted"`
		Truncated         bool   `json:"truncated"`
		MaxPaths          int    `json:"max_paths"`
		MaxDepth          int    `json:"max_depth"`
		MaxLoopIters      int    `json:"max_loop_iters"`
		CutoffDepth       bool   `json:"cutoff_depth"`
		CutoffLoop        bool   `json:"cutoff_loop"`
		ConstPrunedBr     int    `json:"const_pruned_br"`
		ConstPrunedSwitch int    `json:"const_pruned_switch"`
		ConstPrunedIndir  int    `json:"const_pruned_indirect"`
		DFSCalls          int    `json:"dfs_calls"`
		DFSLeaves         int    `json:"dfs_leaves"`
		DFSPruneMaxPaths  int    `json:"dfs_prune_max_paths"`
		DFSPruneMaxDepth  int    `json:"dfs_prune_max_depth"`
		DFSPruneLoop      int    `json:"dfs_prune_loop"`
	}
	return MarshalRecord(full{
		s.Fn, s.PathsEmitted, s.Truncated, s.MaxPaths, s.MaxDepth, s.MaxLoopIters,
		s.CutoffDepth, s.CutoffLoop, s.ConstPrunedBr, s.ConstPrunedSwitch,
		s.ConstPrunedIndir, s.DFSCalls, s.DFSLeaves,
		s.DFSPruneMaxPaths, s.DFSPruneMaxDepth, s.DFSPruneLoop,
	})
}
