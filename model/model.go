// Package model defines the records exchanged between the trace/CFG
// producer, the path enumerator, the dual-execution verifier, and the
// aggregator, together with the value-id and condition-expression
// conventions those records rely on. Records travel as line-delimited
// JSON, one object per line.
package model

// Transmitter kinds. A transmitter marks an instruction operand whose
// runtime value is observable through a side channel.
const (
	TxLoadAddr       = "load.addr"
	TxStoreAddr      = "store.addr"
	TxBranchCond     = "br.cond"
	TxSwitchCond     = "switch.cond"
	TxIndirectTarget = "indirectbr.target"
)

// Branch classifications used by edge records.
const (
	BranchCond     = "cond"
	BranchUncond   = "uncond"
	BranchSwitch   = "switch"
	BranchIndirect = "indirect"
)

// TxInfo tags a transmitter operand on an instruction record.
type TxInfo struct {
	Kind  string `json:"kind"`
	Which int    `json:"which"`
}

// Instruction is one instruction-trace record. Merge (phi) instructions
// interleave incoming value ids and predecessor block labels in Uses.
type Instruction struct {
	Fn       string   `json:"fn"`
	BB       string   `json:"bb"`
	PP       string   `json:"pp"`
	Op       string   `json:"op"`
	Def      string   `json:"def,omitempty"`
	Uses     []string `json:"uses"`
	DefTy    string   `json:"def_ty,omitempty"`
	UseTys   []string `json:"use_tys,omitempty"`
	ICmpPred string   `json:"icmp_pred,omitempty"`
	FCmpPred string   `json:"fcmp_pred,omitempty"`
	Tx       *TxInfo  `json:"tx,omitempty"`
}

// PhiIncoming returns the (incoming value, predecessor label) pairs of a
// merge instruction. A trailing unpaired use is dropped.
func (in *Instruction) PhiIncoming() [][2]string {
	var pairs [][2]string
	for i := 0; i+1 < len(in.Uses); i += 2 {
		pairs = append(pairs, [2]string{in.Uses[i], in.Uses[i+1]})
	}
	return pairs
}

// UseType returns the recorded type of operand i, or the empty string.
func (in *Instruction) UseType(i int) string {
	if i < 0 || i >= len(in.UseTys) {
		return ""
	}
	return in.UseTys[i]
}

// Block is one CFG block record.
type Block struct {
	Fn     string   `json:"fn"`
	BB     string   `json:"bb"`
	Succs  []string `json:"succs"`
	TermPP string   `json:"term_pp,omitempty"`
	TermOp string   `json:"term_op,omitempty"`
	Cond   string   `json:"cond,omitempty"`
	Target string   `json:"target,omitempty"`
}

// Edge is one CFG edge record. Sense is "true" or "false" for conditional
// branches; Case or Default identify switch edges; Target carries the
// address value id for indirect edges.
type Edge struct {
	Fn      string `json:"fn"`
	From    string `json:"from"`
	To      string `json:"to"`
	TermPP  string `json:"term_pp,omitempty"`
	Branch  string `json:"branch"`
	Cond    string `json:"cond,omitempty"`
	Sense   string `json:"sense,omitempty"`
	Case    string `json:"case,omitempty"`
	Default bool   `json:"default,omitempty"`
	Target  string `json:"target,omitempty"`
}

// FuncSummary reports per-function trace emission totals.
type FuncSummary struct {
	Fn             string `json:"fn"`
	InstCount      int    `json:"inst_count"`
	BBCount        int    `json:"bb_count"`
	TxCount        int    `json:"tx_count"`
	TraceEmitted   int    `json:"trace_emitted"`
	TraceTruncated bool   `json:"trace_truncated"`
	TraceMaxInst   int    `json:"trace_max_inst"`
}

// RunSummary reports wall-clock timing for one pipeline run over one
// input source, for benchmark aggregation. The min/max/median/mean
// fields are present only when the run was repeated.
type RunSummary struct {
	Source          string  `json:"source"`
	ElapsedMs       float64 `json:"elapsed_ms"`
	ElapsedMsMin    float64 `json:"elapsed_ms_min,omitempty"`
	ElapsedMsMax    float64 `json:"elapsed_ms_max,omitempty"`
	ElapsedMsMedian float64 `json:"elapsed_ms_median,omitempty"`
	ElapsedMsMean   float64 `json:"elapsed_ms_mean,omitempty"`
	ElapsedRuns     int     `json:"elapsed_runs"`
	MaxPaths        int     `json:"max_paths"`
	MaxPathDepth    int     `json:"max_path_depth"`
	MaxLoopIters    int     `json:"max_loop_iters"`
	MaxInst         int     `json:"max_inst"`
}
