// Package cfg assembles per-function control-flow graphs from trace
// records. A Graph is the immutable input shared by path enumeration
// and path verification: a flat instruction arena, blocks indexing into
// it, and ordered outgoing edges with their branching metadata.
package cfg

import (
	"github.com/pkg/errors"

	"github.com/RovayL/ct-publicness/model"
)

// EdgeOut is one outgoing edge of a block, in transfer-enumeration
// order. For conditional branches Sense is "true" or "false"; for
// switch edges Case holds the matched constant id or Default is set.
type EdgeOut struct {
	To      int
	ToName  string
	Sense   string
	Case    string
	Default bool
}

// BlockNode is one basic block. Insts is a view into the function
// arena; the terminator, when recorded, is its last element.
type BlockNode struct {
	Name   string
	Index  int
	Insts  []*model.Instruction
	Succs  []EdgeOut
	TermPP string
	TermOp string
	Cond   string
	Target string
}

// IsLeaf reports whether the block ends the function.
func (b *BlockNode) IsLeaf() bool { return len(b.Succs) == 0 }

// IsCondBranch reports a two-way conditional branch.
func (b *BlockNode) IsCondBranch() bool {
	return b.TermOp == "br" && b.Cond != ""
}

// IsSwitch reports a switch terminator.
func (b *BlockNode) IsSwitch() bool { return b.TermOp == "switch" }

// IsIndirect reports an indirect branch terminator.
func (b *BlockNode) IsIndirect() bool { return b.TermOp == "indirectbr" }

// Graph is the control-flow graph of one function. Blocks keep record
// order; Blocks[0] is the entry block.
type Graph struct {
	Fn     string
	Insts  []*model.Instruction
	Blocks []*BlockNode
	byName map[string]int
}

// Entry returns the function's entry block.
func (g *Graph) Entry() *BlockNode { return g.Blocks[0] }

// Block resolves a block by label.
func (g *Graph) Block(name string) (*BlockNode, bool) {
	i, ok := g.byName[name]
	if !ok {
		return nil, false
	}
	return g.Blocks[i], true
}

// TxPoints returns the transmitter-tagged instructions in program
// order.
func (g *Graph) TxPoints() []*model.Instruction {
	var txs []*model.Instruction
	for _, in := range g.Insts {
		if in.Tx != nil {
			txs = append(txs, in)
		}
	}
	return txs
}

// Build assembles the graph of one function from its trace records.
// Edge records supply the transfer order and branching metadata; when a
// block has no edge records its declared successor list is used, with
// positional senses for conditional branches. Switch blocks require
// edge records because case constants appear nowhere else.
func Build(fn string, insts []*model.Instruction, blocks []*model.Block, edges []*model.Edge) (*Graph, error) {
	if len(blocks) == 0 {
		return nil, errors.Errorf("function %s has no block records", fn)
	}

	g := &Graph{Fn: fn, byName: make(map[string]int, len(blocks))}
	for i, b := range blocks {
		if b.Fn != fn {
			return nil, errors.Errorf("block %s belongs to %s, not %s", b.BB, b.Fn, fn)
		}
		if _, dup := g.byName[b.BB]; dup {
			return nil, errors.Errorf("function %s declares block %s twice", fn, b.BB)
		}
		g.byName[b.BB] = i
		g.Blocks = append(g.Blocks, &BlockNode{
			Name:   b.BB,
			Index:  i,
			TermPP: b.TermPP,
			TermOp: b.TermOp,
			Cond:   b.Cond,
			Target: b.Target,
		})
	}

	// Group instructions by block, then lay them out as one arena in
	// block order so each block holds a contiguous view.
	byBlock := make(map[string][]*model.Instruction, len(blocks))
	for _, in := range insts {
		if in.Fn != fn {
			return nil, errors.Errorf("instruction %s belongs to %s, not %s", in.PP, in.Fn, fn)
		}
		if _, ok := g.byName[in.BB]; !ok {
			return nil, errors.Errorf("instruction %s references undeclared block %s", in.PP, in.BB)
		}
		byBlock[in.BB] = append(byBlock[in.BB], in)
	}
	g.Insts = make([]*model.Instruction, 0, len(insts))
	for _, b := range g.Blocks {
		start := len(g.Insts)
		g.Insts = append(g.Insts, byBlock[b.Name]...)
		b.Insts = g.Insts[start:len(g.Insts):len(g.Insts)]
	}

	edgesFrom := make(map[string][]*model.Edge)
	for _, e := range edges {
		if e.Fn != fn {
			return nil, errors.Errorf("edge %s->%s belongs to %s, not %s", e.From, e.To, e.Fn, fn)
		}
		edgesFrom[e.From] = append(edgesFrom[e.From], e)
	}

	for i, b := range blocks {
		node := g.Blocks[i]
		es := edgesFrom[b.BB]
		if len(es) == 0 {
			if node.IsSwitch() && len(b.Succs) > 0 {
				return nil, errors.Errorf("switch block %s:%s has no edge records", fn, b.BB)
			}
			for j, succ := range b.Succs {
				to, ok := g.byName[succ]
				if !ok {
					return nil, errors.Errorf("block %s:%s lists undeclared successor %s", fn, b.BB, succ)
				}
				out := EdgeOut{To: to, ToName: succ}
				if node.IsCondBranch() {
					if j == 0 {
						out.Sense = "true"
					} else {
						out.Sense = "false"
					}
				}
				node.Succs = append(node.Succs, out)
			}
			continue
		}
		for _, e := range es {
			to, ok := g.byName[e.To]
			if !ok {
				return nil, errors.Errorf("edge %s:%s->%s targets an undeclared block", fn, e.From, e.To)
			}
			node.Succs = append(node.Succs, EdgeOut{
				To:      to,
				ToName:  e.To,
				Sense:   e.Sense,
				Case:    e.Case,
				Default: e.Default,
			})
		}
		if node.IsCondBranch() && len(node.Succs) != 2 {
			return nil, errors.Errorf("conditional block %s:%s has %d edges", fn, b.BB, len(node.Succs))
		}
		if node.IsSwitch() {
			defaults := 0
			for _, out := range node.Succs {
				if out.Default {
					defaults++
				}
			}
			if defaults != 1 {
				return nil, errors.Errorf("switch block %s:%s has %d default edges", fn, b.BB, defaults)
			}
		}
	}

	return g, nil
}

// BuildAll builds one graph per function found in the records, in
// first-appearance order of the function's block records.
func BuildAll(recs *model.Records) ([]*Graph, error) {
	var order []string
	blocks := make(map[string][]*model.Block)
	for _, b := range recs.Blocks {
		if _, ok := blocks[b.Fn]; !ok {
			order = append(order, b.Fn)
		}
		blocks[b.Fn] = append(blocks[b.Fn], b)
	}
	insts := make(map[string][]*model.Instruction)
	for _, in := range recs.Instructions {
		insts[in.Fn] = append(insts[in.Fn], in)
	}
	edges := make(map[string][]*model.Edge)
	for _, e := range recs.Edges {
		edges[e.Fn] = append(edges[e.Fn], e)
	}

	graphs := make([]*Graph, 0, len(order))
	for _, fn := range order {
		g, err := Build(fn, insts[fn], blocks[fn], edges[fn])
		if err != nil {
			return nil, errors.Wrapf(err, "failed to build CFG for %s", fn)
		}
		graphs = append(graphs, g)
	}
	return graphs, nil
}

// CaseValues returns the enumerated case constants of a switch block,
// in edge order, excluding the default edge.
func (b *BlockNode) CaseValues() []string {
	var cases []string
	for _, out := range b.Succs {
		if !out.Default && out.Case != "" {
			cases = append(cases, out.Case)
		}
	}
	return cases
}
