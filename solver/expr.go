// Package solver provides a bitvector term language and satisfiability
// checking for path-condition queries. Terms are built through folding
// constructors so that structurally decidable queries collapse to
// constants before any search runs. The default backend is a pure Go
// witness search; a Z3 backend is available behind the z3 build tag.
package solver

import (
	"fmt"
	"strings"
)

// WidthBool is the width of boolean terms.
const WidthBool = 1

// Term represents a symbolic bitvector expression.
type Term interface {
	String() string
	term()
}

func (*ConstTerm) term()  {}
func (*VarTerm) term()    {}
func (*BinaryTerm) term() {}
func (*NotTerm) term()    {}
func (*CastTerm) term()   {}
func (*ITETerm) term()    {}

// TermWidth returns the bit width of the term.
func TermWidth(t Term) uint {
	switch t := t.(type) {
	case *ConstTerm:
		return t.Width
	case *VarTerm:
		return t.Width
	case *BinaryTerm:
		if t.Op.IsCompare() {
			return WidthBool
		}
		return TermWidth(t.LHS)
	case *NotTerm:
		return TermWidth(t.X)
	case *CastTerm:
		return t.Width
	case *ITETerm:
		return TermWidth(t.Then)
	default:
		panic("unreachable")
	}
}

// BinaryOp represents a binary term operation.
type BinaryOp int

// BinaryTerm operations.
const (
	arithmetic_op_begin = BinaryOp(iota)
	ADD
	SUB
	MUL
	UDIV
	SDIV
	UREM
	SREM
	AND
	OR
	XOR
	SHL
	LSHR
	ASHR
	arithmetic_op_end

	compare_op_begin
	EQ
	NE
	ULT
	ULE
	UGT
	UGE
	SLT
	SLE
	SGT
	SGE
	compare_op_end
)

var binaryOps = [...]string{
	ADD:  "add",
	SUB:  "sub",
	MUL:  "mul",
	UDIV: "udiv",
	SDIV: "sdiv",
	UREM: "urem",
	SREM: "srem",
	AND:  "and",
	OR:   "or",
	XOR:  "xor",
	SHL:  "shl",
	LSHR: "lshr",
	ASHR: "ashr",
	EQ:   "eq",
	NE:   "ne",
	ULT:  "ult",
	ULE:  "ule",
	UGT:  "ugt",
	UGE:  "uge",
	SLT:  "slt",
	SLE:  "sle",
	SGT:  "sgt",
	SGE:  "sge",
}

// String returns the string representation of the operation.
func (op BinaryOp) String() string {
	if op >= 0 && op < BinaryOp(len(binaryOps)) && binaryOps[op] != "" {
		return binaryOps[op]
	}
	return fmt.Sprintf("BinaryOp<%d>", op)
}

// IsArithmetic returns true if op is an arithmetic operator.
func (op BinaryOp) IsArithmetic() bool {
	return op > arithmetic_op_begin && op < arithmetic_op_end
}

// IsCompare returns true if op is a comparison operator.
func (op BinaryOp) IsCompare() bool {
	return op > compare_op_begin && op < compare_op_end
}

// ParseOp resolves an operation by its lowercase name.
func ParseOp(name string) (BinaryOp, bool) {
	for op, s := range binaryOps {
		if s == name {
			return BinaryOp(op), true
		}
	}
	return 0, false
}

// ConstTerm represents a constant bitvector value, masked to its width.
type ConstTerm struct {
	Value uint64
	Width uint
}

// NewConstTerm returns a constant term with value truncated to width.
func NewConstTerm(value uint64, width uint) *ConstTerm {
	return &ConstTerm{Value: maskWidth(value, width), Width: width}
}

// NewBoolTerm returns the boolean constant for b.
func NewBoolTerm(b bool) *ConstTerm {
	if b {
		return &ConstTerm{Value: 1, Width: WidthBool}
	}
	return &ConstTerm{Value: 0, Width: WidthBool}
}

// IsTrue returns true if the constant is a true boolean.
func (t *ConstTerm) IsTrue() bool { return t.Width == WidthBool && t.Value == 1 }

// IsFalse returns true if the constant is a false boolean.
func (t *ConstTerm) IsFalse() bool { return t.Width == WidthBool && t.Value == 0 }

// String returns the string representation of the constant.
func (t *ConstTerm) String() string {
	return fmt.Sprintf("%d:i%d", t.Value, t.Width)
}

// IsConstTerm returns true if t is a constant term.
func IsConstTerm(t Term) bool {
	_, ok := t.(*ConstTerm)
	return ok
}

// VarTerm represents a free bitvector variable.
type VarTerm struct {
	Name  string
	Width uint
}

// NewVarTerm returns a variable term.
func NewVarTerm(name string, width uint) *VarTerm {
	return &VarTerm{Name: name, Width: width}
}

// String returns the variable name.
func (t *VarTerm) String() string { return t.Name }

// BinaryTerm represents an operation on two terms.
type BinaryTerm struct {
	Op  BinaryOp
	LHS Term
	RHS Term
}

// String returns the string representation of the expression.
func (t *BinaryTerm) String() string {
	return fmt.Sprintf("(%s %s %s)", t.Op, t.LHS, t.RHS)
}

// NotTerm represents the bitwise complement of a term. At boolean width
// it is logical negation.
type NotTerm struct {
	X Term
}

// String returns the string representation of the expression.
func (t *NotTerm) String() string {
	return fmt.Sprintf("(not %s)", t.X)
}

// CastTerm represents a width change: truncation when narrowing, zero
// or sign extension when widening.
type CastTerm struct {
	Src    Term
	Width  uint
	Signed bool
}

// String returns the string representation of the expression.
func (t *CastTerm) String() string {
	if t.Signed {
		return fmt.Sprintf("(sext %s i%d)", t.Src, t.Width)
	}
	return fmt.Sprintf("(zext %s i%d)", t.Src, t.Width)
}

// ITETerm represents a conditional choice between two terms of equal
// width.
type ITETerm struct {
	Cond Term
	Then Term
	Else Term
}

// String returns the string representation of the expression.
func (t *ITETerm) String() string {
	return fmt.Sprintf("(ite %s %s %s)", t.Cond, t.Then, t.Else)
}

// NewBinaryTerm returns a new term for op applied to lhs & rhs,
// folding constants and trivial identities.
func NewBinaryTerm(op BinaryOp, lhs, rhs Term) Term {
	switch op {
	case ADD:
		return newAddTerm(lhs, rhs)
	case SUB:
		return newSubTerm(lhs, rhs)
	case MUL:
		return newMulTerm(lhs, rhs)
	case AND:
		return newAndTerm(lhs, rhs)
	case OR:
		return newOrTerm(lhs, rhs)
	case XOR:
		return newXorTerm(lhs, rhs)
	case EQ:
		return newEqTerm(lhs, rhs)
	case NE:
		return NewNotTerm(newEqTerm(lhs, rhs))
	case UGT:
		return newCmpTerm(ULT, rhs, lhs) // reverse
	case UGE:
		return newCmpTerm(ULE, rhs, lhs) // reverse
	case SGT:
		return newCmpTerm(SLT, rhs, lhs) // reverse
	case SGE:
		return newCmpTerm(SLE, rhs, lhs) // reverse
	case ULT, ULE, SLT, SLE:
		return newCmpTerm(op, lhs, rhs)
	case UDIV, SDIV, UREM, SREM, SHL, LSHR, ASHR:
		if l, ok := lhs.(*ConstTerm); ok {
			if r, ok := rhs.(*ConstTerm); ok {
				return NewConstTerm(evalBinary(op, l.Value, r.Value, l.Width), l.Width)
			}
		}
		return &BinaryTerm{Op: op, LHS: lhs, RHS: rhs}
	default:
		panic("unreachable")
	}
}

// newAddTerm returns the term representing the sum of lhs & rhs.
func newAddTerm(lhs, rhs Term) Term {
	// Move constant term to left hand side.
	if !IsConstTerm(lhs) && IsConstTerm(rhs) {
		lhs, rhs = rhs, lhs
	}
	if l, ok := lhs.(*ConstTerm); ok {
		if l.Value == 0 {
			return rhs
		}
		if r, ok := rhs.(*ConstTerm); ok {
			return NewConstTerm(l.Value+r.Value, l.Width)
		}
	}
	return &BinaryTerm{Op: ADD, LHS: lhs, RHS: rhs}
}

// newSubTerm returns a term representing the difference of lhs & rhs.
func newSubTerm(lhs, rhs Term) Term {
	// Subtracting a value from itself is zero.
	if CompareTerm(lhs, rhs) == 0 {
		return NewConstTerm(0, TermWidth(lhs))
	}
	if l, ok := lhs.(*ConstTerm); ok {
		if r, ok := rhs.(*ConstTerm); ok {
			return NewConstTerm(l.Value-r.Value, l.Width)
		}
	}
	if r, ok := rhs.(*ConstTerm); ok && r.Value == 0 {
		return lhs
	}
	return &BinaryTerm{Op: SUB, LHS: lhs, RHS: rhs}
}

// newMulTerm returns a term that represents the product of lhs & rhs.
func newMulTerm(lhs, rhs Term) Term {
	if !IsConstTerm(lhs) && IsConstTerm(rhs) {
		lhs, rhs = rhs, lhs
	}
	if l, ok := lhs.(*ConstTerm); ok {
		switch {
		case l.Value == 0:
			return NewConstTerm(0, l.Width)
		case l.Value == 1:
			return rhs
		}
		if r, ok := rhs.(*ConstTerm); ok {
			return NewConstTerm(l.Value*r.Value, l.Width)
		}
	}
	return &BinaryTerm{Op: MUL, LHS: lhs, RHS: rhs}
}

// newAndTerm returns a term that represents lhs & rhs.
func newAndTerm(lhs, rhs Term) Term {
	if !IsConstTerm(lhs) && IsConstTerm(rhs) {
		lhs, rhs = rhs, lhs
	}
	if l, ok := lhs.(*ConstTerm); ok {
		switch {
		case l.Value == 0:
			return NewConstTerm(0, l.Width)
		case l.Value == maskWidth(^uint64(0), l.Width):
			return rhs
		}
		if r, ok := rhs.(*ConstTerm); ok {
			return NewConstTerm(l.Value&r.Value, l.Width)
		}
	}
	// A term conjoined with itself, or with its own negation, is
	// trivial.
	if CompareTerm(lhs, rhs) == 0 {
		return lhs
	}
	if n, ok := rhs.(*NotTerm); ok && CompareTerm(lhs, n.X) == 0 {
		return NewConstTerm(0, TermWidth(lhs))
	}
	if n, ok := lhs.(*NotTerm); ok && CompareTerm(n.X, rhs) == 0 {
		return NewConstTerm(0, TermWidth(rhs))
	}
	return &BinaryTerm{Op: AND, LHS: lhs, RHS: rhs}
}

// newOrTerm returns a term that represents lhs | rhs.
func newOrTerm(lhs, rhs Term) Term {
	if !IsConstTerm(lhs) && IsConstTerm(rhs) {
		lhs, rhs = rhs, lhs
	}
	if l, ok := lhs.(*ConstTerm); ok {
		switch {
		case l.Value == 0:
			return rhs
		case l.Value == maskWidth(^uint64(0), l.Width):
			return l
		}
		if r, ok := rhs.(*ConstTerm); ok {
			return NewConstTerm(l.Value|r.Value, l.Width)
		}
	}
	if CompareTerm(lhs, rhs) == 0 {
		return lhs
	}
	if n, ok := rhs.(*NotTerm); ok && CompareTerm(lhs, n.X) == 0 {
		return NewConstTerm(maskWidth(^uint64(0), TermWidth(lhs)), TermWidth(lhs))
	}
	if n, ok := lhs.(*NotTerm); ok && CompareTerm(n.X, rhs) == 0 {
		return NewConstTerm(maskWidth(^uint64(0), TermWidth(rhs)), TermWidth(rhs))
	}
	return &BinaryTerm{Op: OR, LHS: lhs, RHS: rhs}
}

// newXorTerm returns a term that represents lhs ^ rhs.
func newXorTerm(lhs, rhs Term) Term {
	if !IsConstTerm(lhs) && IsConstTerm(rhs) {
		lhs, rhs = rhs, lhs
	}
	if CompareTerm(lhs, rhs) == 0 {
		return NewConstTerm(0, TermWidth(lhs))
	}
	if l, ok := lhs.(*ConstTerm); ok {
		if l.Value == 0 {
			return rhs
		}
		if r, ok := rhs.(*ConstTerm); ok {
			return NewConstTerm(l.Value^r.Value, l.Width)
		}
	}
	return &BinaryTerm{Op: XOR, LHS: lhs, RHS: rhs}
}

// newEqTerm returns a term that represents the equality of lhs and rhs.
func newEqTerm(lhs, rhs Term) Term {
	if !IsConstTerm(lhs) && IsConstTerm(rhs) {
		lhs, rhs = rhs, lhs
	}
	if l, ok := lhs.(*ConstTerm); ok {
		if r, ok := rhs.(*ConstTerm); ok {
			return NewBoolTerm(l.Value == r.Value)
		}
		// T == b collapses to b, F == b to !b.
		if l.Width == WidthBool {
			if l.IsTrue() {
				return rhs
			}
			return NewNotTerm(rhs)
		}
	}
	if CompareTerm(lhs, rhs) == 0 {
		return NewBoolTerm(true)
	}
	return &BinaryTerm{Op: EQ, LHS: lhs, RHS: rhs}
}

// newCmpTerm returns an ordering comparison, folding constants.
func newCmpTerm(op BinaryOp, lhs, rhs Term) Term {
	if l, ok := lhs.(*ConstTerm); ok {
		if r, ok := rhs.(*ConstTerm); ok {
			return NewBoolTerm(evalCompare(op, l.Value, r.Value, l.Width))
		}
	}
	if CompareTerm(lhs, rhs) == 0 {
		// x < x is false, x <= x is true.
		return NewBoolTerm(op == ULE || op == SLE)
	}
	return &BinaryTerm{Op: op, LHS: lhs, RHS: rhs}
}

// NewNotTerm returns the complement of t.
func NewNotTerm(t Term) Term {
	switch t := t.(type) {
	case *ConstTerm:
		return NewConstTerm(^t.Value, t.Width)
	case *NotTerm:
		return t.X
	}
	return &NotTerm{X: t}
}

// NewCastTerm returns t resized to width. Equal widths fold to t.
func NewCastTerm(t Term, width uint, signed bool) Term {
	src := TermWidth(t)
	if src == width {
		return t
	}
	if c, ok := t.(*ConstTerm); ok {
		if width < src {
			return NewConstTerm(c.Value, width)
		}
		if signed {
			return NewConstTerm(uint64(toSigned(c.Value, src)), width)
		}
		return NewConstTerm(c.Value, width)
	}
	return &CastTerm{Src: t, Width: width, Signed: signed}
}

// NewITETerm returns the conditional choice of then & els.
func NewITETerm(cond, then, els Term) Term {
	if c, ok := cond.(*ConstTerm); ok {
		if c.Value != 0 {
			return then
		}
		return els
	}
	if CompareTerm(then, els) == 0 {
		return then
	}
	return &ITETerm{Cond: cond, Then: then, Else: els}
}

// Conjoin folds a list of boolean terms into one conjunction. The empty
// conjunction is true.
func Conjoin(terms []Term) Term {
	out := Term(NewBoolTerm(true))
	for _, t := range terms {
		if t == nil {
			continue
		}
		out = NewBinaryTerm(AND, out, t)
	}
	return out
}

func termRank(t Term) int {
	switch t.(type) {
	case *ConstTerm:
		return 0
	case *VarTerm:
		return 1
	case *BinaryTerm:
		return 2
	case *NotTerm:
		return 3
	case *CastTerm:
		return 4
	case *ITETerm:
		return 5
	default:
		panic("unreachable")
	}
}

// CompareTerm compares two terms structurally and returns -1, 0, or 1.
func CompareTerm(a, b Term) int {
	if ra, rb := termRank(a), termRank(b); ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}
	switch a := a.(type) {
	case *ConstTerm:
		b := b.(*ConstTerm)
		if a.Width != b.Width {
			if a.Width < b.Width {
				return -1
			}
			return 1
		}
		if a.Value != b.Value {
			if a.Value < b.Value {
				return -1
			}
			return 1
		}
		return 0
	case *VarTerm:
		b := b.(*VarTerm)
		if c := strings.Compare(a.Name, b.Name); c != 0 {
			return c
		}
		if a.Width != b.Width {
			if a.Width < b.Width {
				return -1
			}
			return 1
		}
		return 0
	case *BinaryTerm:
		b := b.(*BinaryTerm)
		if a.Op != b.Op {
			if a.Op < b.Op {
				return -1
			}
			return 1
		}
		if c := CompareTerm(a.LHS, b.LHS); c != 0 {
			return c
		}
		return CompareTerm(a.RHS, b.RHS)
	case *NotTerm:
		return CompareTerm(a.X, b.(*NotTerm).X)
	case *CastTerm:
		b := b.(*CastTerm)
		if a.Width != b.Width {
			if a.Width < b.Width {
				return -1
			}
			return 1
		}
		if a.Signed != b.Signed {
			if !a.Signed {
				return -1
			}
			return 1
		}
		return CompareTerm(a.Src, b.Src)
	case *ITETerm:
		b := b.(*ITETerm)
		if c := CompareTerm(a.Cond, b.Cond); c != 0 {
			return c
		}
		if c := CompareTerm(a.Then, b.Then); c != 0 {
			return c
		}
		return CompareTerm(a.Else, b.Else)
	default:
		panic("unreachable")
	}
}

// Vars appends the distinct free variables of t to vars, keyed by name.
func Vars(t Term, vars map[string]uint) {
	switch t := t.(type) {
	case *ConstTerm:
	case *VarTerm:
		vars[t.Name] = t.Width
	case *BinaryTerm:
		Vars(t.LHS, vars)
		Vars(t.RHS, vars)
	case *NotTerm:
		Vars(t.X, vars)
	case *CastTerm:
		Vars(t.Src, vars)
	case *ITETerm:
		Vars(t.Cond, vars)
		Vars(t.Then, vars)
		Vars(t.Else, vars)
	}
}

func maskWidth(v uint64, width uint) uint64 {
	if width >= 64 {
		return v
	}
	return v & ((1 << width) - 1)
}

func toSigned(v uint64, width uint) int64 {
	if width == 0 || width >= 64 {
		return int64(v)
	}
	if v&(1<<(width-1)) != 0 {
		return int64(v | ^uint64(0)<<width)
	}
	return int64(v)
}
