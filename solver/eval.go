package solver

import (
	"github.com/pkg/errors"
)

// Eval computes the concrete value of t under a variable assignment.
// Division by zero follows SMT-LIB bitvector semantics, so evaluation
// is total over assigned variables.
func Eval(t Term, model map[string]uint64) (uint64, error) {
	switch t := t.(type) {
	case *ConstTerm:
		return t.Value, nil
	case *VarTerm:
		v, ok := model[t.Name]
		if !ok {
			return 0, errors.Errorf("unassigned variable %s", t.Name)
		}
		return maskWidth(v, t.Width), nil
	case *BinaryTerm:
		l, err := Eval(t.LHS, model)
		if err != nil {
			return 0, err
		}
		r, err := Eval(t.RHS, model)
		if err != nil {
			return 0, err
		}
		w := TermWidth(t.LHS)
		if t.Op.IsCompare() {
			if evalCompare(t.Op, l, r, w) {
				return 1, nil
			}
			return 0, nil
		}
		return evalBinary(t.Op, l, r, w), nil
	case *NotTerm:
		v, err := Eval(t.X, model)
		if err != nil {
			return 0, err
		}
		return maskWidth(^v, TermWidth(t.X)), nil
	case *CastTerm:
		v, err := Eval(t.Src, model)
		if err != nil {
			return 0, err
		}
		src := TermWidth(t.Src)
		if t.Width < src {
			return maskWidth(v, t.Width), nil
		}
		if t.Signed {
			return maskWidth(uint64(toSigned(v, src)), t.Width), nil
		}
		return v, nil
	case *ITETerm:
		c, err := Eval(t.Cond, model)
		if err != nil {
			return 0, err
		}
		if c != 0 {
			return Eval(t.Then, model)
		}
		return Eval(t.Else, model)
	default:
		panic("unreachable")
	}
}

func evalBinary(op BinaryOp, l, r uint64, width uint) uint64 {
	switch op {
	case ADD:
		return maskWidth(l+r, width)
	case SUB:
		return maskWidth(l-r, width)
	case MUL:
		return maskWidth(l*r, width)
	case UDIV:
		if r == 0 {
			return maskWidth(^uint64(0), width)
		}
		return maskWidth(l/r, width)
	case SDIV:
		ls, rs := toSigned(l, width), toSigned(r, width)
		if rs == 0 {
			if ls < 0 {
				return maskWidth(1, width)
			}
			return maskWidth(^uint64(0), width)
		}
		return maskWidth(uint64(ls/rs), width)
	case UREM:
		if r == 0 {
			return maskWidth(l, width)
		}
		return maskWidth(l%r, width)
	case SREM:
		ls, rs := toSigned(l, width), toSigned(r, width)
		if rs == 0 {
			return maskWidth(l, width)
		}
		return maskWidth(uint64(ls%rs), width)
	case AND:
		return maskWidth(l&r, width)
	case OR:
		return maskWidth(l|r, width)
	case XOR:
		return maskWidth(l^r, width)
	case SHL:
		if r >= uint64(width) {
			return 0
		}
		return maskWidth(l<<r, width)
	case LSHR:
		if r >= uint64(width) {
			return 0
		}
		return maskWidth(l>>r, width)
	case ASHR:
		ls := toSigned(l, width)
		if r >= uint64(width) {
			if ls < 0 {
				return maskWidth(^uint64(0), width)
			}
			return 0
		}
		return maskWidth(uint64(ls>>r), width)
	default:
		panic("unreachable")
	}
}

func evalCompare(op BinaryOp, l, r uint64, width uint) bool {
	switch op {
	case EQ:
		return l == r
	case NE:
		return l != r
	case ULT:
		return l < r
	case ULE:
		return l <= r
	case UGT:
		return l > r
	case UGE:
		return l >= r
	case SLT:
		return toSigned(l, width) < toSigned(r, width)
	case SLE:
		return toSigned(l, width) <= toSigned(r, width)
	case SGT:
		return toSigned(l, width) > toSigned(r, width)
	case SGE:
		return toSigned(l, width) >= toSigned(r, width)
	default:
		panic("unreachable")
	}
}
