//go:build z3

package solver

import (
	/*
		#cgo LDFLAGS: -lz3
		#include <stdlib.h>
		#include <z3.h>
		extern void goZ3ErrorHandler(Z3_context ctx, Z3_error_code e);
	*/
	"C"
)
import (
	"context"
	"sort"
	"time"
	"unsafe"

	"github.com/pkg/errors"
)

//export goZ3ErrorHandler
func goZ3ErrorHandler(ctx C.Z3_context, e C.Z3_error_code) {
	msg := C.Z3_get_error_msg(ctx, e)
	panic("Z3 error occurred: " + C.GoString(msg))
}

func z3MkStringSymbol(ctx C.Z3_context, s string) C.Z3_symbol {
	c := C.CString(s)
	defer C.free(unsafe.Pointer(c))
	return C.Z3_mk_string_symbol(ctx, c)
}

// Z3Backend checks queries with Z3 over bitvector sorts. Boolean terms
// are one-bit vectors; comparisons are lowered through ite so every
// translated term is a bitvector.
type Z3Backend struct {
	ctx C.Z3_context
}

// NewZ3Backend returns a backend holding one Z3 context.
func NewZ3Backend() (*Z3Backend, error) {
	cfg := C.Z3_mk_config()
	defer C.Z3_del_config(cfg)

	ctx := C.Z3_mk_context(cfg)
	C.Z3_set_error_handler(ctx, (*C.Z3_error_handler)(C.goZ3ErrorHandler))
	return &Z3Backend{ctx: ctx}, nil
}

// Close deletes the Z3 context.
func (b *Z3Backend) Close() error {
	C.Z3_del_context(b.ctx)
	return nil
}

func (b *Z3Backend) bvSort(width uint) C.Z3_sort {
	return C.Z3_mk_bv_sort(b.ctx, C.uint(width))
}

// boolToBV wraps a Z3 boolean into a one-bit vector.
func (b *Z3Backend) boolToBV(ast C.Z3_ast) C.Z3_ast {
	one := C.Z3_mk_unsigned_int64(b.ctx, 1, b.bvSort(1))
	zero := C.Z3_mk_unsigned_int64(b.ctx, 0, b.bvSort(1))
	return C.Z3_mk_ite(b.ctx, ast, one, zero)
}

// bvToBool asserts that a one-bit vector is set.
func (b *Z3Backend) bvToBool(ast C.Z3_ast) C.Z3_ast {
	one := C.Z3_mk_unsigned_int64(b.ctx, 1, b.bvSort(1))
	return C.Z3_mk_eq(b.ctx, ast, one)
}

func (b *Z3Backend) translate(t Term) (C.Z3_ast, error) {
	switch t := t.(type) {
	case *ConstTerm:
		return C.Z3_mk_unsigned_int64(b.ctx, C.uint64_t(t.Value), b.bvSort(t.Width)), nil
	case *VarTerm:
		sym := z3MkStringSymbol(b.ctx, t.Name)
		return C.Z3_mk_const(b.ctx, sym, b.bvSort(t.Width)), nil
	case *BinaryTerm:
		lhs, err := b.translate(t.LHS)
		if err != nil {
			return nil, err
		}
		rhs, err := b.translate(t.RHS)
		if err != nil {
			return nil, err
		}
		switch t.Op {
		case ADD:
			return C.Z3_mk_bvadd(b.ctx, lhs, rhs), nil
		case SUB:
			return C.Z3_mk_bvsub(b.ctx, lhs, rhs), nil
		case MUL:
			return C.Z3_mk_bvmul(b.ctx, lhs, rhs), nil
		case UDIV:
			return C.Z3_mk_bvudiv(b.ctx, lhs, rhs), nil
		case SDIV:
			return C.Z3_mk_bvsdiv(b.ctx, lhs, rhs), nil
		case UREM:
			return C.Z3_mk_bvurem(b.ctx, lhs, rhs), nil
		case SREM:
			return C.Z3_mk_bvsrem(b.ctx, lhs, rhs), nil
		case AND:
			return C.Z3_mk_bvand(b.ctx, lhs, rhs), nil
		case OR:
			return C.Z3_mk_bvor(b.ctx, lhs, rhs), nil
		case XOR:
			return C.Z3_mk_bvxor(b.ctx, lhs, rhs), nil
		case SHL:
			return C.Z3_mk_bvshl(b.ctx, lhs, rhs), nil
		case LSHR:
			return C.Z3_mk_bvlshr(b.ctx, lhs, rhs), nil
		case ASHR:
			return C.Z3_mk_bvashr(b.ctx, lhs, rhs), nil
		case EQ:
			return b.boolToBV(C.Z3_mk_eq(b.ctx, lhs, rhs)), nil
		case ULT:
			return b.boolToBV(C.Z3_mk_bvult(b.ctx, lhs, rhs)), nil
		case ULE:
			return b.boolToBV(C.Z3_mk_bvule(b.ctx, lhs, rhs)), nil
		case SLT:
			return b.boolToBV(C.Z3_mk_bvslt(b.ctx, lhs, rhs)), nil
		case SLE:
			return b.boolToBV(C.Z3_mk_bvsle(b.ctx, lhs, rhs)), nil
		default:
			return nil, errors.Errorf("unsupported operation %s", t.Op)
		}
	case *NotTerm:
		x, err := b.translate(t.X)
		if err != nil {
			return nil, err
		}
		return C.Z3_mk_bvnot(b.ctx, x), nil
	case *CastTerm:
		src, err := b.translate(t.Src)
		if err != nil {
			return nil, err
		}
		from := TermWidth(t.Src)
		if t.Width < from {
			return C.Z3_mk_extract(b.ctx, C.uint(t.Width-1), 0, src), nil
		}
		ext := C.uint(t.Width - from)
		if t.Signed {
			return C.Z3_mk_sign_ext(b.ctx, ext, src), nil
		}
		return C.Z3_mk_zero_ext(b.ctx, ext, src), nil
	case *ITETerm:
		cond, err := b.translate(t.Cond)
		if err != nil {
			return nil, err
		}
		then, err := b.translate(t.Then)
		if err != nil {
			return nil, err
		}
		els, err := b.translate(t.Else)
		if err != nil {
			return nil, err
		}
		return C.Z3_mk_ite(b.ctx, b.bvToBool(cond), then, els), nil
	default:
		return nil, errors.Errorf("unsupported term %T", t)
	}
}

// CheckSat translates the assertion and checks it with a fresh Z3
// solver. A context deadline becomes a Z3 soft timeout.
func (b *Z3Backend) CheckSat(ctx context.Context, assertion Term) (Result, error) {
	ast, err := b.translate(assertion)
	if err != nil {
		return Result{}, errors.Wrap(err, "failed to translate query")
	}

	solver := C.Z3_mk_solver(b.ctx)
	C.Z3_solver_inc_ref(b.ctx, solver)
	defer C.Z3_solver_dec_ref(b.ctx, solver)

	if deadline, ok := ctx.Deadline(); ok {
		ms := time.Until(deadline).Milliseconds()
		if ms <= 0 {
			return Result{Status: StatusUnknown}, nil
		}
		params := C.Z3_mk_params(b.ctx)
		C.Z3_params_inc_ref(b.ctx, params)
		C.Z3_params_set_uint(b.ctx, params, z3MkStringSymbol(b.ctx, "timeout"), C.uint(ms))
		C.Z3_solver_set_params(b.ctx, solver, params)
		C.Z3_params_dec_ref(b.ctx, params)
	}

	C.Z3_solver_assert(b.ctx, solver, b.bvToBool(ast))

	switch C.Z3_solver_check(b.ctx, solver) {
	case C.Z3_L_FALSE:
		return Result{Status: StatusUnsat}, nil
	case C.Z3_L_TRUE:
		m := C.Z3_solver_get_model(b.ctx, solver)
		if m != nil {
			C.Z3_model_inc_ref(b.ctx, m)
			defer C.Z3_model_dec_ref(b.ctx, m)
		}
		model, err := b.extractModel(m, assertion)
		if err != nil {
			return Result{}, err
		}
		return Result{Status: StatusSat, Model: model}, nil
	default:
		return Result{Status: StatusUnknown}, nil
	}
}

func (b *Z3Backend) extractModel(m C.Z3_model, assertion Term) (map[string]uint64, error) {
	widths := make(map[string]uint)
	Vars(assertion, widths)
	names := make([]string, 0, len(widths))
	for name := range widths {
		names = append(names, name)
	}
	sort.Strings(names)

	model := make(map[string]uint64, len(names))
	if m == nil {
		return model, nil
	}
	for _, name := range names {
		sym := z3MkStringSymbol(b.ctx, name)
		v := C.Z3_mk_const(b.ctx, sym, b.bvSort(widths[name]))
		var ast C.Z3_ast
		ok := C.Z3_model_eval(b.ctx, m, v, C.bool(true), &ast)
		if !C.bool(ok) {
			return nil, errors.Errorf("failed to evaluate %s in the model", name)
		}
		var u C.uint64_t
		if ok := bool(C.Z3_get_numeral_uint64(b.ctx, ast, &u)); !ok {
			return nil, errors.Errorf("Z3_get_numeral_uint64: could not get an uint64 representation of the AST")
		}
		model[name] = uint64(u)
	}
	return model, nil
}
