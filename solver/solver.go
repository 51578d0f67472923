package solver

import (
	"context"
	"math/rand"
	"sort"
)

// Status is the outcome of a satisfiability check. The zero value is
// StatusUnknown.
type Status int

const (
	StatusUnknown Status = iota
	StatusSat
	StatusUnsat
)

func (s Status) String() string {
	switch s {
	case StatusSat:
		return "sat"
	case StatusUnsat:
		return "unsat"
	}
	return "unknown"
}

// Result is the outcome of one query. Model carries a satisfying
// assignment when Status is StatusSat.
type Result struct {
	Status Status
	Model  map[string]uint64
}

// Backend checks satisfiability of boolean terms. Implementations
// return StatusUnknown rather than an error when the query exceeds
// their deciding power or the context deadline.
type Backend interface {
	CheckSat(ctx context.Context, assertion Term) (Result, error)
	Close() error
}

// GoSolver is a pure Go backend. Constant folding in the term
// constructors decides structurally trivial queries; everything else is
// attacked by a bounded, deterministic witness search over corner
// values and fixed-seed random draws. Queries over boolean variables
// only are decided exactly when their domain fits the assignment
// budget.
type GoSolver struct {
	// MaxAssignments bounds the number of assignments tried per query.
	MaxAssignments int

	// RandomDraws is the number of random candidate values added per
	// non-boolean variable.
	RandomDraws int

	// Seed fixes the random candidate sequence so runs are
	// reproducible.
	Seed int64
}

// NewGoSolver returns a GoSolver with the default search budget.
func NewGoSolver() *GoSolver {
	return &GoSolver{
		MaxAssignments: 64,
		RandomDraws:    3,
		Seed:           1,
	}
}

// Close implements Backend.
func (s *GoSolver) Close() error { return nil }

func cornerValues(width uint) []uint64 {
	if width == WidthBool {
		return []uint64{0, 1}
	}
	signedMin := uint64(1) << (width - 1)
	if width >= 64 {
		signedMin = 1 << 63
	}
	vs := []uint64{
		0,
		1,
		maskWidth(^uint64(0), width),
		maskWidth(signedMin, width),
		maskWidth(signedMin-1, width),
	}
	return dedupSorted(vs)
}

func dedupSorted(vs []uint64) []uint64 {
	sort.Slice(vs, func(i, j int) bool { return vs[i] < vs[j] })
	out := vs[:0]
	for i, v := range vs {
		if i == 0 || v != out[len(out)-1] {
			out = append(out, v)
		}
	}
	return out
}

// CheckSat searches for a witness of assertion, a boolean term.
func (s *GoSolver) CheckSat(ctx context.Context, assertion Term) (Result, error) {
	if c, ok := assertion.(*ConstTerm); ok {
		if c.Value != 0 {
			return Result{Status: StatusSat, Model: map[string]uint64{}}, nil
		}
		return Result{Status: StatusUnsat}, nil
	}

	widths := make(map[string]uint)
	Vars(assertion, widths)
	names := make([]string, 0, len(widths))
	for name := range widths {
		names = append(names, name)
	}
	sort.Strings(names)

	if len(names) == 0 {
		v, err := Eval(assertion, nil)
		if err != nil {
			return Result{}, err
		}
		if v != 0 {
			return Result{Status: StatusSat, Model: map[string]uint64{}}, nil
		}
		return Result{Status: StatusUnsat}, nil
	}

	rnd := rand.New(rand.NewSource(s.Seed))
	cands := make([][]uint64, len(names))
	allBool := true
	for i, name := range names {
		w := widths[name]
		cs := cornerValues(w)
		if w != WidthBool {
			allBool = false
			for j := 0; j < s.RandomDraws; j++ {
				cs = append(cs, maskWidth(rnd.Uint64(), w))
			}
			cs = dedupSorted(cs)
		}
		cands[i] = cs
	}

	budget := s.MaxAssignments
	if budget <= 0 {
		budget = 1
	}
	product := 1
	saturated := false
	for _, cs := range cands {
		product *= len(cs)
		if product > budget {
			product = budget
			saturated = true
			break
		}
	}

	model := make(map[string]uint64, len(names))
	for idx := 0; idx < product; idx++ {
		if err := ctx.Err(); err != nil {
			return Result{Status: StatusUnknown}, nil
		}
		rem := idx
		for i, name := range names {
			cs := cands[i]
			model[name] = cs[rem%len(cs)]
			rem /= len(cs)
		}
		v, err := Eval(assertion, model)
		if err != nil {
			return Result{}, err
		}
		if v != 0 {
			witness := make(map[string]uint64, len(model))
			for k, val := range model {
				witness[k] = val
			}
			return Result{Status: StatusSat, Model: witness}, nil
		}
	}

	// Boolean-only queries whose full domain fit the budget were
	// enumerated completely.
	if allBool && !saturated {
		return Result{Status: StatusUnsat}, nil
	}
	return Result{Status: StatusUnknown}, nil
}
