package model

import (
	"fmt"
	"strconv"
	"strings"
)

// Value ids are stable strings scoped to one function. Constants carry
// their own encoding so that equal constants compare equal by id:
//
//	const:i<W>:<V>   integer constant, W bit width, V signed decimal
//	const:fp:<lit>   floating-point constant
//	const:null, const:undef, const:poison
//	const:<printed>  any other constant, by its printed form
//	label:<bb>       a block label used in indirect-target constraints
//
// Everything else is an argument name, a named value, or a generated
// v<N> id assigned by the producer.
const (
	ConstNull   = "const:null"
	ConstUndef  = "const:undef"
	ConstPoison = "const:poison"

	// TrueConst and FalseConst are the i1 literals used in branch
	// constraints.
	TrueConst  = "const:i1:1"
	FalseConst = "const:i1:0"

	// AnyCase is the sentinel compared against by the default branch of
	// a switch with no enumerated cases.
	AnyCase = "<any>"
)

const (
	constPrefix = "const:"
	intPrefix   = "const:i"
	fpPrefix    = "const:fp:"
	labelPrefix = "label:"
)

// FormatPP builds the stable program-point key fn:bb:iN.
func FormatPP(fn, bb string, idx int) string {
	return fmt.Sprintf("%s:%s:i%d", fn, bb, idx)
}

// IntConstID renders an integer constant id.
func IntConstID(width int, v int64) string {
	return fmt.Sprintf("const:i%d:%d", width, v)
}

// BoolConstID renders an i1 constant id.
func BoolConstID(b bool) string {
	if b {
		return TrueConst
	}
	return FalseConst
}

// FpConstID renders a floating-point constant id from its literal form.
func FpConstID(lit string) string {
	return fpPrefix + lit
}

// OpaqueConstID renders a constant id from an arbitrary printed form.
func OpaqueConstID(printed string) string {
	return constPrefix + printed
}

// LabelID renders a block-label id for indirect-target constraints.
func LabelID(bb string) string {
	return labelPrefix + bb
}

// IsConst reports whether id denotes a constant of any form.
func IsConst(id string) bool {
	return strings.HasPrefix(id, constPrefix)
}

// IsLabel reports whether id is a block-label id.
func IsLabel(id string) bool {
	return strings.HasPrefix(id, labelPrefix)
}

// LabelName returns the block label of a label id, or "".
func LabelName(id string) string {
	if !IsLabel(id) {
		return ""
	}
	return id[len(labelPrefix):]
}

// ParseIntConst parses a const:i<W>:<V> id. ok is false for any other
// form, including integer constants whose value does not fit in 64 bits.
func ParseIntConst(id string) (width int, value int64, ok bool) {
	if !strings.HasPrefix(id, intPrefix) {
		return 0, 0, false
	}
	rest := id[len(intPrefix):]
	sep := strings.IndexByte(rest, ':')
	if sep <= 0 {
		return 0, 0, false
	}
	w, err := strconv.Atoi(rest[:sep])
	if err != nil || w <= 0 {
		return 0, 0, false
	}
	v, err := strconv.ParseInt(rest[sep+1:], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return w, v, true
}

// IsFpConst reports whether id is a floating-point constant id.
func IsFpConst(id string) bool {
	return strings.HasPrefix(id, fpPrefix)
}

// BoolConstValue extracts the truth value of an i1 constant id.
func BoolConstValue(id string) (val bool, ok bool) {
	w, v, ok := ParseIntConst(id)
	if !ok || w != 1 {
		return false, false
	}
	return v != 0, true
}

// PtrWidth is the pointer width assumed when type information is absent.
const PtrWidth = 64

// TypeWidth returns the bit width of a recorded type string: "iN" maps
// to N, pointer-shaped and unknown types map to the pointer width.
func TypeWidth(ty string) int {
	if ty == "" {
		return PtrWidth
	}
	if strings.HasPrefix(ty, "i") {
		if n, err := strconv.Atoi(ty[1:]); err == nil && n > 0 {
			return n
		}
	}
	return PtrWidth
}
