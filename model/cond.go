package model

import (
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
)

// CondExpr is one node of a structured path-condition expression. The
// three variants are equality, inequality, and conjunction; anything
// else is unrepresentable. The string form and the JSON form of the
// same expression are logically equivalent and render deterministically.
type CondExpr interface {
	// String renders the canonical text form (lhs==rhs, lhs!=rhs,
	// terms joined with " && ").
	String() string

	condExpr()
}

// Eq asserts lhs == rhs over value ids, constants, or labels.
type Eq struct {
	LHS string
	RHS string
}

// Ne asserts lhs != rhs.
type Ne struct {
	LHS string
	RHS string
}

// And is the conjunction of two or more terms. Single terms are never
// wrapped: constructors collapse them to the term itself.
type And struct {
	Terms []CondExpr
}

func (e Eq) condExpr()  {}
func (e Ne) condExpr()  {}
func (e And) condExpr() {}

func (e Eq) String() string { return e.LHS + "==" + e.RHS }
func (e Ne) String() string { return e.LHS + "!=" + e.RHS }

func (e And) String() string {
	parts := make([]string, len(e.Terms))
	for i, t := range e.Terms {
		parts[i] = t.String()
	}
	return strings.Join(parts, " && ")
}

type condNode struct {
	Op    string            `json:"op"`
	LHS   string            `json:"lhs,omitempty"`
	RHS   string            `json:"rhs,omitempty"`
	Terms []json.RawMessage `json:"terms,omitempty"`
}

// MarshalJSON renders {"op":"==","lhs":...,"rhs":...}.
func (e Eq) MarshalJSON() ([]byte, error) {
	return MarshalRecord(struct {
		Op  string `json:"op"`
		LHS string `json:"lhs"`
		RHS string `json:"rhs"`
	}{"==", e.LHS, e.RHS})
}

// MarshalJSON renders {"op":"!=","lhs":...,"rhs":...}.
func (e Ne) MarshalJSON() ([]byte, error) {
	return MarshalRecord(struct {
		Op  string `json:"op"`
		LHS string `json:"lhs"`
		RHS string `json:"rhs"`
	}{"!=", e.LHS, e.RHS})
}

// MarshalJSON renders {"op":"and","terms":[...]}.
func (e And) MarshalJSON() ([]byte, error) {
	return MarshalRecord(struct {
		Op    string     `json:"op"`
		Terms []CondExpr `json:"terms"`
	}{"and", e.Terms})
}

// Conjoin builds the conjunction of terms, dropping nils, collapsing a
// single term to itself, and returning nil for an empty list.
func Conjoin(terms []CondExpr) CondExpr {
	kept := terms[:0:0]
	for _, t := range terms {
		if t != nil {
			kept = append(kept, t)
		}
	}
	switch len(kept) {
	case 0:
		return nil
	case 1:
		return kept[0]
	}
	return And{Terms: kept}
}

// DecodeCondExpr parses the JSON form of a condition expression.
func DecodeCondExpr(raw json.RawMessage) (CondExpr, error) {
	var n condNode
	if err := json.Unmarshal(raw, &n); err != nil {
		return nil, errors.Wrap(err, "failed to decode condition expression")
	}
	switch n.Op {
	case "==":
		return Eq{LHS: n.LHS, RHS: n.RHS}, nil
	case "!=":
		return Ne{LHS: n.LHS, RHS: n.RHS}, nil
	case "and":
		terms := make([]CondExpr, 0, len(n.Terms))
		for _, rt := range n.Terms {
			t, err := DecodeCondExpr(rt)
			if err != nil {
				return nil, err
			}
			terms = append(terms, t)
		}
		return And{Terms: terms}, nil
	}
	return nil, errors.Errorf("unsupported condition op %q", n.Op)
}

// ParseCondString parses the canonical text form of one path-condition
// entry. Conjunctions are split on " && "; each atom must contain "=="
// or "!=".
func ParseCondString(s string) (CondExpr, error) {
	var terms []CondExpr
	for _, part := range strings.Split(s, " && ") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		var atom CondExpr
		if i := strings.Index(part, "!="); i >= 0 {
			atom = Ne{LHS: strings.TrimSpace(part[:i]), RHS: strings.TrimSpace(part[i+2:])}
		} else if i := strings.Index(part, "=="); i >= 0 {
			atom = Eq{LHS: strings.TrimSpace(part[:i]), RHS: strings.TrimSpace(part[i+2:])}
		} else {
			return nil, errors.Errorf("unsupported constraint %q", part)
		}
		terms = append(terms, atom)
	}
	if len(terms) == 0 {
		return nil, errors.Errorf("empty constraint %q", s)
	}
	return Conjoin(terms), nil
}
