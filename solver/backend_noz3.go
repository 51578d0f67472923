//go:build !z3

package solver

import "github.com/pkg/errors"

// NewZ3Backend is unavailable unless the binary is built with the z3
// build tag and the Z3 library installed.
func NewZ3Backend() (Backend, error) {
	return nil, errors.New("z3 backend requires building with -tags z3")
}
