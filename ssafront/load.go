// Package ssafront produces trace and CFG records from Go source: it
// loads packages, builds SSA, and emits one instruction record per SSA
// instruction plus block/edge/summary records, in the same wire format
// the analysis consumes from any other producer.
package ssafront

import (
	"sort"
	"strings"

	"golang.org/x/tools/go/packages"
	"golang.org/x/tools/go/ssa"
	"golang.org/x/tools/go/ssa/ssautil"

	"github.com/pkg/errors"
)

// Load loads the packages named by patterns and builds their SSA form.
// A pattern ending in .go is treated as a file query.
func Load(patterns ...string) (*ssa.Program, []*ssa.Package, error) {
	conf := &packages.Config{
		Mode: packages.LoadAllSyntax,
	}
	queries := make([]string, len(patterns))
	for i, p := range patterns {
		if strings.HasSuffix(p, ".go") {
			queries[i] = "file=" + p
		} else {
			queries[i] = p
		}
	}
	pkgs, err := packages.Load(conf, queries...)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to load packages")
	}
	if len(pkgs) == 0 {
		return nil, nil, errors.New("no packages could be loaded")
	}
	for _, pkg := range pkgs {
		if len(pkg.Errors) > 0 {
			return nil, nil, errors.Errorf("failed to load package %s: %v", pkg.PkgPath, pkg.Errors)
		}
		// IllTyped can be set even when Errors is empty.
		if pkg.IllTyped {
			return nil, nil, errors.Errorf("package %s contains type error", pkg.PkgPath)
		}
	}

	prog, ssaPkgs := ssautil.Packages(pkgs, ssa.BuilderMode(0))
	for i, ssaPkg := range ssaPkgs {
		if ssaPkg == nil {
			return nil, nil, errors.Errorf("failed to compile package %s into SSA form", pkgs[i].PkgPath)
		}
	}
	prog.Build()
	return prog, ssaPkgs, nil
}

// Functions collects the package-level functions to emit, sorted by
// name. When names is non-empty only those functions are returned;
// otherwise every function with a body except init.
func Functions(pkgs []*ssa.Package, names []string) []*ssa.Function {
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}
	var fns []*ssa.Function
	for _, pkg := range pkgs {
		if pkg == nil {
			continue
		}
		for _, m := range pkg.Members {
			fn, ok := m.(*ssa.Function)
			if !ok || len(fn.Blocks) == 0 {
				continue
			}
			if len(want) > 0 {
				if !want[fn.Name()] {
					continue
				}
			} else if fn.Name() == "init" {
				continue
			}
			fns = append(fns, fn)
		}
	}
	sort.Slice(fns, func(i, j int) bool { return fns[i].Name() < fns[j].Name() })
	return fns
}
