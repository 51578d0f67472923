// Package aggregate folds per-path publicness verdicts into one verdict
// per program point. A value is public at a point only when every path
// through the point agrees it is public; a single varying path makes it
// vary, and inconclusive paths keep the point inconclusive.
package aggregate

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/RovayL/ct-publicness/log"
	"github.com/RovayL/ct-publicness/model"
)

// Policy decides the verdict for points whose covering paths lack
// results, because verification skipped them or enumeration truncated.
type Policy string

const (
	// PolicyUnknown reports such points as inconclusive.
	PolicyUnknown Policy = "unknown"
	// PolicyPublic assumes unverified paths do not vary.
	PolicyPublic Policy = "public"
	// PolicySecret assumes unverified paths vary.
	PolicySecret Policy = "secret"
)

// ParsePolicy reads a policy name; the empty string means unknown.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "", PolicyUnknown:
		return PolicyUnknown, nil
	case PolicyPublic:
		return PolicyPublic, nil
	case PolicySecret:
		return PolicySecret, nil
	}
	return "", errors.Errorf("aggregate: unknown missing policy %q", s)
}

func (p Policy) verdict() model.Verdict {
	switch p {
	case PolicyPublic:
		return model.VerdictTrue
	case PolicySecret:
		return model.VerdictFalse
	}
	return model.VerdictUnknown
}

// ppCover is one point's covering path set in emission order.
type ppCover struct {
	pp        string
	ids       []int
	total     int
	truncated bool
}

// coverSets derives the covering path ids per point. Coverage records
// are authoritative; without them the sets are rebuilt from each path's
// pp_seq, in first-seen point order.
func coverSets(coverage []*model.Coverage, paths []*model.Path) []ppCover {
	if len(coverage) > 0 {
		out := make([]ppCover, len(coverage))
		for i, c := range coverage {
			total := c.PathCount
			if total < len(c.PathIDs) {
				total = len(c.PathIDs)
			}
			out[i] = ppCover{pp: c.PP, ids: c.PathIDs, total: total, truncated: c.Truncated}
		}
		return out
	}

	var out []ppCover
	index := make(map[string]int)
	for _, p := range paths {
		seen := make(map[string]bool, len(p.PPSeq))
		for _, pp := range p.PPSeq {
			if seen[pp] {
				continue
			}
			seen[pp] = true
			i, ok := index[pp]
			if !ok {
				i = len(out)
				index[pp] = i
				out = append(out, ppCover{pp: pp})
			}
			out[i].ids = append(out[i].ids, p.PathID)
		}
	}
	for i := range out {
		out[i].total = len(out[i].ids)
	}
	return out
}

// meet folds duplicate verdicts for one (path, point, value): varying
// dominates, then inconclusive.
func meet(a, b model.Verdict) model.Verdict {
	switch {
	case a == model.VerdictFalse || b == model.VerdictFalse:
		return model.VerdictFalse
	case a == model.VerdictUnknown || b == model.VerdictUnknown:
		return model.VerdictUnknown
	}
	return model.VerdictTrue
}

// PublicAtPoints aggregates one function's per-path results. txPPs
// optionally lists the function's transmitter points; covered
// transmitters with no results at all are logged as a data integrity
// warning.
func PublicAtPoints(fn string, coverage []*model.Coverage, paths []*model.Path, results []*model.PathPublicness, txPPs []string, policy Policy) []*model.PublicAtPoint {
	covers := coverSets(coverage, paths)

	// (pp, value) -> path id -> folded verdict.
	verdicts := make(map[string]map[string]map[int]model.Verdict)
	for _, r := range results {
		byValue := verdicts[r.PP]
		if byValue == nil {
			byValue = make(map[string]map[int]model.Verdict)
			verdicts[r.PP] = byValue
		}
		byPath := byValue[r.Value]
		if byPath == nil {
			byPath = make(map[int]model.Verdict)
			byValue[r.Value] = byPath
		}
		if prev, ok := byPath[r.PathID]; ok {
			byPath[r.PathID] = meet(prev, r.Public)
		} else {
			byPath[r.PathID] = r.Public
		}
	}

	txSet := make(map[string]bool, len(txPPs))
	for _, pp := range txPPs {
		txSet[pp] = true
	}

	var out []*model.PublicAtPoint
	gaps := 0
	for _, c := range covers {
		byValue := verdicts[c.pp]
		if len(byValue) == 0 {
			if txSet[c.pp] {
				gaps++
			}
			continue
		}
		values := make([]string, 0, len(byValue))
		for v := range byValue {
			values = append(values, v)
		}
		sort.Strings(values)

		for _, value := range values {
			byPath := byValue[value]
			anyFalse, anyUnknown := false, false
			for _, v := range byPath {
				switch v {
				case model.VerdictFalse:
					anyFalse = true
				case model.VerdictUnknown:
					anyUnknown = true
				}
			}
			missing := 0
			for _, pid := range c.ids {
				if _, ok := byPath[pid]; !ok {
					missing++
				}
			}

			var public model.Verdict
			switch {
			case anyFalse:
				public = model.VerdictFalse
			case anyUnknown:
				public = model.VerdictUnknown
			case missing > 0 || c.truncated:
				public = policy.verdict()
			default:
				public = model.VerdictTrue
			}
			out = append(out, &model.PublicAtPoint{
				Fn:           fn,
				PP:           c.pp,
				Value:        value,
				Public:       public,
				TotalPaths:   c.total,
				MissingPaths: missing,
				Truncated:    c.truncated,
			})
		}
	}
	if gaps > 0 {
		log.Info.Printf("aggregate: %s: %d transmitter points covered by paths but missing results", fn, gaps)
	}
	return out
}

// Aggregate groups a record set by function and aggregates each one.
// Functions appear in first-seen record order.
func Aggregate(recs *model.Records, policy Policy) []*model.PublicAtPoint {
	var fns []string
	seen := make(map[string]bool)
	note := func(fn string) {
		if fn != "" && !seen[fn] {
			seen[fn] = true
			fns = append(fns, fn)
		}
	}
	for _, c := range recs.Coverage {
		note(c.Fn)
	}
	for _, p := range recs.Paths {
		note(p.Fn)
	}
	for _, r := range recs.Publicness {
		note(r.Fn)
	}

	var out []*model.PublicAtPoint
	for _, fn := range fns {
		var coverage []*model.Coverage
		for _, c := range recs.Coverage {
			if c.Fn == fn {
				coverage = append(coverage, c)
			}
		}
		var paths []*model.Path
		for _, p := range recs.Paths {
			if p.Fn == fn {
				paths = append(paths, p)
			}
		}
		var results []*model.PathPublicness
		for _, r := range recs.Publicness {
			if r.Fn == fn {
				results = append(results, r)
			}
		}
		var txPPs []string
		for _, in := range recs.Instructions {
			if in.Fn == fn && in.Tx != nil {
				txPPs = append(txPPs, in.PP)
			}
		}
		out = append(out, PublicAtPoints(fn, coverage, paths, results, txPPs, policy)...)
	}
	return out
}
