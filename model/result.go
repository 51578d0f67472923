package model

import "github.com/pkg/errors"

// Verdict is the three-valued publicness outcome. The zero value is
// VerdictUnknown so an unset result never reads as a claim.
type Verdict int8

const (
	VerdictUnknown Verdict = iota
	VerdictTrue
	VerdictFalse
)

func (v Verdict) String() string {
	switch v {
	case VerdictTrue:
		return "true"
	case VerdictFalse:
		return "false"
	}
	return "unknown"
}

// MarshalJSON renders true, false, or null for unknown.
func (v Verdict) MarshalJSON() ([]byte, error) {
	switch v {
	case VerdictTrue:
		return []byte("true"), nil
	case VerdictFalse:
		return []byte("false"), nil
	}
	return []byte("null"), nil
}

func (v *Verdict) UnmarshalJSON(b []byte) error {
	switch string(b) {
	case "true":
		*v = VerdictTrue
	case "false":
		*v = VerdictFalse
	case "null":
		*v = VerdictUnknown
	default:
		return errors.Errorf("invalid publicness value %s", b)
	}
	return nil
}

// PathPublicness is the per-path verdict for one transmitted value at
// one program point.
type PathPublicness struct {
	Fn     string  `json:"fn"`
	PathID int     `json:"path_id"`
	PP     string  `json:"pp"`
	Value  string  `json:"value"`
	Public Verdict `json:"public"`
}

// PublicAtPoint is the aggregated verdict for one value at one program
// point across every covering path. MissingPaths counts covering paths
// that produced no verdict for the value.
type PublicAtPoint struct {
	Fn           string  `json:"fn"`
	PP           string  `json:"pp"`
	Value        string  `json:"value"`
	Public       Verdict `json:"public"`
	TotalPaths   int     `json:"total_paths"`
	MissingPaths int     `json:"missing_paths"`
	Truncated    bool    `json:"truncated"`
}

// PathAnalysisSummary reports the work done verifying one path.
type PathAnalysisSummary struct {
	Fn           string  `json:"fn"`
	PathID       int     `json:"path_id"`
	InstCount    int     `json:"inst_count"`
	DefCount     int     `json:"def_count"`
	QueryCount   int     `json:"query_count"`
	SatCount     int     `json:"sat_count"`
	UnsatCount   int     `json:"unsat_count"`
	UnknownCount int     `json:"unknown_count"`
	SolverTimeMS float64 `json:"solver_time_ms"`
	CacheHits    int     `json:"cache_hits"`
	CacheMisses  int     `json:"cache_misses"`
}

// FunctionAnalysisSummary accumulates the per-path summaries of one
// function.
type FunctionAnalysisSummary struct {
	Fn            string  `json:"fn"`
	PathsAnalyzed int     `json:"paths_analyzed"`
	InstCount     int     `json:"inst_count"`
	DefCount      int     `json:"def_count"`
	QueryCount    int     `json:"query_count"`
	SatCount      int     `json:"sat_count"`
	UnsatCount    int     `json:"unsat_count"`
	UnknownCount  int     `json:"unknown_count"`
	SolverTimeMS  float64 `json:"solver_time_ms"`
	CacheHits     int     `json:"cache_hits"`
	CacheMisses   int     `json:"cache_misses"`
}

// Add folds one path's summary into the function totals.
func (s *FunctionAnalysisSummary) Add(p PathAnalysisSummary) {
	s.PathsAnalyzed++
	s.InstCount += p.InstCount
	s.DefCount += p.DefCount
	s.QueryCount += p.QueryCount
	s.SatCount += p.SatCount
	s.UnsatCount += p.UnsatCount
	s.UnknownCount += p.UnknownCount
	s.SolverTimeMS += p.SolverTimeMS
	s.CacheHits += p.CacheHits
	s.CacheMisses += p.CacheMisses
}
