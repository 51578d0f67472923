package verify

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/RovayL/ct-publicness/solver"
)

// queryCache deduplicates solver calls across the path workers of one
// function. Keys are the canonical rendering of the whole query term.
// Sat and unsat results are remembered; unknown results are not, so a
// later path may retry a query that timed out.
type queryCache struct {
	group singleflight.Group

	mu   sync.RWMutex
	done map[string]solver.Status
}

func newQueryCache() *queryCache {
	return &queryCache{done: make(map[string]solver.Status)}
}

type checkOutcome struct {
	status  solver.Status
	elapsed time.Duration
}

// check resolves one query. Concurrent duplicates wait for the first
// call instead of issuing their own. The last result reports whether
// this caller got the answer without paying for a solver call.
func (c *queryCache) check(ctx context.Context, backend solver.Backend, timeout time.Duration, q solver.Term) (solver.Status, time.Duration, bool) {
	key := q.String()
	c.mu.RLock()
	st, ok := c.done[key]
	c.mu.RUnlock()
	if ok {
		return st, 0, true
	}

	executed := false
	v, _, _ := c.group.Do(key, func() (interface{}, error) {
		executed = true
		qctx := ctx
		if timeout > 0 {
			var cancel context.CancelFunc
			qctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		start := time.Now()
		res, err := backend.CheckSat(qctx, q)
		out := checkOutcome{status: res.Status, elapsed: time.Since(start)}
		if err != nil {
			out.status = solver.StatusUnknown
		}
		if out.status != solver.StatusUnknown {
			c.mu.Lock()
			c.done[key] = out.status
			c.mu.Unlock()
		}
		return out, nil
	})
	out := v.(checkOutcome)
	if executed {
		return out.status, out.elapsed, false
	}
	return out.status, 0, true
}
