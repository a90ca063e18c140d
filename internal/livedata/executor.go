package livedata

import (
	"context"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Executor runs selected providers concurrently with a per-provider timeout.
// Partial success is the normal case: whatever fetched in time goes into the
// evidence pack, the rest becomes an "unavailable" note.
type Executor struct {
	timeout time.Duration
	logger  *log.Logger
}

func NewExecutor(timeout time.Duration) *Executor {
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	return &Executor{
		timeout: timeout,
		logger:  log.New(log.Writer(), "[LIVEDATA] ", log.LstdFlags),
	}
}

// Run executes the providers and returns results in provider order, plus one
// error per provider that failed or timed out.
func (e *Executor) Run(ctx context.Context, providers []Provider, q Query) ([]*Result, []error) {
	slots := make([]*Result, len(providers))
	var mu sync.Mutex
	var errs []error

	g := &errgroup.Group{}
	for i, p := range providers {
		i, p := i, p
		g.Go(func() error {
			fetchCtx, cancel := context.WithTimeout(ctx, e.timeout)
			defer cancel()

			start := time.Now()
			res, err := p.Fetch(fetchCtx, q)
			if err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
				e.logger.Printf("provider %s failed after %s: %v", p.Name(), time.Since(start), err)
				return nil
			}
			slots[i] = res
			return nil
		})
	}
	_ = g.Wait()

	results := make([]*Result, 0, len(providers))
	for _, r := range slots {
		if r != nil {
			results = append(results, r)
		}
	}
	return results, errs
}
