// Package resolver runs a unit of work's pre-handler data fetches in
// parallel. Handlers stay synchronous: everything slow or external
// (profile lookups, wallet checks, match history) happens here, before
// the handler is invoked, and the handler reads the collected results.
package resolver

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Func fetches one piece of read-only data. It must honor ctx: when a
// sibling fails, ctx is canceled and the fetch should return promptly.
type Func func(ctx context.Context) (any, error)

// Spec names one resolver of a unit of work.
type Spec struct {
	Name string
	Run  Func
}

// Results holds each resolver's output keyed by resolver name. A
// handler receives it only when every resolver succeeded.
type Results map[string]any

// Error is a resolver failure carrying the failing resolver's name.
type Error struct {
	Resolver string
	Err      error
}

func (e *Error) Error() string { return fmt.Sprintf("resolver %s: %v", e.Resolver, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// Executor fans resolver specs out with bounded concurrency and a
// per-run deadline. The zero value runs unbounded with no deadline.
type Executor struct {
	maxConcurrent int
	timeout       time.Duration
}

// NewExecutor builds an executor. maxConcurrent <= 0 means one worker
// per spec; timeout <= 0 means no deadline beyond the caller's ctx.
func NewExecutor(maxConcurrent int, timeout time.Duration) *Executor {
	return &Executor{maxConcurrent: maxConcurrent, timeout: timeout}
}

// Run executes every spec and returns the collected results, or the
// first failure wrapped in *Error. On failure the sibling contexts are
// canceled and Run still waits for every resolver to return, so no
// resolver goroutine outlives the call. All-or-nothing: a failed run
// returns no results.
func (x *Executor) Run(ctx context.Context, specs []Spec) (Results, error) {
	if len(specs) == 0 {
		return Results{}, nil
	}
	seen := make(map[string]struct{}, len(specs))
	for _, sp := range specs {
		if sp.Name == "" {
			return nil, fmt.Errorf("resolver spec with empty name")
		}
		if sp.Run == nil {
			return nil, fmt.Errorf("resolver %s: nil func", sp.Name)
		}
		if _, dup := seen[sp.Name]; dup {
			return nil, fmt.Errorf("duplicate resolver %s", sp.Name)
		}
		seen[sp.Name] = struct{}{}
	}

	if x.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, x.timeout)
		defer cancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	limit := x.maxConcurrent
	if limit <= 0 || limit > len(specs) {
		limit = len(specs)
	}
	sem := make(chan struct{}, limit)

	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		out      = make(Results, len(specs))
		firstErr error
	)
	fail := func(name string, err error) {
		mu.Lock()
		if firstErr == nil {
			firstErr = &Error{Resolver: name, Err: err}
		}
		mu.Unlock()
		cancel()
	}
	for _, sp := range specs {
		wg.Add(1)
		go func(sp Spec) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				fail(sp.Name, ctx.Err())
				return
			}
			if err := ctx.Err(); err != nil {
				fail(sp.Name, err)
				return
			}
			v, err := sp.Run(ctx)
			if err != nil {
				fail(sp.Name, err)
				return
			}
			mu.Lock()
			out[sp.Name] = v
			mu.Unlock()
		}(sp)
	}
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}
