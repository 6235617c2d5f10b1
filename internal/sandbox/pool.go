package sandbox

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/roach88/stopgate/internal/fault"
)

// Policy decides what Acquire does when the pool is full.
type Policy string

const (
	// PolicyBlock waits for a free slot until the context ends.
	PolicyBlock Policy = "block"

	// PolicyFailFast returns a CapacityError immediately.
	PolicyFailFast Policy = "fail_fast"
)

// ParsePolicy validates a policy name.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case PolicyBlock, PolicyFailFast:
		return Policy(s), nil
	}
	return "", fmt.Errorf("invalid pool policy %q: must be %q or %q", s, PolicyBlock, PolicyFailFast)
}

// Pool caps the number of live sandboxes. There are never more than Size
// permits outstanding.
type Pool struct {
	sem    *semaphore.Weighted
	size   int
	policy Policy
	inUse  atomic.Int64
}

// NewPool creates a pool of the given size. Sizes below one are clamped
// to one.
func NewPool(size int, policy Policy) *Pool {
	if size < 1 {
		size = 1
	}
	if policy == "" {
		policy = PolicyBlock
	}
	return &Pool{
		sem:    semaphore.NewWeighted(int64(size)),
		size:   size,
		policy: policy,
	}
}

// Size returns the pool capacity.
func (p *Pool) Size() int { return p.size }

// Policy returns the pool's full-pool policy.
func (p *Pool) Policy() Policy { return p.policy }

// InUse returns the number of outstanding permits.
func (p *Pool) InUse() int { return int(p.inUse.Load()) }

// Acquire takes one permit. The returned release func is safe to call more
// than once; only the first call frees the slot.
func (p *Pool) Acquire(ctx context.Context) (func(), error) {
	switch p.policy {
	case PolicyFailFast:
		if !p.sem.TryAcquire(1) {
			return nil, fault.Newf(fault.CodeCapacity, "sandbox pool exhausted (%d/%d in use)", p.InUse(), p.size)
		}
	default:
		if err := p.sem.Acquire(ctx, 1); err != nil {
			return nil, fault.Wrap(fault.CodeCapacity,
				fmt.Sprintf("gave up waiting for a sandbox slot (%d in use)", p.size), err)
		}
	}

	p.inUse.Add(1)
	var once sync.Once
	return func() {
		once.Do(func() {
			p.inUse.Add(-1)
			p.sem.Release(1)
		})
	}, nil
}
