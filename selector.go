package ioworker

import (
	"fmt"
	"math/bits"
	"math/rand/v2"
	"sync"
)

// threadPools holds the worker's two fixed pools of event-loop threads.
// The slices are immutable after construction, so selection needs no lock;
// only an injected deterministic random source is serialized.
type threadPools struct {
	rng   *rand.Rand
	read  []*WorkerThread
	write []*WorkerThread
	rngMu sync.Mutex
}

func (p *threadPools) intN(n int) int {
	if p.rng != nil {
		p.rngMu.Lock()
		defer p.rngMu.Unlock()
		return p.rng.IntN(n)
	}
	return rand.IntN(n)
}

func (p *threadPools) pool(write bool) []*WorkerThread {
	if write {
		return p.write
	}
	return p.read
}

// chooseAny picks one thread uniformly across the union of both pools: each
// individual thread has equal probability regardless of pool. An empty pool
// degrades to choosing from the other.
func (p *threadPools) chooseAny() (*WorkerThread, error) {
	total := len(p.read) + len(p.write)
	if total == 0 {
		return nil, ErrNoThreads
	}
	i := p.intN(total)
	if i < len(p.read) {
		return p.read[i], nil
	}
	return p.write[i-len(p.read)], nil
}

// choose picks one thread uniformly from the named pool.
func (p *threadPools) choose(write bool) (*WorkerThread, error) {
	pool := p.pool(write)
	switch len(pool) {
	case 0:
		return nil, ErrNoThreads
	case 1:
		return pool[0], nil
	}
	return pool[p.intN(len(pool))], nil
}

// chooseOptional is choose, degraded to nil for an empty pool. Used where a
// thread reference is a nice-to-have, e.g. the multicast fallback.
func (p *threadPools) chooseOptional(write bool) *WorkerThread {
	t, err := p.choose(write)
	if err != nil {
		return nil
	}
	return t
}

// chooseK picks exactly count distinct threads from the named pool,
// uniformly over all C(n, count) subsets. count == 0 yields an empty
// result; count == n yields a copy of the whole pool.
func (p *threadPools) chooseK(count int, write bool) ([]*WorkerThread, error) {
	pool := p.pool(write)
	n := len(pool)
	switch {
	case count < 0 || count > n:
		return nil, fmt.Errorf("%w: cannot select %d threads from a pool of %d", ErrInvalidArgument, count, n)
	case count == 0:
		return nil, nil
	case count == n:
		out := make([]*WorkerThread, n)
		copy(out, pool)
		return out, nil
	}
	if n <= 64 {
		return p.chooseMask(pool, count), nil
	}
	return p.chooseSet(pool, count), nil
}

// chooseMask samples by accumulating random singleton bits in a word until
// count bits are set. Each new element is uniform over the remainder, so
// the resulting subset is uniform.
func (p *threadPools) chooseMask(pool []*WorkerThread, count int) []*WorkerThread {
	var mask uint64
	for bits.OnesCount64(mask) < count {
		mask |= 1 << p.intN(len(pool))
	}
	out := make([]*WorkerThread, 0, count)
	for mask != 0 {
		out = append(out, pool[bits.TrailingZeros64(mask)])
		mask &= mask - 1
	}
	return out
}

// chooseSet samples via an index set for pools too large for the bitmask
// tier. Requests for more than half the pool sample the excluded
// complement instead, which needs fewer draws.
func (p *threadPools) chooseSet(pool []*WorkerThread, count int) []*WorkerThread {
	n := len(pool)
	if count > n/2 {
		excluded := make(map[int]struct{}, n-count)
		for len(excluded) < n-count {
			excluded[p.intN(n)] = struct{}{}
		}
		out := make([]*WorkerThread, 0, count)
		for i, t := range pool {
			if _, skip := excluded[i]; !skip {
				out = append(out, t)
			}
		}
		return out
	}
	seen := make(map[int]struct{}, count)
	out := make([]*WorkerThread, 0, count)
	for len(out) < count {
		i := p.intN(n)
		if _, dup := seen[i]; dup {
			continue
		}
		seen[i] = struct{}{}
		out = append(out, pool[i])
	}
	return out
}
