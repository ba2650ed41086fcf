/*
Copyright (C) 2026  ColdTier Contributors

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU General Public License as published by
	the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU General Public License for more details.

	You should have received a copy of the GNU General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package bufferpool implements the production BufferPool capability:
// sector-aligned buffers with a bounded pool of outstanding bytes, following
// the teacher's channel-based concurrency-budget idiom (storage/limits.go's
// loadSemaphore) generalized from a slot count to a byte budget via
// golang.org/x/sync/semaphore, since buffer sizes vary per stripe.
package bufferpool

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sys/unix"

	"github.com/coldtier/ectier/capability"
	"github.com/coldtier/ectier/errs"
)

// AlignedPool hands out buffers aligned to the caller's requested alignment,
// or to the page size when none is given (suitable for
// O_DIRECT file devices) and admits callers only while total outstanding
// bytes stay under Budget, applying the same kind of backpressure the
// teacher's mysql_import worker pool applies via a bounded jobs channel.
type AlignedPool struct {
	budget *semaphore.Weighted

	mu   sync.Mutex
	live map[*alignedBuffer]struct{}
}

// NewAlignedPool creates a pool that admits at most budgetBytes of
// outstanding buffer memory at once.
func NewAlignedPool(budgetBytes int64) *AlignedPool {
	return &AlignedPool{
		budget: semaphore.NewWeighted(budgetBytes),
		live:   make(map[*alignedBuffer]struct{}),
	}
}

func (p *AlignedPool) Acquire(ctx context.Context, size int, alignment int) (capability.Buffer, error) {
	if size <= 0 {
		return nil, errs.New(errs.KindInvalidConfig, "AlignedPool.Acquire", "size must be positive")
	}
	if alignment <= 0 {
		alignment = unix.Getpagesize()
	}
	if err := p.budget.Acquire(ctx, int64(size)); err != nil {
		return nil, errs.Wrap(errs.KindDurability, "AlignedPool.Acquire", "buffer budget exhausted", err)
	}
	raw := make([]byte, size+alignment)
	offset := 0
	if rem := int(uintptrOf(raw) % uintptr(alignment)); rem != 0 {
		offset = alignment - rem
	}
	buf := &alignedBuffer{
		pool: p,
		raw:  raw,
		data: raw[offset : offset+size],
		size: int64(size),
	}
	p.mu.Lock()
	p.live[buf] = struct{}{}
	p.mu.Unlock()
	return buf, nil
}

// Outstanding reports the number of buffers currently checked out, used by
// tests and the dashboard to observe backpressure.
func (p *AlignedPool) Outstanding() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.live)
}

type alignedBuffer struct {
	pool     *AlignedPool
	raw      []byte
	data     []byte
	size     int64
	released bool
	mu       sync.Mutex
}

func (b *alignedBuffer) Bytes() []byte { return b.data }

func (b *alignedBuffer) Release() {
	b.mu.Lock()
	if b.released {
		b.mu.Unlock()
		return
	}
	b.released = true
	b.mu.Unlock()

	b.pool.mu.Lock()
	delete(b.pool.live, b)
	b.pool.mu.Unlock()
	b.pool.budget.Release(b.size)
}
