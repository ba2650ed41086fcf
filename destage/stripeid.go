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

package destage

import "sync/atomic"

// StripeIDAllocator hands out monotonically increasing stripe_id values, the
// same atomic-counter shape as the teacher's storage/fast_uuid.go uuidCounter,
// generalized from a random-looking id to a plain dense sequence since
// stripe_id has no uniqueness-across-restarts requirement beyond "never
// reused" (guaranteed by seeding from the highest id already committed).
type StripeIDAllocator struct {
	next atomic.Uint64
}

// NewStripeIDAllocator seeds the allocator so the first allocated id is
// highestCommitted+1 (0 if nothing has ever been committed).
func NewStripeIDAllocator(highestCommitted uint64) *StripeIDAllocator {
	a := &StripeIDAllocator{}
	a.next.Store(highestCommitted)
	return a
}

func (a *StripeIDAllocator) Next() uint64 {
	return a.next.Add(1)
}
