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

package reconstruct

import (
	"context"
	"hash/crc32"
	"time"

	"github.com/coldtier/ectier/capability"
)

// StripeLister enumerates every currently committed stripe placement.
type StripeLister interface {
	AllPlacements() []capability.StripePlacement
}

// Scrubber walks every stripe at a throttled rate, verifying shard
// checksums, and feeds discrepancies into Engine.Rebuild — the "periodic
// scrub" trigger of spec.md §4.5 case (b).
type Scrubber struct {
	Lister        StripeLister
	Devices       capability.DeviceIO
	Engine        *Engine
	PerStripeGap  time.Duration // throttle: minimum gap between consecutive stripe checks
}

// Run walks all stripes once, verifying checksums and triggering rebuilds as
// needed, returning early if ctx is cancelled.
func (s *Scrubber) Run(ctx context.Context) error {
	gap := s.PerStripeGap
	if gap <= 0 {
		gap = 10 * time.Millisecond
	}
	ticker := time.NewTicker(gap)
	defer ticker.Stop()

	for _, pl := range s.Lister.AllPlacements() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		s.checkStripe(ctx, pl)
	}
	return nil
}

func (s *Scrubber) checkStripe(ctx context.Context, pl capability.StripePlacement) {
	var missing []int
	for _, loc := range pl.Shards {
		buf := make([]byte, loc.SizeBytes)
		if err := s.Devices.Read(ctx, loc.Device, loc.DeviceOffset, buf); err != nil {
			missing = append(missing, loc.Index)
			continue
		}
		if loc.Checksum != 0 && crc32.ChecksumIEEE(buf) != loc.Checksum {
			missing = append(missing, loc.Index)
		}
	}
	if len(missing) == 0 {
		return
	}
	_ = s.Engine.Rebuild(ctx, pl, missing)
}
