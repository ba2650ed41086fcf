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

// Package reconstruct implements ReconstructionEngine: rebuild a stripe's
// missing shards onto replacement devices and recommit the new generation,
// bounded by a system-wide concurrency budget the same way bufferpool bounds
// outstanding buffer bytes (golang.org/x/sync/semaphore.Weighted).
package reconstruct

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/coldtier/ectier/capability"
	"github.com/coldtier/ectier/errs"
	"github.com/coldtier/ectier/metadata"
	"github.com/coldtier/ectier/policy"
)

// Committer is the slice of MetadataEngine ReconstructionEngine needs.
type Committer interface {
	Commit(m metadata.NewMapping) (uint64, error)
}

// DeviceCatalog reports candidate cold-tier devices for a pool; same shape
// as destage.DeviceCatalog, duplicated here rather than imported to keep
// reconstruct independent of destage's package (both are leaves consumed by
// engine, neither should depend on the other).
type DeviceCatalog interface {
	CandidateDevices(pool string) []CatalogEntry
}

type CatalogEntry struct {
	Device capability.DeviceID
	Labels policy.DeviceLabels
}

// Event describes one completed or failed rebuild, for observability wiring.
type Event struct {
	StripeID    uint64
	Volume      capability.VolumeID
	Rebuilt     []int
	Degraded    bool
	Err         error
}

type seqAllocator struct{ next atomic.Uint64 }

func (s *seqAllocator) Next() uint64 { return s.next.Add(1) }

// Engine is the production ReconstructionEngine.
type Engine struct {
	devices  capability.DeviceIO
	codec    capability.Codec
	catalog  DeviceCatalog
	meta     Committer
	pool     string

	budget *semaphore.Weighted

	mu         sync.Mutex
	perStripe  map[uint64]*sync.Mutex
	seq        seqAllocator

	OnEvent func(Event)
}

func NewEngine(devices capability.DeviceIO, codec capability.Codec, catalog DeviceCatalog, meta Committer, pool string, maxConcurrentRebuilds int64) *Engine {
	if maxConcurrentRebuilds <= 0 {
		maxConcurrentRebuilds = 4
	}
	return &Engine{
		devices: devices, codec: codec, catalog: catalog, meta: meta, pool: pool,
		budget:    semaphore.NewWeighted(maxConcurrentRebuilds),
		perStripe: make(map[uint64]*sync.Mutex),
	}
}

func (e *Engine) stripeLock(stripeID uint64) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.perStripe[stripeID]
	if !ok {
		m = &sync.Mutex{}
		e.perStripe[stripeID] = m
	}
	return m
}

// Rebuild reconstructs missing (data and/or parity) shard positions of pl
// onto replacement devices and commits a new generation, per spec.md §4.5.
// Triggered either by a ReadRouter-reported shard failure or by Scrub.
func (e *Engine) Rebuild(ctx context.Context, pl capability.StripePlacement, missing []int) error {
	if err := e.budget.Acquire(ctx, 1); err != nil {
		return errs.Wrap(errs.KindUnknown, "ReconstructionEngine.Rebuild", "acquire concurrency budget", err)
	}
	defer e.budget.Release(1)

	lock := e.stripeLock(pl.StripeID)
	lock.Lock()
	defer lock.Unlock()

	present, shards, err := e.readSurviving(ctx, pl, missing)
	if err != nil {
		e.emit(Event{StripeID: pl.StripeID, Volume: pl.VolumeID, Err: err})
		return err
	}

	full := make([][]byte, pl.K+pl.M)
	for i, idx := range present {
		full[idx] = shards[i]
	}
	if err := e.codec.Reconstruct(full, present, missing, pl.K, pl.M); err != nil {
		err = errs.Wrap(errs.KindDecodeFailure, "ReconstructionEngine.Rebuild", "reconstruct", err)
		e.emit(Event{StripeID: pl.StripeID, Volume: pl.VolumeID, Err: err})
		return err
	}

	excluded := make(map[capability.DeviceID]bool)
	for _, loc := range pl.Shards {
		skip := false
		for _, m := range missing {
			if m == loc.Index {
				skip = true
			}
		}
		if !skip {
			excluded[loc.Device] = true
		}
	}
	replacement, err := e.selectReplacementDevices(excluded, len(missing))
	if err != nil {
		e.emit(Event{StripeID: pl.StripeID, Volume: pl.VolumeID, Err: err})
		return err
	}

	newLocations := append([]capability.ShardLocation{}, pl.Shards...)
	oldLocations := make([]capability.ShardLocation, 0, len(missing))
	for i, idx := range missing {
		old := pl.Shards[idx]
		oldLocations = append(oldLocations, old)
		offset := int64(e.seq.Next()) * pl.ShardSize // fresh, non-colliding placement on the replacement device
		if err := e.devices.Write(ctx, replacement[i].Device, offset, full[idx]); err != nil {
			err = errs.Wrap(errs.KindDeviceUnavailable, "ReconstructionEngine.Rebuild", "write replacement shard", err)
			e.emit(Event{StripeID: pl.StripeID, Volume: pl.VolumeID, Err: err})
			return err
		}
		newLocations[idx] = capability.ShardLocation{
			StripeID: pl.StripeID, Index: idx, Device: replacement[i].Device,
			DeviceOffset: offset, SizeBytes: int64(len(full[idx])),
		}
	}

	newPlacement := pl
	newPlacement.Shards = newLocations
	newPlacement.Generation = pl.Generation + 1

	if _, err := e.meta.Commit(metadata.NewMapping{
		Volume: pl.VolumeID, Range: pl.Range, Placement: newPlacement, SeqNo: e.seq.Next(),
	}); err != nil {
		err = errs.Wrap(errs.KindUnknown, "ReconstructionEngine.Rebuild", "commit new generation", err)
		e.emit(Event{StripeID: pl.StripeID, Volume: pl.VolumeID, Err: err})
		return err
	}

	// best-effort: reclaim the old device offsets of the shards we replaced.
	for _, old := range oldLocations {
		_ = e.devices.Trim(ctx, old.Device, old.DeviceOffset, old.SizeBytes)
	}

	e.emit(Event{StripeID: pl.StripeID, Volume: pl.VolumeID, Rebuilt: missing, Degraded: len(missing) > 0})
	return nil
}

func (e *Engine) readSurviving(ctx context.Context, pl capability.StripePlacement, missing []int) ([]int, [][]byte, error) {
	isMissing := make(map[int]bool, len(missing))
	for _, m := range missing {
		isMissing[m] = true
	}
	var present []int
	var shards [][]byte
	for _, loc := range pl.Shards {
		if isMissing[loc.Index] {
			continue
		}
		buf := make([]byte, loc.SizeBytes)
		if err := e.devices.Read(ctx, loc.Device, loc.DeviceOffset, buf); err != nil {
			continue // treat an unreadable "surviving" shard the same as a missing one
		}
		present = append(present, loc.Index)
		shards = append(shards, buf)
		if len(present) == pl.K {
			break
		}
	}
	if len(present) < pl.K {
		return nil, nil, errs.NewInsufficientShards("ReconstructionEngine.readSurviving", len(present), pl.K)
	}
	return present, shards, nil
}

func (e *Engine) selectReplacementDevices(excluded map[capability.DeviceID]bool, n int) ([]CatalogEntry, error) {
	candidates := e.catalog.CandidateDevices(e.pool)
	var chosen []CatalogEntry
	for _, c := range candidates {
		if excluded[c.Device] {
			continue
		}
		chosen = append(chosen, c)
		if len(chosen) == n {
			return chosen, nil
		}
	}
	return nil, errs.New(errs.KindNoSuitablePool, "ReconstructionEngine.selectReplacementDevices", "not enough spare devices distinct from survivors")
}

func (e *Engine) emit(ev Event) {
	if e.OnEvent != nil {
		e.OnEvent(ev)
	}
}
