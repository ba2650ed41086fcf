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

// Package destage implements DestagePipeline: aggregates hot-tier journal
// writes into one Reed-Solomon stripe per run, encodes, places and writes
// shards, and commits the result into MetadataEngine before trimming the
// journal. The per-run shape (acquire buffers, do the risky work, always
// release) follows the teacher's storage/persistence-files.go WriteSchema
// idiom of "build the new artifact fully before touching durable state."
package destage

import (
	"context"
	"sync"

	"github.com/coldtier/ectier/capability"
	"github.com/coldtier/ectier/errs"
	"github.com/coldtier/ectier/journal"
	"github.com/coldtier/ectier/metadata"
	"github.com/coldtier/ectier/policy"
	"github.com/coldtier/ectier/stripeformat"
)

// Committer is the slice of MetadataEngine DestagePipeline needs.
type Committer interface {
	Commit(m metadata.NewMapping) (uint64, error)
}

// Config parameterizes one pipeline instance. K/M/ShardSize/Constraint
// normally come from a resolved policy.EcPolicy.
type Config struct {
	K, M         int
	ShardSize    int64 // bytes, per shard
	SectorBytes  int64 // bytes per LbaRange sector unit
	Pool         string
	Constraint   *policy.PlacementConstraint
	MaxRetries   int
	Compression  stripeformat.Policy
	BufferAlign  int
}

// Pipeline is the production DestagePipeline.
type Pipeline struct {
	cfg Config

	journalIdx *journal.Index
	hot        capability.HotTierReader
	pool       capability.BufferPool
	codec      capability.Codec
	devices    capability.DeviceIO
	catalog    DeviceCatalog
	meta       Committer
	ids        *StripeIDAllocator

	mu sync.Mutex // serializes allocate+commit per spec.md §4.3 "serialised section per volume"
}

func NewPipeline(cfg Config, journalIdx *journal.Index, hot capability.HotTierReader, pool capability.BufferPool,
	codec capability.Codec, devices capability.DeviceIO, catalog DeviceCatalog, meta Committer, ids *StripeIDAllocator) *Pipeline {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BufferAlign <= 0 {
		cfg.BufferAlign = 4096
	}
	if cfg.SectorBytes <= 0 {
		cfg.SectorBytes = 1
	}
	return &Pipeline{
		cfg: cfg, journalIdx: journalIdx, hot: hot, pool: pool,
		codec: codec, devices: devices, catalog: catalog, meta: meta, ids: ids,
	}
}

// Run executes one destage cycle, picking whichever volume has the oldest
// pending journal entries. A nil, nil return means there was nothing ready
// to destage.
func (p *Pipeline) Run(ctx context.Context) (*capability.StripePlacement, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	targetSectors := uint64(p.cfg.K) * uint64(p.cfg.ShardSize) / uint64(p.cfg.SectorBytes)
	batch, err := p.journalIdx.PendingForDestage(targetSectors)
	if err != nil {
		return nil, errs.Wrap(errs.KindUnknown, "Pipeline.Run", "pending_for_destage", err)
	}
	if batch == nil {
		return nil, nil
	}
	return p.runBatch(ctx, batch)
}

// RunForVolume executes one destage cycle restricted to volume, regardless
// of whether another volume has older pending entries. Used by an
// EC-conversion migration to drive one volume to completion.
func (p *Pipeline) RunForVolume(ctx context.Context, volume capability.VolumeID) (*capability.StripePlacement, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	targetSectors := uint64(p.cfg.K) * uint64(p.cfg.ShardSize) / uint64(p.cfg.SectorBytes)
	batch, err := p.journalIdx.PendingForVolume(volume, targetSectors)
	if err != nil {
		return nil, errs.Wrap(errs.KindUnknown, "Pipeline.RunForVolume", "pending_for_volume", err)
	}
	if batch == nil {
		return nil, nil
	}
	return p.runBatch(ctx, batch)
}

// DestageVolume drives volume's pending ranges into committed EC stripes
// until none remain, satisfying migrate.DestageRequester for the
// EC-conversion migration path (spec.md §4.7). targetPools is accepted for
// interface symmetry with the policy-driven pool list Migrator resolves;
// the pipeline's own Config.Pool/Constraint govern actual placement.
func (p *Pipeline) DestageVolume(ctx context.Context, volume capability.VolumeID, targetPools []string) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		placement, err := p.RunForVolume(ctx, volume)
		if err != nil {
			return err
		}
		if placement == nil {
			return nil
		}
	}
}

func (p *Pipeline) runBatch(ctx context.Context, batch *journal.Batch) (*capability.StripePlacement, error) {
	raw, err := p.readBatch(ctx, batch)
	if err != nil {
		return nil, err
	}

	payload, compressed, algo := stripeformat.MaybeCompress(p.cfg.Compression, raw)
	capacity := int64(p.cfg.K) * p.cfg.ShardSize
	if int64(len(payload)) > capacity {
		// payload didn't fit the target stripe capacity; abort the run
		// rather than silently truncating data (spec.md §4.3 failure rule:
		// "no state change" on any failure before commit).
		return nil, errs.New(errs.KindEncodeFailure, "Pipeline.Run", "payload exceeds stripe capacity")
	}

	dataShards := splitIntoShards(payload, p.cfg.K, p.cfg.ShardSize)

	bufs, release, err := p.acquireBuffers(ctx, p.cfg.K+p.cfg.M)
	if err != nil {
		return nil, errs.Wrap(errs.KindUnknown, "Pipeline.Run", "acquire buffers", err)
	}
	defer release()

	for i, d := range dataShards {
		copy(bufs[i].Bytes(), d)
	}

	parity, err := p.codec.EncodeM(dataShards, p.cfg.M)
	if err != nil {
		return nil, errs.Wrap(errs.KindEncodeFailure, "Pipeline.Run", "encode", err)
	}
	for i, pr := range parity {
		copy(bufs[p.cfg.K+i].Bytes(), pr)
	}

	placementDevices, err := selectPlacement(p.catalog, p.cfg.Pool, p.cfg.Constraint, p.cfg.K+p.cfg.M)
	if err != nil {
		return nil, err
	}

	stripeID := p.ids.Next()
	locations, err := p.writeShards(ctx, stripeID, placementDevices, bufs)
	if err != nil {
		// shards already written (if any) are orphaned space, reclaimable
		// by scrub/GC per spec.md §4.3 failure handling; no L2P change.
		return nil, err
	}

	placement := capability.StripePlacement{
		StripeID:        stripeID,
		VolumeID:        batch.Volume,
		Range:           batchRange(batch),
		K:               p.cfg.K,
		M:               p.cfg.M,
		ShardSize:       p.cfg.ShardSize,
		Shards:          locations,
		Generation:      1,
		Compressed:      compressed,
		CompressionAlgo: string(algo),
		OriginalSize:    int64(len(raw)),
		CompressedSize:  int64(len(payload)),
	}

	// the stripe's seq_no is at least every batched entry's seq_no, so
	// CoveredBySeqNo accepts the Trim below.
	commitSeq := stripeID
	for _, e := range batch.Entries {
		if e.SeqNo > commitSeq {
			commitSeq = e.SeqNo
		}
	}
	seqNo, err := p.meta.Commit(metadata.NewMapping{
		Volume:    batch.Volume,
		Range:     placement.Range,
		Placement: placement,
		SeqNo:     commitSeq,
	})
	if err != nil {
		// commit failure: shards are orphaned, identical handling to a
		// write failure per spec.md §4.3.
		return nil, errs.Wrap(errs.KindUnknown, "Pipeline.Run", "commit", err)
	}
	_ = seqNo

	p.journalIdx.MarkDestaged(batch.Entries)
	if _, err := p.journalIdx.Trim(batch.Entries); err != nil {
		// trim is best-effort: the mapping is already durable. A refused
		// trim leaves the entries indexed and marked destaged; no later
		// run retries them.
		return &placement, nil
	}

	return &placement, nil
}

func (p *Pipeline) readBatch(ctx context.Context, batch *journal.Batch) ([]byte, error) {
	var out []byte
	for _, e := range batch.Entries {
		b, err := p.hot.ReadRange(ctx, e.Volume, e.Range)
		if err != nil {
			return nil, errs.Wrap(errs.KindIoTimeout, "Pipeline.readBatch", string(e.Volume), err)
		}
		out = append(out, b...)
	}
	return out, nil
}

func (p *Pipeline) acquireBuffers(ctx context.Context, n int) ([]capability.Buffer, func(), error) {
	bufs := make([]capability.Buffer, 0, n)
	release := func() {
		for _, b := range bufs {
			b.Release()
		}
	}
	for i := 0; i < n; i++ {
		b, err := p.pool.Acquire(ctx, int(p.cfg.ShardSize), p.cfg.BufferAlign)
		if err != nil {
			release()
			return nil, func() {}, err
		}
		bufs = append(bufs, b)
	}
	return bufs, release, nil
}

func (p *Pipeline) writeShards(ctx context.Context, stripeID uint64, devices []CatalogEntry, bufs []capability.Buffer) ([]capability.ShardLocation, error) {
	locations := make([]capability.ShardLocation, len(devices))
	type result struct {
		idx int
		loc capability.ShardLocation
		err error
	}
	results := make(chan result, len(devices))

	for i, dev := range devices {
		go func(i int, dev CatalogEntry) {
			offset := int64(stripeID) * p.cfg.ShardSize // simple non-colliding per-device offset scheme
			var lastErr error
			for attempt := 0; attempt < p.cfg.MaxRetries; attempt++ {
				if err := p.devices.Write(ctx, dev.Device, offset, bufs[i].Bytes()); err != nil {
					lastErr = err
					continue
				}
				results <- result{idx: i, loc: capability.ShardLocation{
					StripeID: stripeID, Index: i, Device: dev.Device,
					DeviceOffset: offset, SizeBytes: int64(len(bufs[i].Bytes())),
				}}
				return
			}
			results <- result{idx: i, err: errs.Wrap(errs.KindDeviceUnavailable, "Pipeline.writeShards", string(dev.Device), lastErr)}
		}(i, dev)
	}

	var firstErr error
	for range devices {
		r := <-results
		if r.err != nil {
			if firstErr == nil {
				firstErr = r.err
			}
			continue
		}
		locations[r.idx] = r.loc
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return locations, nil
}

func splitIntoShards(payload []byte, k int, shardSize int64) [][]byte {
	shards := make([][]byte, k)
	for i := 0; i < k; i++ {
		start := int64(i) * shardSize
		end := start + shardSize
		shard := make([]byte, shardSize)
		if start < int64(len(payload)) {
			stop := end
			if stop > int64(len(payload)) {
				stop = int64(len(payload))
			}
			copy(shard, payload[start:stop])
		}
		shards[i] = shard
	}
	return shards
}

func batchRange(batch *journal.Batch) capability.LbaRange {
	if len(batch.Entries) == 0 {
		return capability.LbaRange{}
	}
	start := batch.Entries[0].Range.Start
	end := batch.Entries[0].Range.End
	for _, e := range batch.Entries[1:] {
		if e.Range.Start < start {
			start = e.Range.Start
		}
		if e.Range.End > end {
			end = e.Range.End
		}
	}
	return capability.LbaRange{Start: start, End: end}
}
