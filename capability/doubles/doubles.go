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

// Package doubles provides in-memory test doubles for every capability
// interface, per Design Note 9 ("one production implementation and one
// in-memory test double each"). Production adapters live in deviceio,
// codec, bufferpool, heat and replica; this package is the other side.
package doubles

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/coldtier/ectier/capability"
	"github.com/coldtier/ectier/errs"
)

// MemDevice is an in-memory DeviceIO: one []byte arena per device.
type MemDevice struct {
	mu         sync.Mutex
	sectorSize int64
	arenas     map[capability.DeviceID][]byte
	FailWrite  map[capability.DeviceID]bool // inject write failures by device
	FailRead   map[capability.DeviceID]bool
}

func NewMemDevice(sectorSize int64) *MemDevice {
	return &MemDevice{
		sectorSize: sectorSize,
		arenas:     make(map[capability.DeviceID][]byte),
		FailWrite:  make(map[capability.DeviceID]bool),
		FailRead:   make(map[capability.DeviceID]bool),
	}
}

func (m *MemDevice) arena(device capability.DeviceID, need int64) []byte {
	a := m.arenas[device]
	if int64(len(a)) < need {
		grown := make([]byte, need)
		copy(grown, a)
		a = grown
		m.arenas[device] = a
	}
	return a
}

func (m *MemDevice) checkAlign(offset int64, length int64) error {
	if offset%m.sectorSize != 0 || length%m.sectorSize != 0 {
		return errs.New(errs.KindInvalidAlignment, "MemDevice", fmt.Sprintf("offset=%d length=%d sector=%d", offset, length, m.sectorSize))
	}
	return nil
}

func (m *MemDevice) Read(ctx context.Context, device capability.DeviceID, offset int64, buf []byte) error {
	if err := m.checkAlign(offset, int64(len(buf))); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailRead[device] {
		return errs.New(errs.KindDeviceUnavailable, "MemDevice.Read", string(device))
	}
	a := m.arena(device, offset+int64(len(buf)))
	copy(buf, a[offset:offset+int64(len(buf))])
	return nil
}

func (m *MemDevice) Write(ctx context.Context, device capability.DeviceID, offset int64, buf []byte) error {
	if err := m.checkAlign(offset, int64(len(buf))); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrite[device] {
		return errs.New(errs.KindDeviceUnavailable, "MemDevice.Write", string(device))
	}
	a := m.arena(device, offset+int64(len(buf)))
	copy(a[offset:offset+int64(len(buf))], buf)
	return nil
}

func (m *MemDevice) Trim(ctx context.Context, device capability.DeviceID, offset int64, length int64) error {
	if err := m.checkAlign(offset, length); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.arenas[device]
	if a == nil {
		return nil
	}
	end := offset + length
	if end > int64(len(a)) {
		end = int64(len(a))
	}
	for i := offset; i < end; i++ {
		a[i] = 0
	}
	return nil
}

func (m *MemDevice) SectorSize(device capability.DeviceID) int64 { return m.sectorSize }

// MemCodec is a passthrough Codec test double: parity is just XOR-folded
// copies of the data shards, which is NOT real Reed-Solomon math but is
// exercised only where tests care about plumbing (buffer flow, retry
// behaviour, error propagation), not about erasure-correctness — real
// round-trip/fault-tolerance properties are tested against codec.RSCodec.
type MemCodec struct{}

func (MemCodec) Encode(data [][]byte) ([][]byte, error) {
	return MemCodec{}.EncodeM(data, 1)
}

func (MemCodec) EncodeM(data [][]byte, m int) ([][]byte, error) {
	if len(data) == 0 {
		return nil, errs.New(errs.KindEncodeFailure, "MemCodec.Encode", "no data shards")
	}
	if m < 1 {
		m = 1
	}
	parity := make([][]byte, m)
	for p := 0; p < m; p++ {
		row := make([]byte, len(data[0]))
		for _, d := range data {
			for i := range row {
				if i < len(d) {
					row[i] ^= d[i]
				}
			}
		}
		// vary each parity row by its index so distinct parity shards are
		// distinguishable in plumbing tests, same XOR-fold idea, not real RS math.
		for i := range row {
			row[i] ^= byte(p)
		}
		parity[p] = row
	}
	return parity, nil
}

func (MemCodec) Decode(shards [][]byte, present []int, k, m int, originalLen int) ([]byte, error) {
	have := map[int]bool{}
	for _, p := range present {
		have[p] = true
	}
	out := make([]byte, 0, originalLen)
	for i := 0; i < k; i++ {
		if !have[i] {
			return nil, errs.NewInsufficientShards("MemCodec.Decode", len(present), k)
		}
		out = append(out, shards[i]...)
	}
	if len(out) > originalLen {
		out = out[:originalLen]
	}
	return out, nil
}

func (MemCodec) Reconstruct(shards [][]byte, present []int, missing []int, k, m int) error {
	have := map[int]bool{}
	for _, p := range present {
		have[p] = true
	}
	if len(present) < k {
		return errs.NewInsufficientShards("MemCodec.Reconstruct", len(present), k)
	}
	for _, idx := range missing {
		if idx < k {
			// Fake "recovery": zero-fill. Only used where tests assert
			// plumbing, not content.
			shards[idx] = make([]byte, len(shards[present[0]]))
		}
	}
	return nil
}

// MemBuffer is a heap-backed capability.Buffer.
type MemBuffer struct{ b []byte }

func (b *MemBuffer) Bytes() []byte { return b.b }
func (b *MemBuffer) Release()      {}

// MemBufferPool never blocks and never enforces alignment; good enough for
// logic tests that don't exercise DMA alignment itself.
type MemBufferPool struct{}

func (MemBufferPool) Acquire(ctx context.Context, size int, alignment int) (capability.Buffer, error) {
	return &MemBuffer{b: make([]byte, size)}, nil
}

// MemHotTier is a HotTierReader double: volumes are pre-seeded with bytes at
// given offsets, standing in for the external journal.
type MemHotTier struct {
	mu   sync.Mutex
	data map[capability.VolumeID][]byte
}

func NewMemHotTier() *MemHotTier {
	return &MemHotTier{data: make(map[capability.VolumeID][]byte)}
}

// Seed makes at least offset+len(b) bytes available for volume, writing b at offset.
func (h *MemHotTier) Seed(volume capability.VolumeID, offset uint64, b []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	arena := h.data[volume]
	need := offset + uint64(len(b))
	if uint64(len(arena)) < need {
		grown := make([]byte, need)
		copy(grown, arena)
		arena = grown
	}
	copy(arena[offset:], b)
	h.data[volume] = arena
}

// WriteRange appends/overwrites bytes at rng.Start, standing in for the
// external ingest collaborator's own durability; hotLocation is an opaque
// string here since nothing but JournalIndex.Record consumes it.
func (h *MemHotTier) WriteRange(ctx context.Context, volume capability.VolumeID, rng capability.LbaRange, data []byte) (string, error) {
	h.Seed(volume, rng.Start, data)
	return fmt.Sprintf("mem://%s/%d", volume, rng.Start), nil
}

func (h *MemHotTier) ReadRange(ctx context.Context, volume capability.VolumeID, rng capability.LbaRange) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	arena := h.data[volume]
	end := rng.End
	if end > uint64(len(arena)) {
		end = uint64(len(arena))
	}
	out := make([]byte, rng.Len())
	if rng.Start < end {
		copy(out, arena[rng.Start:end])
	}
	return out, nil
}

// MemHeat is a HeatSource double driven by injected per-volume values.
type MemHeat struct {
	mu     sync.Mutex
	values map[capability.VolumeID]float64
	Err    error
}

func NewMemHeat() *MemHeat { return &MemHeat{values: make(map[capability.VolumeID]float64)} }

func (h *MemHeat) Set(volume capability.VolumeID, iops float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.values[volume] = iops
}

func (h *MemHeat) IOPS(ctx context.Context, volume capability.VolumeID, window time.Duration) (float64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.Err != nil {
		return 0, h.Err
	}
	return h.values[volume], nil
}

func (h *MemHeat) Health(ctx context.Context) error { return h.Err }

// MemReplica is a ReplicaOrchestrator double that simulates sync after a
// configurable delay, so Migrator tests can exercise the
// AddingReplica->Syncing->RemovingSource path deterministically.
type MemReplica struct {
	mu        sync.Mutex
	replicas  map[capability.VolumeID][]capability.ReplicaInfo
	SyncDelay time.Duration
	SyncFails bool
	seq       int
}

func NewMemReplica() *MemReplica {
	return &MemReplica{replicas: make(map[capability.VolumeID][]capability.ReplicaInfo)}
}

func (r *MemReplica) Get(ctx context.Context, volume capability.VolumeID) ([]capability.ReplicaInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]capability.ReplicaInfo, len(r.replicas[volume]))
	copy(out, r.replicas[volume])
	return out, nil
}

func (r *MemReplica) AddReplica(ctx context.Context, volume capability.VolumeID, pool string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	id := fmt.Sprintf("replica-%d", r.seq)
	r.replicas[volume] = append(r.replicas[volume], capability.ReplicaInfo{ReplicaID: id, Pool: pool, Synced: false})
	if r.SyncDelay == 0 && !r.SyncFails {
		r.markSynced(volume, id)
	}
	return id, nil
}

func (r *MemReplica) markSynced(volume capability.VolumeID, id string) {
	for i := range r.replicas[volume] {
		if r.replicas[volume][i].ReplicaID == id {
			r.replicas[volume][i].Synced = true
		}
	}
}

func (r *MemReplica) RemoveReplica(ctx context.Context, volume capability.VolumeID, replicaID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.replicas[volume]
	for i, rep := range list {
		if rep.ReplicaID == replicaID {
			r.replicas[volume] = append(list[:i], list[i+1:]...)
			return nil
		}
	}
	return errs.New(errs.KindReplicaSyncFailed, "MemReplica.RemoveReplica", "no such replica")
}

func (r *MemReplica) WaitSynced(ctx context.Context, volume capability.VolumeID, replicaID string, deadline time.Time) (bool, error) {
	if r.SyncFails {
		return false, nil
	}
	if r.SyncDelay > 0 {
		select {
		case <-time.After(r.SyncDelay):
		case <-ctx.Done():
			return false, ctx.Err()
		}
		r.mu.Lock()
		r.markSynced(volume, replicaID)
		r.mu.Unlock()
	}
	if time.Now().After(deadline) {
		return false, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rep := range r.replicas[volume] {
		if rep.ReplicaID == replicaID {
			return rep.Synced, nil
		}
	}
	return false, nil
}
