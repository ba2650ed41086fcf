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

// Package metadata implements the L2P metadata engine: an in-memory
// per-volume range map backed by a write-ahead log and alternating
// checkpoints. The map itself is a github.com/coldtier/NonLockingReadMap
// keyed by volume, so commits to different volumes never contend and a
// reader always observes one atomically-published, fully-formed entry list
// per volume — never a torn intermediate state.
package metadata

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	nonlockingreadmap "github.com/coldtier/NonLockingReadMap"

	"github.com/coldtier/ectier/capability"
	"github.com/coldtier/ectier/errs"
)

type placementDTO = capability.StripePlacement

// l2pEntry is one non-overlapping mapping within a volume's L2P map.
type l2pEntry struct {
	Range     capability.LbaRange
	Placement capability.StripePlacement
	SeqNo     uint64
}

// volumeEntries is the value published atomically per volume key; Entries
// is always kept sorted by Range.Start and non-overlapping.
type volumeEntries struct {
	Volume  string
	Entries []l2pEntry
}

func (v *volumeEntries) GetKey() string { return v.Volume }

func (v *volumeEntries) ComputeSize() uint {
	return uint(32 + 64*len(v.Entries))
}

// NewMapping is the input to Commit: a freshly destaged or reconstructed
// stripe covering one contiguous LBA range of one volume.
type NewMapping struct {
	Volume    capability.VolumeID
	Range     capability.LbaRange
	Placement capability.StripePlacement
	SeqNo     uint64
}

// Engine is the production MetadataEngine.
type Engine struct {
	pathPrefix string

	lsn atomic.Uint64
	log *wal

	mu     sync.Mutex // serializes commit/invalidate (single-writer per spec §5)
	byVol  nonlockingreadmap.NonLockingReadMap[volumeEntries, string]
	ckptMu sync.Mutex
	which  byte // next checkpoint blob to write: 'A' or 'B'

	checkpointEvery uint64 // LSNs between automatic checkpoints, 0 disables
}

// Open recovers an engine from pathPrefix+".wal"/".ckpt.a"/".ckpt.b", or
// starts fresh if none exist.
func Open(pathPrefix string, checkpointEvery uint64) (*Engine, error) {
	e := &Engine{
		pathPrefix:      pathPrefix,
		byVol:           nonlockingreadmap.New[volumeEntries, string](),
		which:           'A',
		checkpointEvery: checkpointEvery,
	}

	var startLSN uint64
	ckpt, readFrom, err := readNewestValidCheckpoint(pathPrefix)
	if err != nil {
		return nil, err
	}
	if ckpt != nil {
		startLSN = ckpt.LSN
		e.applyCheckpoint(ckpt)
		if readFrom == 'A' {
			e.which = 'B'
		} else {
			e.which = 'A'
		}
	}

	walPath := pathPrefix + ".wal"
	records, err := replayWALFile(walPath)
	if err != nil {
		return nil, err
	}
	for _, r := range records {
		if r.LSN <= startLSN {
			continue
		}
		if err := e.applyWALRecord(r); err != nil {
			return nil, err
		}
	}

	log, err := openWAL(walPath)
	if err != nil {
		return nil, err
	}
	e.log = log

	maxLSN := startLSN
	for _, r := range records {
		if r.LSN > maxLSN {
			maxLSN = r.LSN
		}
	}
	e.lsn.Store(maxLSN)
	return e, nil
}

func (e *Engine) applyCheckpoint(ckpt *checkpointBlob) {
	byVolume := map[string][]l2pEntry{}
	for _, ent := range ckpt.Entries {
		// checkpoint entries don't carry explicit ranges/seqno in this
		// simplified DTO path if Placement.Range is used directly.
		byVolume[ent.Volume] = append(byVolume[ent.Volume], l2pEntry{
			Range:     ent.Placement.Range,
			Placement: ent.Placement,
			SeqNo:     ent.SeqNo,
		})
	}
	for vol, entries := range byVolume {
		sort.Slice(entries, func(i, j int) bool { return entries[i].Range.Start < entries[j].Range.Start })
		e.byVol.Set(&volumeEntries{Volume: vol, Entries: entries})
	}
}

type commitRecord struct {
	Volume    string
	Range     capability.LbaRange
	Placement capability.StripePlacement
	SeqNo     uint64
}

type invalidateRecord struct {
	StripeID uint64
}

func (e *Engine) applyWALRecord(r walRecord) error {
	switch r.Op {
	case opCommitStripe:
		var cr commitRecord
		if err := jsonUnmarshal(r.Payload, &cr); err != nil {
			return err
		}
		e.applyCommit(capability.VolumeID(cr.Volume), cr.Range, cr.Placement, cr.SeqNo)
	case opInvalidateStripe:
		var ir invalidateRecord
		if err := jsonUnmarshal(r.Payload, &ir); err != nil {
			return err
		}
		e.applyInvalidate(ir.StripeID)
	}
	return nil
}

// Lookup resolves one logical sector to its stripe placement, or nil if
// unmapped.
func (e *Engine) Lookup(volume capability.VolumeID, lba uint64) *capability.StripePlacement {
	entries := e.byVol.Get(string(volume))
	if entries == nil {
		return nil
	}
	for _, en := range entries.Entries {
		if en.Range.Start <= lba && lba < en.Range.End {
			p := en.Placement
			return &p
		}
	}
	return nil
}

// CoveredBySeqNo reports whether query is entirely covered by committed
// entries whose SeqNo is at least minSeqNo, the exact predicate
// JournalIndex.Trim needs per spec.md §4.2/§8 property 6.
func (e *Engine) CoveredBySeqNo(volume capability.VolumeID, query capability.LbaRange, minSeqNo uint64) bool {
	entries := e.byVol.Get(string(volume))
	if entries == nil {
		return false
	}
	covered := query.Start
	for _, en := range entries.Entries {
		if en.Range.End <= covered {
			continue
		}
		if en.Range.Start > covered {
			return false // gap before the next entry
		}
		if en.SeqNo < minSeqNo {
			return false
		}
		covered = en.Range.End
		if covered >= query.End {
			return true
		}
	}
	return covered >= query.End
}

// LookupRange returns the ordered, non-overlapping entries covering query.
func (e *Engine) LookupRange(volume capability.VolumeID, query capability.LbaRange) []capability.StripePlacement {
	entries := e.byVol.Get(string(volume))
	if entries == nil {
		return nil
	}
	var out []capability.StripePlacement
	for _, en := range entries.Entries {
		if en.Range.Overlaps(query) {
			out = append(out, en.Placement)
		}
	}
	return out
}

// Commit atomically replaces any overlapping older entries for Volume with
// the new mapping, per spec.md §4.1's overlap-resolution algorithm:
// splitting the ends of intersecting entries and deleting their interior.
func (e *Engine) Commit(m NewMapping) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	lsn := e.lsn.Add(1)
	cr := commitRecord{Volume: string(m.Volume), Range: m.Range, Placement: m.Placement, SeqNo: m.SeqNo}
	payload, err := marshalRecord(cr)
	if err != nil {
		return 0, err
	}
	if err := e.log.append(walRecord{LSN: lsn, Op: opCommitStripe, Payload: payload}); err != nil {
		return 0, err // no in-memory state changes on durability failure
	}

	e.applyCommit(m.Volume, m.Range, m.Placement, m.SeqNo)

	if e.checkpointEvery > 0 && lsn%e.checkpointEvery == 0 {
		_ = e.checkpoint(lsn) // best-effort; a failed checkpoint does not fail the commit
	}
	return lsn, nil
}

func (e *Engine) applyCommit(volume capability.VolumeID, rng capability.LbaRange, placement capability.StripePlacement, seqNo uint64) {
	existing := e.byVol.Get(string(volume))
	var old []l2pEntry
	if existing != nil {
		old = existing.Entries
	}

	var next []l2pEntry
	for _, en := range old {
		if !en.Range.Overlaps(rng) {
			next = append(next, en)
			continue
		}
		// split off the surviving left/right slivers
		if en.Range.Start < rng.Start {
			next = append(next, l2pEntry{
				Range:     capability.LbaRange{Start: en.Range.Start, End: rng.Start},
				Placement: en.Placement,
				SeqNo:     en.SeqNo,
			})
		}
		if en.Range.End > rng.End {
			next = append(next, l2pEntry{
				Range:     capability.LbaRange{Start: rng.End, End: en.Range.End},
				Placement: en.Placement,
				SeqNo:     en.SeqNo,
			})
		}
	}
	next = append(next, l2pEntry{Range: rng, Placement: placement, SeqNo: seqNo})
	sort.Slice(next, func(i, j int) bool { return next[i].Range.Start < next[j].Range.Start })
	e.byVol.Set(&volumeEntries{Volume: string(volume), Entries: next})
}

// Invalidate drops every L2P entry pointing at stripeID, used by
// ReconstructionEngine before it commits a replacement generation.
func (e *Engine) Invalidate(stripeID uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	lsn := e.lsn.Add(1)
	payload, err := marshalRecord(invalidateRecord{StripeID: stripeID})
	if err != nil {
		return err
	}
	if err := e.log.append(walRecord{LSN: lsn, Op: opInvalidateStripe, Payload: payload}); err != nil {
		return err
	}
	e.applyInvalidate(stripeID)
	return nil
}

func (e *Engine) applyInvalidate(stripeID uint64) {
	for _, vol := range e.byVol.GetAll() {
		var next []l2pEntry
		changed := false
		for _, en := range vol.Entries {
			if en.Placement.StripeID == stripeID {
				changed = true
				continue
			}
			next = append(next, en)
		}
		if changed {
			e.byVol.Set(&volumeEntries{Volume: vol.Volume, Entries: next})
		}
	}
}

// AllPlacements enumerates every committed L2P entry's placement, for the
// reconstruction scrub's stripe walk. A stripe spanning multiple entries (it
// shouldn't, in steady state) is visited once per entry, which scrub
// tolerates since its checksum check is idempotent.
func (e *Engine) AllPlacements() []capability.StripePlacement {
	var out []capability.StripePlacement
	for _, vol := range e.byVol.GetAll() {
		for _, en := range vol.Entries {
			out = append(out, en.Placement)
		}
	}
	return out
}

// HighestStripeID returns the largest StripeID across every committed
// placement, or 0 if the map is empty. Used once at startup wiring to seed
// destage.StripeIDAllocator past whatever was committed before restart.
func (e *Engine) HighestStripeID() uint64 {
	var max uint64
	for _, vol := range e.byVol.GetAll() {
		for _, en := range vol.Entries {
			if en.Placement.StripeID > max {
				max = en.Placement.StripeID
			}
		}
	}
	return max
}

// Snapshot is a point-in-time, lock-free-consistent view of the whole L2P
// map, safe to call concurrently with Commit.
func (e *Engine) Snapshot() Checkpoint {
	lsn := e.lsn.Load()
	var entries []checkpointEntry
	for _, vol := range e.byVol.GetAll() {
		for _, en := range vol.Entries {
			entries = append(entries, checkpointEntry{Volume: vol.Volume, Placement: en.Placement, SeqNo: en.SeqNo})
		}
	}
	return Checkpoint{LSN: lsn, Entries: entries}
}

// Checkpoint is the exported form of a full L2P snapshot.
type Checkpoint struct {
	LSN     uint64
	Entries []checkpointEntry
}

// WriteCheckpoint persists Snapshot() to the next alternating blob and, on
// success, truncates the WAL up to that LSN.
func (e *Engine) WriteCheckpoint() error {
	snap := e.Snapshot()
	return e.checkpoint(snap.LSN)
}

func (e *Engine) checkpoint(lsn uint64) error {
	e.ckptMu.Lock()
	defer e.ckptMu.Unlock()

	snap := e.Snapshot()
	which := e.which
	if err := writeCheckpoint(e.pathPrefix, which, checkpointBlob{LSN: snap.LSN, Entries: snap.Entries}); err != nil {
		return errs.Wrap(errs.KindDurability, "Engine.checkpoint", fmt.Sprintf("blob %c", which), err)
	}
	if which == 'A' {
		e.which = 'B'
	} else {
		e.which = 'A'
	}
	return e.log.truncateBefore(snap.LSN)
}

func (e *Engine) Close() error {
	if e.log == nil {
		return nil
	}
	return e.log.close()
}

func jsonUnmarshal(b []byte, v interface{}) error {
	if err := json.Unmarshal(b, v); err != nil {
		return errs.Wrap(errs.KindCorruptRecord, "wal.replay", "unmarshal record", err)
	}
	return nil
}
