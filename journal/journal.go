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

// Package journal implements JournalIndex: the hot-tier's pending-destage
// index. Entries are kept in a github.com/google/btree ordered index keyed
// by (volume, lba_start) so pending_for_destage can cheaply aggregate
// contiguous per-volume ranges and trim can cheaply scan a range, the same
// "ordered index over pending work" shape the teacher's storage/index.go
// uses for its own range scans, generalized here from column value ranges
// to journal occupancy ranges.
package journal

import (
	"fmt"
	"sync"

	"github.com/google/btree"

	"github.com/coldtier/ectier/capability"
	"github.com/coldtier/ectier/errs"
)

// Entry is one pending-destage journal record.
type Entry struct {
	Volume      capability.VolumeID
	Range       capability.LbaRange
	HotLocation string // opaque locator into the hot-tier journal, owned by the ingest collaborator
	SeqNo       uint64
	destaged    bool
}

func (e *Entry) key() string {
	return fmt.Sprintf("%s/%020d", e.Volume, e.Range.Start)
}

func entryLess(a, b *Entry) bool { return a.key() < b.key() }

// CoverageChecker is the subset of MetadataEngine that Trim needs, kept as
// an interface so journal tests don't depend on the metadata package.
type CoverageChecker interface {
	CoveredBySeqNo(volume capability.VolumeID, query capability.LbaRange, minSeqNo uint64) bool
}

// Index is the production JournalIndex.
type Index struct {
	mu   sync.Mutex
	tree *btree.BTreeG[*Entry]
	meta CoverageChecker
}

func NewIndex(meta CoverageChecker) *Index {
	return &Index{
		tree: btree.NewG(32, entryLess),
		meta: meta,
	}
}

// Record adds one pending-destage entry.
func (idx *Index) Record(volume capability.VolumeID, rng capability.LbaRange, hotLocation string, seqNo uint64) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.tree.ReplaceOrInsert(&Entry{Volume: volume, Range: rng, HotLocation: hotLocation, SeqNo: seqNo})
}

// Batch is a set of journal entries whose combined logical size the
// destage pipeline is about to encode into one stripe.
type Batch struct {
	Volume  capability.VolumeID
	Entries []*Entry
	Bytes   uint64
}

// PendingForDestage picks the volume holding the pending entry with the
// lowest seq_no and aggregates that volume's pending entries, in lba order,
// up to maxBytes, per spec.md §4.2 ("pending entries grouped per volume and
// ordered by lba_range"). The entries need not be contiguous.
func (idx *Index) PendingForDestage(maxBytes uint64) (*Batch, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	var chosenVolume capability.VolumeID
	var oldest uint64
	var found bool
	idx.tree.Ascend(func(e *Entry) bool {
		if e.destaged {
			return true
		}
		if !found || e.SeqNo < oldest {
			chosenVolume, oldest, found = e.Volume, e.SeqNo, true
		}
		return true
	})
	if !found {
		return nil, nil
	}
	return idx.pendingBatchLocked(chosenVolume, maxBytes), nil
}

// PendingForVolume aggregates pending entries of one specific volume, used
// by an EC-conversion migration to drive destage-to-completion for exactly
// the volume being converted rather than whichever volume happens to be
// oldest (spec.md §4.7's EC-conversion paragraph).
func (idx *Index) PendingForVolume(volume capability.VolumeID, maxBytes uint64) (*Batch, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	batch := idx.pendingBatchLocked(volume, maxBytes)
	if batch == nil {
		return nil, nil
	}
	return batch, nil
}

func (idx *Index) pendingBatchLocked(volume capability.VolumeID, maxBytes uint64) *Batch {
	batch := &Batch{Volume: volume}
	idx.tree.Ascend(func(e *Entry) bool {
		if e.destaged || e.Volume != volume {
			return true
		}
		size := e.Range.Len() // sectors; caller scales to bytes via sector size
		if batch.Bytes+size > maxBytes && len(batch.Entries) > 0 {
			return false
		}
		batch.Entries = append(batch.Entries, e)
		batch.Bytes += size
		return batch.Bytes < maxBytes
	})
	if len(batch.Entries) == 0 {
		return nil
	}
	return batch
}

// MarkDestaged flags entries as covered by a just-committed stripe; they
// remain indexed (so Trim can still find and verify them) until Trim
// removes them.
func (idx *Index) MarkDestaged(entries []*Entry) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for _, e := range entries {
		e.destaged = true
	}
}

// Trim removes entries whose range is confirmed covered by a committed
// stripe with seq_no >= entry.seq_no (spec.md §4.2/§8 property 6); entries
// that fail the check are left in place and reported, never silently
// dropped.
func (idx *Index) Trim(entries []*Entry) (reclaimedBytes uint64, err error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	for _, e := range entries {
		if !idx.meta.CoveredBySeqNo(e.Volume, e.Range, e.SeqNo) {
			return reclaimedBytes, errs.New(errs.KindCorruptRecord, "JournalIndex.Trim",
				fmt.Sprintf("entry %s not covered at seq_no %d", e.key(), e.SeqNo))
		}
	}
	for _, e := range entries {
		idx.tree.Delete(e)
		reclaimedBytes += e.Range.Len()
	}
	return reclaimedBytes, nil
}

// Overlaps reports whether any indexed entry of volume (destaged or not —
// destaging only removes an entry once Trim confirms it, so the journal
// remains authoritative until then) overlaps query. ReadRouter uses this to
// tell an in-journal read segment apart from a genuinely unmapped one.
func (idx *Index) Overlaps(volume capability.VolumeID, query capability.LbaRange) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	found := false
	idx.tree.Ascend(func(e *Entry) bool {
		if e.Volume == volume && e.Range.Overlaps(query) {
			found = true
			return false
		}
		return true
	})
	return found
}

// Len reports the number of entries still indexed (destaged or not),
// exposed for the backpressure signal described in spec.md §5.
func (idx *Index) Len() int {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.tree.Len()
}
