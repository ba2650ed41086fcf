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

package engine

import (
	"sync"

	"github.com/coldtier/ectier/capability"
	"github.com/coldtier/ectier/destage"
	"github.com/coldtier/ectier/policy"
	"github.com/coldtier/ectier/reconstruct"
	"github.com/coldtier/ectier/tier"
)

// VolumeRegistry is the admin-facing record of known volumes: size and
// current tier. Nothing in the spec defines where this bookkeeping lives,
// so it is kept here as plain in-process state rather than invented as a
// new external capability; Engine is the only consumer.
type VolumeRegistry struct {
	mu      sync.RWMutex
	entries map[capability.VolumeID]*volumeEntry
}

type volumeEntry struct {
	SizeBytes    int64
	StorageClass string
	Tier         tier.Tier
}

func NewVolumeRegistry() *VolumeRegistry {
	return &VolumeRegistry{entries: make(map[capability.VolumeID]*volumeEntry)}
}

// Register adds or updates a volume's size/storage-class; new volumes
// start hot, matching a freshly-ingested volume's natural placement.
func (r *VolumeRegistry) Register(volume capability.VolumeID, sizeBytes int64, storageClass string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[volume]
	if !ok {
		e = &volumeEntry{Tier: tier.TierHot}
		r.entries[volume] = e
	}
	e.SizeBytes = sizeBytes
	e.StorageClass = storageClass
}

func (r *VolumeRegistry) SetTier(volume capability.VolumeID, t tier.Tier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[volume]; ok {
		e.Tier = t
	}
}

func (r *VolumeRegistry) Tier(volume capability.VolumeID) (tier.Tier, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[volume]
	if !ok {
		return tier.TierHot, false
	}
	return e.Tier, true
}

// Enumerate satisfies tier.VolumeEnumerator.
func (r *VolumeRegistry) Enumerate(storageClass string) []tier.VolumeSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]tier.VolumeSnapshot, 0, len(r.entries))
	for v, e := range r.entries {
		if e.StorageClass != storageClass {
			continue
		}
		out = append(out, tier.VolumeSnapshot{Volume: v, SizeBytes: e.SizeBytes, Tier: e.Tier})
	}
	return out
}

// DeviceRegistry is the admin-facing device/pool catalog. destage and
// reconstruct each declare their own DeviceCatalog interface (deliberately
// duplicated leaf shapes, see reconstruct.DeviceCatalog's doc comment), so
// this registry exposes one adapter view per consumer rather than forcing
// either package to share a type.
type DeviceRegistry struct {
	mu      sync.RWMutex
	byPool  map[string][]deviceEntry
}

type deviceEntry struct {
	Device capability.DeviceID
	Labels policy.DeviceLabels
}

func NewDeviceRegistry() *DeviceRegistry {
	return &DeviceRegistry{byPool: make(map[string][]deviceEntry)}
}

func (r *DeviceRegistry) Register(pool string, device capability.DeviceID, labels policy.DeviceLabels) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byPool[pool] = append(r.byPool[pool], deviceEntry{Device: device, Labels: labels})
}

func (r *DeviceRegistry) snapshot(pool string) []deviceEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]deviceEntry, len(r.byPool[pool]))
	copy(out, r.byPool[pool])
	return out
}

// ForDestage returns a destage.DeviceCatalog view of this registry.
func (r *DeviceRegistry) ForDestage() destage.DeviceCatalog { return destageCatalogView{r} }

// ForReconstruct returns a reconstruct.DeviceCatalog view of this registry.
func (r *DeviceRegistry) ForReconstruct() reconstruct.DeviceCatalog { return reconstructCatalogView{r} }

type destageCatalogView struct{ r *DeviceRegistry }

func (v destageCatalogView) CandidateDevices(pool string) []destage.CatalogEntry {
	entries := v.r.snapshot(pool)
	out := make([]destage.CatalogEntry, len(entries))
	for i, e := range entries {
		out[i] = destage.CatalogEntry{Device: e.Device, Labels: e.Labels}
	}
	return out
}

type reconstructCatalogView struct{ r *DeviceRegistry }

func (v reconstructCatalogView) CandidateDevices(pool string) []reconstruct.CatalogEntry {
	entries := v.r.snapshot(pool)
	out := make([]reconstruct.CatalogEntry, len(entries))
	for i, e := range entries {
		out[i] = reconstruct.CatalogEntry{Device: e.Device, Labels: e.Labels}
	}
	return out
}
