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

// Package tier implements TierController: the per-policy IOPS-driven
// reconciler described in spec.md §4.6, classifying volumes hot/warm/cold
// and enqueueing migrations while respecting cooldown and dry-run.
package tier

import (
	"context"
	"sync"
	"time"

	"github.com/coldtier/ectier/capability"
	"github.com/coldtier/ectier/policy"
)

type Tier int

const (
	TierHot Tier = iota
	TierWarm
	TierCold
)

func (t Tier) String() string {
	switch t {
	case TierHot:
		return "hot"
	case TierWarm:
		return "warm"
	case TierCold:
		return "cold"
	default:
		return "unknown"
	}
}

// VolumeSnapshot is one volume's current placement as the reconciler sees it.
type VolumeSnapshot struct {
	Volume    capability.VolumeID
	SizeBytes int64
	Tier      Tier
}

// VolumeEnumerator lists volumes matching a storage class.
type VolumeEnumerator interface {
	Enumerate(storageClass string) []VolumeSnapshot
}

type MigrationKind int

const (
	MigrationReplicated MigrationKind = iota
	MigrationECConversion
)

type MigrationRequest struct {
	Volume     capability.VolumeID
	TargetPool string
	Kind       MigrationKind
}

// MigrationRequester is the slice of Migrator TierController needs: enqueue
// a migration and check whether one is already running for a volume (the
// "no migration currently running for that volume" guard of spec.md §4.6).
type MigrationRequester interface {
	Enqueue(ctx context.Context, req MigrationRequest) error
	IsMigrating(volume capability.VolumeID) bool
}

// Status is the observable reconcile-loop state, spec.md §4.6 step 5.
type Status struct {
	LastReconcile    time.Time
	CountsByTier     map[Tier]int
	DryRunDecisions  int
	HeatSourceErrors int
}

// Controller is the production TierController: one instance per
// policy.StoragePolicy.
type Controller struct {
	Policy   *policy.StoragePolicy
	EcPolicy *policy.EcPolicy // only consulted when Policy.EcEnabled

	Heat       capability.HeatSource
	Enumerator VolumeEnumerator
	Migrator   MigrationRequester

	OnStatus func(Status)

	mu         sync.Mutex
	lastChange map[capability.VolumeID]time.Time
}

func NewController(p *policy.StoragePolicy, ec *policy.EcPolicy, heat capability.HeatSource, enum VolumeEnumerator, mig MigrationRequester) *Controller {
	return &Controller{
		Policy: p, EcPolicy: ec, Heat: heat, Enumerator: enum, Migrator: mig,
		lastChange: make(map[capability.VolumeID]time.Time),
	}
}

// Reconcile runs one idempotent tick of spec.md §4.6.
func (c *Controller) Reconcile(ctx context.Context) Status {
	status := Status{LastReconcile: time.Now(), CountsByTier: make(map[Tier]int)}

	for _, v := range c.Enumerator.Enumerate(c.Policy.StorageClass) {
		iops, err := c.Heat.IOPS(ctx, v.Volume, c.Policy.SamplingWindow)
		if err != nil {
			status.HeatSourceErrors++
			continue
		}
		target := c.classify(iops, v.Tier)
		status.CountsByTier[target]++

		if target == v.Tier {
			continue
		}
		if !c.cooldownElapsed(v.Volume) {
			continue
		}
		if c.Migrator.IsMigrating(v.Volume) {
			continue
		}

		req := MigrationRequest{Volume: v.Volume, TargetPool: c.poolFor(target), Kind: MigrationReplicated}
		if target == TierCold && c.Policy.EcEnabled && v.SizeBytes >= c.Policy.EcMinVolumeBytes {
			req.Kind = MigrationECConversion
		}

		if c.Policy.DryRun {
			status.DryRunDecisions++
			continue
		}
		if err := c.Migrator.Enqueue(ctx, req); err == nil {
			c.recordChange(v.Volume)
		}
	}

	if c.OnStatus != nil {
		c.OnStatus(status)
	}
	return status
}

// classify maps a volume's sampled IOPS to a target tier, given the tier it
// currently sits in. At or above HighIOPS is always hot; at or below LowIOPS is
// always cold; between the warm threshold and HighIOPS (or with warm
// disabled) the volume stays exactly where it is (spec.md §4.6 step 3,
// ground: original_source/src/controller/storage_policy.rs:395 — "Between
// warm threshold and high watermark (or warm disabled) - stays in current
// tier"). classify has no opinion on hysteresis beyond that read of
// current; current comes from the caller's VolumeSnapshot.
func (c *Controller) classify(iops float64, current Tier) Tier {
	if iops >= c.Policy.HighIOPS {
		return TierHot
	}
	if iops <= c.Policy.LowIOPS {
		return TierCold
	}
	if c.Policy.WarmEnabled && iops < c.Policy.WarmIOPS {
		return TierWarm
	}
	return current
}

func (c *Controller) poolFor(t Tier) string {
	switch t {
	case TierHot:
		return c.Policy.PoolSelectors.Hot
	case TierWarm:
		return c.Policy.PoolSelectors.Warm
	default:
		return c.Policy.PoolSelectors.Cold
	}
}

func (c *Controller) cooldownElapsed(volume capability.VolumeID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	last, ok := c.lastChange[volume]
	if !ok {
		return true
	}
	return time.Since(last) >= c.Policy.Cooldown
}

func (c *Controller) recordChange(volume capability.VolumeID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastChange[volume] = time.Now()
}
