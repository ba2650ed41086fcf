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

// Package engine wires C4-C10 and every capability adapter into one
// running system with no hidden singletons: every component is
// constructed here and handed its collaborators explicitly, the same
// composition-root shape as the teacher's storage.Init(env) entry point,
// generalized from "register scm builtins into one global Env" to "wire
// one DAG of storage components." Exposes the core's four operations from
// spec.md §6: submit_write, read, status, set_policy/set_ec_policy.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coldtier/ectier/capability"
	"github.com/coldtier/ectier/controlstore"
	"github.com/coldtier/ectier/dashboard"
	"github.com/coldtier/ectier/destage"
	"github.com/coldtier/ectier/errs"
	"github.com/coldtier/ectier/journal"
	"github.com/coldtier/ectier/metadata"
	"github.com/coldtier/ectier/migrate"
	"github.com/coldtier/ectier/policy"
	"github.com/coldtier/ectier/readpath"
	"github.com/coldtier/ectier/reconstruct"
	"github.com/coldtier/ectier/stripeformat"
	"github.com/coldtier/ectier/tier"
)

// Deps names the external capability adapters Engine wires against.
// Production callers pass deviceio/codec/bufferpool/heat/replica adapters;
// tests pass capability/doubles.
type Deps struct {
	Devices   capability.DeviceIO
	Codec     capability.Codec
	Pool      capability.BufferPool
	Hot       capability.HotTierReader
	HotWriter capability.HotTierWriter
	Heat      capability.HeatSource
	Replicas  capability.ReplicaOrchestrator
	History   migrate.History // optional; defaults to an in-process MemStore
}

type uuidGen struct{}

func (uuidGen) NewID() string { return uuid.NewString() }

// Status is the observable per-volume state exposed by spec.md §6's
// status(volume) operation.
type Status struct {
	Tier           tier.Tier
	IOPS           float64
	StripeCount    int
	DegradedShards int
}

// Engine is the composition root: one instance per running node.
type Engine struct {
	deps Deps

	Meta     *metadata.Engine
	Journal  *journal.Index
	Destage  *destage.Pipeline
	Router   *readpath.Router
	Rebuild  *reconstruct.Engine
	Scrubber *reconstruct.Scrubber
	Tier     *tier.Controller
	Migrate  *migrate.Manager

	Volumes *VolumeRegistry
	Devices *DeviceRegistry
	Hub     *dashboard.Hub

	mu       sync.RWMutex
	policy   *policy.StoragePolicy
	ecPolicy *policy.EcPolicy
}

// New wires every component. metaPathPrefix/checkpointEvery parameterize
// MetadataEngine's WAL+checkpoint files; initialPolicy/initialEc are the
// starting StoragePolicy/EcPolicy (mutable afterwards via SetPolicy /
// SetEcPolicy).
func New(deps Deps, metaPathPrefix string, checkpointEvery uint64, initialPolicy *policy.StoragePolicy, initialEc *policy.EcPolicy) (*Engine, error) {
	meta, err := metadata.Open(metaPathPrefix, checkpointEvery)
	if err != nil {
		return nil, errs.Wrap(errs.KindUnknown, "engine.New", "open metadata engine", err)
	}

	jidx := journal.NewIndex(meta)
	volumes := NewVolumeRegistry()
	devices := NewDeviceRegistry()
	hub := dashboard.NewHub()

	history := deps.History
	if history == nil {
		// in-process only: a node without a configured control-plane
		// Postgres still runs, it just loses migration history on restart.
		history = controlstore.NewMemStore()
	}

	e := &Engine{
		deps: deps, Meta: meta, Journal: jidx,
		Volumes: volumes, Devices: devices, Hub: hub,
		policy: initialPolicy, ecPolicy: initialEc,
	}

	e.rewireDestage()

	e.Rebuild = reconstruct.NewEngine(deps.Devices, deps.Codec, devices.ForReconstruct(), meta, e.coldPool(), 4)
	e.Rebuild.OnEvent = func(ev reconstruct.Event) {
		hub.Broadcast(dashboard.Event{Kind: "reconstruct", Payload: ev})
	}
	e.Scrubber = &reconstruct.Scrubber{Lister: meta, Devices: deps.Devices, Engine: e.Rebuild}

	e.Migrate = migrate.NewManager(deps.Replicas, destageRequester{e}, history, uuidGen{}, 3)
	e.Migrate.OnTransition = func(rec migrate.Record, t migrate.Transition) {
		if t.State == migrate.StateCompleted {
			target := tier.TierCold
			if rec.Kind == tier.MigrationReplicated {
				// a replicated migration lands the volume in the tier whose
				// pool selector matches its target pool.
				if p := e.currentPolicy(); p != nil {
					switch rec.TargetPool {
					case p.PoolSelectors.Hot:
						target = tier.TierHot
					case p.PoolSelectors.Warm:
						target = tier.TierWarm
					}
				}
			}
			volumes.SetTier(rec.Volume, target)
		}
		hub.Broadcast(dashboard.Event{Kind: "migrate", Payload: t})
	}

	e.Tier = tier.NewController(initialPolicy, initialEc, deps.Heat, volumes, e.Migrate)
	e.Tier.OnStatus = func(s tier.Status) {
		hub.Broadcast(dashboard.Event{Kind: "tier", Payload: s})
	}

	e.Router = &readpath.Router{
		Meta: meta, Journal: jidx, Hot: deps.Hot, Devices: deps.Devices, Codec: deps.Codec,
		SectorBytes: 1, PerShardTimeout: 2 * time.Second,
		OnDegraded: func(ev readpath.DegradedReadEvent) {
			hub.Broadcast(dashboard.Event{Kind: "degraded_read", Payload: ev})
		},
	}

	return e, nil
}

// coldPool resolves the device pool name ReconstructionEngine should pick
// spare devices from: the policy's configured cold-tier pool selector, or
// empty if no StoragePolicy has been set yet (DeviceRegistry then offers
// only devices registered under the empty pool name).
func (e *Engine) coldPool() string {
	if e.policy == nil {
		return ""
	}
	return e.policy.PoolSelectors.Cold
}

// rewireDestage (re)builds the DestagePipeline from the engine's current
// policy/EcPolicy; called at construction and again whenever SetEcPolicy or
// SetPolicy changes K/M/shard size/placement constraint/pool. Caller must
// hold e.mu for writing, or call only during construction.
func (e *Engine) rewireDestage() {
	cfg := destage.Config{K: 1, M: 0, ShardSize: 4096, SectorBytes: 1, Pool: e.coldPool()}
	constraintSrc := ""
	if e.ecPolicy != nil {
		cfg.K, cfg.M, cfg.ShardSize = e.ecPolicy.K, e.ecPolicy.M, e.ecPolicy.ShardSize
		constraintSrc = e.ecPolicy.PlacementConstraint
	}
	constraint, err := policy.ParsePlacementConstraint(constraintSrc)
	if err != nil {
		constraint, _ = policy.ParsePlacementConstraint("")
	}
	cfg.Constraint = constraint
	cfg.Compression = stripeformat.DefaultPolicy()
	if e.policy != nil && e.policy.StorageClass == "archival" {
		cfg.Compression = stripeformat.ArchivalPolicy()
	}

	highest := uint64(0)
	if e.Meta != nil {
		highest = e.Meta.HighestStripeID()
	}
	e.Destage = destage.NewPipeline(cfg, e.Journal, e.deps.Hot, e.deps.Pool, e.deps.Codec, e.deps.Devices,
		e.Devices.ForDestage(), e.Meta, destage.NewStripeIDAllocator(highest))
}

// destageRequester adapts Engine to migrate.DestageRequester, always
// reading the current pipeline pointer through Engine so an EC-policy
// change mid-migration is picked up by the next DestageVolume call.
type destageRequester struct{ e *Engine }

func (d destageRequester) DestageVolume(ctx context.Context, volume capability.VolumeID, targetPools []string) error {
	d.e.mu.RLock()
	p := d.e.Destage
	d.e.mu.RUnlock()
	return p.DestageVolume(ctx, volume, targetPools)
}

// SubmitWrite is spec.md §6's submit_write(volume, lba, bytes): forward the
// bytes to the external hot tier, then record the range as pending-destage.
func (e *Engine) SubmitWrite(ctx context.Context, volume capability.VolumeID, lba uint64, data []byte) error {
	rng := capability.LbaRange{Start: lba, End: lba + uint64(len(data))}
	hotLocation, err := e.deps.HotWriter.WriteRange(ctx, volume, rng, data)
	if err != nil {
		return errs.Wrap(errs.KindIoTimeout, "Engine.SubmitWrite", string(volume), err)
	}
	seqNo := uint64(time.Now().UnixNano())
	e.Journal.Record(volume, rng, hotLocation, seqNo)
	return nil
}

// Read is spec.md §6's read(volume, lba, len) -> bytes.
func (e *Engine) Read(ctx context.Context, volume capability.VolumeID, lba, length uint64) ([]byte, error) {
	return e.Router.Read(ctx, volume, lba, length)
}

// StatusOf is spec.md §6's status(volume) -> {tier, iops, stripes, degraded_shards}.
func (e *Engine) StatusOf(ctx context.Context, volume capability.VolumeID) (Status, error) {
	t, _ := e.Volumes.Tier(volume)
	iops, err := e.deps.Heat.IOPS(ctx, volume, e.currentPolicy().SamplingWindow)
	if err != nil {
		return Status{}, err
	}
	stripes := e.Meta.LookupRange(volume, capability.LbaRange{Start: 0, End: ^uint64(0)})
	degraded := 0
	for _, pl := range stripes {
		for _, sh := range pl.Shards {
			if sh.SizeBytes == 0 {
				degraded++
			}
		}
	}
	return Status{Tier: t, IOPS: iops, StripeCount: len(stripes), DegradedShards: degraded}, nil
}

func (e *Engine) currentPolicy() *policy.StoragePolicy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.policy
}

// SetPolicy is spec.md §6's set_policy(policy): swaps TierController's
// input for the next reconcile tick, and rewires DestagePipeline's
// compression codec if the storage class changed (archival vs. the rest,
// per SPEC_FULL.md §4.3).
func (e *Engine) SetPolicy(p *policy.StoragePolicy) {
	e.mu.Lock()
	e.policy = p
	e.rewireDestage()
	e.mu.Unlock()
	e.Tier.Policy = p
}

// SetEcPolicy is spec.md §6's set_ec_policy(policy): rebuilds DestagePipeline
// for the new K/M/shard size/placement constraint and hands the policy to
// TierController. ReconstructionEngine is left as it is; it takes K/M from
// each stripe's placement.
func (e *Engine) SetEcPolicy(p *policy.EcPolicy) {
	e.mu.Lock()
	e.ecPolicy = p
	e.rewireDestage()
	e.mu.Unlock()
	e.Tier.EcPolicy = p
}

// ReconcileTiers runs one TierController tick; callers schedule this on a
// ~5 minute ticker per spec.md §4 "Control flow".
func (e *Engine) ReconcileTiers(ctx context.Context) tier.Status {
	return e.Tier.Reconcile(ctx)
}

// RunDestage runs one DestagePipeline cycle; callers schedule this on the
// EcPolicy's destage_interval or journal-watermark trigger (spec.md §4.2).
func (e *Engine) RunDestage(ctx context.Context) (*capability.StripePlacement, error) {
	e.mu.RLock()
	p := e.Destage
	e.mu.RUnlock()
	placement, err := p.Run(ctx)
	if placement != nil {
		e.Hub.Broadcast(dashboard.Event{Kind: "destage", Payload: placement})
	}
	return placement, err
}

// RunScrub runs one full scrub pass; callers schedule this periodically
// per spec.md §4.5 case (b).
func (e *Engine) RunScrub(ctx context.Context) error {
	return e.Scrubber.Run(ctx)
}
