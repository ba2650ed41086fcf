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

// Package policy holds the declarative StoragePolicy/EcPolicy structs
// TierController reconciles against. Fields accept human-readable strings
// ("256KiB", "5m") via docker/go-units and time.ParseDuration, matching how
// admins actually write these values, without touching the persistence
// format itself (spec Non-goal).
package policy

import (
	"encoding/json"
	"time"

	"github.com/docker/go-units"

	"github.com/coldtier/ectier/errs"
)

// PoolSelectors names the label selector used to pick devices/pools for
// each tier.
type PoolSelectors struct {
	Hot  string `json:"hot"`
	Warm string `json:"warm"`
	Cold string `json:"cold"`
}

// StoragePolicy is the immutable input TierController.Reconcile consumes.
type StoragePolicy struct {
	StorageClass      string        `json:"storage_class"`
	SamplingWindow    time.Duration `json:"-"`
	SamplingWindowStr string        `json:"sampling_window"`
	Cooldown          time.Duration `json:"-"`
	CooldownStr       string        `json:"cooldown"`
	HighIOPS          float64       `json:"high_iops"`
	LowIOPS           float64       `json:"low_iops"`
	WarmEnabled       bool          `json:"warm_enabled"`
	WarmIOPS          float64       `json:"warm_iops"`
	PoolSelectors     PoolSelectors `json:"pool_selectors"`
	EcEnabled         bool          `json:"ec_enabled"`
	EcPolicyRef       string        `json:"ec_policy_ref"`
	EcMinVolumeBytes  int64         `json:"-"`
	EcMinVolumeStr    string        `json:"ec_min_volume_bytes"`
	DryRun            bool          `json:"dry_run"`
}

// EcPolicy configures one erasure-coding scheme.
type EcPolicy struct {
	K                    int           `json:"k"`
	M                    int           `json:"m"`
	ShardSize            int64         `json:"-"`
	ShardSizeStr         string        `json:"shard_size"`
	PlacementConstraint  string        `json:"placement_constraint"`
	HighWatermark        float64       `json:"high_watermark"`
	LowWatermark         float64       `json:"low_watermark"`
	DestageInterval      time.Duration `json:"-"`
	DestageIntervalStr   string        `json:"destage_interval"`
}

// resolveHumanFields parses the *Str fields (sizes via go-units, durations
// via time.ParseDuration) into their typed counterparts, invoked right
// after JSON decode or direct struct construction from admin input.
func (p *StoragePolicy) resolveHumanFields() error {
	var err error
	if p.SamplingWindowStr != "" {
		if p.SamplingWindow, err = time.ParseDuration(p.SamplingWindowStr); err != nil {
			return errs.Wrap(errs.KindInvalidConfig, "StoragePolicy", "sampling_window", err)
		}
	}
	if p.CooldownStr != "" {
		if p.Cooldown, err = time.ParseDuration(p.CooldownStr); err != nil {
			return errs.Wrap(errs.KindInvalidConfig, "StoragePolicy", "cooldown", err)
		}
	}
	if p.EcMinVolumeStr != "" {
		n, err := units.FromHumanSize(p.EcMinVolumeStr)
		if err != nil {
			return errs.Wrap(errs.KindInvalidConfig, "StoragePolicy", "ec_min_volume_bytes", err)
		}
		p.EcMinVolumeBytes = n
	}
	if p.StorageClass == "" {
		return errs.New(errs.KindInvalidConfig, "StoragePolicy", "storage_class is required")
	}
	return nil
}

func (p *EcPolicy) resolveHumanFields() error {
	if p.K < 1 {
		return errs.New(errs.KindInvalidConfig, "EcPolicy", "k must be >= 1")
	}
	if p.M < 0 || p.K+p.M > 255 {
		return errs.New(errs.KindInvalidConfig, "EcPolicy", "k+m must be <= 255")
	}
	if p.ShardSizeStr != "" {
		n, err := units.RAMInBytes(p.ShardSizeStr)
		if err != nil {
			return errs.Wrap(errs.KindInvalidConfig, "EcPolicy", "shard_size", err)
		}
		p.ShardSize = n
	}
	if p.DestageIntervalStr != "" {
		d, err := time.ParseDuration(p.DestageIntervalStr)
		if err != nil {
			return errs.Wrap(errs.KindInvalidConfig, "EcPolicy", "destage_interval", err)
		}
		p.DestageInterval = d
	}
	return nil
}

// ParseStoragePolicy decodes and resolves a StoragePolicy from JSON.
func ParseStoragePolicy(raw []byte) (*StoragePolicy, error) {
	var p StoragePolicy
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, errs.Wrap(errs.KindInvalidConfig, "ParseStoragePolicy", "decode", err)
	}
	if err := p.resolveHumanFields(); err != nil {
		return nil, err
	}
	return &p, nil
}

// ParseEcPolicy decodes and resolves an EcPolicy from JSON.
func ParseEcPolicy(raw []byte) (*EcPolicy, error) {
	var p EcPolicy
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, errs.Wrap(errs.KindInvalidConfig, "ParseEcPolicy", "decode", err)
	}
	if err := p.resolveHumanFields(); err != nil {
		return nil, err
	}
	return &p, nil
}
