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

package destage

import (
	"github.com/coldtier/ectier/capability"
	"github.com/coldtier/ectier/errs"
	"github.com/coldtier/ectier/policy"
)

// CatalogEntry is one candidate cold-tier device and the labels its
// placement constraint is evaluated against (e.g. rack, node).
type CatalogEntry struct {
	Device capability.DeviceID
	Labels policy.DeviceLabels
}

// DeviceCatalog reports the devices available for a named pool (the policy's
// PoolSelectors.Cold/Warm/Hot string).
type DeviceCatalog interface {
	CandidateDevices(pool string) []CatalogEntry
}

// selectPlacement greedily picks n distinct devices from pool satisfying
// constraint, the "k+m distinct devices satisfying the policy's placement
// constraint" step of spec.md §4.3 step 6.
func selectPlacement(catalog DeviceCatalog, pool string, constraint *policy.PlacementConstraint, n int) ([]CatalogEntry, error) {
	candidates := catalog.CandidateDevices(pool)
	if len(candidates) < n {
		return nil, errs.New(errs.KindNoSuitablePool, "selectPlacement", "not enough candidate devices in pool "+pool)
	}

	var chosen []CatalogEntry
	for _, c := range candidates {
		if len(chosen) == n {
			break
		}
		trial := append(append([]CatalogEntry{}, chosen...), c)
		if constraint.Satisfies(labelsOf(trial)) {
			chosen = trial
		}
	}
	if len(chosen) != n {
		return nil, errs.New(errs.KindNoSuitablePool, "selectPlacement",
			"could not satisfy placement constraint with available devices in pool "+pool)
	}
	return chosen, nil
}

func labelsOf(entries []CatalogEntry) []policy.DeviceLabels {
	out := make([]policy.DeviceLabels, len(entries))
	for i, e := range entries {
		out[i] = e.Labels
	}
	return out
}
