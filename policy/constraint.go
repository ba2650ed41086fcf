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

package policy

import (
	packrat "github.com/launix-de/go-packrat/v2"

	"github.com/coldtier/ectier/errs"
)

// PlacementConstraint is the parsed form of an EcPolicy.PlacementConstraint
// string such as "distinct(rack) and distinct(node)". The source's single
// enum field (spec.md Open Questions: "placement-constraint granularity ...
// varies in source") is recovered here as a small expression grammar so a
// policy can combine several distinctness requirements, built with the same
// packrat combinators the teacher's scm/packrat.go uses for its own
// grammar.
type PlacementConstraint struct {
	Distinct []string // dimensions that must differ across all k+m shard devices, e.g. "device", "node", "rack"
}

var constraintGrammar packrat.Parser

func init() {
	ident := packrat.NewRegexParser(`[a-zA-Z_][a-zA-Z0-9_]*`, false, true)
	distinctTerm := packrat.NewAndParser(
		packrat.NewAtomParser("distinct", false, true),
		packrat.NewAtomParser("(", false, true),
		ident,
		packrat.NewAtomParser(")", false, true),
	)
	and := packrat.NewAtomParser("and", false, true)
	constraintGrammar = packrat.NewAndParser(
		distinctTerm,
		packrat.NewKleeneParser(
			packrat.NewAndParser(and, distinctTerm),
			packrat.NewEmptyParser(),
		),
		packrat.NewEndParser(true),
	)
}

// ParsePlacementConstraint parses the EcPolicy string form into a
// PlacementConstraint. An empty string means "distinct device" only.
func ParsePlacementConstraint(expr string) (*PlacementConstraint, error) {
	if expr == "" {
		return &PlacementConstraint{Distinct: []string{"device"}}, nil
	}
	scanner := packrat.NewScanner(expr, packrat.SkipWhitespaceAndCommentsRegex)
	node, err := packrat.Parse(constraintGrammar, scanner)
	if err != nil {
		return nil, errs.Wrap(errs.KindInvalidConfig, "ParsePlacementConstraint", expr, err)
	}
	var dims []string
	collectDistinctIdents(node, &dims)
	if len(dims) == 0 {
		return nil, errs.New(errs.KindInvalidConfig, "ParsePlacementConstraint", "no distinct(...) terms found in: "+expr)
	}
	return &PlacementConstraint{Distinct: dims}, nil
}

// collectDistinctIdents walks the parse tree collecting every identifier
// matched by the inner regex parser of a distinct(...) term.
func collectDistinctIdents(n *packrat.Node, out *[]string) {
	if n == nil {
		return
	}
	if len(n.Children) == 0 && n.Matched != "" && n.Matched != "distinct" && n.Matched != "(" && n.Matched != ")" && n.Matched != "and" {
		*out = append(*out, n.Matched)
		return
	}
	for _, c := range n.Children {
		collectDistinctIdents(c, out)
	}
}

// DeviceLabels is whatever label set a DeviceIO-backed device exposes for
// evaluating distinctness (e.g. {"node": "n3", "rack": "r1"}).
type DeviceLabels map[string]string

// Satisfies reports whether the given devices' labels are pairwise distinct
// on every dimension this constraint names.
func (c *PlacementConstraint) Satisfies(devices []DeviceLabels) bool {
	for _, dim := range c.Distinct {
		seen := map[string]bool{}
		for _, d := range devices {
			v := d[dim]
			if seen[v] {
				return false
			}
			seen[v] = true
		}
	}
	return true
}
