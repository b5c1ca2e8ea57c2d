// Copyright The Batchflow Authors
// SPDX-License-Identifier: Apache-2.0

// Package metricid parameterizes metric identity across the two naming
// schemes the rest of this module emits under: a dotted hierarchical path
// and a dimensional name with a tag set. The collapser, the circuit breaker
// and the resilient cache each take an ID, so the same type decides how
// every component in a process names its metrics.
package metricid

import "strings"

// Tag is a single dimensional key/value pair.
type Tag struct {
	Key   string
	Value string
}

// ID parameterizes one metric family's identity. Hierarchical and
// Dimensional may both be set; each is emitted only if its corresponding
// Enable flag is set.
type ID struct {
	// Hierarchical is the dotted-path prefix, e.g. "myservice.collapser".
	// A leaf name ("item.pending", "batch.size", ...) is appended by the
	// emitting component.
	Hierarchical string

	// Dimensional is the underscore_style prefix, e.g. "myservice_collapser".
	Dimensional string

	// Tags are attached to every dimensional metric this ID produces.
	Tags []Tag

	// EnableHierarchical turns on emission of the dotted-path metrics.
	EnableHierarchical bool

	// EnableDimensional turns on emission of the tagged metrics.
	EnableDimensional bool

	// EnableCompatibilityLabel additionally attaches the hierarchical
	// path as a tag on the dimensional metrics, bridging the two
	// schemes for dashboards that only query one of them.
	EnableCompatibilityLabel bool
}

// HierarchicalName joins the ID's hierarchical prefix with leaf using ".".
// It returns "" if hierarchical emission is disabled or unconfigured.
func (id ID) HierarchicalName(leaf string) string {
	if !id.EnableHierarchical || id.Hierarchical == "" {
		return ""
	}
	return id.Hierarchical + "." + leaf
}

// DimensionalName joins the ID's dimensional prefix with leaf using "_",
// replacing any "." in leaf (leaf names are shared with the hierarchical
// scheme, which uses dots as path separators) since a dimensional metric
// name must be a single prometheus-style token.
// It returns "" if dimensional emission is disabled or unconfigured.
func (id ID) DimensionalName(leaf string) string {
	if !id.EnableDimensional || id.Dimensional == "" {
		return ""
	}
	return id.Dimensional + "_" + strings.ReplaceAll(leaf, ".", "_")
}

// DimensionalTags returns the ID's configured tags, plus — when
// EnableCompatibilityLabel is set — a "hierarchical_path" tag carrying the
// dotted prefix, so a dimensional query can be correlated back to the
// hierarchical one.
func (id ID) DimensionalTags() []Tag {
	if !id.EnableCompatibilityLabel || id.Hierarchical == "" {
		return id.Tags
	}
	tags := make([]Tag, len(id.Tags), len(id.Tags)+1)
	copy(tags, id.Tags)
	return append(tags, Tag{Key: "hierarchical_path", Value: id.Hierarchical})
}
