// Copyright The Batchflow Authors
// SPDX-License-Identifier: Apache-2.0

package metricid

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func TestDimensionalNameSanitizesDottedLeaves(t *testing.T) {
	id := ID{Dimensional: "cache", EnableDimensional: true}
	require.Equal(t, "cache_circuit_successful", id.DimensionalName("circuit.successful"))
}

func TestCompatibilityLabelAttachesHierarchicalPathAsTag(t *testing.T) {
	id := ID{
		Hierarchical:             "svc.collapser",
		Tags:                     []Tag{{Key: "pool", Value: "default"}},
		EnableCompatibilityLabel: true,
	}
	tags := id.DimensionalTags()
	require.Len(t, tags, 2)
	require.Equal(t, Tag{Key: "hierarchical_path", Value: "svc.collapser"}, tags[1])
}

func TestRegistryRecordsDimensionalCounter(t *testing.T) {
	promReg := prometheus.NewRegistry()
	reg := NewRegistry(promReg)

	id := ID{Dimensional: "cache_timeouts", EnableDimensional: true,
		Tags: []Tag{{Key: "name", Value: "primary"}, {Key: "operation", Value: "get"}}}

	reg.Record(id, "total", KindCounter, 1)
	reg.Record(id, "total", KindCounter, 1)

	families, err := promReg.Gather()
	require.NoError(t, err)

	var found *dto.MetricFamily
	for _, f := range families {
		if f.GetName() == "cache_timeouts_total" {
			found = f
		}
	}
	require.NotNil(t, found)
	require.Len(t, found.Metric, 1)
	require.Equal(t, float64(2), found.Metric[0].GetCounter().GetValue())
}

func TestRegistrySkipsDisabledSchemes(t *testing.T) {
	promReg := prometheus.NewRegistry()
	reg := NewRegistry(promReg)

	id := ID{Hierarchical: "svc.x", EnableHierarchical: true} // dimensional disabled
	reg.Record(id, "count", KindCounter, 1)

	families, err := promReg.Gather()
	require.NoError(t, err)
	require.Empty(t, families)
}
