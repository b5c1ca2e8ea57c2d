// Copyright The Batchflow Authors
// SPDX-License-Identifier: Apache-2.0

package metricid

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	ocstats "go.opencensus.io/stats"
	ocview "go.opencensus.io/stats/view"
)

// Kind selects the opencensus aggregation and prometheus collector shape a
// leaf metric is recorded with.
type Kind int

const (
	// KindCounter is a monotonically increasing total.
	KindCounter Kind = iota
	// KindGauge is a point-in-time value.
	KindGauge
	// KindDistribution is a histogram of observed values.
	KindDistribution
)

// defaultBuckets covers small dimensionless counts (batch sizes, pending
// counts), scaled generously enough to also cover the millisecond-range
// latency histograms this package emits.
var defaultBuckets = []float64{
	1, 2, 5, 10, 25, 50, 75, 100, 250, 500, 750, 1000, 2500, 5000, 10000, 30000,
}

// Registry is the process-wide sink pair: a hierarchical emitter backed by
// opencensus stats/view, and a dimensional emitter backed by a prometheus
// registerer. Both are process-scoped, shared collaborators — a single
// Registry is handed to every collapser and resilient cache in a process.
type Registry struct {
	promReg prometheus.Registerer

	mu        sync.Mutex
	ocMeasure map[string]*ocstats.Float64Measure // hierarchical name -> measure
	promVec   map[string]promVec                 // dimensional name -> vec
}

type promVec struct {
	kind   Kind
	labels []string
	ctr    *prometheus.CounterVec
	gauge  *prometheus.GaugeVec
	hist   *prometheus.HistogramVec
}

// NewRegistry builds a Registry that registers its dimensional collectors
// into promReg (typically prometheus.DefaultRegisterer or a test-local
// prometheus.NewRegistry()).
func NewRegistry(promReg prometheus.Registerer) *Registry {
	return &Registry{
		promReg:   promReg,
		ocMeasure: make(map[string]*ocstats.Float64Measure),
		promVec:   make(map[string]promVec),
	}
}

// Record emits one observation of kind under id's hierarchical and/or
// dimensional name (leaf-qualified), to whichever schemes id enables.
func (r *Registry) Record(id ID, leaf string, kind Kind, v float64) {
	if name := id.HierarchicalName(leaf); name != "" {
		r.recordHierarchical(name, kind, v)
	}
	if name := id.DimensionalName(leaf); name != "" {
		r.recordDimensional(name, kind, id.DimensionalTags(), v)
	}
}

func (r *Registry) recordHierarchical(name string, kind Kind, v float64) {
	measure := r.ocMeasureFor(name, kind)
	ocstats.Record(context.Background(), measure.M(v))
}

func (r *Registry) ocMeasureFor(name string, kind Kind) *ocstats.Float64Measure {
	r.mu.Lock()
	defer r.mu.Unlock()

	if m, ok := r.ocMeasure[name]; ok {
		return m
	}

	measure := ocstats.Float64(name, name, ocstats.UnitDimensionless)
	var agg *ocview.Aggregation
	switch kind {
	case KindCounter:
		agg = ocview.Sum()
	case KindGauge:
		agg = ocview.LastValue()
	default:
		agg = ocview.Distribution(defaultBuckets...)
	}

	// Registration failure here means a view with this name already
	// exists under a different aggregation; that is a programming error
	// in the caller (reusing a leaf name with two different Kinds), not
	// a runtime condition to recover from.
	if err := ocview.Register(&ocview.View{
		Name:        name,
		Measure:     measure,
		Description: name,
		Aggregation: agg,
	}); err != nil {
		panic(fmt.Sprintf("metricid: registering hierarchical view %q: %v", name, err))
	}

	r.ocMeasure[name] = measure
	return measure
}

func (r *Registry) recordDimensional(name string, kind Kind, tags []Tag, v float64) {
	keys := make([]string, len(tags))
	values := make(prometheus.Labels, len(tags))
	for i, t := range tags {
		keys[i] = t.Key
		values[t.Key] = t.Value
	}
	sort.Strings(keys)

	vec := r.promVecFor(name, kind, keys)
	switch kind {
	case KindCounter:
		vec.ctr.With(values).Add(v)
	case KindGauge:
		vec.gauge.With(values).Set(v)
	default:
		vec.hist.With(values).Observe(v)
	}
}

func (r *Registry) promVecFor(name string, kind Kind, labels []string) promVec {
	r.mu.Lock()
	defer r.mu.Unlock()

	if vec, ok := r.promVec[name]; ok {
		return vec
	}

	vec := promVec{kind: kind, labels: labels}
	switch kind {
	case KindCounter:
		vec.ctr = prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: name}, labels)
		r.promReg.MustRegister(vec.ctr)
	case KindGauge:
		vec.gauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: name}, labels)
		r.promReg.MustRegister(vec.gauge)
	default:
		vec.hist = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    name,
			Help:    name,
			Buckets: defaultBuckets,
		}, labels)
		r.promReg.MustRegister(vec.hist)
	}

	r.promVec[name] = vec
	return vec
}
