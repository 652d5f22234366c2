package bqmetrics

import (
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// Registry bundles a Collector into its own prometheus registry so the
// HTTP surface can gather and encode it without reaching into the global
// default registry (spec §4.6 "Exposition" wants an isolated, queue-scoped
// surface, not process-wide Go runtime metrics).
type Registry struct {
	reg *prometheus.Registry
}

// NewRegistry registers collector into a fresh registry.
func NewRegistry(collector *Collector) *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collector)
	return &Registry{reg: reg}
}

// WriteTo encodes the current metric families to w in the Prometheus text
// exposition format, using the same expfmt encoder promhttp itself uses.
func (r *Registry) WriteTo(w io.Writer, contentType expfmt.Format) error {
	families, err := r.reg.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(w, contentType)
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}
