// Package metrics exposes prometheus counters for the integrity service.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "attestd"

// Metrics groups every collector the service records to
type Metrics struct {
	registry *prometheus.Registry

	Computations        *prometheus.CounterVec
	ValidationRejects   *prometheus.CounterVec
	ApprovalTransitions *prometheus.CounterVec
	AuditAppends        prometheus.Counter
	IntegrityFailures   prometheus.Counter
	Archives            *prometheus.CounterVec
}

// New registers the collectors on reg. A nil reg gets a fresh registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	m := &Metrics{
		registry: reg,
		Computations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "computations_total",
			Help:      "Completed computations by operation.",
		}, []string{"operation"}),
		ValidationRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "validation_rejections_total",
			Help:      "Inputs rejected by the safety validator, by limit.",
		}, []string{"limit"}),
		ApprovalTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "approval_transitions_total",
			Help:      "Approval requests reaching each status.",
		}, []string{"status"}),
		AuditAppends: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_appends_total",
			Help:      "Entries appended to the audit log.",
		}),
		IntegrityFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_integrity_failures_total",
			Help:      "Audit trail verifications that failed.",
		}),
		Archives: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archives_total",
			Help:      "Audit trail archive attempts by result.",
		}, []string{"result"}),
	}

	reg.MustRegister(
		m.Computations,
		m.ValidationRejects,
		m.ApprovalTransitions,
		m.AuditAppends,
		m.IntegrityFailures,
		m.Archives,
	)
	return m
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
