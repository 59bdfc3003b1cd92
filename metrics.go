package keybridge

import "github.com/prometheus/client_golang/prometheus"

// Metrics groups the counters the broker maintains. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	Logins          *prometheus.CounterVec
	CacheLookups    *prometheus.CounterVec
	ConnectAttempts *prometheus.CounterVec
	Binds           *prometheus.CounterVec
}

// NewMetrics creates the counters and registers them with reg when reg is non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "keybridge",
			Name:      "logins_total",
			Help:      "Login and signup attempts by method, operation and result.",
		}, []string{"method", "operation", "result"}),
		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "keybridge",
			Name:      "signature_cache_lookups_total",
			Help:      "Signature cache lookups by result (hit, miss, expired, corrupt).",
		}, []string{"result"}),
		ConnectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "keybridge",
			Name:      "connect_attempts_total",
			Help:      "Signer connection attempts by method and outcome.",
		}, []string{"method", "outcome"}),
		Binds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "keybridge",
			Name:      "identity_binds_total",
			Help:      "Identity store bind outcomes.",
		}, []string{"outcome"}),
	}
	if reg != nil {
		reg.MustRegister(m.Logins, m.CacheLookups, m.ConnectAttempts, m.Binds)
	}
	return m
}

func (m *Metrics) login(method, operation string, ok bool) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	m.Logins.WithLabelValues(method, operation, result).Inc()
}

func (m *Metrics) cacheLookup(result string) {
	if m == nil {
		return
	}
	m.CacheLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) connectAttempt(method, outcome string) {
	if m == nil {
		return
	}
	m.ConnectAttempts.WithLabelValues(method, outcome).Inc()
}

func (m *Metrics) bind(outcome string) {
	if m == nil {
		return
	}
	m.Binds.WithLabelValues(outcome).Inc()
}
