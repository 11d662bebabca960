package qbind

import (
	"io"
	"sync"

	"github.com/VictoriaMetrics/metrics"
)

// bindingMetrics mirrors the explicit metrics-struct style of
// github.com/r2northstar/atlas's pkg/api/api0 (apiMetrics): one field per
// counter, named and registered explicitly rather than via reflection.
type bindingMetrics struct {
	set *metrics.Set

	drops_total struct {
		short_buffer                   *metrics.Counter
		cid_length_policy              *metrics.Counter
		unsupported_version_no_listener *metrics.Counter
		retry_token_invalid            *metrics.Counter
		no_listener                    *metrics.Counter
		worker_overloaded              *metrics.Counter
		out_of_memory                  *metrics.Counter
		stateless_duplicate            *metrics.Counter
		stateless_max_reached          *metrics.Counter
	}

	stateless_responses_total struct {
		version_negotiation *metrics.Counter
		retry               *metrics.Counter
		reset               *metrics.Counter
	}

	stateless_admissions_total struct {
		accepted               *metrics.Counter
		reject_duplicate       *metrics.Counter
		reject_max_operations  *metrics.Counter
	}

	connections_created_total *metrics.Counter
	connections_collided_total *metrics.Counter
	cid_table_size             *metrics.Gauge
	listeners_registered       *metrics.Gauge

	once sync.Once
}

func newBindingMetrics(set *metrics.Set, cidTable *CIDTable, registry *ListenerRegistry) *bindingMetrics {
	m := &bindingMetrics{set: set}
	m.once.Do(func() {
		m.drops_total.short_buffer = set.NewCounter(`qbind_drops_total{reason="short_buffer"}`)
		m.drops_total.cid_length_policy = set.NewCounter(`qbind_drops_total{reason="cid_length_policy"}`)
		m.drops_total.unsupported_version_no_listener = set.NewCounter(`qbind_drops_total{reason="unsupported_version_no_listener"}`)
		m.drops_total.retry_token_invalid = set.NewCounter(`qbind_drops_total{reason="retry_token_invalid"}`)
		m.drops_total.no_listener = set.NewCounter(`qbind_drops_total{reason="no_listener"}`)
		m.drops_total.worker_overloaded = set.NewCounter(`qbind_drops_total{reason="worker_overloaded"}`)
		m.drops_total.out_of_memory = set.NewCounter(`qbind_drops_total{reason="out_of_memory"}`)
		m.drops_total.stateless_duplicate = set.NewCounter(`qbind_drops_total{reason="stateless_duplicate"}`)
		m.drops_total.stateless_max_reached = set.NewCounter(`qbind_drops_total{reason="stateless_max_reached"}`)

		m.stateless_responses_total.version_negotiation = set.NewCounter(`qbind_stateless_responses_total{kind="version_negotiation"}`)
		m.stateless_responses_total.retry = set.NewCounter(`qbind_stateless_responses_total{kind="retry"}`)
		m.stateless_responses_total.reset = set.NewCounter(`qbind_stateless_responses_total{kind="reset"}`)

		m.stateless_admissions_total.accepted = set.NewCounter(`qbind_stateless_admissions_total{result="accepted"}`)
		m.stateless_admissions_total.reject_duplicate = set.NewCounter(`qbind_stateless_admissions_total{result="reject_duplicate"}`)
		m.stateless_admissions_total.reject_max_operations = set.NewCounter(`qbind_stateless_admissions_total{result="reject_max_operations"}`)

		m.connections_created_total = set.NewCounter(`qbind_connections_created_total`)
		m.connections_collided_total = set.NewCounter(`qbind_connections_collided_total`)

		if cidTable != nil {
			set.NewGauge(`qbind_cid_table_size`, func() float64 { return float64(cidTable.Len()) })
		}
		if registry != nil {
			set.NewGauge(`qbind_listeners_registered`, func() float64 { return float64(registry.Len()) })
		}
	})
	return m
}

func (m *bindingMetrics) countDrop(reason dropReason) {
	if m == nil {
		return
	}
	switch reason {
	case dropShortBuffer:
		m.drops_total.short_buffer.Inc()
	case dropCIDLengthPolicy:
		m.drops_total.cid_length_policy.Inc()
	case dropUnsupportedVer:
		m.drops_total.unsupported_version_no_listener.Inc()
	case dropRetryTokenInvalid:
		m.drops_total.retry_token_invalid.Inc()
	case dropNoListener:
		m.drops_total.no_listener.Inc()
	case dropWorkerOverloaded:
		m.drops_total.worker_overloaded.Inc()
	case dropOutOfMemory:
		m.drops_total.out_of_memory.Inc()
	case dropStatelessDuplicate:
		m.drops_total.stateless_duplicate.Inc()
	case dropStatelessMaxReached:
		m.drops_total.stateless_max_reached.Inc()
	}
}

// WritePrometheus writes the binding's prometheus text metrics to w, the
// way github.com/r2northstar/atlas's pkg/nspkt.Listener.WritePrometheus
// does for connectionless-packet metrics.
func (m *bindingMetrics) WritePrometheus(w io.Writer) {
	if m == nil {
		return
	}
	m.set.WritePrometheus(w)
}
