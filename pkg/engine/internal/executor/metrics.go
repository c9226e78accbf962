package executor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the counters of local plan execution. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	operatorRowsIn  *prometheus.CounterVec
	operatorRowsOut *prometheus.CounterVec
	operatorErrors  *prometheus.CounterVec

	writerFiles *prometheus.CounterVec
	writerRows  prometheus.Counter
}

// NewMetrics creates Metrics registered with reg. A nil reg creates
// unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		operatorRowsIn: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "tessera_executor_operator_rows_in_total",
			Help: "Total number of rows passed to intermediate operators.",
		}, []string{"operator"}),
		operatorRowsOut: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "tessera_executor_operator_rows_out_total",
			Help: "Total number of rows produced by intermediate operators.",
		}, []string{"operator"}),
		operatorErrors: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "tessera_executor_operator_errors_total",
			Help: "Total number of failed operator executions.",
		}, []string{"operator"}),

		writerFiles: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "tessera_executor_sink_files_total",
			Help: "Total number of files written by sinks, by result.",
		}, []string{"result"}),
		writerRows: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "tessera_executor_sink_rows_total",
			Help: "Total number of rows passed to sink writers.",
		}),
	}
}

func (m *Metrics) observeOperator(name string, in, out int64) {
	if m == nil {
		return
	}
	m.operatorRowsIn.WithLabelValues(name).Add(float64(in))
	m.operatorRowsOut.WithLabelValues(name).Add(float64(out))
}

func (m *Metrics) observeOperatorError(name string) {
	if m == nil {
		return
	}
	m.operatorErrors.WithLabelValues(name).Inc()
}

func (m *Metrics) observeWrite(rows int64) {
	if m == nil {
		return
	}
	m.writerRows.Add(float64(rows))
}

func (m *Metrics) observeClose(wrote bool, err error) {
	if m == nil {
		return
	}
	switch {
	case err != nil:
		m.writerFiles.WithLabelValues("error").Inc()
	case wrote:
		m.writerFiles.WithLabelValues("written").Inc()
	default:
		m.writerFiles.WithLabelValues("empty").Inc()
	}
}
