package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder records socket traffic.
type Recorder interface {
	Committed()
	Released()
	Waited(d time.Duration, aborted bool)
	SgExhausted()
}

type dummy struct{}

// NewDummy constructs a new dummy metrics recorder.
func NewDummy() Recorder {
	return &dummy{}
}

func (m *dummy) Committed() {}

func (m *dummy) Released() {}

func (m *dummy) Waited(time.Duration, bool) {}

func (m *dummy) SgExhausted() {}

type prom struct {
	committed   prometheus.Counter
	released    prometheus.Counter
	waits       prometheus.Counter
	aborts      prometheus.Counter
	sgExhausted prometheus.Counter
	waitTime    prometheus.Summary
}

// NewPrometheus constructs a new Prometheus metrics recorder registered
// with reg. A nil reg registers with the default registry.
func NewPrometheus(service string, reg prometheus.Registerer) Recorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &prom{
		committed: f.NewCounter(prometheus.CounterOpts{
			Name: service + "_packets_committed_total",
			Help: "The total number of packets committed by senders",
		}),
		released: f.NewCounter(prometheus.CounterOpts{
			Name: service + "_packets_released_total",
			Help: "The total number of packets released by receivers",
		}),
		waits: f.NewCounter(prometheus.CounterOpts{
			Name: service + "_waits_total",
			Help: "The total number of blocking packet waits",
		}),
		aborts: f.NewCounter(prometheus.CounterOpts{
			Name: service + "_aborts_total",
			Help: "The total number of aborted packet waits",
		}),
		sgExhausted: f.NewCounter(prometheus.CounterOpts{
			Name: service + "_sg_exhausted_total",
			Help: "The total number of failed scatter-gather allocations",
		}),
		waitTime: f.NewSummary(prometheus.SummaryOpts{
			Name: service + "_wait_time",
			Help: "Time spent blocked waiting for a packet",
		}),
	}
}

func (m *prom) Committed() { m.committed.Inc() }

func (m *prom) Released() { m.released.Inc() }

func (m *prom) Waited(d time.Duration, aborted bool) {
	m.waits.Inc()
	m.waitTime.Observe(d.Seconds())
	if aborted {
		m.aborts.Inc()
	}
}

func (m *prom) SgExhausted() { m.sgExhausted.Inc() }
