// Package metrics exports engine events as Prometheus metrics and serves
// them with the session status over HTTP.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ardnew/eiepro/engine"
	"github.com/ardnew/eiepro/pkg"
)

const namespace = "eiepro"

// Collector counts engine events. It implements engine.Observer and
// prometheus.Collector; register it once and pass it as the session's
// observer.
type Collector struct {
	resets      *prometheus.CounterVec
	rate        prometheus.Gauge
	feedback    *prometheus.CounterVec
	reported    prometheus.Gauge
	clockStalls prometheus.Counter
	aborts      prometheus.Counter
	xruns       *prometheus.CounterVec
	periods     *prometheus.CounterVec
	transfers   *prometheus.CounterVec
	midiDrops   prometheus.Counter
}

var (
	_ engine.Observer      = (*Collector)(nil)
	_ prometheus.Collector = (*Collector)(nil)
)

// NewCollector returns a collector with every series at zero.
func NewCollector() *Collector {
	return &Collector{
		resets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resets_total",
			Help:      "Device initialization sequences by result.",
		}, []string{"result"}),
		rate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rate_hertz",
			Help:      "Negotiated sample rate, zero when not streaming.",
		}),
		feedback: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feedback_total",
			Help:      "Device frame-count reports by whether they were adopted.",
		}, []string{"decision"}),
		reported: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "feedback_frames",
			Help:      "Most recent frames-per-fill reported by the device.",
		}),
		clockStalls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "clock_stalls_total",
			Help:      "Sync packets carrying a zero frame count.",
		}),
		aborts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "aborts_total",
			Help:      "Streaming aborts.",
		}),
		xruns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_errors_total",
			Help:      "Streams forced into xrun, by direction.",
		}, []string{"direction"}),
		periods: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "periods_total",
			Help:      "Period boundaries crossed, by direction.",
		}, []string{"direction"}),
		transfers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfers_total",
			Help:      "Completed transfers by pool and status.",
		}, []string{"kind", "status"}),
		midiDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "midi_output_drops_total",
			Help:      "MIDI output triggers dropped because every slot was busy.",
		}),
	}
}

func (c *Collector) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		c.resets, c.rate, c.feedback, c.reported, c.clockStalls,
		c.aborts, c.xruns, c.periods, c.transfers, c.midiDrops,
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, m := range c.collectors() {
		m.Describe(ch)
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, m := range c.collectors() {
		m.Collect(ch)
	}
}

// Reset records an initialization sequence.
func (c *Collector) Reset(rate int, err error) {
	if err != nil {
		c.resets.WithLabelValues("error").Inc()
		return
	}
	c.resets.WithLabelValues("ok").Inc()
	c.rate.Set(float64(rate))
}

// Feedback records one device frame-count report.
func (c *Collector) Feedback(_, reported int, adopted bool) {
	decision := "rejected"
	if adopted {
		decision = "adopted"
	}
	c.feedback.WithLabelValues(decision).Inc()
	c.reported.Set(float64(reported))
}

func (c *Collector) ClockStall() { c.clockStalls.Inc() }

// Abort records a streaming abort; the rate is no longer valid.
func (c *Collector) Abort() {
	c.aborts.Inc()
	c.rate.Set(0)
}

func (c *Collector) StreamError(dir engine.Direction) {
	c.xruns.WithLabelValues(dir.String()).Inc()
}

func (c *Collector) PeriodElapsed(dir engine.Direction) {
	c.periods.WithLabelValues(dir.String()).Inc()
}

func (c *Collector) TransferDone(kind string, status pkg.TransferStatus) {
	c.transfers.WithLabelValues(kind, status.String()).Inc()
}

func (c *Collector) MIDIDrop() { c.midiDrops.Inc() }
