// Package metrics exposes gateway counters to Prometheus. A nil *Collector
// is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Collector struct {
	connections     *prometheus.GaugeVec
	rooms           prometheus.Gauge
	audioStreams    prometheus.Gauge
	events          *prometheus.CounterVec
	voiceCommands   *prometheus.CounterVec
	streamsExpired  prometheus.Counter
	fanoutDropped   prometheus.Counter
	collabDurations *prometheus.HistogramVec

	gatherer prometheus.Gatherer
}

// NewCollector registers every gateway metric on its own registry.
func NewCollector(namespace string) *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	f := promauto.With(reg)

	return &Collector{
		connections: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Live connections by transport",
		}, []string{"transport"}),
		rooms: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rooms",
			Help:      "Rooms with at least one member",
		}),
		audioStreams: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "audio_streams",
			Help:      "Audio streams being assembled",
		}),
		events: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Inbound events by kind",
		}, []string{"kind"}),
		voiceCommands: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "voice_commands_total",
			Help:      "Voice commands by outcome",
		}, []string{"outcome"}),
		streamsExpired: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_streams_expired_total",
			Help:      "Audio streams dropped by the TTL sweep",
		}),
		fanoutDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fanout_dropped_total",
			Help:      "Outbound events not queued because of backpressure",
		}),
		collabDurations: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "collaborator_duration_seconds",
			Help:      "Latency of external collaborator calls",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"op"}),
		gatherer: reg,
	}
}

func (c *Collector) ConnectionOpened(transport string) {
	if c == nil {
		return
	}
	c.connections.WithLabelValues(transport).Inc()
}

func (c *Collector) ConnectionClosed(transport string) {
	if c == nil {
		return
	}
	c.connections.WithLabelValues(transport).Dec()
}

func (c *Collector) SetRooms(n int) {
	if c == nil {
		return
	}
	c.rooms.Set(float64(n))
}

func (c *Collector) SetAudioStreams(n int) {
	if c == nil {
		return
	}
	c.audioStreams.Set(float64(n))
}

func (c *Collector) Event(kind string) {
	if c == nil {
		return
	}
	c.events.WithLabelValues(kind).Inc()
}

func (c *Collector) VoiceCommand(outcome string) {
	if c == nil {
		return
	}
	c.voiceCommands.WithLabelValues(outcome).Inc()
}

func (c *Collector) StreamsExpired(n int) {
	if c == nil || n == 0 {
		return
	}
	c.streamsExpired.Add(float64(n))
}

func (c *Collector) FanoutDropped() {
	if c == nil {
		return
	}
	c.fanoutDropped.Inc()
}

func (c *Collector) ObserveCollaborator(op string, d time.Duration) {
	if c == nil {
		return
	}
	c.collabDurations.WithLabelValues(op).Observe(d.Seconds())
}

// Handler serves the collector's registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}
