package link

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

var (
	metricsInitOnce sync.Once
	sharedMetrics   *linkMetrics
)

type linkMetrics struct {
	linkCount   prometheus.Gauge
	handshakes  *prometheus.CounterVec
	linesIn     prometheus.Counter
	linesOut    prometheus.Counter
	splits      prometheus.Counter
	lostServers prometheus.Counter
	lostUsers   prometheus.Counter
	bursts      prometheus.Counter

	meter            metric.Meter
	handshakeCounter metric.Int64Counter
	relayCounter     metric.Int64Counter
}

func newLinkMetrics() *linkMetrics {
	metricsInitOnce.Do(func() {
		m := &linkMetrics{
			linkCount: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "spanlink_links",
				Help: "Number of link connections in any non-closed state.",
			}),
			handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "spanlink_handshakes_total",
				Help: "Total link handshake outcomes.",
			}, []string{"result"}),
			linesIn: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "spanlink_lines_received_total",
				Help: "Protocol lines received across all links.",
			}),
			linesOut: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "spanlink_lines_relayed_total",
				Help: "Protocol lines relayed or broadcast to links.",
			}),
			splits: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "spanlink_splits_total",
				Help: "Server split events processed.",
			}),
			lostServers: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "spanlink_split_servers_total",
				Help: "Servers removed from the tree by splits.",
			}),
			lostUsers: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "spanlink_split_users_total",
				Help: "Users removed by splits.",
			}),
			bursts: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "spanlink_bursts_sent_total",
				Help: "Full state bursts transmitted to new links.",
			}),
		}
		prometheus.MustRegister(
			m.linkCount, m.handshakes, m.linesIn, m.linesOut,
			m.splits, m.lostServers, m.lostUsers, m.bursts,
		)

		m.meter = otel.GetMeterProvider().Meter("spanlink/link")
		var err error
		m.handshakeCounter, err = m.meter.Int64Counter("spanlink.link.handshakes",
			metric.WithDescription("Link handshake outcomes"))
		if err != nil {
			m.handshakeCounter, _ = noop.NewMeterProvider().Meter("").Int64Counter("noop")
		}
		m.relayCounter, err = m.meter.Int64Counter("spanlink.link.lines_relayed",
			metric.WithDescription("Protocol lines relayed to links"))
		if err != nil {
			m.relayCounter, _ = noop.NewMeterProvider().Meter("").Int64Counter("noop")
		}
		sharedMetrics = m
	})
	return sharedMetrics
}

func (m *linkMetrics) setLinkCount(n int) {
	m.linkCount.Set(float64(n))
}

func (m *linkMetrics) handshakeResult(result string) {
	m.handshakes.WithLabelValues(result).Inc()
	m.handshakeCounter.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("result", result)))
}

func (m *linkMetrics) lineIn() {
	m.linesIn.Inc()
}

func (m *linkMetrics) lineOut() {
	m.linesOut.Inc()
	m.relayCounter.Add(context.Background(), 1)
}

func (m *linkMetrics) split(servers, users int) {
	m.splits.Inc()
	m.lostServers.Add(float64(servers))
	m.lostUsers.Add(float64(users))
}

func (m *linkMetrics) burstSent() {
	m.bursts.Inc()
}
