package realtime

import (
	"context"

	"duet/cmd/internal/chat"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the realtime collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	connections prometheus.Gauge
	rooms       prometheus.Gauge
	broadcasts  *prometheus.CounterVec
	drops       prometheus.Counter
	messages    *prometheus.CounterVec
	reads       prometheus.Counter
}

// NewMetrics registers the collectors on reg. A nil reg yields unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		connections: f.NewGauge(prometheus.GaugeOpts{
			Name: "duet_ws_connections",
			Help: "Open websocket sessions on this instance.",
		}),
		rooms: f.NewGauge(prometheus.GaugeOpts{
			Name: "duet_ws_rooms",
			Help: "Non-empty conversation rooms on this instance.",
		}),
		broadcasts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "duet_ws_broadcasts_total",
			Help: "Room broadcasts by envelope type.",
		}, []string{"type"}),
		drops: f.NewCounter(prometheus.CounterOpts{
			Name: "duet_ws_dropped_total",
			Help: "Envelopes dropped because a session queue was full.",
		}),
		messages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "duet_messages_created_total",
			Help: "Persisted messages by type.",
		}, []string{"type"}),
		reads: f.NewCounter(prometheus.CounterOpts{
			Name: "duet_messages_read_total",
			Help: "Read cursor advances.",
		}),
	}
}

var _ chat.Notifier = (*Metrics)(nil)

// MessageCreated implements chat.Notifier.
func (m *Metrics) MessageCreated(_ context.Context, msg chat.Message) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(string(msg.Type)).Inc()
}

// MessagesRead implements chat.Notifier.
func (m *Metrics) MessagesRead(context.Context, string, string) {
	if m == nil {
		return
	}
	m.reads.Inc()
}

func (m *Metrics) connOpened() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Metrics) connClosed() {
	if m != nil {
		m.connections.Dec()
	}
}

func (m *Metrics) setRooms(n int) {
	if m != nil {
		m.rooms.Set(float64(n))
	}
}

func (m *Metrics) broadcast(typ string) {
	if m != nil {
		m.broadcasts.WithLabelValues(typ).Inc()
	}
}

func (m *Metrics) dropped(n int) {
	if m != nil {
		m.drops.Add(float64(n))
	}
}
