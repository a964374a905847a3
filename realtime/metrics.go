package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "realtime"

type clientMetrics struct {
	connectionStates   *prometheus.CounterVec
	channelStates      *prometheus.CounterVec
	framesReceived     *prometheus.CounterVec
	framesSent         *prometheus.CounterVec
	messagesDispatched prometheus.Counter
	inconsistencies    *prometheus.CounterVec
	listenerPanics     prometheus.Counter
	attachedChannels   prometheus.Gauge
}

func newClientMetrics(registerer prometheus.Registerer) *clientMetrics {
	if registerer == nil {
		registerer = prometheus.NewRegistry()
	}
	factory := promauto.With(registerer)

	return &clientMetrics{
		connectionStates: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "connection_state_transitions_total",
			Help:      "Connection state transitions by resulting state",
		}, []string{"state"}),

		channelStates: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "channel_state_transitions_total",
			Help:      "Channel state transitions by resulting state",
		}, []string{"state"}),

		framesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "protocol_messages_received_total",
			Help:      "Inbound protocol messages by action",
		}, []string{"action"}),

		framesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "protocol_messages_sent_total",
			Help:      "Outbound protocol messages by action",
		}, []string{"action"}),

		messagesDispatched: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "messages_dispatched_total",
			Help:      "Data messages handed to channel subscribers",
		}),

		inconsistencies: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "protocol_inconsistencies_total",
			Help:      "Unexpected protocol messages that were logged and ignored",
		}, []string{"kind"}),

		listenerPanics: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "listener_panics_total",
			Help:      "Listener invocations that panicked",
		}),

		attachedChannels: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "attached_channels",
			Help:      "Channels currently attached",
		}),
	}
}

func (metrics *clientMetrics) listenerPanicked(interface{}) {
	metrics.listenerPanics.Inc()
}

func (metrics *clientMetrics) channelTransition(previous ChannelState, current ChannelState) {
	metrics.channelStates.WithLabelValues(string(current)).Inc()
	if current == ChannelStateAttached && previous != ChannelStateAttached {
		metrics.attachedChannels.Inc()
	} else if previous == ChannelStateAttached && current != ChannelStateAttached {
		metrics.attachedChannels.Dec()
	}
}
