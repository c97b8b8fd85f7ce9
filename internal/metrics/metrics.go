package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "clinic"

// BookingMetrics implements appointment.Recorder.
type BookingMetrics struct {
	operations  *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	sideEffects *prometheus.CounterVec
}

func NewBookingMetrics(reg prometheus.Registerer) *BookingMetrics {
	m := &BookingMetrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "booking",
			Name:      "operations_total",
			Help:      "Booking operations by outcome",
		}, []string{"op", "outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "booking",
			Name:      "operation_duration_seconds",
			Help:      "Latency of booking operations including lock wait",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		sideEffects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "booking",
			Name:      "side_effects_total",
			Help:      "Post-commit hook runs by hook and status",
		}, []string{"hook", "status"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.operations, m.latency, m.sideEffects)
	return m
}

func (m *BookingMetrics) ObserveBooking(op, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(op, outcome).Inc()
	m.latency.WithLabelValues(op).Observe(seconds)
}

func (m *BookingMetrics) ObserveSideEffect(hook, status string) {
	if m == nil {
		return
	}
	m.sideEffects.WithLabelValues(hook, status).Inc()
}

// DeliveryMetrics implements delivery.Recorder.
type DeliveryMetrics struct {
	deliveries *prometheus.CounterVec
}

func NewDeliveryMetrics(reg prometheus.Registerer) *DeliveryMetrics {
	m := &DeliveryMetrics{
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "automation",
			Name:      "deliveries_total",
			Help:      "Automation message delivery attempts by channel and status",
		}, []string{"channel", "status"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.deliveries)
	return m
}

func (m *DeliveryMetrics) ObserveDelivery(channel, status string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(channel, status).Inc()
}

// RealtimeMetrics implements realtime.Recorder.
type RealtimeMetrics struct {
	connections *prometheus.GaugeVec
	broadcasts  *prometheus.CounterVec
	dropped     prometheus.Counter
}

func NewRealtimeMetrics(reg prometheus.Registerer) *RealtimeMetrics {
	m := &RealtimeMetrics{
		connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "active_connections",
			Help:      "Open viewer connections per clinic",
		}, []string{"clinic_id"}),
		broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "broadcasts_total",
			Help:      "Change events broadcast by event name",
		}, []string{"event"}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "dropped_frames_total",
			Help:      "Events not queued because a viewer's buffer was full",
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.connections, m.broadcasts, m.dropped)
	return m
}

func (m *RealtimeMetrics) SetActiveConnections(clinicID string, n int) {
	if m == nil {
		return
	}
	if n == 0 {
		m.connections.DeleteLabelValues(clinicID)
		return
	}
	m.connections.WithLabelValues(clinicID).Set(float64(n))
}

func (m *RealtimeMetrics) ObserveBroadcast(event string, _, dropped int) {
	if m == nil {
		return
	}
	m.broadcasts.WithLabelValues(event).Inc()
	if dropped > 0 {
		m.dropped.Add(float64(dropped))
	}
}
