// Package realtime fans booking changes out to the viewers of a clinic.
package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/clinic-scheduling/internal/appointment"
	"github.com/hackgods/clinic-scheduling/internal/schedule"
)

const (
	DefaultClinic     = "default"
	subscriberBuffer  = 32
	defaultHistoryCap = 200
)

// Change is one broadcast event as recorded in history and sent to viewers.
type Change struct {
	Timestamp time.Time      `json:"timestamp"`
	ClinicID  string         `json:"clinic_id"`
	Event     string         `json:"event"`
	Data      map[string]any `json:"data"`
}

// Recorder receives hub metrics.
type Recorder interface {
	SetActiveConnections(clinicID string, n int)
	ObserveBroadcast(event string, delivered, dropped int)
}

type nopRecorder struct{}

func (nopRecorder) SetActiveConnections(string, int)  {}
func (nopRecorder) ObserveBroadcast(string, int, int) {}

// Subscription is one registered connection.
type Subscription struct {
	ID       string
	ClinicID string
	C        <-chan Change

	send chan Change
}

// Hub is the connection registry and bounded change history. All state is
// guarded by mu; sends to subscribers never block the broadcaster.
type Hub struct {
	mu      sync.Mutex
	clinics map[string]map[string]*Subscription
	history map[string][]Change
	limit   int

	logger  *zap.Logger
	metrics Recorder
}

func NewHub(historyLimit int, logger *zap.Logger, metrics Recorder) *Hub {
	if historyLimit <= 0 {
		historyLimit = defaultHistoryCap
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = nopRecorder{}
	}
	return &Hub{
		clinics: make(map[string]map[string]*Subscription),
		history: make(map[string][]Change),
		limit:   historyLimit,
		logger:  logger.Named("realtime"),
		metrics: metrics,
	}
}

// Connect registers a new connection on the clinic's channel.
func (h *Hub) Connect(clinicID string) *Subscription {
	if clinicID == "" {
		clinicID = DefaultClinic
	}
	send := make(chan Change, subscriberBuffer)
	sub := &Subscription{ID: uuid.NewString(), ClinicID: clinicID, C: send, send: send}

	h.mu.Lock()
	conns, ok := h.clinics[clinicID]
	if !ok {
		conns = make(map[string]*Subscription)
		h.clinics[clinicID] = conns
	}
	conns[sub.ID] = sub
	n := len(conns)
	h.mu.Unlock()

	h.metrics.SetActiveConnections(clinicID, n)
	h.logger.Debug("viewer connected", zap.String("clinic_id", clinicID), zap.String("connection_id", sub.ID))
	return sub
}

// Disconnect removes the connection from the clinic and closes its channel.
// It reports whether the connection was registered there.
func (h *Hub) Disconnect(clinicID, connID string) bool {
	h.mu.Lock()
	ok := h.removeLocked(clinicID, connID)
	n := len(h.clinics[clinicID])
	h.mu.Unlock()

	if ok {
		h.metrics.SetActiveConnections(clinicID, n)
	}
	return ok
}

// DisconnectAny removes the connection from whichever clinic holds it.
func (h *Hub) DisconnectAny(connID string) bool {
	h.mu.Lock()
	var clinicID string
	for id, conns := range h.clinics {
		if _, ok := conns[connID]; ok {
			clinicID = id
			break
		}
	}
	ok := clinicID != "" && h.removeLocked(clinicID, connID)
	n := len(h.clinics[clinicID])
	h.mu.Unlock()

	if ok {
		h.metrics.SetActiveConnections(clinicID, n)
	}
	return ok
}

func (h *Hub) removeLocked(clinicID, connID string) bool {
	conns, ok := h.clinics[clinicID]
	if !ok {
		return false
	}
	sub, ok := conns[connID]
	if !ok {
		return false
	}
	delete(conns, connID)
	if len(conns) == 0 {
		delete(h.clinics, clinicID)
	}
	close(sub.send)
	return true
}

// Broadcast timestamps the event, appends it to history and queues it for
// every connection of the clinic except origin. Viewers whose buffer is full
// miss the event; they can catch up with a replay.
func (h *Hub) Broadcast(clinicID, event string, data map[string]any, origin string) Change {
	if clinicID == "" {
		clinicID = DefaultClinic
	}
	if data == nil {
		data = map[string]any{}
	}
	c := Change{Timestamp: time.Now().UTC(), ClinicID: clinicID, Event: event, Data: data}

	delivered, dropped := 0, 0
	h.mu.Lock()
	hist := append(h.history[clinicID], c)
	if over := len(hist) - h.limit; over > 0 {
		hist = append(hist[:0:0], hist[over:]...)
	}
	h.history[clinicID] = hist
	for id, sub := range h.clinics[clinicID] {
		if id == origin {
			continue
		}
		select {
		case sub.send <- c:
			delivered++
		default:
			dropped++
		}
	}
	h.mu.Unlock()

	if dropped > 0 {
		h.logger.Warn("slow viewers missed an event",
			zap.String("clinic_id", clinicID),
			zap.String("event", event),
			zap.Int("dropped", dropped),
		)
	}
	h.metrics.ObserveBroadcast(event, delivered, dropped)
	return c
}

// History returns up to limit of the clinic's most recent events, oldest
// first. limit <= 0 returns everything retained.
func (h *Hub) History(clinicID string, limit int) []Change {
	h.mu.Lock()
	defer h.mu.Unlock()

	hist := h.history[clinicID]
	if limit > 0 && len(hist) > limit {
		hist = hist[len(hist)-limit:]
	}
	out := make([]Change, len(hist))
	copy(out, hist)
	return out
}

func (h *Hub) ActiveConnections(clinicID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clinics[clinicID])
}

func (h *Hub) Name() string { return "realtime" }

// AppointmentChanged broadcasts a committed booking change, skipping the
// connection that caused it.
func (h *Hub) AppointmentChanged(_ context.Context, c appointment.Change) error {
	h.Broadcast(c.Appointment.ClinicID, c.Event, AppointmentPayload(c.Appointment), c.Origin)
	return nil
}

func AppointmentPayload(a appointment.Appointment) map[string]any {
	return map[string]any{
		"appointment_id": a.ID.String(),
		"clinic_id":      a.ClinicID,
		"patient_name":   a.PatientName,
		"treatment_id":   a.TreatmentID.String(),
		"date":           schedule.FormatDate(a.Date),
		"start_time":     a.StartTime.String(),
		"end_time":       a.EndTime.String(),
		"status":         string(a.Status),
		"overbooked":     a.Overbooked,
		"extra_fee":      a.ExtraFee,
	}
}
