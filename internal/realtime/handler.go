package realtime

import (
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/websocket"

	"github.com/hackgods/clinic-scheduling/internal/appointment"
)

const defaultReplay = 50

// InboundFrame is what a viewer sends.
type InboundFrame struct {
	Type  string         `json:"type"` // "ping", "replay", "event"
	Event string         `json:"event,omitempty"`
	Data  map[string]any `json:"data,omitempty"`
	Limit int            `json:"limit,omitempty"`
}

// OutboundFrame is what a viewer receives.
type OutboundFrame struct {
	Type         string         `json:"type"` // "hello", "event", "history", "pong", "error"
	ConnectionID string         `json:"connection_id,omitempty"`
	ClinicID     string         `json:"clinic_id,omitempty"`
	Event        string         `json:"event,omitempty"`
	Data         map[string]any `json:"data,omitempty"`
	Timestamp    *time.Time     `json:"timestamp,omitempty"`
	Events       []Change       `json:"events,omitempty"`
	Error        string         `json:"error,omitempty"`
}

func eventFrame(c Change) OutboundFrame {
	ts := c.Timestamp
	return OutboundFrame{Type: "event", ClinicID: c.ClinicID, Event: c.Event, Data: c.Data, Timestamp: &ts}
}

var relayedEvents = map[string]bool{
	appointment.EventAppointmentCreated:     true,
	appointment.EventAppointmentConfirmed:   true,
	appointment.EventAppointmentRescheduled: true,
	appointment.EventAppointmentCancelled:   true,
}

// HandleWebSocket joins the connection to ?clinic_id= (or "default") and
// streams that clinic's changes until the viewer goes away.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	websocket.Handler(h.serveWS).ServeHTTP(w, r)
}

func (h *Hub) serveWS(conn *websocket.Conn) {
	clinicID := conn.Request().URL.Query().Get("clinic_id")
	sub := h.Connect(clinicID)
	defer h.Disconnect(sub.ClinicID, sub.ID)

	log := h.logger.With(zap.String("clinic_id", sub.ClinicID), zap.String("connection_id", sub.ID))
	log.Info("realtime: connection opened")

	// All writes go through the writer goroutine; the reader only queues
	// direct replies here.
	direct := make(chan OutboundFrame, 4)
	direct <- OutboundFrame{Type: "hello", ConnectionID: sub.ID, ClinicID: sub.ClinicID}

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer conn.Close()
		for {
			var f OutboundFrame
			select {
			case c, ok := <-sub.C:
				if !ok {
					return
				}
				f = eventFrame(c)
			case f = <-direct:
			}
			if err := websocket.JSON.Send(conn, f); err != nil {
				log.Debug("realtime: send failed", zap.Error(err))
				return
			}
		}
	}()

	reply := func(f OutboundFrame) {
		select {
		case direct <- f:
		case <-done:
		}
	}

	for {
		var in InboundFrame
		if err := websocket.JSON.Receive(conn, &in); err != nil {
			log.Info("realtime: connection closed", zap.Error(err))
			break
		}

		switch in.Type {
		case "ping":
			reply(OutboundFrame{Type: "pong"})
		case "replay":
			limit := in.Limit
			if limit <= 0 {
				limit = defaultReplay
			}
			reply(OutboundFrame{Type: "history", ClinicID: sub.ClinicID, Events: h.History(sub.ClinicID, limit)})
		case "event":
			if !relayedEvents[in.Event] {
				reply(OutboundFrame{Type: "error", Error: "unsupported event " + in.Event})
				continue
			}
			h.Broadcast(sub.ClinicID, in.Event, in.Data, sub.ID)
		default:
			reply(OutboundFrame{Type: "error", Error: "unknown frame type"})
		}
	}

	h.Disconnect(sub.ClinicID, sub.ID)
	<-done
}
