package realtime

import (
	"context"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/net/websocket"

	"github.com/hackgods/clinic-scheduling/internal/appointment"
	"github.com/hackgods/clinic-scheduling/internal/schedule"
)

func receive(t *testing.T, sub *Subscription) Change {
	t.Helper()
	select {
	case c := <-sub.C:
		return c
	case <-time.After(time.Second):
		t.Fatal("no change received")
		return Change{}
	}
}

func assertQuiet(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case c := <-sub.C:
		t.Fatalf("unexpected change %s", c.Event)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestBroadcastSkipsOriginAndOtherClinics(t *testing.T) {
	h := NewHub(10, zap.NewNop(), nil)
	a1, a2 := h.Connect("a"), h.Connect("a")
	b := h.Connect("b")

	c := h.Broadcast("a", appointment.EventAppointmentCreated, map[string]any{"appointment_id": "x"}, a1.ID)
	assert.Equal(t, "a", c.ClinicID)
	assert.False(t, c.Timestamp.IsZero())

	got := receive(t, a2)
	assert.Equal(t, appointment.EventAppointmentCreated, got.Event)
	assert.Equal(t, "x", got.Data["appointment_id"])
	assertQuiet(t, a1)
	assertQuiet(t, b)
}

func TestConnectDefaultsClinic(t *testing.T) {
	h := NewHub(10, nil, nil)
	sub := h.Connect("")
	assert.Equal(t, DefaultClinic, sub.ClinicID)
	assert.Equal(t, 1, h.ActiveConnections(DefaultClinic))
}

func TestDisconnect(t *testing.T) {
	h := NewHub(10, nil, nil)
	a := h.Connect("a")
	b := h.Connect("b")

	assert.True(t, h.Disconnect("a", a.ID))
	assert.False(t, h.Disconnect("a", a.ID))
	_, open := <-a.C
	assert.False(t, open, "channel closed on disconnect")

	assert.False(t, h.Disconnect("a", b.ID), "wrong clinic")
	assert.True(t, h.DisconnectAny(b.ID))
	assert.False(t, h.DisconnectAny(b.ID))
	assert.Zero(t, h.ActiveConnections("a"))
	assert.Zero(t, h.ActiveConnections("b"))
}

func TestHistoryIsBoundedAndPerClinic(t *testing.T) {
	h := NewHub(3, nil, nil)
	for i := 0; i < 5; i++ {
		h.Broadcast("a", fmt.Sprintf("e%d", i), nil, "")
	}
	h.Broadcast("b", "other", nil, "")

	hist := h.History("a", 0)
	require.Len(t, hist, 3)
	assert.Equal(t, "e2", hist[0].Event)
	assert.Equal(t, "e4", hist[2].Event)
	assert.Len(t, h.History("b", 0), 1)

	last := h.History("a", 1)
	require.Len(t, last, 1)
	assert.Equal(t, "e4", last[0].Event)

	assert.Empty(t, h.History("nobody", 0))
}

func TestBroadcastNeverBlocksOnSlowViewer(t *testing.T) {
	h := NewHub(10, nil, nil)
	h.Connect("a")

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*3; i++ {
			h.Broadcast("a", "e", nil, "")
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcast blocked on a full viewer")
	}
}

func TestHubConcurrentUse(t *testing.T) {
	h := NewHub(50, nil, nil)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			clinic := fmt.Sprintf("c%d", i%3)
			sub := h.Connect(clinic)
			h.Broadcast(clinic, "e", nil, sub.ID)
			h.History(clinic, 5)
			h.Disconnect(clinic, sub.ID)
		}(i)
	}
	wg.Wait()

	for i := 0; i < 3; i++ {
		assert.Zero(t, h.ActiveConnections(fmt.Sprintf("c%d", i)))
	}
	assert.Len(t, h.History("c0", 0), 7)
}

func TestHookAdapterUsesOrigin(t *testing.T) {
	h := NewHub(10, nil, nil)
	origin, viewer := h.Connect("clinic-a"), h.Connect("clinic-a")

	appt := appointment.Appointment{
		ID:        uuid.New(),
		ClinicID:  "clinic-a",
		Date:      time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC),
		StartTime: schedule.MustClock("10:00"),
		EndTime:   schedule.MustClock("10:30"),
		Status:    appointment.StatusPending,
	}
	require.NoError(t, h.AppointmentChanged(context.Background(), appointment.Change{
		Event:       appointment.EventAppointmentCreated,
		Appointment: appt,
		Origin:      origin.ID,
	}))

	got := receive(t, viewer)
	assert.Equal(t, appt.ID.String(), got.Data["appointment_id"])
	assert.Equal(t, "2026-10-19", got.Data["date"])
	assert.Equal(t, "10:00", got.Data["start_time"])
	assertQuiet(t, origin)
}

func dial(t *testing.T, srv *httptest.Server, clinic string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	if clinic != "" {
		url += "?clinic_id=" + clinic
	}
	conn, err := websocket.Dial(url, "", srv.URL)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) OutboundFrame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var f OutboundFrame
	require.NoError(t, websocket.JSON.Receive(conn, &f))
	return f
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	assert.Eventually(t, cond, time.Second, 5*time.Millisecond)
}

func TestWebSocketFlow(t *testing.T) {
	h := NewHub(10, nil, nil)
	srv := httptest.NewServer(websocket.Handler(h.serveWS))
	defer srv.Close()

	sender := dial(t, srv, "clinic-a")
	hello := readFrame(t, sender)
	assert.Equal(t, "hello", hello.Type)
	assert.Equal(t, "clinic-a", hello.ClinicID)
	require.NotEmpty(t, hello.ConnectionID)

	watcher := dial(t, srv, "clinic-a")
	assert.Equal(t, "hello", readFrame(t, watcher).Type)
	waitFor(t, func() bool { return h.ActiveConnections("clinic-a") == 2 })

	// Server-side broadcast excluding the sender's connection id.
	h.Broadcast("clinic-a", appointment.EventAppointmentConfirmed, map[string]any{"appointment_id": "1"}, hello.ConnectionID)
	f := readFrame(t, watcher)
	assert.Equal(t, "event", f.Type)
	assert.Equal(t, appointment.EventAppointmentConfirmed, f.Event)

	// Client-emitted event relayed to the rest of the channel.
	require.NoError(t, websocket.JSON.Send(sender, InboundFrame{
		Type:  "event",
		Event: appointment.EventAppointmentCancelled,
		Data:  map[string]any{"appointment_id": "2"},
	}))
	f = readFrame(t, watcher)
	assert.Equal(t, appointment.EventAppointmentCancelled, f.Event)
	assert.Equal(t, "2", f.Data["appointment_id"])

	// The sender only sees its own pong, never its own event.
	require.NoError(t, websocket.JSON.Send(sender, InboundFrame{Type: "ping"}))
	assert.Equal(t, "pong", readFrame(t, sender).Type)

	require.NoError(t, websocket.JSON.Send(watcher, InboundFrame{Type: "replay"}))
	f = readFrame(t, watcher)
	assert.Equal(t, "history", f.Type)
	require.Len(t, f.Events, 2)

	require.NoError(t, websocket.JSON.Send(sender, InboundFrame{Type: "event", Event: "patient_deleted"}))
	assert.Equal(t, "error", readFrame(t, sender).Type)

	sender.Close()
	waitFor(t, func() bool { return h.ActiveConnections("clinic-a") == 1 })
}

func TestWebSocketDefaultClinic(t *testing.T) {
	h := NewHub(10, nil, nil)
	srv := httptest.NewServer(websocket.Handler(h.serveWS))
	defer srv.Close()

	conn := dial(t, srv, "")
	assert.Equal(t, DefaultClinic, readFrame(t, conn).ClinicID)
}
