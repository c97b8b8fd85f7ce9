package appointment

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-scheduling/internal/schedule"
)

// memRepo is an in-memory Repository. It enforces the same partial unique
// slot index as the SQL schema so lost races surface as ErrSlotTaken.
type memRepo struct {
	mu           sync.Mutex
	schedules    map[string]*ClinicSchedule
	treatments   map[uuid.UUID]Treatment
	patients     map[uuid.UUID]Patient
	appointments map[uuid.UUID]Appointment
	changes      []AppointmentChange

	listDelay        time.Duration
	failInsertChange error
}

func newMemRepo() *memRepo {
	return &memRepo{
		schedules:    make(map[string]*ClinicSchedule),
		treatments:   make(map[uuid.UUID]Treatment),
		patients:     make(map[uuid.UUID]Patient),
		appointments: make(map[uuid.UUID]Appointment),
	}
}

func (m *memRepo) GetClinicSchedule(_ context.Context, clinicID string) (*ClinicSchedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[clinicID]
	if !ok {
		return nil, ErrClinicNotFound
	}
	cp := *s
	cp.WorkDays = append([]int(nil), s.WorkDays...)
	cp.BlockedDates = append([]time.Time(nil), s.BlockedDates...)
	cp.BlockedPeriods = append([]BlockedPeriod(nil), s.BlockedPeriods...)
	return &cp, nil
}

func (m *memRepo) UpsertClinicSchedule(ctx context.Context, s ClinicSchedule) (*ClinicSchedule, error) {
	m.mu.Lock()
	if existing, ok := m.schedules[s.ClinicID]; ok {
		s.BlockedDates = existing.BlockedDates
		s.BlockedPeriods = existing.BlockedPeriods
	}
	m.schedules[s.ClinicID] = &s
	m.mu.Unlock()
	return m.GetClinicSchedule(ctx, s.ClinicID)
}

func (m *memRepo) ListClinicIDs(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.schedules))
	for id := range m.schedules {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *memRepo) AddBlockedDates(_ context.Context, clinicID string, dates []time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[clinicID]
	if !ok {
		return ErrClinicNotFound
	}
	for _, d := range dates {
		s.BlockedDates = append(s.BlockedDates, schedule.DateOf(d))
	}
	return nil
}

func (m *memRepo) RemoveBlockedDate(_ context.Context, clinicID string, date time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[clinicID]
	if !ok {
		return nil
	}
	kept := s.BlockedDates[:0]
	for _, d := range s.BlockedDates {
		if !d.Equal(schedule.DateOf(date)) {
			kept = append(kept, d)
		}
	}
	s.BlockedDates = kept
	return nil
}

func (m *memRepo) AddBlockedPeriod(_ context.Context, clinicID string, p BlockedPeriod) (*BlockedPeriod, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[clinicID]
	if !ok {
		return nil, ErrClinicNotFound
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	s.BlockedPeriods = append(s.BlockedPeriods, p)
	return &p, nil
}

func (m *memRepo) RemoveBlockedPeriod(_ context.Context, clinicID string, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[clinicID]
	if !ok {
		return ErrBlockedPeriodNotFound
	}
	for i, p := range s.BlockedPeriods {
		if p.ID == id {
			s.BlockedPeriods = append(s.BlockedPeriods[:i], s.BlockedPeriods[i+1:]...)
			return nil
		}
	}
	return ErrBlockedPeriodNotFound
}

func (m *memRepo) GetTreatment(_ context.Context, clinicID string, id uuid.UUID) (*Treatment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.treatments[id]
	if !ok || t.ClinicID != clinicID {
		return nil, ErrTreatmentNotFound
	}
	return &t, nil
}

func (m *memRepo) ListTreatments(_ context.Context, clinicID string) ([]Treatment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Treatment
	for _, t := range m.treatments {
		if t.ClinicID == clinicID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *memRepo) CreateTreatment(_ context.Context, t Treatment) (*Treatment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	m.treatments[t.ID] = t
	return &t, nil
}

func (m *memRepo) GetPatientByID(_ context.Context, clinicID string, id uuid.UUID) (*Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.patients[id]
	if !ok || p.ClinicID != clinicID {
		return nil, ErrPatientNotFound
	}
	return &p, nil
}

func (m *memRepo) FindPatientByName(_ context.Context, clinicID, name string) (*Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.patients {
		if p.ClinicID == clinicID && strings.EqualFold(p.Name, name) {
			return &p, nil
		}
	}
	return nil, ErrPatientNotFound
}

func (m *memRepo) GetAppointmentByID(_ context.Context, id uuid.UUID) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	return &a, nil
}

func (m *memRepo) ListActiveAppointments(_ context.Context, clinicID string, date time.Time) ([]Appointment, error) {
	if m.listDelay > 0 {
		time.Sleep(m.listDelay)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Appointment, 0)
	for _, a := range m.appointments {
		if a.ClinicID == clinicID && a.Date.Equal(schedule.DateOf(date)) && a.Status != StatusCancelled {
			out = append(out, a)
		}
	}
	sortAppointments(out)
	return out, nil
}

func (m *memRepo) ListAppointments(_ context.Context, f AppointmentFilter) ([]Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Appointment, 0)
	for _, a := range m.appointments {
		if a.ClinicID != f.ClinicID {
			continue
		}
		if f.Date != nil && !a.Date.Equal(schedule.DateOf(*f.Date)) {
			continue
		}
		if f.Status != nil && a.Status != *f.Status {
			continue
		}
		out = append(out, a)
	}
	sortAppointments(out)
	if f.Offset > len(out) {
		return []Appointment{}, nil
	}
	out = out[f.Offset:]
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func sortAppointments(out []Appointment) {
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.Before(out[j].Date)
		}
		if out[i].StartTime != out[j].StartTime {
			return out[i].StartTime < out[j].StartTime
		}
		return out[i].SlotIndex < out[j].SlotIndex
	})
}

// slotTaken must be called with mu held.
func (m *memRepo) slotTaken(a Appointment) bool {
	for _, other := range m.appointments {
		if other.ID == a.ID || other.Status == StatusCancelled {
			continue
		}
		if other.ClinicID == a.ClinicID && other.Date.Equal(a.Date) &&
			other.StartTime == a.StartTime && other.SlotIndex == a.SlotIndex {
			return true
		}
	}
	return false
}

func (m *memRepo) InsertAppointment(_ context.Context, a Appointment) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.slotTaken(a) {
		return nil, ErrSlotTaken
	}
	a.CreatedAt = time.Now()
	a.UpdatedAt = a.CreatedAt
	m.appointments[a.ID] = a
	return &a, nil
}

func (m *memRepo) RescheduleAppointment(_ context.Context, id uuid.UUID, from AppointmentStatus, date time.Time, start, end schedule.Clock, slotIndex int) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appointments[id]
	if !ok || a.Status != from {
		return nil, ErrAppointmentNotFound
	}
	a.Date = schedule.DateOf(date)
	a.StartTime = start
	a.EndTime = end
	a.SlotIndex = slotIndex
	a.Status = StatusPending
	a.ReminderSent = false
	if m.slotTaken(a) {
		return nil, ErrSlotTaken
	}
	a.UpdatedAt = time.Now()
	m.appointments[id] = a
	return &a, nil
}

func (m *memRepo) UpdateAppointmentStatus(_ context.Context, id uuid.UUID, from, to AppointmentStatus, reason *string) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appointments[id]
	if !ok || a.Status != from {
		return nil, ErrAppointmentNotFound
	}
	a.Status = to
	if reason != nil {
		a.CancellationReason = reason
	}
	a.UpdatedAt = time.Now()
	m.appointments[id] = a
	return &a, nil
}

func (m *memRepo) InsertChange(_ context.Context, c AppointmentChange) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failInsertChange != nil {
		return m.failInsertChange
	}
	c.ID = int64(len(m.changes) + 1)
	m.changes = append(m.changes, c)
	return nil
}

func (m *memRepo) ListChanges(_ context.Context, appointmentID uuid.UUID) ([]AppointmentChange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]AppointmentChange, 0)
	for _, c := range m.changes {
		if c.AppointmentID == appointmentID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *memRepo) countActive(clinicID string, date time.Time, start schedule.Clock) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, a := range m.appointments {
		if a.ClinicID == clinicID && a.Date.Equal(date) && a.StartTime == start && a.Status != StatusCancelled {
			n++
		}
	}
	return n
}
