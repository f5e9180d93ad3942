package scheduling

import (
	"bytes"
	"cmp"
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemRepository is an in-process Repository. Transactions are serialized by a
// single mutex and rolled back by restoring a snapshot when fn fails.
type MemRepository struct {
	mu sync.Mutex

	users          map[uuid.UUID]User
	slots          map[uuid.UUID]Slot
	appointments   map[uuid.UUID]Appointment
	changeRequests map[uuid.UUID]ChangeRequest
	events         []EventLog
	nextEventID    int64

	now func() time.Time
}

type memTxKey struct{}

func NewMemRepository() *MemRepository {
	return &MemRepository{
		users:          make(map[uuid.UUID]User),
		slots:          make(map[uuid.UUID]Slot),
		appointments:   make(map[uuid.UUID]Appointment),
		changeRequests: make(map[uuid.UUID]ChangeRequest),
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// lock takes the store mutex unless ctx already runs inside one of this
// store's transactions.
func (m *MemRepository) lock(ctx context.Context) func() {
	if ctx.Value(memTxKey{}) == m {
		return func() {}
	}
	m.mu.Lock()
	return m.mu.Unlock
}

type memSnapshot struct {
	users          map[uuid.UUID]User
	slots          map[uuid.UUID]Slot
	appointments   map[uuid.UUID]Appointment
	changeRequests map[uuid.UUID]ChangeRequest
	events         []EventLog
	nextEventID    int64
}

func (m *MemRepository) snapshot() memSnapshot {
	return memSnapshot{
		users:          maps.Clone(m.users),
		slots:          maps.Clone(m.slots),
		appointments:   maps.Clone(m.appointments),
		changeRequests: maps.Clone(m.changeRequests),
		events:         slices.Clone(m.events),
		nextEventID:    m.nextEventID,
	}
}

func (m *MemRepository) restore(s memSnapshot) {
	m.users = s.users
	m.slots = s.slots
	m.appointments = s.appointments
	m.changeRequests = s.changeRequests
	m.events = s.events
	m.nextEventID = s.nextEventID
}

func (m *MemRepository) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(memTxKey{}) == m {
		return fn(ctx)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.snapshot()
	if err := fn(context.WithValue(ctx, memTxKey{}, m)); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

// Events returns a copy of the audit trail.
func (m *MemRepository) Events() []EventLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.events)
}

// Users

func (m *MemRepository) GetUserByID(ctx context.Context, id uuid.UUID) (*User, error) {
	defer m.lock(ctx)()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	return &u, nil
}

func (m *MemRepository) ListUsersByRole(ctx context.Context, role Role) ([]User, error) {
	defer m.lock(ctx)()
	var out []User
	for _, u := range m.users {
		if u.Role == role {
			out = append(out, u)
		}
	}
	slices.SortFunc(out, func(a, b User) int {
		if c := cmp.Compare(a.Name, b.Name); c != 0 {
			return c
		}
		return compareUUID(a.ID, b.ID)
	})
	return out, nil
}

func (m *MemRepository) CreateUser(ctx context.Context, u *User) error {
	defer m.lock(ctx)()
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	now := m.now()
	u.CreatedAt, u.UpdatedAt = now, now
	m.users[u.ID] = *u
	return nil
}

// Slots

// LockCaregiverDay is a no-op: transactions are already serialized.
func (m *MemRepository) LockCaregiverDay(context.Context, uuid.UUID, time.Time) error {
	return nil
}

func (m *MemRepository) InsertSlots(ctx context.Context, slots []Slot) error {
	defer m.lock(ctx)()
	now := m.now()
	for i := range slots {
		if slots[i].ID == uuid.Nil {
			slots[i].ID = uuid.New()
		}
		slots[i].CreatedAt, slots[i].UpdatedAt = now, now
		m.slots[slots[i].ID] = slots[i]
	}
	return nil
}

func (m *MemRepository) withCaregiverName(s Slot) Slot {
	if u, ok := m.users[s.CaregiverID]; ok {
		s.CaregiverName = u.Name
	}
	return s
}

func (m *MemRepository) GetSlotByID(ctx context.Context, id uuid.UUID) (*Slot, error) {
	defer m.lock(ctx)()
	s, ok := m.slots[id]
	if !ok {
		return nil, ErrSlotNotFound
	}
	s = m.withCaregiverName(s)
	return &s, nil
}

func (m *MemRepository) ListSlotsForDay(ctx context.Context, caregiverID uuid.UUID, date time.Time) ([]Slot, error) {
	defer m.lock(ctx)()
	var out []Slot
	for _, s := range m.slots {
		if s.CaregiverID == caregiverID && s.Date.Equal(date) {
			out = append(out, m.withCaregiverName(s))
		}
	}
	sortSlots(out)
	return out, nil
}

func (m *MemRepository) ListOpenSlots(ctx context.Context, caregiverID *uuid.UUID) ([]Slot, error) {
	defer m.lock(ctx)()
	var out []Slot
	for _, s := range m.slots {
		if s.Status != SlotOpen {
			continue
		}
		if caregiverID != nil && s.CaregiverID != *caregiverID {
			continue
		}
		out = append(out, m.withCaregiverName(s))
	}
	sortSlots(out)
	return out, nil
}

func (m *MemRepository) TransitionSlot(ctx context.Context, id uuid.UUID, from, to SlotStatus) (*Slot, error) {
	defer m.lock(ctx)()
	s, ok := m.slots[id]
	if !ok || s.Status != from {
		return nil, ErrSlotNotFound
	}
	s.Status = to
	s.UpdatedAt = m.now()
	m.slots[id] = s
	s = m.withCaregiverName(s)
	return &s, nil
}

func (m *MemRepository) UpdateOpenSlotWindow(ctx context.Context, id uuid.UUID, w Window) (*Slot, error) {
	defer m.lock(ctx)()
	s, ok := m.slots[id]
	if !ok || s.Status != SlotOpen {
		return nil, ErrSlotNotFound
	}
	s.Date, s.Start, s.End = w.Date, w.Start, w.End
	s.UpdatedAt = m.now()
	m.slots[id] = s
	s = m.withCaregiverName(s)
	return &s, nil
}

func (m *MemRepository) DeleteOpenSlot(ctx context.Context, id uuid.UUID) (*Slot, error) {
	defer m.lock(ctx)()
	s, ok := m.slots[id]
	if !ok || s.Status != SlotOpen {
		return nil, ErrSlotNotFound
	}
	delete(m.slots, id)
	s = m.withCaregiverName(s)
	return &s, nil
}

func (m *MemRepository) DeleteOpenSlotsEndingBefore(ctx context.Context, t time.Time) (int64, error) {
	defer m.lock(ctx)()
	var n int64
	for id, s := range m.slots {
		if s.Status == SlotOpen && s.Window().EndsAt().Before(t) {
			delete(m.slots, id)
			n++
		}
	}
	return n, nil
}

// Appointments

func (m *MemRepository) InsertAppointment(ctx context.Context, a *Appointment) error {
	defer m.lock(ctx)()
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	for _, existing := range m.appointments {
		if existing.SlotID == a.SlotID {
			return ErrSlotUnavailable
		}
	}
	now := m.now()
	a.CreatedAt, a.UpdatedAt = now, now
	m.appointments[a.ID] = *a
	return nil
}

func (m *MemRepository) GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	defer m.lock(ctx)()
	a, ok := m.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	return &a, nil
}

func (m *MemRepository) ListAppointments(ctx context.Context, filter AppointmentFilter) ([]Appointment, error) {
	defer m.lock(ctx)()
	var out []Appointment
	for _, a := range m.appointments {
		if filter.CaregiverID != nil && a.CaregiverID != *filter.CaregiverID {
			continue
		}
		if filter.ClientID != nil && a.ClientID != *filter.ClientID {
			continue
		}
		out = append(out, a)
	}
	slices.SortFunc(out, func(a, b Appointment) int {
		if c := a.StartsAt.Compare(b.StartsAt); c != 0 {
			return c
		}
		return compareUUID(a.ID, b.ID)
	})
	return out, nil
}

func (m *MemRepository) UpdateAppointment(ctx context.Context, a *Appointment) error {
	defer m.lock(ctx)()
	existing, ok := m.appointments[a.ID]
	if !ok {
		return ErrAppointmentNotFound
	}
	a.CreatedAt = existing.CreatedAt
	a.UpdatedAt = m.now()
	m.appointments[a.ID] = *a
	return nil
}

func (m *MemRepository) DeleteAppointment(ctx context.Context, id uuid.UUID) error {
	defer m.lock(ctx)()
	if _, ok := m.appointments[id]; !ok {
		return ErrAppointmentNotFound
	}
	delete(m.appointments, id)
	return nil
}

// Change requests

func (m *MemRepository) InsertChangeRequest(ctx context.Context, cr *ChangeRequest) error {
	defer m.lock(ctx)()
	if cr.Status == ChangePending {
		for _, existing := range m.changeRequests {
			if existing.AppointmentID == cr.AppointmentID && existing.Status == ChangePending {
				return ErrPendingChangeExists
			}
		}
	}
	if cr.ID == uuid.Nil {
		cr.ID = uuid.New()
	}
	m.changeRequests[cr.ID] = *cr
	return nil
}

func (m *MemRepository) GetChangeRequestByID(ctx context.Context, id uuid.UUID) (*ChangeRequest, error) {
	defer m.lock(ctx)()
	cr, ok := m.changeRequests[id]
	if !ok {
		return nil, ErrChangeRequestNotFound
	}
	return &cr, nil
}

func (m *MemRepository) GetPendingChangeRequest(ctx context.Context, appointmentID uuid.UUID) (*ChangeRequest, error) {
	defer m.lock(ctx)()
	for _, cr := range m.changeRequests {
		if cr.AppointmentID == appointmentID && cr.Status == ChangePending {
			return &cr, nil
		}
	}
	return nil, ErrChangeRequestNotFound
}

func (m *MemRepository) ListPendingChangeRequestsForUser(ctx context.Context, userID uuid.UUID) ([]ChangeRequest, error) {
	defer m.lock(ctx)()
	var out []ChangeRequest
	for _, cr := range m.changeRequests {
		if cr.Status != ChangePending {
			continue
		}
		a, ok := m.appointments[cr.AppointmentID]
		if !ok || !a.Involves(userID) {
			continue
		}
		out = append(out, cr)
	}
	sortChangeRequests(out)
	return out, nil
}

func (m *MemRepository) ListChangeRequestsByAppointment(ctx context.Context, appointmentID uuid.UUID) ([]ChangeRequest, error) {
	defer m.lock(ctx)()
	var out []ChangeRequest
	for _, cr := range m.changeRequests {
		if cr.AppointmentID == appointmentID {
			out = append(out, cr)
		}
	}
	sortChangeRequests(out)
	return out, nil
}

func (m *MemRepository) ResolveChangeRequest(ctx context.Context, cr *ChangeRequest) error {
	defer m.lock(ctx)()
	existing, ok := m.changeRequests[cr.ID]
	if !ok || existing.Status != ChangePending {
		return ErrInvalidState
	}
	existing.Status = cr.Status
	existing.RespondedAt = cr.RespondedAt
	existing.RespondedByUserID = cr.RespondedByUserID
	existing.RespondedByName = cr.RespondedByName
	m.changeRequests[cr.ID] = existing
	return nil
}

// Event logging

func (m *MemRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	defer m.lock(ctx)()
	m.nextEventID++
	ev.ID = m.nextEventID
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = m.now()
	}
	m.events = append(m.events, ev)
	return nil
}

func sortSlots(slots []Slot) {
	slices.SortFunc(slots, func(a, b Slot) int {
		if c := a.Date.Compare(b.Date); c != 0 {
			return c
		}
		if c := cmp.Compare(a.Start, b.Start); c != 0 {
			return c
		}
		return compareUUID(a.CaregiverID, b.CaregiverID)
	})
}

func sortChangeRequests(crs []ChangeRequest) {
	slices.SortFunc(crs, func(a, b ChangeRequest) int {
		if c := a.RequestedAt.Compare(b.RequestedAt); c != 0 {
			return c
		}
		return compareUUID(a.ID, b.ID)
	})
}

func compareUUID(a, b uuid.UUID) int {
	return bytes.Compare(a[:], b[:])
}
