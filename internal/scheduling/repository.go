package scheduling

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository contains all storage interactions needed by the service.
// Methods called inside WithinTx join that transaction.
type Repository interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error

	// Users
	GetUserByID(ctx context.Context, id uuid.UUID) (*User, error)
	ListUsersByRole(ctx context.Context, role Role) ([]User, error)
	CreateUser(ctx context.Context, u *User) error

	// Slots. LockCaregiverDay serializes overlap checks for one caregiver day
	// until the surrounding transaction ends.
	LockCaregiverDay(ctx context.Context, caregiverID uuid.UUID, date time.Time) error
	InsertSlots(ctx context.Context, slots []Slot) error
	GetSlotByID(ctx context.Context, id uuid.UUID) (*Slot, error)
	ListSlotsForDay(ctx context.Context, caregiverID uuid.UUID, date time.Time) ([]Slot, error)
	ListOpenSlots(ctx context.Context, caregiverID *uuid.UUID) ([]Slot, error)
	// TransitionSlot moves a slot between statuses only if it is currently in
	// from; otherwise it returns ErrSlotNotFound and changes nothing.
	TransitionSlot(ctx context.Context, id uuid.UUID, from, to SlotStatus) (*Slot, error)
	UpdateOpenSlotWindow(ctx context.Context, id uuid.UUID, w Window) (*Slot, error)
	DeleteOpenSlot(ctx context.Context, id uuid.UUID) (*Slot, error)
	DeleteOpenSlotsEndingBefore(ctx context.Context, t time.Time) (int64, error)

	// Appointments
	InsertAppointment(ctx context.Context, a *Appointment) error
	GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	ListAppointments(ctx context.Context, filter AppointmentFilter) ([]Appointment, error)
	UpdateAppointment(ctx context.Context, a *Appointment) error
	DeleteAppointment(ctx context.Context, id uuid.UUID) error

	// Change requests. InsertChangeRequest returns ErrPendingChangeExists when
	// another pending request for the appointment already exists.
	InsertChangeRequest(ctx context.Context, cr *ChangeRequest) error
	GetChangeRequestByID(ctx context.Context, id uuid.UUID) (*ChangeRequest, error)
	GetPendingChangeRequest(ctx context.Context, appointmentID uuid.UUID) (*ChangeRequest, error)
	ListPendingChangeRequestsForUser(ctx context.Context, userID uuid.UUID) ([]ChangeRequest, error)
	ListChangeRequestsByAppointment(ctx context.Context, appointmentID uuid.UUID) ([]ChangeRequest, error)
	// ResolveChangeRequest writes the terminal status and response stamps only
	// if the request is still pending; otherwise it returns ErrInvalidState.
	ResolveChangeRequest(ctx context.Context, cr *ChangeRequest) error

	// Event logging
	InsertEvent(ctx context.Context, ev EventLog) error
}

// AppointmentFilter narrows ListAppointments; zero fields match everything.
type AppointmentFilter struct {
	CaregiverID *uuid.UUID
	ClientID    *uuid.UUID
}
