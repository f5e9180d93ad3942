package scheduling

import (
	"time"

	"github.com/google/uuid"
)

type Role string

const (
	RoleCaregiver Role = "caregiver"
	RoleClient    Role = "client"
	RoleAdmin     Role = "admin"
)

func (r Role) Valid() bool {
	switch r {
	case RoleCaregiver, RoleClient, RoleAdmin:
		return true
	}
	return false
}

// Actor is the already-authenticated caller of every service operation.
type Actor struct {
	UserID uuid.UUID
	Role   Role
	Name   string
}

func (a Actor) IsAdmin() bool {
	return a.Role == RoleAdmin
}

type SlotStatus string

const (
	SlotOpen   SlotStatus = "open"
	SlotHeld   SlotStatus = "held"
	SlotBooked SlotStatus = "booked"
)

type ChangeRequestStatus string

const (
	ChangePending   ChangeRequestStatus = "pending"
	ChangeApproved  ChangeRequestStatus = "approved"
	ChangeRejected  ChangeRequestStatus = "rejected"
	ChangeCancelled ChangeRequestStatus = "cancelled"
)

func (s ChangeRequestStatus) Terminal() bool {
	return s != ChangePending
}

type User struct {
	ID        uuid.UUID
	Name      string
	Role      Role
	Address   string
	Phone     string
	Email     string
	ImageURL  *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Slot is one bookable unit cut from a caregiver's availability window.
type Slot struct {
	ID          uuid.UUID
	CaregiverID uuid.UUID
	Date        time.Time // midnight UTC
	Start       Clock
	End         Clock
	Status      SlotStatus
	CreatedAt   time.Time
	UpdatedAt   time.Time

	CaregiverName string // filled on listings, not persisted
}

func (s Slot) Window() Window {
	return Window{Date: s.Date, Start: s.Start, End: s.End}
}

func (s Slot) StartsAt() time.Time {
	return s.Window().StartsAt()
}

type Appointment struct {
	ID          uuid.UUID
	SlotID      uuid.UUID
	CaregiverID uuid.UUID
	ClientID    uuid.UUID
	StartsAt    time.Time
	EndsAt      time.Time
	Task        Task
	Location    string
	Description string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Involves reports whether userID is the caregiver or the client.
func (a Appointment) Involves(userID uuid.UUID) bool {
	return a.CaregiverID == userID || a.ClientID == userID
}

type ChangeRequest struct {
	ID                uuid.UUID
	AppointmentID     uuid.UUID
	RequestedByUserID uuid.UUID
	RequestedByName   string
	OldTask           Task
	NewTask           *Task
	OldDateTime       time.Time
	NewDateTime       *time.Time
	NewAvailabilityID *uuid.UUID
	Status            ChangeRequestStatus
	RequestedAt       time.Time
	RespondedAt       *time.Time
	RespondedByUserID *uuid.UUID
	RespondedByName   *string
}

type EventLog struct {
	ID            int64
	EventType     string
	AppointmentID *uuid.UUID
	Payload       []byte
	CreatedAt     time.Time
}
