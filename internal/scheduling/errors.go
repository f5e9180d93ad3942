package scheduling

import (
	"errors"
	"fmt"
)

// Error kinds surfaced to callers. Entity specific errors wrap one of these,
// so errors.Is(err, ErrNotFound) holds for ErrSlotNotFound and friends.
var (
	ErrInvalidWindow   = errors.New("invalid time window: end must be after start and slot length must be positive")
	ErrConflict        = errors.New("conflict")
	ErrSlotUnavailable = errors.New("slot is no longer available")
	ErrInvalidSlot     = errors.New("proposed slot is not an open slot of this caregiver")
	ErrNotFound        = errors.New("not found")
	ErrInvalidState    = errors.New("change request is not pending")
	ErrUnauthorized    = errors.New("not allowed to perform this action")
	ErrInvalidTask     = errors.New("unknown task")
	ErrEmptyChange     = errors.New("change request must propose a new task or a new time")
)

var (
	ErrUserNotFound        = fmt.Errorf("user %w", ErrNotFound)
	ErrCaregiverNotFound   = fmt.Errorf("caregiver %w", ErrNotFound)
	ErrClientNotFound      = fmt.Errorf("client %w", ErrNotFound)
	ErrSlotNotFound        = fmt.Errorf("availability slot %w", ErrNotFound)
	ErrAppointmentNotFound = fmt.Errorf("appointment %w", ErrNotFound)

	ErrChangeRequestNotFound = fmt.Errorf("change request %w", ErrNotFound)

	ErrPendingChangeExists = fmt.Errorf("%w: appointment already has a pending change request", ErrConflict)
	ErrSlotOverlap         = fmt.Errorf("%w: window overlaps an existing availability slot", ErrConflict)
	ErrAppointmentBusy     = fmt.Errorf("%w: appointment is being modified, please retry", ErrConflict)
)
