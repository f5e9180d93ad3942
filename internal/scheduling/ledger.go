package scheduling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	redisclient "github.com/hackgods/caregiver-scheduling/internal/redis"
)

type CreateAppointmentInput struct {
	SlotID      uuid.UUID
	ClientID    uuid.UUID
	Task        Task // may be empty
	Location    string
	Description string
}

// UpdateAppointmentInput is the admin override. Nil fields are left as is.
type UpdateAppointmentInput struct {
	Task        *Task
	Location    *string
	Description *string
	StartsAt    *time.Time // duration is preserved
	CaregiverID *uuid.UUID
	ClientID    *uuid.UUID
}

// CreateAppointment books an open slot for a client.
// The per-slot lock keeps concurrent bookings of the same slot apart; the
// conditional open->booked transition inside the transaction is what finally
// decides the winner.
func (s *Service) CreateAppointment(ctx context.Context, actor Actor, in CreateAppointmentInput) (*AppointmentView, error) {
	if !actor.IsAdmin() && (actor.Role != RoleClient || actor.UserID != in.ClientID) {
		return nil, ErrUnauthorized
	}
	if in.Task != "" && !in.Task.Valid() {
		return nil, ErrInvalidTask
	}

	if _, err := s.requireUser(ctx, in.ClientID, RoleClient, ErrClientNotFound); err != nil {
		return nil, err
	}

	slot, err := s.repo.GetSlotByID(ctx, in.SlotID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrSlotUnavailable
		}
		return nil, fmt.Errorf("load slot: %w", err)
	}
	if slot.Status != SlotOpen {
		return nil, ErrSlotUnavailable
	}

	var created Appointment
	err = s.locker.WithLock(ctx, redisclient.SlotKey(in.SlotID), func(lockCtx context.Context) error {
		return s.repo.WithinTx(lockCtx, func(ctx context.Context) error {
			booked, err := s.repo.TransitionSlot(ctx, in.SlotID, SlotOpen, SlotBooked)
			if err != nil {
				if errors.Is(err, ErrNotFound) {
					return ErrSlotUnavailable
				}
				return fmt.Errorf("book slot: %w", err)
			}

			created = Appointment{
				SlotID:      booked.ID,
				CaregiverID: booked.CaregiverID,
				ClientID:    in.ClientID,
				StartsAt:    booked.Window().StartsAt(),
				EndsAt:      booked.Window().EndsAt(),
				Task:        in.Task,
				Location:    in.Location,
				Description: in.Description,
			}
			if err := s.repo.InsertAppointment(ctx, &created); err != nil {
				return err
			}

			s.logEvent(ctx, uuidPtr(created.ID), EventAppointmentCreated, map[string]any{
				"slot_id":   booked.ID.String(),
				"client_id": in.ClientID.String(),
				"booked_by": actor.UserID.String(),
			})
			return nil
		})
	})
	if err != nil {
		if errors.Is(err, redisclient.ErrLockNotAcquired) || errors.Is(err, ErrSlotUnavailable) {
			return nil, ErrSlotUnavailable
		}
		return nil, fmt.Errorf("create appointment: %w", err)
	}

	return s.view(ctx, actor, created, nil)
}

// ListAppointments returns the caller's appointments: the ones a caregiver
// provides, the ones a client booked, or all of them for an admin.
func (s *Service) ListAppointments(ctx context.Context, actor Actor) ([]AppointmentView, error) {
	var filter AppointmentFilter
	switch actor.Role {
	case RoleAdmin:
	case RoleCaregiver:
		filter.CaregiverID = uuidPtr(actor.UserID)
	case RoleClient:
		filter.ClientID = uuidPtr(actor.UserID)
	default:
		return nil, ErrUnauthorized
	}

	appts, err := s.repo.ListAppointments(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list appointments: %w", err)
	}
	return s.views(ctx, actor, appts)
}

func (s *Service) GetAppointment(ctx context.Context, actor Actor, id uuid.UUID) (*AppointmentView, error) {
	appt, err := s.loadAppointment(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := authorizeParticipantOrAdmin(actor, appt); err != nil {
		return nil, err
	}
	return s.view(ctx, actor, *appt, nil)
}

// DeleteAppointment removes the appointment. A pending change request on it
// is cancelled and its held slot reopened; the booked slot is reopened only
// under the release policy.
func (s *Service) DeleteAppointment(ctx context.Context, actor Actor, id uuid.UUID) error {
	appt, err := s.loadAppointment(ctx, id)
	if err != nil {
		return err
	}
	if !actor.IsAdmin() && actor.UserID != appt.CaregiverID {
		return ErrUnauthorized
	}

	err = s.locker.WithLock(ctx, redisclient.AppointmentKey(id), func(lockCtx context.Context) error {
		return s.repo.WithinTx(lockCtx, func(ctx context.Context) error {
			pending, err := s.repo.GetPendingChangeRequest(ctx, id)
			switch {
			case err == nil:
				// ErrInvalidState means a participant resolved it first.
				if err := s.resolve(ctx, actor, pending, ChangeCancelled); err != nil && !errors.Is(err, ErrInvalidState) {
					return err
				}
			case !errors.Is(err, ErrNotFound):
				return fmt.Errorf("load pending change request: %w", err)
			}

			// An approval may have moved the appointment since it was loaded.
			current, err := s.repo.GetAppointmentByID(ctx, id)
			if err != nil {
				return err
			}
			if err := s.repo.DeleteAppointment(ctx, id); err != nil {
				return err
			}

			released := false
			if s.releaseOnMove() {
				if _, err := s.repo.TransitionSlot(ctx, current.SlotID, SlotBooked, SlotOpen); err != nil && !errors.Is(err, ErrNotFound) {
					return fmt.Errorf("release slot: %w", err)
				}
				released = true
			}

			s.logEvent(ctx, uuidPtr(id), EventAppointmentDeleted, map[string]any{
				"slot_id":       current.SlotID.String(),
				"deleted_by":    actor.UserID.String(),
				"slot_released": released,
			})
			return nil
		})
	})
	if err != nil {
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			return ErrAppointmentBusy
		}
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return fmt.Errorf("delete appointment: %w", err)
	}
	return nil
}

// UpdateAppointment is the admin override that bypasses change requests.
func (s *Service) UpdateAppointment(ctx context.Context, actor Actor, id uuid.UUID, in UpdateAppointmentInput) (*AppointmentView, error) {
	if !actor.IsAdmin() {
		return nil, ErrUnauthorized
	}
	if in.Task != nil && *in.Task != "" && !in.Task.Valid() {
		return nil, ErrInvalidTask
	}
	if in.CaregiverID != nil {
		if _, err := s.requireUser(ctx, *in.CaregiverID, RoleCaregiver, ErrCaregiverNotFound); err != nil {
			return nil, err
		}
	}
	if in.ClientID != nil {
		if _, err := s.requireUser(ctx, *in.ClientID, RoleClient, ErrClientNotFound); err != nil {
			return nil, err
		}
	}

	var updated Appointment
	err := s.repo.WithinTx(ctx, func(ctx context.Context) error {
		appt, err := s.repo.GetAppointmentByID(ctx, id)
		if err != nil {
			return err
		}
		before := *appt

		if in.Task != nil {
			appt.Task = *in.Task
		}
		if in.Location != nil {
			appt.Location = *in.Location
		}
		if in.Description != nil {
			appt.Description = *in.Description
		}
		if in.StartsAt != nil {
			d := appt.EndsAt.Sub(appt.StartsAt)
			appt.StartsAt = in.StartsAt.UTC()
			appt.EndsAt = appt.StartsAt.Add(d)
		}
		if in.CaregiverID != nil {
			appt.CaregiverID = *in.CaregiverID
		}
		if in.ClientID != nil {
			appt.ClientID = *in.ClientID
		}

		if err := s.repo.UpdateAppointment(ctx, appt); err != nil {
			return err
		}
		updated = *appt

		s.logEvent(ctx, uuidPtr(id), EventAppointmentUpdated, map[string]any{
			"updated_by": actor.UserID.String(),
			"before":     appointmentPayload(before),
			"after":      appointmentPayload(updated),
		})
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrAppointmentNotFound
		}
		return nil, fmt.Errorf("update appointment: %w", err)
	}

	return s.view(ctx, actor, updated, nil)
}

func (s *Service) loadAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	appt, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrAppointmentNotFound
		}
		return nil, fmt.Errorf("load appointment: %w", err)
	}
	return appt, nil
}

func appointmentPayload(a Appointment) map[string]any {
	return map[string]any{
		"task":         a.Task,
		"location":     a.Location,
		"description":  a.Description,
		"starts_at":    a.StartsAt,
		"ends_at":      a.EndsAt,
		"slot_id":      a.SlotID.String(),
		"caregiver_id": a.CaregiverID.String(),
		"client_id":    a.ClientID.String(),
	}
}
