package scheduling

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	redisclient "github.com/hackgods/caregiver-scheduling/internal/redis"
)

type CreateChangeRequestInput struct {
	AppointmentID     uuid.UUID
	NewTask           *Task
	NewAvailabilityID *uuid.UUID
}

// CreateChangeRequest proposes a new task and/or a new slot for an
// appointment. Only its caregiver or client may ask, and only one request
// per appointment may be pending. A proposed slot is held until the request
// is resolved.
func (s *Service) CreateChangeRequest(ctx context.Context, actor Actor, in CreateChangeRequestInput) (*ChangeRequest, error) {
	if in.NewTask == nil && in.NewAvailabilityID == nil {
		return nil, ErrEmptyChange
	}
	if in.NewTask != nil && !in.NewTask.Valid() {
		return nil, ErrInvalidTask
	}

	appt, err := s.loadAppointment(ctx, in.AppointmentID)
	if err != nil {
		return nil, err
	}
	if !appt.Involves(actor.UserID) {
		return nil, ErrUnauthorized
	}

	var created ChangeRequest
	err = s.locker.WithLock(ctx, redisclient.AppointmentKey(appt.ID), func(lockCtx context.Context) error {
		return s.repo.WithinTx(lockCtx, func(ctx context.Context) error {
			if _, err := s.repo.GetPendingChangeRequest(ctx, appt.ID); err == nil {
				return ErrPendingChangeExists
			} else if !errors.Is(err, ErrNotFound) {
				return fmt.Errorf("check pending change request: %w", err)
			}

			current, err := s.repo.GetAppointmentByID(ctx, appt.ID)
			if err != nil {
				return err
			}

			created = ChangeRequest{
				AppointmentID:     current.ID,
				RequestedByUserID: actor.UserID,
				RequestedByName:   s.actorName(ctx, actor),
				OldTask:           current.Task,
				NewTask:           in.NewTask,
				OldDateTime:       current.StartsAt,
				Status:            ChangePending,
				RequestedAt:       s.now(),
			}

			if in.NewAvailabilityID != nil {
				slot, err := s.holdProposedSlot(ctx, current, *in.NewAvailabilityID)
				if err != nil {
					return err
				}
				startsAt := slot.StartsAt()
				created.NewAvailabilityID = uuidPtr(slot.ID)
				created.NewDateTime = &startsAt
			}

			if err := s.repo.InsertChangeRequest(ctx, &created); err != nil {
				return err
			}

			payload := map[string]any{
				"change_request_id": created.ID.String(),
				"requested_by":      actor.UserID.String(),
			}
			if created.NewTask != nil {
				payload["new_task"] = *created.NewTask
			}
			if created.NewAvailabilityID != nil {
				payload["new_availability_id"] = created.NewAvailabilityID.String()
			}
			s.logEvent(ctx, uuidPtr(current.ID), EventChangeRequested, payload)
			return nil
		})
	})
	if err != nil {
		switch {
		case errors.Is(err, redisclient.ErrLockNotAcquired):
			return nil, ErrAppointmentBusy
		case errors.Is(err, ErrConflict), errors.Is(err, ErrInvalidSlot):
			return nil, err
		case errors.Is(err, ErrNotFound):
			return nil, ErrAppointmentNotFound
		}
		return nil, fmt.Errorf("create change request: %w", err)
	}

	return &created, nil
}

func (s *Service) holdProposedSlot(ctx context.Context, appt *Appointment, slotID uuid.UUID) (*Slot, error) {
	slot, err := s.repo.GetSlotByID(ctx, slotID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrInvalidSlot
		}
		return nil, fmt.Errorf("load proposed slot: %w", err)
	}
	if slot.CaregiverID != appt.CaregiverID || slot.Status != SlotOpen {
		return nil, ErrInvalidSlot
	}

	held, err := s.repo.TransitionSlot(ctx, slot.ID, SlotOpen, SlotHeld)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrInvalidSlot
		}
		return nil, fmt.Errorf("hold proposed slot: %w", err)
	}
	return held, nil
}

// ApproveChangeRequest applies the proposed fields to the appointment. Only
// the counterparty of the requester may approve.
func (s *Service) ApproveChangeRequest(ctx context.Context, actor Actor, id uuid.UUID) (*ChangeRequest, error) {
	return s.respond(ctx, actor, id, ChangeApproved)
}

// RejectChangeRequest leaves the appointment untouched and reopens any
// proposed slot. Only the counterparty of the requester may reject.
func (s *Service) RejectChangeRequest(ctx context.Context, actor Actor, id uuid.UUID) (*ChangeRequest, error) {
	return s.respond(ctx, actor, id, ChangeRejected)
}

// CancelChangeRequest withdraws a request. Only the requester may cancel.
func (s *Service) CancelChangeRequest(ctx context.Context, actor Actor, id uuid.UUID) (*ChangeRequest, error) {
	return s.respond(ctx, actor, id, ChangeCancelled)
}

func (s *Service) respond(ctx context.Context, actor Actor, id uuid.UUID, to ChangeRequestStatus) (*ChangeRequest, error) {
	cr, err := s.repo.GetChangeRequestByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrInvalidState
		}
		return nil, fmt.Errorf("load change request: %w", err)
	}
	appt, err := s.repo.GetAppointmentByID(ctx, cr.AppointmentID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrInvalidState
		}
		return nil, fmt.Errorf("load appointment: %w", err)
	}

	if !appt.Involves(actor.UserID) {
		return nil, ErrUnauthorized
	}
	isRequester := cr.RequestedByUserID == actor.UserID
	if (to == ChangeCancelled) != isRequester {
		return nil, ErrUnauthorized
	}
	if cr.Status.Terminal() {
		return nil, ErrInvalidState
	}

	// resolve claims the request with a conditional status update; a
	// concurrent transition that lost gets ErrInvalidState.
	var resolved ChangeRequest
	err = s.repo.WithinTx(ctx, func(ctx context.Context) error {
		current, err := s.repo.GetChangeRequestByID(ctx, id)
		if err != nil {
			return err
		}
		if current.Status.Terminal() {
			return ErrInvalidState
		}

		if err := s.resolve(ctx, actor, current, to); err != nil {
			return err
		}
		if to == ChangeApproved {
			if err := s.applyChange(ctx, current); err != nil {
				return err
			}
		}
		resolved = *current
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrInvalidState) {
			return nil, ErrInvalidState
		}
		return nil, fmt.Errorf("%s change request: %w", verb(to), err)
	}

	return &resolved, nil
}

// applyChange writes the approved fields into the appointment. The held slot
// becomes booked; the previous slot is reopened only under the release policy.
func (s *Service) applyChange(ctx context.Context, cr *ChangeRequest) error {
	appt, err := s.repo.GetAppointmentByID(ctx, cr.AppointmentID)
	if err != nil {
		return err
	}

	if cr.NewTask != nil {
		appt.Task = *cr.NewTask
	}

	if cr.NewAvailabilityID != nil {
		slot, err := s.repo.TransitionSlot(ctx, *cr.NewAvailabilityID, SlotHeld, SlotBooked)
		if err != nil {
			return fmt.Errorf("book proposed slot: %w", err)
		}
		previous := appt.SlotID
		appt.SlotID = slot.ID
		appt.StartsAt = slot.Window().StartsAt()
		appt.EndsAt = slot.Window().EndsAt()

		if s.releaseOnMove() {
			if _, err := s.repo.TransitionSlot(ctx, previous, SlotBooked, SlotOpen); err != nil && !errors.Is(err, ErrNotFound) {
				return fmt.Errorf("release previous slot: %w", err)
			}
		}
	}

	return s.repo.UpdateAppointment(ctx, appt)
}

// resolve moves a pending request to a terminal status. The status update
// comes first so concurrent transitions serialize on the request row. Unless
// approved, a held slot goes back to the pool. Must run inside a transaction.
func (s *Service) resolve(ctx context.Context, actor Actor, cr *ChangeRequest, to ChangeRequestStatus) error {
	now := s.now()
	name := s.actorName(ctx, actor)
	cr.Status = to
	cr.RespondedAt = &now
	cr.RespondedByUserID = uuidPtr(actor.UserID)
	cr.RespondedByName = &name

	if err := s.repo.ResolveChangeRequest(ctx, cr); err != nil {
		return err
	}

	if to != ChangeApproved && cr.NewAvailabilityID != nil {
		if _, err := s.repo.TransitionSlot(ctx, *cr.NewAvailabilityID, SlotHeld, SlotOpen); err != nil && !errors.Is(err, ErrNotFound) {
			return fmt.Errorf("reopen proposed slot: %w", err)
		}
	}

	event := EventChangeCancelled
	switch to {
	case ChangeApproved:
		event = EventChangeApproved
	case ChangeRejected:
		event = EventChangeRejected
	}
	s.logEvent(ctx, uuidPtr(cr.AppointmentID), event, map[string]any{
		"change_request_id": cr.ID.String(),
		"responded_by":      actor.UserID.String(),
	})
	return nil
}

// ListIncomingChangeRequests returns pending requests on the caller's
// appointments that the caller must answer.
func (s *Service) ListIncomingChangeRequests(ctx context.Context, actor Actor) ([]ChangeRequest, error) {
	return s.listPending(ctx, actor, false)
}

// ListOutgoingChangeRequests returns pending requests the caller raised.
func (s *Service) ListOutgoingChangeRequests(ctx context.Context, actor Actor) ([]ChangeRequest, error) {
	return s.listPending(ctx, actor, true)
}

func (s *Service) listPending(ctx context.Context, actor Actor, mine bool) ([]ChangeRequest, error) {
	all, err := s.repo.ListPendingChangeRequestsForUser(ctx, actor.UserID)
	if err != nil {
		return nil, fmt.Errorf("list pending change requests: %w", err)
	}
	out := make([]ChangeRequest, 0, len(all))
	for _, cr := range all {
		if (cr.RequestedByUserID == actor.UserID) == mine {
			out = append(out, cr)
		}
	}
	return out, nil
}

// ListChangeRequests returns the full request history of an appointment.
func (s *Service) ListChangeRequests(ctx context.Context, actor Actor, appointmentID uuid.UUID) ([]ChangeRequest, error) {
	appt, err := s.loadAppointment(ctx, appointmentID)
	if err != nil {
		return nil, err
	}
	if err := authorizeParticipantOrAdmin(actor, appt); err != nil {
		return nil, err
	}
	crs, err := s.repo.ListChangeRequestsByAppointment(ctx, appointmentID)
	if err != nil {
		return nil, fmt.Errorf("list change requests: %w", err)
	}
	return crs, nil
}

// actorName prefers the name carried by the caller's token and falls back to
// the stored user.
func (s *Service) actorName(ctx context.Context, actor Actor) string {
	if actor.Name != "" {
		return actor.Name
	}
	u, err := s.repo.GetUserByID(ctx, actor.UserID)
	if err != nil {
		return ""
	}
	return u.Name
}

func verb(to ChangeRequestStatus) string {
	switch to {
	case ChangeApproved:
		return "approve"
	case ChangeRejected:
		return "reject"
	}
	return "cancel"
}
