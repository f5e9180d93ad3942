package scheduling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const msgNoNewSlots = "no new slots created, may already exist"

type CreateAvailabilityInput struct {
	CaregiverID uuid.UUID
	Window      Window
	// SlotLengthMinutes falls back to the configured default when nil.
	SlotLengthMinutes *int
}

type UpdateAvailabilityInput struct {
	Date  *time.Time // keeps the slot's date when nil
	Start Clock
	End   Clock
}

// AvailabilityResult is returned by every availability mutation. Availabilities
// is always the complete open-slot list of the affected caregiver.
type AvailabilityResult struct {
	Message        string
	Count          int
	Availabilities []Slot
}

// CaregiverAvailability is a caregiver with their open slots.
type CaregiverAvailability struct {
	Caregiver      User
	Availabilities []Slot
}

// CreateAvailability cuts the window into slots and stores those that do not
// overlap an existing slot of the caregiver. Creating nothing is not an error.
func (s *Service) CreateAvailability(ctx context.Context, actor Actor, in CreateAvailabilityInput) (*AvailabilityResult, error) {
	if err := authorizeCaregiver(actor, in.CaregiverID); err != nil {
		return nil, err
	}

	in.Window.Date = DateOf(in.Window.Date)
	length := s.cfg.DefaultSlotLength
	if in.SlotLengthMinutes != nil {
		length = *in.SlotLengthMinutes
	}
	windows, err := in.Window.Split(length)
	if err != nil {
		return nil, err
	}

	if _, err := s.requireUser(ctx, in.CaregiverID, RoleCaregiver, ErrCaregiverNotFound); err != nil {
		return nil, err
	}

	var created []Slot
	err = s.repo.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.repo.LockCaregiverDay(ctx, in.CaregiverID, in.Window.Date); err != nil {
			return err
		}

		existing, err := s.repo.ListSlotsForDay(ctx, in.CaregiverID, in.Window.Date)
		if err != nil {
			return fmt.Errorf("load existing slots: %w", err)
		}

		for _, w := range windows {
			if overlapsAny(w, existing, uuid.Nil) {
				continue
			}
			created = append(created, Slot{
				CaregiverID: in.CaregiverID,
				Date:        w.Date,
				Start:       w.Start,
				End:         w.End,
				Status:      SlotOpen,
			})
		}
		if len(created) == 0 {
			return nil
		}

		if err := s.repo.InsertSlots(ctx, created); err != nil {
			return err
		}

		s.logEvent(ctx, nil, EventAvailabilityCreated, map[string]any{
			"caregiver_id": in.CaregiverID.String(),
			"date":         in.Window.Date.Format(time.DateOnly),
			"start":        in.Window.Start.String(),
			"end":          in.Window.End.String(),
			"slot_length":  length,
			"count":        len(created),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("create availability: %w", err)
	}

	msg := fmt.Sprintf("%d availability slots created", len(created))
	if len(created) == 0 {
		msg = msgNoNewSlots
	}
	return s.availabilityResult(ctx, in.CaregiverID, msg, len(created))
}

// UpdateAvailability moves an open slot to a new window.
func (s *Service) UpdateAvailability(ctx context.Context, actor Actor, slotID uuid.UUID, in UpdateAvailabilityInput) (*AvailabilityResult, error) {
	slot, err := s.loadOwnedOpenSlot(ctx, actor, slotID)
	if err != nil {
		return nil, err
	}

	w := Window{Date: slot.Date, Start: in.Start, End: in.End}
	if in.Date != nil {
		w.Date = DateOf(*in.Date)
	}
	if err := w.Validate(); err != nil {
		return nil, err
	}

	err = s.repo.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.repo.LockCaregiverDay(ctx, slot.CaregiverID, w.Date); err != nil {
			return err
		}

		sameDay, err := s.repo.ListSlotsForDay(ctx, slot.CaregiverID, w.Date)
		if err != nil {
			return fmt.Errorf("load existing slots: %w", err)
		}
		if overlapsAny(w, sameDay, slot.ID) {
			return ErrSlotOverlap
		}

		if _, err := s.repo.UpdateOpenSlotWindow(ctx, slot.ID, w); err != nil {
			return err
		}

		s.logEvent(ctx, nil, EventAvailabilityUpdated, map[string]any{
			"slot_id":  slot.ID.String(),
			"old_date": slot.Date.Format(time.DateOnly),
			"old":      slot.Start.String() + "-" + slot.End.String(),
			"new_date": w.Date.Format(time.DateOnly),
			"new":      w.Start.String() + "-" + w.End.String(),
		})
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) {
			return nil, err
		}
		return nil, fmt.Errorf("update availability: %w", err)
	}

	return s.availabilityResult(ctx, slot.CaregiverID, "availability slot updated", 1)
}

// DeleteAvailability removes an open slot.
func (s *Service) DeleteAvailability(ctx context.Context, actor Actor, slotID uuid.UUID) (*AvailabilityResult, error) {
	slot, err := s.loadOwnedOpenSlot(ctx, actor, slotID)
	if err != nil {
		return nil, err
	}

	err = s.repo.WithinTx(ctx, func(ctx context.Context) error {
		if _, err := s.repo.DeleteOpenSlot(ctx, slot.ID); err != nil {
			return err
		}
		s.logEvent(ctx, nil, EventAvailabilityDeleted, map[string]any{
			"slot_id":      slot.ID.String(),
			"caregiver_id": slot.CaregiverID.String(),
		})
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("delete availability: %w", err)
	}

	return s.availabilityResult(ctx, slot.CaregiverID, "availability slot deleted", 1)
}

// ListAvailability returns the caregiver's open slots ordered by date and start.
func (s *Service) ListAvailability(ctx context.Context, caregiverID uuid.UUID) ([]Slot, error) {
	if _, err := s.requireUser(ctx, caregiverID, RoleCaregiver, ErrCaregiverNotFound); err != nil {
		return nil, err
	}
	slots, err := s.repo.ListOpenSlots(ctx, &caregiverID)
	if err != nil {
		return nil, fmt.Errorf("list availability: %w", err)
	}
	return slots, nil
}

// ListAllAvailability returns every open slot, each carrying its caregiver name.
func (s *Service) ListAllAvailability(ctx context.Context) ([]Slot, error) {
	slots, err := s.repo.ListOpenSlots(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("list all availability: %w", err)
	}
	return slots, nil
}

func (s *Service) ListCaregivers(ctx context.Context) ([]CaregiverAvailability, error) {
	caregivers, err := s.repo.ListUsersByRole(ctx, RoleCaregiver)
	if err != nil {
		return nil, fmt.Errorf("list caregivers: %w", err)
	}
	slots, err := s.repo.ListOpenSlots(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("list availability: %w", err)
	}

	byCaregiver := make(map[uuid.UUID][]Slot, len(caregivers))
	for _, slot := range slots {
		byCaregiver[slot.CaregiverID] = append(byCaregiver[slot.CaregiverID], slot)
	}

	out := make([]CaregiverAvailability, 0, len(caregivers))
	for _, c := range caregivers {
		out = append(out, CaregiverAvailability{
			Caregiver:      c,
			Availabilities: byCaregiver[c.ID],
		})
	}
	return out, nil
}

// PurgeExpiredSlots deletes open slots that ended before now. Held and booked
// slots are kept.
func (s *Service) PurgeExpiredSlots(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	err := s.repo.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		n, err = s.repo.DeleteOpenSlotsEndingBefore(ctx, now)
		if err != nil {
			return err
		}
		if n > 0 {
			s.logEvent(ctx, nil, EventAvailabilityPurged, map[string]any{
				"count":  n,
				"before": now.UTC().Format(time.RFC3339),
			})
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("purge expired slots: %w", err)
	}
	return n, nil
}

func (s *Service) loadOwnedOpenSlot(ctx context.Context, actor Actor, slotID uuid.UUID) (*Slot, error) {
	slot, err := s.repo.GetSlotByID(ctx, slotID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrSlotNotFound
		}
		return nil, fmt.Errorf("load slot: %w", err)
	}
	if err := authorizeCaregiver(actor, slot.CaregiverID); err != nil {
		return nil, err
	}
	if slot.Status != SlotOpen {
		return nil, ErrSlotNotFound
	}
	return slot, nil
}

func (s *Service) availabilityResult(ctx context.Context, caregiverID uuid.UUID, msg string, count int) (*AvailabilityResult, error) {
	slots, err := s.repo.ListOpenSlots(ctx, &caregiverID)
	if err != nil {
		return nil, fmt.Errorf("list availability: %w", err)
	}
	return &AvailabilityResult{
		Message:        msg,
		Count:          count,
		Availabilities: slots,
	}, nil
}

// overlapsAny reports whether w overlaps any slot other than skip.
func overlapsAny(w Window, slots []Slot, skip uuid.UUID) bool {
	for _, slot := range slots {
		if slot.ID == skip && skip != uuid.Nil {
			continue
		}
		if w.Overlaps(slot.Window()) {
			return true
		}
	}
	return false
}
