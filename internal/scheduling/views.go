package scheduling

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// AppointmentView is an appointment joined with both participants and its
// pending change request, split by who raised it relative to the viewer.
type AppointmentView struct {
	Appointment
	Caregiver User
	Client    User

	// PendingRequest was raised by the viewer (or, for an admin, by anyone)
	// and awaits the other side.
	PendingRequest *ChangeRequest
	// IsPending was raised by the other participant and awaits the viewer.
	IsPending *ChangeRequest
}

type userCache map[uuid.UUID]User

func (s *Service) cachedUser(ctx context.Context, cache userCache, id uuid.UUID) (User, error) {
	if u, ok := cache[id]; ok {
		return u, nil
	}
	u, err := s.repo.GetUserByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return User{ID: id}, nil
		}
		return User{}, fmt.Errorf("load user: %w", err)
	}
	cache[id] = *u
	return *u, nil
}

func (s *Service) view(ctx context.Context, actor Actor, a Appointment, cache userCache) (*AppointmentView, error) {
	if cache == nil {
		cache = make(userCache)
	}

	v := &AppointmentView{Appointment: a}
	var err error
	if v.Caregiver, err = s.cachedUser(ctx, cache, a.CaregiverID); err != nil {
		return nil, err
	}
	if v.Client, err = s.cachedUser(ctx, cache, a.ClientID); err != nil {
		return nil, err
	}

	pending, err := s.repo.GetPendingChangeRequest(ctx, a.ID)
	switch {
	case errors.Is(err, ErrNotFound):
		return v, nil
	case err != nil:
		return nil, fmt.Errorf("load pending change request: %w", err)
	}

	if pending.RequestedByUserID == actor.UserID || !a.Involves(actor.UserID) {
		v.PendingRequest = pending
	} else {
		v.IsPending = pending
	}
	return v, nil
}

func (s *Service) views(ctx context.Context, actor Actor, appts []Appointment) ([]AppointmentView, error) {
	cache := make(userCache)
	out := make([]AppointmentView, 0, len(appts))
	for _, a := range appts {
		v, err := s.view(ctx, actor, a, cache)
		if err != nil {
			return nil, err
		}
		out = append(out, *v)
	}
	return out, nil
}
