package scheduling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/caregiver-scheduling/internal/config"
	redisclient "github.com/hackgods/caregiver-scheduling/internal/redis"
)

const (
	EventAvailabilityCreated = "AVAILABILITY_CREATED"
	EventAvailabilityUpdated = "AVAILABILITY_UPDATED"
	EventAvailabilityDeleted = "AVAILABILITY_DELETED"
	EventAvailabilityPurged  = "AVAILABILITY_PURGED"
	EventAppointmentCreated  = "APPOINTMENT_CREATED"
	EventAppointmentUpdated  = "APPOINTMENT_UPDATED"
	EventAppointmentDeleted  = "APPOINTMENT_DELETED"
	EventChangeRequested     = "CHANGE_REQUESTED"
	EventChangeApproved      = "CHANGE_APPROVED"
	EventChangeRejected      = "CHANGE_REJECTED"
	EventChangeCancelled     = "CHANGE_CANCELLED"
)

type Service struct {
	repo   Repository
	locker redisclient.Locker
	cfg    config.Config
	log    zerolog.Logger
	now    func() time.Time
}

func NewService(repo Repository, locker redisclient.Locker, cfg config.Config, log zerolog.Logger) *Service {
	return &Service{
		repo:   repo,
		locker: locker,
		cfg:    cfg,
		log:    log.With().Str("component", "scheduling").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) releaseOnMove() bool {
	return s.cfg.SlotReleasePolicy == config.ReleaseOnMove
}

// logEvent records an audit entry. A failed insert is logged and swallowed so
// the surrounding operation still succeeds.
func (s *Service) logEvent(ctx context.Context, appointmentID *uuid.UUID, eventType string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.log.Warn().Err(err).Str("event", eventType).Msg("marshal event payload")
		data = nil
	}

	s.log.Debug().Str("event", eventType).Interface("payload", payload).Msg("domain event")

	ev := EventLog{
		EventType:     eventType,
		AppointmentID: appointmentID,
		Payload:       data,
		CreatedAt:     s.now(),
	}
	if err := s.repo.InsertEvent(ctx, ev); err != nil {
		s.log.Warn().Err(err).Str("event", eventType).Msg("insert event log")
	}
}

// requireUser loads id and checks its role, returning notFound when either
// the user is missing or has another role.
func (s *Service) requireUser(ctx context.Context, id uuid.UUID, role Role, notFound error) (*User, error) {
	u, err := s.repo.GetUserByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, notFound
		}
		return nil, fmt.Errorf("load user: %w", err)
	}
	if u.Role != role {
		return nil, notFound
	}
	return u, nil
}

func authorizeCaregiver(actor Actor, caregiverID uuid.UUID) error {
	if actor.IsAdmin() {
		return nil
	}
	if actor.Role == RoleCaregiver && actor.UserID == caregiverID {
		return nil
	}
	return ErrUnauthorized
}

func authorizeParticipantOrAdmin(actor Actor, a *Appointment) error {
	if actor.IsAdmin() || a.Involves(actor.UserID) {
		return nil
	}
	return ErrUnauthorized
}

func uuidPtr(id uuid.UUID) *uuid.UUID {
	return &id
}
