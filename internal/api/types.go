package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/caregiver-scheduling/internal/scheduling"
)

type CreateAvailabilityRequest struct {
	Date              string `json:"date"`
	StartTime         string `json:"startTime"`
	EndTime           string `json:"endTime"`
	CaregiverID       string `json:"caregiverId"`
	SlotLengthMinutes *int   `json:"slotLengthMinutes,omitempty"`
}

type UpdateAvailabilityRequest struct {
	Date      string `json:"date,omitempty"`
	StartTime string `json:"startTime"`
	EndTime   string `json:"endTime"`
}

type CreateAppointmentRequest struct {
	AvailabilityID string `json:"availabilityId"`
	ClientID       string `json:"clientId"`
	Task           string `json:"task,omitempty"`
	Location       string `json:"location,omitempty"`
	Description    string `json:"description,omitempty"`
}

type UpdateAppointmentRequest struct {
	Task        *string `json:"task,omitempty"`
	Location    *string `json:"location,omitempty"`
	Description *string `json:"description,omitempty"`
	Date        *string `json:"date,omitempty"` // RFC 3339 start timestamp
	CaregiverID *string `json:"caregiverId,omitempty"`
	ClientID    *string `json:"clientId,omitempty"`
}

type CreateChangeRequestRequest struct {
	AppointmentID     string  `json:"appointmentId"`
	NewAvailabilityID *string `json:"newAvailabilityId,omitempty"`
	NewTask           *string `json:"newTask,omitempty"`
}

type AvailabilityResponse struct {
	ID            uuid.UUID `json:"availabilityId"`
	Date          string    `json:"date"`
	StartTime     string    `json:"startTime"`
	EndTime       string    `json:"endTime"`
	CaregiverID   uuid.UUID `json:"caregiverId"`
	CaregiverName string    `json:"caregiverName,omitempty"`
}

type AvailabilityMutationResponse struct {
	Message        string                 `json:"message"`
	Count          int                    `json:"count"`
	Availabilities []AvailabilityResponse `json:"availabilities"`
}

type UserResponse struct {
	ID       uuid.UUID `json:"id"`
	Name     string    `json:"name"`
	Role     string    `json:"role,omitempty"`
	Address  string    `json:"address,omitempty"`
	Phone    string    `json:"phone,omitempty"`
	Email    string    `json:"email,omitempty"`
	ImageURL *string   `json:"imageUrl,omitempty"`
}

type CaregiverResponse struct {
	UserResponse
	Availabilities []AvailabilityResponse `json:"availabilities"`
}

type AppointmentResponse struct {
	ID             uuid.UUID              `json:"appointmentId"`
	SlotID         uuid.UUID              `json:"availabilityId"`
	Date           time.Time              `json:"date"`
	StartTime      string                 `json:"startTime"`
	EndTime        string                 `json:"endTime"`
	CaregiverID    uuid.UUID              `json:"caregiverId"`
	Caregiver      UserResponse           `json:"caregiver"`
	ClientID       uuid.UUID              `json:"clientId"`
	Client         UserResponse           `json:"client"`
	Task           string                 `json:"task"`
	Location       string                 `json:"location"`
	Description    string                 `json:"description,omitempty"`
	PendingRequest *ChangeRequestResponse `json:"pendingRequest,omitempty"`
	IsPending      *ChangeRequestResponse `json:"isPending,omitempty"`
}

type ChangeRequestResponse struct {
	ID                uuid.UUID  `json:"changeRequestId"`
	AppointmentID     uuid.UUID  `json:"appointmentId"`
	RequestedByUserID uuid.UUID  `json:"requestedByUserId"`
	RequestedByName   string     `json:"requestedByName"`
	OldTask           string     `json:"oldTask"`
	NewTask           *string    `json:"newTask,omitempty"`
	OldDateTime       time.Time  `json:"oldDateTime"`
	NewDateTime       *time.Time `json:"newDateTime,omitempty"`
	NewAvailabilityID *uuid.UUID `json:"newAvailabilityId,omitempty"`
	Status            string     `json:"status"`
	RequestedAt       time.Time  `json:"requestedAt"`
	RespondedAt       *time.Time `json:"respondedAt,omitempty"`
	RespondedByUserID *uuid.UUID `json:"respondedByUserId,omitempty"`
	RespondedByName   *string    `json:"respondedByName,omitempty"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func toAvailability(s scheduling.Slot) AvailabilityResponse {
	return AvailabilityResponse{
		ID:            s.ID,
		Date:          s.Date.Format(time.DateOnly),
		StartTime:     s.Start.String(),
		EndTime:       s.End.String(),
		CaregiverID:   s.CaregiverID,
		CaregiverName: s.CaregiverName,
	}
}

func toAvailabilities(slots []scheduling.Slot) []AvailabilityResponse {
	out := make([]AvailabilityResponse, 0, len(slots))
	for _, s := range slots {
		out = append(out, toAvailability(s))
	}
	return out
}

func toMutation(res *scheduling.AvailabilityResult) AvailabilityMutationResponse {
	return AvailabilityMutationResponse{
		Message:        res.Message,
		Count:          res.Count,
		Availabilities: toAvailabilities(res.Availabilities),
	}
}

func toUser(u scheduling.User) UserResponse {
	return UserResponse{
		ID:       u.ID,
		Name:     u.Name,
		Role:     string(u.Role),
		Address:  u.Address,
		Phone:    u.Phone,
		Email:    u.Email,
		ImageURL: u.ImageURL,
	}
}

func toAppointment(v scheduling.AppointmentView) AppointmentResponse {
	resp := AppointmentResponse{
		ID:          v.ID,
		SlotID:      v.SlotID,
		Date:        v.StartsAt.UTC(),
		StartTime:   v.StartsAt.UTC().Format("15:04"),
		EndTime:     v.EndsAt.UTC().Format("15:04"),
		CaregiverID: v.CaregiverID,
		Caregiver:   toUser(v.Caregiver),
		ClientID:    v.ClientID,
		Client:      toUser(v.Client),
		Task:        string(v.Task),
		Location:    v.Location,
		Description: v.Description,
	}
	if v.PendingRequest != nil {
		cr := toChangeRequest(*v.PendingRequest)
		resp.PendingRequest = &cr
	}
	if v.IsPending != nil {
		cr := toChangeRequest(*v.IsPending)
		resp.IsPending = &cr
	}
	return resp
}

func toAppointments(views []scheduling.AppointmentView) []AppointmentResponse {
	out := make([]AppointmentResponse, 0, len(views))
	for _, v := range views {
		out = append(out, toAppointment(v))
	}
	return out
}

func toChangeRequest(cr scheduling.ChangeRequest) ChangeRequestResponse {
	resp := ChangeRequestResponse{
		ID:                cr.ID,
		AppointmentID:     cr.AppointmentID,
		RequestedByUserID: cr.RequestedByUserID,
		RequestedByName:   cr.RequestedByName,
		OldTask:           string(cr.OldTask),
		OldDateTime:       cr.OldDateTime.UTC(),
		NewDateTime:       cr.NewDateTime,
		NewAvailabilityID: cr.NewAvailabilityID,
		Status:            string(cr.Status),
		RequestedAt:       cr.RequestedAt,
		RespondedAt:       cr.RespondedAt,
		RespondedByUserID: cr.RespondedByUserID,
		RespondedByName:   cr.RespondedByName,
	}
	if cr.NewTask != nil {
		task := string(*cr.NewTask)
		resp.NewTask = &task
	}
	return resp
}

func toChangeRequests(crs []scheduling.ChangeRequest) []ChangeRequestResponse {
	out := make([]ChangeRequestResponse, 0, len(crs))
	for _, cr := range crs {
		out = append(out, toChangeRequest(cr))
	}
	return out
}
