package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/caregiver-scheduling/internal/auth"
	"github.com/hackgods/caregiver-scheduling/internal/scheduling"
)

type handlers struct {
	svc *scheduling.Service
	log zerolog.Logger
}

// Availability

func (h *handlers) createAvailability(w http.ResponseWriter, r *http.Request) {
	var req CreateAvailabilityRequest
	if !decodeBody(w, r, &req) {
		return
	}

	caregiverID, ok := parseID(w, req.CaregiverID, "caregiverId")
	if !ok {
		return
	}
	window, err := parseWindow(req.Date, req.StartTime, req.EndTime)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	res, err := h.svc.CreateAvailability(r.Context(), actorOf(r), scheduling.CreateAvailabilityInput{
		CaregiverID:       caregiverID,
		Window:            window,
		SlotLengthMinutes: req.SlotLengthMinutes,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}

	status := http.StatusCreated
	if res.Count == 0 {
		status = http.StatusOK
	}
	writeJSON(w, status, toMutation(res))
}

func (h *handlers) updateAvailability(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req UpdateAvailabilityRequest
	if !decodeBody(w, r, &req) {
		return
	}

	in := scheduling.UpdateAvailabilityInput{}
	if req.Date != "" {
		date, err := scheduling.ParseDate(req.Date)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		in.Date = &date
	}
	var err error
	if in.Start, err = scheduling.ParseClock(req.StartTime); err != nil {
		h.fail(w, r, err)
		return
	}
	if in.End, err = scheduling.ParseClock(req.EndTime); err != nil {
		h.fail(w, r, err)
		return
	}

	res, err := h.svc.UpdateAvailability(r.Context(), actorOf(r), id, in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toMutation(res))
}

func (h *handlers) deleteAvailability(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	res, err := h.svc.DeleteAvailability(r.Context(), actorOf(r), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toMutation(res))
}

func (h *handlers) listAvailability(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	slots, err := h.svc.ListAvailability(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAvailabilities(slots))
}

func (h *handlers) listAllAvailability(w http.ResponseWriter, r *http.Request) {
	slots, err := h.svc.ListAllAvailability(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAvailabilities(slots))
}

func (h *handlers) listCaregivers(w http.ResponseWriter, r *http.Request) {
	caregivers, err := h.svc.ListCaregivers(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	resp := make([]CaregiverResponse, 0, len(caregivers))
	for _, c := range caregivers {
		resp = append(resp, CaregiverResponse{
			UserResponse:   toUser(c.Caregiver),
			Availabilities: toAvailabilities(c.Availabilities),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// Appointments

func (h *handlers) createAppointment(w http.ResponseWriter, r *http.Request) {
	var req CreateAppointmentRequest
	if !decodeBody(w, r, &req) {
		return
	}
	slotID, ok := parseID(w, req.AvailabilityID, "availabilityId")
	if !ok {
		return
	}
	clientID, ok := parseID(w, req.ClientID, "clientId")
	if !ok {
		return
	}

	view, err := h.svc.CreateAppointment(r.Context(), actorOf(r), scheduling.CreateAppointmentInput{
		SlotID:      slotID,
		ClientID:    clientID,
		Task:        scheduling.Task(req.Task),
		Location:    req.Location,
		Description: req.Description,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAppointment(*view))
}

func (h *handlers) listAppointments(w http.ResponseWriter, r *http.Request) {
	views, err := h.svc.ListAppointments(r.Context(), actorOf(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointments(views))
}

func (h *handlers) getAppointment(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	view, err := h.svc.GetAppointment(r.Context(), actorOf(r), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointment(*view))
}

func (h *handlers) updateAppointment(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req UpdateAppointmentRequest
	if !decodeBody(w, r, &req) {
		return
	}

	in := scheduling.UpdateAppointmentInput{
		Location:    req.Location,
		Description: req.Description,
	}
	if req.Task != nil {
		task := scheduling.Task(*req.Task)
		in.Task = &task
	}
	if req.Date != nil {
		startsAt, err := time.Parse(time.RFC3339, *req.Date)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "date must be an RFC 3339 timestamp")
			return
		}
		in.StartsAt = &startsAt
	}
	if req.CaregiverID != nil {
		cid, ok := parseID(w, *req.CaregiverID, "caregiverId")
		if !ok {
			return
		}
		in.CaregiverID = &cid
	}
	if req.ClientID != nil {
		cid, ok := parseID(w, *req.ClientID, "clientId")
		if !ok {
			return
		}
		in.ClientID = &cid
	}

	view, err := h.svc.UpdateAppointment(r.Context(), actorOf(r), id, in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointment(*view))
}

func (h *handlers) deleteAppointment(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := h.svc.DeleteAppointment(r.Context(), actorOf(r), id); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) listChangeRequests(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	crs, err := h.svc.ListChangeRequests(r.Context(), actorOf(r), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toChangeRequests(crs))
}

// Change requests

func (h *handlers) createChangeRequest(w http.ResponseWriter, r *http.Request) {
	var req CreateChangeRequestRequest
	if !decodeBody(w, r, &req) {
		return
	}
	apptID, ok := parseID(w, req.AppointmentID, "appointmentId")
	if !ok {
		return
	}

	in := scheduling.CreateChangeRequestInput{AppointmentID: apptID}
	if req.NewTask != nil && *req.NewTask != "" {
		task := scheduling.Task(*req.NewTask)
		in.NewTask = &task
	}
	if req.NewAvailabilityID != nil && *req.NewAvailabilityID != "" {
		slotID, ok := parseID(w, *req.NewAvailabilityID, "newAvailabilityId")
		if !ok {
			return
		}
		in.NewAvailabilityID = &slotID
	}

	cr, err := h.svc.CreateChangeRequest(r.Context(), actorOf(r), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toChangeRequest(*cr))
}

func (h *handlers) listIncoming(w http.ResponseWriter, r *http.Request) {
	crs, err := h.svc.ListIncomingChangeRequests(r.Context(), actorOf(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toChangeRequests(crs))
}

func (h *handlers) listOutgoing(w http.ResponseWriter, r *http.Request) {
	crs, err := h.svc.ListOutgoingChangeRequests(r.Context(), actorOf(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toChangeRequests(crs))
}

func (h *handlers) approveChangeRequest(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.svc.ApproveChangeRequest)
}

func (h *handlers) rejectChangeRequest(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.svc.RejectChangeRequest)
}

func (h *handlers) cancelChangeRequest(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.svc.CancelChangeRequest)
}

func (h *handlers) transition(w http.ResponseWriter, r *http.Request, fn func(context.Context, scheduling.Actor, uuid.UUID) (*scheduling.ChangeRequest, error)) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	cr, err := fn(r.Context(), actorOf(r), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toChangeRequest(*cr))
}

// Helpers

func actorOf(r *http.Request) scheduling.Actor {
	actor, _ := auth.ActorFromContext(r.Context())
	return actor
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return false
	}
	return true
}

func parseID(w http.ResponseWriter, raw, field string) (uuid.UUID, bool) {
	id, err := uuid.Parse(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_id", field+" must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	return parseID(w, chi.URLParam(r, "id"), "id")
}

func parseWindow(date, start, end string) (scheduling.Window, error) {
	d, err := scheduling.ParseDate(date)
	if err != nil {
		return scheduling.Window{}, err
	}
	s, err := scheduling.ParseClock(start)
	if err != nil {
		return scheduling.Window{}, err
	}
	e, err := scheduling.ParseClock(end)
	if err != nil {
		return scheduling.Window{}, err
	}
	return scheduling.Window{Date: d, Start: s, End: e}, nil
}

// fail maps a service error onto its status and error code. Anything that
// is not a domain error is logged and reported as internal_error.
func (h *handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code := errorStatus(err)
	if status == http.StatusInternalServerError {
		h.log.Error().Err(err).
			Str("request_id", GetRequestID(r.Context())).
			Str("path", r.URL.Path).
			Msg("request failed")
		writeError(w, status, code, "internal server error")
		return
	}
	writeError(w, status, code, err.Error())
}

func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, scheduling.ErrInvalidWindow):
		return http.StatusBadRequest, "invalid_window"
	case errors.Is(err, scheduling.ErrInvalidTask):
		return http.StatusBadRequest, "invalid_task"
	case errors.Is(err, scheduling.ErrEmptyChange):
		return http.StatusBadRequest, "empty_change"
	case errors.Is(err, scheduling.ErrSlotUnavailable):
		return http.StatusConflict, "slot_unavailable"
	case errors.Is(err, scheduling.ErrInvalidSlot):
		return http.StatusUnprocessableEntity, "invalid_slot"
	case errors.Is(err, scheduling.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, scheduling.ErrInvalidState):
		return http.StatusConflict, "invalid_state"
	case errors.Is(err, scheduling.ErrUnauthorized):
		return http.StatusForbidden, "unauthorized"
	case errors.Is(err, scheduling.ErrConflict):
		return http.StatusConflict, "conflict"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}
