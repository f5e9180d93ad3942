package scheduling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	pgUniqueViolation    = "23505"
	onePendingConstraint = "change_requests_one_pending"
)

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

type txKey struct{}

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

func (r *PgRepository) conn(ctx context.Context) querier {
	if tx, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return tx
	}
	return r.pool
}

func (r *PgRepository) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return fn(ctx)
	}
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(context.WithValue(ctx, txKey{}, tx))
	})
}

// Helpers

const userCols = `id, name, role, address, phone, email, image_url, created_at, updated_at`

func scanUser(row pgx.Row) (*User, error) {
	var u User
	err := row.Scan(
		&u.ID,
		&u.Name,
		&u.Role,
		&u.Address,
		&u.Phone,
		&u.Email,
		&u.ImageURL,
		&u.CreatedAt,
		&u.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &u, nil
}

const slotSelect = `
	SELECT s.id, s.caregiver_id, s.slot_date, s.start_minute, s.end_minute, s.status,
	       s.created_at, s.updated_at, u.name
	FROM availability_slots s
	JOIN users u ON u.id = s.caregiver_id`

// slotReturning wraps a data-modifying statement on availability_slots so the
// result carries the caregiver name like slotSelect does.
func slotReturning(stmt string) string {
	return `WITH s AS (` + stmt + ` RETURNING *)
	SELECT s.id, s.caregiver_id, s.slot_date, s.start_minute, s.end_minute, s.status,
	       s.created_at, s.updated_at, u.name
	FROM s JOIN users u ON u.id = s.caregiver_id`
}

func scanSlot(row pgx.Row) (*Slot, error) {
	var s Slot
	err := row.Scan(
		&s.ID,
		&s.CaregiverID,
		&s.Date,
		&s.Start,
		&s.End,
		&s.Status,
		&s.CreatedAt,
		&s.UpdatedAt,
		&s.CaregiverName,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSlotNotFound
		}
		return nil, err
	}
	s.Date = DateOf(s.Date)
	return &s, nil
}

const appointmentCols = `id, slot_id, caregiver_id, client_id, starts_at, ends_at, task,
	location, description, created_at, updated_at`

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	err := row.Scan(
		&a.ID,
		&a.SlotID,
		&a.CaregiverID,
		&a.ClientID,
		&a.StartsAt,
		&a.EndsAt,
		&a.Task,
		&a.Location,
		&a.Description,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}
	a.StartsAt = a.StartsAt.UTC()
	a.EndsAt = a.EndsAt.UTC()
	return &a, nil
}

const changeRequestCols = `id, appointment_id, requested_by_user_id, requested_by_name,
	old_task, new_task, old_date_time, new_date_time, new_availability_id, status,
	requested_at, responded_at, responded_by_user_id, responded_by_name`

func scanChangeRequest(row pgx.Row) (*ChangeRequest, error) {
	var cr ChangeRequest
	err := row.Scan(
		&cr.ID,
		&cr.AppointmentID,
		&cr.RequestedByUserID,
		&cr.RequestedByName,
		&cr.OldTask,
		&cr.NewTask,
		&cr.OldDateTime,
		&cr.NewDateTime,
		&cr.NewAvailabilityID,
		&cr.Status,
		&cr.RequestedAt,
		&cr.RespondedAt,
		&cr.RespondedByUserID,
		&cr.RespondedByName,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrChangeRequestNotFound
		}
		return nil, err
	}
	cr.OldDateTime = cr.OldDateTime.UTC()
	if cr.NewDateTime != nil {
		t := cr.NewDateTime.UTC()
		cr.NewDateTime = &t
	}
	return &cr, nil
}

func collect[T any](rows pgx.Rows, scan func(pgx.Row) (*T, error)) ([]T, error) {
	defer rows.Close()

	var result []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// Users

func (r *PgRepository) GetUserByID(ctx context.Context, id uuid.UUID) (*User, error) {
	row := r.conn(ctx).QueryRow(ctx, `SELECT `+userCols+` FROM users WHERE id = $1`, id)
	return scanUser(row)
}

func (r *PgRepository) ListUsersByRole(ctx context.Context, role Role) ([]User, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+userCols+`
		FROM users
		WHERE role = $1
		ORDER BY name, id
	`, role)
	if err != nil {
		return nil, fmt.Errorf("list users by role: %w", err)
	}
	return collect(rows, scanUser)
}

func (r *PgRepository) CreateUser(ctx context.Context, u *User) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	row := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO users (id, name, role, address, phone, email, image_url, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now(), now())
		RETURNING `+userCols, u.ID, u.Name, u.Role, u.Address, u.Phone, u.Email, u.ImageURL)
	created, err := scanUser(row)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	*u = *created
	return nil
}

// Slots

func (r *PgRepository) LockCaregiverDay(ctx context.Context, caregiverID uuid.UUID, date time.Time) error {
	key := caregiverID.String() + ":" + date.Format(time.DateOnly)
	_, err := r.conn(ctx).Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, key)
	if err != nil {
		return fmt.Errorf("lock caregiver day: %w", err)
	}
	return nil
}

func (r *PgRepository) InsertSlots(ctx context.Context, slots []Slot) error {
	if len(slots) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for i := range slots {
		if slots[i].ID == uuid.Nil {
			slots[i].ID = uuid.New()
		}
		s := slots[i]
		batch.Queue(`
			INSERT INTO availability_slots (id, caregiver_id, slot_date, start_minute, end_minute, status, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, now(), now())
		`, s.ID, s.CaregiverID, s.Date, int(s.Start), int(s.End), s.Status)
	}

	br := r.conn(ctx).SendBatch(ctx, batch)
	defer br.Close()

	for range slots {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("insert slot: %w", err)
		}
	}
	return nil
}

func (r *PgRepository) GetSlotByID(ctx context.Context, id uuid.UUID) (*Slot, error) {
	row := r.conn(ctx).QueryRow(ctx, slotSelect+` WHERE s.id = $1`, id)
	return scanSlot(row)
}

func (r *PgRepository) ListSlotsForDay(ctx context.Context, caregiverID uuid.UUID, date time.Time) ([]Slot, error) {
	rows, err := r.conn(ctx).Query(ctx, slotSelect+`
		WHERE s.caregiver_id = $1 AND s.slot_date = $2
		ORDER BY s.start_minute
	`, caregiverID, date)
	if err != nil {
		return nil, fmt.Errorf("list slots for day: %w", err)
	}
	return collect(rows, scanSlot)
}

func (r *PgRepository) ListOpenSlots(ctx context.Context, caregiverID *uuid.UUID) ([]Slot, error) {
	rows, err := r.conn(ctx).Query(ctx, slotSelect+`
		WHERE s.status = 'open'
		  AND ($1::uuid IS NULL OR s.caregiver_id = $1)
		ORDER BY s.slot_date, s.start_minute, s.caregiver_id
	`, caregiverID)
	if err != nil {
		return nil, fmt.Errorf("list open slots: %w", err)
	}
	return collect(rows, scanSlot)
}

func (r *PgRepository) TransitionSlot(ctx context.Context, id uuid.UUID, from, to SlotStatus) (*Slot, error) {
	row := r.conn(ctx).QueryRow(ctx, slotReturning(`
		UPDATE availability_slots
		SET status = $2,
		    updated_at = now()
		WHERE id = $1
		  AND status = $3`), id, to, from)
	return scanSlot(row)
}

func (r *PgRepository) UpdateOpenSlotWindow(ctx context.Context, id uuid.UUID, w Window) (*Slot, error) {
	row := r.conn(ctx).QueryRow(ctx, slotReturning(`
		UPDATE availability_slots
		SET slot_date = $2,
		    start_minute = $3,
		    end_minute = $4,
		    updated_at = now()
		WHERE id = $1
		  AND status = 'open'`), id, w.Date, int(w.Start), int(w.End))
	return scanSlot(row)
}

func (r *PgRepository) DeleteOpenSlot(ctx context.Context, id uuid.UUID) (*Slot, error) {
	row := r.conn(ctx).QueryRow(ctx, slotReturning(`
		DELETE FROM availability_slots
		WHERE id = $1
		  AND status = 'open'`), id)
	return scanSlot(row)
}

func (r *PgRepository) DeleteOpenSlotsEndingBefore(ctx context.Context, t time.Time) (int64, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		DELETE FROM availability_slots
		WHERE status = 'open'
		  AND slot_date + make_interval(mins => end_minute) < $1::timestamp
	`, t.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete expired slots: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Appointments

func (r *PgRepository) InsertAppointment(ctx context.Context, a *Appointment) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	row := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO appointments (id, slot_id, caregiver_id, client_id, starts_at, ends_at, task,
			location, description, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now(), now())
		RETURNING `+appointmentCols,
		a.ID, a.SlotID, a.CaregiverID, a.ClientID, a.StartsAt, a.EndsAt, a.Task, a.Location, a.Description)
	created, err := scanAppointment(row)
	if err != nil {
		return fmt.Errorf("insert appointment: %w", err)
	}
	*a = *created
	return nil
}

func (r *PgRepository) GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.conn(ctx).QueryRow(ctx, `SELECT `+appointmentCols+` FROM appointments WHERE id = $1`, id)
	return scanAppointment(row)
}

func (r *PgRepository) ListAppointments(ctx context.Context, filter AppointmentFilter) ([]Appointment, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+appointmentCols+`
		FROM appointments
		WHERE ($1::uuid IS NULL OR caregiver_id = $1)
		  AND ($2::uuid IS NULL OR client_id = $2)
		ORDER BY starts_at, id
	`, filter.CaregiverID, filter.ClientID)
	if err != nil {
		return nil, fmt.Errorf("list appointments: %w", err)
	}
	return collect(rows, scanAppointment)
}

func (r *PgRepository) UpdateAppointment(ctx context.Context, a *Appointment) error {
	row := r.conn(ctx).QueryRow(ctx, `
		UPDATE appointments
		SET slot_id = $2,
		    caregiver_id = $3,
		    client_id = $4,
		    starts_at = $5,
		    ends_at = $6,
		    task = $7,
		    location = $8,
		    description = $9,
		    updated_at = now()
		WHERE id = $1
		RETURNING `+appointmentCols,
		a.ID, a.SlotID, a.CaregiverID, a.ClientID, a.StartsAt, a.EndsAt, a.Task, a.Location, a.Description)
	updated, err := scanAppointment(row)
	if err != nil {
		return err
	}
	*a = *updated
	return nil
}

func (r *PgRepository) DeleteAppointment(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM appointments WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete appointment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAppointmentNotFound
	}
	return nil
}

// Change requests

func (r *PgRepository) InsertChangeRequest(ctx context.Context, cr *ChangeRequest) error {
	if cr.ID == uuid.Nil {
		cr.ID = uuid.New()
	}
	row := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO change_requests (id, appointment_id, requested_by_user_id, requested_by_name,
			old_task, new_task, old_date_time, new_date_time, new_availability_id, status, requested_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING `+changeRequestCols,
		cr.ID, cr.AppointmentID, cr.RequestedByUserID, cr.RequestedByName,
		cr.OldTask, cr.NewTask, cr.OldDateTime, cr.NewDateTime, cr.NewAvailabilityID, cr.Status, cr.RequestedAt)
	created, err := scanChangeRequest(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation && pgErr.ConstraintName == onePendingConstraint {
			return ErrPendingChangeExists
		}
		return fmt.Errorf("insert change request: %w", err)
	}
	*cr = *created
	return nil
}

func (r *PgRepository) GetChangeRequestByID(ctx context.Context, id uuid.UUID) (*ChangeRequest, error) {
	row := r.conn(ctx).QueryRow(ctx, `SELECT `+changeRequestCols+` FROM change_requests WHERE id = $1`, id)
	return scanChangeRequest(row)
}

func (r *PgRepository) GetPendingChangeRequest(ctx context.Context, appointmentID uuid.UUID) (*ChangeRequest, error) {
	row := r.conn(ctx).QueryRow(ctx, `
		SELECT `+changeRequestCols+`
		FROM change_requests
		WHERE appointment_id = $1 AND status = 'pending'
	`, appointmentID)
	return scanChangeRequest(row)
}

func (r *PgRepository) ListPendingChangeRequestsForUser(ctx context.Context, userID uuid.UUID) ([]ChangeRequest, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT cr.id, cr.appointment_id, cr.requested_by_user_id, cr.requested_by_name,
		       cr.old_task, cr.new_task, cr.old_date_time, cr.new_date_time, cr.new_availability_id,
		       cr.status, cr.requested_at, cr.responded_at, cr.responded_by_user_id, cr.responded_by_name
		FROM change_requests cr
		JOIN appointments a ON a.id = cr.appointment_id
		WHERE cr.status = 'pending'
		  AND (a.caregiver_id = $1 OR a.client_id = $1)
		ORDER BY cr.requested_at, cr.id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list pending change requests: %w", err)
	}
	return collect(rows, scanChangeRequest)
}

func (r *PgRepository) ListChangeRequestsByAppointment(ctx context.Context, appointmentID uuid.UUID) ([]ChangeRequest, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+changeRequestCols+`
		FROM change_requests
		WHERE appointment_id = $1
		ORDER BY requested_at, id
	`, appointmentID)
	if err != nil {
		return nil, fmt.Errorf("list change requests: %w", err)
	}
	return collect(rows, scanChangeRequest)
}

func (r *PgRepository) ResolveChangeRequest(ctx context.Context, cr *ChangeRequest) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE change_requests
		SET status = $2,
		    responded_at = $3,
		    responded_by_user_id = $4,
		    responded_by_name = $5
		WHERE id = $1
		  AND status = 'pending'
	`, cr.ID, cr.Status, cr.RespondedAt, cr.RespondedByUserID, cr.RespondedByName)
	if err != nil {
		return fmt.Errorf("resolve change request: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidState
	}
	return nil
}

// Event logging

// InsertEvent runs in a savepoint when called inside a transaction, so a
// failed insert leaves the surrounding transaction usable.
func (r *PgRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	insert := func(q querier) error {
		_, err := q.Exec(ctx, `
			INSERT INTO event_logs (event_type, appointment_id, payload, created_at)
			VALUES ($1, $2, $3, COALESCE($4, now()))
		`, ev.EventType, ev.AppointmentID, ev.Payload, nullableTime(ev.CreatedAt))
		return err
	}

	var err error
	if tx, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		err = pgx.BeginFunc(ctx, tx, func(sp pgx.Tx) error { return insert(sp) })
	} else {
		err = insert(r.pool)
	}
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}
	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
