package scheduling

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/caregiver-scheduling/internal/config"
	redisclient "github.com/hackgods/caregiver-scheduling/internal/redis"
)

type fixture struct {
	svc  *Service
	repo *MemRepository

	caregiver  User
	caregiver2 User
	client     User
	client2    User
	admin      User
}

func newFixture(t *testing.T, policy string) *fixture {
	t.Helper()
	repo := NewMemRepository()
	cfg := config.Config{DefaultSlotLength: 60, SlotReleasePolicy: policy}
	f := &fixture{
		svc:  NewService(repo, redisclient.NewLocalLocker(), cfg, zerolog.Nop()),
		repo: repo,
	}

	ctx := context.Background()
	for _, u := range []*User{
		{Name: "Carla Caregiver", Role: RoleCaregiver},
		{Name: "Gus Caregiver", Role: RoleCaregiver},
		{Name: "Cleo Client", Role: RoleClient},
		{Name: "Dan Client", Role: RoleClient},
		{Name: "Ada Admin", Role: RoleAdmin},
	} {
		if err := repo.CreateUser(ctx, u); err != nil {
			t.Fatalf("create user: %v", err)
		}
		switch u.Name {
		case "Carla Caregiver":
			f.caregiver = *u
		case "Gus Caregiver":
			f.caregiver2 = *u
		case "Cleo Client":
			f.client = *u
		case "Dan Client":
			f.client2 = *u
		case "Ada Admin":
			f.admin = *u
		}
	}
	return f
}

func actorOf(u User) Actor {
	return Actor{UserID: u.ID, Role: u.Role, Name: u.Name}
}

func intPtr(n int) *int { return &n }

func taskPtr(t Task) *Task { return &t }

// createDay publishes an hourly window for the caregiver and returns the
// resulting open slots.
func (f *fixture) createDay(t *testing.T, caregiver User, date, start, end string) []Slot {
	t.Helper()
	res, err := f.svc.CreateAvailability(context.Background(), actorOf(caregiver), CreateAvailabilityInput{
		CaregiverID:       caregiver.ID,
		Window:            Window{Date: mustDate(t, date), Start: mustClock(t, start), End: mustClock(t, end)},
		SlotLengthMinutes: intPtr(60),
	})
	if err != nil {
		t.Fatalf("create availability: %v", err)
	}
	return res.Availabilities
}

func slotAt(t *testing.T, slots []Slot, start string) Slot {
	t.Helper()
	c := mustClock(t, start)
	for _, s := range slots {
		if s.Start == c {
			return s
		}
	}
	t.Fatalf("no slot starting at %s", start)
	return Slot{}
}

func hasSlotAt(slots []Slot, start Clock) bool {
	for _, s := range slots {
		if s.Start == start {
			return true
		}
	}
	return false
}

func (f *fixture) book(t *testing.T, client User, slot Slot, task Task) *AppointmentView {
	t.Helper()
	v, err := f.svc.CreateAppointment(context.Background(), actorOf(client), CreateAppointmentInput{
		SlotID:   slot.ID,
		ClientID: client.ID,
		Task:     task,
		Location: "12 Elm Street",
	})
	if err != nil {
		t.Fatalf("create appointment: %v", err)
	}
	return v
}

func (f *fixture) appointment(t *testing.T, id uuid.UUID) Appointment {
	t.Helper()
	a, err := f.repo.GetAppointmentByID(context.Background(), id)
	if err != nil {
		t.Fatalf("load appointment: %v", err)
	}
	return *a
}

func (f *fixture) openSlots(t *testing.T, caregiver User) []Slot {
	t.Helper()
	slots, err := f.svc.ListAvailability(context.Background(), caregiver.ID)
	if err != nil {
		t.Fatalf("list availability: %v", err)
	}
	return slots
}

// -- Slot Model --

func TestCreateAvailability_SlotCount(t *testing.T) {
	f := newFixture(t, config.ReleaseNever)
	res, err := f.svc.CreateAvailability(context.Background(), actorOf(f.caregiver), CreateAvailabilityInput{
		CaregiverID:       f.caregiver.ID,
		Window:            Window{Date: mustDate(t, "2025-11-11"), Start: mustClock(t, "09:00"), End: mustClock(t, "17:00")},
		SlotLengthMinutes: intPtr(60),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Count != 8 {
		t.Errorf("expected 8 created, got %d", res.Count)
	}
	if len(res.Availabilities) != 8 {
		t.Fatalf("expected 8 availabilities, got %d", len(res.Availabilities))
	}
	if res.Message != "8 availability slots created" {
		t.Errorf("unexpected message %q", res.Message)
	}
	for i, s := range res.Availabilities {
		if want := Clock(9*60 + i*60); s.Start != want {
			t.Errorf("slot %d: expected start %s, got %s", i, want, s.Start)
		}
		if s.CaregiverName != f.caregiver.Name {
			t.Errorf("expected caregiver name %q, got %q", f.caregiver.Name, s.CaregiverName)
		}
	}
}

func TestCreateAvailability_RepeatCreatesNothing(t *testing.T) {
	f := newFixture(t, config.ReleaseNever)
	first := f.createDay(t, f.caregiver, "2025-11-11", "09:00", "17:00")

	res, err := f.svc.CreateAvailability(context.Background(), actorOf(f.caregiver), CreateAvailabilityInput{
		CaregiverID:       f.caregiver.ID,
		Window:            Window{Date: mustDate(t, "2025-11-11"), Start: mustClock(t, "09:00"), End: mustClock(t, "17:00")},
		SlotLengthMinutes: intPtr(60),
	})
	if err != nil {
		t.Fatalf("expected soft conflict, got error: %v", err)
	}
	if res.Count != 0 {
		t.Errorf("expected 0 created, got %d", res.Count)
	}
	if res.Message != "no new slots created, may already exist" {
		t.Errorf("unexpected message %q", res.Message)
	}
	if len(res.Availabilities) != len(first) {
		t.Errorf("expected unchanged list of %d, got %d", len(first), len(res.Availabilities))
	}
}

func TestCreateAvailability_SkipsOverlappingCandidates(t *testing.T) {
	f := newFixture(t, config.ReleaseNever)
	f.createDay(t, f.caregiver, "2025-11-11", "09:00", "12:00")

	res, err := f.svc.CreateAvailability(context.Background(), actorOf(f.caregiver), CreateAvailabilityInput{
		CaregiverID:       f.caregiver.ID,
		Window:            Window{Date: mustDate(t, "2025-11-11"), Start: mustClock(t, "10:30"), End: mustClock(t, "14:30")},
		SlotLengthMinutes: intPtr(60),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// 10:30 and 11:30 overlap existing slots, 12:30 and 13:30 do not.
	if res.Count != 2 {
		t.Errorf("expected 2 created, got %d", res.Count)
	}
	if len(res.Availabilities) != 5 {
		t.Errorf("expected 5 availabilities, got %d", len(res.Availabilities))
	}
	for i := 1; i < len(res.Availabilities); i++ {
		if res.Availabilities[i-1].Window().Overlaps(res.Availabilities[i].Window()) {
			t.Errorf("slots %d and %d overlap", i-1, i)
		}
	}
}

func TestCreateAvailability_DefaultSlotLength(t *testing.T) {
	f := newFixture(t, config.ReleaseNever)
	res, err := f.svc.CreateAvailability(context.Background(), actorOf(f.caregiver), CreateAvailabilityInput{
		CaregiverID: f.caregiver.ID,
		Window:      Window{Date: mustDate(t, "2025-11-11"), Start: mustClock(t, "09:00"), End: mustClock(t, "12:00")},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Count != 3 {
		t.Errorf("expected 3 hourly slots, got %d", res.Count)
	}
}

func TestCreateAvailability_InvalidWindow(t *testing.T) {
	f := newFixture(t, config.ReleaseNever)
	date := mustDate(t, "2025-11-11")
	cases := []CreateAvailabilityInput{
		{CaregiverID: f.caregiver.ID, Window: Window{Date: date, Start: 600, End: 600}},
		{CaregiverID: f.caregiver.ID, Window: Window{Date: date, Start: 700, End: 600}},
		{CaregiverID: f.caregiver.ID, Window: Window{Date: date, Start: 540, End: 600}, SlotLengthMinutes: intPtr(0)},
		{CaregiverID: f.caregiver.ID, Window: Window{Date: date, Start: 540, End: 600}, SlotLengthMinutes: intPtr(-30)},
	}
	for i, in := range cases {
		if _, err := f.svc.CreateAvailability(context.Background(), actorOf(f.caregiver), in); !errors.Is(err, ErrInvalidWindow) {
			t.Errorf("case %d: expected ErrInvalidWindow, got %v", i, err)
		}
	}
}

func TestCreateAvailability_Authorization(t *testing.T) {
	f := newFixture(t, config.ReleaseNever)
	in := CreateAvailabilityInput{
		CaregiverID: f.caregiver.ID,
		Window:      Window{Date: mustDate(t, "2025-11-11"), Start: 540, End: 600},
	}

	for _, u := range []User{f.caregiver2, f.client} {
		if _, err := f.svc.CreateAvailability(context.Background(), actorOf(u), in); !errors.Is(err, ErrUnauthorized) {
			t.Errorf("%s: expected ErrUnauthorized, got %v", u.Name, err)
		}
	}

	if _, err := f.svc.CreateAvailability(context.Background(), actorOf(f.admin), in); err != nil {
		t.Errorf("admin: unexpected error: %v", err)
	}

	in.CaregiverID = uuid.New()
	if _, err := f.svc.CreateAvailability(context.Background(), actorOf(f.admin), in); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown caregiver, got %v", err)
	}
}

func TestUpdateAvailability(t *testing.T) {
	f := newFixture(t, config.ReleaseNever)
	slots := f.createDay(t, f.caregiver, "2025-11-11", "09:00", "12:00")
	nine := slotAt(t, slots, "09:00")

	res, err := f.svc.UpdateAvailability(context.Background(), actorOf(f.caregiver), nine.ID, UpdateAvailabilityInput{
		Start: mustClock(t, "18:00"),
		End:   mustClock(t, "19:00"),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Count != 1 || len(res.Availabilities) != 3 {
		t.Fatalf("expected 1 updated of 3, got %d of %d", res.Count, len(res.Availabilities))
	}
	moved := slotAt(t, res.Availabilities, "18:00")
	if moved.ID != nine.ID {
		t.Errorf("expected the same slot to move")
	}

	_, err = f.svc.UpdateAvailability(context.Background(), actorOf(f.caregiver), nine.ID, UpdateAvailabilityInput{
		Start: mustClock(t, "10:30"),
		End:   mustClock(t, "11:30"),
	})
	if !errors.Is(err, ErrConflict) {
		t.Errorf("expected ErrConflict for overlapping window, got %v", err)
	}

	_, err = f.svc.UpdateAvailability(context.Background(), actorOf(f.caregiver), nine.ID, UpdateAvailabilityInput{
		Start: mustClock(t, "19:00"),
		End:   mustClock(t, "18:00"),
	})
	if !errors.Is(err, ErrInvalidWindow) {
		t.Errorf("expected ErrInvalidWindow, got %v", err)
	}

	_, err = f.svc.UpdateAvailability(context.Background(), actorOf(f.caregiver2), nine.ID, UpdateAvailabilityInput{
		Start: mustClock(t, "20:00"),
		End:   mustClock(t, "21:00"),
	})
	if !errors.Is(err, ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}

	nextDay := mustDate(t, "2025-11-12")
	res, err = f.svc.UpdateAvailability(context.Background(), actorOf(f.caregiver), nine.ID, UpdateAvailabilityInput{
		Date:  &nextDay,
		Start: mustClock(t, "10:30"),
		End:   mustClock(t, "11:30"),
	})
	if err != nil {
		t.Fatalf("moving to another day: unexpected error: %v", err)
	}
	last := res.Availabilities[len(res.Availabilities)-1]
	if !last.Date.Equal(nextDay) || last.ID != nine.ID {
		t.Errorf("expected slot on %v, got %v", nextDay, last.Date)
	}
}

func TestUpdateAndDeleteAvailability_BookedSlotNotFound(t *testing.T) {
	f := newFixture(t, config.ReleaseNever)
	slots := f.createDay(t, f.caregiver, "2025-11-11", "09:00", "11:00")
	ten := slotAt(t, slots, "10:00")
	f.book(t, f.client, ten, TaskShopping)

	_, err := f.svc.UpdateAvailability(context.Background(), actorOf(f.caregiver), ten.ID, UpdateAvailabilityInput{
		Start: mustClock(t, "15:00"),
		End:   mustClock(t, "16:00"),
	})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("update: expected ErrNotFound, got %v", err)
	}
	if _, err := f.svc.DeleteAvailability(context.Background(), actorOf(f.caregiver), ten.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("delete: expected ErrNotFound, got %v", err)
	}
	if _, err := f.svc.DeleteAvailability(context.Background(), actorOf(f.caregiver), uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Errorf("delete missing: expected ErrNotFound, got %v", err)
	}
}

func TestDeleteAvailability(t *testing.T) {
	f := newFixture(t, config.ReleaseNever)
	slots := f.createDay(t, f.caregiver, "2025-11-11", "09:00", "12:00")

	res, err := f.svc.DeleteAvailability(context.Background(), actorOf(f.admin), slotAt(t, slots, "10:00").ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Availabilities) != 2 {
		t.Errorf("expected 2 remaining, got %d", len(res.Availabilities))
	}
	if hasSlotAt(res.Availabilities, 600) {
		t.Error("expected 10:00 slot to be gone")
	}
}

func TestListAvailability_Ordering(t *testing.T) {
	f := newFixture(t, config.ReleaseNever)
	f.createDay(t, f.caregiver, "2025-11-12", "09:00", "11:00")
	f.createDay(t, f.caregiver, "2025-11-11", "13:00", "15:00")
	f.createDay(t, f.caregiver2, "2025-11-11", "13:00", "14:00")

	mine := f.openSlots(t, f.caregiver)
	if len(mine) != 4 {
		t.Fatalf("expected 4 slots, got %d", len(mine))
	}
	for i := 1; i < len(mine); i++ {
		if mine[i].StartsAt().Before(mine[i-1].StartsAt()) {
			t.Errorf("slots out of order at %d", i)
		}
	}

	all, err := f.svc.ListAllAvailability(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(all) != 5 {
		t.Errorf("expected 5 slots across caregivers, got %d", len(all))
	}
	for _, s := range all {
		if s.CaregiverName == "" {
			t.Errorf("slot %s missing caregiver name", s.ID)
		}
	}

	if _, err := f.svc.ListAvailability(context.Background(), f.client.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for non-caregiver, got %v", err)
	}
}

func TestListCaregivers(t *testing.T) {
	f := newFixture(t, config.ReleaseNever)
	f.createDay(t, f.caregiver, "2025-11-11", "09:00", "11:00")

	list, err := f.svc.ListCaregivers(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 caregivers, got %d", len(list))
	}
	for _, c := range list {
		want := 0
		if c.Caregiver.ID == f.caregiver.ID {
			want = 2
		}
		if len(c.Availabilities) != want {
			t.Errorf("%s: expected %d slots, got %d", c.Caregiver.Name, want, len(c.Availabilities))
		}
	}
}

func TestPurgeExpiredSlots(t *testing.T) {
	f := newFixture(t, config.ReleaseNever)
	past := f.createDay(t, f.caregiver, "2020-01-01", "09:00", "12:00")
	f.book(t, f.client, slotAt(t, past, "09:00"), "")
	var future Slot
	for _, s := range f.createDay(t, f.caregiver, "2099-01-01", "09:00", "10:00") {
		if s.Date.Year() == 2099 {
			future = s
		}
	}

	n, err := f.svc.PurgeExpiredSlots(context.Background(), time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 purged, got %d", n)
	}

	open := f.openSlots(t, f.caregiver)
	if len(open) != 1 || open[0].ID != future.ID {
		t.Errorf("expected only the future slot to remain, got %d", len(open))
	}
	booked, err := f.repo.GetSlotByID(context.Background(), slotAt(t, past, "09:00").ID)
	if err != nil || booked.Status != SlotBooked {
		t.Errorf("expected booked slot to survive purge, got %v, %v", booked, err)
	}
}

// -- Appointment Ledger --

func TestCreateAppointment(t *testing.T) {
	f := newFixture(t, config.ReleaseNever)
	slots := f.createDay(t, f.caregiver, "2025-11-11", "09:00", "12:00")
	ten := slotAt(t, slots, "10:00")

	v := f.book(t, f.client, ten, TaskMealPreparation)
	if v.CaregiverID != f.caregiver.ID || v.ClientID != f.client.ID {
		t.Errorf("unexpected participants %s/%s", v.CaregiverID, v.ClientID)
	}
	if !v.StartsAt.Equal(ten.StartsAt()) || !v.EndsAt.Equal(ten.Window().EndsAt()) {
		t.Errorf("expected window of the slot, got %v-%v", v.StartsAt, v.EndsAt)
	}
	if v.Caregiver.Name != f.caregiver.Name || v.Client.Name != f.client.Name {
		t.Errorf("expected denormalized names, got %q/%q", v.Caregiver.Name, v.Client.Name)
	}
	if hasSlotAt(f.openSlots(t, f.caregiver), 600) {
		t.Error("expected booked slot to leave availability")
	}

	_, err := f.svc.CreateAppointment(context.Background(), actorOf(f.client2), CreateAppointmentInput{SlotID: ten.ID, ClientID: f.client2.ID})
	if !errors.Is(err, ErrSlotUnavailable) {
		t.Errorf("expected ErrSlotUnavailable for booked slot, got %v", err)
	}
	_, err = f.svc.CreateAppointment(context.Background(), actorOf(f.client2), CreateAppointmentInput{SlotID: uuid.New(), ClientID: f.client2.ID})
	if !errors.Is(err, ErrSlotUnavailable) {
		t.Errorf("expected ErrSlotUnavailable for missing slot, got %v", err)
	}
}

func TestCreateAppointment_Validation(t *testing.T) {
	f := newFixture(t, config.ReleaseNever)
	slots := f.createDay(t, f.caregiver, "2025-11-11", "09:00", "10:00")
	nine := slotAt(t, slots, "09:00")

	tests := []struct {
		name  string
		actor Actor
		in    CreateAppointmentInput
		want  error
	}{
		{"client for another client", actorOf(f.client), CreateAppointmentInput{SlotID: nine.ID, ClientID: f.client2.ID}, ErrUnauthorized},
		{"caregiver booking", actorOf(f.caregiver), CreateAppointmentInput{SlotID: nine.ID, ClientID: f.client.ID}, ErrUnauthorized},
		{"unknown client", actorOf(f.admin), CreateAppointmentInput{SlotID: nine.ID, ClientID: uuid.New()}, ErrNotFound},
		{"caregiver as client", actorOf(f.admin), CreateAppointmentInput{SlotID: nine.ID, ClientID: f.caregiver.ID}, ErrNotFound},
		{"unknown task", actorOf(f.client), CreateAppointmentInput{SlotID: nine.ID, ClientID: f.client.ID, Task: "Gardening"}, ErrInvalidTask},
	}
	for _, tt := range tests {
		if _, err := f.svc.CreateAppointment(context.Background(), tt.actor, tt.in); !errors.Is(err, tt.want) {
			t.Errorf("%s: expected %v, got %v", tt.name, tt.want, err)
		}
	}

	if _, err := f.svc.CreateAppointment(context.Background(), actorOf(f.admin), CreateAppointmentInput{SlotID: nine.ID, ClientID: f.client.ID}); err != nil {
		t.Errorf("admin booking on behalf of client: unexpected error: %v", err)
	}
}

func TestCreateAppointment_ConcurrentBookingsOneWinner(t *testing.T) {
	f := newFixture(t, config.ReleaseNever)
	slots := f.createDay(t, f.caregiver, "2025-11-11", "10:00", "11:00")
	slot := slots[0]

	const n = 25
	var (
		wg          sync.WaitGroup
		successes   atomic.Int32
		unavailable atomic.Int32
		start       = make(chan struct{})
	)
	for i := 0; i < n; i++ {
		client := f.client
		if i%2 == 1 {
			client = f.client2
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := f.svc.CreateAppointment(context.Background(), actorOf(client), CreateAppointmentInput{
				SlotID:   slot.ID,
				ClientID: client.ID,
			})
			switch {
			case err == nil:
				successes.Add(1)
			case errors.Is(err, ErrSlotUnavailable):
				unavailable.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if successes.Load() != 1 {
		t.Errorf("expected exactly 1 booking, got %d", successes.Load())
	}
	if unavailable.Load() != n-1 {
		t.Errorf("expected %d ErrSlotUnavailable, got %d", n-1, unavailable.Load())
	}

	appts, err := f.repo.ListAppointments(context.Background(), AppointmentFilter{})
	if err != nil {
		t.Fatalf("list appointments: %v", err)
	}
	if len(appts) != 1 {
		t.Errorf("expected 1 stored appointment, got %d", len(appts))
	}
}

func TestListAppointments_ByRole(t *testing.T) {
	f := newFixture(t, config.ReleaseNever)
	a := f.createDay(t, f.caregiver, "2025-11-11", "09:00", "11:00")
	b := f.createDay(t, f.caregiver2, "2025-11-11", "09:00", "10:00")
	f.book(t, f.client, slotAt(t, a, "10:00"), "")
	f.book(t, f.client, slotAt(t, b, "09:00"), "")
	f.book(t, f.client2, slotAt(t, a, "09:00"), "")

	tests := []struct {
		user User
		want int
	}{
		{f.caregiver, 2},
		{f.caregiver2, 1},
		{f.client, 2},
		{f.client2, 1},
		{f.admin, 3},
	}
	for _, tt := range tests {
		got, err := f.svc.ListAppointments(context.Background(), actorOf(tt.user))
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", tt.user.Name, err)
		}
		if len(got) != tt.want {
			t.Errorf("%s: expected %d appointments, got %d", tt.user.Name, tt.want, len(got))
		}
		for i := 1; i < len(got); i++ {
			if got[i].StartsAt.Before(got[i-1].StartsAt) {
				t.Errorf("%s: appointments out of order", tt.user.Name)
			}
		}
	}
}

func TestGetAppointment_Authorization(t *testing.T) {
	f := newFixture(t, config.ReleaseNever)
	slots := f.createDay(t, f.caregiver, "2025-11-11", "09:00", "10:00")
	v := f.book(t, f.client, slots[0], "")

	for _, u := range []User{f.caregiver, f.client, f.admin} {
		if _, err := f.svc.GetAppointment(context.Background(), actorOf(u), v.ID); err != nil {
			t.Errorf("%s: unexpected error: %v", u.Name, err)
		}
	}
	for _, u := range []User{f.caregiver2, f.client2} {
		if _, err := f.svc.GetAppointment(context.Background(), actorOf(u), v.ID); !errors.Is(err, ErrUnauthorized) {
			t.Errorf("%s: expected ErrUnauthorized, got %v", u.Name, err)
		}
	}
	if _, err := f.svc.GetAppointment(context.Background(), actorOf(f.admin), uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteAppointment(t *testing.T) {
	f := newFixture(t, config.ReleaseNever)
	slots := f.createDay(t, f.caregiver, "2025-11-11", "09:00", "12:00")
	v := f.book(t, f.client, slotAt(t, slots, "09:00"), "")

	if err := f.svc.DeleteAppointment(context.Background(), actorOf(f.client), v.ID); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("client: expected ErrUnauthorized, got %v", err)
	}
	if err := f.svc.DeleteAppointment(context.Background(), actorOf(f.caregiver2), v.ID); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("other caregiver: expected ErrUnauthorized, got %v", err)
	}
	if err := f.svc.DeleteAppointment(context.Background(), actorOf(f.caregiver), v.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := f.repo.GetAppointmentByID(context.Background(), v.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected appointment gone, got %v", err)
	}
	if hasSlotAt(f.openSlots(t, f.caregiver), 540) {
		t.Error("expected consumed slot to stay consumed under the never policy")
	}
	if err := f.svc.DeleteAppointment(context.Background(), actorOf(f.admin), v.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestDeleteAppointment_CancelsPendingRequest(t *testing.T) {
	f := newFixture(t, config.ReleaseNever)
	slots := f.createDay(t, f.caregiver, "2025-11-11", "09:00", "12:00")
	v := f.book(t, f.client, slotAt(t, slots, "09:00"), "")
	eleven := slotAt(t, slots, "11:00")

	cr, err := f.svc.CreateChangeRequest(context.Background(), actorOf(f.client), CreateChangeRequestInput{
		AppointmentID:     v.ID,
		NewAvailabilityID: &eleven.ID,
	})
	if err != nil {
		t.Fatalf("create change request: %v", err)
	}

	if err := f.svc.DeleteAppointment(context.Background(), actorOf(f.admin), v.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := f.repo.GetChangeRequestByID(context.Background(), cr.ID)
	if err != nil {
		t.Fatalf("load change request: %v", err)
	}
	if got.Status != ChangeCancelled {
		t.Errorf("expected cancelled, got %s", got.Status)
	}
	if !hasSlotAt(f.openSlots(t, f.caregiver), eleven.Start) {
		t.Error("expected held slot to reopen")
	}
}

func TestUpdateAppointment_AdminOnly(t *testing.T) {
	f := newFixture(t, config.ReleaseNever)
	slots := f.createDay(t, f.caregiver, "2025-11-11", "09:00", "10:00")
	v := f.book(t, f.client, slots[0], TaskShopping)

	loc := "Care home, room 4"
	for _, u := range []User{f.caregiver, f.client} {
		_, err := f.svc.UpdateAppointment(context.Background(), actorOf(u), v.ID, UpdateAppointmentInput{Location: &loc})
		if !errors.Is(err, ErrUnauthorized) {
			t.Errorf("%s: expected ErrUnauthorized, got %v", u.Name, err)
		}
	}

	newStart := time.Date(2025, 11, 12, 14, 0, 0, 0, time.UTC)
	got, err := f.svc.UpdateAppointment(context.Background(), actorOf(f.admin), v.ID, UpdateAppointmentInput{
		Location: &loc,
		StartsAt: &newStart,
		ClientID: &f.client2.ID,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Location != loc || got.ClientID != f.client2.ID || got.Task != TaskShopping {
		t.Errorf("unexpected appointment after update: %+v", got.Appointment)
	}
	if !got.StartsAt.Equal(newStart) || got.EndsAt.Sub(got.StartsAt) != time.Hour {
		t.Errorf("expected 14:00 start with 1h duration, got %v-%v", got.StartsAt, got.EndsAt)
	}

	_, err = f.svc.UpdateAppointment(context.Background(), actorOf(f.admin), v.ID, UpdateAppointmentInput{CaregiverID: &f.client.ID})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for client as caregiver, got %v", err)
	}
	_, err = f.svc.UpdateAppointment(context.Background(), actorOf(f.admin), uuid.New(), UpdateAppointmentInput{Location: &loc})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for missing appointment, got %v", err)
	}
}

// -- Change Request Engine --

func TestCreateChangeRequest_OnePending(t *testing.T) {
	f := newFixture(t, config.ReleaseNever)
	slots := f.createDay(t, f.caregiver, "2025-11-11", "09:00", "12:00")
	v := f.book(t, f.client, slotAt(t, slots, "09:00"), TaskShopping)

	cr, err := f.svc.CreateChangeRequest(context.Background(), actorOf(f.client), CreateChangeRequestInput{
		AppointmentID: v.ID,
		NewTask:       taskPtr(TaskCompanionship),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cr.Status != ChangePending || cr.OldTask != TaskShopping || !cr.OldDateTime.Equal(v.StartsAt) {
		t.Errorf("unexpected snapshot: %+v", cr)
	}
	if cr.RequestedByName != f.client.Name {
		t.Errorf("expected requester name %q, got %q", f.client.Name, cr.RequestedByName)
	}

	_, err = f.svc.CreateChangeRequest(context.Background(), actorOf(f.caregiver), CreateChangeRequestInput{
		AppointmentID: v.ID,
		NewTask:       taskPtr(TaskTransportation),
	})
	if !errors.Is(err, ErrConflict) {
		t.Errorf("expected ErrConflict for second pending request, got %v", err)
	}
}

func TestCreateChangeRequest_Validation(t *testing.T) {
	f := newFixture(t, config.ReleaseNever)
	slots := f.createDay(t, f.caregiver, "2025-11-11", "09:00", "12:00")
	other := f.createDay(t, f.caregiver2, "2025-11-11", "09:00", "10:00")
	v := f.book(t, f.client, slotAt(t, slots, "09:00"), "")
	booked := slotAt(t, slots, "10:00")
	f.book(t, f.client2, booked, "")
	missing := uuid.New()

	tests := []struct {
		name  string
		actor Actor
		in    CreateChangeRequestInput
		want  error
	}{
		{"empty change", actorOf(f.client), CreateChangeRequestInput{AppointmentID: v.ID}, ErrEmptyChange},
		{"unknown task", actorOf(f.client), CreateChangeRequestInput{AppointmentID: v.ID, NewTask: taskPtr("Gardening")}, ErrInvalidTask},
		{"missing appointment", actorOf(f.client), CreateChangeRequestInput{AppointmentID: uuid.New(), NewTask: taskPtr(TaskShopping)}, ErrNotFound},
		{"admin", actorOf(f.admin), CreateChangeRequestInput{AppointmentID: v.ID, NewTask: taskPtr(TaskShopping)}, ErrUnauthorized},
		{"outsider", actorOf(f.client2), CreateChangeRequestInput{AppointmentID: v.ID, NewTask: taskPtr(TaskShopping)}, ErrUnauthorized},
		{"missing slot", actorOf(f.client), CreateChangeRequestInput{AppointmentID: v.ID, NewAvailabilityID: &missing}, ErrInvalidSlot},
		{"other caregiver's slot", actorOf(f.client), CreateChangeRequestInput{AppointmentID: v.ID, NewAvailabilityID: &other[0].ID}, ErrInvalidSlot},
		{"booked slot", actorOf(f.client), CreateChangeRequestInput{AppointmentID: v.ID, NewAvailabilityID: &booked.ID}, ErrInvalidSlot},
	}
	for _, tt := range tests {
		if _, err := f.svc.CreateChangeRequest(context.Background(), tt.actor, tt.in); !errors.Is(err, tt.want) {
			t.Errorf("%s: expected %v, got %v", tt.name, tt.want, err)
		}
	}

	// failed attempts leave nothing pending
	if _, err := f.repo.GetPendingChangeRequest(context.Background(), v.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected no pending request, got %v", err)
	}
}

func TestCreateChangeRequest_HoldsProposedSlot(t *testing.T) {
	f := newFixture(t, config.ReleaseNever)
	slots := f.createDay(t, f.caregiver, "2025-11-11", "09:00", "12:00")
	v := f.book(t, f.client, slotAt(t, slots, "09:00"), "")
	eleven := slotAt(t, slots, "11:00")

	cr, err := f.svc.CreateChangeRequest(context.Background(), actorOf(f.caregiver), CreateChangeRequestInput{
		AppointmentID:     v.ID,
		NewAvailabilityID: &eleven.ID,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cr.NewDateTime == nil || !cr.NewDateTime.Equal(eleven.StartsAt()) {
		t.Errorf("expected new date time %v, got %v", eleven.StartsAt(), cr.NewDateTime)
	}
	if hasSlotAt(f.openSlots(t, f.caregiver), eleven.Start) {
		t.Error("expected proposed slot to be withheld from availability")
	}
	_, err = f.svc.CreateAppointment(context.Background(), actorOf(f.client2), CreateAppointmentInput{SlotID: eleven.ID, ClientID: f.client2.ID})
	if !errors.Is(err, ErrSlotUnavailable) {
		t.Errorf("expected held slot to be unbookable, got %v", err)
	}
}

func TestCreateChangeRequest_ConcurrentFirstWriterWins(t *testing.T) {
	f := newFixture(t, config.ReleaseNever)
	slots := f.createDay(t, f.caregiver, "2025-11-11", "09:00", "10:00")
	v := f.book(t, f.client, slots[0], "")

	const n = 20
	var (
		wg        sync.WaitGroup
		successes atomic.Int32
		conflicts atomic.Int32
		start     = make(chan struct{})
	)
	for i := 0; i < n; i++ {
		requester := f.client
		if i%2 == 1 {
			requester = f.caregiver
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := f.svc.CreateChangeRequest(context.Background(), actorOf(requester), CreateChangeRequestInput{
				AppointmentID: v.ID,
				NewTask:       taskPtr(TaskCompanionship),
			})
			switch {
			case err == nil:
				successes.Add(1)
			case errors.Is(err, ErrConflict):
				conflicts.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if successes.Load() != 1 || conflicts.Load() != n-1 {
		t.Errorf("expected 1 success and %d conflicts, got %d and %d", n-1, successes.Load(), conflicts.Load())
	}
}

func TestApprove_AppliesOnlySetFields(t *testing.T) {
	t.Run("task only", func(t *testing.T) {
		f := newFixture(t, config.ReleaseNever)
		slots := f.createDay(t, f.caregiver, "2025-11-11", "09:00", "12:00")
		v := f.book(t, f.client, slotAt(t, slots, "09:00"), TaskShopping)
		before := f.appointment(t, v.ID)

		cr, err := f.svc.CreateChangeRequest(context.Background(), actorOf(f.client), CreateChangeRequestInput{
			AppointmentID: v.ID,
			NewTask:       taskPtr(TaskCompanionship),
		})
		if err != nil {
			t.Fatalf("create change request: %v", err)
		}
		approved, err := f.svc.ApproveChangeRequest(context.Background(), actorOf(f.caregiver), cr.ID)
		if err != nil {
			t.Fatalf("approve: %v", err)
		}
		if approved.Status != ChangeApproved || approved.RespondedAt == nil ||
			approved.RespondedByUserID == nil || *approved.RespondedByUserID != f.caregiver.ID ||
			approved.RespondedByName == nil || *approved.RespondedByName != f.caregiver.Name {
			t.Errorf("expected approval stamps, got %+v", approved)
		}

		after := f.appointment(t, v.ID)
		if after.Task != TaskCompanionship {
			t.Errorf("expected task %s, got %s", TaskCompanionship, after.Task)
		}
		if after.SlotID != before.SlotID || !after.StartsAt.Equal(before.StartsAt) || !after.EndsAt.Equal(before.EndsAt) {
			t.Error("expected time to stay unchanged")
		}
		if after.Location != before.Location || after.Description != before.Description {
			t.Error("expected untouched fields to stay unchanged")
		}
	})

	t.Run("time only", func(t *testing.T) {
		f := newFixture(t, config.ReleaseNever)
		slots := f.createDay(t, f.caregiver, "2025-11-11", "09:00", "12:00")
		v := f.book(t, f.client, slotAt(t, slots, "09:00"), TaskShopping)
		eleven := slotAt(t, slots, "11:00")

		cr, err := f.svc.CreateChangeRequest(context.Background(), actorOf(f.caregiver), CreateChangeRequestInput{
			AppointmentID:     v.ID,
			NewAvailabilityID: &eleven.ID,
		})
		if err != nil {
			t.Fatalf("create change request: %v", err)
		}
		if _, err := f.svc.ApproveChangeRequest(context.Background(), actorOf(f.client), cr.ID); err != nil {
			t.Fatalf("approve: %v", err)
		}

		after := f.appointment(t, v.ID)
		if after.Task != TaskShopping {
			t.Errorf("expected task unchanged, got %s", after.Task)
		}
		if after.SlotID != eleven.ID || !after.StartsAt.Equal(eleven.StartsAt()) {
			t.Errorf("expected appointment at 11:00, got %v", after.StartsAt)
		}
		slot, err := f.repo.GetSlotByID(context.Background(), eleven.ID)
		if err != nil || slot.Status != SlotBooked {
			t.Errorf("expected proposed slot booked, got %v, %v", slot, err)
		}
	})
}

func TestRejectAndCancel_LeaveAppointmentIdentical(t *testing.T) {
	tests := []struct {
		name      string
		requester func(f *fixture) User
		responder func(f *fixture) User
		act       func(s *Service, ctx context.Context, a Actor, id uuid.UUID) (*ChangeRequest, error)
		want      ChangeRequestStatus
	}{
		{
			name:      "reject",
			requester: func(f *fixture) User { return f.client },
			responder: func(f *fixture) User { return f.caregiver },
			act:       (*Service).RejectChangeRequest,
			want:      ChangeRejected,
		},
		{
			name:      "cancel",
			requester: func(f *fixture) User { return f.caregiver },
			responder: func(f *fixture) User { return f.caregiver },
			act:       (*Service).CancelChangeRequest,
			want:      ChangeCancelled,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, config.ReleaseNever)
			slots := f.createDay(t, f.caregiver, "2025-11-11", "09:00", "12:00")
			v := f.book(t, f.client, slotAt(t, slots, "09:00"), TaskShopping)
			eleven := slotAt(t, slots, "11:00")
			before := f.appointment(t, v.ID)

			cr, err := f.svc.CreateChangeRequest(context.Background(), actorOf(tt.requester(f)), CreateChangeRequestInput{
				AppointmentID:     v.ID,
				NewTask:           taskPtr(TaskCompanionship),
				NewAvailabilityID: &eleven.ID,
			})
			if err != nil {
				t.Fatalf("create change request: %v", err)
			}

			got, err := tt.act(f.svc, context.Background(), actorOf(tt.responder(f)), cr.ID)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.Status != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got.Status)
			}

			if after := f.appointment(t, v.ID); after != before {
				t.Errorf("expected appointment unchanged:\nbefore %+v\nafter  %+v", before, after)
			}
			if !hasSlotAt(f.openSlots(t, f.caregiver), eleven.Start) {
				t.Error("expected proposed slot back in the pool")
			}
		})
	}
}

func TestTransitions_Authorization(t *testing.T) {
	f := newFixture(t, config.ReleaseNever)
	slots := f.createDay(t, f.caregiver, "2025-11-11", "09:00", "10:00")
	v := f.book(t, f.client, slots[0], "")
	cr, err := f.svc.CreateChangeRequest(context.Background(), actorOf(f.client), CreateChangeRequestInput{
		AppointmentID: v.ID,
		NewTask:       taskPtr(TaskCompanionship),
	})
	if err != nil {
		t.Fatalf("create change request: %v", err)
	}

	tests := []struct {
		name  string
		actor User
		act   func(s *Service, ctx context.Context, a Actor, id uuid.UUID) (*ChangeRequest, error)
	}{
		{"requester approves", f.client, (*Service).ApproveChangeRequest},
		{"requester rejects", f.client, (*Service).RejectChangeRequest},
		{"counterparty cancels", f.caregiver, (*Service).CancelChangeRequest},
		{"admin approves", f.admin, (*Service).ApproveChangeRequest},
		{"admin cancels", f.admin, (*Service).CancelChangeRequest},
		{"outsider rejects", f.client2, (*Service).RejectChangeRequest},
	}
	for _, tt := range tests {
		if _, err := tt.act(f.svc, context.Background(), actorOf(tt.actor), cr.ID); !errors.Is(err, ErrUnauthorized) {
			t.Errorf("%s: expected ErrUnauthorized, got %v", tt.name, err)
		}
	}

	got, err := f.repo.GetChangeRequestByID(context.Background(), cr.ID)
	if err != nil || got.Status != ChangePending {
		t.Errorf("expected request still pending, got %v, %v", got, err)
	}
}

func TestTransitions_TerminalIsInvalidState(t *testing.T) {
	f := newFixture(t, config.ReleaseNever)
	slots := f.createDay(t, f.caregiver, "2025-11-11", "09:00", "11:00")
	v := f.book(t, f.client, slotAt(t, slots, "09:00"), TaskShopping)
	ten := slotAt(t, slots, "10:00")

	cr, err := f.svc.CreateChangeRequest(context.Background(), actorOf(f.client), CreateChangeRequestInput{
		AppointmentID:     v.ID,
		NewAvailabilityID: &ten.ID,
	})
	if err != nil {
		t.Fatalf("create change request: %v", err)
	}
	if _, err := f.svc.ApproveChangeRequest(context.Background(), actorOf(f.caregiver), cr.ID); err != nil {
		t.Fatalf("approve: %v", err)
	}
	snapshot := f.appointment(t, v.ID)
	eventsBefore := len(f.repo.Events())

	if _, err := f.svc.ApproveChangeRequest(context.Background(), actorOf(f.caregiver), cr.ID); !errors.Is(err, ErrInvalidState) {
		t.Errorf("second approve: expected ErrInvalidState, got %v", err)
	}
	if _, err := f.svc.RejectChangeRequest(context.Background(), actorOf(f.caregiver), cr.ID); !errors.Is(err, ErrInvalidState) {
		t.Errorf("reject after approve: expected ErrInvalidState, got %v", err)
	}
	if _, err := f.svc.CancelChangeRequest(context.Background(), actorOf(f.client), cr.ID); !errors.Is(err, ErrInvalidState) {
		t.Errorf("cancel after approve: expected ErrInvalidState, got %v", err)
	}
	if _, err := f.svc.ApproveChangeRequest(context.Background(), actorOf(f.caregiver), uuid.New()); !errors.Is(err, ErrInvalidState) {
		t.Errorf("missing request: expected ErrInvalidState, got %v", err)
	}

	if after := f.appointment(t, v.ID); after != snapshot {
		t.Error("expected no further mutation of the appointment")
	}
	if got := len(f.repo.Events()); got != eventsBefore {
		t.Errorf("expected no new events, got %d more", got-eventsBefore)
	}

	// a new request may be raised once the previous one is terminal
	if _, err := f.svc.CreateChangeRequest(context.Background(), actorOf(f.caregiver), CreateChangeRequestInput{
		AppointmentID: v.ID,
		NewTask:       taskPtr(TaskCompanionship),
	}); err != nil {
		t.Errorf("expected new request after resolution, got %v", err)
	}
}

func TestTransitions_SucceedWhileAppointmentLocked(t *testing.T) {
	for _, tc := range []struct {
		name string
		run  func(f *fixture, id uuid.UUID) (*ChangeRequest, error)
		want ChangeRequestStatus
	}{
		{"cancel", func(f *fixture, id uuid.UUID) (*ChangeRequest, error) {
			return f.svc.CancelChangeRequest(context.Background(), actorOf(f.client), id)
		}, ChangeCancelled},
		{"reject", func(f *fixture, id uuid.UUID) (*ChangeRequest, error) {
			return f.svc.RejectChangeRequest(context.Background(), actorOf(f.caregiver), id)
		}, ChangeRejected},
		{"approve", func(f *fixture, id uuid.UUID) (*ChangeRequest, error) {
			return f.svc.ApproveChangeRequest(context.Background(), actorOf(f.caregiver), id)
		}, ChangeApproved},
	} {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, config.ReleaseNever)
			slots := f.createDay(t, f.caregiver, "2025-11-11", "09:00", "11:00")
			v := f.book(t, f.client, slotAt(t, slots, "09:00"), TaskShopping)
			ten := slotAt(t, slots, "10:00")
			cr, err := f.svc.CreateChangeRequest(context.Background(), actorOf(f.client), CreateChangeRequestInput{
				AppointmentID:     v.ID,
				NewAvailabilityID: &ten.ID,
			})
			if err != nil {
				t.Fatalf("create change request: %v", err)
			}

			// another operation on the appointment is in flight
			err = f.svc.locker.WithLock(context.Background(), redisclient.AppointmentKey(v.ID), func(context.Context) error {
				got, err := tc.run(f, cr.ID)
				if err != nil {
					return err
				}
				if got.Status != tc.want {
					t.Errorf("expected %s, got %s", tc.want, got.Status)
				}
				return nil
			})
			if err != nil {
				t.Errorf("expected transition to succeed, got %v", err)
			}
		})
	}
}

func TestApproveAndCancel_RaceOneWinner(t *testing.T) {
	for i := 0; i < 20; i++ {
		f := newFixture(t, config.ReleaseNever)
		slots := f.createDay(t, f.caregiver, "2025-11-11", "09:00", "11:00")
		v := f.book(t, f.client, slotAt(t, slots, "09:00"), TaskShopping)
		ten := slotAt(t, slots, "10:00")
		cr, err := f.svc.CreateChangeRequest(context.Background(), actorOf(f.client), CreateChangeRequestInput{
			AppointmentID:     v.ID,
			NewAvailabilityID: &ten.ID,
		})
		if err != nil {
			t.Fatalf("create change request: %v", err)
		}

		var (
			wg                    sync.WaitGroup
			approveErr, cancelErr error
			start                 = make(chan struct{})
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			<-start
			_, approveErr = f.svc.ApproveChangeRequest(context.Background(), actorOf(f.caregiver), cr.ID)
		}()
		go func() {
			defer wg.Done()
			<-start
			_, cancelErr = f.svc.CancelChangeRequest(context.Background(), actorOf(f.client), cr.ID)
		}()
		close(start)
		wg.Wait()

		switch {
		case approveErr == nil && errors.Is(cancelErr, ErrInvalidState):
			if got := f.appointment(t, v.ID); got.SlotID != ten.ID {
				t.Errorf("expected appointment moved to the proposed slot")
			}
		case cancelErr == nil && errors.Is(approveErr, ErrInvalidState):
			if got := f.appointment(t, v.ID); got.SlotID == ten.ID {
				t.Errorf("expected appointment untouched after cancel")
			}
			if !hasSlotAt(f.openSlots(t, f.caregiver), ten.Start) {
				t.Errorf("expected proposed slot reopened after cancel")
			}
		default:
			t.Fatalf("expected one winner and ErrInvalidState for the other, got approve=%v cancel=%v", approveErr, cancelErr)
		}
	}
}


func TestListIncomingOutgoing(t *testing.T) {
	f := newFixture(t, config.ReleaseNever)
	slots := f.createDay(t, f.caregiver, "2025-11-11", "09:00", "11:00")
	a := f.book(t, f.client, slotAt(t, slots, "09:00"), "")
	b := f.book(t, f.client, slotAt(t, slots, "10:00"), "")

	fromClient, err := f.svc.CreateChangeRequest(context.Background(), actorOf(f.client), CreateChangeRequestInput{AppointmentID: a.ID, NewTask: taskPtr(TaskShopping)})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	fromCaregiver, err := f.svc.CreateChangeRequest(context.Background(), actorOf(f.caregiver), CreateChangeRequestInput{AppointmentID: b.ID, NewTask: taskPtr(TaskShopping)})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	tests := []struct {
		name string
		list func(context.Context, Actor) ([]ChangeRequest, error)
		user User
		want uuid.UUID
	}{
		{"client incoming", f.svc.ListIncomingChangeRequests, f.client, fromCaregiver.ID},
		{"client outgoing", f.svc.ListOutgoingChangeRequests, f.client, fromClient.ID},
		{"caregiver incoming", f.svc.ListIncomingChangeRequests, f.caregiver, fromClient.ID},
		{"caregiver outgoing", f.svc.ListOutgoingChangeRequests, f.caregiver, fromCaregiver.ID},
	}
	for _, tt := range tests {
		got, err := tt.list(context.Background(), actorOf(tt.user))
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", tt.name, err)
		}
		if len(got) != 1 || got[0].ID != tt.want {
			t.Errorf("%s: expected [%s], got %d entries", tt.name, tt.want, len(got))
		}
	}

	none, err := f.svc.ListIncomingChangeRequests(context.Background(), actorOf(f.client2))
	if err != nil || len(none) != 0 {
		t.Errorf("expected nothing for an outsider, got %d, %v", len(none), err)
	}

	history, err := f.svc.ListChangeRequests(context.Background(), actorOf(f.admin), a.ID)
	if err != nil || len(history) != 1 {
		t.Errorf("expected 1 request in history, got %d, %v", len(history), err)
	}
	if _, err := f.svc.ListChangeRequests(context.Background(), actorOf(f.client2), a.ID); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}
}

func TestAppointmentView_PerspectiveSplit(t *testing.T) {
	f := newFixture(t, config.ReleaseNever)
	slots := f.createDay(t, f.caregiver, "2025-11-11", "09:00", "10:00")
	v := f.book(t, f.client, slots[0], "")
	cr, err := f.svc.CreateChangeRequest(context.Background(), actorOf(f.client), CreateChangeRequestInput{AppointmentID: v.ID, NewTask: taskPtr(TaskShopping)})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	mine, err := f.svc.GetAppointment(context.Background(), actorOf(f.client), v.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if mine.PendingRequest == nil || mine.PendingRequest.ID != cr.ID || mine.IsPending != nil {
		t.Errorf("requester should see pendingRequest only, got %+v / %+v", mine.PendingRequest, mine.IsPending)
	}

	theirs, err := f.svc.GetAppointment(context.Background(), actorOf(f.caregiver), v.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if theirs.IsPending == nil || theirs.IsPending.ID != cr.ID || theirs.PendingRequest != nil {
		t.Errorf("counterparty should see isPending only, got %+v / %+v", theirs.PendingRequest, theirs.IsPending)
	}
}

// -- Scenarios --

func TestScenario_BookThenMoveWithApproval(t *testing.T) {
	f := newFixture(t, config.ReleaseNever)
	ctx := context.Background()

	slots := f.createDay(t, f.caregiver, "2025-11-11", "09:00", "17:00")
	if len(slots) != 8 {
		t.Fatalf("expected 8 slots, got %d", len(slots))
	}

	ten := slotAt(t, slots, "10:00")
	v := f.book(t, f.client, ten, TaskCompanionship)
	if hasSlotAt(f.openSlots(t, f.caregiver), ten.Start) {
		t.Fatal("expected 10:00 absent from availability")
	}

	two := slotAt(t, slots, "14:00")
	cr, err := f.svc.CreateChangeRequest(ctx, actorOf(f.client), CreateChangeRequestInput{
		AppointmentID:     v.ID,
		NewAvailabilityID: &two.ID,
	})
	if err != nil {
		t.Fatalf("request change: %v", err)
	}
	if _, err := f.svc.ApproveChangeRequest(ctx, actorOf(f.caregiver), cr.ID); err != nil {
		t.Fatalf("approve: %v", err)
	}

	got, err := f.svc.GetAppointment(ctx, actorOf(f.client), v.ID)
	if err != nil {
		t.Fatalf("get appointment: %v", err)
	}
	if !got.StartsAt.Equal(two.StartsAt()) || !got.EndsAt.Equal(two.Window().EndsAt()) {
		t.Errorf("expected 14:00-15:00, got %v-%v", got.StartsAt, got.EndsAt)
	}

	open := f.openSlots(t, f.caregiver)
	if hasSlotAt(open, ten.Start) {
		t.Error("expected 10:00 to remain consumed")
	}
	if hasSlotAt(open, two.Start) {
		t.Error("expected 14:00 to be consumed")
	}
	if len(open) != 6 {
		t.Errorf("expected 6 open slots, got %d", len(open))
	}
}

func TestScenario_TwoClientsRaceForOneSlot(t *testing.T) {
	f := newFixture(t, config.ReleaseNever)
	slots := f.createDay(t, f.caregiver, "2025-11-11", "09:00", "17:00")
	ten := slotAt(t, slots, "10:00")

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, c := range []User{f.client, f.client2} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = f.svc.CreateAppointment(context.Background(), actorOf(c), CreateAppointmentInput{SlotID: ten.ID, ClientID: c.ID})
		}()
	}
	wg.Wait()

	ok, unavailable := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrSlotUnavailable):
			unavailable++
		}
	}
	if ok != 1 || unavailable != 1 {
		t.Errorf("expected one success and one ErrSlotUnavailable, got %v", errs)
	}
}

// -- Slot release policy --

func TestReleasePolicy_ReopensSlots(t *testing.T) {
	f := newFixture(t, config.ReleaseOnMove)
	ctx := context.Background()
	slots := f.createDay(t, f.caregiver, "2025-11-11", "09:00", "17:00")
	ten := slotAt(t, slots, "10:00")
	two := slotAt(t, slots, "14:00")

	v := f.book(t, f.client, ten, "")
	cr, err := f.svc.CreateChangeRequest(ctx, actorOf(f.caregiver), CreateChangeRequestInput{
		AppointmentID:     v.ID,
		NewAvailabilityID: &two.ID,
	})
	if err != nil {
		t.Fatalf("request change: %v", err)
	}
	if _, err := f.svc.ApproveChangeRequest(ctx, actorOf(f.client), cr.ID); err != nil {
		t.Fatalf("approve: %v", err)
	}

	open := f.openSlots(t, f.caregiver)
	if !hasSlotAt(open, ten.Start) {
		t.Error("expected 10:00 back in the pool after the move")
	}
	if hasSlotAt(open, two.Start) {
		t.Error("expected 14:00 consumed")
	}

	if err := f.svc.DeleteAppointment(ctx, actorOf(f.caregiver), v.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if !hasSlotAt(f.openSlots(t, f.caregiver), two.Start) {
		t.Error("expected 14:00 back in the pool after delete")
	}

	// the reopened slot is bookable again
	f.book(t, f.client2, ten, "")
}

func TestEvents_Recorded(t *testing.T) {
	f := newFixture(t, config.ReleaseNever)
	slots := f.createDay(t, f.caregiver, "2025-11-11", "09:00", "10:00")
	v := f.book(t, f.client, slots[0], "")
	cr, err := f.svc.CreateChangeRequest(context.Background(), actorOf(f.client), CreateChangeRequestInput{AppointmentID: v.ID, NewTask: taskPtr(TaskShopping)})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := f.svc.RejectChangeRequest(context.Background(), actorOf(f.caregiver), cr.ID); err != nil {
		t.Fatalf("reject: %v", err)
	}

	var types []string
	for _, ev := range f.repo.Events() {
		types = append(types, ev.EventType)
	}
	want := []string{EventAvailabilityCreated, EventAppointmentCreated, EventChangeRequested, EventChangeRejected}
	if len(types) != len(want) {
		t.Fatalf("expected events %v, got %v", want, types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("event %d: expected %s, got %s", i, want[i], types[i])
		}
	}
}

type failingEventRepo struct {
	*MemRepository
}

func (failingEventRepo) InsertEvent(context.Context, EventLog) error {
	return errors.New("event log unavailable")
}

func TestEvents_FailedInsertDoesNotFailOperation(t *testing.T) {
	f := newFixture(t, config.ReleaseNever)
	f.svc = NewService(failingEventRepo{f.repo}, redisclient.NewLocalLocker(), f.svc.cfg, zerolog.Nop())

	slots := f.createDay(t, f.caregiver, "2025-11-11", "09:00", "10:00")
	v := f.book(t, f.client, slots[0], "")
	cr, err := f.svc.CreateChangeRequest(context.Background(), actorOf(f.client), CreateChangeRequestInput{AppointmentID: v.ID, NewTask: taskPtr(TaskShopping)})
	if err != nil {
		t.Fatalf("create change request: %v", err)
	}
	if _, err := f.svc.ApproveChangeRequest(context.Background(), actorOf(f.caregiver), cr.ID); err != nil {
		t.Fatalf("approve: %v", err)
	}

	if got := f.appointment(t, v.ID); got.Task != TaskShopping {
		t.Errorf("expected approved task to stick, got %q", got.Task)
	}
	if n := len(f.repo.Events()); n != 0 {
		t.Errorf("expected no recorded events, got %d", n)
	}
}
