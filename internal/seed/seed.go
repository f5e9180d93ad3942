package seed

import (
	"context"
	"fmt"
	"time"

	"github.com/brianvoe/gofakeit/v7"

	"github.com/hackgods/caregiver-scheduling/internal/scheduling"
)

// UserStore is the part of the repository seeding writes users through.
type UserStore interface {
	CreateUser(ctx context.Context, u *scheduling.User) error
}

type Options struct {
	Caregivers int
	Clients    int
	Days       int       // availability days per caregiver
	From       time.Time // first availability day
	Seed       uint64    // 0 picks a random seed
}

type Result struct {
	Admin      scheduling.User
	Caregivers []scheduling.User
	Clients    []scheduling.User
	Slots      int
}

// Run creates an admin, caregivers and clients, then publishes availability
// for every caregiver through the service so the usual rules apply.
func Run(ctx context.Context, users UserStore, svc *scheduling.Service, opts Options) (*Result, error) {
	faker := gofakeit.New(opts.Seed)
	res := &Result{}

	admin, err := createUser(ctx, users, faker, scheduling.RoleAdmin)
	if err != nil {
		return nil, err
	}
	res.Admin = admin
	actor := scheduling.Actor{UserID: admin.ID, Role: admin.Role, Name: admin.Name}

	for i := 0; i < opts.Caregivers; i++ {
		u, err := createUser(ctx, users, faker, scheduling.RoleCaregiver)
		if err != nil {
			return nil, err
		}
		res.Caregivers = append(res.Caregivers, u)
	}
	for i := 0; i < opts.Clients; i++ {
		u, err := createUser(ctx, users, faker, scheduling.RoleClient)
		if err != nil {
			return nil, err
		}
		res.Clients = append(res.Clients, u)
	}

	from := scheduling.DateOf(opts.From)
	lengths := []int{30, 60, 90}
	for _, c := range res.Caregivers {
		for d := 0; d < opts.Days; d++ {
			start := scheduling.Clock(faker.Number(7, 10) * 60)
			end := scheduling.Clock(faker.Number(14, 19) * 60)
			length := lengths[faker.Number(0, len(lengths)-1)]

			out, err := svc.CreateAvailability(ctx, actor, scheduling.CreateAvailabilityInput{
				CaregiverID:       c.ID,
				Window:            scheduling.Window{Date: from.AddDate(0, 0, d), Start: start, End: end},
				SlotLengthMinutes: &length,
			})
			if err != nil {
				return nil, fmt.Errorf("seed availability for %s: %w", c.Name, err)
			}
			res.Slots += out.Count
		}
	}

	return res, nil
}

func createUser(ctx context.Context, users UserStore, faker *gofakeit.Faker, role scheduling.Role) (scheduling.User, error) {
	u := &scheduling.User{
		Name:    faker.Name(),
		Role:    role,
		Address: fmt.Sprintf("%s, %s", faker.Street(), faker.City()),
		Phone:   faker.Phone(),
		Email:   faker.Email(),
	}
	if err := users.CreateUser(ctx, u); err != nil {
		return scheduling.User{}, fmt.Errorf("seed %s: %w", role, err)
	}
	return *u, nil
}
