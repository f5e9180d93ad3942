package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/hackgods/caregiver-scheduling/internal/auth"
	"github.com/hackgods/caregiver-scheduling/internal/config"
	"github.com/hackgods/caregiver-scheduling/internal/db"
	"github.com/hackgods/caregiver-scheduling/internal/logger"
	"github.com/hackgods/caregiver-scheduling/internal/scheduling"
)

type SimConfig struct {
	APIBaseURL   string
	Duration     time.Duration
	Workers      int
	BookingRatio float64
	ChangeRatio  float64
	RespondRatio float64
	ReadRatio    float64
	ClientLimit  int
	SlotLimit    int
}

type simUser struct {
	ID    uuid.UUID
	Token string
}

type bookedAppointment struct {
	ID          uuid.UUID
	CaregiverID uuid.UUID
	Client      simUser
}

type DataPool struct {
	Clients    []simUser
	Caregivers map[uuid.UUID]simUser
	Slots      []scheduling.Slot
	// SlotsByOwner feeds move proposals, which must stay with the caregiver.
	SlotsByOwner map[uuid.UUID][]uuid.UUID

	mu           sync.RWMutex
	appointments []bookedAppointment
}

func (dp *DataPool) AddAppointment(a bookedAppointment) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.appointments = append(dp.appointments, a)
}

func (dp *DataPool) GetRandomAppointment(rng *rand.Rand) (bookedAppointment, bool) {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	if len(dp.appointments) == 0 {
		return bookedAppointment{}, false
	}
	return dp.appointments[rng.Intn(len(dp.appointments))], true
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

func (om *OperationMetrics) Record(latency time.Duration, success bool, conflict bool) {
	atomic.AddInt64(&om.Total, 1)
	if success {
		atomic.AddInt64(&om.Success, 1)
	} else if conflict {
		atomic.AddInt64(&om.Conflict, 1)
	} else {
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, min, max, p50, p95 time.Duration) {
	om.mu.Lock()
	defer om.mu.Unlock()

	if len(om.Latencies) == 0 {
		return 0, 0, 0, 0, 0
	}

	latencies := make([]time.Duration, len(om.Latencies))
	copy(latencies, om.Latencies)
	sort.Slice(latencies, func(i, j int) bool {
		return latencies[i] < latencies[j]
	})

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}

	avg = sum / time.Duration(len(latencies))
	min = latencies[0]
	max = latencies[len(latencies)-1]
	p50 = latencies[percentileIndex(len(latencies), 50)]
	p95 = latencies[percentileIndex(len(latencies), 95)]
	return avg, min, max, p50, p95
}

func percentileIndex(n, p int) int {
	idx := n * p / 100
	if idx >= n {
		idx = n - 1
	}
	return idx
}

type Metrics struct {
	Booking       OperationMetrics
	ChangeRequest OperationMetrics
	Respond       OperationMetrics
	ListSlots     OperationMetrics
	ListMine      OperationMetrics
}

type Simulator struct {
	config  SimConfig
	pool    *DataPool
	client  *http.Client
	metrics Metrics
	log     zerolog.Logger
}

func main() {
	baseCfg, err := config.Load()
	if err != nil {
		boot := zerolog.New(os.Stderr).With().Timestamp().Logger()
		boot.Fatal().Err(err).Msg("failed to load base config")
	}
	log := logger.New(logger.Options{Service: "simulate", Level: baseCfg.LogLevel, Pretty: true})
	if baseCfg.StorageDriver != config.StoragePostgres {
		log.Fatal().Msg("simulate reads its data pool from postgres, set STORAGE_DRIVER=postgres")
	}

	cfg := loadConfig()
	if err := validateConfig(cfg); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}
	log.Info().
		Dur("duration", cfg.Duration).
		Int("workers", cfg.Workers).
		Float64("booking", cfg.BookingRatio).
		Float64("change", cfg.ChangeRatio).
		Float64("respond", cfg.RespondRatio).
		Float64("read", cfg.ReadRatio).
		Msg("simulator starting")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pgPool, err := db.ConnectPostgres(ctx, baseCfg.PostgresDSN, db.PoolOptions{MaxConns: 2})
	if err != nil {
		log.Fatal().Err(err).Msg("connect postgres")
	}
	defer pgPool.Close()

	tokens := auth.NewTokens(baseCfg.JWTSecret, baseCfg.JWTIssuer)
	dataPool, err := loadDataPool(ctx, scheduling.NewPgRepository(pgPool), tokens, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("load data pool")
	}
	log.Info().Int("clients", len(dataPool.Clients)).Int("slots", len(dataPool.Slots)).Msg("data pool loaded")

	sim := &Simulator{
		config: cfg,
		pool:   dataPool,
		client: &http.Client{Timeout: 10 * time.Second},
		log:    log,
	}
	sim.Run()
	sim.PrintReport()
}

func loadConfig() SimConfig {
	v := viper.New()
	v.AutomaticEnv()
	v.SetDefault("SIM_API_BASE_URL", "http://localhost:8080")
	v.SetDefault("SIM_DURATION", 30*time.Second)
	v.SetDefault("SIM_WORKERS", 10)
	v.SetDefault("SIM_BOOKING_RATIO", 0.4)
	v.SetDefault("SIM_CHANGE_RATIO", 0.15)
	v.SetDefault("SIM_RESPOND_RATIO", 0.15)
	v.SetDefault("SIM_READ_RATIO", 0.3)
	v.SetDefault("SIM_CLIENT_LIMIT", 200)
	v.SetDefault("SIM_SLOT_LIMIT", 2000)

	cfg := SimConfig{
		APIBaseURL:   strings.TrimRight(v.GetString("SIM_API_BASE_URL"), "/"),
		Duration:     v.GetDuration("SIM_DURATION"),
		Workers:      v.GetInt("SIM_WORKERS"),
		BookingRatio: v.GetFloat64("SIM_BOOKING_RATIO"),
		ChangeRatio:  v.GetFloat64("SIM_CHANGE_RATIO"),
		RespondRatio: v.GetFloat64("SIM_RESPOND_RATIO"),
		ReadRatio:    v.GetFloat64("SIM_READ_RATIO"),
		ClientLimit:  v.GetInt("SIM_CLIENT_LIMIT"),
		SlotLimit:    v.GetInt("SIM_SLOT_LIMIT"),
	}

	// Normalize ratios
	total := cfg.BookingRatio + cfg.ChangeRatio + cfg.RespondRatio + cfg.ReadRatio
	if total > 0 {
		cfg.BookingRatio /= total
		cfg.ChangeRatio /= total
		cfg.RespondRatio /= total
		cfg.ReadRatio /= total
	}
	return cfg
}

func validateConfig(cfg SimConfig) error {
	if cfg.Workers <= 0 {
		return fmt.Errorf("SIM_WORKERS must be > 0")
	}
	if cfg.Duration <= 0 {
		return fmt.Errorf("SIM_DURATION must be > 0")
	}
	return nil
}

func loadDataPool(ctx context.Context, repo scheduling.Repository, tokens *auth.Tokens, cfg SimConfig) (*DataPool, error) {
	dp := &DataPool{
		Caregivers:   make(map[uuid.UUID]simUser),
		SlotsByOwner: make(map[uuid.UUID][]uuid.UUID),
	}

	mint := func(u scheduling.User) (simUser, error) {
		token, err := tokens.Issue(scheduling.Actor{UserID: u.ID, Role: u.Role, Name: u.Name}, cfg.Duration+time.Hour)
		if err != nil {
			return simUser{}, err
		}
		return simUser{ID: u.ID, Token: token}, nil
	}

	clients, err := repo.ListUsersByRole(ctx, scheduling.RoleClient)
	if err != nil {
		return nil, fmt.Errorf("load clients: %w", err)
	}
	for i, u := range clients {
		if i >= cfg.ClientLimit {
			break
		}
		su, err := mint(u)
		if err != nil {
			return nil, err
		}
		dp.Clients = append(dp.Clients, su)
	}

	caregivers, err := repo.ListUsersByRole(ctx, scheduling.RoleCaregiver)
	if err != nil {
		return nil, fmt.Errorf("load caregivers: %w", err)
	}
	for _, u := range caregivers {
		su, err := mint(u)
		if err != nil {
			return nil, err
		}
		dp.Caregivers[u.ID] = su
	}

	slots, err := repo.ListOpenSlots(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("load slots: %w", err)
	}
	now := time.Now()
	for _, s := range slots {
		if len(dp.Slots) >= cfg.SlotLimit {
			break
		}
		if s.StartsAt().Before(now) {
			continue
		}
		dp.Slots = append(dp.Slots, s)
		dp.SlotsByOwner[s.CaregiverID] = append(dp.SlotsByOwner[s.CaregiverID], s.ID)
	}

	if len(dp.Clients) == 0 {
		return nil, fmt.Errorf("no clients loaded")
	}
	if len(dp.Slots) == 0 {
		return nil, fmt.Errorf("no slots loaded")
	}
	return dp, nil
}

func (s *Simulator) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	s.log.Info().Dur("duration", s.config.Duration).Int("workers", s.config.Workers).Msg("starting simulation")

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.worker(ctx, workerID)
		}(i)
	}

	wg.Wait()
	s.log.Info().Msg("simulation complete")
}

func (s *Simulator) worker(ctx context.Context, workerID int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))

	for {
		select {
		case <-ctx.Done():
			return
		default:
			r := rng.Float64()
			switch {
			case r < s.config.BookingRatio:
				s.doBooking(ctx, rng)
			case r < s.config.BookingRatio+s.config.ChangeRatio:
				s.doChangeRequest(ctx, rng)
			case r < s.config.BookingRatio+s.config.ChangeRatio+s.config.RespondRatio:
				s.doRespond(ctx, rng)
			default:
				if rng.Intn(2) == 0 {
					s.doListSlots(ctx, rng)
				} else {
					s.doListMine(ctx, rng)
				}
			}
		}
	}
}

// call sends one authenticated request and returns the status code and body.
func (s *Simulator) call(ctx context.Context, method, path, token string, body any) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, nil, err
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.config.APIBaseURL+path, reader)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	return resp.StatusCode, respBody, err
}

func (s *Simulator) doBooking(ctx context.Context, rng *rand.Rand) {
	slot := s.pool.Slots[rng.Intn(len(s.pool.Slots))]
	client := s.pool.Clients[rng.Intn(len(s.pool.Clients))]
	tasks := scheduling.Tasks()

	start := time.Now()
	code, body, err := s.call(ctx, http.MethodPost, "/appointments", client.Token, map[string]string{
		"availabilityId": slot.ID.String(),
		"clientId":       client.ID.String(),
		"task":           string(tasks[rng.Intn(len(tasks))]),
		"location":       "Home",
	})
	latency := time.Since(start)

	success := err == nil && code == http.StatusCreated
	if success {
		var appt struct {
			ID uuid.UUID `json:"appointmentId"`
		}
		if json.Unmarshal(body, &appt) == nil && appt.ID != uuid.Nil {
			s.pool.AddAppointment(bookedAppointment{ID: appt.ID, CaregiverID: slot.CaregiverID, Client: client})
		}
	}
	s.metrics.Booking.Record(latency, success, err == nil && code == http.StatusConflict)
}

func (s *Simulator) doChangeRequest(ctx context.Context, rng *rand.Rand) {
	appt, ok := s.pool.GetRandomAppointment(rng)
	if !ok {
		return
	}

	req := map[string]string{"appointmentId": appt.ID.String()}
	if owned := s.pool.SlotsByOwner[appt.CaregiverID]; len(owned) > 0 && rng.Intn(2) == 0 {
		req["newAvailabilityId"] = owned[rng.Intn(len(owned))].String()
	} else {
		tasks := scheduling.Tasks()
		req["newTask"] = string(tasks[rng.Intn(len(tasks))])
	}

	start := time.Now()
	code, _, err := s.call(ctx, http.MethodPost, "/change-requests", appt.Client.Token, req)
	latency := time.Since(start)

	// A taken proposal slot is a lost race too.
	conflict := err == nil && (code == http.StatusConflict || code == http.StatusUnprocessableEntity)
	s.metrics.ChangeRequest.Record(latency, err == nil && code == http.StatusCreated, conflict)
}

func (s *Simulator) doRespond(ctx context.Context, rng *rand.Rand) {
	appt, ok := s.pool.GetRandomAppointment(rng)
	if !ok {
		return
	}
	caregiver, ok := s.pool.Caregivers[appt.CaregiverID]
	if !ok {
		return
	}

	start := time.Now()
	code, body, err := s.call(ctx, http.MethodGet, "/change-requests/incoming", caregiver.Token, nil)
	if err != nil || code != http.StatusOK {
		s.metrics.Respond.Record(time.Since(start), false, false)
		return
	}
	var incoming []struct {
		ID uuid.UUID `json:"changeRequestId"`
	}
	if err := json.Unmarshal(body, &incoming); err != nil || len(incoming) == 0 {
		return
	}

	action := "approve"
	if rng.Intn(3) == 0 {
		action = "reject"
	}
	path := fmt.Sprintf("/change-requests/%s/%s", incoming[rng.Intn(len(incoming))].ID, action)
	code, _, err = s.call(ctx, http.MethodPost, path, caregiver.Token, nil)
	s.metrics.Respond.Record(time.Since(start), err == nil && code == http.StatusOK, err == nil && code == http.StatusConflict)
}

func (s *Simulator) doListSlots(ctx context.Context, rng *rand.Rand) {
	client := s.pool.Clients[rng.Intn(len(s.pool.Clients))]

	start := time.Now()
	code, _, err := s.call(ctx, http.MethodGet, "/availabilities", client.Token, nil)
	s.metrics.ListSlots.Record(time.Since(start), err == nil && code == http.StatusOK, false)
}

func (s *Simulator) doListMine(ctx context.Context, rng *rand.Rand) {
	client := s.pool.Clients[rng.Intn(len(s.pool.Clients))]

	start := time.Now()
	code, _, err := s.call(ctx, http.MethodGet, "/appointments", client.Token, nil)
	s.metrics.ListMine.Record(time.Since(start), err == nil && code == http.StatusOK, false)
}

func (s *Simulator) PrintReport() {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Duration: %s\n", s.config.Duration)
	fmt.Printf("Workers: %d\n", s.config.Workers)
	fmt.Println()

	printOperationReport("Booking", &s.metrics.Booking)
	printOperationReport("Change request", &s.metrics.ChangeRequest)
	printOperationReport("Approve/reject", &s.metrics.Respond)
	printOperationReport("List availability", &s.metrics.ListSlots)
	printOperationReport("List my appointments", &s.metrics.ListMine)
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}

	success := atomic.LoadInt64(&om.Success)
	conflict := atomic.LoadInt64(&om.Conflict)
	errs := atomic.LoadInt64(&om.Error)

	avg, min, max, p50, p95 := om.Stats()

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Success: %d (%.1f%%)\n", success, float64(success)/float64(total)*100)
	if conflict > 0 {
		fmt.Printf("  Conflicts: %d (%.1f%%)\n", conflict, float64(conflict)/float64(total)*100)
	}
	if errs > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", errs, float64(errs)/float64(total)*100)
	}
	fmt.Printf("  Latency: avg=%s min=%s max=%s p50=%s p95=%s\n",
		avg.Round(time.Millisecond), min.Round(time.Millisecond), max.Round(time.Millisecond),
		p50.Round(time.Millisecond), p95.Round(time.Millisecond))
	fmt.Println()
}
