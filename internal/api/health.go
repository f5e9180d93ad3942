package api

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// Checker reports whether one dependency is reachable.
type Checker interface {
	Name() string
	// Critical dependencies take readiness to "error"; others only degrade it.
	Critical() bool
	Check(ctx context.Context) error
}

type postgresChecker struct {
	pool *pgxpool.Pool
}

func PostgresChecker(pool *pgxpool.Pool) Checker {
	return postgresChecker{pool: pool}
}

func (postgresChecker) Name() string { return "postgres" }
func (postgresChecker) Critical() bool { return true }
func (c postgresChecker) Check(ctx context.Context) error {
	return c.pool.Ping(ctx)
}

type redisChecker struct {
	client *redis.Client
}

func RedisChecker(client *redis.Client) Checker {
	return redisChecker{client: client}
}

func (redisChecker) Name() string { return "redis" }
func (redisChecker) Critical() bool { return false }
func (c redisChecker) Check(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

type HealthHandler struct {
	checkers []Checker
	env      string
	version  string
}

func NewHealthHandler(checkers []Checker, env, version string) *HealthHandler {
	sorted := append([]Checker(nil), checkers...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name() < sorted[j].Name() })
	return &HealthHandler{
		checkers: sorted,
		env:      env,
		version:  version,
	}
}

type LivenessResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
	Env     string `json:"env,omitempty"`
}

type ReadinessResponse struct {
	Status       string            `json:"status"`
	Version      string            `json:"version,omitempty"`
	Env          string            `json:"env,omitempty"`
	Dependencies map[string]string `json:"dependencies"`
}

func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	resp := LivenessResponse{
		Status:  "ok",
		Version: h.version,
		Env:     h.env,
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	deps := make(map[string]string)
	status := "ok"

	for _, c := range h.checkers {
		checkCtx, checkCancel := context.WithTimeout(ctx, 1*time.Second)
		err := c.Check(checkCtx)
		checkCancel()

		if err == nil {
			deps[c.Name()] = "ok"
			continue
		}
		deps[c.Name()] = "down"
		switch {
		case c.Critical():
			status = "error"
		case status == "ok":
			status = "degraded"
		}
	}

	resp := ReadinessResponse{
		Status:       status,
		Version:      h.version,
		Env:          h.env,
		Dependencies: deps,
	}

	httpStatus := http.StatusOK
	if status == "error" {
		httpStatus = http.StatusServiceUnavailable
	}

	writeJSON(w, httpStatus, resp)
}
