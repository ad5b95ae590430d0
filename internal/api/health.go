package api

import (
	"context"
	"database/sql"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

// HealthChecker is one dependency checked by /health/ready.
type HealthChecker interface {
	Check(ctx context.Context) error
	Name() string
}

// SoftDependency marks a checker whose failure degrades the gateway without
// taking it out of rotation.
type SoftDependency interface {
	Soft() bool
}

type HealthStatus struct {
	Status  string                 `json:"status"`
	Checks  map[string]CheckResult `json:"checks,omitempty"`
	Version string                 `json:"version,omitempty"`
}

type CheckResult struct {
	Status   string `json:"status"`
	Duration string `json:"duration,omitempty"`
	Error    string `json:"error,omitempty"`
}

type RedisHealthChecker struct {
	client *redis.Client
}

func NewRedisHealthChecker(client *redis.Client) *RedisHealthChecker {
	return &RedisHealthChecker{client: client}
}

func (c *RedisHealthChecker) Name() string {
	return "redis"
}

func (c *RedisHealthChecker) Check(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

type PostgresHealthChecker struct {
	db *sql.DB
}

func NewPostgresHealthChecker(db *sql.DB) *PostgresHealthChecker {
	return &PostgresHealthChecker{db: db}
}

func (c *PostgresHealthChecker) Name() string {
	return "postgres"
}

func (c *PostgresHealthChecker) Check(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// Pinger is anything that can report whether a remote service answers.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ControlPlaneHealthChecker checks the management service behind the tenant
// config cache. Cached policies keep serving while it is down, so a failure
// only degrades readiness.
type ControlPlaneHealthChecker struct {
	control Pinger
}

func NewControlPlaneHealthChecker(control Pinger) *ControlPlaneHealthChecker {
	return &ControlPlaneHealthChecker{control: control}
}

func (c *ControlPlaneHealthChecker) Name() string { return "control_plane" }
func (c *ControlPlaneHealthChecker) Soft() bool   { return true }

func (c *ControlPlaneHealthChecker) Check(ctx context.Context) error {
	return c.control.Ping(ctx)
}

// CheckFunc adapts a function to HealthChecker.
type CheckFunc struct {
	CheckName string
	Fn        func(ctx context.Context) error
}

func (c CheckFunc) Name() string                    { return c.CheckName }
func (c CheckFunc) Check(ctx context.Context) error { return c.Fn(ctx) }

// runHealthChecks checks every dependency concurrently.
func runHealthChecks(ctx context.Context, checkers []HealthChecker) map[string]CheckResult {
	results := make(map[string]CheckResult)
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, checker := range checkers {
		wg.Add(1)
		go func(c HealthChecker) {
			defer wg.Done()

			start := time.Now()
			err := c.Check(ctx)

			result := CheckResult{
				Status:   "ok",
				Duration: time.Since(start).String(),
			}
			if err != nil {
				result.Status = "error"
				if soft, ok := c.(SoftDependency); ok && soft.Soft() {
					result.Status = "degraded"
				}
				result.Error = err.Error()
			}

			mu.Lock()
			results[c.Name()] = result
			mu.Unlock()
		}(checker)
	}

	wg.Wait()
	return results
}

func handleHealthReadyWithCheckers(checkers []HealthChecker, timeout time.Duration, version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()

		results := runHealthChecks(ctx, checkers)

		status := HealthStatus{
			Status:  "ready",
			Checks:  results,
			Version: version,
		}
		httpStatus := http.StatusOK
		for _, result := range results {
			switch result.Status {
			case "error":
				status.Status = "not_ready"
				httpStatus = http.StatusServiceUnavailable
			case "degraded":
				if httpStatus == http.StatusOK {
					status.Status = "degraded"
				}
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(httpStatus)
		json.NewEncoder(w).Encode(status)
	}
}
