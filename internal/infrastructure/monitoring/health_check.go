package monitoring

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"
)

type HealthChecker struct {
	checks []HealthCheck
	mu     sync.RWMutex
}

type HealthCheck struct {
	Name    string
	Check   func(ctx context.Context) error
	Timeout time.Duration
	// Readiness checks gate /ready only; liveness ignores them.
	Readiness bool
}

type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
}

func NewHealthChecker() *HealthChecker {
	return &HealthChecker{}
}

func (h *HealthChecker) AddCheck(check HealthCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if check.Timeout <= 0 {
		check.Timeout = 2 * time.Second
	}
	h.checks = append(h.checks, check)
}

// AddStoreCheck pings the document store.
func (h *HealthChecker) AddStoreCheck(store ports.DocumentStore, timeout time.Duration) {
	h.AddCheck(HealthCheck{
		Name:    "docstore",
		Check:   store.Ping,
		Timeout: timeout,
	})
}

// AddCallCheck reports ready while the call is connected.
func (h *HealthChecker) AddCallCheck(state func() domain.CallState) {
	h.AddCheck(HealthCheck{
		Name: "call",
		Check: func(context.Context) error {
			if s := state(); s != domain.CallStateConnected {
				return fmt.Errorf("call is %s", s)
			}
			return nil
		},
		Readiness: true,
	})
}

// Liveness runs every non-readiness check.
func (h *HealthChecker) Liveness(ctx context.Context) HealthStatus {
	return h.run(ctx, false)
}

// Readiness runs every check.
func (h *HealthChecker) Readiness(ctx context.Context) HealthStatus {
	return h.run(ctx, true)
}

func (h *HealthChecker) IsReady(ctx context.Context) bool {
	return h.Readiness(ctx).Status == "healthy"
}

func (h *HealthChecker) run(ctx context.Context, readiness bool) HealthStatus {
	h.mu.RLock()
	checks := make([]HealthCheck, 0, len(h.checks))
	for _, c := range h.checks {
		if readiness || !c.Readiness {
			checks = append(checks, c)
		}
	}
	h.mu.RUnlock()
	sort.Slice(checks, func(i, j int) bool { return checks[i].Name < checks[j].Name })

	status := HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now(),
		Checks:    make(map[string]string, len(checks)),
	}

	results := make([]error, len(checks))
	var wg sync.WaitGroup
	for i, check := range checks {
		wg.Add(1)
		go func(i int, check HealthCheck) {
			defer wg.Done()
			checkCtx, cancel := context.WithTimeout(ctx, check.Timeout)
			defer cancel()
			results[i] = check.Check(checkCtx)
		}(i, check)
	}
	wg.Wait()

	for i, check := range checks {
		if err := results[i]; err != nil {
			status.Status = "unhealthy"
			status.Checks[check.Name] = err.Error()
		} else {
			status.Checks[check.Name] = "healthy"
		}
	}
	return status
}
