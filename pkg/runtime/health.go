package runtime

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-connector/pkg/json"
)

// Health statuses reported by the checker.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// unhealthyAfter is the number of consecutive failures before the status
// flips from degraded to unhealthy.
const unhealthyAfter = 3

// HealthStatus is a snapshot of the last health check.
type HealthStatus struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Error     string                 `json:"error,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// HealthChecker runs a check function periodically and serves the latest
// result over HTTP.
type HealthChecker struct {
	interval time.Duration
	timeout  time.Duration
	check    func(ctx context.Context) error
	logger   *zap.Logger

	mu               sync.RWMutex
	status           HealthStatus
	consecutiveFails int

	checkCount   int64
	failureCount int64

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewHealthChecker creates a checker. The status is healthy until the first
// check runs.
func NewHealthChecker(interval time.Duration, check func(ctx context.Context) error, logger *zap.Logger) *HealthChecker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthChecker{
		interval: interval,
		timeout:  10 * time.Second,
		check:    check,
		logger:   logger.With(zap.String("component", "health_checker")),
		status: HealthStatus{
			Status:    StatusHealthy,
			Timestamp: time.Now(),
			Details:   make(map[string]interface{}),
		},
		stopCh: make(chan struct{}),
	}
}

// Start runs an initial check and then one per interval until Stop or ctx.
func (hc *HealthChecker) Start(ctx context.Context) {
	hc.wg.Add(1)
	go func() {
		defer hc.wg.Done()
		ticker := time.NewTicker(hc.interval)
		defer ticker.Stop()

		hc.Check(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-hc.stopCh:
				return
			case <-ticker.C:
				hc.Check(ctx)
			}
		}
	}()
}

// Stop halts periodic checks. Safe to call more than once.
func (hc *HealthChecker) Stop() {
	hc.stopOnce.Do(func() { close(hc.stopCh) })
	hc.wg.Wait()
}

// Check runs the check function once and records the result.
func (hc *HealthChecker) Check(ctx context.Context) HealthStatus {
	checks := atomic.AddInt64(&hc.checkCount, 1)

	checkCtx, cancel := context.WithTimeout(ctx, hc.timeout)
	defer cancel()

	var err error
	if hc.check != nil {
		err = hc.check(checkCtx)
	}

	hc.mu.Lock()
	defer hc.mu.Unlock()

	hc.status.Timestamp = time.Now()
	if err != nil {
		atomic.AddInt64(&hc.failureCount, 1)
		hc.consecutiveFails++
		if hc.consecutiveFails >= unhealthyAfter {
			hc.status.Status = StatusUnhealthy
		} else {
			hc.status.Status = StatusDegraded
		}
		hc.status.Error = err.Error()
		hc.status.Details["consecutive_failures"] = hc.consecutiveFails

		hc.logger.Warn("health check failed",
			zap.Error(err),
			zap.String("status", hc.status.Status),
			zap.Int("consecutive_failures", hc.consecutiveFails))
	} else {
		hc.consecutiveFails = 0
		hc.status.Status = StatusHealthy
		hc.status.Error = ""
		delete(hc.status.Details, "consecutive_failures")
	}

	hc.status.Details["check_count"] = checks
	hc.status.Details["failure_count"] = atomic.LoadInt64(&hc.failureCount)
	return hc.snapshot()
}

// Status returns a copy of the latest status.
func (hc *HealthChecker) Status() HealthStatus {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return hc.snapshot()
}

func (hc *HealthChecker) snapshot() HealthStatus {
	out := hc.status
	out.Details = make(map[string]interface{}, len(hc.status.Details))
	for k, v := range hc.status.Details {
		out.Details[k] = v
	}
	return out
}

// ServeHTTP runs a fresh check and writes the status. Unhealthy answers 503.
func (hc *HealthChecker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	status := hc.Check(r.Context())

	code := http.StatusOK
	if status.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	body, err := json.Marshal(status)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(body)
}
