package core

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ErrTooManyOperations is returned when every operation slot stays occupied
// for the whole wait window.
var ErrTooManyOperations = errors.New("too many concurrent operations, please try again later")

const (
	DefaultMaxConcurrent = 4
	DefaultMaxWaitTime   = 30 * time.Second
)

var (
	opsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cellvault_core_operations_active",
		Help: "Heavy operations currently holding a limiter slot.",
	})
	opsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cellvault_core_operations_rejected_total",
		Help: "Operations that could not get a limiter slot.",
	}, []string{"op"})
)

// OperationLimiter bounds how many heavy operations (saves, commits,
// checkouts, restores, exports) run at once. It is a counting semaphore
// with a bounded wait.
type OperationLimiter struct {
	semaphore chan struct{}
	maxWait   time.Duration

	mu     sync.Mutex
	active map[string]int
	total  int
}

// NewOperationLimiter allows at most maxConcurrent operations. Callers wait
// up to maxWait for a slot. Non-positive arguments select the defaults.
func NewOperationLimiter(maxConcurrent int, maxWait time.Duration) *OperationLimiter {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	if maxWait <= 0 {
		maxWait = DefaultMaxWaitTime
	}
	return &OperationLimiter{
		semaphore: make(chan struct{}, maxConcurrent),
		maxWait:   maxWait,
		active:    make(map[string]int),
	}
}

// Acquire takes a slot for op. The caller must call Release(op) once the
// operation finishes.
func (l *OperationLimiter) Acquire(ctx context.Context, op string) error {
	timer := time.NewTimer(l.maxWait)
	defer timer.Stop()

	select {
	case l.semaphore <- struct{}{}:
		l.track(op, 1)
		return nil
	case <-timer.C:
		opsRejected.WithLabelValues(op).Inc()
		return ErrTooManyOperations
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryAcquire takes a slot only if one is free right now.
func (l *OperationLimiter) TryAcquire(op string) bool {
	select {
	case l.semaphore <- struct{}{}:
		l.track(op, 1)
		return true
	default:
		opsRejected.WithLabelValues(op).Inc()
		return false
	}
}

// Release returns the slot taken for op.
func (l *OperationLimiter) Release(op string) {
	l.track(op, -1)
	<-l.semaphore
}

func (l *OperationLimiter) track(op string, delta int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.active[op] += delta
	if l.active[op] <= 0 {
		delete(l.active, op)
	}
	l.total += delta
	opsActive.Set(float64(l.total))
}

// ActiveCount returns the number of operations holding a slot.
func (l *OperationLimiter) ActiveCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.total
}

// WaitForDrain blocks until no operation holds a slot or ctx ends. Shutdown
// uses it so an in-flight save finishes before the process exits.
func (l *OperationLimiter) WaitForDrain(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		if l.ActiveCount() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// LimiterStatus is a point-in-time view of the limiter.
type LimiterStatus struct {
	Active        int            `json:"active"`
	Available     int            `json:"available"`
	MaxConcurrent int            `json:"max_concurrent"`
	ByOperation   map[string]int `json:"by_operation,omitempty"`
}

// Status returns the current limiter state for the health endpoint.
func (l *OperationLimiter) Status() LimiterStatus {
	l.mu.Lock()
	defer l.mu.Unlock()

	byOp := make(map[string]int, len(l.active))
	for op, n := range l.active {
		byOp[op] = n
	}
	return LimiterStatus{
		Active:        l.total,
		Available:     cap(l.semaphore) - l.total,
		MaxConcurrent: cap(l.semaphore),
		ByOperation:   byOp,
	}
}
