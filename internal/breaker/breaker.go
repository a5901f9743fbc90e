package breaker

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// Threshold is the consecutive-failure count that opens a circuit.
	Threshold = 10
	// OpenTimeout is how long an open circuit short-circuits delivery
	// before resetting to closed.
	OpenTimeout = 60 * time.Second
)

type state struct {
	failureCount int
	isOpen       bool
	openedAt     time.Time
}

// CircuitBreaker tracks delivery failures per sender-recipient endpoint and
// suspends transport attempts once an endpoint looks dead. State is
// process-local and intentionally approximate under horizontal scaling.
type CircuitBreaker struct {
	mu        sync.Mutex
	endpoints map[string]*state
	threshold int
	timeout   time.Duration
	now       func() time.Time
}

func New() *CircuitBreaker {
	return &CircuitBreaker{
		endpoints: make(map[string]*state),
		threshold: Threshold,
		timeout:   OpenTimeout,
		now:       time.Now,
	}
}

// NewWithClock is used by tests to control breaker time.
func NewWithClock(threshold int, timeout time.Duration, now func() time.Time) *CircuitBreaker {
	cb := New()
	cb.threshold = threshold
	cb.timeout = timeout
	cb.now = now
	return cb
}

// EndpointKey identifies one directed sender-recipient pair.
func EndpointKey(senderID, recipientID uint) string {
	return fmt.Sprintf("%d:%d", senderID, recipientID)
}

// RecordFailure counts one delivery failure and opens the circuit at the
// threshold.
func (cb *CircuitBreaker) RecordFailure(key string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	st, ok := cb.endpoints[key]
	if !ok {
		st = &state{}
		cb.endpoints[key] = st
	}
	st.failureCount++
	if !st.isOpen && st.failureCount >= cb.threshold {
		st.isOpen = true
		st.openedAt = cb.now()
		logrus.WithFields(logrus.Fields{
			"endpoint":      key,
			"failure_count": st.failureCount,
		}).Warn("circuit breaker opened")
	}
}

// RecordSuccess closes the circuit and clears the failure count.
func (cb *CircuitBreaker) RecordSuccess(key string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	delete(cb.endpoints, key)
}

// IsOpen reports whether delivery for the endpoint should be short-circuited.
// An open circuit auto-resets after the timeout, with the failure count
// cleared, so the next attempt acts as the half-open probe.
func (cb *CircuitBreaker) IsOpen(key string) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	st, ok := cb.endpoints[key]
	if !ok || !st.isOpen {
		return false
	}
	if cb.now().Sub(st.openedAt) >= cb.timeout {
		delete(cb.endpoints, key)
		logrus.WithField("endpoint", key).Info("circuit breaker reset after timeout")
		return false
	}
	return true
}

// FailureCount returns the current consecutive-failure count.
func (cb *CircuitBreaker) FailureCount(key string) int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	st, ok := cb.endpoints[key]
	if !ok {
		return 0
	}
	if st.isOpen && cb.now().Sub(st.openedAt) >= cb.timeout {
		delete(cb.endpoints, key)
		return 0
	}
	return st.failureCount
}
