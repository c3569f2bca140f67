// Package breaker guards the downstream admin clients with circuit
// breakers sharing one policy: open after five consecutive failures or a
// failure rate above 75% over a 20-call window, stay open for a minute,
// then admit a single probe.
package breaker

import (
	"errors"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker"
	"github.com/vk-rv/scrambridge/internal/scrambridge"
)

const (
	consecutiveFailures = 5
	windowCalls         = 20
	failureRateLimit    = 0.75
)

// Breaker wraps a sony/gobreaker circuit breaker with the bridge policy.
type Breaker struct {
	cb        *gobreaker.CircuitBreaker
	openGauge prometheus.Gauge
}

// New creates a breaker named after its downstream. openGauge, when not
// nil, tracks whether the breaker currently rejects calls.
func New(name string, openGauge prometheus.Gauge, logger *slog.Logger) *Breaker {
	b := &Breaker{openGauge: openGauge}
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     60 * time.Second,
		// Only transport-level failures count against the breaker. A not
		// found, rejected credential or malformed answer means the
		// downstream responded; the event path probes deleted users on
		// purpose and must not open the circuit for everyone else.
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			switch scrambridge.ClassOf(err) {
			case scrambridge.ClassNotFound, scrambridge.ClassAuthentication, scrambridge.ClassProtocol:
				return true
			default:
				return false
			}
		},
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.ConsecutiveFailures >= consecutiveFailures {
				return true
			}
			if counts.Requests >= windowCalls {
				rate := float64(counts.TotalFailures) / float64(counts.Requests)
				return rate > failureRateLimit
			}
			return false
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				slog.String("downstream", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
			if openGauge != nil {
				if to == gobreaker.StateOpen {
					openGauge.Set(1)
				} else {
					openGauge.Set(0)
				}
			}
		},
	})
	return b
}

// Execute runs fn through the breaker. While the breaker is open the call
// is rejected with scrambridge.ErrCircuitOpen without reaching the
// downstream.
func (b *Breaker) Execute(fn func() (any, error)) (any, error) {
	v, err := b.cb.Execute(fn)
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, scrambridge.ErrCircuitOpen
		}
		return v, err
	}
	return v, nil
}

// Open reports whether the breaker currently rejects calls.
func (b *Breaker) Open() bool {
	return b.cb.State() == gobreaker.StateOpen
}

// State returns the readiness representation of the breaker state.
func (b *Breaker) State() string {
	switch b.cb.State() {
	case gobreaker.StateOpen:
		return "CIRCUIT_OPEN"
	case gobreaker.StateHalfOpen:
		return "CIRCUIT_HALF_OPEN"
	default:
		return "CLOSED"
	}
}
