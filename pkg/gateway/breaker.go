package gateway

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/wisbric/filepilot/internal/telemetry"
)

// userBreakers maintains one circuit breaker per userKey. Only transient
// failures count toward opening the circuit; a permanent 4xx is the
// caller's problem, not the remote's health.
type userBreakers struct {
	mu             sync.Mutex
	breakers       map[string]*gobreaker.CircuitBreaker
	failuresToOpen int
	cooldown       time.Duration
	logger         *slog.Logger
}

func newUserBreakers(failuresToOpen int, cooldown time.Duration, logger *slog.Logger) *userBreakers {
	return &userBreakers{
		breakers:       make(map[string]*gobreaker.CircuitBreaker),
		failuresToOpen: failuresToOpen,
		cooldown:       cooldown,
		logger:         logger,
	}
}

func (ub *userBreakers) get(userKey string) *gobreaker.CircuitBreaker {
	ub.mu.Lock()
	defer ub.mu.Unlock()

	cb, ok := ub.breakers[userKey]
	if !ok {
		threshold := uint32(ub.failuresToOpen)
		cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "gateway:" + userKey,
			MaxRequests: 1, // one half-open probe after cooldown
			Timeout:     ub.cooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			IsSuccessful: func(err error) bool {
				if err == nil {
					return true
				}
				var ge *Error
				if errors.As(err, &ge) {
					// Permanent outcomes do not indicate remote ill-health.
					return !ge.Transient()
				}
				return false
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				ub.logger.Warn("gateway circuit state change",
					"breaker", name, "from", from.String(), "to", to.String())
				if to == gobreaker.StateOpen {
					telemetry.GatewayCircuitOpenTotal.Inc()
				}
			},
		})
		ub.breakers[userKey] = cb
	}
	return cb
}

// execute runs fn through the user's breaker, mapping the open-state error
// to the gateway's CircuitOpen kind.
func (ub *userBreakers) execute(userKey, op string, fn func() error) error {
	_, err := ub.get(userKey).Execute(func() (any, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return newError(op, KindCircuitOpen, err)
	}
	return err
}
