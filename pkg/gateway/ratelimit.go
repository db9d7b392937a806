package gateway

import (
	"context"
	"math"
	"sync"

	"golang.org/x/time/rate"
)

// userLimiters maintains one token bucket per userKey so a single user's
// burst cannot starve another user's calls.
type userLimiters struct {
	mu       sync.Mutex
	rps      float64
	limiters map[string]*rate.Limiter
}

func newUserLimiters(rps float64) *userLimiters {
	return &userLimiters{
		rps:      rps,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (ul *userLimiters) get(userKey string) *rate.Limiter {
	ul.mu.Lock()
	defer ul.mu.Unlock()

	l, ok := ul.limiters[userKey]
	if !ok {
		burst := int(math.Ceil(ul.rps))
		if burst < 1 {
			burst = 1
		}
		l = rate.NewLimiter(rate.Limit(ul.rps), burst)
		ul.limiters[userKey] = l
	}
	return l
}

// wait blocks until the user's bucket grants a token or the context's
// deadline makes that impossible, in which case the caller fails fast.
func (ul *userLimiters) wait(ctx context.Context, userKey string) error {
	return ul.get(userKey).Wait(ctx)
}
