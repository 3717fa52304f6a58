package dispatch

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/ehr/interop/internal/domain/partner"
)

// lane throttles one partner: a token bucket for request rate and a
// weighted semaphore for concurrent attempts.
type lane struct {
	limiter *rate.Limiter
	sem     *semaphore.Weighted
	limit   int64
}

type admission struct {
	rps      float64
	burst    int
	inFlight int64

	mu    sync.Mutex
	lanes map[string]*lane
}

func newAdmission(rps float64, burst int, inFlight int64) *admission {
	if burst < 1 {
		burst = 1
	}
	if inFlight < 1 {
		inFlight = 1
	}
	return &admission{rps: rps, burst: burst, inFlight: inFlight, lanes: make(map[string]*lane)}
}

// lane returns the lane for key, applying the partner's own limits when it
// sets them. A changed concurrency limit replaces the semaphore; holders of
// the old one release into it.
func (a *admission) lane(key string, pt *partner.Partner) *lane {
	rps, inFlight := a.rps, a.inFlight
	if pt != nil {
		if pt.RateLimitRPS > 0 {
			rps = pt.RateLimitRPS
		}
		if pt.MaxConcurrent > 0 {
			inFlight = pt.MaxConcurrent
		}
	}
	every := rate.Limit(rps)
	if rps <= 0 {
		every = rate.Inf
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := a.lanes[key]
	if !ok || l.limit != inFlight {
		burst := a.burst
		if ok {
			burst = l.limiter.Burst()
		}
		l = &lane{limiter: rate.NewLimiter(every, burst), sem: semaphore.NewWeighted(inFlight), limit: inFlight}
		a.lanes[key] = l
		return l
	}
	if l.limiter.Limit() != every {
		l.limiter.SetLimit(every)
	}
	return l
}

// acquire blocks until key may start another attempt. The returned func
// gives the concurrency slot back.
func (a *admission) acquire(ctx context.Context, key string, pt *partner.Partner) (func(), error) {
	l := a.lane(key, pt)
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	if err := l.limiter.Wait(ctx); err != nil {
		l.sem.Release(1)
		return nil, err
	}
	return func() { l.sem.Release(1) }, nil
}
