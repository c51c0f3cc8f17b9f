package api

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	limiterIdleAfter  = time.Hour
	limiterPruneAbove = 1024
)

type clientLimiter struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// rateLimiter bounds model calls per client.
type rateLimiter struct {
	perMinute int
	now       func() time.Time

	mu      sync.Mutex
	clients map[string]*clientLimiter
}

func newRateLimiter(perMinute int) *rateLimiter {
	return &rateLimiter{
		perMinute: perMinute,
		now:       time.Now,
		clients:   make(map[string]*clientLimiter),
	}
}

func (l *rateLimiter) allow(clientID string) bool {
	if l.perMinute <= 0 {
		return true
	}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.clients) > limiterPruneAbove {
		for id, c := range l.clients {
			if now.Sub(c.lastSeen) > limiterIdleAfter {
				delete(l.clients, id)
			}
		}
	}
	c, ok := l.clients[clientID]
	if !ok {
		c = &clientLimiter{lim: rate.NewLimiter(rate.Every(time.Minute/time.Duration(l.perMinute)), l.perMinute)}
		l.clients[clientID] = c
	}
	c.lastSeen = now
	return c.lim.AllowN(now, 1)
}
