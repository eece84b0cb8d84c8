package api

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const limiterIdle = 3 * time.Minute

// clientLimiter is a token bucket per client IP. Idle clients are dropped by
// a sweeper that lives as long as ctx.
type clientLimiter struct {
	rate  rate.Limit
	burst int

	mu      sync.Mutex
	clients map[string]*limiterEntry
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newClientLimiter(ctx context.Context, perSecond float64, burst int) *clientLimiter {
	if burst < 1 {
		burst = 1
	}
	l := &clientLimiter{
		rate:    rate.Limit(perSecond),
		burst:   burst,
		clients: make(map[string]*limiterEntry),
	}
	go l.sweep(ctx)
	return l
}

func (l *clientLimiter) sweep(ctx context.Context) {
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			l.mu.Lock()
			for ip, e := range l.clients {
				if time.Since(e.lastSeen) > limiterIdle {
					delete(l.clients, ip)
				}
			}
			l.mu.Unlock()
		}
	}
}

func (l *clientLimiter) allow(r *http.Request) bool {
	ip := clientIP(r)
	l.mu.Lock()
	e, ok := l.clients[ip]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.clients[ip] = e
	}
	e.lastSeen = time.Now()
	l.mu.Unlock()
	return e.limiter.Allow()
}

// clientIP is the TCP peer address. Forwarding headers are ignored since they
// are client controlled.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
