package ratelimit

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type Config struct {
	// ConnectRPS and ConnectBurst bound how fast one principal may open sessions.
	ConnectRPS   float64
	ConnectBurst int

	// MaxSessionsPerPrincipal caps concurrently open sessions.
	MaxSessionsPerPrincipal int

	// Operational bounds for the in-memory map (single-process only).
	MaxEntries int
	EntryTTL   time.Duration
}

type Limiter struct {
	cfg Config

	mu sync.Mutex
	m  map[string]*principalLimiter
}

type principalLimiter struct {
	connect    *rate.Limiter
	sessionSem chan struct{}

	mu       sync.Mutex
	lastSeen time.Time
}

func New(cfg Config) *Limiter {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10_000
	}
	if cfg.EntryTTL <= 0 {
		cfg.EntryTTL = 30 * time.Minute
	}
	return &Limiter{
		cfg: cfg,
		m:   make(map[string]*principalLimiter),
	}
}

func PrincipalKeyFromAPIKey(apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	// 16 bytes => 32 hex chars; enough to avoid collisions in practice.
	return "k_" + hex.EncodeToString(sum[:16])
}

func PrincipalKeyFromIP(ip string) string {
	sum := sha256.Sum256([]byte(ip))
	return "ip_" + hex.EncodeToString(sum[:16])
}

type Permit struct {
	release func()
}

func (p *Permit) Release() {
	if p == nil || p.release == nil {
		return
	}
	p.release()
	p.release = nil
}

type Decision struct {
	Allowed    bool
	RetryAfter int
	Permit     *Permit
}

// AllowConnect spends one connect token for principal.
func (l *Limiter) AllowConnect(principal string, now time.Time) Decision {
	if l == nil || l.cfg.ConnectRPS <= 0 || l.cfg.ConnectBurst <= 0 {
		return Decision{Allowed: true}
	}
	pl := l.getOrCreate(principalOrAnon(principal), now)
	pl.touch(now)

	res := pl.connect.ReserveN(now, 1)
	if !res.OK() {
		return Decision{Allowed: false, RetryAfter: 1}
	}
	delay := res.DelayFrom(now)
	if delay <= 0 {
		return Decision{Allowed: true}
	}
	res.CancelAt(now)
	retryAfter := int(math.Ceil(delay.Seconds()))
	if retryAfter < 1 {
		retryAfter = 1
	}
	return Decision{Allowed: false, RetryAfter: retryAfter}
}

// AcquireSession reserves one concurrent-session slot. The permit must be released when
// the session ends.
func (l *Limiter) AcquireSession(principal string, now time.Time) Decision {
	if l == nil || l.cfg.MaxSessionsPerPrincipal <= 0 {
		return Decision{Allowed: true, Permit: &Permit{release: func() {}}}
	}
	pl := l.getOrCreate(principalOrAnon(principal), now)
	pl.touch(now)

	select {
	case pl.sessionSem <- struct{}{}:
		return Decision{
			Allowed: true,
			Permit:  &Permit{release: func() { <-pl.sessionSem }},
		}
	default:
		return Decision{Allowed: false, RetryAfter: 1}
	}
}

func principalOrAnon(principal string) string {
	if principal == "" {
		return "anonymous"
	}
	return principal
}

func (l *Limiter) getOrCreate(principal string, now time.Time) *principalLimiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if pl, ok := l.m[principal]; ok {
		return pl
	}

	if len(l.m) >= l.cfg.MaxEntries {
		l.gcLocked(now)
		// If still too big, drop one idle entry (bounded memory > perfect fairness).
		if len(l.m) >= l.cfg.MaxEntries {
			for k, v := range l.m {
				if len(v.sessionSem) == 0 {
					delete(l.m, k)
					break
				}
			}
		}
	}

	pl := &principalLimiter{
		connect:    rate.NewLimiter(rate.Limit(l.cfg.ConnectRPS), l.cfg.ConnectBurst),
		sessionSem: make(chan struct{}, max(1, l.cfg.MaxSessionsPerPrincipal)),
		lastSeen:   now,
	}
	l.m[principal] = pl
	return pl
}

// gcLocked drops idle principals. Entries holding session permits are kept so their
// release still drains the right semaphore.
func (l *Limiter) gcLocked(now time.Time) {
	ttl := l.cfg.EntryTTL
	for k, v := range l.m {
		if len(v.sessionSem) > 0 {
			continue
		}
		if now.Sub(v.seen()) > ttl {
			delete(l.m, k)
		}
	}
}

func (pl *principalLimiter) touch(now time.Time) {
	pl.mu.Lock()
	pl.lastSeen = now
	pl.mu.Unlock()
}

func (pl *principalLimiter) seen() time.Time {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	return pl.lastSeen
}
