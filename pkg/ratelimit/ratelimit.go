package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

const (
	DefaultMessageRateLimit = 10
	DefaultBurstLimit       = 20
	DefaultCooldownPeriod   = 5 * time.Second
	DefaultMaxTrackedKeys   = 4096

	// ReasonBurst prefixes the rejection that starts a cooldown.
	ReasonBurst = "burst limit exceeded"

	// windowSpan is the sliding window length.
	windowSpan = time.Second

	// idleTTL is how long a window may sit untouched before Sweep drops it.
	idleTTL = 60 * time.Second
)

type Config struct {
	MessageRateLimit int
	BurstLimit       int
	CooldownPeriod   time.Duration
	// MaxTrackedKeys caps the number of windows held between sweeps.
	MaxTrackedKeys int
}

func (c Config) withDefaults() Config {
	if c.MessageRateLimit <= 0 {
		c.MessageRateLimit = DefaultMessageRateLimit
	}
	if c.BurstLimit <= 0 {
		c.BurstLimit = DefaultBurstLimit
	}
	if c.BurstLimit < c.MessageRateLimit {
		c.BurstLimit = c.MessageRateLimit
	}
	if c.CooldownPeriod <= 0 {
		c.CooldownPeriod = DefaultCooldownPeriod
	}
	if c.MaxTrackedKeys <= 0 {
		c.MaxTrackedKeys = DefaultMaxTrackedKeys
	}
	return c
}

// window is the per-key RateWindow. Its fields are guarded by mu.
type window struct {
	mu            sync.Mutex
	stamps        []time.Time
	cooldownSince time.Time
	cooldownUntil time.Time
	lastSeen      time.Time
	evicted       bool
}

type Stats struct {
	TotalRequests       uint64  `json:"total_requests"`
	BlockedRequests     uint64  `json:"blocked_requests"`
	CooldownActivations uint64  `json:"cooldown_activations"`
	BlockRate           float64 `json:"block_rate"`
	ActiveWindows       int     `json:"active_windows"`
	ActiveCooldowns     int     `json:"active_cooldowns"`
	UserOverrides       int     `json:"user_overrides"`
}

// Status describes one key's current limiter state.
type Status struct {
	RequestsLastSecond int           `json:"requests_last_second"`
	CooldownRemaining  time.Duration `json:"cooldown_remaining"`
	InCooldown         bool          `json:"in_cooldown"`
}

// Limiter admits requests per conversation key under a sliding one-second
// window with burst cooldown. It never returns an error: internal faults
// admit the request.
type Limiter struct {
	cfg Config
	now func() time.Time
	log *slog.Logger

	mu        sync.Mutex
	windows   map[string]*window
	overrides map[string]int

	total     atomic.Uint64
	blocked   atomic.Uint64
	cooldowns atomic.Uint64
}

type Option func(*Limiter)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) {
		if logger != nil {
			l.log = logger
		}
	}
}

func New(cfg Config, opts ...Option) *Limiter {
	l := &Limiter{
		cfg:       cfg.withDefaults(),
		now:       time.Now,
		log:       slog.Default(),
		windows:   make(map[string]*window),
		overrides: make(map[string]int),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.log = l.log.With("component", "ratelimit")
	return l
}

func (l *Limiter) Config() Config { return l.cfg }

// Admit decides whether a request for key may proceed. userID selects a
// per-user limit override when one is set.
//
// Over-limit attempts that do not trigger a cooldown are still recorded in
// the window, so sustained pressure reaches the burst limit and cools down.
func (l *Limiter) Admit(key string, userID string) (allowed bool, reason string) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("Rate limiter fault, admitting", "key", key, "panic", r)
			allowed, reason = true, ""
		}
	}()

	l.total.Add(1)
	now := l.now()
	limit := l.effectiveLimit(userID)

	var activated bool
	for {
		w := l.window(key, now)
		w.mu.Lock()
		if w.evicted {
			w.mu.Unlock()
			continue
		}
		allowed, reason, activated = l.check(w, now, limit)
		w.mu.Unlock()
		break
	}

	if !allowed {
		l.blocked.Add(1)
	}
	if activated {
		l.cooldowns.Add(1)
		l.log.Warn("Cooldown activated", "key", key, "user_id", userID, "cooldown", l.cfg.CooldownPeriod)
	}

	return allowed, reason
}

// check runs the admission rules against w. Caller holds w.mu.
func (l *Limiter) check(w *window, now time.Time, limit int) (bool, string, bool) {
	w.lastSeen = now

	if !w.cooldownUntil.IsZero() {
		if now.Before(w.cooldownUntil) {
			return false, fmt.Sprintf("cooling down, retry in %.1fs", w.cooldownUntil.Sub(now).Seconds()), false
		}
		w.cooldownUntil = time.Time{}
		w.cooldownSince = time.Time{}
	}

	w.evictBefore(now.Add(-windowSpan))

	if len(w.stamps) >= limit {
		if len(w.stamps) >= l.cfg.BurstLimit {
			w.cooldownSince = now
			w.cooldownUntil = now.Add(l.cfg.CooldownPeriod)
			return false, fmt.Sprintf("%s, cooling down for %s", ReasonBurst, l.cfg.CooldownPeriod), true
		}
		w.record(now, l.cfg.BurstLimit)
		return false, fmt.Sprintf("rate limit exceeded (%d/s)", limit), false
	}

	w.record(now, l.cfg.BurstLimit)
	return true, "", false
}

func (w *window) evictBefore(cutoff time.Time) {
	i := 0
	for i < len(w.stamps) && !w.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.stamps = append(w.stamps[:0], w.stamps[i:]...)
	}
}

func (w *window) record(now time.Time, capacity int) {
	if len(w.stamps) >= capacity {
		w.stamps = append(w.stamps[:0], w.stamps[len(w.stamps)-capacity+1:]...)
	}
	w.stamps = append(w.stamps, now)
}

func (l *Limiter) window(key string, now time.Time) *window {
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok {
		if len(l.windows) >= l.cfg.MaxTrackedKeys {
			l.pruneLocked(now)
		}
		w = &window{stamps: make([]time.Time, 0, l.cfg.BurstLimit)}
		l.windows[key] = w
	}
	return w
}

// pruneLocked makes room for one more window. Windows with nothing in the
// last second go first, then windows not cooling down, then any. Caller
// holds l.mu.
func (l *Limiter) pruneLocked(now time.Time) {
	cutoff := now.Add(-windowSpan)
	evictIf := func(keep func(w *window) bool) {
		for key, w := range l.windows {
			if len(l.windows) < l.cfg.MaxTrackedKeys {
				return
			}
			w.mu.Lock()
			if !keep(w) {
				w.evicted = true
				delete(l.windows, key)
			}
			w.mu.Unlock()
		}
	}

	cooling := func(w *window) bool { return now.Before(w.cooldownUntil) }
	evictIf(func(w *window) bool {
		return cooling(w) || (len(w.stamps) > 0 && w.stamps[len(w.stamps)-1].After(cutoff))
	})
	evictIf(cooling)
	evictIf(func(*window) bool { return false })
}

// effectiveLimit never exceeds the burst limit so that admissions within one
// window stay bounded by it.
func (l *Limiter) effectiveLimit(userID string) int {
	limit := l.cfg.MessageRateLimit
	if userID != "" {
		l.mu.Lock()
		if override, ok := l.overrides[userID]; ok {
			limit = override
		}
		l.mu.Unlock()
	}
	return min(max(limit, 1), l.cfg.BurstLimit)
}

// SetUserLimit overrides the per-second limit for userID.
func (l *Limiter) SetUserLimit(userID string, limit int) error {
	if userID == "" {
		return fmt.Errorf("user id is required")
	}
	if limit <= 0 {
		return fmt.Errorf("limit must be positive, got %d", limit)
	}

	l.mu.Lock()
	l.overrides[userID] = limit
	l.mu.Unlock()

	l.log.Info("User limit set", "user_id", userID, "limit", limit)
	return nil
}

func (l *Limiter) ClearUserLimit(userID string) bool {
	l.mu.Lock()
	_, ok := l.overrides[userID]
	delete(l.overrides, userID)
	l.mu.Unlock()

	if ok {
		l.log.Info("User limit cleared", "user_id", userID)
	}
	return ok
}

// UserLimit returns the configured limit for userID and whether it is an override.
func (l *Limiter) UserLimit(userID string) (int, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if override, ok := l.overrides[userID]; ok {
		return override, true
	}
	return l.cfg.MessageRateLimit, false
}

func (l *Limiter) Status(key string) Status {
	l.mu.Lock()
	w, ok := l.windows[key]
	l.mu.Unlock()
	if !ok {
		return Status{}
	}

	now := l.now()
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := now.Add(-windowSpan)
	count := 0
	for _, ts := range w.stamps {
		if ts.After(cutoff) {
			count++
		}
	}

	var remaining time.Duration
	if now.Before(w.cooldownUntil) {
		remaining = w.cooldownUntil.Sub(now)
	}

	return Status{
		RequestsLastSecond: count,
		CooldownRemaining:  remaining,
		InCooldown:         remaining > 0,
	}
}

// Sweep drops windows idle for more than a minute and cooldowns older than
// twice the cooldown period. It returns the number of windows removed.
func (l *Limiter) Sweep() int {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, w := range l.windows {
		w.mu.Lock()
		if !w.cooldownSince.IsZero() && now.Sub(w.cooldownSince) > 2*l.cfg.CooldownPeriod {
			w.cooldownSince = time.Time{}
			w.cooldownUntil = time.Time{}
		}
		if now.Sub(w.lastSeen) > idleTTL && w.cooldownUntil.IsZero() {
			w.evicted = true
			delete(l.windows, key)
			removed++
		}
		w.mu.Unlock()
	}

	return removed
}

// Run sweeps every interval until ctx is done.
func (l *Limiter) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := l.Sweep(); n > 0 {
				l.log.Debug("Rate windows swept", "removed", n)
			}
		}
	}
}

func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	active := len(l.windows)
	overrides := len(l.overrides)
	windows := make([]*window, 0, active)
	for _, w := range l.windows {
		windows = append(windows, w)
	}
	l.mu.Unlock()

	now := l.now()
	cooling := 0
	for _, w := range windows {
		w.mu.Lock()
		if now.Before(w.cooldownUntil) {
			cooling++
		}
		w.mu.Unlock()
	}

	total := l.total.Load()
	blocked := l.blocked.Load()

	return Stats{
		TotalRequests:       total,
		BlockedRequests:     blocked,
		CooldownActivations: l.cooldowns.Load(),
		BlockRate:           float64(blocked) / math.Max(1, float64(total)),
		ActiveWindows:       active,
		ActiveCooldowns:     cooling,
		UserOverrides:       overrides,
	}
}

func (l *Limiter) ResetStats() {
	l.total.Store(0)
	l.blocked.Store(0)
	l.cooldowns.Store(0)
}
