// Package gate implements the three independent intake filters that sit
// in front of question intake: rate limiter, spam detector, and
// duplicate filter. They share no state; the first rejection wins.
// Per-user state is bounded with an LRU cache (hashicorp/golang-lru) so
// an unbounded number of distinct user ids cannot grow memory without
// limit.
package gate

import (
	"fmt"
	"math"
	"sync"

	lru "github.com/hashicorp/golang-lru"
)

// maxTrackedUsers bounds the rate limiter's and spam detector's LRU
// caches; least-recently-checked users are evicted first.
const maxTrackedUsers = 100_000

// RateLimitConfig holds the per-window ceilings and backoff schedule.
type RateLimitConfig struct {
	MaxPerMinute        int
	MaxPerHour          int
	MaxPerDay           int
	InitialCooldownSecs int64
	MaxCooldownSecs     int64
	CooldownMultiplier  float64
}

// DefaultRateLimitConfig returns the stated defaults.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		MaxPerMinute:        2,
		MaxPerHour:          10,
		MaxPerDay:           50,
		InitialCooldownSecs: 30,
		MaxCooldownSecs:     3600,
		CooldownMultiplier:  2.0,
	}
}

// RateLimitResult is the outcome of a Check call.
type RateLimitResult struct {
	Allowed           bool
	Reason            string
	RetryAfterSeconds int64
}

type userRateState struct {
	questions     []int64
	violations    int
	cooldownUntil int64 // 0 means no cooldown
}

// RateLimiter gates question intake per user identifier.
type RateLimiter struct {
	mu     sync.Mutex
	cfg    RateLimitConfig
	users  *lru.Cache
	now    func() int64
}

// NewRateLimiter constructs a RateLimiter with cfg and an injected clock.
func NewRateLimiter(cfg RateLimitConfig, clock func() int64) *RateLimiter {
	cache, err := lru.New(maxTrackedUsers)
	if err != nil {
		panic(fmt.Sprintf("gate: lru.New: %v", err))
	}
	return &RateLimiter{cfg: cfg, users: cache, now: clock}
}

func (r *RateLimiter) state(userID string) *userRateState {
	if v, ok := r.users.Get(userID); ok {
		return v.(*userRateState)
	}
	st := &userRateState{}
	r.users.Add(userID, st)
	return st
}

func cleanupOlderThan(timestamps []int64, now, window int64) []int64 {
	kept := timestamps[:0]
	for _, ts := range timestamps {
		if now-ts < window {
			kept = append(kept, ts)
		}
	}
	return kept
}

// Check reports whether userID may ask another question right now,
// without consuming budget (recording is a separate call so dry-run
// checks don't count against the limit).
func (r *RateLimiter) Check(userID string) RateLimitResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	st := r.state(userID)
	st.questions = cleanupOlderThan(st.questions, now, 24*3600)

	if st.cooldownUntil > now {
		remaining := st.cooldownUntil - now
		return RateLimitResult{
			Allowed:           false,
			Reason:            fmt.Sprintf("Cooldown active. Please wait %d seconds.", remaining),
			RetryAfterSeconds: remaining,
		}
	}

	perMinute := countWithin(st.questions, now, 60)
	if perMinute >= r.cfg.MaxPerMinute {
		retryAfter := 60 - (now % 60)
		return RateLimitResult{
			Allowed:           false,
			Reason:            fmt.Sprintf("Rate limit exceeded: %d questions per minute. Try again in %d seconds.", r.cfg.MaxPerMinute, retryAfter),
			RetryAfterSeconds: retryAfter,
		}
	}

	perHour := countWithin(st.questions, now, 3600)
	if perHour >= r.cfg.MaxPerHour {
		retryAfter := int64(3600)
		if len(st.questions) > 0 {
			retryAfter = 3600 - (now - st.questions[0])
		}
		return RateLimitResult{
			Allowed:           false,
			Reason:            fmt.Sprintf("Rate limit exceeded: %d questions per hour.", r.cfg.MaxPerHour),
			RetryAfterSeconds: retryAfter,
		}
	}

	perDay := countWithin(st.questions, now, 24*3600)
	if perDay >= r.cfg.MaxPerDay {
		retryAfter := int64(86400)
		if len(st.questions) > 0 {
			retryAfter = 86400 - (now - st.questions[0])
		}
		return RateLimitResult{
			Allowed:           false,
			Reason:            fmt.Sprintf("Rate limit exceeded: %d questions per day.", r.cfg.MaxPerDay),
			RetryAfterSeconds: retryAfter,
		}
	}

	return RateLimitResult{Allowed: true}
}

func countWithin(timestamps []int64, now, window int64) int {
	n := 0
	for _, ts := range timestamps {
		if now-ts < window {
			n++
		}
	}
	return n
}

// Record registers a question attempt at the current time.
func (r *RateLimiter) Record(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.state(userID)
	st.questions = append(st.questions, r.now())
}

// ApplyCooldown registers a rate-limit violation and arms an exponential
// backoff cooldown: min(initial * multiplier^(violations-1), max).
func (r *RateLimiter) ApplyCooldown(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := r.state(userID)
	st.violations++

	seconds := float64(r.cfg.InitialCooldownSecs) * math.Pow(r.cfg.CooldownMultiplier, float64(st.violations-1))
	capped := int64(seconds)
	if capped > r.cfg.MaxCooldownSecs {
		capped = r.cfg.MaxCooldownSecs
	}
	st.cooldownUntil = r.now() + capped
}

// Reset clears all tracked state for userID.
func (r *RateLimiter) Reset(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users.Remove(userID)
}
