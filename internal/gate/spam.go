package gate

import (
	"fmt"
	"strings"
	"sync"
	"unicode"

	lru "github.com/hashicorp/golang-lru"
)

// SpamLevel is the discrete spam-score bucket a message lands in.
type SpamLevel string

const (
	SpamOk         SpamLevel = "Ok"
	SpamWarning    SpamLevel = "Warning"
	SpamCooldown5m SpamLevel = "Cooldown5m"
	SpamCooldown1h SpamLevel = "Cooldown1h"
	SpamBan24h     SpamLevel = "Ban24h"
)

// levelFromScore buckets an additive score in [0,1].
func levelFromScore(score float64) SpamLevel {
	switch {
	case score < 0.3:
		return SpamOk
	case score < 0.5:
		return SpamWarning
	case score < 0.7:
		return SpamCooldown5m
	case score < 0.9:
		return SpamCooldown1h
	default:
		return SpamBan24h
	}
}

// cooldownSeconds returns the cooldown associated with a level, or 0 (no
// cooldown) for Ok/Warning.
func (l SpamLevel) cooldownSeconds() int64 {
	switch l {
	case SpamCooldown5m:
		return 300
	case SpamCooldown1h:
		return 3600
	case SpamBan24h:
		return 86400
	default:
		return 0
	}
}

// SpamDetectorConfig tunes the five scoring signals and their windows.
type SpamDetectorConfig struct {
	DuplicateWindowSecs   int64
	RapidFireThreshold    int
	RapidFireWindowSecs   int64
	MinMessageLength      int
	AllCapsRatioThreshold float64
	Keywords              []string
}

// DefaultSpamDetectorConfig returns the stated defaults.
func DefaultSpamDetectorConfig() SpamDetectorConfig {
	return SpamDetectorConfig{
		DuplicateWindowSecs:   60,
		RapidFireThreshold:    5,
		RapidFireWindowSecs:   10,
		MinMessageLength:      5,
		AllCapsRatioThreshold: 0.8,
		Keywords: []string{
			"buy now", "click here", "limited offer",
			"act now", "guaranteed", "free money",
		},
	}
}

type timestampedMessage struct {
	timestamp int64
	body      string
}

type userSpamState struct {
	messages    []timestampedMessage
	spamScore   float64
	bannedUntil int64
}

// SpamCheckResult is the outcome of a CheckSpam call.
type SpamCheckResult struct {
	IsSpam            bool
	SpamScore         float64
	SpamLevel         SpamLevel
	Reasons           []string
	CooldownSeconds   int64
}

// Detector scores chat messages for spam signals, per-user.
type Detector struct {
	mu    sync.Mutex
	cfg   SpamDetectorConfig
	users *lru.Cache
	now   func() int64
}

// NewDetector constructs a Detector with cfg and an injected clock.
func NewDetector(cfg SpamDetectorConfig, clock func() int64) *Detector {
	cache, err := lru.New(maxTrackedUsers)
	if err != nil {
		panic(fmt.Sprintf("gate: lru.New: %v", err))
	}
	return &Detector{cfg: cfg, users: cache, now: clock}
}

func (d *Detector) state(userID string) *userSpamState {
	if v, ok := d.users.Get(userID); ok {
		return v.(*userSpamState)
	}
	st := &userSpamState{}
	d.users.Add(userID, st)
	return st
}

func (d *Detector) cleanup(st *userSpamState, now int64) {
	kept := st.messages[:0]
	for _, m := range st.messages {
		if now-m.timestamp < 3600 {
			kept = append(kept, m)
		}
	}
	st.messages = kept
}

// CheckSpam scores message for user userID against the five additive
// scoring signals, then updates the running EMA spam score.
func (d *Detector) CheckSpam(userID, message string) SpamCheckResult {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	st := d.state(userID)
	d.cleanup(st, now)

	if st.bannedUntil > now {
		return SpamCheckResult{
			IsSpam:          true,
			SpamScore:       1.0,
			SpamLevel:       SpamBan24h,
			Reasons:         []string{"User is banned"},
			CooldownSeconds: st.bannedUntil - now,
		}
	}

	var score float64
	var reasons []string

	if d.hasDuplicateInWindow(st, message, now) {
		score += 0.3
		reasons = append(reasons, "Duplicate message in short time window")
	}

	rapidFire := d.countRapidFire(st, now)
	if rapidFire >= d.cfg.RapidFireThreshold {
		score += 0.4
		reasons = append(reasons, fmt.Sprintf("Rapid-fire detected: %d messages in %ds", rapidFire, d.cfg.RapidFireWindowSecs))
	}

	if len(strings.TrimSpace(message)) < d.cfg.MinMessageLength {
		score += 0.2
		reasons = append(reasons, fmt.Sprintf("Message too short (< %d chars)", d.cfg.MinMessageLength))
	}

	if isAllCaps(message, d.cfg.AllCapsRatioThreshold) {
		score += 0.2
		reasons = append(reasons, "Excessive caps lock usage")
	}

	if d.containsSpamKeywords(message) {
		score += 0.5
		reasons = append(reasons, "Contains spam keywords")
	}

	level := levelFromScore(score)
	isSpam := level == SpamCooldown5m || level == SpamCooldown1h || level == SpamBan24h

	if cooldown := level.cooldownSeconds(); cooldown > 0 {
		st.bannedUntil = now + cooldown
	}

	st.spamScore = st.spamScore*0.7 + score*0.3

	return SpamCheckResult{
		IsSpam:          isSpam,
		SpamScore:       score,
		SpamLevel:       level,
		Reasons:         reasons,
		CooldownSeconds: level.cooldownSeconds(),
	}
}

// RecordMessage appends message to userID's rolling hour of history.
func (d *Detector) RecordMessage(userID, message string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	st := d.state(userID)
	st.messages = append(st.messages, timestampedMessage{timestamp: d.now(), body: message})
}

func (d *Detector) hasDuplicateInWindow(st *userSpamState, message string, now int64) bool {
	trimmed := strings.TrimSpace(message)
	for _, m := range st.messages {
		if now-m.timestamp < d.cfg.DuplicateWindowSecs && strings.TrimSpace(m.body) == trimmed {
			return true
		}
	}
	return false
}

func (d *Detector) countRapidFire(st *userSpamState, now int64) int {
	n := 0
	for _, m := range st.messages {
		if now-m.timestamp < d.cfg.RapidFireWindowSecs {
			n++
		}
	}
	return n
}

func isAllCaps(message string, threshold float64) bool {
	letters := 0
	caps := 0
	for _, r := range message {
		if !unicode.IsLetter(r) {
			continue
		}
		letters++
		if unicode.IsUpper(r) {
			caps++
		}
	}
	if letters == 0 {
		return false
	}
	return float64(caps)/float64(letters) >= threshold
}

func (d *Detector) containsSpamKeywords(message string) bool {
	lower := strings.ToLower(message)
	for _, kw := range d.cfg.Keywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// ResetUser clears all tracked state for userID.
func (d *Detector) ResetUser(userID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users.Remove(userID)
}
