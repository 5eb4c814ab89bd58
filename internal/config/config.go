// Package config defines the tunables the core consumes and decodes
// them from a TOML document. Where a document lives on disk, how it's
// watched, and how flags override it are left to the caller; this
// package only owns the schema and its defaults.
package config

import (
	"fmt"
	"io"
	"os"
	"reflect"

	"github.com/naoina/toml"
)

// RateLimit mirrors the rate-limiter defaults.
type RateLimit struct {
	MaxPerMinute        int     `toml:"max_per_minute"`
	MaxPerHour          int     `toml:"max_per_hour"`
	MaxPerDay           int     `toml:"max_per_day"`
	InitialCooldownSecs int64   `toml:"initial_cooldown_seconds"`
	MaxCooldownSecs     int64   `toml:"max_cooldown_seconds"`
	CooldownMultiplier  float64 `toml:"cooldown_multiplier"`
}

// Spam mirrors the spam-detector defaults.
type Spam struct {
	DuplicateWindowSecs    int64    `toml:"duplicate_window_seconds"`
	RapidFireThreshold     int      `toml:"rapid_fire_threshold"`
	RapidFireWindowSecs    int64    `toml:"rapid_fire_window_seconds"`
	MinMessageLength       int      `toml:"min_message_length"`
	AllCapsRatioThreshold  float64  `toml:"all_caps_ratio_threshold"`
	Keywords               []string `toml:"spam_keywords"`
}

// Duplicate mirrors the duplicate-filter thresholds.
type Duplicate struct {
	ExactThreshold   float64 `toml:"exact_threshold"`
	SimilarThreshold float64 `toml:"similar_threshold"`
	RelatedThreshold float64 `toml:"related_threshold"`
}

// PoHV tunes the human-heartbeat timeout and warning window.
type PoHV struct {
	TimeoutSecs   int64 `toml:"timeout_seconds"`
	WarningSecs   int64 `toml:"warning_seconds"`
}

// Channel bounds the per-channel message log.
type Channel struct {
	Capacity int `toml:"capacity"`
}

// Council holds a commit-reveal consensus threshold. cmd/councild does
// not pass it on; internal/council applies its own ConsensusThreshold.
type Council struct {
	ConsensusThreshold float64 `toml:"consensus_threshold"`
}

// Deliberation caps the round count.
type Deliberation struct {
	MaxRounds int `toml:"max_rounds"`
}

// ChatResponder holds general-channel responder cadence settings.
// cmd/councild does not pass them on to internal/chatresponder.
type ChatResponder struct {
	PollIntervalSecs     int64 `toml:"poll_interval_seconds"`
	MaxRespondersPerMsg  int   `toml:"max_responders_per_message"`
}

// Topic holds a broadcast-topic rotation interval. cmd/councild does not
// pass it on; the scheduler takes its interval from each SetTopic call.
type Topic struct {
	IntervalSecs int64 `toml:"interval_seconds"`
}

// Config is the root tunables document.
type Config struct {
	RateLimit     RateLimit     `toml:"rate_limit"`
	Spam          Spam          `toml:"spam"`
	Duplicate     Duplicate     `toml:"duplicate"`
	PoHV          PoHV          `toml:"pohv"`
	Channel       Channel       `toml:"channel"`
	Council       Council       `toml:"council"`
	Deliberation  Deliberation  `toml:"deliberation"`
	ChatResponder ChatResponder `toml:"chat_responder"`
	Topic         Topic         `toml:"topic"`
}

// Default returns the stock configuration.
func Default() *Config {
	return &Config{
		RateLimit: RateLimit{
			MaxPerMinute:        2,
			MaxPerHour:          10,
			MaxPerDay:           50,
			InitialCooldownSecs: 30,
			MaxCooldownSecs:     3600,
			CooldownMultiplier:  2.0,
		},
		Spam: Spam{
			DuplicateWindowSecs:   60,
			RapidFireThreshold:    5,
			RapidFireWindowSecs:   10,
			MinMessageLength:      5,
			AllCapsRatioThreshold: 0.8,
			Keywords: []string{
				"buy now", "click here", "limited offer",
				"act now", "guaranteed", "free money",
			},
		},
		Duplicate: Duplicate{
			ExactThreshold:   0.95,
			SimilarThreshold: 0.85,
			RelatedThreshold: 0.70,
		},
		PoHV: PoHV{
			TimeoutSecs: 3600,
			WarningSecs: 300,
		},
		Channel: Channel{Capacity: 10000},
		Council: Council{ConsensusThreshold: 0.67},
		Deliberation: Deliberation{MaxRounds: 3},
		ChatResponder: ChatResponder{
			PollIntervalSecs:    2,
			MaxRespondersPerMsg: 2,
		},
		Topic: Topic{IntervalSecs: 300},
	}
}

// Load reads and decodes a TOML config document, filling any field
// absent from the document with its stock default.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()
	return Decode(f)
}

var tomlSettings = toml.Config{
	NormFieldName: func(_ reflect.Type, name string) string { return name },
	FieldToKey:    func(_ reflect.Type, field string) string { return field },
	MissingField: func(_ reflect.Type, field string) error {
		return nil
	},
}

// Decode decodes a TOML document from r on top of the default config.
func Decode(r io.Reader) (*Config, error) {
	cfg := Default()
	if err := tomlSettings.NewDecoder(r).Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	return cfg, nil
}
