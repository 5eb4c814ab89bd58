// Package channel implements the bounded per-channel message log and
// the policy gates that decide who may post where.
package channel

import (
	"errors"
	"fmt"
	"sync"
)

// Type identifies one of the four canonical channels.
type Type string

const (
	General   Type = "general"
	Human     Type = "human"
	Knowledge Type = "knowledge"
	Vote      Type = "vote"
)

// allowsAI reports whether AI-authored messages may post to t.
func (t Type) allowsAI() bool {
	return t != Human
}

// requiresSignature reports whether human-authored messages in t must
// carry an Ed25519 signature.
func (t Type) requiresSignature() bool {
	return t == Human
}

// AuthorKind distinguishes who produced a message.
type AuthorKind string

const (
	AuthorHuman  AuthorKind = "Human"
	AuthorAI     AuthorKind = "AI"
	AuthorSystem AuthorKind = "System"
)

// Errors surfaced by Manager operations. Send files each message under
// the channel named by its own Channel field, so ErrChannelMismatch is
// never returned.
var (
	ErrChannelMismatch        = errors.New("channel: message channel does not match containing channel")
	ErrAIForbiddenInHuman     = errors.New("channel: AI messages not allowed in human channel")
	ErrSignatureRequired      = errors.New("channel: signature required for human messages in this channel")
	ErrChannelNotFound        = errors.New("channel: channel not found")
	ErrMessageNotFound        = errors.New("channel: message not found")
)

// Reaction is a single (emoji, author) pair attached to a message.
type Reaction struct {
	Emoji     string
	Author    string
	Timestamp int64
}

// Message is one chat record.
type Message struct {
	ID         string
	Channel    Type
	Author     string
	AuthorKind AuthorKind
	Content    string
	Timestamp  int64
	Signature  string // empty means absent
	ReplyTo    string // empty means absent
	Reactions  []Reaction
}

// AddReaction replaces any prior reaction by the same (emoji, author) pair.
func (m *Message) AddReaction(emoji, author string, now int64) {
	kept := m.Reactions[:0]
	for _, r := range m.Reactions {
		if r.Emoji == emoji && r.Author == author {
			continue
		}
		kept = append(kept, r)
	}
	m.Reactions = append(kept, Reaction{Emoji: emoji, Author: author, Timestamp: now})
}

// channelLog is a bounded FIFO ordered sequence for one channel type.
type channelLog struct {
	messages []Message
	maxLen   int
}

func newChannelLog(maxLen int) *channelLog {
	return &channelLog{maxLen: maxLen}
}

func (c *channelLog) get(limit, offset int) []Message {
	total := len(c.messages)
	if offset >= total {
		return nil
	}
	start := total - offset - limit
	if start < 0 {
		start = 0
	}
	end := total - offset
	window := c.messages[start:end]

	out := make([]Message, len(window))
	for i, m := range window {
		out[len(window)-1-i] = m
	}
	return out
}

func (c *channelLog) find(id string) *Message {
	for i := range c.messages {
		if c.messages[i].ID == id {
			return &c.messages[i]
		}
	}
	return nil
}

// Manager owns all four canonical channels behind a single exclusive
// lock, matching the per-component lock model.
type Manager struct {
	mu       sync.Mutex
	logs     map[Type]*channelLog
	capacity int
}

// NewManager constructs a Manager with the four canonical channels, each
// bounded to capacity messages (default 10000).
func NewManager(capacity int) *Manager {
	m := &Manager{
		logs:     make(map[Type]*channelLog),
		capacity: capacity,
	}
	for _, t := range []Type{General, Human, Knowledge, Vote} {
		m.logs[t] = newChannelLog(capacity)
	}
	return m
}

// Send validates and appends a message to its channel.
func (m *Manager) Send(msg Message) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	log, ok := m.logs[msg.Channel]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrChannelNotFound, msg.Channel)
	}

	if !msg.Channel.allowsAI() && msg.AuthorKind == AuthorAI {
		return "", fmt.Errorf("%w: #%s", ErrAIForbiddenInHuman, msg.Channel)
	}
	if msg.Channel.requiresSignature() && msg.AuthorKind == AuthorHuman && msg.Signature == "" {
		return "", fmt.Errorf("%w: #%s", ErrSignatureRequired, msg.Channel)
	}

	log.messages = append(log.messages, msg)
	if len(log.messages) > log.maxLen {
		excess := len(log.messages) - log.maxLen
		log.messages = log.messages[excess:]
	}
	return msg.ID, nil
}

// Get returns a newest-first window of limit messages after skipping
// offset from the newest end.
func (m *Manager) Get(t Type, limit, offset int) ([]Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	log, ok := m.logs[t]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrChannelNotFound, t)
	}
	return log.get(limit, offset), nil
}

// GetMessage returns a copy of one message by id, if present.
func (m *Manager) GetMessage(t Type, id string) (Message, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	log, ok := m.logs[t]
	if !ok {
		return Message{}, false, fmt.Errorf("%w: %s", ErrChannelNotFound, t)
	}
	found := log.find(id)
	if found == nil {
		return Message{}, false, nil
	}
	return *found, true, nil
}

// AddReaction replaces any prior (emoji, author) reaction on the message.
func (m *Manager) AddReaction(t Type, messageID, emoji, author string, now int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	log, ok := m.logs[t]
	if !ok {
		return fmt.Errorf("%w: %s", ErrChannelNotFound, t)
	}
	msg := log.find(messageID)
	if msg == nil {
		return fmt.Errorf("%w: %s", ErrMessageNotFound, messageID)
	}
	msg.AddReaction(emoji, author, now)
	return nil
}

// MessageCount reports the current length of a channel's log.
func (m *Manager) MessageCount(t Type) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	log, ok := m.logs[t]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrChannelNotFound, t)
	}
	return len(log.messages), nil
}

// SendSystem posts a System-authored message with no signature.
func (m *Manager) SendSystem(t Type, id, content string, now int64) (string, error) {
	return m.Send(Message{
		ID:         id,
		Channel:    t,
		Author:     "System",
		AuthorKind: AuthorSystem,
		Content:    content,
		Timestamp:  now,
	})
}
