// Package chatresponder implements the chat responder loop: a single
// long-lived task that watches the general channel for unanswered human
// messages and replies through a round-robin slice of the agent pool.
package chatresponder

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/councilnet/core/internal/agentpool"
	"github.com/councilnet/core/internal/backend"
	"github.com/councilnet/core/internal/channel"
	"github.com/councilnet/core/internal/xlog"
)

// Poll cadence and window sizes for one tick.
const (
	DefaultMaxRespondersPerMessage = 2
	pollInterval                   = 2 * time.Second
	recentWindow                   = 10
	contextWindow                  = 5
)

// Responder is the single dedicated task polling #general. Its cursor
// fields (lastSeenID, nextAgentIndex) are only ever touched from Tick,
// so no lock guards them.
type Responder struct {
	channels  *channel.Manager
	pool      *agentpool.Pool
	registry  *backend.Registry
	broadcast *channel.Broadcaster
	log       *xlog.Logger
	now       func() int64
	newID     func() string

	maxResponders  int
	lastSeenID     string
	nextAgentIndex int
}

// New constructs a Responder. now supplies unix-second timestamps and
// newID generates message ids; both are injected for deterministic tests.
func New(channels *channel.Manager, pool *agentpool.Pool, registry *backend.Registry, broadcast *channel.Broadcaster, log *xlog.Logger, now func() int64, newID func() string) *Responder {
	return &Responder{
		channels:      channels,
		pool:          pool,
		registry:      registry,
		broadcast:     broadcast,
		log:           log,
		now:           now,
		newID:         newID,
		maxResponders: DefaultMaxRespondersPerMessage,
	}
}

// SetMaxResponders overrides the per-message responder cap.
func (r *Responder) SetMaxResponders(n int) {
	if n > 0 {
		r.maxResponders = n
	}
}

// Run polls every 2 s until ctx is cancelled.
func (r *Responder) Run(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Tick(ctx); err != nil {
				r.log.Warn("chatresponder: tick failed", "err", err)
			}
		}
	}
}

// Tick runs one polling cycle: find the newest unprocessed human
// message, pick responders, reply through each.
func (r *Responder) Tick(ctx context.Context) error {
	messages, err := r.channels.Get(channel.General, recentWindow, 0)
	if err != nil {
		return fmt.Errorf("chatresponder: fetch messages: %w", err)
	}
	if len(messages) == 0 {
		return nil
	}

	var target *channel.Message
	for i := range messages {
		m := &messages[i]
		if m.AuthorKind == channel.AuthorHuman && m.ID != r.lastSeenID {
			target = m
			break
		}
	}
	if target == nil {
		return nil
	}
	r.lastSeenID = target.ID

	active := r.pool.Active()
	if len(active) == 0 {
		r.log.Debug("chatresponder: no active agents to respond")
		return nil
	}

	window := messages
	if len(window) > contextWindow {
		window = window[:contextWindow]
	}
	contextBlock := buildContext(window)

	totalAgents := len(active)
	responders := r.maxResponders
	if responders > totalAgents {
		responders = totalAgents
	}
	startIndex := r.nextAgentIndex % totalAgents
	r.nextAgentIndex = (startIndex + responders) % totalAgents

	for offset := 0; offset < responders; offset++ {
		agent := active[(startIndex+offset)%totalAgents]
		if err := r.respondWithAgent(ctx, agent, *target, contextBlock); err != nil {
			r.log.Warn("chatresponder: agent reply failed", "agent", agent.DisplayName, "err", err)
		}
	}
	return nil
}

// buildContext renders messages (already newest-first) one per line as
// "<author>: <content>".
func buildContext(messages []channel.Message) string {
	lines := make([]string, len(messages))
	for i, m := range messages {
		lines[i] = fmt.Sprintf("%s: %s", m.Author, m.Content)
	}
	return strings.Join(lines, "\n")
}

func (r *Responder) respondWithAgent(ctx context.Context, agent agentpool.Agent, msg channel.Message, contextBlock string) error {
	b, ok := r.registry.Get(string(agent.Backend))
	if !ok {
		return fmt.Errorf("backend %q not registered", agent.Backend)
	}

	prompt := fmt.Sprintf(
		"# Recent Conversation\n%s\n\n# Latest human message from %s\n%s\n\nRespond concisely, grounded in the above context.",
		contextBlock, msg.Author, msg.Content,
	)

	genCtx, cancel := context.WithTimeout(ctx, backend.GenerateTimeout)
	defer cancel()

	result, err := b.Generate(genCtx, backend.GenerateRequest{
		Model:        agent.Model,
		Prompt:       prompt,
		SystemPrompt: agent.Persona,
		Temperature:  agent.Temperature,
	})
	if err != nil {
		return err
	}

	reply := channel.Message{
		ID:         r.newID(),
		Channel:    channel.General,
		Author:     agent.DisplayName,
		AuthorKind: channel.AuthorAI,
		Content:    result.Text,
		Timestamp:  r.now(),
	}
	if _, err := r.channels.Send(reply); err != nil {
		return fmt.Errorf("post reply: %w", err)
	}
	if r.broadcast != nil {
		r.broadcast.Publish(reply)
	}
	return nil
}
