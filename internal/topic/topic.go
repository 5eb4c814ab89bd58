// Package topic implements the topic scheduler: timed rotation of a
// broadcast topic across the active agent set, with a rotation queue
// refilled in pool order and an immediate first fire on SetTopic.
package topic

import (
	"context"
	"fmt"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set"

	"github.com/councilnet/core/internal/agentpool"
	"github.com/councilnet/core/internal/backend"
	"github.com/councilnet/core/internal/channel"
	"github.com/councilnet/core/internal/xlog"
)

// DefaultIntervalSecs is the rotation period used when SetTopic doesn't
// override it.
const DefaultIntervalSecs int64 = 300

// tickInterval is how often the background loop checks for due work.
const tickInterval = 5 * time.Second

// Status is a snapshot of the scheduler's current state.
type Status struct {
	CurrentTopic  *string
	QueueLength   int
	NextRunInSecs int64
	IsRunning     bool
}

// Scheduler rotates a fixed topic prompt across the active agent pool
// on a timer, posting each reply to the general channel.
type Scheduler struct {
	mu           sync.Mutex
	currentTopic *string
	queue        []string
	queued       mapset.Set
	intervalSecs int64
	running      bool
	lastRun      int64

	pool      *agentpool.Pool
	registry  *backend.Registry
	channels  *channel.Manager
	broadcast *channel.Broadcaster
	log       *xlog.Logger
	now       func() int64
	newID     func() string
}

// New constructs an idle scheduler. now supplies unix-second timestamps
// and newID generates message ids; both injected for deterministic tests.
func New(pool *agentpool.Pool, registry *backend.Registry, channels *channel.Manager, broadcast *channel.Broadcaster, log *xlog.Logger, now func() int64, newID func() string) *Scheduler {
	return &Scheduler{
		queued:       mapset.NewSet(),
		intervalSecs: DefaultIntervalSecs,
		lastRun:      now(),
		pool:         pool,
		registry:     registry,
		channels:     channels,
		broadcast:    broadcast,
		log:          log,
		now:          now,
		newID:        newID,
	}
}

// SetTopic arms the scheduler on a new topic, clearing any in-flight
// rotation queue and arming an immediate first fire.
func (s *Scheduler) SetTopic(topic string, intervalSecs *int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := topic
	s.currentTopic = &t
	if intervalSecs != nil && *intervalSecs > 0 {
		s.intervalSecs = *intervalSecs
	}
	s.running = true
	s.queue = nil
	s.queued.Clear()
	s.lastRun = s.now() - s.intervalSecs
}

// Stop halts rotation and clears the current topic and queue.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	s.currentTopic = nil
	s.queue = nil
	s.queued.Clear()
}

// Status reports the scheduler's current snapshot.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	elapsed := s.now() - s.lastRun
	var nextRun int64
	if elapsed < s.intervalSecs {
		nextRun = s.intervalSecs - elapsed
	}
	return Status{
		CurrentTopic:  s.currentTopic,
		QueueLength:   len(s.queue),
		NextRunInSecs: nextRun,
		IsRunning:     s.running,
	}
}

// popNext checks whether a rotation is due, refills the queue from the
// active agent pool if empty, and pops the head. The lock is released
// around the agentpool.Pool.Active() call so the two components never
// hold each other's locks.
func (s *Scheduler) popNext() (topic string, agentID string, ok bool) {
	s.mu.Lock()
	if !s.running || s.currentTopic == nil {
		s.mu.Unlock()
		return "", "", false
	}
	due := s.now()-s.lastRun >= s.intervalSecs
	needsRefill := len(s.queue) == 0
	s.mu.Unlock()

	if !due {
		return "", "", false
	}

	if needsRefill {
		active := s.pool.Active()
		s.mu.Lock()
		for _, a := range active {
			if !s.queued.Contains(a.ID) {
				s.queue = append(s.queue, a.ID)
				s.queued.Add(a.ID)
			}
		}
		s.mu.Unlock()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running || s.currentTopic == nil || len(s.queue) == 0 {
		return "", "", false
	}
	agentID = s.queue[0]
	s.queue = s.queue[1:]
	s.queued.Remove(agentID)
	topic = *s.currentTopic
	s.lastRun = s.now()
	return topic, agentID, true
}

// fixedPrompt is the literal topic-discussion prompt every rotation
// sends.
func fixedPrompt(topic string) string {
	return fmt.Sprintf(
		"TOPIC DISCUSSION\n\nTopic: %s\n\nPlease provide your perspective on this topic. Keep it concise and insightful. Start your response with your opinion.",
		topic,
	)
}

// Tick runs one rotation step if one is due.
func (s *Scheduler) Tick(ctx context.Context) error {
	topic, agentID, ok := s.popNext()
	if !ok {
		return nil
	}

	agent, err := s.pool.Get(agentID)
	if err != nil {
		s.log.Warn("topic: queued agent no longer in pool", "agent", agentID, "err", err)
		return nil
	}
	b, ok := s.registry.Get(string(agent.Backend))
	if !ok {
		s.log.Warn("topic: backend not registered", "agent", agent.DisplayName, "backend", agent.Backend)
		return nil
	}

	genCtx, cancel := context.WithTimeout(ctx, backend.GenerateTimeout)
	defer cancel()

	result, err := b.Generate(genCtx, backend.GenerateRequest{
		Model:        agent.Model,
		Prompt:       fixedPrompt(topic),
		SystemPrompt: agent.Persona,
		Temperature:  agent.Temperature,
	})
	if err != nil {
		s.log.Warn("topic: agent failed to reply", "agent", agent.DisplayName, "err", err)
		return nil
	}

	msg := channel.Message{
		ID:         s.newID(),
		Channel:    channel.General,
		Author:     agent.DisplayName,
		AuthorKind: channel.AuthorAI,
		Content:    fmt.Sprintf("#topic %s\n\n%s", topic, result.Text),
		Timestamp:  s.now(),
	}
	if _, err := s.channels.Send(msg); err != nil {
		s.log.Warn("topic: failed to post reply", "err", err)
		return nil
	}
	if s.broadcast != nil {
		s.broadcast.Publish(msg)
	}
	return nil
}

// Run drives Tick on a 5 s timer until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				s.log.Warn("topic: tick failed", "err", err)
			}
		}
	}
}
