package topic

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/councilnet/core/internal/agentpool"
	"github.com/councilnet/core/internal/backend"
	"github.com/councilnet/core/internal/channel"
	"github.com/councilnet/core/internal/xlog"
)

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

type stubBackend struct {
	calls int
}

func (b *stubBackend) Generate(ctx context.Context, req backend.GenerateRequest) (backend.GenerateResult, error) {
	b.calls++
	return backend.GenerateResult{Text: fmt.Sprintf("opinion#%d", b.calls), Model: req.Model, FinishReason: backend.FinishStop}, nil
}
func (b *stubBackend) Embed(ctx context.Context, text string) ([]float32, error) { return nil, nil }
func (b *stubBackend) ListModels(ctx context.Context) ([]backend.ModelInfo, error) {
	return nil, nil
}
func (b *stubBackend) HealthCheck(ctx context.Context) (backend.HealthStatus, error) {
	return backend.HealthStatus{Healthy: true}, nil
}
func (b *stubBackend) SupportsEmbeddings() bool { return false }
func (b *stubBackend) SupportsStreaming() bool  { return false }
func (b *stubBackend) MaxContextLength() int    { return 4096 }

func newTestScheduler(t *testing.T, clock *int64) (*Scheduler, *agentpool.Pool, *channel.Manager, *stubBackend) {
	t.Helper()
	pool := agentpool.New()
	channels := channel.NewManager(1000)
	reg := backend.NewRegistry()
	stub := &stubBackend{}
	reg.Register("ollama", stub)

	ids := 0
	newID := func() string {
		ids++
		return fmt.Sprintf("topic-msg-%d", ids)
	}
	now := func() int64 { return *clock }
	s := New(pool, reg, channels, channel.NewBroadcaster(), xlog.NewWithWriter("test", discardWriter{}), now, newID)
	return s, pool, channels, stub
}

func TestSetTopicArmsImmediateFire(t *testing.T) {
	clock := int64(1000)
	s, pool, channels, stub := newTestScheduler(t, &clock)
	require.NoError(t, pool.Add(agentpool.Agent{ID: "a1", DisplayName: "Alice", Backend: agentpool.BackendOllama, Model: "m1", Enabled: true}))

	s.SetTopic("what is good governance", nil)
	require.NoError(t, s.Tick(context.Background()))

	assert.Equal(t, 1, stub.calls)
	msgs, err := channels.Get(channel.General, 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].Content, "#topic what is good governance")
}

func TestTickNoOpWhenNotRunning(t *testing.T) {
	clock := int64(1000)
	s, pool, _, stub := newTestScheduler(t, &clock)
	require.NoError(t, pool.Add(agentpool.Agent{ID: "a1", DisplayName: "Alice", Backend: agentpool.BackendOllama, Model: "m1", Enabled: true}))

	require.NoError(t, s.Tick(context.Background()))
	assert.Equal(t, 0, stub.calls)
}

func TestTickWaitsForIntervalAfterFirstFire(t *testing.T) {
	clock := int64(1000)
	s, pool, _, stub := newTestScheduler(t, &clock)
	require.NoError(t, pool.Add(agentpool.Agent{ID: "a1", DisplayName: "Alice", Backend: agentpool.BackendOllama, Model: "m1", Enabled: true}))

	interval := int64(10)
	s.SetTopic("topic", &interval)
	require.NoError(t, s.Tick(context.Background()))
	assert.Equal(t, 1, stub.calls)

	clock += 5
	require.NoError(t, s.Tick(context.Background()))
	assert.Equal(t, 1, stub.calls, "should not fire before interval elapses")

	clock += 5
	require.NoError(t, s.Tick(context.Background()))
	assert.Equal(t, 2, stub.calls, "should fire once interval has elapsed")
}

func TestQueueRefillsInPoolOrderAndRotates(t *testing.T) {
	clock := int64(1000)
	s, pool, channels, stub := newTestScheduler(t, &clock)
	require.NoError(t, pool.Add(agentpool.Agent{ID: "a1", DisplayName: "Alice", Backend: agentpool.BackendOllama, Model: "m1", Enabled: true}))
	require.NoError(t, pool.Add(agentpool.Agent{ID: "a2", DisplayName: "Bob", Backend: agentpool.BackendOllama, Model: "m2", Enabled: true}))

	interval := int64(1)
	s.SetTopic("topic", &interval)

	require.NoError(t, s.Tick(context.Background()))
	assert.Equal(t, 1, stub.calls)

	clock += 1
	require.NoError(t, s.Tick(context.Background()))
	assert.Equal(t, 2, stub.calls)

	msgs, err := channels.Get(channel.General, 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "Bob", msgs[0].Author)
	assert.Equal(t, "Alice", msgs[1].Author)
}

func TestStopClearsTopicAndQueue(t *testing.T) {
	clock := int64(1000)
	s, pool, _, _ := newTestScheduler(t, &clock)
	require.NoError(t, pool.Add(agentpool.Agent{ID: "a1", DisplayName: "Alice", Backend: agentpool.BackendOllama, Model: "m1", Enabled: true}))

	s.SetTopic("topic", nil)
	s.Stop()

	status := s.Status()
	assert.False(t, status.IsRunning)
	assert.Nil(t, status.CurrentTopic)
	assert.Equal(t, 0, status.QueueLength)
}

func TestStatusReportsNextRunCountdown(t *testing.T) {
	clock := int64(1000)
	s, pool, _, _ := newTestScheduler(t, &clock)
	require.NoError(t, pool.Add(agentpool.Agent{ID: "a1", DisplayName: "Alice", Backend: agentpool.BackendOllama, Model: "m1", Enabled: true}))

	interval := int64(300)
	s.SetTopic("topic", &interval)
	require.NoError(t, s.Tick(context.Background()))

	clock += 100
	status := s.Status()
	assert.Equal(t, int64(200), status.NextRunInSecs)
}

func TestQueueSkipsDisabledAgentsOnRefill(t *testing.T) {
	clock := int64(1000)
	s, pool, channels, stub := newTestScheduler(t, &clock)
	require.NoError(t, pool.Add(agentpool.Agent{ID: "a1", DisplayName: "Alice", Backend: agentpool.BackendOllama, Model: "m1", Enabled: true}))
	require.NoError(t, pool.Add(agentpool.Agent{ID: "a2", DisplayName: "Bob", Backend: agentpool.BackendOllama, Model: "m2", Enabled: false}))

	s.SetTopic("topic", nil)
	require.NoError(t, s.Tick(context.Background()))

	assert.Equal(t, 1, stub.calls)
	msgs, err := channels.Get(channel.General, 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "Alice", msgs[0].Author)
}
