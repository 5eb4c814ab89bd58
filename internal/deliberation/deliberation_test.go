package deliberation

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/councilnet/core/internal/backend"
	"github.com/councilnet/core/internal/xlog"
)

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

type scriptedBackend struct {
	mu        sync.Mutex
	responses []string
	calls     int
	failOn    map[int]bool
}

func (b *scriptedBackend) Generate(ctx context.Context, req backend.GenerateRequest) (backend.GenerateResult, error) {
	b.mu.Lock()
	idx := b.calls
	b.calls++
	b.mu.Unlock()

	if b.failOn[idx] {
		return backend.GenerateResult{}, backend.ErrInternal
	}
	text := "default response"
	if idx < len(b.responses) {
		text = b.responses[idx]
	}
	return backend.GenerateResult{Text: text, Model: req.Model, FinishReason: backend.FinishStop}, nil
}

func (b *scriptedBackend) Embed(ctx context.Context, text string) ([]float32, error) { return nil, nil }
func (b *scriptedBackend) ListModels(ctx context.Context) ([]backend.ModelInfo, error) {
	return nil, nil
}
func (b *scriptedBackend) HealthCheck(ctx context.Context) (backend.HealthStatus, error) {
	return backend.HealthStatus{Healthy: true}, nil
}
func (b *scriptedBackend) SupportsEmbeddings() bool { return false }
func (b *scriptedBackend) SupportsStreaming() bool  { return false }
func (b *scriptedBackend) MaxContextLength() int    { return 8192 }

func testEngine(responses []string, failOn map[int]bool) *Engine {
	reg := backend.NewRegistry()
	reg.Register("stub", &scriptedBackend{responses: responses, failOn: failOn})

	ts := int64(1000)
	return New(reg, xlog.NewWithWriter("test", discardWriter{}), func() int64 { return ts }, func() string {
		return "fixed-session-id"
	})
}

func members(n int) []Member {
	out := make([]Member, n)
	for i := range out {
		out[i] = Member{Name: fmt.Sprintf("member%d", i), Model: "stub-model", BackendID: "stub"}
	}
	return out
}

func TestDeliberateHappyPathConsensusStopsEarly(t *testing.T) {
	eng := testEngine([]string{"I agree X is good", "I agree X is good too"}, nil)
	result, err := eng.Deliberate(context.Background(), "Is X good?", members(2), 5)
	require.NoError(t, err)

	assert.True(t, result.Completed)
	require.NotNil(t, result.Consensus)
	assert.Contains(t, *result.Consensus, "Council Consensus:")
	assert.Len(t, result.Rounds, 1)
}

func TestDeliberateRunsToMaxRoundsWithoutConsensus(t *testing.T) {
	eng := testEngine([]string{"not sure", "also not sure", "still unsure", "hmm", "unclear", "dunno"}, nil)
	result, err := eng.Deliberate(context.Background(), "Is Y good?", members(2), 3)
	require.NoError(t, err)

	assert.True(t, result.Completed)
	assert.Nil(t, result.Consensus)
	assert.Len(t, result.Rounds, 3)
}

func TestDeliberateDropsFailedMembersWithoutAbortingRound(t *testing.T) {
	eng := testEngine([]string{"fine answer"}, map[int]bool{0: true})
	result, err := eng.Deliberate(context.Background(), "q", members(2), 1)
	require.NoError(t, err)

	require.Len(t, result.Rounds, 1)
	assert.Len(t, result.Rounds[0].Responses, 1)
}

func TestSessionIDIsInjected(t *testing.T) {
	eng := testEngine([]string{"x"}, nil)
	result, err := eng.Deliberate(context.Background(), "q", members(1), 1)
	require.NoError(t, err)
	assert.Equal(t, "fixed-session-id", result.SessionID)
}

func TestBuildPromptRoundOneVsLater(t *testing.T) {
	p1 := buildPrompt("Is X good?", 1, "")
	assert.Contains(t, p1, "Provide your analysis and recommendation.")
	assert.NotContains(t, p1, "Previous discussion")

	p2 := buildPrompt("Is X good?", 2, "alice (m1):\nyes\n\n")
	assert.Contains(t, p2, "Previous discussion:")
	assert.Contains(t, p2, "alice (m1):")
}

func TestComposeSystemPromptWithAndWithoutAddendum(t *testing.T) {
	base := composeSystemPrompt("")
	assert.NotContains(t, base, "Role Addendum")

	withAddendum := composeSystemPrompt("Be extra cautious about medical claims.")
	assert.Contains(t, withAddendum, "# Role Addendum")
	assert.Contains(t, withAddendum, "Be extra cautious about medical claims.")
}

func TestHasConsensusRequiresZeroDisagreements(t *testing.T) {
	responses := []MemberResponse{
		{MemberName: "a", Response: "I agree with this"},
		{MemberName: "b", Response: "I agree too"},
		{MemberName: "c", Response: "I disagree strongly"},
	}
	ok, _ := hasConsensus(responses)
	assert.False(t, ok)
}

func TestHasConsensusSingleResponseNeverConsensus(t *testing.T) {
	ok, _ := hasConsensus([]MemberResponse{{MemberName: "a", Response: "I agree"}})
	assert.False(t, ok)
}
