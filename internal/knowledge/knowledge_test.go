package knowledge

import (
	"path/filepath"
	"strings"
	"testing"

	fuzz "github.com/google/gofuzz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/councilnet/core/internal/reputation"
)

// fakeEmbedder produces a deterministic bag-of-words vector over a fixed
// vocabulary, so semantically related test strings score higher than
// unrelated ones without pulling in a real model backend.
type fakeEmbedder struct {
	vocab []string
}

func newFakeEmbedder() *fakeEmbedder {
	return &fakeEmbedder{vocab: []string{"ai", "ethics", "weather", "pizza", "go", "rust", "council", "vote"}}
}

func (f *fakeEmbedder) Embed(text string) ([]float32, error) {
	lower := strings.ToLower(text)
	vec := make([]float32, len(f.vocab))
	for i, word := range f.vocab {
		if strings.Contains(lower, word) {
			vec[i] = 1
		}
	}
	return vec, nil
}

func clockAt(ts *int64) func() int64 {
	return func() int64 { return *ts }
}

func openTestBank(t *testing.T) *Bank {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "bank")
	ts := int64(1000)
	bank, err := Open(dir, 1<<20, newFakeEmbedder(), clockAt(&ts))
	require.NoError(t, err)
	t.Cleanup(func() { _ = bank.Close() })
	return bank
}

func TestEmbeddingRoundTrip(t *testing.T) {
	vec := []float32{0.1, -2.5, 3.0, 0.0, 1e10}
	blob := serializeEmbedding(vec)
	require.Len(t, blob, 4*len(vec))
	out := deserializeEmbedding(blob)
	assert.Equal(t, vec, out)
}

func TestEmbeddingRoundTripFuzz(t *testing.T) {
	fuzzer := fuzz.NewWithSeed(42).NilChance(0).NumElements(1, 512)
	for i := 0; i < 100; i++ {
		var vec []float32
		fuzzer.Fuzz(&vec)
		out := deserializeEmbedding(serializeEmbedding(vec))
		require.Equal(t, vec, out)
	}
}

func TestCosineSimilarityZeroNormGuard(t *testing.T) {
	assert.Equal(t, float32(0), cosineSimilarity([]float32{0, 0}, []float32{1, 1}))
	assert.Equal(t, float32(0), cosineSimilarity([]float32{1, 1}, []float32{0, 0}))
}

func TestCosineSimilarityIdentical(t *testing.T) {
	sim := cosineSimilarity([]float32{1, 1, 0}, []float32{1, 1, 0})
	assert.InDelta(t, 1.0, sim, 1e-6)
}

func TestStoreDeliberationAndSemanticSearch(t *testing.T) {
	bank := openTestBank(t)

	err := bank.StoreDeliberation(DeliberationRecord{
		SessionID: "sess1",
		Question:  "What is the ethics of AI?",
		Consensus: "AI ethics requires oversight",
		HasConsensus: true,
		Rounds: []RoundRecord{
			{RoundNumber: 0, Responses: []ResponseRecord{
				{MemberName: "alice", Model: "m1", Response: "AI ethics matters a lot"},
			}},
		},
		CreatedAt: 1000,
	})
	require.NoError(t, err)

	err = bank.StoreDeliberation(DeliberationRecord{
		SessionID: "sess2",
		Question:  "What is the weather like?",
		Rounds: []RoundRecord{
			{RoundNumber: 0, Responses: []ResponseRecord{
				{MemberName: "bob", Model: "m1", Response: "It is sunny"},
			}},
		},
		CreatedAt: 2000,
	})
	require.NoError(t, err)

	results, err := bank.SemanticSearch("Tell me about AI ethics", 2)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "sess1", results[0].DeliberationID)
}

func TestBuildRAGContextFormat(t *testing.T) {
	bank := openTestBank(t)
	require.NoError(t, bank.StoreDeliberation(DeliberationRecord{
		SessionID: "sess1",
		Question:  "What about go and rust?",
		Rounds: []RoundRecord{
			{RoundNumber: 0, Responses: []ResponseRecord{{MemberName: "a", Response: "go is fast"}}},
		},
		CreatedAt: 1000,
	}))

	ctx, results, err := bank.BuildRAGContext("go rust comparison", 1)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Contains(t, ctx, "- Question: What about go and rust?\n")
	assert.Contains(t, ctx, "  Snippet:")
}

func TestSearchTopQuestionColdStart(t *testing.T) {
	bank := openTestBank(t)
	hit, found, err := bank.SearchTopQuestion("anything")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, "", hit.DeliberationID)
}

func TestSearchTopQuestionReturnsConsensusAsVerdict(t *testing.T) {
	bank := openTestBank(t)
	require.NoError(t, bank.StoreDeliberation(DeliberationRecord{
		SessionID:    "sess1",
		Question:     "council vote question",
		Consensus:    "yes, the council voted",
		HasConsensus: true,
		CreatedAt:    500,
	}))

	hit, found, err := bank.SearchTopQuestion("council vote")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "sess1", hit.DeliberationID)
	assert.Equal(t, "yes, the council voted", hit.Verdict)
	assert.Equal(t, int64(500), hit.AskedAt)
}

func TestSearchTopQuestionFallsBackToLastRoundWhenNoConsensus(t *testing.T) {
	bank := openTestBank(t)
	require.NoError(t, bank.StoreDeliberation(DeliberationRecord{
		SessionID: "sess1",
		Question:  "pizza question",
		Rounds: []RoundRecord{
			{RoundNumber: 0, Responses: []ResponseRecord{{MemberName: "a", Response: "first round"}}},
			{RoundNumber: 1, Responses: []ResponseRecord{{MemberName: "b", Response: "final round answer"}}},
		},
		CreatedAt: 700,
	}))

	hit, found, err := bank.SearchTopQuestion("pizza")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "final round answer", hit.Verdict)
}

func TestReputationStoreRoundTrip(t *testing.T) {
	bank := openTestBank(t)

	rec := reputation.AgentReputation{
		AgentID: "agent1",
		Tier:    reputation.TierStandard,
		Score:   reputation.Score{Accuracy: 0.6, Reasoning: 0.6, TotalVotes: 10},
	}
	require.NoError(t, bank.SaveReputation(rec))

	all, err := bank.LoadAllReputations()
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "agent1", all[0].AgentID)
	assert.Equal(t, reputation.TierStandard, all[0].Tier)
}

func TestVerdictProjection(t *testing.T) {
	bank := openTestBank(t)
	require.NoError(t, bank.StoreDeliberation(DeliberationRecord{
		SessionID: "sess1",
		Question:  "go question",
		Rounds: []RoundRecord{
			{RoundNumber: 0, Responses: []ResponseRecord{
				{MemberName: "alice", Response: "r1"},
				{MemberName: "bob", Response: "r2"},
			}},
			{RoundNumber: 1, Responses: []ResponseRecord{
				{MemberName: "alice", Response: "r3"},
			}},
		},
		CreatedAt: 900,
	}))

	v, found, err := bank.Verdict("sess1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 3, v.ResponseCount)
	assert.ElementsMatch(t, []string{"alice", "bob"}, v.Participants)
}

func TestListAllOrdersByCreatedAtDescending(t *testing.T) {
	bank := openTestBank(t)
	require.NoError(t, bank.StoreDeliberation(DeliberationRecord{SessionID: "old", Question: "q1", CreatedAt: 100}))
	require.NoError(t, bank.StoreDeliberation(DeliberationRecord{SessionID: "new", Question: "q2", CreatedAt: 900}))

	all, err := bank.ListAll()
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "new", all[0].SessionID)
}

func TestTopicHistoryMostRecentFirst(t *testing.T) {
	bank := openTestBank(t)
	require.NoError(t, bank.AddTopic("first topic", "system"))
	require.NoError(t, bank.AddTopic("second topic", "system"))

	topics, err := bank.RecentTopics(5)
	require.NoError(t, err)
	require.Len(t, topics, 2)
	assert.Equal(t, "second topic", topics[0])
}

func TestChatHistoryAndChannelContext(t *testing.T) {
	bank := openTestBank(t)
	require.NoError(t, bank.SaveChatMessage("m1", "general", "alice", "Human", "let's talk about go", 1, "", ""))
	require.NoError(t, bank.SaveChatMessage("m2", "general", "bob", "Human", "rust is also nice", 2, "", ""))
	require.NoError(t, bank.SaveChatMessage("m3", "general", "system", "System", "system notice", 3, "", ""))

	history, err := bank.ChatHistory("general", 10)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "m1", history[0].ID)
	assert.Equal(t, "m3", history[2].ID)

	hits, err := bank.SearchChannelContext("general", "tell me about go", 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Contains(t, hits[0], "go")
}

func TestClearChannelContextKeepsLogsDropsEmbeddings(t *testing.T) {
	bank := openTestBank(t)
	require.NoError(t, bank.SaveChatMessage("m1", "general", "alice", "Human", "go content", 1, "", ""))

	require.NoError(t, bank.ClearChannelContext("general"))

	history, err := bank.ChatHistory("general", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)

	hits, err := bank.SearchChannelContext("general", "go content", 1)
	require.NoError(t, err)
	assert.Empty(t, hits)
}
