package council

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testManager() *Manager {
	now := int64(1000)
	nanos := int64(0)
	return NewManager(
		func() int64 { return now },
		func() int64 { nanos++; return nanos },
	)
}

func TestCreateSessionStartsGatheringResponses(t *testing.T) {
	m := testManager()
	sess := m.CreateSession("Is X good?")
	assert.Equal(t, StatusGatheringResponses, sess.Status)
	assert.Len(t, sess.ID, 16)
}

func TestStartCommitmentPhaseFailsWithNoResponses(t *testing.T) {
	m := testManager()
	sess := m.CreateSession("q")
	err := m.StartCommitmentPhase(sess.ID)
	assert.ErrorIs(t, err, ErrNoResponses)
}

func TestStartRevealPhaseFailsWithNoCommitments(t *testing.T) {
	m := testManager()
	sess := m.CreateSession("q")
	require.NoError(t, m.AddResponse(sess.ID, Response{MemberName: "alice", Text: "yes"}))
	require.NoError(t, m.StartCommitmentPhase(sess.ID))

	err := m.StartRevealPhase(sess.ID)
	assert.ErrorIs(t, err, ErrNoCommitments)
}

func TestFullCommitRevealUnanimity(t *testing.T) {
	m := testManager()
	sess := m.CreateSession("Is X good?")
	require.NoError(t, m.AddResponse(sess.ID, Response{MemberName: "alice", Text: "yes"}))
	require.NoError(t, m.StartCommitmentPhase(sess.ID))

	voters := []struct{ id, salt string }{
		{"peer1", "salt1"}, {"peer2", "salt2"}, {"peer3", "salt3"},
	}
	for _, v := range voters {
		hash := CommitmentHash("answer_a", v.salt)
		require.NoError(t, m.AddCommitment(sess.ID, hash, v.id))
	}
	require.NoError(t, m.StartRevealPhase(sess.ID))

	var consensus *string
	for i, v := range voters {
		c, err := m.AddReveal(sess.ID, "answer_a", v.salt, v.id)
		require.NoError(t, err)
		if i < len(voters)-1 {
			assert.Nil(t, c)
		} else {
			consensus = c
		}
	}

	require.NotNil(t, consensus)
	assert.Equal(t, "answer_a", *consensus)

	final, err := m.Get(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusConsensusReached, final.Status)
	require.NotNil(t, final.Consensus)
	assert.Equal(t, "answer_a", *final.Consensus)
}

func TestCommitRevealNoConsensus(t *testing.T) {
	m := testManager()
	sess := m.CreateSession("q")
	require.NoError(t, m.AddResponse(sess.ID, Response{MemberName: "a", Text: "x"}))
	require.NoError(t, m.StartCommitmentPhase(sess.ID))

	votes := map[string]string{"peer1": "a", "peer2": "b", "peer3": "c"}
	salts := map[string]string{"peer1": "s1", "peer2": "s2", "peer3": "s3"}
	for peer, vote := range votes {
		require.NoError(t, m.AddCommitment(sess.ID, CommitmentHash(vote, salts[peer]), peer))
	}
	require.NoError(t, m.StartRevealPhase(sess.ID))

	var last *string
	for peer, vote := range votes {
		c, err := m.AddReveal(sess.ID, vote, salts[peer], peer)
		require.NoError(t, err)
		last = c
	}
	assert.Nil(t, last)

	final, err := m.Get(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRevealPhase, final.Status)
}

func TestAddRevealRejectsMismatchedCommitment(t *testing.T) {
	m := testManager()
	sess := m.CreateSession("q")
	require.NoError(t, m.AddResponse(sess.ID, Response{MemberName: "a", Text: "x"}))
	require.NoError(t, m.StartCommitmentPhase(sess.ID))
	require.NoError(t, m.AddCommitment(sess.ID, CommitmentHash("vote_a", "salt1"), "peer1"))
	require.NoError(t, m.StartRevealPhase(sess.ID))

	_, err := m.AddReveal(sess.ID, "vote_a", "wrong-salt", "peer1")
	assert.ErrorIs(t, err, ErrCommitmentMismatch)

	final, err := m.Get(sess.ID)
	require.NoError(t, err)
	assert.Empty(t, final.Reveals)
	assert.Equal(t, StatusRevealPhase, final.Status)
}

func TestAddCommitmentRejectsDuplicateVoter(t *testing.T) {
	m := testManager()
	sess := m.CreateSession("q")
	require.NoError(t, m.AddResponse(sess.ID, Response{MemberName: "a", Text: "x"}))
	require.NoError(t, m.StartCommitmentPhase(sess.ID))
	require.NoError(t, m.AddCommitment(sess.ID, CommitmentHash("v", "s"), "peer1"))

	err := m.AddCommitment(sess.ID, CommitmentHash("v2", "s2"), "peer1")
	assert.ErrorIs(t, err, ErrDuplicateCommitment)
}

func TestFailFromCommitmentPhaseDiscardsCommitments(t *testing.T) {
	m := testManager()
	sess := m.CreateSession("q")
	require.NoError(t, m.AddResponse(sess.ID, Response{MemberName: "a", Text: "x"}))
	require.NoError(t, m.StartCommitmentPhase(sess.ID))
	require.NoError(t, m.AddCommitment(sess.ID, CommitmentHash("v", "s"), "peer1"))

	require.NoError(t, m.Fail(sess.ID))

	final, err := m.Get(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, final.Status)
	assert.Empty(t, final.Commitments)
}

func TestFailFromConsensusReachedIsRejected(t *testing.T) {
	m := testManager()
	sess := m.CreateSession("q")
	require.NoError(t, m.AddResponse(sess.ID, Response{MemberName: "a", Text: "x"}))
	require.NoError(t, m.StartCommitmentPhase(sess.ID))
	require.NoError(t, m.AddCommitment(sess.ID, CommitmentHash("v", "s"), "peer1"))
	require.NoError(t, m.StartRevealPhase(sess.ID))
	_, err := m.AddReveal(sess.ID, "v", "s", "peer1")
	require.NoError(t, err)

	err = m.Fail(sess.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestInvalidTransitionSkippingPhaseFails(t *testing.T) {
	m := testManager()
	sess := m.CreateSession("q")
	err := m.StartRevealPhase(sess.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestSessionIDIsSixteenHexChars(t *testing.T) {
	id := sessionID("question", 12345)
	assert.Len(t, id, 16)
	for _, c := range id {
		assert.True(t, (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f'))
	}
}
