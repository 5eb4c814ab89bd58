// Package council implements the council session manager: a strict
// state machine carrying one deliberation's gathered responses through
// a salted commit-reveal vote to consensus.
package council

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Status is a council session's position in its strict state machine.
type Status string

const (
	StatusGatheringResponses Status = "GatheringResponses"
	StatusCommitmentPhase    Status = "CommitmentPhase"
	StatusRevealPhase        Status = "RevealPhase"
	StatusConsensusReached   Status = "ConsensusReached"
	StatusFailed             Status = "Failed"
)

// ConsensusThreshold is the fraction of reveals a single vote string
// must hold to win.
const ConsensusThreshold = 0.67

var (
	ErrSessionNotFound      = errors.New("council: session not found")
	ErrInvalidTransition    = errors.New("council: invalid state transition")
	ErrNoResponses          = errors.New("council: no responses gathered")
	ErrNoCommitments        = errors.New("council: no commitments received")
	ErrDuplicateCommitment  = errors.New("council: voter already committed in this session")
	ErrCommitmentMismatch   = errors.New("council: reveal hash does not match any prior commitment")
)

// Response is one member's gathered answer.
type Response struct {
	MemberName string
	ModelName  string
	Text       string
	PeerID     string
	Timestamp  int64
}

// Commitment is a voter's published commitment hash.
type Commitment struct {
	CommitmentHash string
	VoterPeerID    string
}

// Reveal is a voter's accepted, verified vote. The salt is deliberately
// not retained here: salts must never be persisted beyond reveal
// acceptance.
type Reveal struct {
	Vote        string
	VoterPeerID string
}

// Session is the state bag of one deliberation's commit-reveal vote.
type Session struct {
	ID          string
	Question    string
	Responses   []Response
	Commitments []Commitment
	Reveals     []Reveal
	Consensus   *string
	Status      Status
	CreatedAt   int64
}

// hasCommitment reports whether voterPeerID already has a commitment.
func (s *Session) hasCommitment(voterPeerID string) bool {
	for _, c := range s.Commitments {
		if c.VoterPeerID == voterPeerID {
			return true
		}
	}
	return false
}

func (s *Session) hasRevealed(voterPeerID string) bool {
	for _, r := range s.Reveals {
		if r.VoterPeerID == voterPeerID {
			return true
		}
	}
	return false
}

func (s *Session) commitmentFor(voterPeerID, hash string) bool {
	for _, c := range s.Commitments {
		if c.VoterPeerID == voterPeerID && c.CommitmentHash == hash {
			return true
		}
	}
	return false
}

// Manager owns every session under one exclusive lock.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
	now      func() int64
	nanoNow  func() int64
}

// NewManager constructs an empty session manager. now returns unix
// seconds for CreatedAt; nanoNow returns a nanosecond counter used only
// to derive session ids, both injected for deterministic tests.
func NewManager(now func() int64, nanoNow func() int64) *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
		now:      now,
		nanoNow:  nanoNow,
	}
}

// sessionID is the first 16 lowercase-hex chars of
// SHA-256(question || nanoseconds_since_epoch_as_decimal)
func sessionID(question string, nanos int64) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s%d", question, nanos)))
	return hex.EncodeToString(sum[:])[:16]
}

// CommitmentHash is the lowercase hex of SHA-256(vote || salt).
func CommitmentHash(vote, salt string) string {
	sum := sha256.Sum256([]byte(vote + salt))
	return hex.EncodeToString(sum[:])
}

// CreateSession starts a new session at GatheringResponses. The session
// id is derived from the question and a nanosecond timestamp only; it
// carries no peer-id prefix.
func (m *Manager) CreateSession(question string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess := &Session{
		ID:        sessionID(question, m.nanoNow()),
		Question:  question,
		Status:    StatusGatheringResponses,
		CreatedAt: m.now(),
	}
	m.sessions[sess.ID] = sess
	return cloneSession(sess)
}

// Get returns a copy of the session, or ErrSessionNotFound.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return cloneSession(sess), nil
}

func cloneSession(s *Session) *Session {
	clone := *s
	clone.Responses = append([]Response(nil), s.Responses...)
	clone.Commitments = append([]Commitment(nil), s.Commitments...)
	clone.Reveals = append([]Reveal(nil), s.Reveals...)
	if s.Consensus != nil {
		v := *s.Consensus
		clone.Consensus = &v
	}
	return &clone
}

// AddResponse appends a gathered response, only while GatheringResponses.
func (m *Manager) AddResponse(id string, r Response) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if sess.Status != StatusGatheringResponses {
		return fmt.Errorf("%w: add_response requires GatheringResponses, session is %s", ErrInvalidTransition, sess.Status)
	}
	sess.Responses = append(sess.Responses, r)
	return nil
}

// StartCommitmentPhase advances GatheringResponses to CommitmentPhase.
// Fails if no responses were gathered.
func (m *Manager) StartCommitmentPhase(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if sess.Status != StatusGatheringResponses {
		return fmt.Errorf("%w: start_commitment_phase requires GatheringResponses, session is %s", ErrInvalidTransition, sess.Status)
	}
	if len(sess.Responses) == 0 {
		return ErrNoResponses
	}
	sess.Status = StatusCommitmentPhase
	return nil
}

// AddCommitment records a voter's commitment hash, only while
// CommitmentPhase. Rejects a second commitment from the same voter.
func (m *Manager) AddCommitment(id, commitmentHash, voterPeerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if sess.Status != StatusCommitmentPhase {
		return fmt.Errorf("%w: add_commitment requires CommitmentPhase, session is %s", ErrInvalidTransition, sess.Status)
	}
	if sess.hasCommitment(voterPeerID) {
		return ErrDuplicateCommitment
	}
	sess.Commitments = append(sess.Commitments, Commitment{CommitmentHash: commitmentHash, VoterPeerID: voterPeerID})
	return nil
}

// StartRevealPhase advances CommitmentPhase to RevealPhase. Fails if no
// commitments were received.
func (m *Manager) StartRevealPhase(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if sess.Status != StatusCommitmentPhase {
		return fmt.Errorf("%w: start_reveal_phase requires CommitmentPhase, session is %s", ErrInvalidTransition, sess.Status)
	}
	if len(sess.Commitments) == 0 {
		return ErrNoCommitments
	}
	sess.Status = StatusRevealPhase
	return nil
}

// AddReveal verifies and records a vote reveal, only while RevealPhase,
// then, once every committed voter has revealed, computes consensus
// (nil until then). The reveal is dropped without corrupting
// session state if the recomputed hash matches no prior commitment by
// the same voter, or if that voter already revealed.
func (m *Manager) AddReveal(id, vote, salt, voterPeerID string) (*string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	if sess.Status != StatusRevealPhase {
		return nil, fmt.Errorf("%w: add_reveal requires RevealPhase, session is %s", ErrInvalidTransition, sess.Status)
	}
	if sess.hasRevealed(voterPeerID) {
		return nil, ErrCommitmentMismatch
	}

	hash := CommitmentHash(vote, salt)
	if !sess.commitmentFor(voterPeerID, hash) {
		return nil, ErrCommitmentMismatch
	}

	sess.Reveals = append(sess.Reveals, Reveal{Vote: vote, VoterPeerID: voterPeerID})
	if len(sess.Reveals) < len(sess.Commitments) {
		return nil, nil
	}
	return calculateConsensus(sess), nil
}

// calculateConsensus tallies reveals by canonical vote string. If a
// single string holds at least 67% of the reveal count, it sets consensus and
// advances the session to ConsensusReached, returning that string. Ties
// below threshold are broken lexicographically but yield no consensus
// unless the tied leader itself clears the threshold.
func calculateConsensus(sess *Session) *string {
	counts := make(map[string]int)
	for _, r := range sess.Reveals {
		counts[r.Vote]++
	}
	if len(counts) == 0 {
		return nil
	}

	votes := make([]string, 0, len(counts))
	for v := range counts {
		votes = append(votes, v)
	}
	sort.Strings(votes)

	total := len(sess.Reveals)
	best := ""
	bestCount := -1
	for _, v := range votes {
		if counts[v] > bestCount {
			best = v
			bestCount = counts[v]
		}
	}

	if float64(bestCount)/float64(total) >= ConsensusThreshold {
		sess.Consensus = &best
		sess.Status = StatusConsensusReached
		return &best
	}
	return nil
}

// Fail marks a session Failed from any non-terminal state (cancellation
// semantics). Accepted commitments are discarded, matching
// the requirement that they never be exposed after a commit-phase
// cancellation.
func (m *Manager) Fail(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if sess.Status == StatusConsensusReached || sess.Status == StatusFailed {
		return fmt.Errorf("%w: cannot fail a session already %s", ErrInvalidTransition, sess.Status)
	}
	if sess.Status == StatusCommitmentPhase || sess.Status == StatusRevealPhase {
		sess.Commitments = nil
	}
	sess.Status = StatusFailed
	return nil
}
