// Package protocol defines the tagged union of all council wire messages
// and their self-describing JSON encoding: every envelope carries an
// explicit "type" discriminator field so peers can decode without
// positional knowledge.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/councilnet/core/internal/identity"
	"github.com/councilnet/core/internal/reputation"
)

// Type is the discriminator carried in every envelope's "type" field.
type Type string

const (
	TypeQuestion         Type = "Question"
	TypeResponse         Type = "Response"
	TypeVoteCommitment   Type = "VoteCommitment"
	TypeVoteReveal       Type = "VoteReveal"
	TypeConsensusReached Type = "ConsensusReached"
	TypeHeartbeat        Type = "Heartbeat"
	TypeTopicUpdate      Type = "TopicUpdate"
	TypeHumanChallenge   Type = "HumanChallenge"
	TypePeerAnnouncement Type = "PeerAnnouncement"
	TypeReputationSync   Type = "ReputationSync"
)

// Question is the initial natural-language request to deliberate.
type Question struct {
	ID               string `json:"id"`
	Question         string `json:"question"`
	RequesterPeerID  string `json:"requester_peer_id"`
}

// Response is a signed AI model response, optionally piggybacking the
// responder's current reputation record.
type Response struct {
	QuestionID     string                      `json:"question_id"`
	ModelName      string                      `json:"model_name"`
	SignedResponse identity.SignedPayload      `json:"signed_response"`
	PeerID         string                      `json:"peer_id"`
	Reputation     *reputation.AgentReputation `json:"reputation,omitempty"`
}

// VoteCommitment is a blind vote: the hash of a (vote, salt) pair.
type VoteCommitment struct {
	QuestionID      string `json:"question_id"`
	CommitmentHash  string `json:"commitment_hash"`
	VoterPeerID     string `json:"voter_peer_id"`
}

// VoteReveal discloses the vote and salt behind a prior commitment.
type VoteReveal struct {
	QuestionID  string `json:"question_id"`
	Vote        string `json:"vote"`
	Salt        string `json:"salt"`
	VoterPeerID string `json:"voter_peer_id"`
}

// ConsensusReached announces the tallied result of a session.
type ConsensusReached struct {
	QuestionID           string   `json:"question_id"`
	FinalAnswer          string   `json:"final_answer"`
	VoteCount            uint32   `json:"vote_count"`
	ParticipatingPeers   []string `json:"participants"`
}

// Heartbeat proves a human operator is present.
type Heartbeat struct {
	PeerID    string `json:"peer_id"`
	Timestamp uint64 `json:"timestamp"`
}

// TopicUpdate changes the network's broadcast topic.
type TopicUpdate struct {
	Topic     string `json:"topic"`
	Interval  uint64 `json:"interval"`
	SetByPeer string `json:"set_by"`
	Timestamp uint64 `json:"timestamp"`
}

// HumanChallenge asks a peer to prove human presence.
type HumanChallenge struct {
	PeerID    string `json:"peer_id"`
	Challenge string `json:"challenge"`
	ExpiresAt uint64 `json:"expires_at"`
}

// PeerAnnouncement is a discovery broadcast.
type PeerAnnouncement struct {
	PeerID          string   `json:"peer_id"`
	Models          []string `json:"models"`
	ReputationTier  string   `json:"reputation_tier"`
}

// ReputationSync gossips one agent's reputation record.
type ReputationSync struct {
	PeerID     string                     `json:"peer_id"`
	Reputation reputation.AgentReputation `json:"reputation"`
}

// Message is the tagged envelope. Exactly one of the typed fields is set,
// matching the field named by Type.
type Message struct {
	Type Type `json:"type"`

	Question         *Question         `json:"-"`
	Response         *Response         `json:"-"`
	VoteCommitment   *VoteCommitment   `json:"-"`
	VoteReveal       *VoteReveal       `json:"-"`
	ConsensusReached *ConsensusReached `json:"-"`
	Heartbeat        *Heartbeat        `json:"-"`
	TopicUpdate      *TopicUpdate      `json:"-"`
	HumanChallenge   *HumanChallenge   `json:"-"`
	PeerAnnouncement *PeerAnnouncement `json:"-"`
	ReputationSync   *ReputationSync   `json:"-"`
}

// MessageType returns the envelope's discriminator string.
func (m *Message) MessageType() string {
	return string(m.Type)
}

// payload returns the active variant for marshaling/unmarshaling.
func (m *Message) payload() interface{} {
	switch m.Type {
	case TypeQuestion:
		return m.Question
	case TypeResponse:
		return m.Response
	case TypeVoteCommitment:
		return m.VoteCommitment
	case TypeVoteReveal:
		return m.VoteReveal
	case TypeConsensusReached:
		return m.ConsensusReached
	case TypeHeartbeat:
		return m.Heartbeat
	case TypeTopicUpdate:
		return m.TopicUpdate
	case TypeHumanChallenge:
		return m.HumanChallenge
	case TypePeerAnnouncement:
		return m.PeerAnnouncement
	case TypeReputationSync:
		return m.ReputationSync
	default:
		return nil
	}
}

// MarshalJSON flattens the active variant's fields alongside the "type" tag.
func (m *Message) MarshalJSON() ([]byte, error) {
	payload := m.payload()
	if payload == nil {
		return nil, fmt.Errorf("protocol: unknown message type %q", m.Type)
	}
	inner, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(inner, &fields); err != nil {
		return nil, err
	}
	fields["type"] = json.RawMessage(fmt.Sprintf("%q", m.Type))
	return json.Marshal(fields)
}

// UnmarshalJSON reads the "type" tag then decodes the rest into the
// matching variant.
func (m *Message) UnmarshalJSON(data []byte) error {
	var tagged struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal(data, &tagged); err != nil {
		return err
	}
	m.Type = tagged.Type

	switch tagged.Type {
	case TypeQuestion:
		m.Question = &Question{}
		return json.Unmarshal(data, m.Question)
	case TypeResponse:
		m.Response = &Response{}
		return json.Unmarshal(data, m.Response)
	case TypeVoteCommitment:
		m.VoteCommitment = &VoteCommitment{}
		return json.Unmarshal(data, m.VoteCommitment)
	case TypeVoteReveal:
		m.VoteReveal = &VoteReveal{}
		return json.Unmarshal(data, m.VoteReveal)
	case TypeConsensusReached:
		m.ConsensusReached = &ConsensusReached{}
		return json.Unmarshal(data, m.ConsensusReached)
	case TypeHeartbeat:
		m.Heartbeat = &Heartbeat{}
		return json.Unmarshal(data, m.Heartbeat)
	case TypeTopicUpdate:
		m.TopicUpdate = &TopicUpdate{}
		return json.Unmarshal(data, m.TopicUpdate)
	case TypeHumanChallenge:
		m.HumanChallenge = &HumanChallenge{}
		return json.Unmarshal(data, m.HumanChallenge)
	case TypePeerAnnouncement:
		m.PeerAnnouncement = &PeerAnnouncement{}
		return json.Unmarshal(data, m.PeerAnnouncement)
	case TypeReputationSync:
		m.ReputationSync = &ReputationSync{}
		return json.Unmarshal(data, m.ReputationSync)
	default:
		return fmt.Errorf("protocol: unknown message type %q", tagged.Type)
	}
}

// ToBytes serializes the message to its self-describing JSON form.
func (m *Message) ToBytes() ([]byte, error) {
	return json.Marshal(m)
}

// FromBytes deserializes a message previously produced by ToBytes.
func FromBytes(data []byte) (*Message, error) {
	m := &Message{}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, err
	}
	return m, nil
}
