// Package core wires every council component into the single
// intake, deliberate, vote, persist pipeline a question travels
// through: one struct holding every subsystem behind its own lock,
// exposing a small surface the CLI (or any transport) drives.
package core

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/councilnet/core/internal/agentpool"
	"github.com/councilnet/core/internal/backend"
	"github.com/councilnet/core/internal/channel"
	"github.com/councilnet/core/internal/council"
	"github.com/councilnet/core/internal/deliberation"
	"github.com/councilnet/core/internal/gate"
	"github.com/councilnet/core/internal/knowledge"
	"github.com/councilnet/core/internal/pohv"
	"github.com/councilnet/core/internal/reputation"
	"github.com/councilnet/core/internal/xlog"
)

// ErrHumanLocked reports that the human
// heartbeat has expired and every state-mutating op refuses to run.
var ErrHumanLocked = errors.New("core: human presence heartbeat expired, state-mutating operations are locked")

// AskResult is what Ask returns to any caller-facing surface (CLI, chat
// responder, future transport).
type AskResult struct {
	Blocked        bool
	BlockedReason  string
	RetryAfter     int64
	Duplicate      bool
	DuplicateNotice string

	SessionID        string
	Question         string
	ConsensusReached bool
	Verdict          string
	Participants     []string
}

// Core owns every subsystem a question passes through. Each field is
// independently lock-guarded by its own package; Core itself holds no
// lock of its own.
type Core struct {
	Channels  *channel.Manager
	Agents    *agentpool.Pool
	Backends  *backend.Registry
	Knowledge *knowledge.Bank
	Reputation *reputation.Engine
	PoHV      *pohv.Monitor
	RateLimit *gate.RateLimiter
	Spam      *gate.Detector
	Duplicate *gate.Filter
	Council   *council.Manager
	Deliberation *deliberation.Engine
	Broadcast *channel.Broadcaster
	Log       *xlog.Logger

	MaxRounds int
	now       func() int64
	newID     func() string
}

// New assembles a Core from already-constructed subsystems. maxRounds is
// the deliberation round cap (default 3, see internal/config).
func New(
	channels *channel.Manager,
	agents *agentpool.Pool,
	backends *backend.Registry,
	bank *knowledge.Bank,
	rep *reputation.Engine,
	heartbeat *pohv.Monitor,
	rateLimit *gate.RateLimiter,
	spam *gate.Detector,
	dup *gate.Filter,
	sessions *council.Manager,
	engine *deliberation.Engine,
	broadcast *channel.Broadcaster,
	log *xlog.Logger,
	maxRounds int,
	now func() int64,
	newID func() string,
) *Core {
	return &Core{
		Channels:     channels,
		Agents:       agents,
		Backends:     backends,
		Knowledge:    bank,
		Reputation:   rep,
		PoHV:         heartbeat,
		RateLimit:    rateLimit,
		Spam:         spam,
		Duplicate:    dup,
		Council:      sessions,
		Deliberation: engine,
		Broadcast:    broadcast,
		Log:          log,
		MaxRounds:    maxRounds,
		now:          now,
		newID:        newID,
	}
}

// randomSalt returns a hex-encoded 16-byte random salt for one member's
// commitment. Salts live only for the duration of the vote and are
// never persisted or logged.
func randomSalt() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("core: generate salt: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// deriveVote reduces one member's free-text response to a canonical vote
// string the commit-reveal layer tallies, classifying on the presence of
// an explicit stance word. Ties (both or neither present) fall back to
// "neutral" so a session with no clear majority simply fails to reach
// consensus rather than forcing a false split.
func deriveVote(response string) string {
	lower := strings.ToLower(response)
	// "disagree" contains "agree"; drop it before looking for agreement.
	agreeText := strings.ReplaceAll(lower, "disagree", "")
	agrees := strings.Contains(agreeText, "agree") || strings.Contains(agreeText, "support") || strings.Contains(agreeText, "yes")
	disagrees := strings.Contains(lower, "disagree") || strings.Contains(lower, "oppose") || strings.Contains(lower, "no,")
	switch {
	case agrees && !disagrees:
		return "agree"
	case disagrees && !agrees:
		return "disagree"
	default:
		return "neutral"
	}
}

// Ask runs the full intake, deliberate, vote, persist pipeline for
// one human question.
func (c *Core) Ask(ctx context.Context, userID, question string, force bool) (AskResult, error) {
	if c.PoHV.IsLocked() {
		return AskResult{}, ErrHumanLocked
	}

	if rl := c.RateLimit.Check(userID); !rl.Allowed {
		return AskResult{Blocked: true, BlockedReason: rl.Reason, RetryAfter: rl.RetryAfterSeconds}, nil
	}
	if sp := c.Spam.CheckSpam(userID, question); sp.IsSpam {
		c.RateLimit.ApplyCooldown(userID)
		return AskResult{Blocked: true, BlockedReason: strings.Join(sp.Reasons, "; "), RetryAfter: sp.CooldownSeconds}, nil
	}
	c.RateLimit.Record(userID)
	c.Spam.RecordMessage(userID, question)

	if !force {
		dup, err := c.Duplicate.CheckDuplicate(question)
		if err != nil {
			return AskResult{}, fmt.Errorf("core: duplicate check: %w", err)
		}
		if dup.IsDuplicate {
			return AskResult{Duplicate: true, DuplicateNotice: c.Duplicate.FormatWarning(dup)}, nil
		}
	}

	members := c.deliberationMembers()
	if len(members) == 0 {
		return AskResult{}, errors.New("core: no active agents to deliberate")
	}

	result, err := c.Deliberation.Deliberate(ctx, question, members, c.MaxRounds)
	if err != nil {
		return AskResult{}, fmt.Errorf("core: deliberate: %w", err)
	}

	sessionID, consensusReached, consensusVote, participants, err := c.runVote(result)
	if err != nil {
		c.Log.Warn("core: commit-reveal vote failed", "question", question, "err", err)
	} else if consensusReached {
		c.Log.Info("core: commit-reveal vote complete", "vote_session", sessionID, "vote", consensusVote)
	}

	verdict := ""
	if result.Consensus != nil {
		verdict = *result.Consensus
	} else if len(result.Rounds) > 0 {
		last := result.Rounds[len(result.Rounds)-1]
		if len(last.Responses) > 0 {
			verdict = last.Responses[0].Response
		}
	}

	if err := c.persist(result); err != nil {
		c.Log.Warn("core: failed to persist deliberation", "session", result.SessionID, "err", err)
	}

	if _, err := c.Channels.SendSystem(channel.General, c.newID(), fmt.Sprintf("Council verdict for %q: %s", question, verdict), c.now()); err != nil {
		c.Log.Warn("core: failed to post verdict", "err", err)
	}

	return AskResult{
		SessionID:        result.SessionID,
		Question:         question,
		ConsensusReached: consensusReached,
		Verdict:          verdict,
		Participants:     participants,
	}, nil
}

// deliberationMembers projects the active agent pool into the
// deliberation engine's Member shape.
func (c *Core) deliberationMembers() []deliberation.Member {
	active := c.Agents.Active()
	out := make([]deliberation.Member, len(active))
	for i, a := range active {
		out[i] = deliberation.Member{
			Name:      a.DisplayName,
			Model:     a.Model,
			BackendID: string(a.Backend),
			Addendum:  a.Persona,
		}
	}
	return out
}

// runVote formalizes the deliberation's final round through a
// council.Manager commit-reveal session, updating each participating
// agent's reputation by whether its vote matched the tallied consensus.
func (c *Core) runVote(result deliberation.Result) (sessionID string, consensusReached bool, consensusVote string, participants []string, err error) {
	if len(result.Rounds) == 0 {
		return "", false, "", nil, errors.New("core: no rounds to vote on")
	}
	final := result.Rounds[len(result.Rounds)-1]
	if len(final.Responses) == 0 {
		return "", false, "", nil, errors.New("core: no responses in final round")
	}

	sess := c.Council.CreateSession(result.Question)
	sessionID = sess.ID

	for _, r := range final.Responses {
		if err := c.Council.AddResponse(sessionID, council.Response{
			MemberName: r.MemberName,
			ModelName:  r.Model,
			Text:       r.Response,
			PeerID:     r.MemberName,
			Timestamp:  r.Timestamp,
		}); err != nil {
			return sessionID, false, "", nil, err
		}
		participants = append(participants, r.MemberName)
	}

	if err := c.Council.StartCommitmentPhase(sessionID); err != nil {
		return sessionID, false, "", participants, err
	}

	votes := make(map[string]string, len(final.Responses))
	salts := make(map[string]string, len(final.Responses))
	for _, r := range final.Responses {
		vote := deriveVote(r.Response)
		salt, err := randomSalt()
		if err != nil {
			return sessionID, false, "", participants, err
		}
		votes[r.MemberName] = vote
		salts[r.MemberName] = salt
		hash := council.CommitmentHash(vote, salt)
		if err := c.Council.AddCommitment(sessionID, hash, r.MemberName); err != nil {
			return sessionID, false, "", participants, err
		}
	}

	if err := c.Council.StartRevealPhase(sessionID); err != nil {
		return sessionID, false, "", participants, err
	}

	var consensus *string
	for _, r := range final.Responses {
		consensus, err = c.Council.AddReveal(sessionID, votes[r.MemberName], salts[r.MemberName], r.MemberName)
		if err != nil {
			return sessionID, false, "", participants, err
		}
	}

	if consensus == nil {
		for _, r := range final.Responses {
			if _, rerr := c.Reputation.Update(r.MemberName, -0.01, 0); rerr != nil {
				c.Log.Warn("core: reputation update failed", "agent", r.MemberName, "err", rerr)
			}
		}
		return sessionID, false, "", participants, nil
	}

	consensusVote = *consensus
	for _, r := range final.Responses {
		if votes[r.MemberName] == consensusVote {
			if _, rerr := c.Reputation.Update(r.MemberName, 0.05, 0.02); rerr != nil {
				c.Log.Warn("core: reputation update failed", "agent", r.MemberName, "err", rerr)
			}
			if _, rerr := c.Reputation.RecordSuccessfulConsensus(r.MemberName); rerr != nil {
				c.Log.Warn("core: reputation consensus record failed", "agent", r.MemberName, "err", rerr)
			}
		} else {
			if _, rerr := c.Reputation.Update(r.MemberName, -0.02, 0); rerr != nil {
				c.Log.Warn("core: reputation update failed", "agent", r.MemberName, "err", rerr)
			}
		}
	}

	return sessionID, true, consensusVote, participants, nil
}

// persist projects a deliberation.Result into knowledge.DeliberationRecord
// and stores it, generating its RAG chunks.
func (c *Core) persist(result deliberation.Result) error {
	rec := knowledge.DeliberationRecord{
		SessionID: result.SessionID,
		Question:  result.Question,
		CreatedAt: result.CreatedAt,
		Completed: result.Completed,
	}
	if result.Consensus != nil {
		rec.HasConsensus = true
		rec.Consensus = *result.Consensus
	}
	for _, round := range result.Rounds {
		rr := knowledge.RoundRecord{RoundNumber: round.RoundNumber}
		for _, resp := range round.Responses {
			rr.Responses = append(rr.Responses, knowledge.ResponseRecord{
				MemberName: resp.MemberName,
				Model:      resp.Model,
				Response:   resp.Response,
				Timestamp:  resp.Timestamp,
			})
		}
		rec.Rounds = append(rec.Rounds, rr)
	}
	return c.Knowledge.StoreDeliberation(rec)
}

// Session retrieves a previously stored deliberation's verdict, the
// collaborator behind the `/session/<id>` CLI command.
func (c *Core) Session(id string) (knowledge.VerdictRecord, bool, error) {
	return c.Knowledge.Verdict(id)
}

// RegisterHeartbeat records a live human interaction, keeping PoHV Active.
func (c *Core) RegisterHeartbeat() {
	c.PoHV.RegisterHeartbeat()
}
