// Package deliberation implements the deliberation engine: parallel
// per-round fan-out to council members via errgroup, context weaving
// between rounds, and a text-surface consensus heuristic.
package deliberation

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/councilnet/core/internal/backend"
	"github.com/councilnet/core/internal/xlog"
)

// councilCoreContext is the canonical system directive prepended to
// every member call, defining the council's operating charter.
const councilCoreContext = "You are a member of a decentralized, human-governed council of AI agents. " +
	"The council deliberates on questions posed by humans and answers only through transparent, " +
	"recorded multi-round discussion. Human oversight is never to be bypassed or diminished. " +
	"State your reasoning, flag uncertainty explicitly, and prefer verifiable claims over speculation."

// composeSystemPrompt appends a member's role addendum, if any, to the
// core context.
func composeSystemPrompt(addendum string) string {
	trimmed := strings.TrimSpace(addendum)
	if trimmed == "" {
		return councilCoreContext
	}
	return fmt.Sprintf("%s\n\n# Role Addendum\n%s", councilCoreContext, trimmed)
}

// agreementPhrases and disagreementPhrases drive the consensus
// heuristic. Matching is case-insensitive substring.
var (
	agreementPhrases    = []string{"i agree", "consensus", "i concur", "align with"}
	disagreementPhrases = []string{"disagree", "wrong", "incorrect", "oppose", "reject"}
)

// Member is one council participant fanned out to per round.
type Member struct {
	Name      string
	Model     string
	BackendID string
	Addendum  string
}

// MemberResponse is one member's answer within one round.
type MemberResponse struct {
	MemberName string
	Model      string
	Response   string
	Timestamp  int64
}

// Round holds every response gathered in one deliberation round.
type Round struct {
	RoundNumber int
	Responses   []MemberResponse
}

// Result is the full output of one deliberation.
type Result struct {
	SessionID string
	Question  string
	Rounds    []Round
	Consensus *string
	Completed bool
	CreatedAt int64
}

// Engine fans deliberation rounds out to council members through the
// backend registry.
type Engine struct {
	registry *backend.Registry
	log      *xlog.Logger
	now      func() int64
	newID    func() string
}

// New constructs a deliberation engine. now and newID are injected for
// deterministic tests (unix-seconds clock, session id generator).
func New(registry *backend.Registry, log *xlog.Logger, now func() int64, newID func() string) *Engine {
	if newID == nil {
		newID = func() string { return uuid.New().String() }
	}
	return &Engine{registry: registry, log: log, now: now, newID: newID}
}

// buildContext verbatim-concatenates a round's responses, each prefixed
// "<member> (<model>):\n<text>\n\n".
func buildContext(responses []MemberResponse) string {
	var sb strings.Builder
	for _, r := range responses {
		sb.WriteString(fmt.Sprintf("%s (%s):\n%s\n\n", r.MemberName, r.Model, r.Response))
	}
	return sb.String()
}

// buildPrompt constructs the round 1 or later-round prompt.
func buildPrompt(question string, roundNumber int, previousContext string) string {
	if roundNumber == 1 {
		return fmt.Sprintf("Question: %s\n\nProvide your analysis and recommendation.", question)
	}
	trimmedContext := strings.TrimRight(previousContext, "\n")
	return fmt.Sprintf(
		"Question: %s\n\nPrevious discussion:\n%s\n\nProvide your response considering the previous arguments.",
		question, trimmedContext,
	)
}

// containsAny reports whether text (already lowercased) contains any of phrases.
func containsAny(lower string, phrases []string) bool {
	for _, p := range phrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// hasConsensus applies the text-surface heuristic: on a round with at
// least 2 responses, agreements >= floor(2n/3) and zero disagreements
// declares consensus, synthesizing the summary.
func hasConsensus(responses []MemberResponse) (bool, string) {
	n := len(responses)
	if n < 2 {
		return false, ""
	}

	agreements, disagreements := 0, 0
	for _, r := range responses {
		lower := strings.ToLower(r.Response)
		if containsAny(lower, agreementPhrases) {
			agreements++
		}
		if containsAny(lower, disagreementPhrases) {
			disagreements++
		}
	}

	threshold := (2 * n) / 3
	if agreements < threshold || disagreements != 0 {
		return false, ""
	}

	var sb strings.Builder
	sb.WriteString("Council Consensus:\n\n")
	for _, r := range responses {
		sb.WriteString(fmt.Sprintf("- %s agrees: %s\n", r.MemberName, firstNonEmptyLine(r.Response)))
	}
	return true, sb.String()
}

func firstNonEmptyLine(text string) string {
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

// callMember issues one member's generation call for the current round.
func (e *Engine) callMember(ctx context.Context, question string, roundNumber int, previousContext string, m Member) (MemberResponse, error) {
	b, ok := e.registry.Get(m.BackendID)
	if !ok {
		return MemberResponse{}, fmt.Errorf("deliberation: backend %q not registered for member %s", m.BackendID, m.Name)
	}

	ctx, cancel := context.WithTimeout(ctx, backend.GenerateTimeout)
	defer cancel()

	result, err := b.Generate(ctx, backend.GenerateRequest{
		Model:        m.Model,
		Prompt:       buildPrompt(question, roundNumber, previousContext),
		SystemPrompt: composeSystemPrompt(m.Addendum),
		Temperature:  0.7,
	})
	if err != nil {
		return MemberResponse{}, err
	}

	return MemberResponse{
		MemberName: m.Name,
		Model:      m.Model,
		Response:   result.Text,
		Timestamp:  e.now(),
	}, nil
}

// Deliberate runs the full round loop: parallel fan-out per round,
// terminating on consensus or after maxRounds.
func (e *Engine) Deliberate(ctx context.Context, question string, members []Member, maxRounds int) (Result, error) {
	res := Result{
		SessionID: e.newID(),
		Question:  question,
		CreatedAt: e.now(),
	}

	previousContext := ""
	for roundNum := 1; roundNum <= maxRounds; roundNum++ {
		ordered := make([]MemberResponse, len(members))
		present := make([]bool, len(members))

		var g errgroup.Group
		var mu sync.Mutex
		for i, m := range members {
			i, m := i, m
			g.Go(func() error {
				resp, err := e.callMember(ctx, question, roundNum, previousContext, m)
				if err != nil {
					e.log.Warn("deliberation: member call failed", "member", m.Name, "round", roundNum, "err", err)
					return nil
				}
				mu.Lock()
				ordered[i] = resp
				present[i] = true
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()

		var responses []MemberResponse
		for i, ok := range present {
			if ok {
				responses = append(responses, ordered[i])
			}
		}

		round := Round{RoundNumber: roundNum, Responses: responses}
		res.Rounds = append(res.Rounds, round)

		if ok, summary := hasConsensus(responses); ok {
			res.Consensus = &summary
			break
		}

		previousContext = buildContext(responses)
	}

	res.Completed = res.Consensus != nil || len(res.Rounds) >= maxRounds
	return res, nil
}
