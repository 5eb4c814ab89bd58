package gate

import "fmt"

// DuplicateFilterConfig holds the similarity thresholds the duplicate
// filter classifies hits against.
type DuplicateFilterConfig struct {
	ExactThreshold   float64
	SimilarThreshold float64
	RelatedThreshold float64
}

// DefaultDuplicateFilterConfig returns the stock thresholds: 0.95
// exact, 0.85 duplicate, 0.70 related.
func DefaultDuplicateFilterConfig() DuplicateFilterConfig {
	return DuplicateFilterConfig{
		ExactThreshold:   0.95,
		SimilarThreshold: 0.85,
		RelatedThreshold: 0.70,
	}
}

// SearchHit is the minimal shape the duplicate filter needs from the
// knowledge bank's semantic search.
type SearchHit struct {
	DeliberationID string
	Question       string
	Verdict        string
	RelevanceScore float64
	AskedAt        int64
}

// Searcher is the knowledge-bank collaborator the duplicate filter
// depends on; satisfied by internal/knowledge.
type Searcher interface {
	SearchTopQuestion(query string) (SearchHit, bool, error)
}

// DuplicateCheckResult is the outcome of a CheckDuplicate call.
type DuplicateCheckResult struct {
	IsDuplicate       bool
	SimilarityScore   float64
	ExistingSessionID string
	ExistingQuestion  string
	ExistingVerdict   string
	AskedAt           int64
}

// Filter flags likely-duplicate questions via the knowledge bank's
// semantic search with k=1.
type Filter struct {
	bank Searcher
	cfg  DuplicateFilterConfig
}

// NewFilter constructs a Filter backed by bank.
func NewFilter(bank Searcher, cfg DuplicateFilterConfig) *Filter {
	return &Filter{bank: bank, cfg: cfg}
}

// CheckDuplicate searches for the single closest prior question. A cold
// start (no corpus yet) is not an error; it is reported as not
// duplicate, and so is NotFound from the bank.
func (f *Filter) CheckDuplicate(question string) (DuplicateCheckResult, error) {
	hit, found, err := f.bank.SearchTopQuestion(question)
	if err != nil {
		return DuplicateCheckResult{}, fmt.Errorf("gate: duplicate check: %w", err)
	}
	if !found {
		return DuplicateCheckResult{}, nil
	}

	return DuplicateCheckResult{
		IsDuplicate:       hit.RelevanceScore >= f.cfg.SimilarThreshold,
		SimilarityScore:   hit.RelevanceScore,
		ExistingSessionID: hit.DeliberationID,
		ExistingQuestion:  hit.Question,
		ExistingVerdict:   hit.Verdict,
		AskedAt:           hit.AskedAt,
	}, nil
}

// FormatWarning renders the exact-vs-similar warning banner shown when
// a submission is rejected as a duplicate.
func (f *Filter) FormatWarning(r DuplicateCheckResult) string {
	if !r.IsDuplicate {
		return ""
	}

	warningType := "⚠️ Similar Question"
	if r.SimilarityScore >= f.cfg.ExactThreshold {
		warningType = "⛔ Exact Duplicate"
	}
	pct := int(r.SimilarityScore * 100)

	return fmt.Sprintf(
		"%s (%d%% match)\n\nPrevious session: #%s\nQuestion: %q\nVerdict: %q\n\nView full deliberation: /session/%s\nTo ask anyway: /ask --force <your question>",
		warningType, pct, r.ExistingSessionID, r.ExistingQuestion, r.ExistingVerdict, r.ExistingSessionID,
	)
}

// FormatSuggestion renders the related-question hint. Empty when the result is
// already a duplicate or below the related threshold.
func (f *Filter) FormatSuggestion(r DuplicateCheckResult) string {
	if r.IsDuplicate || r.SimilarityScore < f.cfg.RelatedThreshold {
		return ""
	}
	pct := int(r.SimilarityScore * 100)

	return fmt.Sprintf(
		"💡 Related Question Found (%d%% match)\n\nYou might find this helpful:\nSession #%s: %q\nVerdict: %q\n\nView details: /session/%s",
		pct, r.ExistingSessionID, r.ExistingQuestion, r.ExistingVerdict, r.ExistingSessionID,
	)
}
