package domain

import (
	"fmt"
	"strings"
)

// RetrievalRequest asks for one URL to be saved at a destination path.
type RetrievalRequest struct {
	URL          string
	Destination  string
	ExpectedType string // content type prefix, e.g. "image/png"
}

// ExistsCheckRequest asks whether a URL is being served.
type ExistsCheckRequest struct {
	URL string
}

// OutcomeKind classifies a retrieval attempt.
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeSkipped
	OutcomeContentTypeMismatch
	OutcomeRejected
	OutcomeTransientFailure
)

// String returns the outcome label used in logs and metrics.
func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "fetched"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeContentTypeMismatch:
		return "content_type_mismatch"
	case OutcomeRejected:
		return "rejected"
	case OutcomeTransientFailure:
		return "failed"
	default:
		return "unknown"
	}
}

// RetrievalOutcome tags a request with the result of one attempt.
type RetrievalOutcome struct {
	Request RetrievalRequest
	Kind    OutcomeKind
	Err     error
}

// Retryable reports whether the request belongs in the next round.
func (o RetrievalOutcome) Retryable() bool {
	return o.Kind == OutcomeTransientFailure
}

// PartitionOutcomes splits outcomes into resolved requests and those to retry.
func PartitionOutcomes(outcomes []RetrievalOutcome) (done, retry []RetrievalRequest) {
	for _, o := range outcomes {
		if o.Retryable() {
			retry = append(retry, o.Request)
		} else {
			done = append(done, o.Request)
		}
	}
	return done, retry
}

// RetrievalSummary counts what a Retrieve call did.
type RetrievalSummary struct {
	Requested int
	Skipped   int
	Fetched   int
	Rejected  int
	Failed    int
	Rounds    int
}

// Complete reports whether every request ended up on disk.
func (s RetrievalSummary) Complete() bool {
	return s.Rejected == 0 && s.Failed == 0
}

// ExhaustionPolicy decides what happens when retries run out.
type ExhaustionPolicy string

const (
	// ExhaustionSoft logs remaining failures and returns normally.
	ExhaustionSoft ExhaustionPolicy = "soft"
	// ExhaustionHard returns a RetryBudgetExhaustedError.
	ExhaustionHard ExhaustionPolicy = "hard"
)

// ParseExhaustionPolicy parses "soft" or "hard". Empty means soft.
func ParseExhaustionPolicy(s string) (ExhaustionPolicy, error) {
	switch ExhaustionPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", ExhaustionSoft:
		return ExhaustionSoft, nil
	case ExhaustionHard:
		return ExhaustionHard, nil
	default:
		return "", &ValidationError{
			Field:      "exhaustion",
			Value:      s,
			Constraint: "soft|hard",
			Message:    fmt.Sprintf("unknown exhaustion policy %q", s),
		}
	}
}
