package model

import "github.com/blacksamuraiiii/baichuan-assistant/internal/dataset"

// OutcomeKind distinguishes the three ways a fetch can conclude
type OutcomeKind string

const (
	// OutcomeSuccess means the source returned at least one valid row.
	OutcomeSuccess OutcomeKind = "success"
	// OutcomeEmpty means the source responded well-formed but with zero
	// rows. This is a valid result, not a failure.
	OutcomeEmpty OutcomeKind = "empty"
	// OutcomeFailed means the fetch could not produce a dataset.
	OutcomeFailed OutcomeKind = "failed"
)

// FetchOutcome is the result of ingesting one API source. Exactly one
// of Dataset/Reason is meaningful depending on Kind; Failed outcomes
// never carry a dataset.
type FetchOutcome struct {
	Kind    OutcomeKind
	Dataset *dataset.Dataset
	Reason  string
}

// Succeeded creates a success outcome carrying the dataset
func Succeeded(ds *dataset.Dataset) FetchOutcome {
	return FetchOutcome{Kind: OutcomeSuccess, Dataset: ds}
}

// EmptyResult creates an empty-but-valid outcome
func EmptyResult(ds *dataset.Dataset) FetchOutcome {
	return FetchOutcome{Kind: OutcomeEmpty, Dataset: ds}
}

// Failed creates a failure outcome with the logged reason
func Failed(reason string) FetchOutcome {
	return FetchOutcome{Kind: OutcomeFailed, Reason: reason}
}

// OK reports whether the outcome carries a usable dataset
func (o FetchOutcome) OK() bool {
	return o.Kind == OutcomeSuccess || o.Kind == OutcomeEmpty
}
