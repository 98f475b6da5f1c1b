package state

import "strings"

// Intent is the classified purpose of a user query.
type Intent string

const (
	IntentUnknown        Intent = ""
	IntentResearchQuery  Intent = "research_query"
	IntentComparison     Intent = "comparison"
	IntentTrendAnalysis  Intent = "trend_analysis"
	IntentTemporalQuery  Intent = "temporal_query"
	IntentEntityResearch Intent = "entity_research"
	IntentOutOfScope     Intent = "out_of_scope"
)

// DefaultIntent is used whenever classification fails or yields an unknown label.
const DefaultIntent = IntentResearchQuery

// Intents lists every valid intent in a stable order.
var Intents = []Intent{
	IntentResearchQuery,
	IntentComparison,
	IntentTrendAnalysis,
	IntentTemporalQuery,
	IntentEntityResearch,
	IntentOutOfScope,
}

// ParseIntent normalises a free-form label into a known Intent.
func ParseIntent(s string) (Intent, bool) {
	norm := strings.ToLower(strings.TrimSpace(s))
	norm = strings.Trim(norm, "\"'`.")
	norm = strings.ReplaceAll(norm, " ", "_")
	for _, in := range Intents {
		if norm == string(in) {
			return in, true
		}
	}
	return IntentUnknown, false
}

// Known reports whether i is exactly one of the enumerated intents.
// Non-canonical spellings must go through ParseIntent first.
func (i Intent) Known() bool {
	for _, in := range Intents {
		if i == in {
			return true
		}
	}
	return false
}

// Retrieves reports whether the intent takes the retrieve_context path.
func (i Intent) Retrieves() bool {
	switch i {
	case IntentResearchQuery, IntentTemporalQuery, IntentEntityResearch:
		return true
	}
	return false
}

// Reasons reports whether the intent gets a reasoning step before generation.
func (i Intent) Reasons() bool {
	return i == IntentComparison || i == IntentTrendAnalysis
}

func (i Intent) String() string {
	if i == IntentUnknown {
		return "unknown"
	}
	return string(i)
}
