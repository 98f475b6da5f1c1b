package prompts

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"

	"github.com/TwoKai-LTD/xynenyx-agent/internal/state"
)

// VariationsResult is the rewriter's structured output.
type VariationsResult struct {
	Queries []string `json:"queries" jsonschema:"description=3-5 search query variations,minItems=1,maxItems=5"`
}

// SubQuery is one entry of a decomposition.
type SubQuery struct {
	Query string `json:"query" jsonschema:"description=A complete standalone sub-question"`
	Type  string `json:"type" jsonschema:"enum=research_query,enum=comparison,enum=trend_analysis,enum=entity_research,enum=temporal_query"`
}

// DecompositionResult is the decomposer's structured output.
type DecompositionResult struct {
	SubQueries []SubQuery `json:"sub_queries"`
}

// ExtractionResult is the parameter extractor's structured output. Absent values
// decode as nil.
type ExtractionResult struct {
	TimePeriod     *string          `json:"time_period" jsonschema:"enum=last_week,enum=last_30_days,enum=last_month,enum=last_quarter,enum=this_year,enum=last_year,enum=all_time"`
	SectorFilter   []string         `json:"sector_filter"`
	CompanyFilter  []string         `json:"company_filter"`
	InvestorFilter []string         `json:"investor_filter"`
	DateRange      *state.DateRange `json:"date_range" jsonschema:"description=Inclusive range with YYYY-MM-DD bounds"`
}

// FactsResult is the compressor's per-item structured output.
type FactsResult struct {
	Summary       string   `json:"summary" jsonschema:"description=Brief 1-2 sentence summary"`
	FundingAmount *string  `json:"funding_amount"`
	Company       *string  `json:"company"`
	Date          *string  `json:"date"`
	Investors     []string `json:"investors"`
	Sectors       []string `json:"sectors"`
	KeyPoints     []string `json:"key_points"`
}

var schemaTypes = map[string]any{
	"variations":    &VariationsResult{},
	"decomposition": &DecompositionResult{},
	"extraction":    &ExtractionResult{},
	"facts":         &FactsResult{},
	"validation":    &state.Validation{},
}

// Schema returns the JSON schema document registered under name.
func Schema(name string) (string, error) {
	v, ok := schemaTypes[name]
	if !ok {
		return "", fmt.Errorf("unknown schema %q", name)
	}
	r := &jsonschema.Reflector{DoNotReference: true, ExpandedStruct: true}
	b, err := json.MarshalIndent(r.Reflect(v), "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal schema %s: %w", name, err)
	}
	return string(b), nil
}
