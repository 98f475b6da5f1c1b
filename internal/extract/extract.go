// Package extract pulls structured retrieval filters out of a user query.
package extract

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/TwoKai-LTD/xynenyx-agent/internal/llm"
	"github.com/TwoKai-LTD/xynenyx-agent/internal/prompts"
	"github.com/TwoKai-LTD/xynenyx-agent/internal/state"
)

const dateLayout = "2006-01-02"

// DefaultTimeout bounds one extraction call when no timeout is configured.
const DefaultTimeout = 10 * time.Second

// Extractor asks the model for query filters.
type Extractor struct {
	client  llm.Client
	prompts *prompts.Catalogue
	timeout time.Duration
	logger  *zap.Logger
	now     func() time.Time
}

// New creates an Extractor. A timeout of zero or less uses DefaultTimeout.
func New(client llm.Client, cat *prompts.Catalogue, timeout time.Duration, logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cat == nil {
		cat = prompts.Default()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Extractor{client: client, prompts: cat, timeout: timeout, logger: logger, now: time.Now}
}

// Filters extracts the filters of query. Failures yield empty filters.
func (e *Extractor) Filters(ctx context.Context, query string, intent state.Intent, meta llm.Meta) state.Filters {
	name := e.prompts.ExtractionPrompt(intent)
	sys, user, err := e.prompts.Render(name, prompts.Vars{Query: query, Intent: intent})
	if err != nil {
		e.logger.Error("Render extraction prompt", zap.Error(err))
		return state.Filters{}
	}
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	resp, err := e.client.Complete(ctx, llm.Request{
		Meta: meta,
		Messages: []state.Message{
			{Role: state.RoleSystem, Content: sys},
			{Role: state.RoleUser, Content: user},
		},
		Temperature:    0.1,
		ResponseFormat: llm.JSONObject,
	})
	if err != nil {
		e.logger.Warn("Parameter extraction failed", zap.Error(err))
		return state.Filters{}
	}
	var raw prompts.ExtractionResult
	if err := llm.DecodeJSON(resp.Content, &raw); err != nil {
		e.logger.Warn("Failed to parse extraction result", zap.Error(err))
		return state.Filters{}
	}

	f := state.Filters{
		SectorFilter:   clean(raw.SectorFilter),
		CompanyFilter:  clean(raw.CompanyFilter),
		InvestorFilter: clean(raw.InvestorFilter),
	}
	if raw.TimePeriod != nil {
		f.TimePeriod = strings.ToLower(strings.TrimSpace(*raw.TimePeriod))
	}
	if raw.DateRange != nil && validDate(raw.DateRange.Start) && validDate(raw.DateRange.End) {
		f.DateRange = *raw.DateRange
	}
	if f.DateRange.IsZero() {
		if dr, ok := DateFilter(f.TimePeriod, e.now()); ok {
			f.DateRange = dr
		}
	}
	return f
}

func clean(in []string) []string {
	var out []string
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func validDate(s string) bool {
	if s == "" {
		return true
	}
	_, err := time.Parse(dateLayout, s)
	return err == nil
}

// DateFilter resolves a named time period relative to now. "all_time", an
// empty period and unknown names resolve to nothing.
func DateFilter(period string, now time.Time) (state.DateRange, bool) {
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	var start, end time.Time
	switch period {
	case "last_week":
		start, end = today.AddDate(0, 0, -7), today
	case "last_30_days":
		start, end = today.AddDate(0, 0, -30), today
	case "last_month":
		first := time.Date(today.Year(), today.Month(), 1, 0, 0, 0, 0, today.Location())
		start, end = first.AddDate(0, -1, 0), first.AddDate(0, 0, -1)
	case "last_quarter":
		q := (int(today.Month()) - 1) / 3
		thisQuarter := time.Date(today.Year(), time.Month(q*3+1), 1, 0, 0, 0, 0, today.Location())
		start, end = thisQuarter.AddDate(0, -3, 0), thisQuarter.AddDate(0, 0, -1)
	case "this_year":
		start, end = time.Date(today.Year(), 1, 1, 0, 0, 0, 0, today.Location()), today
	case "last_year":
		start = time.Date(today.Year()-1, 1, 1, 0, 0, 0, 0, today.Location())
		end = time.Date(today.Year()-1, 12, 31, 0, 0, 0, 0, today.Location())
	default:
		return state.DateRange{}, false
	}
	return state.DateRange{Start: start.Format(dateLayout), End: end.Format(dateLayout)}, true
}
