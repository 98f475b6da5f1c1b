package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/TwoKai-LTD/xynenyx-agent/internal/retrieval"
	"github.com/TwoKai-LTD/xynenyx-agent/internal/state"
	"github.com/TwoKai-LTD/xynenyx-agent/internal/util"
)

const (
	MaxEntities       = 5
	maxRoundInvestors = 5
	maxEntityInvestor = 10
)

var (
	fundingPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\$(\d+(?:\.\d+)?)\s*(million|m|billion|b)\b`),
		regexp.MustCompile(`(?i)raised\s+\$(\d+(?:\.\d+)?)\s*(?:(million|m|billion|b)\b)?`),
	}
	seedRe      = regexp.MustCompile(`(?i)seed\s+round`)
	seriesRe    = regexp.MustCompile(`(?i)series\s+([a-z])\s+(?:round|funding)`)
	investorRes = []*regexp.Regexp{
		regexp.MustCompile(`(?i)led\s+by\s+([a-z][a-z\s&]+)`),
		regexp.MustCompile(`(?i)investors\s+include\s+([a-z][a-z\s,&]+)`),
	}
	compareRe     = regexp.MustCompile(`(?i)\bcompare\s+(.+)`)
	entitySplitRe = regexp.MustCompile(`(?i)\s*(?:,\s*and\s+|,|\band\b|\bvs\.?|\bversus\b|\bwith\b)\s*`)
	versusRe      = regexp.MustCompile(`(?i)\b(?:vs\.?|versus)\b`)
)

// FundingRecord is one funding event found in a retrieved passage. Amounts are
// in millions of dollars.
type FundingRecord struct {
	FundingAmount float64  `json:"funding_amount"`
	FundingRound  string   `json:"funding_round,omitempty"`
	Date          string   `json:"date,omitempty"`
	Investors     []string `json:"investors"`
}

// EntityProfile aggregates the funding history of one entity.
type EntityProfile struct {
	Name          string          `json:"name"`
	FundingRounds []FundingRecord `json:"funding_rounds,omitempty"`
	TotalFunding  float64         `json:"total_funding"`
	LatestRound   *FundingRecord  `json:"latest_round,omitempty"`
	Investors     []string        `json:"investors,omitempty"`
	Dates         []string        `json:"dates,omitempty"`
	Error         string          `json:"error,omitempty"`
}

// Comparison is the compare_entities report.
type Comparison struct {
	Entities []EntityProfile `json:"entities"`
}

type compare struct {
	rag    retrieval.Querier
	logger *zap.Logger
}

func NewCompare(q retrieval.Querier, logger *zap.Logger) Tool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &compare{rag: q, logger: logger}
}

func (t *compare) Name() string { return CompareEntities }

// Run queries every entity in parallel. A failed entity is reported inline
// and does not fail the comparison.
func (t *compare) Run(ctx context.Context, in Input) (Output, error) {
	entities := in.Entities
	if len(entities) == 0 {
		entities = Entities(in.Query)
	}
	if len(entities) == 0 {
		return Output{}, fmt.Errorf("no entities to compare in %q", in.Query)
	}
	if len(entities) > MaxEntities {
		entities = entities[:MaxEntities]
	}

	profiles := make([]EntityProfile, len(entities))
	g, gctx := errgroup.WithContext(ctx)
	for i, entity := range entities {
		g.Go(func() error {
			profiles[i] = t.profile(gctx, entity, in)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return Output{}, err
	}

	raw, err := json.Marshal(Comparison{Entities: profiles})
	if err != nil {
		return Output{}, fmt.Errorf("failed to encode comparison: %w", err)
	}
	return Output{Raw: raw}, nil
}

func (t *compare) profile(ctx context.Context, entity string, in Input) EntityProfile {
	p := EntityProfile{Name: entity}
	resp, err := t.rag.Query(ctx, retrieval.Request{
		Query:         strings.TrimSpace(entity + " " + in.QueryContext),
		TopK:          5,
		CompanyFilter: []string{entity},
		UserID:        in.UserID,
	})
	if err != nil {
		t.logger.Warn("Entity lookup failed", zap.String("entity", entity), zap.Error(err))
		p.Error = err.Error()
		return p
	}

	for _, item := range resp.Results {
		rec, ok := ExtractFunding(item)
		if !ok {
			continue
		}
		p.FundingRounds = append(p.FundingRounds, rec)
		p.TotalFunding += rec.FundingAmount
		for _, inv := range rec.Investors {
			if !util.ContainsFold(p.Investors, inv) && len(p.Investors) < maxEntityInvestor {
				p.Investors = append(p.Investors, inv)
			}
		}
		if rec.Date != "" {
			p.Dates = append(p.Dates, rec.Date)
		}
	}
	for i := range p.FundingRounds {
		if p.LatestRound == nil || p.FundingRounds[i].Date > p.LatestRound.Date {
			p.LatestRound = &p.FundingRounds[i]
		}
	}
	return p
}

// ExtractFunding reads a funding record from an item's metadata, falling back
// to its text. Items without an amount yield false.
func ExtractFunding(item state.EvidenceItem) (FundingRecord, bool) {
	rec := FundingRecord{
		FundingRound: item.MetaString("funding_round"),
		Date:         item.MetaString("date", "published_date"),
		Investors:    item.MetaStrings("investors"),
	}
	amount, ok := util.Millions(item.Metadata["funding_amount"])
	if !ok || amount == 0 {
		amount, ok = fundingFromText(item.Content)
	}
	if rec.FundingRound == "" {
		rec.FundingRound = roundFromText(item.Content)
	}
	if len(rec.Investors) == 0 {
		rec.Investors = investorsFromText(item.Content)
	}
	if !ok || amount == 0 {
		return FundingRecord{}, false
	}
	rec.FundingAmount = amount
	if rec.Investors == nil {
		rec.Investors = []string{}
	}
	return rec, true
}

func fundingFromText(content string) (float64, bool) {
	for _, re := range fundingPatterns {
		m := re.FindStringSubmatch(content)
		if m == nil {
			continue
		}
		v, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			continue
		}
		if strings.HasPrefix(strings.ToLower(m[2]), "b") {
			v *= 1000
		}
		return v, true
	}
	return 0, false
}

func roundFromText(content string) string {
	if seedRe.MatchString(content) {
		return "Seed"
	}
	if m := seriesRe.FindStringSubmatch(content); m != nil {
		return "Series " + strings.ToUpper(m[1])
	}
	return ""
}

func investorsFromText(content string) []string {
	for _, re := range investorRes {
		m := re.FindStringSubmatch(content)
		if m == nil {
			continue
		}
		var out []string
		for _, part := range strings.Split(m[1], ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
			if len(out) == maxRoundInvestors {
				break
			}
		}
		return out
	}
	return nil
}

// Entities pulls the names being compared out of queries such as
// "Compare Stripe and Adyen" or "OpenAI vs Anthropic funding".
func Entities(query string) []string {
	q := strings.TrimSpace(query)
	var body string
	switch {
	case compareRe.MatchString(q):
		body = compareRe.FindStringSubmatch(q)[1]
	case versusRe.MatchString(q):
		body = q
	default:
		return nil
	}
	body = strings.TrimRight(body, "?.! ")

	var out []string
	for _, part := range entitySplitRe.Split(body, -1) {
		part = strings.Trim(part, " \"'?.!")
		part = strings.TrimPrefix(part, "the ")
		if part == "" || util.ContainsFold(out, part) {
			continue
		}
		out = append(out, part)
		if len(out) == MaxEntities {
			break
		}
	}
	if len(out) < 2 {
		return nil
	}
	return out
}
