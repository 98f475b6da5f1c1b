package tools

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TwoKai-LTD/xynenyx-agent/internal/config"
	"github.com/TwoKai-LTD/xynenyx-agent/internal/retrieval"
	"github.com/TwoKai-LTD/xynenyx-agent/internal/state"
)

type fakeRAG struct {
	mu   sync.Mutex
	reqs []retrieval.Request
	fn   func(retrieval.Request) (*retrieval.Response, error)
}

func (f *fakeRAG) Query(ctx context.Context, req retrieval.Request) (*retrieval.Response, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return f.fn(req)
}

func (f *fakeRAG) requests() []retrieval.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]retrieval.Request(nil), f.reqs...)
}

func results(items ...state.EvidenceItem) func(retrieval.Request) (*retrieval.Response, error) {
	return func(retrieval.Request) (*retrieval.Response, error) {
		return &retrieval.Response{Results: items, Count: len(items)}, nil
	}
}

type slowTool struct{}

func (slowTool) Name() string { return "slow" }

func (slowTool) Run(ctx context.Context, _ Input) (Output, error) {
	<-ctx.Done()
	return Output{}, ctx.Err()
}

func TestRegistry(t *testing.T) {
	r := Default(&fakeRAG{fn: results()}, config.ToolsConfig{}, nil)
	assert.Equal(t, []string{AnalyzeTrends, CompareEntities, RAGSearch}, r.Names())

	_, err := r.Run(context.Background(), "calculator", Input{})
	assert.EqualError(t, err, "unknown tool: calculator")
}

func TestRegistryTimeout(t *testing.T) {
	r := NewRegistry(config.ToolsConfig{Timeout: 20 * time.Millisecond}, nil)
	r.Register(slowTool{})

	start := time.Now()
	_, err := r.Run(context.Background(), "slow", Input{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestRAGSearch(t *testing.T) {
	rag := &fakeRAG{fn: results(state.EvidenceItem{
		Content:  "Acme raised $10M",
		ChunkID:  "c1",
		Metadata: map[string]any{"article_url": "https://news.example/acme", "published_date": "2025-03-02"},
	})}
	r := Default(rag, config.ToolsConfig{}, nil)

	out, err := r.Run(context.Background(), RAGSearch, Input{
		Query:   "Acme funding",
		UserID:  "u1",
		Filters: state.Filters{TimePeriod: "last_month", CompanyFilter: []string{"Acme"}},
	})
	require.NoError(t, err)
	require.Len(t, out.Items, 1)
	assert.Equal(t, "https://news.example/acme", out.Sources[0].ArticleURL)
	assert.Nil(t, out.Raw)

	req := rag.requests()[0]
	assert.Equal(t, 10, req.TopK)
	assert.Equal(t, "u1", req.UserID)
	assert.Equal(t, []string{"Acme"}, req.CompanyFilter)
	assert.Equal(t, "last_month", req.DateFilter.Preset)
}

func TestExtractFunding(t *testing.T) {
	cases := []struct {
		name   string
		item   state.EvidenceItem
		want   FundingRecord
		wantOK bool
	}{
		{
			name: "metadata wins",
			item: state.EvidenceItem{
				Content:  "raised $3 million",
				Metadata: map[string]any{"funding_amount": 25.0, "funding_round": "Series A", "date": "2025-01-10", "investors": []any{"Accel"}},
			},
			want:   FundingRecord{FundingAmount: 25, FundingRound: "Series A", Date: "2025-01-10", Investors: []string{"Accel"}},
			wantOK: true,
		},
		{
			name:   "billions from text",
			item:   state.EvidenceItem{Content: "The company closed a $1.2 billion Series C funding led by Thrive"},
			want:   FundingRecord{FundingAmount: 1200, FundingRound: "Series C", Investors: []string{"Thrive"}},
			wantOK: true,
		},
		{
			name:   "seed round with investor list",
			item:   state.EvidenceItem{Content: "Acme raised $4 in a seed round; investors include Accel, Index Ventures, Benchmark."},
			want:   FundingRecord{FundingAmount: 4, FundingRound: "Seed", Investors: []string{"Accel", "Index Ventures", "Benchmark"}},
			wantOK: true,
		},
		{
			name:   "no amount",
			item:   state.EvidenceItem{Content: "Acme hired a new CFO"},
			wantOK: false,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := ExtractFunding(tc.item)
			assert.Equal(t, tc.wantOK, ok)
			if tc.wantOK {
				assert.Equal(t, tc.want, got)
			}
		})
	}
}

func TestEntities(t *testing.T) {
	cases := map[string][]string{
		"Compare Stripe and Adyen":                {"Stripe", "Adyen"},
		"compare OpenAI, Anthropic, and Mistral?": {"OpenAI", "Anthropic", "Mistral"},
		"Stripe vs. Adyen":                        {"Stripe", "Adyen"},
		"Revolut versus Monzo":                    {"Revolut", "Monzo"},
		"Compare A, B, C, D, E, F":                {"A", "B", "C", "D", "E"},
		"What did Acme raise?":                    nil,
		"compare Acme":                            nil,
	}
	for query, want := range cases {
		assert.Equal(t, want, Entities(query), query)
	}
}

func TestCompareEntities(t *testing.T) {
	rag := &fakeRAG{fn: func(req retrieval.Request) (*retrieval.Response, error) {
		switch req.CompanyFilter[0] {
		case "Stripe":
			return &retrieval.Response{Results: []state.EvidenceItem{
				{Content: "Stripe raised $600 million in a Series I round led by Thrive", Metadata: map[string]any{"date": "2023-03-15"}},
				{Content: "Stripe raised $95 million Series H funding", Metadata: map[string]any{"date": "2021-03-14"}},
				{Content: "Stripe launched a new product"},
			}}, nil
		case "Adyen":
			return nil, errors.New("rag down")
		}
		return &retrieval.Response{}, nil
	}}

	out, err := NewCompare(rag, nil).Run(context.Background(), Input{Query: "Compare Stripe and Adyen"})
	require.NoError(t, err)

	var cmp Comparison
	require.NoError(t, json.Unmarshal(out.Raw, &cmp))
	require.Len(t, cmp.Entities, 2)

	stripe := cmp.Entities[0]
	assert.Equal(t, "Stripe", stripe.Name)
	assert.Len(t, stripe.FundingRounds, 2)
	assert.InDelta(t, 695, stripe.TotalFunding, 1e-9)
	require.NotNil(t, stripe.LatestRound)
	assert.Equal(t, "Series I", stripe.LatestRound.FundingRound)
	assert.Equal(t, []string{"Thrive"}, stripe.Investors)
	assert.Equal(t, []string{"2023-03-15", "2021-03-14"}, stripe.Dates)

	adyen := cmp.Entities[1]
	assert.Equal(t, "Adyen", adyen.Name)
	assert.Equal(t, "rag down", adyen.Error)

	for _, req := range rag.requests() {
		assert.Equal(t, 5, req.TopK)
		assert.Len(t, req.CompanyFilter, 1)
	}
}

func TestCompareExplicitEntitiesAndLimit(t *testing.T) {
	rag := &fakeRAG{fn: results()}
	out, err := NewCompare(rag, nil).Run(context.Background(), Input{
		Query:    "how do these stack up",
		Entities: []string{"A", "B", "C", "D", "E", "F", "G"},
	})
	require.NoError(t, err)
	assert.Len(t, rag.requests(), MaxEntities)

	var cmp Comparison
	require.NoError(t, json.Unmarshal(out.Raw, &cmp))
	assert.Len(t, cmp.Entities, MaxEntities)
}

func TestCompareWithoutEntities(t *testing.T) {
	_, err := NewCompare(&fakeRAG{fn: results()}, nil).Run(context.Background(), Input{Query: "latest AI deals"})
	assert.Error(t, err)
}

func TestAggregate(t *testing.T) {
	items := []state.EvidenceItem{
		{Metadata: map[string]any{"sector": "AI", "funding_amount": 1500.0, "location": "US", "funding_round": "Series B", "date": "2025-01-05"}},
		{Metadata: map[string]any{"sector": "AI", "funding_amount": "$500M", "location": "UK", "funding_round": "Series A", "date": "2025-02-11"}},
		{Metadata: map[string]any{"sector": "Fintech", "funding_amount": 1000.0, "location": "US", "date": "2024-12-20"}},
		{Metadata: map[string]any{"location": "US"}},
	}

	r := Aggregate(items, "")
	assert.Equal(t, "all_time", r.TimePeriod)
	assert.Equal(t, 4, r.TotalDeals)
	assert.Equal(t, 3.0, r.TotalFundingBillions)
	assert.Equal(t, 0.75, r.AverageFundingBillions)
	assert.Equal(t, []SectorShare{
		{Sector: "AI", Count: 2, FundingBillions: 2, Percentage: 50},
		{Sector: "Fintech", Count: 1, FundingBillions: 1, Percentage: 25},
	}, r.TopSectors)
	assert.Equal(t, map[string]int{"US": 3, "UK": 1}, r.GeographyDistribution)
	assert.Equal(t, map[string]int{"Series A": 1, "Series B": 1}, r.RoundDistribution)
	assert.Equal(t, map[string]int{"2025-01": 1, "2025-02": 1, "2024-12": 1}, r.MonthlyDeals)
	assert.Equal(t, DateSpan{Earliest: "2024-12-20", Latest: "2025-02-11"}, r.DateRange)
}

func TestAggregateEmpty(t *testing.T) {
	r := Aggregate(nil, "last_month")
	assert.Equal(t, 0, r.TotalDeals)
	assert.Zero(t, r.AverageFundingBillions)
	assert.Empty(t, r.TopSectors)
	assert.Equal(t, "last_month", r.TimePeriod)
}

func TestAnalyzeTrendsRequest(t *testing.T) {
	rag := &fakeRAG{fn: results(state.EvidenceItem{Metadata: map[string]any{"sector": "AI"}})}
	out, err := NewTrends(rag).Run(context.Background(), Input{
		Query: "AI funding trends",
		Filters: state.Filters{
			TimePeriod:    "last_quarter",
			SectorFilter:  []string{"AI"},
			CompanyFilter: []string{"ignored"},
		},
	})
	require.NoError(t, err)

	req := rag.requests()[0]
	assert.Equal(t, 50, req.TopK)
	assert.Equal(t, "last_quarter", req.DateFilter.Preset)
	assert.Equal(t, []string{"AI"}, req.SectorFilter)
	assert.Nil(t, req.CompanyFilter)

	var r TrendReport
	require.NoError(t, json.Unmarshal(out.Raw, &r))
	assert.Equal(t, "last_quarter", r.TimePeriod)
	assert.Equal(t, 1, r.TotalDeals)
}
