package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"github.com/TwoKai-LTD/xynenyx-agent/internal/retrieval"
	"github.com/TwoKai-LTD/xynenyx-agent/internal/state"
	"github.com/TwoKai-LTD/xynenyx-agent/internal/util"
)

const (
	trendTopK     = 50
	maxTopSectors = 5
)

// SectorShare is one row of the top-sectors table.
type SectorShare struct {
	Sector          string  `json:"sector"`
	Count           int     `json:"count"`
	FundingBillions float64 `json:"funding_billions"`
	Percentage      float64 `json:"percentage"`
}

type DateSpan struct {
	Earliest string `json:"earliest,omitempty"`
	Latest   string `json:"latest,omitempty"`
}

// TrendReport is the analyze_trends output. Amounts are in billions.
type TrendReport struct {
	TimePeriod             string             `json:"time_period"`
	TotalDeals             int                `json:"total_deals"`
	TotalFundingBillions   float64            `json:"total_funding_billions"`
	AverageFundingBillions float64            `json:"average_funding_billions"`
	TopSectors             []SectorShare      `json:"top_sectors"`
	SectorFunding          map[string]float64 `json:"sector_funding_billions"`
	GeographyDistribution  map[string]int     `json:"geography_distribution"`
	RoundDistribution      map[string]int     `json:"round_distribution"`
	MonthlyDeals           map[string]int     `json:"monthly_deals"`
	DateRange              DateSpan           `json:"date_range"`
}

type trends struct {
	rag retrieval.Querier
}

func NewTrends(q retrieval.Querier) Tool { return &trends{rag: q} }

func (t *trends) Name() string { return AnalyzeTrends }

func (t *trends) Run(ctx context.Context, in Input) (Output, error) {
	f := state.Filters{
		TimePeriod:   in.Filters.TimePeriod,
		DateRange:    in.Filters.DateRange,
		SectorFilter: in.Filters.SectorFilter,
	}
	resp, err := t.rag.Query(ctx, retrieval.Request{Query: in.Query, TopK: trendTopK, UserID: in.UserID}.WithFilters(f))
	if err != nil {
		return Output{}, err
	}
	report := Aggregate(resp.Results, in.Filters.TimePeriod)
	raw, err := json.Marshal(report)
	if err != nil {
		return Output{}, fmt.Errorf("failed to encode trend report: %w", err)
	}
	return Output{Raw: raw}, nil
}

// Aggregate folds retrieved deals into a trend report.
func Aggregate(items []state.EvidenceItem, timePeriod string) TrendReport {
	if timePeriod == "" {
		timePeriod = "all_time"
	}
	r := TrendReport{
		TimePeriod:            timePeriod,
		TotalDeals:            len(items),
		SectorFunding:         map[string]float64{},
		GeographyDistribution: map[string]int{},
		RoundDistribution:     map[string]int{},
		MonthlyDeals:          map[string]int{},
		TopSectors:            []SectorShare{},
	}
	sectorCounts := map[string]int{}
	var totalMillions float64

	for _, it := range items {
		amount, hasAmount := util.Millions(it.Metadata["funding_amount"])
		if hasAmount {
			totalMillions += amount
		}
		sectors := it.MetaStrings("sector")
		if len(sectors) == 0 {
			sectors = it.MetaStrings("sectors")
		}
		for _, s := range sectors {
			sectorCounts[s]++
			if hasAmount {
				r.SectorFunding[s] += amount
			}
		}
		if loc := it.MetaString("location"); loc != "" {
			r.GeographyDistribution[loc]++
		}
		if rnd := it.MetaString("funding_round"); rnd != "" {
			r.RoundDistribution[rnd]++
		}
		if d := it.MetaString("date", "published_date"); d != "" {
			if r.DateRange.Earliest == "" || d < r.DateRange.Earliest {
				r.DateRange.Earliest = d
			}
			if d > r.DateRange.Latest {
				r.DateRange.Latest = d
			}
			if len(d) >= 7 {
				r.MonthlyDeals[d[:7]]++
			}
		}
	}

	for s, m := range r.SectorFunding {
		r.SectorFunding[s] = billions(m)
	}
	r.TotalFundingBillions = billions(totalMillions)
	if r.TotalDeals > 0 {
		r.AverageFundingBillions = billions(totalMillions / float64(r.TotalDeals))
	}

	names := make([]string, 0, len(sectorCounts))
	for s := range sectorCounts {
		names = append(names, s)
	}
	sort.Slice(names, func(i, j int) bool {
		if sectorCounts[names[i]] != sectorCounts[names[j]] {
			return sectorCounts[names[i]] > sectorCounts[names[j]]
		}
		return names[i] < names[j]
	})
	if len(names) > maxTopSectors {
		names = names[:maxTopSectors]
	}
	for _, s := range names {
		r.TopSectors = append(r.TopSectors, SectorShare{
			Sector:          s,
			Count:           sectorCounts[s],
			FundingBillions: r.SectorFunding[s],
			Percentage:      math.Round(float64(sectorCounts[s])/float64(r.TotalDeals)*1000) / 10,
		})
	}
	return r
}

func billions(millions float64) float64 {
	return math.Round(millions/1000*100) / 100
}
