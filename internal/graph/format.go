package graph

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/TwoKai-LTD/xynenyx-agent/internal/state"
	"github.com/TwoKai-LTD/xynenyx-agent/internal/tools"
)

const maxContextSources = 5

const citationRequirement = "CRITICAL CITATION REQUIREMENT: For every statistic, number, fact, or piece of information you mention in your response, you MUST include a citation in the format [Source: URL, Date]. Examples:\n" +
	"- 'Total Deals: 543 [Source: https://techcrunch.com/article, 2025-12-19]'\n" +
	"- 'AI sector raised $1.8B [Source: https://techcrunch.com/article, 2025-12-19]'\n"

const aggregateNote = "NOTE: The data above is aggregated from the database. For trend analysis data, cite as 'aggregated from database analysis' rather than individual articles. Use BILLIONS for amounts >$1B.\n"

const answerInstruction = "Use the information above to answer the user's question. Extract specific details like funding amounts, company names, dates, and sectors from the context."

// head returns the first n runes of s.
func head(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func num(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }

// formatContext renders the generation context block. items is the
// (possibly compressed) evidence; tool is set instead for tool results.
func formatContext(items []state.EvidenceItem, tool *state.ToolResult) string {
	var b strings.Builder
	b.WriteString("=== CONTEXT FROM KNOWLEDGE BASE ===\n\n")

	if tool != nil {
		switch tool.ToolName {
		case tools.AnalyzeTrends:
			b.WriteString(formatTrends(tool.Raw))
		case tools.CompareEntities:
			b.WriteString(formatComparison(tool.Raw))
		default:
			b.Write(tool.Raw)
		}
	} else {
		for i, it := range items {
			if i == maxContextSources {
				break
			}
			writeSource(&b, i+1, it)
		}
		if len(items) > maxContextSources {
			fmt.Fprintf(&b, "\n[Note: Showing top %d of %d results]\n", maxContextSources, len(items))
		}
	}

	b.WriteString("\n=== END CONTEXT ===\n\n")
	if tool != nil {
		b.WriteString(aggregateNote)
	} else {
		b.WriteString(citationRequirement)
	}
	b.WriteString(answerInstruction)
	return b.String()
}

func writeSource(b *strings.Builder, i int, it state.EvidenceItem) {
	fmt.Fprintf(b, "--- Source %d ---\n", i)
	if v := it.MetaString("document_name", "title"); v != "" {
		fmt.Fprintf(b, "Article: %s\n", v)
	}
	if v := it.MetaString("article_url", "url", "source_url"); v != "" {
		fmt.Fprintf(b, "URL: %s\n", v)
	}
	if v := it.MetaString("published_date", "date"); v != "" {
		fmt.Fprintf(b, "Date: %s\n", v)
	}
	if v := it.MetaStrings("sectors"); len(v) > 0 {
		fmt.Fprintf(b, "Sectors: %s\n", strings.Join(v, ", "))
	}
	if v := it.MetaStrings("companies"); len(v) > 0 {
		fmt.Fprintf(b, "Companies: %s\n", strings.Join(v, ", "))
	}
	if v := fundingLabel(it); v != "" {
		fmt.Fprintf(b, "Funding: %s\n", v)
	}
	fmt.Fprintf(b, "Content: %s\n\n", it.Content)
}

func fundingLabel(it state.EvidenceItem) string {
	for _, k := range []string{"funding_amount", "amount"} {
		switch v := it.Metadata[k].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			if v != 0 {
				return num(v)
			}
		case int:
			if v != 0 {
				return strconv.Itoa(v)
			}
		}
	}
	return ""
}

func formatTrends(raw json.RawMessage) string {
	var r tools.TrendReport
	if err := json.Unmarshal(raw, &r); err != nil {
		return string(raw)
	}
	var b strings.Builder
	b.WriteString("=== TREND ANALYSIS DATA ===\n\n")
	if r.TimePeriod != "" && r.TimePeriod != "all_time" {
		fmt.Fprintf(&b, "Time Period: %s (latest/recent data)\n", r.TimePeriod)
	} else {
		b.WriteString("Time Period: All available data\n")
	}
	fmt.Fprintf(&b, "Total Deals: %d\n", r.TotalDeals)
	fmt.Fprintf(&b, "Total Funding: $%s billion\n", num(r.TotalFundingBillions))
	fmt.Fprintf(&b, "Average Funding: $%s billion per deal\n\n", num(r.AverageFundingBillions))

	if len(r.TopSectors) > 0 {
		b.WriteString("Top Sectors:\n")
		for _, s := range r.TopSectors {
			fmt.Fprintf(&b, "- %s: %d deals, $%sB (%s%% of deals)\n", s.Sector, s.Count, num(s.FundingBillions), num(s.Percentage))
		}
		b.WriteString("\n")
	}
	writeCounts(&b, "Funding Round Distribution:", r.RoundDistribution, "deals")
	writeCounts(&b, "Geography Distribution:", r.GeographyDistribution, "deals")

	if len(r.MonthlyDeals) > 0 {
		months := make([]string, 0, len(r.MonthlyDeals))
		for m := range r.MonthlyDeals {
			months = append(months, m)
		}
		sort.Strings(months)
		b.WriteString("Deals by Month:\n")
		for _, m := range months {
			fmt.Fprintf(&b, "- %s: %d deals\n", m, r.MonthlyDeals[m])
		}
		b.WriteString("\n")
	}
	if r.DateRange.Earliest != "" || r.DateRange.Latest != "" {
		fmt.Fprintf(&b, "Date Range: %s to %s\n\n", orNA(r.DateRange.Earliest), orNA(r.DateRange.Latest))
	}
	b.WriteString("NOTE: This data is aggregated from the database. Use billions for amounts >$1B. Focus on RECENT trends and changes when time_period shows recent data.\n")
	return b.String()
}

// writeCounts lists a distribution, largest first, at most 10 rows.
func writeCounts(b *strings.Builder, title string, counts map[string]int, unit string) {
	if len(counts) == 0 {
		return
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if counts[keys[i]] != counts[keys[j]] {
			return counts[keys[i]] > counts[keys[j]]
		}
		return keys[i] < keys[j]
	})
	if len(keys) > 10 {
		keys = keys[:10]
	}
	b.WriteString(title + "\n")
	for _, k := range keys {
		fmt.Fprintf(b, "- %s: %d %s\n", k, counts[k], unit)
	}
	b.WriteString("\n")
}

func formatComparison(raw json.RawMessage) string {
	var c tools.Comparison
	if err := json.Unmarshal(raw, &c); err != nil {
		return string(raw)
	}
	var b strings.Builder
	b.WriteString("=== COMPARISON DATA ===\n\n")
	for _, e := range c.Entities {
		fmt.Fprintf(&b, "%s:\n", e.Name)
		if e.Error != "" {
			fmt.Fprintf(&b, "- Error: %s\n\n", e.Error)
			continue
		}
		fmt.Fprintf(&b, "- Total Funding: $%sM across %d rounds\n", num(e.TotalFunding), len(e.FundingRounds))
		if lr := e.LatestRound; lr != nil {
			fmt.Fprintf(&b, "- Latest Round: %s, $%sM, %s\n", orNA(lr.FundingRound), num(lr.FundingAmount), orNA(lr.Date))
		}
		if len(e.Investors) > 0 {
			fmt.Fprintf(&b, "- Investors: %s\n", strings.Join(e.Investors, ", "))
		}
		if len(e.Dates) > 0 {
			fmt.Fprintf(&b, "- Dates: %s\n", strings.Join(e.Dates, ", "))
		}
		b.WriteString("\n")
	}
	return b.String()
}

func orNA(s string) string {
	if s == "" {
		return "N/A"
	}
	return s
}

// reasoningContext is the short context shown to the reasoning step.
func reasoningContext(c state.Context) string {
	if c.Tool != nil {
		return string(c.Tool.Raw)
	}
	var b strings.Builder
	for i, it := range c.Items {
		if i == maxContextSources {
			break
		}
		fmt.Fprintf(&b, "[%d] %s: %s...\n", i+1, it.MetaString("document_name", "title"), head(it.Content, 200))
	}
	return b.String()
}

// validationSummaries are the top-3 context and source digests shown to the
// validator.
func validationSummaries(s *state.ConversationState) (contextSummary, sourcesSummary string) {
	var cb, sb strings.Builder
	if s.Context.Tool != nil {
		fmt.Fprintf(&cb, "[1] %s...\n", head(string(s.Context.Tool.Raw), 150))
	}
	for i, it := range s.Context.Items {
		if i == 3 {
			break
		}
		fmt.Fprintf(&cb, "[%d] %s...\n", i+1, head(it.Content, 150))
	}
	for i, src := range s.Sources {
		if i == 3 {
			break
		}
		title := src.Title
		if title == "" {
			title = "Unknown"
		}
		fmt.Fprintf(&sb, "[%d] %s\n", i+1, title)
	}
	return cb.String(), sb.String()
}
