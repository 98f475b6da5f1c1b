package decompose

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/TwoKai-LTD/xynenyx-agent/internal/state"
)

// SubResult is the retrieval outcome of one sub-query.
type SubResult struct {
	SubQuery SubQuery
	Items    []state.EvidenceItem
	Sources  []state.Citation
	Count    int
}

// Merged is the combined evidence of every sub-query.
type Merged struct {
	Items         []state.EvidenceItem
	Sources       []state.Citation
	Count         int
	TotalCount    int
	SubQueryCount int
	Query         string
}

// Merge concatenates results in sub-query order and removes duplicates,
// first occurrence winning. Items and citations are deduplicated
// independently; entries without a key are always kept. A single result
// passes through unchanged.
func Merge(results []SubResult, originalQuery string) Merged {
	m := Merged{
		Items:         []state.EvidenceItem{},
		Sources:       []state.Citation{},
		SubQueryCount: len(results),
		Query:         originalQuery,
	}
	for _, r := range results {
		m.TotalCount += r.Count
	}
	if len(results) == 1 {
		m.Items = append(m.Items, results[0].Items...)
		m.Sources = append(m.Sources, results[0].Sources...)
		m.Count = len(m.Items)
		return m
	}

	seenItems := make(map[string]struct{})
	seenSources := make(map[string]struct{})
	for _, r := range results {
		for _, it := range r.Items {
			if k := it.Key(); k != "" {
				if _, dup := seenItems[k]; dup {
					continue
				}
				seenItems[k] = struct{}{}
			}
			m.Items = append(m.Items, it)
		}
		for _, c := range r.Sources {
			if k := c.Key(); k != "" {
				if _, dup := seenSources[k]; dup {
					continue
				}
				seenSources[k] = struct{}{}
			}
			m.Sources = append(m.Sources, c)
		}
	}
	m.Count = len(m.Items)
	return m
}

// RetrieveFunc retrieves evidence for one sub-query.
type RetrieveFunc func(ctx context.Context, sq SubQuery) (SubResult, error)

// RetrieveAll runs fn for every sub-query concurrently. Results keep the
// sub-query order; the first error cancels the remaining calls.
func RetrieveAll(ctx context.Context, subs []SubQuery, fn RetrieveFunc) ([]SubResult, error) {
	out := make([]SubResult, len(subs))
	g, gctx := errgroup.WithContext(ctx)
	for i, sq := range subs {
		g.Go(func() error {
			res, err := fn(gctx, sq)
			if err != nil {
				return err
			}
			res.SubQuery = sq
			out[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
