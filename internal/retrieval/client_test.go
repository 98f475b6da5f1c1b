package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/TwoKai-LTD/xynenyx-agent/internal/circuitbreaker"
	"github.com/TwoKai-LTD/xynenyx-agent/internal/config"
	"github.com/TwoKai-LTD/xynenyx-agent/internal/state"
)

func newTestClient(url string) *Client {
	return NewClient(config.RAGConfig{
		ServiceURL:      url,
		Timeout:         time.Second,
		DefaultTopK:     10,
		UseHybridSearch: true,
	}, circuitbreaker.Settings{}, nil)
}

func TestQuerySendsFiltersAndDefaults(t *testing.T) {
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/query", r.URL.Path)
		assert.Equal(t, "u1", r.Header.Get("X-User-ID"))
		body, _ = io.ReadAll(r.Body)
		fmt.Fprint(w, `{"query":"q","count":1,"search_mode":"hybrid","results":[
			{"content":"Acme raised $5M","chunk_id":"c1","document_id":"d1","similarity":0.8,
			 "metadata":{"url":"https://x/a","date":"2025-01-02"}}]}`)
	}))
	defer srv.Close()

	req := Request{Query: "q", UserID: "u1", QueryVariations: []string{"q", "q2"}, UseMultiQuery: true}
	req = req.WithFilters(state.Filters{
		TimePeriod:    "last_month",
		CompanyFilter: []string{"Acme"},
	})
	resp, err := newTestClient(srv.URL).Query(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "c1", resp.Results[0].Key())
	assert.Equal(t, "https://x/a", state.CitationFromEvidence(resp.Results[0]).ArticleURL)
	assert.Equal(t, "hybrid", resp.SearchMode)

	assert.Equal(t, int64(10), gjson.GetBytes(body, "top_k").Int())
	assert.True(t, gjson.GetBytes(body, "use_hybrid_search").Bool())
	assert.False(t, gjson.GetBytes(body, "use_reranking").Bool())
	assert.Equal(t, "last_month", gjson.GetBytes(body, "date_filter").String())
	assert.Equal(t, "Acme", gjson.GetBytes(body, "company_filter.0").String())
	assert.True(t, gjson.GetBytes(body, "use_multi_query").Bool())
	assert.Equal(t, int64(2), gjson.GetBytes(body, "query_variations.#").Int())
	assert.False(t, gjson.GetBytes(body, "sector_filter").Exists())
}

func TestQuerySingleVariationDisablesMultiQuery(t *testing.T) {
	var (
		body []byte
		user string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ = io.ReadAll(r.Body)
		user = r.Header.Get("X-User-ID")
		fmt.Fprint(w, `{"results":[]}`)
	}))
	defer srv.Close()

	resp, err := newTestClient(srv.URL).Query(context.Background(), Request{
		Query: "q", UseMultiQuery: true, QueryVariations: []string{"q"},
	})
	require.NoError(t, err)
	assert.Empty(t, resp.Results)
	assert.NotNil(t, resp.Results)
	assert.Equal(t, "agent-service", user)
	assert.False(t, gjson.GetBytes(body, "use_multi_query").Exists())
	assert.False(t, gjson.GetBytes(body, "query_variations").Exists())
}

func TestQueryStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Query(context.Background(), Request{Query: "q"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStatus)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusServiceUnavailable, se.Code)
}

func TestDateFilterJSON(t *testing.T) {
	b, err := json.Marshal(DateFilter{Range: state.DateRange{Start: "2025-01-01", End: "2025-01-31"}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"start_date":"2025-01-01","end_date":"2025-01-31"}`, string(b))

	assert.Nil(t, FilterFrom(state.Filters{TimePeriod: "all_time"}))
	assert.Nil(t, FilterFrom(state.Filters{}))
	f := FilterFrom(state.Filters{TimePeriod: "last_week", DateRange: state.DateRange{Start: "2025-02-01"}})
	require.NotNil(t, f)
	assert.Equal(t, "2025-02-01", f.Range.Start)
	assert.Empty(t, f.Preset)
}
