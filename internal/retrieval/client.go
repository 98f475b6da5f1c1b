// Package retrieval is the client of the RAG service.
package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/TwoKai-LTD/xynenyx-agent/internal/circuitbreaker"
	"github.com/TwoKai-LTD/xynenyx-agent/internal/config"
	"github.com/TwoKai-LTD/xynenyx-agent/internal/state"
	"github.com/TwoKai-LTD/xynenyx-agent/internal/tracing"
)

// ErrStatus matches any non-200 answer from the RAG service.
var ErrStatus = errors.New("rag: unexpected status")

// StatusError carries the status code of a failed query.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("rag service status %d: %s", e.Code, e.Body)
}

func (e *StatusError) Unwrap() error { return ErrStatus }

// DateFilter is either a named preset ("last_month") or an explicit range.
type DateFilter struct {
	Preset string
	Range  state.DateRange
}

func (d DateFilter) MarshalJSON() ([]byte, error) {
	if d.Preset != "" {
		return json.Marshal(d.Preset)
	}
	return json.Marshal(map[string]string{
		"start_date": d.Range.Start,
		"end_date":   d.Range.End,
	})
}

// FilterFrom derives the date filter from extracted query filters: an explicit
// range wins over a preset, and "all_time" means no filter.
func FilterFrom(f state.Filters) *DateFilter {
	if !f.DateRange.IsZero() {
		return &DateFilter{Range: f.DateRange}
	}
	if f.TimePeriod != "" && f.TimePeriod != "all_time" {
		return &DateFilter{Preset: f.TimePeriod}
	}
	return nil
}

// Request is one RAG query.
type Request struct {
	Query           string      `json:"query"`
	TopK            int         `json:"top_k"`
	UseHybridSearch *bool       `json:"use_hybrid_search,omitempty"`
	UseReranking    *bool       `json:"use_reranking,omitempty"`
	DateFilter      *DateFilter `json:"date_filter,omitempty"`
	CompanyFilter   []string    `json:"company_filter,omitempty"`
	InvestorFilter  []string    `json:"investor_filter,omitempty"`
	SectorFilter    []string    `json:"sector_filter,omitempty"`
	UseMultiQuery   bool        `json:"use_multi_query,omitempty"`
	QueryVariations []string    `json:"query_variations,omitempty"`

	UserID string `json:"-"`
}

// WithFilters copies the extracted filters onto r.
func (r Request) WithFilters(f state.Filters) Request {
	r.DateFilter = FilterFrom(f)
	r.CompanyFilter = f.CompanyFilter
	r.InvestorFilter = f.InvestorFilter
	r.SectorFilter = f.SectorFilter
	return r
}

// Response is the RAG service answer.
type Response struct {
	Query      string               `json:"query"`
	Results    []state.EvidenceItem `json:"results"`
	Count      int                  `json:"count"`
	SearchMode string               `json:"search_mode"`
}

// Querier is the retrieval dependency of nodes and tools.
type Querier interface {
	Query(ctx context.Context, req Request) (*Response, error)
}

// Client implements Querier over HTTP.
type Client struct {
	baseURL string
	timeout time.Duration
	cfg     config.RAGConfig
	http    *circuitbreaker.HTTPClient
	logger  *zap.Logger
}

func NewClient(cfg config.RAGConfig, breaker circuitbreaker.Settings, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.DefaultTopK <= 0 {
		cfg.DefaultTopK = 10
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.ServiceURL, "/"),
		timeout: cfg.Timeout,
		cfg:     cfg,
		http:    circuitbreaker.NewHTTPClient(&http.Client{Timeout: cfg.Timeout}, "rag-service", breaker, logger),
		logger:  logger,
	}
}

// Breaker exposes the circuit breaker for health reporting.
func (c *Client) Breaker() *circuitbreaker.Breaker { return c.http.Breaker() }

// Query posts to {base}/query. Unset knobs take the configured defaults.
func (c *Client) Query(ctx context.Context, req Request) (*Response, error) {
	if req.TopK <= 0 {
		req.TopK = c.cfg.DefaultTopK
	}
	if req.UseHybridSearch == nil {
		v := c.cfg.UseHybridSearch
		req.UseHybridSearch = &v
	}
	if req.UseReranking == nil {
		v := c.cfg.UseReranking
		req.UseReranking = &v
	}
	if len(req.QueryVariations) <= 1 {
		req.UseMultiQuery = false
		req.QueryVariations = nil
	}
	userID := req.UserID
	if userID == "" {
		userID = "agent-service"
	}

	url := c.baseURL + "/query"
	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, url)
	defer span.End()

	buf, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode rag query: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-User-ID", userID)
	tracing.InjectTraceparent(ctx, httpReq)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		tracing.RecordError(span, err)
		c.logger.Error("RAG service request failed", zap.Error(err))
		return nil, fmt.Errorf("rag service request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode rag response: %w", err)
	}
	if out.Results == nil {
		out.Results = []state.EvidenceItem{}
	}
	if out.Count == 0 {
		out.Count = len(out.Results)
	}
	return &out, nil
}
