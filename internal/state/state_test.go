package state

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseIntent(t *testing.T) {
	cases := map[string]Intent{
		"comparison":         IntentComparison,
		"  Trend_Analysis\n": IntentTrendAnalysis,
		"\"research_query\"": IntentResearchQuery,
		"entity research":    IntentEntityResearch,
	}
	for in, want := range cases {
		got, ok := ParseIntent(in)
		assert.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}

	got, ok := ParseIntent("weather_forecast")
	assert.False(t, ok)
	assert.Equal(t, IntentUnknown, got)
}

func TestIntentPaths(t *testing.T) {
	for _, in := range []Intent{IntentResearchQuery, IntentTemporalQuery, IntentEntityResearch} {
		assert.True(t, in.Retrieves(), in)
		assert.False(t, in.Reasons(), in)
	}
	for _, in := range []Intent{IntentComparison, IntentTrendAnalysis} {
		assert.False(t, in.Retrieves(), in)
		assert.True(t, in.Reasons(), in)
	}
	assert.False(t, IntentOutOfScope.Retrieves())
	assert.False(t, IntentUnknown.Known())
	assert.True(t, IntentComparison.Known())
	assert.False(t, Intent("Research_Query").Known())
	assert.False(t, Intent(" comparison").Known())
}

func TestNewStateAlwaysPresentFields(t *testing.T) {
	s := New("u1", "c1", []Message{{Role: RoleUser, Content: "hi"}, {Role: RoleAssistant, Content: "hello"}}, "what raised?")
	require.NoError(t, s.Validate())
	assert.Len(t, s.Messages, 3)
	assert.Equal(t, "what raised?", s.LatestUserMessage())
	assert.NotNil(t, s.Usage)
	assert.NotNil(t, s.Sources)
	assert.NotNil(t, s.ToolsUsed)
	assert.False(t, s.HasError())
}

func TestValidateRejectsBadState(t *testing.T) {
	s := New("u1", "", nil, "q")
	assert.Error(t, s.Validate())

	s = New("u1", "c1", []Message{{Role: "robot", Content: "x"}}, "q")
	assert.Error(t, s.Validate())

	s = New("u1", "c1", nil, "q")
	s.Context = Context{Items: []EvidenceItem{{Content: "a"}}, Tool: &ToolResult{ToolName: "rag_search"}}
	assert.Error(t, s.Validate())
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	sim := 0.9
	s := New("u1", "c1", nil, "Compare Acme and Globex")
	s.Intent = IntentComparison
	s.SetEvidence([]EvidenceItem{{
		Content:    "Acme raised $10M",
		ChunkID:    "x1",
		Metadata:   map[string]any{"url": "https://example.com/a", "date": "2024-01-02"},
		Similarity: &sim,
	}}, nil)
	s.Validation = &Validation{IsValid: false, CorrectionsNeeded: true, Issues: []string{"missing cite"}}
	s.ValidationRetried = true
	s.AddUsage(Usage{"total_tokens": 12})

	raw, err := Snapshot(s)
	require.NoError(t, err)

	got, err := Restore(raw)
	require.NoError(t, err)
	assert.Equal(t, s.Intent, got.Intent)
	assert.Equal(t, "https://example.com/a", got.Sources[0].ArticleURL)
	assert.Equal(t, "2024-01-02", got.Sources[0].PublishedDate)
	assert.True(t, got.ValidationRetried)
	assert.Equal(t, 12, got.Usage.Total())
}

func TestRestoreNormalizesMissingFields(t *testing.T) {
	raw := json.RawMessage(`{"user_id":"u","conversation_id":"c","messages":[{"role":"user","content":"q"}]}`)
	got, err := Restore(raw)
	require.NoError(t, err)
	assert.NotNil(t, got.Usage)
	assert.NotNil(t, got.Sources)
	assert.NotNil(t, got.ToolsUsed)
}

func TestRestoreCanonicalisesIntent(t *testing.T) {
	raw := json.RawMessage(`{"user_id":"u","conversation_id":"c","intent":"Research_Query","messages":[{"role":"user","content":"q"}]}`)
	got, err := Restore(raw)
	require.NoError(t, err)
	assert.Equal(t, IntentResearchQuery, got.Intent)
	assert.True(t, got.Intent.Retrieves())

	raw = json.RawMessage(`{"user_id":"u","conversation_id":"c","intent":"weather","messages":[{"role":"user","content":"q"}]}`)
	got, err = Restore(raw)
	require.NoError(t, err)
	assert.Equal(t, Intent("weather"), got.Intent)
	assert.False(t, got.Intent.Known())
}

func TestCloneIsDeep(t *testing.T) {
	s := New("u1", "c1", nil, "q")
	s.SetEvidence([]EvidenceItem{{Content: "a", ChunkID: "1", Metadata: map[string]any{"k": "v"}}}, nil)
	c := s.Clone()
	c.Context.Items[0].Metadata["k"] = "changed"
	c.AppendAssistant("answer")
	assert.Equal(t, "v", s.Context.Items[0].Metadata["k"])
	assert.Len(t, s.Messages, 1)
}

func TestEvidenceKeyAndCitation(t *testing.T) {
	e := EvidenceItem{ID: "id-1", Metadata: map[string]any{"source_url": "https://s", "published_date": "2023"}}
	assert.Equal(t, "id-1", e.Key())
	e.ChunkID = "c-1"
	assert.Equal(t, "c-1", e.Key())

	c := CitationFromEvidence(e)
	assert.Equal(t, "https://s", c.ArticleURL)
	assert.Equal(t, "2023", c.PublishedDate)

	marked := e.WithMetadata(map[string]any{"compressed": true})
	assert.True(t, marked.Compressed())
	assert.False(t, e.Compressed())
}
