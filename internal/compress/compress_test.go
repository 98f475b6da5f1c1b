package compress

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"pgregory.net/rapid"

	"github.com/TwoKai-LTD/xynenyx-agent/internal/config"
	"github.com/TwoKai-LTD/xynenyx-agent/internal/llm"
	"github.com/TwoKai-LTD/xynenyx-agent/internal/llm/llmtest"
	"github.com/TwoKai-LTD/xynenyx-agent/internal/state"
)

func items(n, size int) []state.EvidenceItem {
	out := make([]state.EvidenceItem, n)
	for i := range out {
		out[i] = state.EvidenceItem{
			ChunkID:  string(rune('a' + i%26)),
			Content:  strings.Repeat("x", size),
			Metadata: map[string]any{"title": "t"},
		}
	}
	return out
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(nil))
	assert.Equal(t, 500, EstimateTokens(items(2, 1000)))
}

func TestUnderBudgetUnchanged(t *testing.T) {
	client := llmtest.Static("{}")
	c := New(client, config.CompressionConfig{}, nil, nil)
	in := items(3, 1000)
	out := c.Compress(context.Background(), in, "q", llm.Meta{})
	assert.Equal(t, in, out)
	assert.Zero(t, client.CallCount())
	assert.Equal(t, DefaultTokenBudget, c.Budget())
}

func TestManyItemsTruncated(t *testing.T) {
	client := llmtest.Static("{}")
	c := New(client, config.CompressionConfig{}, nil, zaptest.NewLogger(t))

	in := items(20, 1000)
	out := c.Compress(context.Background(), in, "q", llm.Meta{})
	require.Len(t, out, 5)
	for i, it := range out {
		assert.LessOrEqual(t, utf8.RuneCountInString(it.Content), 503)
		assert.True(t, strings.HasSuffix(it.Content, "..."))
		assert.True(t, it.Compressed())
		assert.Equal(t, MethodTruncation, it.Metadata["compression_method"])
		assert.Equal(t, "t", it.Metadata["title"], "metadata preserved")
		assert.Equal(t, in[i].ChunkID, it.ChunkID)
	}
	assert.Zero(t, client.CallCount())
	assert.False(t, in[0].Compressed(), "input not mutated")
	assert.Len(t, in[0].Content, 1000)
}

func TestFewItemsFactExtraction(t *testing.T) {
	client := llmtest.Static(`{"summary":"Acme raised $20M.","funding_amount":"$20M","company":"Acme",
		"investors":["Sequoia"],"key_points":["Series A","Led by Sequoia","Hiring","Ignored fourth"]}`)
	c := New(client, config.CompressionConfig{TokenBudget: 100}, nil, nil)

	out := c.Compress(context.Background(), items(2, 1000), "Acme funding", llm.Meta{UserID: "u"})
	require.Len(t, out, 2)
	for _, it := range out {
		assert.Equal(t, "Acme raised $20M.\n- Series A\n- Led by Sequoia\n- Hiring", it.Content)
		assert.True(t, it.Compressed())
		assert.Equal(t, MethodFactExtraction, it.Metadata["compression_method"])
		assert.Equal(t, "$20M", it.Metadata["extracted_funding"])
		assert.Equal(t, []string{"Sequoia"}, it.Metadata["extracted_investors"])
	}
	calls := client.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, 0.1, calls[0].Temperature)
	assert.Equal(t, llm.JSONObject, calls[0].ResponseFormat)
	assert.LessOrEqual(t, len(calls[0].Messages[1].Content), 1200, "content sent for extraction is capped")
}

func TestFactExtractionFailureFallsBackPerItem(t *testing.T) {
	n := 0
	client := llmtest.New(func(llm.Request) (string, error) {
		n++
		if n == 2 {
			return "", errors.New("llm down")
		}
		return `{"summary":"ok"}`, nil
	})
	c := New(client, config.CompressionConfig{TokenBudget: 100}, nil, nil)

	out := c.Compress(context.Background(), items(3, 1000), "q", llm.Meta{})
	require.Len(t, out, 3)
	assert.Equal(t, "ok", out[0].Content)
	assert.Equal(t, strings.Repeat("x", 300)+"...", out[1].Content)
	assert.Equal(t, MethodItemFallback, out[1].Metadata["compression_method"])
	assert.Equal(t, MethodFactExtraction, out[0].Metadata["compression_method"])
	assert.Equal(t, "ok", out[2].Content)
	for _, it := range out {
		assert.True(t, it.Compressed())
	}
}

func TestEmptyItemsKeptAndMarked(t *testing.T) {
	client := llmtest.Static(`{"summary":"s"}`)
	c := New(client, config.CompressionConfig{TokenBudget: 10}, nil, nil)

	in := items(2, 1000)
	in = append(in, state.EvidenceItem{ChunkID: "empty"})
	out := c.Compress(context.Background(), in, "q", llm.Meta{})
	require.Len(t, out, 3)
	assert.Equal(t, "", out[2].Content)
	assert.True(t, out[2].Compressed())
	assert.Equal(t, MethodEmpty, out[2].Metadata["compression_method"])
	assert.Equal(t, 2, client.CallCount())
}

func TestCancelledContextFallsBackToTruncation(t *testing.T) {
	client := llmtest.Static(`{"summary":"s"}`)
	c := New(client, config.CompressionConfig{TokenBudget: 10}, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := c.Compress(ctx, items(3, 1000), "q", llm.Meta{})
	require.Len(t, out, 3)
	for _, it := range out {
		assert.Equal(t, MethodFallbackTruncation, it.Metadata["compression_method"])
		assert.LessOrEqual(t, utf8.RuneCountInString(it.Content), 503)
	}
	assert.Zero(t, client.CallCount())
}

func TestPanicInExtractionFallsBack(t *testing.T) {
	client := llmtest.New(func(llm.Request) (string, error) { panic("bad backend") })
	c := New(client, config.CompressionConfig{TokenBudget: 10}, nil, nil)

	out := c.Compress(context.Background(), items(2, 1000), "q", llm.Meta{})
	require.Len(t, out, 2)
	assert.Equal(t, MethodFallbackTruncation, out[0].Metadata["compression_method"])
}

func TestCompressionInvariantsProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		budget := rapid.IntRange(1, 500).Draw(t, "budget")
		fail := rapid.Bool().Draw(t, "fail")
		client := llmtest.New(func(llm.Request) (string, error) {
			if fail {
				return "", errors.New("down")
			}
			return `{"summary":"short"}`, nil
		})
		c := New(client, config.CompressionConfig{TokenBudget: budget}, nil, nil)

		contents := rapid.SliceOfN(rapid.StringN(0, 3000, -1), 0, 12).Draw(t, "contents")
		in := make([]state.EvidenceItem, len(contents))
		for i, s := range contents {
			in[i] = state.EvidenceItem{ChunkID: string(rune('a' + i)), Content: s}
		}
		out := c.Compress(context.Background(), in, "q", llm.Meta{})

		if len(out) > len(in) {
			t.Fatalf("item count grew: %d -> %d", len(in), len(out))
		}
		for i, it := range out {
			if it.Content != in[i].Content && !it.Compressed() {
				t.Fatalf("item %d changed without compressed marker", i)
			}
		}
		if EstimateTokens(in) <= budget && len(out) != len(in) {
			t.Fatalf("under-budget input must pass through")
		}
	})
}
