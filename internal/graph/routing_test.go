package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"

	"github.com/TwoKai-LTD/xynenyx-agent/internal/state"
)

func stateWith(intent state.Intent) *state.ConversationState {
	s := state.New("u1", "c1", nil, "question")
	s.Intent = intent
	return s
}

func TestRouteEdges(t *testing.T) {
	tests := []struct {
		name   string
		from   NodeName
		intent state.Intent
		want   NodeName
	}{
		{"research retrieves", NodeClassifyIntent, state.IntentResearchQuery, NodeRetrieveContext},
		{"temporal retrieves", NodeClassifyIntent, state.IntentTemporalQuery, NodeRetrieveContext},
		{"entity retrieves", NodeClassifyIntent, state.IntentEntityResearch, NodeRetrieveContext},
		{"comparison runs tools", NodeClassifyIntent, state.IntentComparison, NodeExecuteTools},
		{"trend runs tools", NodeClassifyIntent, state.IntentTrendAnalysis, NodeExecuteTools},
		{"out of scope runs tools", NodeClassifyIntent, state.IntentOutOfScope, NodeExecuteTools},
		{"retrieval to generate", NodeRetrieveContext, state.IntentResearchQuery, NodeGenerateResponse},
		{"retrieval to reasoning", NodeRetrieveContext, state.IntentComparison, NodeReasoningStep},
		{"tools to reasoning for trends", NodeExecuteTools, state.IntentTrendAnalysis, NodeReasoningStep},
		{"tools to generate", NodeExecuteTools, state.IntentOutOfScope, NodeGenerateResponse},
		{"reasoning to generate", NodeReasoningStep, state.IntentComparison, NodeGenerateResponse},
		{"generate to validate", NodeGenerateResponse, state.IntentResearchQuery, NodeValidateResponse},
		{"validate without verdict ends", NodeValidateResponse, state.IntentResearchQuery, End},
		{"handle error ends", NodeHandleError, state.IntentResearchQuery, End},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := Route(tt.from, stateWith(tt.intent))
			assert.Equal(t, tt.want, tr.Next)
			assert.False(t, tr.MarkRetried)
		})
	}
}

func TestRouteUnknownIntentUsesDefault(t *testing.T) {
	for _, intent := range []state.Intent{state.IntentUnknown, "weather_report", "Research_Query"} {
		s := stateWith(intent)
		assert.Equal(t, NodeRetrieveContext, Route(NodeClassifyIntent, s).Next)
		assert.Equal(t, NodeGenerateResponse, Route(NodeRetrieveContext, s).Next)
	}
}

func TestRouteComparisonSkipsRetrieval(t *testing.T) {
	s := stateWith(state.IntentComparison)

	var path []NodeName
	for node := NodeClassifyIntent; node != End; node = Route(node, s).Next {
		path = append(path, node)
	}
	assert.Equal(t, []NodeName{
		NodeClassifyIntent,
		NodeExecuteTools,
		NodeReasoningStep,
		NodeGenerateResponse,
		NodeValidateResponse,
	}, path)
}

func TestRouteValidationRetriesOnce(t *testing.T) {
	s := stateWith(state.IntentResearchQuery)
	s.Validation = &state.Validation{IsValid: false, CorrectionsNeeded: true}

	tr := Route(NodeValidateResponse, s)
	assert.Equal(t, NodeGenerateResponse, tr.Next)
	assert.True(t, tr.MarkRetried)
	assert.False(t, s.ValidationRetried, "Route must not mutate the state")

	s.ValidationRetried = true
	tr = Route(NodeValidateResponse, s)
	assert.Equal(t, End, tr.Next)
	assert.False(t, tr.MarkRetried)
}

func TestRouteValidVerdictEnds(t *testing.T) {
	s := stateWith(state.IntentResearchQuery)
	s.Validation = &state.Validation{IsValid: true}
	assert.Equal(t, End, Route(NodeValidateResponse, s).Next)
}

func TestRouteErrorOverridesEveryEdge(t *testing.T) {
	intents := append(append([]state.Intent{}, state.Intents...), state.IntentUnknown, "bogus")
	rapid.Check(t, func(t *rapid.T) {
		from := rapid.SampledFrom(Nodes).Draw(t, "from")
		s := stateWith(rapid.SampledFrom(intents).Draw(t, "intent"))
		s.Error = rapid.StringMatching(`[a-z ]{1,20}`).Draw(t, "error")
		s.ValidationRetried = rapid.Bool().Draw(t, "retried")
		if rapid.Bool().Draw(t, "verdict") {
			s.Validation = &state.Validation{CorrectionsNeeded: rapid.Bool().Draw(t, "corrections")}
		}

		tr := Route(from, s)
		if from == NodeHandleError {
			if tr.Next != End {
				t.Fatalf("handle_error routed to %s", tr.Next)
			}
			return
		}
		if tr.Next != NodeHandleError || tr.MarkRetried {
			t.Fatalf("%s with error routed to %+v", from, tr)
		}
	})
}
