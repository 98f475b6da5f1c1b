// Package graph runs one conversation turn as a small state machine over
// seven nodes.
package graph

import "github.com/TwoKai-LTD/xynenyx-agent/internal/state"

// NodeName identifies a node, or End.
type NodeName string

const (
	NodeClassifyIntent   NodeName = "classify_intent"
	NodeRetrieveContext  NodeName = "retrieve_context"
	NodeExecuteTools     NodeName = "execute_tools"
	NodeReasoningStep    NodeName = "reasoning_step"
	NodeGenerateResponse NodeName = "generate_response"
	NodeValidateResponse NodeName = "validate_response"
	NodeHandleError      NodeName = "handle_error"
	End                  NodeName = "END"
)

// Nodes lists every node in graph order.
var Nodes = []NodeName{
	NodeClassifyIntent,
	NodeRetrieveContext,
	NodeExecuteTools,
	NodeReasoningStep,
	NodeGenerateResponse,
	NodeValidateResponse,
	NodeHandleError,
}

// Transition is the routing decision taken after a node.
type Transition struct {
	Next NodeName
	// MarkRetried asks the executor to set ValidationRetried before moving on.
	MarkRetried bool
}

// Route decides where a turn goes after node from. It only reads s.
//
// Any recorded error sends the turn to handle_error, whatever the node. An
// intent outside the known set routes like the default intent.
func Route(from NodeName, s *state.ConversationState) Transition {
	if from != NodeHandleError && s.HasError() {
		return Transition{Next: NodeHandleError}
	}

	intent := s.Intent
	if !intent.Known() {
		intent = state.DefaultIntent
	}

	switch from {
	case NodeClassifyIntent:
		if intent.Retrieves() {
			return Transition{Next: NodeRetrieveContext}
		}
		return Transition{Next: NodeExecuteTools}
	case NodeRetrieveContext, NodeExecuteTools:
		if intent.Reasons() {
			return Transition{Next: NodeReasoningStep}
		}
		return Transition{Next: NodeGenerateResponse}
	case NodeReasoningStep:
		return Transition{Next: NodeGenerateResponse}
	case NodeGenerateResponse:
		return Transition{Next: NodeValidateResponse}
	case NodeValidateResponse:
		if s.ValidationRetried {
			return Transition{Next: End}
		}
		if s.Validation != nil && s.Validation.CorrectionsNeeded {
			return Transition{Next: NodeGenerateResponse, MarkRetried: true}
		}
		return Transition{Next: End}
	}
	return Transition{Next: End}
}
