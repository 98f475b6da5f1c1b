package state

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Role identifies the author of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// Message is one entry of the conversation transcript.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Validation is the structured verdict produced by the validate step.
type Validation struct {
	IsValid           bool     `json:"is_valid"`
	Issues            []string `json:"issues"`
	MissingCitations  []string `json:"missing_citations,omitempty"`
	Hallucinations    []string `json:"hallucinations,omitempty"`
	CorrectionsNeeded bool     `json:"corrections_needed"`
}

// Usage holds token counters reported by model calls.
type Usage map[string]int

// Add accumulates every counter of other into u.
func (u Usage) Add(other Usage) {
	for k, v := range other {
		u[k] += v
	}
}

// Total returns total_tokens, or the sum of prompt and completion tokens when
// the total was not reported.
func (u Usage) Total() int {
	if t, ok := u["total_tokens"]; ok {
		return t
	}
	return u["prompt_tokens"] + u["completion_tokens"]
}

// DateRange bounds a retrieval by publication date (YYYY-MM-DD).
type DateRange struct {
	Start string `json:"start,omitempty"`
	End   string `json:"end,omitempty"`
}

// IsZero reports whether neither bound is set.
func (d DateRange) IsZero() bool { return d.Start == "" && d.End == "" }

// Filters are the structured query parameters extracted from a user query.
type Filters struct {
	TimePeriod     string    `json:"time_period,omitempty"`
	SectorFilter   []string  `json:"sector_filter,omitempty"`
	CompanyFilter  []string  `json:"company_filter,omitempty"`
	InvestorFilter []string  `json:"investor_filter,omitempty"`
	DateRange      DateRange `json:"date_range"`
}

// ConversationState is the record threaded through every node of one turn.
// Every field is always present; empty values are the "none" sentinels.
type ConversationState struct {
	Messages          []Message   `json:"messages"`
	UserID            string      `json:"user_id"`
	ConversationID    string      `json:"conversation_id"`
	Intent            Intent      `json:"intent"`
	Context           Context     `json:"context"`
	ToolsUsed         []string    `json:"tools_used"`
	Sources           []Citation  `json:"sources"`
	Reasoning         string      `json:"reasoning"`
	Validation        *Validation `json:"validation"`
	ValidationRetried bool        `json:"validation_retried"`
	Usage             Usage       `json:"usage"`
	Error             string      `json:"error"`
	Filters           Filters     `json:"filters"`
}

// New builds the initial state for a turn: prior history followed by the new
// user message.
func New(userID, conversationID string, history []Message, userMessage string) *ConversationState {
	msgs := make([]Message, 0, len(history)+1)
	msgs = append(msgs, history...)
	if strings.TrimSpace(userMessage) != "" {
		msgs = append(msgs, Message{Role: RoleUser, Content: userMessage})
	}
	return &ConversationState{
		Messages:       msgs,
		UserID:         userID,
		ConversationID: conversationID,
		ToolsUsed:      []string{},
		Sources:        []Citation{},
		Usage:          Usage{},
	}
}

// Validate checks the invariants a state must satisfy before a turn runs or
// after it is restored from a checkpoint.
func (s *ConversationState) Validate() error {
	if s.ConversationID == "" {
		return fmt.Errorf("conversation_id cannot be empty")
	}
	if s.UserID == "" {
		return fmt.Errorf("user_id cannot be empty")
	}
	for i, m := range s.Messages {
		if !m.Role.Valid() {
			return fmt.Errorf("message %d has invalid role %q", i, m.Role)
		}
	}
	if s.Context.Tool != nil && len(s.Context.Items) > 0 {
		return fmt.Errorf("context holds both evidence items and a tool result")
	}
	return nil
}

// LatestUserMessage returns the content of the most recent user message, or
// "" if there is none.
func (s *ConversationState) LatestUserMessage() string {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == RoleUser {
			return s.Messages[i].Content
		}
	}
	return ""
}

// LastAssistantMessage returns the most recent assistant reply.
func (s *ConversationState) LastAssistantMessage() (Message, bool) {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == RoleAssistant {
			return s.Messages[i], true
		}
	}
	return Message{}, false
}

// AppendAssistant appends an assistant reply to the transcript.
func (s *ConversationState) AppendAssistant(content string) {
	s.Messages = append(s.Messages, Message{Role: RoleAssistant, Content: content})
}

// EnsureUsage guarantees Usage is a non-nil mapping.
func (s *ConversationState) EnsureUsage() {
	if s.Usage == nil {
		s.Usage = Usage{}
	}
}

// AddUsage folds the counters of one model call into the turn totals.
func (s *ConversationState) AddUsage(u Usage) {
	s.EnsureUsage()
	s.Usage.Add(u)
}

func (s *ConversationState) HasError() bool { return s.Error != "" }

func (s *ConversationState) SetError(format string, args ...any) {
	s.Error = fmt.Sprintf(format, args...)
}

func (s *ConversationState) ClearError() { s.Error = "" }

// RecordTool appends a tool name to ToolsUsed.
func (s *ConversationState) RecordTool(name string) {
	s.ToolsUsed = append(s.ToolsUsed, name)
}

// SetEvidence replaces the context with retrieved evidence and derives the
// citation list from it.
func (s *ConversationState) SetEvidence(items []EvidenceItem, sources []Citation) {
	s.Context = Context{Items: items}
	if sources == nil {
		sources = CitationsFromEvidence(items)
	}
	s.Sources = sources
}

// SetToolResult replaces the context with a single tool-result wrapper.
func (s *ConversationState) SetToolResult(res ToolResult, sources []Citation) {
	s.Context = Context{Tool: &res}
	if sources == nil {
		sources = []Citation{}
	}
	s.Sources = sources
}

// Clone returns a deep copy, used when a snapshot must outlive further
// mutation of the turn state.
func (s *ConversationState) Clone() *ConversationState {
	b, err := json.Marshal(s)
	if err != nil {
		// every field is JSON-safe; a failure here is a programming error
		panic(fmt.Sprintf("state: clone marshal: %v", err))
	}
	var out ConversationState
	if err := json.Unmarshal(b, &out); err != nil {
		panic(fmt.Sprintf("state: clone unmarshal: %v", err))
	}
	out.normalize()
	return &out
}

// normalize restores the always-present invariants after decoding.
func (s *ConversationState) normalize() {
	if s.ToolsUsed == nil {
		s.ToolsUsed = []string{}
	}
	if s.Sources == nil {
		s.Sources = []Citation{}
	}
	if s.Messages == nil {
		s.Messages = []Message{}
	}
	if !s.Intent.Known() && s.Intent != IntentUnknown {
		if in, ok := ParseIntent(string(s.Intent)); ok {
			s.Intent = in
		}
	}
	s.EnsureUsage()
}

// Advisory is the outcome of a best-effort step: either a value, or absent
// because the step failed. It is never used as an error channel.
type Advisory[T any] struct {
	Value T
	OK    bool
}

// Some wraps a present advisory value.
func Some[T any](v T) Advisory[T] { return Advisory[T]{Value: v, OK: true} }

// None returns an absent advisory value.
func None[T any]() Advisory[T] { return Advisory[T]{} }

// HasReasoning reports whether the reasoning step produced an analysis.
func (s *ConversationState) HasReasoning() bool { return s.Reasoning != "" }
