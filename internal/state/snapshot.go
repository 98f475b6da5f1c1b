package state

import (
	"encoding/json"
	"fmt"
)

// Snapshot serialises a state for checkpoint storage.
func Snapshot(s *ConversationState) (json.RawMessage, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal state: %w", err)
	}
	return data, nil
}

// Restore decodes a snapshot and validates the restored state.
func Restore(raw json.RawMessage) (*ConversationState, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty state snapshot")
	}
	var s ConversationState
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	s.normalize()
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("restored state validation failed: %w", err)
	}
	return &s, nil
}
