package llm

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"
)

// StripCodeFences removes a surrounding ```json (or bare ```) fence.
func StripCodeFences(content string) string {
	s := strings.TrimSpace(content)
	for _, fence := range []string{"```json", "```"} {
		i := strings.Index(s, fence)
		if i < 0 {
			continue
		}
		rest := s[i+len(fence):]
		if j := strings.Index(rest, "```"); j >= 0 {
			rest = rest[:j]
		}
		return strings.TrimSpace(rest)
	}
	return s
}

// DecodeJSON decodes a model answer that should hold a JSON object, tolerating
// code fences and prose around the object.
func DecodeJSON(content string, v any) error {
	s := StripCodeFences(content)
	if !gjson.Valid(s) {
		if i, j := strings.Index(s, "{"), strings.LastIndex(s, "}"); i >= 0 && j > i {
			s = s[i : j+1]
		}
	}
	return json.Unmarshal([]byte(s), v)
}
