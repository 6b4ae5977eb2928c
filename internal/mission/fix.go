package mission

import (
	"encoding/json"
	"strings"
)

// Assignment is one lead-issued fix instruction.
type Assignment struct {
	AgentID string `json:"agentId"`
	Task    string `json:"task"`
}

// parseAssignments permissively extracts a JSON array of assignments from
// the lead's reply: the first bracketed substring that parses wins. Model
// replies often wrap the array in prose or code fences, so the scan tries
// successive closing brackets. An empty array is a valid answer.
func parseAssignments(reply string) []Assignment {
	start := strings.Index(reply, "[")
	if start < 0 {
		return nil
	}
	rest := reply[start:]
	for end := 0; ; {
		next := strings.Index(rest[end:], "]")
		if next < 0 {
			return nil
		}
		end += next + 1
		var out []Assignment
		if err := json.Unmarshal([]byte(rest[:end]), &out); err == nil {
			return out
		}
	}
}
