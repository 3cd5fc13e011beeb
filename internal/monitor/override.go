package monitor

import "encoding/json"

// parseOverrideReason extracts a human-readable reason from the override
// payload. Bulk loaders write a small JSON document, but any non-empty
// value activates the override; a payload that does not parse degrades to
// "override active, reason unknown" rather than failing the cycle.
func parseOverrideReason(value string) string {
	var payload struct {
		Reason string `json:"reason"`
		Graph  string `json:"graph_id"`
	}
	if err := json.Unmarshal([]byte(value), &payload); err != nil {
		return "override active, reason unknown"
	}
	switch {
	case payload.Reason != "" && payload.Graph != "":
		return payload.Reason + " (" + payload.Graph + ")"
	case payload.Reason != "":
		return payload.Reason
	case payload.Graph != "":
		return "bulk load in progress (" + payload.Graph + ")"
	default:
		return "override active, reason unknown"
	}
}
