package qualify

import (
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/rfp-pipeline/internal/resilience"
)

// ScreenResult is the parsed Stage A response.
type ScreenResult struct {
	Score     int    `json:"score"`
	Rationale string `json:"rationale"`
}

// DeepResult is the parsed Stage B response.
type DeepResult struct {
	Score             int      `json:"score"`
	Justification     string   `json:"justification"`
	KeyRequirements   []string `json:"key_requirements"`
	Advantages        []string `json:"advantages"`
	SuggestedApproach string   `json:"suggested_approach"`
}

// extractJSON strips markdown fences and any prose surrounding the
// outermost JSON object in a model response.
func extractJSON(text string) string {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}

	return strings.TrimSpace(text)
}

// parseScreenResult parses and validates a Stage A response. Failures
// are MalformedError: they count against the item, not the dependency.
func parseScreenResult(text string) (*ScreenResult, error) {
	var res ScreenResult
	if err := json.Unmarshal([]byte(extractJSON(text)), &res); err != nil {
		return nil, resilience.NewMalformedError(eris.Wrap(err, "qualify: screen response is not valid JSON"))
	}
	if res.Score < 1 || res.Score > 10 {
		return nil, resilience.NewMalformedError(eris.Errorf("qualify: screen score %d out of range", res.Score))
	}
	return &res, nil
}

// parseDeepResult parses and validates a Stage B response.
func parseDeepResult(text string) (*DeepResult, error) {
	var res DeepResult
	if err := json.Unmarshal([]byte(extractJSON(text)), &res); err != nil {
		return nil, resilience.NewMalformedError(eris.Wrap(err, "qualify: analysis response is not valid JSON"))
	}
	if res.Score < 1 || res.Score > 10 {
		return nil, resilience.NewMalformedError(eris.Errorf("qualify: analysis score %d out of range", res.Score))
	}
	if strings.TrimSpace(res.Justification) == "" {
		return nil, resilience.NewMalformedError(eris.New("qualify: analysis missing justification"))
	}
	return &res, nil
}
