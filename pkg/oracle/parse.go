package oracle

import (
	"encoding/json"
	"strings"

	mgerrors "github.com/oakmont-health/medgate/pkg/errors"
)

// extractJSON pulls a JSON payload out of markdown code fences if present.
func extractJSON(content string) string {
	jsonStr := content
	if strings.Contains(content, "```json") {
		start := strings.Index(content, "```json") + 7
		end := strings.Index(content[start:], "```")
		if end > 0 {
			jsonStr = content[start : start+end]
		}
	} else if strings.Contains(content, "```") {
		start := strings.Index(content, "```") + 3
		end := strings.Index(content[start:], "```")
		if end > 0 {
			jsonStr = content[start : start+end]
		}
	}
	return strings.TrimSpace(jsonStr)
}

// decodePlan parses an oracle reply into an ordered step sequence.
func decodePlan(content string) ([]PlannedStep, error) {
	jsonStr := extractJSON(content)
	if jsonStr == "" || jsonStr == "null" {
		return nil, nil
	}

	var steps []PlannedStep
	if err := json.Unmarshal([]byte(jsonStr), &steps); err != nil {
		return nil, mgerrors.Wrap(err, mgerrors.ErrCodeOracleDecode, "malformed plan payload").
			WithContext("payload_prefix", truncate(jsonStr, 200))
	}
	for i, step := range steps {
		if step.Operation == "" {
			return nil, mgerrors.New(mgerrors.ErrCodeOracleDecode, "plan step missing operation name").
				WithContext("step_index", i)
		}
	}
	return steps, nil
}

// decodeValidation parses an oracle reply into a ValidationResult. Severity
// defaults to error on invalid results so an underspecified judgment never
// silently passes.
func decodeValidation(content string) (*ValidationResult, error) {
	jsonStr := extractJSON(content)

	var result ValidationResult
	if err := json.Unmarshal([]byte(jsonStr), &result); err != nil {
		return nil, mgerrors.Wrap(err, mgerrors.ErrCodeOracleDecode, "malformed validation payload").
			WithContext("payload_prefix", truncate(jsonStr, 200))
	}

	if !result.Severity.Known() {
		if result.Valid {
			result.Severity = SeverityNone
		} else {
			result.Severity = SeverityError
		}
	}
	return &result, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
