package reasoning

import (
	"encoding/json"
	"fmt"
	"strings"
)

// DecodeJSON unmarshals model output into v. Markdown code fences and prose
// around the outermost JSON object are tolerated.
func DecodeJSON(raw string, v any) error {
	content := strings.TrimSpace(raw)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)

	if !strings.HasPrefix(content, "{") {
		start := strings.Index(content, "{")
		end := strings.LastIndex(content, "}")
		if start < 0 || end <= start {
			return fmt.Errorf("%w: no JSON object found", ErrMalformedOutput)
		}
		content = content[start : end+1]
	}

	if err := json.Unmarshal([]byte(content), v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	return nil
}
