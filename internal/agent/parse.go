package agent

import (
	"encoding/json"
	"strings"

	"autoforge/internal/model"
)

// rawSummaryLimit bounds the fallback summary taken from unparsed output.
const rawSummaryLimit = 500

// The agent's output format is not contractually guaranteed, so parsing is
// an ordered chain of strategies rather than a single decode: direct JSON,
// envelope unwrap, fenced block extraction, and finally a raw-text summary.
// The chain never fails; the last strategy always produces a result.
type parseStrategy struct {
	name  string
	parse func(raw string) (model.RunResult, bool)
}

func parseStrategies() []parseStrategy {
	return []parseStrategy{
		{name: "direct-json", parse: parseDirectJSON},
		{name: "envelope", parse: parseEnvelope},
		{name: "fenced-block", parse: parseFencedBlock},
		{name: "embedded-object", parse: parseEmbeddedObject},
	}
}

// ParseRunResult applies the strategy chain and reports which strategy
// succeeded.
func ParseRunResult(raw string) (model.RunResult, string) {
	for _, strategy := range parseStrategies() {
		if result, ok := strategy.parse(raw); ok {
			return result, strategy.name
		}
	}
	return fallbackRawSummary(raw), "raw-text"
}

type resultPayload struct {
	Summary      string                `json:"summary"`
	ChangedFiles []string              `json:"changed_files"`
	Notes        string                `json:"notes"`
	Risk         *model.SelfAssessment `json:"risk"`
}

func (p resultPayload) toRunResult() model.RunResult {
	return model.RunResult{
		Summary:      strings.TrimSpace(p.Summary),
		ChangedFiles: p.ChangedFiles,
		Notes:        strings.TrimSpace(p.Notes),
		Risk:         p.Risk,
	}
}

func parseDirectJSON(raw string) (model.RunResult, bool) {
	var payload resultPayload
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &payload); err != nil {
		return model.RunResult{}, false
	}
	if strings.TrimSpace(payload.Summary) == "" && len(payload.ChangedFiles) == 0 {
		return model.RunResult{}, false
	}
	return payload.toRunResult(), true
}

// parseEnvelope unwraps the CLI's text envelope, whose "result" field holds
// the agent's actual answer as a string. That inner string may itself be
// JSON or carry a fenced block.
func parseEnvelope(raw string) (model.RunResult, bool) {
	var envelope struct {
		Type   string `json:"type"`
		Result string `json:"result"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &envelope); err != nil {
		return model.RunResult{}, false
	}
	inner := strings.TrimSpace(envelope.Result)
	if inner == "" {
		return model.RunResult{}, false
	}
	if result, ok := parseDirectJSON(inner); ok {
		return result, true
	}
	if result, ok := parseFencedBlock(inner); ok {
		return result, true
	}
	return fallbackRawSummary(inner), true
}

func parseFencedBlock(raw string) (model.RunResult, bool) {
	block, ok := extractFencedJSON(raw)
	if !ok {
		return model.RunResult{}, false
	}
	return parseDirectJSON(block)
}

func extractFencedJSON(raw string) (string, bool) {
	for _, fence := range []string{"```json", "```"} {
		start := strings.Index(raw, fence)
		if start == -1 {
			continue
		}
		rest := raw[start+len(fence):]
		end := strings.Index(rest, "```")
		if end == -1 {
			continue
		}
		block := strings.TrimSpace(rest[:end])
		if strings.HasPrefix(block, "{") {
			return block, true
		}
	}
	return "", false
}

// parseEmbeddedObject scans prose output for the last decodable JSON object,
// for agents that chat around their structured answer.
func parseEmbeddedObject(raw string) (model.RunResult, bool) {
	object, ok := extractJSONObject(raw)
	if !ok {
		return model.RunResult{}, false
	}
	return parseDirectJSON(object)
}

func extractJSONObject(output string) (string, bool) {
	start := strings.Index(output, "{")
	end := strings.LastIndex(output, "}")
	if start == -1 || end == -1 || end < start {
		return "", false
	}
	for i := end; i > start; i-- {
		candidate := strings.TrimSpace(output[start : i+1])
		var tmp map[string]any
		if err := json.Unmarshal([]byte(candidate), &tmp); err == nil {
			return candidate, true
		}
	}
	return "", false
}

func fallbackRawSummary(raw string) model.RunResult {
	return model.RunResult{Summary: truncateText(strings.TrimSpace(raw), rawSummaryLimit)}
}

func truncateText(text string, limit int) string {
	if limit <= 0 || len(text) <= limit {
		return text
	}
	return strings.TrimSpace(text[:limit])
}
