package agent

import (
	"strings"
	"testing"
)

func TestParseDirectJSON(t *testing.T) {
	raw := `{"summary":"added gallery page","changed_files":["pages/gallery.html"],"notes":"used existing styles"}`
	result, strategy := ParseRunResult(raw)
	if strategy != "direct-json" {
		t.Fatalf("expected direct-json strategy, got %s", strategy)
	}
	if result.Summary != "added gallery page" {
		t.Fatalf("unexpected summary %q", result.Summary)
	}
	if len(result.ChangedFiles) != 1 || result.ChangedFiles[0] != "pages/gallery.html" {
		t.Fatalf("unexpected changed files %v", result.ChangedFiles)
	}
}

func TestParseEnvelopeWithNestedJSON(t *testing.T) {
	raw := `{"type":"result","result":"{\"summary\":\"done\",\"changed_files\":[\"a.txt\"]}"}`
	result, strategy := ParseRunResult(raw)
	if strategy != "envelope" {
		t.Fatalf("expected envelope strategy, got %s", strategy)
	}
	if result.Summary != "done" {
		t.Fatalf("unexpected summary %q", result.Summary)
	}
}

func TestParseEnvelopeWithFencedBlock(t *testing.T) {
	inner := "Here is what I did.\n```json\n{\"summary\":\"built the page\",\"changed_files\":[\"pages/new.html\"],\"risk\":{\"needs_review\":true}}\n```\n"
	raw := `{"type":"result","result":` + quoteJSON(inner) + `}`
	result, strategy := ParseRunResult(raw)
	if strategy != "envelope" {
		t.Fatalf("expected envelope strategy, got %s", strategy)
	}
	if result.Summary != "built the page" {
		t.Fatalf("unexpected summary %q", result.Summary)
	}
	if result.Risk == nil || !result.Risk.NeedsReview {
		t.Fatalf("expected needs_review risk flag")
	}
}

func TestParseFencedBlockDirect(t *testing.T) {
	raw := "Some chatter first.\n```json\n{\"summary\":\"patched\",\"changed_files\":[]}\n```"
	result, strategy := ParseRunResult(raw)
	if strategy != "fenced-block" {
		t.Fatalf("expected fenced-block strategy, got %s", strategy)
	}
	if result.Summary != "patched" {
		t.Fatalf("unexpected summary %q", result.Summary)
	}
}

func TestParseEmbeddedObject(t *testing.T) {
	raw := "I finished the work. {\"summary\":\"embedded\",\"changed_files\":[\"x.go\"]} Thanks!"
	result, strategy := ParseRunResult(raw)
	if strategy != "embedded-object" {
		t.Fatalf("expected embedded-object strategy, got %s", strategy)
	}
	if result.Summary != "embedded" {
		t.Fatalf("unexpected summary %q", result.Summary)
	}
}

func TestParseFallsBackToRawSummary(t *testing.T) {
	raw := strings.Repeat("the agent rambled on without structure ", 40)
	result, strategy := ParseRunResult(raw)
	if strategy != "raw-text" {
		t.Fatalf("expected raw-text strategy, got %s", strategy)
	}
	if result.Summary == "" {
		t.Fatalf("expected non-empty fallback summary")
	}
	if len(result.Summary) > rawSummaryLimit {
		t.Fatalf("fallback summary exceeds limit: %d", len(result.Summary))
	}
}

func TestParseEmptyOutput(t *testing.T) {
	result, strategy := ParseRunResult("")
	if strategy != "raw-text" {
		t.Fatalf("expected raw-text strategy for empty output, got %s", strategy)
	}
	if result.Summary != "" {
		t.Fatalf("expected empty summary, got %q", result.Summary)
	}
}

func quoteJSON(s string) string {
	replacer := strings.NewReplacer("\\", "\\\\", "\"", "\\\"", "\n", "\\n")
	return "\"" + replacer.Replace(s) + "\""
}
