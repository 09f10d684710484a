package agent

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"autoforge/internal/model"
)

func testWorkItem() model.WorkItem {
	return model.WorkItem{
		Instruction: "Add a gallery page under pages/.",
		Origin:      model.TriggerOriginWebhook,
		PayloadID:   "inbox/gallery.md",
	}
}

func TestInvokeParsesAgentOutput(t *testing.T) {
	inv := NewInvocator("agent", []string{"-p"}, ".", 10, []string{"Read", "Write"}, nil)
	var capturedArgs []string
	inv.runner = func(ctx context.Context, dir string, name string, args []string, stdin string) (string, string, error) {
		capturedArgs = args
		return `{"summary":"gallery added","changed_files":["pages/gallery.html"]}`, "", nil
	}

	result, err := inv.Invoke(context.Background(), testWorkItem(), time.Minute)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if result.Summary != "gallery added" {
		t.Fatalf("unexpected summary %q", result.Summary)
	}

	joined := strings.Join(capturedArgs, " ")
	if !strings.Contains(joined, "--max-turns 10") {
		t.Fatalf("expected max-turns flag in %q", joined)
	}
	if !strings.Contains(joined, "--allowedTools Read,Write") {
		t.Fatalf("expected allowedTools flag in %q", joined)
	}
	prompt := capturedArgs[len(capturedArgs)-1]
	if !strings.Contains(prompt, "Do not run any version-control commands") {
		t.Fatalf("expected version-control constraint in prompt")
	}
	if !strings.Contains(prompt, "Add a gallery page") {
		t.Fatalf("expected instruction text in prompt")
	}
}

func TestInvokeTimeoutIsReported(t *testing.T) {
	inv := NewInvocator("agent", nil, ".", 0, nil, nil)
	inv.runner = func(ctx context.Context, dir string, name string, args []string, stdin string) (string, string, error) {
		<-ctx.Done()
		return "", "", ctx.Err()
	}

	_, err := inv.Invoke(context.Background(), testWorkItem(), 20*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestInvokeNonZeroExitIsHardFailure(t *testing.T) {
	inv := NewInvocator("agent", nil, ".", 0, nil, nil)
	inv.runner = func(ctx context.Context, dir string, name string, args []string, stdin string) (string, string, error) {
		return "partial output", "boom: tool crashed", errors.New("exit status 2")
	}

	_, err := inv.Invoke(context.Background(), testWorkItem(), time.Minute)
	if err == nil {
		t.Fatalf("expected error for non-zero exit")
	}
	if errors.Is(err, ErrTimeout) {
		t.Fatalf("non-zero exit must not be reported as timeout")
	}
	if !strings.Contains(err.Error(), "boom: tool crashed") {
		t.Fatalf("expected stderr detail in error, got %v", err)
	}
}

func TestInvokeUnparseableOutputDegradesToSummary(t *testing.T) {
	inv := NewInvocator("agent", nil, ".", 0, nil, nil)
	inv.runner = func(ctx context.Context, dir string, name string, args []string, stdin string) (string, string, error) {
		return "I made some edits but forgot the format.", "", nil
	}

	result, err := inv.Invoke(context.Background(), testWorkItem(), time.Minute)
	if err != nil {
		t.Fatalf("unparseable output must not fail the run: %v", err)
	}
	if result.Summary != "I made some edits but forgot the format." {
		t.Fatalf("unexpected fallback summary %q", result.Summary)
	}
}

func TestInvokeEmptyCommandFails(t *testing.T) {
	inv := NewInvocator("  ", nil, ".", 0, nil, nil)
	if _, err := inv.Invoke(context.Background(), testWorkItem(), time.Minute); err == nil {
		t.Fatalf("expected error for empty command")
	}
}
