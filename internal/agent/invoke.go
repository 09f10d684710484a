package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"autoforge/internal/model"
)

// ErrTimeout reports that the agent subprocess exceeded its wall-clock
// budget and was terminated.
var ErrTimeout = errors.New("agent invocation timed out")

const processOutputLimit = 2000

type Invocator struct {
	Command      string
	Args         []string
	WorkPath     string
	MaxTurns     int
	AllowedTools []string
	Logger       *log.Logger

	// runner is swappable for tests.
	runner commandRunner
}

type commandRunner func(ctx context.Context, dir string, name string, args []string, stdin string) (stdout string, stderr string, err error)

func NewInvocator(command string, args []string, workPath string, maxTurns int, allowedTools []string, logger *log.Logger) *Invocator {
	return &Invocator{
		Command:      strings.TrimSpace(command),
		Args:         args,
		WorkPath:     workPath,
		MaxTurns:     maxTurns,
		AllowedTools: allowedTools,
		Logger:       logger,
		runner:       runAgentCommand,
	}
}

// Invoke runs the coding agent over the working copy with a hard timeout.
// The subprocess is the only cancellable step in a pipeline run.
func (i *Invocator) Invoke(ctx context.Context, item model.WorkItem, timeout time.Duration) (model.RunResult, error) {
	if i.Command == "" {
		return model.RunResult{}, fmt.Errorf("agent command is empty")
	}
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}

	prompt := BuildPrompt(item)
	args := append([]string(nil), i.Args...)
	if i.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(i.MaxTurns))
	}
	if len(i.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(i.AllowedTools, ","))
	}
	args = append(args, prompt)

	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := time.Now()
	stdout, stderr, err := i.runner(timeoutCtx, i.WorkPath, i.Command, args, "")
	if err != nil {
		if timeoutCtx.Err() == context.DeadlineExceeded {
			return model.RunResult{}, fmt.Errorf("%w after %s", ErrTimeout, timeout)
		}
		detail := strings.TrimSpace(stderr)
		if detail == "" {
			detail = strings.TrimSpace(stdout)
		}
		return model.RunResult{}, fmt.Errorf("agent exited with error: %w: %s", err, truncateText(detail, processOutputLimit))
	}

	result, strategy := ParseRunResult(stdout)
	if i.Logger != nil {
		i.Logger.Printf("agent run finished: elapsed=%s parse_strategy=%s changed_files=%d", time.Since(started).Round(time.Second), strategy, len(result.ChangedFiles))
	}
	return result, nil
}

// BuildPrompt embeds the work item in the fixed operating constraints. The
// agent must never touch source control itself; branching, committing, and
// merging stay with the synchronizer.
func BuildPrompt(item model.WorkItem) string {
	var b strings.Builder
	b.WriteString("You are an autonomous coding agent working in the current repository.\n\n")
	b.WriteString("Task:\n")
	b.WriteString(strings.TrimSpace(item.Instruction))
	b.WriteString("\n\n")
	if item.FeatureName != "" {
		fmt.Fprintf(&b, "Feature name: %s\n", item.FeatureName)
	}
	if item.Requester != "" {
		fmt.Fprintf(&b, "Requested by: %s\n", item.Requester)
	}
	if len(item.DataSources) > 0 {
		fmt.Fprintf(&b, "Suggested data sources: %s\n", strings.Join(item.DataSources, ", "))
	}
	b.WriteString("\nOperating constraints:\n")
	b.WriteString("- Do not run any version-control commands (git, gh); the pipeline handles commits and merges.\n")
	b.WriteString("- Do not ask clarifying questions; decide autonomously and note assumptions.\n")
	b.WriteString("- Prefer adding new files over modifying existing ones.\n")
	b.WriteString("- When done, print a single JSON object with keys: summary, changed_files, notes, risk.\n")
	b.WriteString("- risk is an object with boolean keys: needs_review, touches_existing, possible_confusion, removes_features.\n")
	return b.String()
}

func runAgentCommand(ctx context.Context, dir string, name string, args []string, stdin string) (string, string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	if strings.TrimSpace(stdin) != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}
