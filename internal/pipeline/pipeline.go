package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"autoforge/internal/model"
)

// ErrBusy reports a trigger shed because another run holds the guard.
var ErrBusy = errors.New("a run is already in progress")

const failureTextLimit = 1000

type Synchronizer interface {
	Sync(ctx context.Context) error
	CreateWorkBranch(ctx context.Context, slug string) (string, error)
	CommitAll(ctx context.Context, message string) (bool, error)
	Push(ctx context.Context, branch string) error
	DiffAgainstTrunk(ctx context.Context) (model.ChangeSet, error)
	MergeToTrunk(ctx context.Context, branch string) error
	RevertToClean(ctx context.Context)
}

type Invocator interface {
	Invoke(ctx context.Context, item model.WorkItem, timeout time.Duration) (model.RunResult, error)
}

type Evaluator interface {
	Evaluate(changeSet model.ChangeSet, assessment *model.SelfAssessment) model.RiskVerdict
}

type Notifier interface {
	Notify(outcome model.Outcome)
}

type RunStore interface {
	CreateRun(record model.RunRecord) error
	UpdateRunBranch(runID string, branch string) error
	FinishRun(runID string, status model.RunStatus, summary string, verdictJSON string, errorText string) error
}

// Coordinator executes one pipeline run end to end:
// sync → branch → invoke → commit → push → diff → evaluate → merge-or-hold
// → notify. The guard is released on every exit path; any failure after the
// working tree may have changed goes through RevertToClean before the run
// is reported.
type Coordinator struct {
	Guard        *Guard
	Sync         Synchronizer
	Agent        Invocator
	Risk         Evaluator
	Notify       Notifier
	Runs         RunStore
	WorkPath     string
	AgentTimeout time.Duration
	Logger       *log.Logger
}

// Handle runs the pipeline for one trigger event, shedding it if a run is
// already in flight.
func (c *Coordinator) Handle(ctx context.Context, event model.TriggerEvent) error {
	if !c.Guard.TryAcquire() {
		c.logf("shedding trigger: origin=%s payload=%s reason=run-in-progress", event.Origin, event.PayloadID)
		return ErrBusy
	}
	defer c.Guard.Release()
	return c.run(ctx, event)
}

func (c *Coordinator) run(ctx context.Context, event model.TriggerEvent) error {
	runID := "run-" + uuid.NewString()
	c.logf("run started: run=%s origin=%s payload=%s", runID, event.Origin, event.PayloadID)
	if err := c.Runs.CreateRun(model.RunRecord{
		RunID:     runID,
		Origin:    event.Origin,
		PayloadID: event.PayloadID,
		Status:    model.RunStatusStarted,
	}); err != nil {
		c.logf("record run start: %v", err)
	}

	if err := c.Sync.Sync(ctx); err != nil {
		return c.fail(ctx, runID, "", fmt.Errorf("sync working copy: %w", err))
	}

	// Webhook triggers carry only the instruction path; the content is
	// read from the synced working copy.
	if event.Instruction == "" && event.PayloadID != "" {
		content, err := os.ReadFile(filepath.Join(c.WorkPath, filepath.FromSlash(event.PayloadID)))
		if err != nil {
			return c.fail(ctx, runID, "", fmt.Errorf("read instruction %s: %w", event.PayloadID, err))
		}
		event.Instruction = string(content)
	}

	branch, err := c.Sync.CreateWorkBranch(ctx, slugFromPayload(event.PayloadID))
	if err != nil {
		return c.fail(ctx, runID, "", fmt.Errorf("create work branch: %w", err))
	}
	if err := c.Runs.UpdateRunBranch(runID, branch); err != nil {
		c.logf("record run branch: %v", err)
	}

	item := deriveWorkItem(event)
	result, err := c.Agent.Invoke(ctx, item, c.AgentTimeout)
	if err != nil {
		return c.fail(ctx, runID, branch, fmt.Errorf("agent invocation: %w", err))
	}

	// File-carried triggers are consumed by deleting the instruction file
	// inside the same commit that carries the change: a successful run
	// removes the queue entry, a failed run leaves it for retry. This
	// covers webhook triggers too, or a poll over the same inbox would
	// process the file again.
	var consumedPath string
	if carriesInstructionFile(event.Origin) && event.PayloadID != "" {
		path := filepath.Join(c.WorkPath, filepath.FromSlash(event.PayloadID))
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return c.fail(ctx, runID, branch, fmt.Errorf("consume instruction file %s: %w", event.PayloadID, err))
		}
		consumedPath = event.PayloadID
	}

	committed, err := c.Sync.CommitAll(ctx, commitMessage(result, event))
	if err != nil {
		return c.fail(ctx, runID, branch, fmt.Errorf("commit changes: %w", err))
	}
	if !committed {
		return c.fail(ctx, runID, branch, fmt.Errorf("agent produced no changes"))
	}
	if err := c.Sync.Push(ctx, branch); err != nil {
		return c.fail(ctx, runID, branch, fmt.Errorf("push %s: %w", branch, err))
	}

	changeSet, err := c.Sync.DiffAgainstTrunk(ctx)
	if err != nil {
		return c.fail(ctx, runID, branch, fmt.Errorf("diff against trunk: %w", err))
	}

	verdict := c.Risk.Evaluate(withoutConsumedInstruction(changeSet, consumedPath), result.Risk)
	verdictJSON := marshalVerdict(verdict)

	if !verdict.Safe {
		// Leave the pushed branch for a human; reset the working copy so
		// the next run starts from trunk.
		c.Sync.RevertToClean(ctx)
		if err := c.Runs.FinishRun(runID, model.RunStatusNeedsReview, result.Summary, verdictJSON, ""); err != nil {
			c.logf("record run needs-review: %v", err)
		}
		c.Notify.Notify(model.Outcome{
			Kind:         model.OutcomeNeedsReview,
			RunID:        runID,
			Branch:       branch,
			Summary:      result.Summary,
			ChangedFiles: changeSet.Paths(),
			Notes:        result.Notes,
			Reasons:      verdict.Reasons,
		})
		c.logf("run held for review: run=%s branch=%s reasons=%d", runID, branch, len(verdict.Reasons))
		return nil
	}

	if err := c.Sync.MergeToTrunk(ctx, branch); err != nil {
		return c.fail(ctx, runID, branch, fmt.Errorf("merge %s to trunk: %w", branch, err))
	}
	if err := c.Runs.FinishRun(runID, model.RunStatusMerged, result.Summary, verdictJSON, ""); err != nil {
		c.logf("record run merged: %v", err)
	}
	c.Notify.Notify(model.Outcome{
		Kind:         model.OutcomeSuccess,
		RunID:        runID,
		Branch:       branch,
		Summary:      result.Summary,
		ChangedFiles: changeSet.Paths(),
		Notes:        result.Notes,
	})
	c.logf("run merged: run=%s branch=%s files=%d", runID, branch, len(changeSet.Changes))
	return nil
}

func (c *Coordinator) fail(ctx context.Context, runID string, branch string, cause error) error {
	c.Sync.RevertToClean(ctx)
	errorText := truncateText(cause.Error(), failureTextLimit)
	if err := c.Runs.FinishRun(runID, model.RunStatusFailed, "", "", errorText); err != nil {
		c.logf("record run failure: %v", err)
	}
	c.Notify.Notify(model.Outcome{
		Kind:      model.OutcomeFailure,
		RunID:     runID,
		Branch:    branch,
		ErrorText: errorText,
	})
	c.logf("run failed: run=%s err=%v", runID, cause)
	return cause
}

// carriesInstructionFile reports whether the trigger's payload is an inbox
// file in the working copy. Branch-poll and manual payloads name a branch
// or an external path, never a consumable working-copy file.
func carriesInstructionFile(origin model.TriggerOrigin) bool {
	return origin == model.TriggerOriginFilePoll || origin == model.TriggerOriginWebhook
}

// withoutConsumedInstruction drops exactly the consumed instruction file
// from the change set handed to the evaluator. Every other edit, including
// edits to other pending instruction files, still counts against the
// verdict. The full set goes into notifications.
func withoutConsumedInstruction(changeSet model.ChangeSet, consumedPath string) model.ChangeSet {
	if consumedPath == "" {
		return changeSet
	}
	filtered := []model.FileChange{}
	for _, change := range changeSet.Changes {
		if change.Path == consumedPath {
			continue
		}
		filtered = append(filtered, change)
	}
	return model.ChangeSet{Changes: filtered}
}

// deriveWorkItem builds the work item from the trigger. Instruction text
// that is itself a JSON object can carry structured metadata (requester,
// feature name, data sources); anything else is free text.
func deriveWorkItem(event model.TriggerEvent) model.WorkItem {
	item := model.WorkItem{
		Instruction: event.Instruction,
		Origin:      event.Origin,
		PayloadID:   event.PayloadID,
	}
	trimmed := strings.TrimSpace(event.Instruction)
	if !strings.HasPrefix(trimmed, "{") {
		return item
	}
	var structured struct {
		Instruction string   `json:"instruction"`
		Requester   string   `json:"requester"`
		FeatureName string   `json:"feature_name"`
		DataSources []string `json:"data_sources"`
	}
	if err := json.Unmarshal([]byte(trimmed), &structured); err != nil {
		return item
	}
	if strings.TrimSpace(structured.Instruction) == "" {
		return item
	}
	item.Instruction = structured.Instruction
	item.Requester = structured.Requester
	item.FeatureName = structured.FeatureName
	item.DataSources = structured.DataSources
	return item
}

func commitMessage(result model.RunResult, event model.TriggerEvent) string {
	summary := firstNonEmptyLine(result.Summary)
	if summary == "" {
		summary = fmt.Sprintf("apply %s trigger %s", event.Origin, event.PayloadID)
	}
	if len(summary) > 72 {
		summary = strings.TrimSpace(summary[:72])
	}
	return summary
}

func slugFromPayload(payloadID string) string {
	base := filepath.Base(filepath.ToSlash(payloadID))
	if ext := filepath.Ext(base); ext != "" {
		base = strings.TrimSuffix(base, ext)
	}
	if strings.TrimSpace(base) == "" || base == "." {
		return "work"
	}
	return base
}

func firstNonEmptyLine(value string) string {
	for _, line := range strings.Split(value, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			return line
		}
	}
	return ""
}

func marshalVerdict(verdict model.RiskVerdict) string {
	encoded, err := json.Marshal(verdict)
	if err != nil {
		return ""
	}
	return string(encoded)
}

func truncateText(text string, limit int) string {
	if limit <= 0 || len(text) <= limit {
		return text
	}
	return strings.TrimSpace(text[:limit])
}

func (c *Coordinator) logf(format string, args ...any) {
	if c.Logger == nil {
		return
	}
	c.Logger.Printf(format, args...)
}
