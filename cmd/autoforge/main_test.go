package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"autoforge/internal/model"
)

func TestLoadInstructionRequiresASource(t *testing.T) {
	if _, _, err := loadInstruction("", ""); err == nil {
		t.Fatalf("expected error when neither --file nor --text is given")
	}
}

func TestLoadInstructionRejectsBothSources(t *testing.T) {
	_, _, err := loadInstruction("inbox/task.md", "do the thing")
	if err == nil {
		t.Fatalf("expected error for --file combined with --text")
	}
	if !strings.Contains(err.Error(), "mutually exclusive") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestLoadInstructionFromText(t *testing.T) {
	instruction, payloadID, err := loadInstruction("", "  Add a contact page  ")
	if err != nil {
		t.Fatalf("loadInstruction: %v", err)
	}
	if instruction != "Add a contact page" {
		t.Fatalf("unexpected instruction: %q", instruction)
	}
	if payloadID != "inline" {
		t.Fatalf("unexpected payload id: %q", payloadID)
	}
}

func TestLoadInstructionFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "task.md")
	if err := os.WriteFile(path, []byte("Add a contact page\n"), 0o644); err != nil {
		t.Fatalf("write instruction: %v", err)
	}
	instruction, payloadID, err := loadInstruction(path, "")
	if err != nil {
		t.Fatalf("loadInstruction: %v", err)
	}
	if instruction != "Add a contact page\n" {
		t.Fatalf("unexpected instruction: %q", instruction)
	}
	if payloadID != path {
		t.Fatalf("unexpected payload id: %q", payloadID)
	}
}

func TestLoadInstructionRejectsEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.md")
	if err := os.WriteFile(path, []byte("   \n"), 0o644); err != nil {
		t.Fatalf("write instruction: %v", err)
	}
	if _, _, err := loadInstruction(path, ""); err == nil {
		t.Fatalf("expected error for empty instruction file")
	}
}

func TestParseDurationSettingRejectsGarbage(t *testing.T) {
	if _, err := parseDurationSetting("worker-interval", "soon"); err == nil {
		t.Fatalf("expected error for invalid duration")
	}
}

func TestFormatRunLine(t *testing.T) {
	line := formatRunLine(model.RunRecord{
		RunID:     "run-123",
		Origin:    model.TriggerOriginFilePoll,
		Branch:    "autoforge/20260829-task",
		Status:    model.RunStatusMerged,
		Summary:   "Added a contact page",
		CreatedAt: "2026-08-29 10:00:00",
	})
	for _, want := range []string{"run-123", "merged", "file-poll", "autoforge/20260829-task", "Added a contact page"} {
		if !strings.Contains(line, want) {
			t.Fatalf("run line missing %q: %s", want, line)
		}
	}
}

func TestCollectingBusKeepsOrder(t *testing.T) {
	bus := &collectingBus{}
	for _, id := range []string{"a", "b", "c"} {
		if err := bus.Publish(model.TriggerEvent{PayloadID: id}); err != nil {
			t.Fatalf("publish %s: %v", id, err)
		}
	}
	if len(bus.events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(bus.events))
	}
	if bus.events[0].PayloadID != "a" || bus.events[2].PayloadID != "c" {
		t.Fatalf("events out of order: %+v", bus.events)
	}
}
