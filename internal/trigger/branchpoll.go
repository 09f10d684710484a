package trigger

import (
	"context"
	"log"
	"strings"
	"time"

	"autoforge/internal/model"
)

// BranchPollSource enumerates remote branches under a naming prefix on a
// fixed interval and publishes a trigger for any branch carrying inbox
// instruction files. Processed branches are remembered both in memory and in
// the store, so a restart does not replay old requests.
type BranchPollSource struct {
	Repo           branchLister
	Store          branchMemory
	RemoteName     string
	BranchPrefix   string
	InboxDir       string
	InstructionExt string
	Interval       time.Duration
	Bus            Publisher
	Busy           func() bool
	Logger         *log.Logger

	seen map[string]bool
}

type branchLister interface {
	ListRemoteBranches(ctx context.Context, prefix string) ([]string, error)
	ListBranchFiles(ctx context.Context, branch string, dir string) ([]string, error)
	ShowFile(ctx context.Context, ref string, path string) (string, error)
}

type branchMemory interface {
	IsBranchProcessed(branch string) (bool, error)
	MarkBranchProcessed(branch string) error
}

func (s *BranchPollSource) Name() string { return "branch-poll" }

func (s *BranchPollSource) Run(ctx context.Context) error {
	s.ScanOnce(ctx)
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.ScanOnce(ctx)
		}
	}
}

// ScanOnce performs a single enumeration cycle.
func (s *BranchPollSource) ScanOnce(ctx context.Context) {
	if s.Busy != nil && s.Busy() {
		return
	}
	branches, err := s.Repo.ListRemoteBranches(ctx, s.BranchPrefix)
	if err != nil {
		logf(s.Logger, "branch-poll: list remote branches: %v", err)
		return
	}
	for _, branch := range branches {
		if s.alreadyProcessed(branch) {
			continue
		}
		s.inspectBranch(ctx, branch)
	}
}

func (s *BranchPollSource) inspectBranch(ctx context.Context, branch string) {
	files, err := s.Repo.ListBranchFiles(ctx, branch, strings.Trim(s.InboxDir, "/"))
	if err != nil {
		logf(s.Logger, "branch-poll: inspect %s: %v", branch, err)
		return
	}
	var parts []string
	for _, file := range files {
		if !strings.HasSuffix(file, s.InstructionExt) {
			continue
		}
		content, err := s.Repo.ShowFile(ctx, s.RemoteName+"/"+branch, file)
		if err != nil {
			logf(s.Logger, "branch-poll: read %s on %s: %v", file, branch, err)
			return
		}
		parts = append(parts, strings.TrimSpace(content))
	}
	if len(parts) == 0 {
		// No instructions yet; the branch may gain them later, so only
		// skip it for this cycle.
		return
	}

	s.remember(branch)
	event := model.TriggerEvent{
		Origin:      model.TriggerOriginBranchPoll,
		PayloadID:   branch,
		Instruction: strings.Join(parts, "\n\n"),
	}
	if err := s.Bus.Publish(event); err != nil {
		logf(s.Logger, "branch-poll: publish for %s failed: %v", branch, err)
		return
	}
	logf(s.Logger, "branch-poll: queued branch %s (%d instruction files)", branch, len(parts))
}

func (s *BranchPollSource) alreadyProcessed(branch string) bool {
	if s.seen[branch] {
		return true
	}
	done, err := s.Store.IsBranchProcessed(branch)
	if err != nil {
		logf(s.Logger, "branch-poll: check %s: %v", branch, err)
		return true
	}
	return done
}

func (s *BranchPollSource) remember(branch string) {
	if s.seen == nil {
		s.seen = map[string]bool{}
	}
	s.seen[branch] = true
	if err := s.Store.MarkBranchProcessed(branch); err != nil {
		logf(s.Logger, "branch-poll: mark %s processed: %v", branch, err)
	}
}
