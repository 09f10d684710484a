package repo

import (
	"context"
	"fmt"
	"log"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/lithammer/shortuuid/v3"

	"autoforge/internal/model"
)

// Synchronizer owns every git operation on the single working copy. Nothing
// else in the process is allowed to touch the repository.
type Synchronizer struct {
	WorkPath           string
	RemoteName         string
	TrunkBranch        string
	BranchPrefix       string
	VersionBumpCommand string
	NetworkTimeout     time.Duration
	Logger             *log.Logger
}

func NewSynchronizer(workPath string, remoteName string, trunkBranch string, branchPrefix string, logger *log.Logger) *Synchronizer {
	return &Synchronizer{
		WorkPath:     workPath,
		RemoteName:   remoteName,
		TrunkBranch:  trunkBranch,
		BranchPrefix: branchPrefix,
		Logger:       logger,
	}
}

// Sync force-aligns the working copy to the remote trunk. Calling it when
// already aligned is a no-op.
func (s *Synchronizer) Sync(ctx context.Context) error {
	netCtx, cancel := s.networkContext(ctx)
	defer cancel()
	if _, err := s.runGit(netCtx, "fetch", s.RemoteName, s.TrunkBranch); err != nil {
		return err
	}
	if _, err := s.runGit(ctx, "checkout", s.TrunkBranch); err != nil {
		return err
	}
	if _, err := s.runGit(ctx, "reset", "--hard", s.remoteTrunkRef()); err != nil {
		return err
	}
	if _, err := s.runGit(ctx, "clean", "-fd"); err != nil {
		return err
	}
	return nil
}

// CreateWorkBranch creates and checks out a branch named from the trunk
// state. The timestamp plus random suffix keeps names unique across trigger
// sources even though only one run executes at a time.
func (s *Synchronizer) CreateWorkBranch(ctx context.Context, slug string) (string, error) {
	name := fmt.Sprintf(
		"%s/%s-%s-%s",
		s.BranchPrefix,
		time.Now().UTC().Format("20060102-150405"),
		sanitizeBranchToken(slug),
		strings.ToLower(shortuuid.New()[:6]),
	)
	if _, err := s.runGit(ctx, "checkout", "-b", name); err != nil {
		return "", err
	}
	return name, nil
}

// CommitAll stages everything and commits. An unchanged tree reports
// committed=false instead of failing.
func (s *Synchronizer) CommitAll(ctx context.Context, message string) (bool, error) {
	if _, err := s.runGit(ctx, "add", "-A"); err != nil {
		return false, err
	}
	status, err := s.runGit(ctx, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	if strings.TrimSpace(status) == "" {
		return false, nil
	}
	if _, err := s.runGit(ctx, "commit", "-m", message); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Synchronizer) Push(ctx context.Context, branch string) error {
	netCtx, cancel := s.networkContext(ctx)
	defer cancel()
	_, err := s.runGit(netCtx, "push", "-u", s.RemoteName, branch)
	return err
}

// DiffAgainstTrunk classifies every file that differs between the remote
// trunk and HEAD. Renames and copies collapse into modified/added so the
// evaluator only sees the three change kinds it understands.
func (s *Synchronizer) DiffAgainstTrunk(ctx context.Context) (model.ChangeSet, error) {
	out, err := s.runGit(ctx, "diff", "--name-status", s.remoteTrunkRef()+"...HEAD")
	if err != nil {
		return model.ChangeSet{}, err
	}
	return parseNameStatus(out), nil
}

// MergeToTrunk lands the branch with a non-fast-forward merge, runs the
// version bump best-effort, and pushes trunk.
func (s *Synchronizer) MergeToTrunk(ctx context.Context, branch string) error {
	if _, err := s.runGit(ctx, "checkout", s.TrunkBranch); err != nil {
		return err
	}
	netCtx, cancel := s.networkContext(ctx)
	if _, err := s.runGit(netCtx, "pull", s.RemoteName, s.TrunkBranch); err != nil {
		cancel()
		return err
	}
	cancel()
	message := fmt.Sprintf("merge %s", branch)
	if _, err := s.runGit(ctx, "merge", "--no-ff", branch, "-m", message); err != nil {
		return err
	}
	s.bumpVersion(ctx)
	pushCtx, cancelPush := s.networkContext(ctx)
	defer cancelPush()
	if _, err := s.runGit(pushCtx, "push", s.RemoteName, s.TrunkBranch); err != nil {
		return err
	}
	return nil
}

func (s *Synchronizer) bumpVersion(ctx context.Context) {
	command := strings.TrimSpace(s.VersionBumpCommand)
	if command == "" {
		return
	}
	cmd := exec.CommandContext(ctx, "zsh", "-lc", command)
	cmd.Dir = s.WorkPath
	if out, err := cmd.CombinedOutput(); err != nil {
		s.logf("version bump command failed: %v: %s", err, strings.TrimSpace(string(out)))
		return
	}
	if committed, err := s.CommitAll(ctx, "bump version"); err != nil {
		s.logf("commit version bump failed: %v", err)
	} else if !committed {
		s.logf("version bump command produced no changes")
	}
}

// RevertToClean is the designated failure-recovery path: discard all local
// modifications and untracked files and return to trunk. It never
// propagates an error.
func (s *Synchronizer) RevertToClean(ctx context.Context) {
	if _, err := s.runGit(ctx, "reset", "--hard"); err != nil {
		s.logf("revert: reset failed: %v", err)
	}
	if _, err := s.runGit(ctx, "clean", "-fd"); err != nil {
		s.logf("revert: clean failed: %v", err)
	}
	if _, err := s.runGit(ctx, "checkout", s.TrunkBranch); err != nil {
		s.logf("revert: checkout %s failed: %v", s.TrunkBranch, err)
	}
}

// ListRemoteBranches returns remote branch names under the given prefix.
func (s *Synchronizer) ListRemoteBranches(ctx context.Context, prefix string) ([]string, error) {
	netCtx, cancel := s.networkContext(ctx)
	defer cancel()
	out, err := s.runGit(netCtx, "ls-remote", "--heads", s.RemoteName)
	if err != nil {
		return nil, err
	}
	return parseRemoteHeads(out, prefix), nil
}

// ListBranchFiles lists files under dir on a remote branch without checking
// it out.
func (s *Synchronizer) ListBranchFiles(ctx context.Context, branch string, dir string) ([]string, error) {
	netCtx, cancel := s.networkContext(ctx)
	if _, err := s.runGit(netCtx, "fetch", s.RemoteName, branch); err != nil {
		cancel()
		return nil, err
	}
	cancel()
	ref := fmt.Sprintf("%s/%s", s.RemoteName, branch)
	out, err := s.runGit(ctx, "ls-tree", "-r", "--name-only", ref, "--", dir)
	if err != nil {
		return nil, err
	}
	files := []string{}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			files = append(files, line)
		}
	}
	sort.Strings(files)
	return files, nil
}

// ShowFile reads one file from a ref without touching the working tree.
func (s *Synchronizer) ShowFile(ctx context.Context, ref string, path string) (string, error) {
	return s.runGit(ctx, "show", fmt.Sprintf("%s:%s", ref, path))
}

func (s *Synchronizer) remoteTrunkRef() string {
	return fmt.Sprintf("%s/%s", s.RemoteName, s.TrunkBranch)
}

func (s *Synchronizer) networkContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.NetworkTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.NetworkTimeout)
}

func (s *Synchronizer) runGit(ctx context.Context, args ...string) (string, error) {
	cmdArgs := append([]string{"-C", s.WorkPath}, args...)
	cmd := exec.CommandContext(ctx, "git", cmdArgs...)
	out, err := cmd.CombinedOutput()
	text := strings.TrimSpace(string(out))
	if err != nil {
		if text == "" {
			text = err.Error()
		}
		return "", fmt.Errorf("git %s failed in %s: %s", strings.Join(args, " "), s.WorkPath, text)
	}
	return text, nil
}

func (s *Synchronizer) logf(format string, args ...any) {
	if s.Logger == nil {
		return
	}
	s.Logger.Printf(format, args...)
}

func parseNameStatus(output string) model.ChangeSet {
	changes := []model.FileChange{}
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) < 2 {
			continue
		}
		status := fields[0]
		path := fields[len(fields)-1]
		var kind model.ChangeKind
		switch {
		case strings.HasPrefix(status, "A"), strings.HasPrefix(status, "C"):
			kind = model.ChangeKindAdded
		case strings.HasPrefix(status, "D"):
			kind = model.ChangeKindDeleted
		default:
			// M, R, T and anything unexpected count as modified; the
			// evaluator treats modified conservatively.
			kind = model.ChangeKindModified
		}
		changes = append(changes, model.FileChange{Path: filepath.ToSlash(path), Kind: kind})
	}
	return model.ChangeSet{Changes: changes}
}

func parseRemoteHeads(output string, prefix string) []string {
	branches := []string{}
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		ref := fields[len(fields)-1]
		name := strings.TrimPrefix(ref, "refs/heads/")
		if name == ref {
			continue
		}
		if prefix != "" && !strings.HasPrefix(name, prefix) {
			continue
		}
		branches = append(branches, name)
	}
	sort.Strings(branches)
	return branches
}

func sanitizeBranchToken(token string) string {
	token = strings.TrimSpace(strings.ToLower(token))
	token = strings.ReplaceAll(token, " ", "-")
	replacer := strings.NewReplacer("/", "-", "\\", "-", ":", "-", ",", "-", "..", "-", "@", "-", "#", "-", "~", "-", "^", "-", "?", "-", "*", "-", "[", "-", "]", "-")
	token = replacer.Replace(token)
	for strings.Contains(token, "--") {
		token = strings.ReplaceAll(token, "--", "-")
	}
	token = strings.Trim(token, "-.")
	if token == "" {
		token = "work"
	}
	if len(token) > 40 {
		token = token[:40]
	}
	return token
}
