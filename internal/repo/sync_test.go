package repo

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"autoforge/internal/model"
)

func runGitCmd(t *testing.T, path string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = path
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %s: %v: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return string(out)
}

// newFixtureRepo builds a bare remote with one commit on main and a clone of
// it, returning the synchronizer over the clone.
func newFixtureRepo(t *testing.T) (*Synchronizer, string, string) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	base := t.TempDir()
	remotePath := filepath.Join(base, "remote.git")
	seedPath := filepath.Join(base, "seed")
	workPath := filepath.Join(base, "work")

	if err := os.MkdirAll(remotePath, 0o755); err != nil {
		t.Fatalf("mkdir remote: %v", err)
	}
	runGitCmd(t, remotePath, "init", "--bare", "--initial-branch=main")

	if err := os.MkdirAll(seedPath, 0o755); err != nil {
		t.Fatalf("mkdir seed: %v", err)
	}
	runGitCmd(t, seedPath, "init", "--initial-branch=main")
	runGitCmd(t, seedPath, "config", "user.email", "test@example.com")
	runGitCmd(t, seedPath, "config", "user.name", "test")
	if err := os.WriteFile(filepath.Join(seedPath, "README.md"), []byte("# fixture\n"), 0o644); err != nil {
		t.Fatalf("write seed file: %v", err)
	}
	runGitCmd(t, seedPath, "add", "-A")
	runGitCmd(t, seedPath, "commit", "-m", "initial")
	runGitCmd(t, seedPath, "remote", "add", "origin", remotePath)
	runGitCmd(t, seedPath, "push", "-u", "origin", "main")

	runGitCmd(t, base, "clone", remotePath, workPath)
	runGitCmd(t, workPath, "config", "user.email", "test@example.com")
	runGitCmd(t, workPath, "config", "user.name", "test")

	sync := NewSynchronizer(workPath, "origin", "main", "autoforge", nil)
	return sync, workPath, remotePath
}

func TestSyncDiscardsLocalState(t *testing.T) {
	sync, workPath, _ := newFixtureRepo(t)
	ctx := context.Background()

	if err := os.WriteFile(filepath.Join(workPath, "stray.txt"), []byte("stray\n"), 0o644); err != nil {
		t.Fatalf("write stray file: %v", err)
	}
	if err := os.WriteFile(filepath.Join(workPath, "README.md"), []byte("tampered\n"), 0o644); err != nil {
		t.Fatalf("tamper tracked file: %v", err)
	}

	if err := sync.Sync(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if _, err := os.Stat(filepath.Join(workPath, "stray.txt")); !os.IsNotExist(err) {
		t.Fatalf("expected stray file to be cleaned")
	}
	content, err := os.ReadFile(filepath.Join(workPath, "README.md"))
	if err != nil {
		t.Fatalf("read README: %v", err)
	}
	if string(content) != "# fixture\n" {
		t.Fatalf("expected tracked file restored, got %q", content)
	}

	// Repeated sync on an aligned tree is a no-op.
	if err := sync.Sync(ctx); err != nil {
		t.Fatalf("second sync: %v", err)
	}
}

func TestCommitAllReportsNothingToCommit(t *testing.T) {
	sync, workPath, _ := newFixtureRepo(t)
	ctx := context.Background()

	committed, err := sync.CommitAll(ctx, "empty commit attempt")
	if err != nil {
		t.Fatalf("commit clean tree: %v", err)
	}
	if committed {
		t.Fatalf("expected nothing to commit on a clean tree")
	}

	if err := os.MkdirAll(filepath.Join(workPath, "pages"), 0o755); err != nil {
		t.Fatalf("mkdir pages: %v", err)
	}
	if err := os.WriteFile(filepath.Join(workPath, "pages", "new.html"), []byte("<html></html>\n"), 0o644); err != nil {
		t.Fatalf("write page: %v", err)
	}
	committed, err = sync.CommitAll(ctx, "add page")
	if err != nil {
		t.Fatalf("commit dirty tree: %v", err)
	}
	if !committed {
		t.Fatalf("expected commit for dirty tree")
	}
}

func TestDiffAgainstTrunkClassifiesChanges(t *testing.T) {
	sync, workPath, _ := newFixtureRepo(t)
	ctx := context.Background()

	if err := sync.Sync(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}
	branch, err := sync.CreateWorkBranch(ctx, "classify test")
	if err != nil {
		t.Fatalf("create branch: %v", err)
	}
	if !strings.HasPrefix(branch, "autoforge/") {
		t.Fatalf("unexpected branch name %q", branch)
	}

	if err := os.WriteFile(filepath.Join(workPath, "added.txt"), []byte("new\n"), 0o644); err != nil {
		t.Fatalf("write added file: %v", err)
	}
	if err := os.WriteFile(filepath.Join(workPath, "README.md"), []byte("changed\n"), 0o644); err != nil {
		t.Fatalf("modify file: %v", err)
	}
	if _, err := sync.CommitAll(ctx, "test changes"); err != nil {
		t.Fatalf("commit: %v", err)
	}

	changeSet, err := sync.DiffAgainstTrunk(ctx)
	if err != nil {
		t.Fatalf("diff: %v", err)
	}
	kinds := map[string]model.ChangeKind{}
	for _, change := range changeSet.Changes {
		kinds[change.Path] = change.Kind
	}
	if kinds["added.txt"] != model.ChangeKindAdded {
		t.Fatalf("expected added.txt to be added, got %q", kinds["added.txt"])
	}
	if kinds["README.md"] != model.ChangeKindModified {
		t.Fatalf("expected README.md to be modified, got %q", kinds["README.md"])
	}
}

func TestMergeToTrunkPreservesBranchHistory(t *testing.T) {
	sync, workPath, _ := newFixtureRepo(t)
	ctx := context.Background()

	if err := sync.Sync(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}
	branch, err := sync.CreateWorkBranch(ctx, "merge test")
	if err != nil {
		t.Fatalf("create branch: %v", err)
	}
	if err := os.WriteFile(filepath.Join(workPath, "feature.txt"), []byte("feature\n"), 0o644); err != nil {
		t.Fatalf("write feature: %v", err)
	}
	if _, err := sync.CommitAll(ctx, "add feature"); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := sync.Push(ctx, branch); err != nil {
		t.Fatalf("push: %v", err)
	}
	if err := sync.MergeToTrunk(ctx, branch); err != nil {
		t.Fatalf("merge: %v", err)
	}

	head := strings.TrimSpace(runGitCmd(t, workPath, "log", "-1", "--pretty=%P"))
	if len(strings.Fields(head)) != 2 {
		t.Fatalf("expected a merge commit with two parents, got parents %q", head)
	}
}

func TestRevertToCleanNeverFails(t *testing.T) {
	sync, workPath, _ := newFixtureRepo(t)
	ctx := context.Background()

	if err := sync.Sync(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if _, err := sync.CreateWorkBranch(ctx, "revert test"); err != nil {
		t.Fatalf("create branch: %v", err)
	}
	if err := os.WriteFile(filepath.Join(workPath, "partial.txt"), []byte("partial\n"), 0o644); err != nil {
		t.Fatalf("write partial file: %v", err)
	}

	sync.RevertToClean(ctx)

	if _, err := os.Stat(filepath.Join(workPath, "partial.txt")); !os.IsNotExist(err) {
		t.Fatalf("expected partial file to be discarded")
	}
	current := strings.TrimSpace(runGitCmd(t, workPath, "rev-parse", "--abbrev-ref", "HEAD"))
	if current != "main" {
		t.Fatalf("expected to be back on main, got %q", current)
	}
}

func TestListRemoteBranchesFiltersPrefix(t *testing.T) {
	sync, workPath, _ := newFixtureRepo(t)
	ctx := context.Background()

	runGitCmd(t, workPath, "checkout", "-b", "feature-request/add-gallery")
	runGitCmd(t, workPath, "push", "-u", "origin", "feature-request/add-gallery")
	runGitCmd(t, workPath, "checkout", "main")

	branches, err := sync.ListRemoteBranches(ctx, "feature-request/")
	if err != nil {
		t.Fatalf("list remote branches: %v", err)
	}
	if len(branches) != 1 || branches[0] != "feature-request/add-gallery" {
		t.Fatalf("unexpected branches %v", branches)
	}
}

func TestParseNameStatus(t *testing.T) {
	output := "A\tpages/new.html\nM\tshared/config.js\nD\told/page.html\nR100\told-name.js\tnew-name.js\n"
	changeSet := parseNameStatus(output)
	if len(changeSet.Changes) != 4 {
		t.Fatalf("expected 4 changes, got %d", len(changeSet.Changes))
	}
	expected := []model.FileChange{
		{Path: "pages/new.html", Kind: model.ChangeKindAdded},
		{Path: "shared/config.js", Kind: model.ChangeKindModified},
		{Path: "old/page.html", Kind: model.ChangeKindDeleted},
		{Path: "new-name.js", Kind: model.ChangeKindModified},
	}
	for i, want := range expected {
		if changeSet.Changes[i] != want {
			t.Fatalf("change %d: expected %+v, got %+v", i, want, changeSet.Changes[i])
		}
	}
}
