package ai

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// gitShowTopLevel resolves the repository root containing dir.
func gitShowTopLevel(ctx context.Context, dir string) (string, bool) {
	out, err := runGitCombinedOutput(ctx, dir, nil, "rev-parse", "--show-toplevel")
	if err != nil {
		return "", false
	}
	root := strings.TrimSpace(string(out))
	if root == "" || !filepath.IsAbs(root) {
		return "", false
	}
	return filepath.Clean(root), true
}

// gitSnapshotFile captures the current content of one file as a dangling git
// commit and returns its hash. A throwaway index keeps the snapshot from
// touching the user's staging area; the commit is reachable only through the
// checkpoint record.
func gitSnapshotFile(ctx context.Context, stateDir string, filePath string) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	filePath = filepath.Clean(strings.TrimSpace(filePath))
	if filePath == "" || !filepath.IsAbs(filePath) {
		return "", errors.New("invalid snapshot file path")
	}

	repoRoot, ok := gitShowTopLevel(ctx, filepath.Dir(filePath))
	if !ok {
		return "", errors.New("file is not inside a git repository")
	}

	indexDir := filepath.Join(strings.TrimSpace(stateDir), "git-index")
	if err := os.MkdirAll(indexDir, 0o700); err != nil {
		return "", err
	}
	indexFile, err := os.CreateTemp(indexDir, "snapshot-*.index")
	if err != nil {
		return "", err
	}
	indexPath := indexFile.Name()
	_ = indexFile.Close()
	// git rejects an empty index file; drop it so `git add` writes a fresh one
	// at this reserved path.
	_ = os.Remove(indexPath)
	defer os.Remove(indexPath)

	env := append([]string(nil), os.Environ()...)
	env = append(env, "GIT_INDEX_FILE="+indexPath)

	rel, err := filepath.Rel(repoRoot, filePath)
	if err != nil {
		return "", err
	}
	if _, err := runGitCombinedOutput(ctx, repoRoot, env, "add", "--", rel); err != nil {
		return "", err
	}
	treeRaw, err := runGitCombinedOutput(ctx, repoRoot, env, "write-tree")
	if err != nil {
		return "", err
	}
	tree := strings.TrimSpace(string(treeRaw))
	if tree == "" {
		return "", errors.New("git write-tree returned empty tree")
	}

	commitEnv := append([]string(nil), env...)
	commitEnv = append(commitEnv,
		"GIT_AUTHOR_NAME=strand",
		"GIT_AUTHOR_EMAIL=strand@localhost",
		"GIT_COMMITTER_NAME=strand",
		"GIT_COMMITTER_EMAIL=strand@localhost",
	)
	commitRaw, err := runGitCombinedOutput(ctx, repoRoot, commitEnv, "commit-tree", tree, "-m", "strand checkpoint")
	if err != nil {
		return "", err
	}
	commit := strings.TrimSpace(string(commitRaw))
	if commit == "" {
		return "", errors.New("git commit-tree returned empty hash")
	}
	return commit, nil
}

func runGitCombinedOutput(ctx context.Context, dir string, env []string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	if env != nil {
		cmd.Env = env
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return out, nil
}
