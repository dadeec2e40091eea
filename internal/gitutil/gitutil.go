// Package gitutil resolves the base commit for git-diff workers.
package gitutil

import (
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// ResolveDiffBase resolves the commit a git-diff worker compares against.
// With an explicit ref, that ref is resolved. Otherwise the merge-base of
// HEAD and the repository's default branch is used, falling back to the
// repository's root commit.
func ResolveDiffBase(dir, ref string) (string, error) {
	if ref != "" {
		return revParse(dir, ref)
	}

	if branch, err := DefaultBranch(dir); err == nil {
		base, err := mergeBase(dir, branch)
		if err == nil && base != "" {
			return base, nil
		}
	}

	return rootCommit(dir)
}

// DefaultBranch determines the repository's default branch: origin/HEAD if
// set, otherwise main or master if they exist.
func DefaultBranch(dir string) (string, error) {
	out, err := gitOutput(dir, "symbolic-ref", "refs/remotes/origin/HEAD")
	if err == nil {
		branch := strings.TrimPrefix(out, "refs/remotes/origin/")
		if branch != out && branch != "" {
			return branch, nil
		}
	}

	for _, candidate := range []string{"main", "master"} {
		if branchExists(dir, candidate) {
			return candidate, nil
		}
	}
	return "", errors.New("could not determine default branch")
}

func revParse(dir, ref string) (string, error) {
	out, err := gitOutput(dir, "rev-parse", "--verify", ref+"^{commit}")
	if err != nil {
		return "", fmt.Errorf("resolve ref %q: %w", ref, err)
	}
	return out, nil
}

func mergeBase(dir, branch string) (string, error) {
	return gitOutput(dir, "merge-base", "HEAD", branch)
}

func rootCommit(dir string) (string, error) {
	out, err := gitOutput(dir, "rev-list", "--max-parents=0", "--first-parent", "HEAD")
	if err != nil {
		return "", fmt.Errorf("resolve root commit: %w", err)
	}
	// A repo with multiple roots lists one per line; take the first.
	if i := strings.IndexByte(out, '\n'); i >= 0 {
		out = out[:i]
	}
	return strings.TrimSpace(out), nil
}

func branchExists(dir, name string) bool {
	cmd := exec.Command("git", "-C", dir, "show-ref", "--verify", "--quiet", "refs/heads/"+name)
	return cmd.Run() == nil
}

func gitOutput(dir string, args ...string) (string, error) {
	fullArgs := append([]string{"-C", dir}, args...)
	out, err := exec.Command("git", fullArgs...).Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
