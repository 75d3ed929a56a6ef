package rockyard

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Hosts whose http(s) transport understands shallow clones. Other http
// servers may be dumb and reject --depth.
var smartHTTPHosts = []string{
	"http://github.com/", "https://github.com/",
	"http://bitbucket.com/", "https://bitbucket.com/",
	"http://gitlab.com/", "https://gitlab.com/",
}

func isHexRef(ref string) bool {
	if ref == "" {
		return false
	}
	for _, c := range ref {
		if !strings.ContainsRune("0123456789abcdefABCDEF", c) {
			return false
		}
	}
	return true
}

// gitCloneArgs returns the clone arguments for repo at ref and whether a
// separate checkout is needed afterwards.
func gitCloneArgs(repo, ref string, full bool) ([]string, bool) {
	if full {
		return []string{"clone"}, true
	}
	if strings.HasPrefix(repo, "http://") || strings.HasPrefix(repo, "https://") {
		smart := false
		for _, host := range smartHTTPHosts {
			if strings.HasPrefix(repo, host) {
				smart = true
				break
			}
		}
		if !smart {
			return []string{"clone"}, true
		}
	}
	// A specific commit needs the whole history.
	if isHexRef(ref) {
		return []string{"clone"}, true
	}
	return []string{"clone", "--depth=1", "--branch=" + ref}, false
}

func (f *Fetcher) git(ctx context.Context, dir string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	return cmd
}

func (f *Fetcher) obtainGit(ctx context.Context, s *GitSource) (*SourceTree, error) {
	title := s.Program.Title()
	if _, err := exec.LookPath("git"); err != nil {
		return nil, errorf(ErrToolchain, title, s.Identity(), "fetch",
			"git is required to use git sources but was not found in PATH")
	}
	dir, err := f.workTree(s.Program)
	if err != nil {
		return nil, newError(ErrBuild, title, s.Identity(), "fetch", err)
	}

	if s.DefaultRepo && f.GitCache && f.Downloads != "" {
		cached, err := f.syncCachedRepo(ctx, s)
		if err != nil {
			return nil, newError(ErrNetwork, title, s.Identity(), "fetch", err)
		}
		commit, err := output(f.Runner, f.git(ctx, cached, "rev-parse", "HEAD"))
		if err != nil {
			return nil, newError(ErrNetwork, title, s.Identity(), "fetch", err)
		}
		if err := copyTree(cached, dir, ".git"); err != nil {
			return nil, newError(ErrBuild, title, s.Identity(), "fetch", err)
		}
		return &SourceTree{Source: s, Dir: dir, Commit: commit}, nil
	}

	step("Cloning %s from %s @%s", title, s.Repo, s.Ref)
	args, needCheckout := gitCloneArgs(s.Repo, s.Ref, false)
	if err := f.Runner.Run(f.git(ctx, "", append(args, s.Repo, dir)...)); err != nil {
		return nil, errorf(ErrNetwork, title, s.Identity(), "fetch", "git clone failed: %w", err)
	}
	if needCheckout && s.Ref != defaultGitRef {
		if err := f.Runner.Run(f.git(ctx, dir, "checkout", s.Ref)); err != nil {
			return nil, errorf(ErrNetwork, title, s.Identity(), "fetch", "git checkout %s failed: %w", s.Ref, err)
		}
	}
	commit, err := output(f.Runner, f.git(ctx, dir, "rev-parse", "HEAD"))
	if err != nil {
		return nil, newError(ErrNetwork, title, s.Identity(), "fetch", err)
	}
	// The clone itself is not part of the build tree.
	if err := os.RemoveAll(filepath.Join(dir, ".git")); err != nil {
		return nil, newError(ErrBuild, title, s.Identity(), "fetch", err)
	}
	return &SourceTree{Source: s, Dir: dir, Commit: commit}, nil
}

// syncCachedRepo keeps one full clone per default repository below the
// downloads directory and checks out s.Ref in it.
func (f *Fetcher) syncCachedRepo(ctx context.Context, s *GitSource) (string, error) {
	repoPath := Cache{Downloads: f.Downloads}.GitDir(s.Program)
	title := s.Program.Title()

	if !dirExists(filepath.Join(repoPath, ".git")) {
		step("Cloning %s from %s @%s", title, s.Repo, s.Ref)
		if err := os.MkdirAll(filepath.Dir(repoPath), 0o755); err != nil {
			return "", err
		}
		os.RemoveAll(repoPath)
		args, _ := gitCloneArgs(s.Repo, s.Ref, true)
		if err := f.Runner.Run(f.git(ctx, "", append(args, s.Repo, repoPath)...)); err != nil {
			os.RemoveAll(repoPath)
			return "", fmt.Errorf("git clone failed: %w", err)
		}
	} else {
		step("Cloning %s from %s @%s (cached)", title, s.Repo, s.Ref)
		if _, err := output(f.Runner, f.git(ctx, repoPath, "rev-parse", "--quiet", "--verify", s.Ref+"^{commit}")); err != nil {
			if err := f.Runner.Run(f.git(ctx, repoPath, "fetch")); err != nil {
				return "", fmt.Errorf("git fetch failed: %w", err)
			}
		}
	}

	if err := f.Runner.Run(f.git(ctx, repoPath, "checkout", s.Ref)); err != nil {
		return "", fmt.Errorf("git checkout %s failed: %w", s.Ref, err)
	}
	// On a branch rather than a detached HEAD: bring it up to date.
	if _, err := output(f.Runner, f.git(ctx, repoPath, "symbolic-ref", "-q", "HEAD")); err == nil {
		if err := f.Runner.Run(f.git(ctx, repoPath, "pull", "--rebase")); err != nil {
			return "", fmt.Errorf("git pull failed: %w", err)
		}
	}
	return repoPath, nil
}
