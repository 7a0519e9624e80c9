// Package vcs wraps the source-VCS binary (git) and its cinnabar
// subcommand as subprocess invocations. Every invocation is treated as a
// fallible IPC call returning (stdout, stderr, exit code); stderr
// substring matching for a handful of known sentinels is part of the
// contract and is kept stable (spec §9 "Helper-subcommand invocation").
package vcs

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// CommandError carries the full result of a failed subprocess invocation.
type CommandError struct {
	Args     []string
	Stdout   string
	Stderr   string
	ExitCode int
	Err      error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command %q failed (exit %d): %s", strings.Join(e.Args, " "), e.ExitCode, strings.TrimSpace(e.Stderr))
}

func (e *CommandError) Unwrap() error { return e.Err }

// HasStderrPrefix reports whether the wrapped stderr begins with prefix,
// used for the empty-destination sentinel check.
func (e *CommandError) HasStderrPrefix(prefix string) bool {
	return strings.HasPrefix(e.Stderr, prefix)
}

// HasStderrSubstring reports whether the wrapped stderr contains substr,
// used for the tag already-exists sentinel check.
func (e *CommandError) HasStderrSubstring(substr string) bool {
	return strings.Contains(e.Stderr, substr)
}

// Repo is a thin handle on a local clone workspace plus extra environment
// variables attached to every subprocess call it makes.
type Repo struct {
	Dir string
	Env []string // extra "KEY=VALUE" entries appended to the subprocess environment
}

// run executes `git <args...>` inside the repo directory, with Env
// appended, and classifies failures as a *CommandError.
func (r *Repo) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = r.Dir
	if len(r.Env) > 0 {
		cmd.Env = append(cmd.Environ(), r.Env...)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		exitCode := -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
		return stdout.String(), &CommandError{
			Args:     append([]string{"git"}, args...),
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
			ExitCode: exitCode,
			Err:      err,
		}
	}
	return stdout.String(), nil
}

// Init creates an empty git workspace at Dir if one does not already
// exist, or is a no-op if it does (spec §4.3.1: "create ... on first
// call ... reused across events").
func Init(ctx context.Context, dir string) (*Repo, error) {
	repo := &Repo{Dir: dir}
	if _, err := exec.CommandContext(ctx, "git", "-C", dir, "rev-parse", "--git-dir").Output(); err == nil {
		return repo, nil
	}
	if err := exec.CommandContext(ctx, "mkdir", "-p", dir).Run(); err != nil {
		return nil, fmt.Errorf("creating clone directory %s: %w", dir, err)
	}
	if _, err := repo.run(ctx, "init"); err != nil {
		return nil, fmt.Errorf("initializing clone at %s: %w", dir, err)
	}
	return repo, nil
}

// SetEnv replaces the extra environment entries attached to every
// subsequent subprocess call, including the commit-creating ones (spec
// §4.3.4).
func (r *Repo) SetEnv(env []string) { r.Env = env }

// EnsureRemote adds a remote named name pointing at url, or repoints an
// existing remote of that name.
func (r *Repo) EnsureRemote(ctx context.Context, name, url string) error {
	if _, err := r.run(ctx, "remote", "add", name, url); err != nil {
		if _, err := r.run(ctx, "remote", "set-url", name, url); err != nil {
			return fmt.Errorf("setting remote %s to %s: %w", name, url, err)
		}
	}
	return nil
}

// ConfigureCinnabar (re)applies the fixed cinnabar experimental-features
// configuration (spec §4.3.1). Idempotent.
func (r *Repo) ConfigureCinnabar(ctx context.Context) error {
	_, err := r.run(ctx, "config", "cinnabar.experiments", "branch,tag,git_commit,merge")
	if err != nil {
		return fmt.Errorf("configuring cinnabar experiments: %w", err)
	}
	return nil
}

// HasCinnabarMetadata reports whether refs/cinnabar/metadata already
// exists in the workspace.
func (r *Repo) HasCinnabarMetadata(ctx context.Context) bool {
	_, err := r.run(ctx, "rev-parse", "--verify", "--quiet", "refs/cinnabar/metadata")
	return err == nil
}

// FetchGraft runs `git -c cinnabar.graft=true fetch <remote>`, used to
// bootstrap cinnabar metadata from a destination remote (spec §4.3.2).
func (r *Repo) FetchGraft(ctx context.Context, remote string) error {
	_, err := r.run(ctx, "-c", "cinnabar.graft=true", "fetch", remote)
	return err
}

// Fetch runs `git fetch <remote> <refs...>`.
func (r *Repo) Fetch(ctx context.Context, remote string, refs ...string) error {
	args := append([]string{"fetch", remote}, refs...)
	_, err := r.run(ctx, args...)
	return err
}

// PushDryRunForceData runs the metadata-forcing dry-run push of spec
// §4.3.6: `git -c cinnabar.data=force push --dry-run <remote> <refspecs...>`.
func (r *Repo) PushDryRunForceData(ctx context.Context, remote string, refspecs []string) error {
	args := append([]string{"-c", "cinnabar.data=force", "push", "--dry-run", remote}, refspecs...)
	_, err := r.run(ctx, args...)
	return err
}

// Push runs `git push <remote> <refspec>`, optionally forced.
func (r *Repo) Push(ctx context.Context, remote, refspec string, force bool) error {
	args := []string{"push"}
	if force {
		args = append(args, "-f")
	}
	args = append(args, remote, refspec)
	_, err := r.run(ctx, args...)
	return err
}

// FetchBranchForce fetches remoteRef from remote into the local branch
// localBranch, forcing the update (spec §4.3.7).
func (r *Repo) FetchBranchForce(ctx context.Context, remote, remoteRef, localBranch string) error {
	refspec := fmt.Sprintf("+%s:refs/heads/%s", remoteRef, localBranch)
	_, err := r.run(ctx, "fetch", remote, refspec)
	return err
}

// CreateBranch creates a local branch pointing at commit. It returns an
// error if the branch already exists.
func (r *Repo) CreateBranch(ctx context.Context, branch, commit string) error {
	_, err := r.run(ctx, "branch", branch, commit)
	return err
}

// BranchExists reports whether a local branch exists.
func (r *Repo) BranchExists(ctx context.Context, branch string) bool {
	_, err := r.run(ctx, "rev-parse", "--verify", "--quiet", "refs/heads/"+branch)
	return err == nil
}

// RemoteRefExists probes a remote for the existence of ref (spec §4.3.9).
func (r *Repo) RemoteRefExists(ctx context.Context, remote, ref string) (bool, error) {
	out, err := r.run(ctx, "ls-remote", remote, ref)
	if err != nil {
		return false, fmt.Errorf("listing remote refs on %s: %w", remote, err)
	}
	return strings.TrimSpace(out) != "", nil
}

// CinnabarTagList runs `git cinnabar tag --list` and returns the listed
// tag names.
func (r *Repo) CinnabarTagList(ctx context.Context) ([]string, error) {
	out, err := r.run(ctx, "cinnabar", "tag", "--list")
	if err != nil {
		return nil, fmt.Errorf("listing cinnabar tags: %w", err)
	}
	var tags []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			tags = append(tags, line)
		}
	}
	return tags, nil
}

// Git2Hg runs `git cinnabar git2hg <gitCommit>` and returns the trimmed
// result.
func (r *Repo) Git2Hg(ctx context.Context, gitCommit string) (string, error) {
	out, err := r.run(ctx, "cinnabar", "git2hg", gitCommit)
	if err != nil {
		return "", fmt.Errorf("resolving git2hg for %s: %w", gitCommit, err)
	}
	return strings.TrimSpace(out), nil
}

// CinnabarTag creates a tag commit via `git cinnabar tag` (spec §4.3.8).
func (r *Repo) CinnabarTag(ctx context.Context, message, ontoBranch, tag, commit string) error {
	_, err := r.run(ctx, "cinnabar", "tag",
		"--message", message,
		"--onto", "refs/heads/"+ontoBranch,
		tag, commit,
	)
	return err
}

// IsAllZero reports whether s consists only of '0' characters, the
// sentinel cinnabar uses for "no mapping found" (spec §4.3.8 step 2).
func IsAllZero(s string) bool {
	for _, c := range s {
		if c != '0' {
			return false
		}
	}
	return len(s) > 0
}
