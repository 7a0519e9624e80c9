// Package sync implements the Repository Synchronizer: one instance per
// tracked source repository, driving a local clone through fetch,
// metadata annotation, tag creation, and push for a single destination
// (spec §4.3). It is the core of the service.
package sync

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/mozilla-conduit/git-hg-sync/internal/mapping"
	"github.com/mozilla-conduit/git-hg-sync/internal/retry"
	"github.com/mozilla-conduit/git-hg-sync/internal/vcs"
	"github.com/mozilla-conduit/git-hg-sync/pkg/log"
	"github.com/mozilla-conduit/git-hg-sync/pkg/metrics"
)

const (
	// emptyDestinationSentinel is the stderr prefix cinnabar reports when
	// grafting from a destination that has no HEAD yet (spec §4.3.2).
	emptyDestinationSentinel = "fatal: couldn't find remote ref HEAD"
	// tagAlreadyExistsSentinel is the stderr substring cinnabar reports on
	// the race described in spec §4.3.8.
	tagAlreadyExistsSentinel = "already exists"

	remoteSource      = "source"
	remoteDestination = "destination"

	branchRefPrefix = "refs/heads/branches/"
	branchRefSuffix = "/tip"
)

// repoBackend is the seam between Synchronizer's orchestration logic and
// the subprocess-backed *vcs.Repo. It exists so the orchestration in this
// file — step ordering, idempotent skips, error classification — can be
// tested against a fake without shelling out to git/cinnabar. *vcs.Repo
// implements it.
type repoBackend interface {
	ConfigureCinnabar(ctx context.Context) error
	EnsureRemote(ctx context.Context, name, url string) error
	HasCinnabarMetadata(ctx context.Context) bool
	FetchGraft(ctx context.Context, remote string) error
	Fetch(ctx context.Context, remote string, refs ...string) error
	SetEnv(env []string)
	PushDryRunForceData(ctx context.Context, remote string, refspecs []string) error
	RemoteRefExists(ctx context.Context, remote, ref string) (bool, error)
	FetchBranchForce(ctx context.Context, remote, remoteRef, localBranch string) error
	BranchExists(ctx context.Context, branch string) bool
	CreateBranch(ctx context.Context, branch, commit string) error
	CinnabarTagList(ctx context.Context) ([]string, error)
	Git2Hg(ctx context.Context, gitCommit string) (string, error)
	CinnabarTag(ctx context.Context, message, ontoBranch, tag, commit string) error
	Push(ctx context.Context, remote, refspec string, force bool) error
}

var _ repoBackend = (*vcs.Repo)(nil)

// Synchronizer owns exactly one clone workspace for one tracked source
// repository and drives it through Sync calls for any number of
// destinations (spec §4.3, §5 "Shared resources").
type Synchronizer struct {
	SourceURL string
	CloneDir  string

	repo repoBackend
}

// New returns a Synchronizer for sourceURL backed by a clone at cloneDir.
// The clone is not created until the first Sync call.
func New(sourceURL, cloneDir string) *Synchronizer {
	return &Synchronizer{SourceURL: sourceURL, CloneDir: cloneDir}
}

// Warm performs clone acquisition (spec §4.3.1) without running a sync,
// so the `fetchrepo` CLI subcommand can pre-warm a workspace ahead of the
// first event that needs it.
func (s *Synchronizer) Warm(ctx context.Context) error {
	_, err := s.ensureClone(ctx)
	return err
}

// WarmDestination pre-warms cinnabar metadata bootstrap against one
// statically-known destination remote, without fetching source commits or
// pushing anything. Used by the `fetchrepo --fetch-all` CLI path
// (SPEC_FULL.md "Supplemented features") to warm every literal destination
// a tracked source maps to, ahead of the first event that needs it.
func (s *Synchronizer) WarmDestination(ctx context.Context, destinationURL string) error {
	logger := log.WithRepo(s.SourceURL).With().Str("destination", destinationURL).Logger()

	repo, err := s.ensureClone(ctx)
	if err != nil {
		return err
	}
	if err := repo.EnsureRemote(ctx, remoteDestination, destinationRemoteURL(destinationURL)); err != nil {
		return err
	}
	return s.bootstrapCinnabarMetadata(ctx, repo, logger)
}

// destinationRemoteURL addresses a destination through the helper
// subcommand's hg:: transport scheme (spec §6).
func destinationRemoteURL(destinationURL string) string {
	return "hg::" + destinationURL
}

// branchTipRef is the refspec destination conventionally used for both
// code-bearing branches and tag-holding branches (spec §6).
func branchTipRef(branch string) string {
	return branchRefPrefix + branch + branchRefSuffix
}

// ensureClone implements clone acquisition (spec §4.3.1): create and
// configure the workspace on first call, or reuse and re-apply the fixed
// cinnabar configuration on every subsequent call.
func (s *Synchronizer) ensureClone(ctx context.Context) (repoBackend, error) {
	if s.repo == nil {
		repo, err := vcs.Init(ctx, s.CloneDir)
		if err != nil {
			return nil, fmt.Errorf("acquiring clone for %s: %w", s.SourceURL, err)
		}
		s.repo = repo
	}
	if err := s.repo.ConfigureCinnabar(ctx); err != nil {
		return nil, err
	}
	if err := s.repo.EnsureRemote(ctx, remoteSource, s.SourceURL); err != nil {
		return nil, err
	}
	return s.repo, nil
}

// Sync drives the clone through a single destination's sync operations
// (spec §4.3). requestUser attributes any commits the helper subcommand
// creates (tag commits).
func (s *Synchronizer) Sync(ctx context.Context, destinationURL string, operations []mapping.SyncOperation, requestUser string) error {
	logger := log.WithRepo(s.SourceURL).With().Str("destination", destinationURL).Logger()
	timer := metrics.NewTimer()

	err := s.doSync(ctx, destinationURL, operations, requestUser, logger)

	timer.ObserveDuration(metrics.SyncDuration)
	if err != nil {
		metrics.SyncTotal.WithLabelValues("failure").Inc()
		return err
	}
	metrics.SyncTotal.WithLabelValues("success").Inc()
	return nil
}

func (s *Synchronizer) doSync(ctx context.Context, destinationURL string, operations []mapping.SyncOperation, requestUser string, logger zerolog.Logger) error {
	repo, err := s.ensureClone(ctx)
	if err != nil {
		return err
	}
	if err := repo.EnsureRemote(ctx, remoteDestination, destinationRemoteURL(destinationURL)); err != nil {
		return err
	}

	if err := s.bootstrapCinnabarMetadata(ctx, repo, logger); err != nil {
		return err
	}

	if err := s.fetchSourceCommits(ctx, repo, operations); err != nil {
		return err
	}

	repo.SetEnv(attributionEnv(requestUser))

	branchOps, tagOps := partitionOperations(operations)

	var refsToPush []string
	for _, op := range branchOps {
		refsToPush = append(refsToPush, fmt.Sprintf("%s:%s", op.SourceCommit, branchTipRef(op.DestinationBranch)))
	}

	if err := s.forceMetadataDryRun(ctx, repo, branchOps, refsToPush); err != nil {
		return err
	}

	if err := s.prepareTagBranches(ctx, repo, tagOps, logger); err != nil {
		return err
	}

	tagBranchesToPush, err := s.createTags(ctx, repo, tagOps, logger)
	if err != nil {
		return err
	}
	for _, branch := range tagBranchesToPush {
		refsToPush = append(refsToPush, fmt.Sprintf("%s:%s", branch, branchTipRef(branch)))
	}

	return s.pushRefs(ctx, repo, refsToPush, logger)
}

// bootstrapCinnabarMetadata implements spec §4.3.2.
func (s *Synchronizer) bootstrapCinnabarMetadata(ctx context.Context, repo repoBackend, logger zerolog.Logger) error {
	if repo.HasCinnabarMetadata(ctx) {
		return nil
	}
	err := retry.Do("fetching commits from destination", retry.Default(), func() error {
		return repo.FetchGraft(ctx, remoteDestination)
	})
	if err == nil {
		return nil
	}
	var cmdErr *vcs.CommandError
	if errors.As(err, &cmdErr) && cmdErr.HasStderrPrefix(emptyDestinationSentinel) {
		return nil
	}
	return &RepoSyncError{Operation: "cinnabar metadata bootstrap", Err: err}
}

// fetchSourceCommits implements spec §4.3.3.
func (s *Synchronizer) fetchSourceCommits(ctx context.Context, repo repoBackend, operations []mapping.SyncOperation) error {
	commits := distinctSourceCommits(operations)
	if len(commits) == 0 {
		return nil
	}
	return retry.Do("fetch source commits", retry.Default(), func() error {
		return repo.Fetch(ctx, remoteSource, commits...)
	})
}

func distinctSourceCommits(operations []mapping.SyncOperation) []string {
	seen := map[string]bool{}
	var commits []string
	for _, op := range operations {
		var commit string
		switch {
		case op.Branch != nil:
			commit = op.Branch.SourceCommit
		case op.Tag != nil:
			commit = op.Tag.SourceCommit
		}
		if commit == "" || seen[commit] {
			continue
		}
		seen[commit] = true
		commits = append(commits, commit)
	}
	return commits
}

// attributionEnv implements spec §4.3.4.
func attributionEnv(requestUser string) []string {
	authorName := requestUser
	if idx := strings.Index(requestUser, "@"); idx >= 0 {
		authorName = requestUser[:idx]
	}
	return []string{
		"AUTOLAND_REQUEST_USER=" + requestUser,
		"GIT_AUTHOR_EMAIL=" + requestUser,
		"GIT_AUTHOR_NAME=" + authorName,
	}
}

// partitionOperations implements spec §4.3.5.
func partitionOperations(operations []mapping.SyncOperation) (branchOps []*mapping.SyncBranchOperation, tagOps []*mapping.SyncTagOperation) {
	for _, op := range operations {
		switch {
		case op.Branch != nil:
			branchOps = append(branchOps, op.Branch)
		case op.Tag != nil:
			tagOps = append(tagOps, op.Tag)
		}
	}
	return branchOps, tagOps
}

// forceMetadataDryRun implements spec §4.3.6. Per the Open Question in
// spec §9, this step is skipped whenever branchOps is empty, even if
// tagOps is non-empty; tags on commits unreachable from any pushed
// branch then fail explicitly at the metadata check in createTags.
func (s *Synchronizer) forceMetadataDryRun(ctx context.Context, repo repoBackend, branchOps []*mapping.SyncBranchOperation, branchRefspecs []string) error {
	if len(branchOps) == 0 {
		return nil
	}
	return retry.Do("metadata-forcing dry-run push", retry.Default(), func() error {
		return repo.PushDryRunForceData(ctx, remoteDestination, branchRefspecs)
	})
}

// prepareTagBranches implements spec §4.3.7.
func (s *Synchronizer) prepareTagBranches(ctx context.Context, repo repoBackend, tagOps []*mapping.SyncTagOperation, logger zerolog.Logger) error {
	seen := map[string]bool{}
	for _, op := range tagOps {
		branch := op.TagsDestinationBranch
		if seen[branch] {
			continue
		}
		seen[branch] = true

		exists, err := repo.RemoteRefExists(ctx, remoteDestination, branchTipRef(branch))
		if err != nil {
			return &RepoSyncError{Operation: op, Err: err}
		}
		if exists {
			if err := repo.FetchBranchForce(ctx, remoteDestination, branchTipRef(branch), branch); err != nil {
				return &RepoSyncError{Operation: op, Err: err}
			}
			continue
		}
		if !repo.BranchExists(ctx, branch) {
			if err := repo.CreateBranch(ctx, branch, op.SourceCommit); err != nil {
				return &RepoSyncError{Operation: op, Err: err}
			}
		}
	}
	return nil
}

// createTags implements spec §4.3.8, returning the ordered, deduplicated
// set of tags-destination branches that received a new tag commit.
func (s *Synchronizer) createTags(ctx context.Context, repo repoBackend, tagOps []*mapping.SyncTagOperation, logger zerolog.Logger) ([]string, error) {
	if len(tagOps) == 0 {
		return nil, nil
	}

	existing, err := repo.CinnabarTagList(ctx)
	if err != nil {
		return nil, &RepoSyncError{Operation: "list existing tags", Err: err}
	}
	existingTags := map[string]bool{}
	for _, t := range existing {
		existingTags[t] = true
	}

	var branchesToPush []string
	pushed := map[string]bool{}

	for _, op := range tagOps {
		if existingTags[op.Tag] {
			logger.Warn().Msg(fmt.Sprintf("tag %s already exists, skipping", op.Tag))
			continue
		}

		hgSHA, err := repo.Git2Hg(ctx, op.SourceCommit)
		if err != nil {
			return nil, &RepoSyncError{Operation: op, Err: err}
		}
		if hgSHA == "" || vcs.IsAllZero(hgSHA) {
			return nil, &MercurialMetadataNotFoundError{SourceCommit: op.SourceCommit}
		}

		message := fmt.Sprintf("No bug - Tagging %s with %s %s", hgSHA, op.Tag, op.TagMessageSuffix)
		err = repo.CinnabarTag(ctx, message, op.TagsDestinationBranch, op.Tag, op.SourceCommit)
		if err != nil {
			var cmdErr *vcs.CommandError
			if errors.As(err, &cmdErr) && cmdErr.HasStderrSubstring(tagAlreadyExistsSentinel) {
				logger.Warn().Msg(fmt.Sprintf("tag %s created concurrently, skipping", op.Tag))
				continue
			}
			return nil, &RepoSyncError{Operation: op, Err: err}
		}

		if !pushed[op.TagsDestinationBranch] {
			pushed[op.TagsDestinationBranch] = true
			branchesToPush = append(branchesToPush, op.TagsDestinationBranch)
		}
	}

	return branchesToPush, nil
}

// pushRefs implements spec §4.3.9: push each refspec separately, probing
// the destination first so the first push of a new ref is forced.
func (s *Synchronizer) pushRefs(ctx context.Context, repo repoBackend, refsToPush []string, logger zerolog.Logger) error {
	if len(refsToPush) == 0 {
		logger.Warn().Msg("no refs to push")
		return nil
	}

	for _, refspec := range refsToPush {
		parts := strings.SplitN(refspec, ":", 2)
		if len(parts) != 2 {
			return &RepoSyncError{Operation: refspec, Err: fmt.Errorf("malformed refspec %q", refspec)}
		}
		dst := parts[1]

		exists, err := repo.RemoteRefExists(ctx, remoteDestination, dst)
		if err != nil {
			return &RepoSyncError{Operation: refspec, Err: err}
		}
		force := !exists

		rs := refspec
		frc := force
		err = retry.Do("push ref "+rs, retry.Default(), func() error {
			return repo.Push(ctx, remoteDestination, rs, frc)
		})
		if err != nil {
			return &RepoSyncError{Operation: refspec, Err: err}
		}
		metrics.RefsPushedTotal.Inc()
	}
	return nil
}
