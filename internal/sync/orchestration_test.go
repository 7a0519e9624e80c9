package sync

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mozilla-conduit/git-hg-sync/internal/mapping"
)

func discardLogger() zerolog.Logger {
	return zerolog.Nop()
}

// TestBootstrapCinnabarMetadata_SkipsWhenAlreadyPresent covers spec §4.3.2's
// first branch: an existing refs/cinnabar/metadata means no fetch at all.
func TestBootstrapCinnabarMetadata_SkipsWhenAlreadyPresent(t *testing.T) {
	s := &Synchronizer{SourceURL: "https://git.example/repo"}
	repo := newFakeRepo()
	repo.hasMetadata = true

	err := s.bootstrapCinnabarMetadata(context.Background(), repo, discardLogger())

	require.NoError(t, err)
	assert.Zero(t, repo.fetchGraftCall)
}

// TestBootstrapCinnabarMetadata_SwallowsEmptyDestinationSentinel covers the
// empty-destination case from spec §4.3.2. The fetch runs under
// retry.Default() (two tries) before the sentinel is checked.
func TestBootstrapCinnabarMetadata_SwallowsEmptyDestinationSentinel(t *testing.T) {
	s := &Synchronizer{SourceURL: "https://git.example/repo"}
	repo := newFakeRepo()
	repo.fetchGraftErr = fakeStderrError("fatal: couldn't find remote ref HEAD\n")

	err := s.bootstrapCinnabarMetadata(context.Background(), repo, discardLogger())

	require.NoError(t, err)
	assert.Equal(t, 2, repo.fetchGraftCall)
}

func TestBootstrapCinnabarMetadata_PropagatesOtherFailures(t *testing.T) {
	s := &Synchronizer{SourceURL: "https://git.example/repo"}
	repo := newFakeRepo()
	repo.fetchGraftErr = fakeStderrError("fatal: unexpected disconnect\n")

	err := s.bootstrapCinnabarMetadata(context.Background(), repo, discardLogger())

	require.Error(t, err)
	var syncErr *RepoSyncError
	assert.True(t, errors.As(err, &syncErr))
}

// TestCreateTags_SkipsExistingTag covers S3, duplicate tag delivery.
func TestCreateTags_SkipsExistingTag(t *testing.T) {
	s := &Synchronizer{}
	repo := newFakeRepo()
	repo.existingTags["FIREFOX_128_0esr_RELEASE"] = true

	ops := []*mapping.SyncTagOperation{
		{SourceCommit: "c2", Tag: "FIREFOX_128_0esr_RELEASE", TagsDestinationBranch: "tags-esr128"},
	}

	branches, err := s.createTags(context.Background(), repo, ops, discardLogger())

	require.NoError(t, err)
	assert.Empty(t, branches)
}

// TestCreateTags_MissingMetadataFails covers S7: a tag on a commit with no
// destination-VCS metadata must fail hard, not be retried.
func TestCreateTags_MissingMetadataFails(t *testing.T) {
	s := &Synchronizer{}
	repo := newFakeRepo()
	repo.git2hg["c9"] = "0000000000000000000000000000000000000000"

	ops := []*mapping.SyncTagOperation{
		{SourceCommit: "c9", Tag: "ORPHAN_TAG", TagsDestinationBranch: "tags-esr128"},
	}

	branches, err := s.createTags(context.Background(), repo, ops, discardLogger())

	require.Error(t, err)
	assert.Nil(t, branches)
	var metadataErr *MercurialMetadataNotFoundError
	assert.True(t, errors.As(err, &metadataErr))
	assert.Equal(t, "c9", metadataErr.SourceCommit)
}

// TestCreateTags_CreatesNewTag covers S2's tag-creation step: message
// format, and the tags-destination branch being queued for push.
func TestCreateTags_CreatesNewTag(t *testing.T) {
	s := &Synchronizer{}
	repo := newFakeRepo()
	repo.git2hg["c2"] = "abc123hgsha"

	ops := []*mapping.SyncTagOperation{
		{
			SourceCommit:          "c2",
			Tag:                   "FIREFOX_128_0esr_RELEASE",
			TagsDestinationBranch: "tags-esr128",
			TagMessageSuffix:      "a=tagging CLOSED TREE DONTBUILD",
		},
	}

	branches, err := s.createTags(context.Background(), repo, ops, discardLogger())

	require.NoError(t, err)
	assert.Equal(t, []string{"tags-esr128"}, branches)
	assert.True(t, repo.existingTags["FIREFOX_128_0esr_RELEASE"])
	assert.Contains(t, repo.lastTagMsg, "No bug - Tagging abc123hgsha with FIREFOX_128_0esr_RELEASE a=tagging CLOSED TREE DONTBUILD")
}

// TestCreateTags_ToleratesConcurrentRace covers the "already exists" race
// tolerated despite step 1 in spec §4.3.8.
func TestCreateTags_ToleratesConcurrentRace(t *testing.T) {
	s := &Synchronizer{}
	repo := newFakeRepo()
	repo.git2hg["c2"] = "abc123hgsha"
	repo.tagCreateErr = fakeStderrError("abort: tag 'FIREFOX_128_0esr_RELEASE' already exists\n")

	ops := []*mapping.SyncTagOperation{
		{SourceCommit: "c2", Tag: "FIREFOX_128_0esr_RELEASE", TagsDestinationBranch: "tags-esr128"},
	}

	branches, err := s.createTags(context.Background(), repo, ops, discardLogger())

	require.NoError(t, err)
	assert.Empty(t, branches)
}

func TestCreateTags_OtherCinnabarFailurePropagates(t *testing.T) {
	s := &Synchronizer{}
	repo := newFakeRepo()
	repo.git2hg["c2"] = "abc123hgsha"
	repo.tagCreateErr = fakeStderrError("fatal: disk full\n")

	ops := []*mapping.SyncTagOperation{
		{SourceCommit: "c2", Tag: "FIREFOX_128_0esr_RELEASE", TagsDestinationBranch: "tags-esr128"},
	}

	_, err := s.createTags(context.Background(), repo, ops, discardLogger())

	require.Error(t, err)
	var syncErr *RepoSyncError
	assert.True(t, errors.As(err, &syncErr))
}

// TestPrepareTagBranches_FetchesExistingRemoteBranch covers spec §4.3.7's
// first branch: the tags branch already exists on the destination.
func TestPrepareTagBranches_FetchesExistingRemoteBranch(t *testing.T) {
	s := &Synchronizer{}
	repo := newFakeRepo()
	repo.remoteRefs[branchTipRef("tags-esr128")] = true

	ops := []*mapping.SyncTagOperation{
		{SourceCommit: "c2", Tag: "T1", TagsDestinationBranch: "tags-esr128"},
	}

	err := s.prepareTagBranches(context.Background(), repo, ops, discardLogger())

	require.NoError(t, err)
	assert.True(t, repo.localBranches["tags-esr128"])
}

// TestPrepareTagBranches_CreatesLocalBranchWhenRemoteMissing covers spec
// §4.3.7's second branch: brand-new tags-destination branch.
func TestPrepareTagBranches_CreatesLocalBranchWhenRemoteMissing(t *testing.T) {
	s := &Synchronizer{}
	repo := newFakeRepo()

	ops := []*mapping.SyncTagOperation{
		{SourceCommit: "c2", Tag: "T1", TagsDestinationBranch: "tags-esr128"},
	}

	err := s.prepareTagBranches(context.Background(), repo, ops, discardLogger())

	require.NoError(t, err)
	assert.True(t, repo.localBranches["tags-esr128"])
}

// TestPushRefs_ForcesOnlyWhenDestinationMissing covers spec §4.3.9's
// force-probe rule.
func TestPushRefs_ForcesOnlyWhenDestinationMissing(t *testing.T) {
	s := &Synchronizer{}
	repo := newFakeRepo()
	refspec := "c2:refs/heads/branches/default/tip"

	err := s.pushRefs(context.Background(), repo, []string{refspec}, discardLogger())

	require.NoError(t, err)
	require.Equal(t, []string{refspec}, repo.pushedRefs)
	assert.True(t, repo.pushForce[refspec])
}

func TestPushRefs_NoForceWhenDestinationExists(t *testing.T) {
	s := &Synchronizer{}
	repo := newFakeRepo()
	refspec := "c2:refs/heads/branches/default/tip"
	repo.remoteRefs["refs/heads/branches/default/tip"] = true

	err := s.pushRefs(context.Background(), repo, []string{refspec}, discardLogger())

	require.NoError(t, err)
	assert.False(t, repo.pushForce[refspec])
}

func TestPushRefs_EmptyListIsNotAnError(t *testing.T) {
	s := &Synchronizer{}
	repo := newFakeRepo()

	err := s.pushRefs(context.Background(), repo, nil, discardLogger())

	require.NoError(t, err)
	assert.Empty(t, repo.pushedRefs)
}

// TestSync_BasicBranchPush covers scenario S1: a single branch push forces
// the destination ref on its first push.
func TestSync_BasicBranchPush(t *testing.T) {
	repo := newFakeRepo()
	repo.hasMetadata = true
	s := &Synchronizer{SourceURL: "https://git.example/repo", repo: repo}

	ops := []mapping.SyncOperation{
		{Branch: &mapping.SyncBranchOperation{SourceCommit: "c2", DestinationBranch: "default"}},
	}

	err := s.Sync(context.Background(), "https://hg.example/repo", ops, "ffxbld@mozilla.com")

	require.NoError(t, err)
	require.Equal(t, []string{"c2:refs/heads/branches/default/tip"}, repo.pushedRefs)
	assert.True(t, repo.pushForce["c2:refs/heads/branches/default/tip"])
	assert.Contains(t, repo.env, "GIT_AUTHOR_NAME=ffxbld")
}

// TestSync_PushAndTag covers scenario S2: a branch push plus a tag on the
// same commit lands a tag commit on the tags-destination branch, pushed
// after the branch refspec.
func TestSync_PushAndTag(t *testing.T) {
	repo := newFakeRepo()
	repo.hasMetadata = true
	repo.git2hg["c2"] = "deadbeef"
	s := &Synchronizer{SourceURL: "https://git.example/repo", repo: repo}

	ops := []mapping.SyncOperation{
		{Branch: &mapping.SyncBranchOperation{SourceCommit: "c2", DestinationBranch: "default"}},
		{Tag: &mapping.SyncTagOperation{
			SourceCommit:          "c2",
			Tag:                   "FIREFOX_128_0esr_RELEASE",
			TagsDestinationBranch: "tags-esr128",
			TagMessageSuffix:      "a=tagging CLOSED TREE DONTBUILD",
		}},
	}

	err := s.Sync(context.Background(), "https://hg.example/repo", ops, "ffxbld@mozilla.com")

	require.NoError(t, err)
	require.Equal(t, []string{
		"c2:refs/heads/branches/default/tip",
		"tags-esr128:refs/heads/branches/tags-esr128/tip",
	}, repo.pushedRefs)
	assert.Contains(t, repo.lastTagMsg, "No bug - Tagging deadbeef with FIREFOX_128_0esr_RELEASE")
}

// TestSync_DuplicateTagDeliveryIsIdempotent covers scenario S3: re-running
// Sync with the identical tag operation after it already landed does not
// create a second tag commit or push anything for that destination branch.
func TestSync_DuplicateTagDeliveryIsIdempotent(t *testing.T) {
	repo := newFakeRepo()
	repo.hasMetadata = true
	repo.git2hg["c2"] = "deadbeef"
	s := &Synchronizer{SourceURL: "https://git.example/repo", repo: repo}

	ops := []mapping.SyncOperation{
		{Tag: &mapping.SyncTagOperation{
			SourceCommit:          "c2",
			Tag:                   "FIREFOX_128_0esr_RELEASE",
			TagsDestinationBranch: "tags-esr128",
			TagMessageSuffix:      "a=tagging CLOSED TREE DONTBUILD",
		}},
	}

	require.NoError(t, s.Sync(context.Background(), "https://hg.example/repo", ops, "ffxbld@mozilla.com"))
	firstPushCount := len(repo.pushedRefs)
	require.Equal(t, 1, firstPushCount)

	require.NoError(t, s.Sync(context.Background(), "https://hg.example/repo", ops, "ffxbld@mozilla.com"))

	assert.Len(t, repo.pushedRefs, firstPushCount, "re-delivery must not push the tags branch again")
}
