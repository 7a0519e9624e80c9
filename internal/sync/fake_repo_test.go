package sync

import (
	"context"
	"fmt"

	"github.com/mozilla-conduit/git-hg-sync/internal/vcs"
)

// fakeRepo is an in-memory stand-in for *vcs.Repo, letting the
// orchestration logic in sync.go (step ordering, idempotent skips, error
// classification) be exercised without shelling out to git/cinnabar.
type fakeRepo struct {
	hasMetadata    bool
	fetchGraftErr  error
	fetchGraftCall int

	remoteRefs map[string]bool // dst ref -> exists on the destination
	localBranches map[string]bool

	existingTags  map[string]bool
	git2hg        map[string]string
	tagCreateErr  error
	lastTagMsg    string

	pushedRefs []string
	pushForce  map[string]bool

	env []string
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		remoteRefs:    map[string]bool{},
		localBranches: map[string]bool{},
		existingTags:  map[string]bool{},
		git2hg:        map[string]string{},
		pushForce:     map[string]bool{},
	}
}

func (f *fakeRepo) ConfigureCinnabar(ctx context.Context) error { return nil }

func (f *fakeRepo) EnsureRemote(ctx context.Context, name, url string) error { return nil }

func (f *fakeRepo) HasCinnabarMetadata(ctx context.Context) bool { return f.hasMetadata }

func (f *fakeRepo) FetchGraft(ctx context.Context, remote string) error {
	f.fetchGraftCall++
	if f.fetchGraftErr != nil {
		return f.fetchGraftErr
	}
	f.hasMetadata = true
	return nil
}

func (f *fakeRepo) Fetch(ctx context.Context, remote string, refs ...string) error { return nil }

func (f *fakeRepo) SetEnv(env []string) { f.env = env }

func (f *fakeRepo) PushDryRunForceData(ctx context.Context, remote string, refspecs []string) error {
	return nil
}

func (f *fakeRepo) RemoteRefExists(ctx context.Context, remote, ref string) (bool, error) {
	return f.remoteRefs[ref], nil
}

func (f *fakeRepo) FetchBranchForce(ctx context.Context, remote, remoteRef, localBranch string) error {
	f.localBranches[localBranch] = true
	return nil
}

func (f *fakeRepo) BranchExists(ctx context.Context, branch string) bool {
	return f.localBranches[branch]
}

func (f *fakeRepo) CreateBranch(ctx context.Context, branch, commit string) error {
	f.localBranches[branch] = true
	return nil
}

func (f *fakeRepo) CinnabarTagList(ctx context.Context) ([]string, error) {
	var tags []string
	for t := range f.existingTags {
		tags = append(tags, t)
	}
	return tags, nil
}

func (f *fakeRepo) Git2Hg(ctx context.Context, gitCommit string) (string, error) {
	return f.git2hg[gitCommit], nil
}

func (f *fakeRepo) CinnabarTag(ctx context.Context, message, ontoBranch, tag, commit string) error {
	if f.tagCreateErr != nil {
		return f.tagCreateErr
	}
	f.lastTagMsg = message
	f.existingTags[tag] = true
	return nil
}

func (f *fakeRepo) Push(ctx context.Context, remote, refspec string, force bool) error {
	f.pushedRefs = append(f.pushedRefs, refspec)
	f.pushForce[refspec] = force
	return nil
}

// fakeStderrError builds a *vcs.CommandError carrying only the stderr text
// the sentinel-matching helpers inspect.
func fakeStderrError(stderr string) error {
	return &vcs.CommandError{
		Args:   []string{"git", "fetch"},
		Stderr: stderr,
		Err:    fmt.Errorf("exit status 128"),
	}
}
