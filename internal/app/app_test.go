package app

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mozilla-conduit/git-hg-sync/internal/config"
	"github.com/mozilla-conduit/git-hg-sync/internal/events"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	path := writeConfigFixture(t)
	cfg, err := config.FromFile(path)
	require.NoError(t, err)
	return cfg
}

func writeConfigFixture(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := dir + "/config.toml"
	contents := `
[pulse]
userid = "guest"
host = "pulse.example"
port = 5671
exchange = "exchange/git-hg-sync"
routing_key = "#"
queue = "git-hg-sync"
password = "secret"

[clones]
directory = "` + dir + `/clones"

[[tracked_repositories]]
name = "example"
url = "https://git.example/example"
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestHandlePush_UntrackedRepo(t *testing.T) {
	cfg := testConfig(t)
	application := New(cfg, nil)

	err := application.HandlePush(context.Background(), events.Push{
		RepoURL:  "https://git.example/not-tracked",
		Branches: map[string]string{"esr128": "c1"},
	})

	assert.NoError(t, err)
}

func TestHandlePush_NoMatchingMapping(t *testing.T) {
	cfg := testConfig(t)
	application := New(cfg, nil)

	err := application.HandlePush(context.Background(), events.Push{
		RepoURL:  "https://git.example/example",
		Branches: map[string]string{"unmapped-branch": "c1"},
	})

	assert.NoError(t, err)
}
