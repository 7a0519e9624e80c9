package main

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mozilla-conduit/git-hg-sync/internal/config"
	"github.com/mozilla-conduit/git-hg-sync/internal/sync"
	"github.com/mozilla-conduit/git-hg-sync/pkg/log"
)

var fetchrepoCmd = &cobra.Command{
	Use:   "fetchrepo",
	Short: "Pre-warm a local clone workspace",
	Long: `Create and configure the clone workspace for one tracked repository, or
all of them with --fetch-all, ahead of the first event that needs it.
With --fetch-all, also warms cinnabar metadata against every statically-known
(non-backreference) destination remote those repositories map to.`,
	RunE: runFetchrepo,
}

func init() {
	fetchrepoCmd.Flags().StringP("repo-url", "r", "", "source repository URL to warm")
	fetchrepoCmd.Flags().Bool("fetch-all", false, "warm every tracked repository's clone")
}

func runFetchrepo(cmd *cobra.Command, _ []string) error {
	cfgPath, _ := cmd.Flags().GetString("config")
	repoURL, _ := cmd.Flags().GetString("repo-url")
	fetchAll, _ := cmd.Flags().GetBool("fetch-all")

	cfg, err := config.FromFile(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if !fetchAll && repoURL == "" {
		return fmt.Errorf("either --repo-url or --fetch-all is required")
	}

	logger := log.WithComponent("fetchrepo")
	ctx := context.Background()

	for _, repo := range cfg.TrackedRepositories {
		if !fetchAll && repo.URL != repoURL {
			continue
		}
		logger.Info().Str("repo", repo.URL).Msg("warming clone")
		synchronizer := sync.New(repo.URL, filepath.Join(cfg.Clones.Directory, repo.Name))
		if err := synchronizer.Warm(ctx); err != nil {
			return fmt.Errorf("warming clone for %s: %w", repo.URL, err)
		}

		if !fetchAll {
			continue
		}
		for _, dest := range staticDestinations(cfg, repo.URL) {
			logger.Info().Str("repo", repo.URL).Str("destination", dest).Msg("warming destination remote")
			if err := synchronizer.WarmDestination(ctx, dest); err != nil {
				return fmt.Errorf("warming destination %s for %s: %w", dest, repo.URL, err)
			}
		}
	}

	return nil
}

// staticDestinations returns the distinct, literal (non-backreference)
// destination URLs that sourceURL's branch and tag mappings target.
// Destination URLs containing a `$` substitution placeholder depend on the
// matched branch/tag name and cannot be resolved without a live event, so
// they are skipped here (SPEC_FULL.md "Supplemented features").
func staticDestinations(cfg *config.Config, sourceURL string) []string {
	seen := map[string]bool{}
	var destinations []string
	add := func(candidateSourceURL, destinationURL string) {
		if candidateSourceURL != sourceURL || strings.Contains(destinationURL, "$") {
			return
		}
		if seen[destinationURL] {
			return
		}
		seen[destinationURL] = true
		destinations = append(destinations, destinationURL)
	}
	for _, m := range cfg.BranchMappings {
		add(m.SourceURL, m.DestinationURL)
	}
	for _, m := range cfg.TagMappings {
		add(m.SourceURL, m.DestinationURL)
	}
	return destinations
}
