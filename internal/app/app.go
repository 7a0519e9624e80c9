// Package app wires the Mapping Engine and the per-source Repository
// Synchronizer registry behind a single dispatcher.Handler, and applies
// the outer retry policy around each destination sync (spec §4.4, §7).
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/mozilla-conduit/git-hg-sync/internal/config"
	"github.com/mozilla-conduit/git-hg-sync/internal/events"
	"github.com/mozilla-conduit/git-hg-sync/internal/ledger"
	"github.com/mozilla-conduit/git-hg-sync/internal/mapping"
	"github.com/mozilla-conduit/git-hg-sync/internal/retry"
	"github.com/mozilla-conduit/git-hg-sync/internal/sync"
	"github.com/mozilla-conduit/git-hg-sync/pkg/log"
	"github.com/mozilla-conduit/git-hg-sync/pkg/metrics"
)

// outerRetry is the Application-level retry wrapped around each
// destination's Synchronizer.Sync call, orthogonal to the Synchronizer's
// own internal per-step retries (spec §4.4). MercurialMetadataNotFoundError
// is excluded from retry: spec §4.3.10 calls it "a configuration or
// ordering bug, not a transient fault; not retried by the Application."
var outerRetry = retry.Option{
	Tries: 3,
	Delay: 5 * time.Second,
	NonRetryable: func(err error) bool {
		var metadataErr *sync.MercurialMetadataNotFoundError
		return errors.As(err, &metadataErr)
	},
}

// Application owns the Mapping Engine and one Synchronizer per tracked
// source repository.
type Application struct {
	engine        *mapping.Engine
	tracked       map[string]bool
	synchronizers map[string]*sync.Synchronizer
	clonesRootDir string
	ledger        *ledger.Ledger
}

// New builds an Application from a resolved configuration. ledgerDB may
// be nil, in which case applied pushes are not audited to disk.
func New(cfg *config.Config, ledgerDB *ledger.Ledger) *Application {
	tracked := make(map[string]bool, len(cfg.TrackedRepositories))
	synchronizers := make(map[string]*sync.Synchronizer, len(cfg.TrackedRepositories))
	for _, repo := range cfg.TrackedRepositories {
		tracked[repo.URL] = true
		synchronizers[repo.URL] = sync.New(repo.URL, filepath.Join(cfg.Clones.Directory, repo.Name))
	}

	return &Application{
		engine:        &mapping.Engine{Mappings: cfg.Mappings()},
		tracked:       tracked,
		synchronizers: synchronizers,
		clonesRootDir: cfg.Clones.Directory,
		ledger:        ledgerDB,
	}
}

// HandlePush implements dispatcher.Handler. It drops events for untracked
// source repositories (after logging), expands the event through the
// Mapping Engine, and drives one retried Synchronizer.Sync call per
// destination.
func (a *Application) HandlePush(ctx context.Context, push events.Push) error {
	traceID := uuid.NewString()
	logger := log.WithPushID(push.PushID).With().
		Str("repo", push.RepoURL).
		Str("trace_id", traceID).
		Logger()

	if !a.tracked[push.RepoURL] {
		logger.Warn().Msg("push event for untracked repository, ignoring")
		metrics.PushEventsTotal.WithLabelValues("untracked").Inc()
		return nil
	}

	operationsByDestination, err := a.engine.Expand(push)
	if err != nil {
		return fmt.Errorf("expanding push event for %s: %w", push.RepoURL, err)
	}
	if len(operationsByDestination) == 0 {
		logger.Info().Msg("no operation")
		return nil
	}

	synchronizer := a.synchronizers[push.RepoURL]

	for destinationURL, operations := range operationsByDestination {
		ops := operations
		dest := destinationURL
		destLogger := log.WithDestination(dest).With().
			Str("repo", push.RepoURL).
			Str("trace_id", traceID).
			Logger()

		if a.ledger != nil {
			applied, err := a.ledger.WasApplied(dest, push.PushID)
			if err != nil {
				destLogger.Warn().Err(err).Msg("failed to query ledger, proceeding with sync")
			} else if applied {
				destLogger.Info().Msg("push already applied to this destination, skipping")
				continue
			}
		}

		err := retry.Do(
			fmt.Sprintf("sync %s -> %s", push.RepoURL, dest),
			outerRetry,
			func() error {
				return synchronizer.Sync(ctx, dest, ops, push.User)
			},
		)
		if err != nil {
			serialized, marshalErr := json.Marshal(ops)
			if marshalErr != nil {
				serialized = []byte(fmt.Sprintf("%v", ops))
			}
			destLogger.Error().
				Err(err).
				RawJSON("operations", serialized).
				Msg("sync failed after retries")
			return fmt.Errorf("syncing %s to %s: %w", push.RepoURL, dest, err)
		}

		if a.ledger != nil {
			if err := a.ledger.RecordApplied(ledger.Record{
				DestinationURL: dest,
				PushID:         push.PushID,
				RepoURL:        push.RepoURL,
				AppliedAt:      time.Now(),
			}); err != nil {
				destLogger.Warn().Err(err).Msg("failed to record ledger entry")
			}
		}
	}

	return nil
}
