// Package engine implements the reconciliation algorithm: the prologue
// that computes plugin-set differences, the purge of vanished plugins,
// and the dispatch tree that brings versions, dependency metadata, and
// download/hash info up to date.
package engine

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/plugin-registry/pluginindexer/internal/dispatcher"
	"github.com/plugin-registry/pluginindexer/internal/model"
	"github.com/plugin-registry/pluginindexer/internal/repoclient"
	"github.com/plugin-registry/pluginindexer/internal/stats"
	"github.com/plugin-registry/pluginindexer/internal/store"
)

// PluginStream is a lazy, finite, not-restartable sequence of persisted
// plugins, matching the shape of *store.PluginStream without requiring
// engine's tests to construct one against a real database.
type PluginStream interface {
	Next() bool
	Plugin() model.Plugin
	Err() error
	Close() error
}

// Store is the subset of store.Store the engine depends on.
type Store interface {
	KnownPluginXMLIDs(ctx context.Context) (map[string]struct{}, error)
	StreamPlugins(ctx context.Context) (PluginStream, error)
	DeletePluginByXMLID(ctx context.Context, xmlID string) error
	AddPlugin(ctx context.Context, p model.Plugin) error
	AddUpdate(ctx context.Context, updateID int64) error
	AddPluginVersion(ctx context.Context, v model.Version) error
	GetVersionsForPlugin(ctx context.Context, xmlID string) ([]model.Version, error)
	RemovePluginVersion(ctx context.Context, xmlID, version string) error
	AddUpdateDependency(ctx context.Context, d model.UpdateDependency) error
	PruneUpdateDependenciesNotIn(ctx context.Context, updateID int64, keep []string) error
	MarkAllUpdatesStale(ctx context.Context) error
	MarkUpdateNotStale(ctx context.Context, updateID int64) (bool, error)
	GetUpdate(ctx context.Context, updateID int64) (model.Update, error)
	ChangeUpdateInfo(ctx context.Context, u model.Update) error
}

// RepoClient is the subset of repoclient.Client the engine depends on.
type RepoClient interface {
	FetchAllXMLIDs(ctx context.Context) (map[string]struct{}, error)
	FetchPluginDetails(ctx context.Context, xmlID string) (model.Plugin, error)
	FetchPluginVersions(ctx context.Context, numericID int64) ([]model.RemoteVersion, error)
	FetchUpdateMetadata(ctx context.Context, numericID, updateID int64) (model.UpdateMetadata, error)
	ResolveUpdateDownloadInfo(ctx context.Context, updateID int64) (model.DownloadInfo, error)
	HashDownloadURL(ctx context.Context, url string) (model.ContentHash, error)
}

var _ RepoClient = (*repoclient.Client)(nil)

// storeAdapter adapts *store.Store to the Store interface: Go requires
// exact method-signature matches for interface satisfaction, and
// *store.Store.StreamPlugins returns the concrete *store.PluginStream
// rather than the PluginStream interface, so a thin wrapper is needed
// here rather than in the store package (which has no reason to depend
// on engine's interfaces).
type storeAdapter struct {
	*store.Store
}

// NewStore wraps a *store.Store for use as an engine Store.
func NewStore(s *store.Store) Store {
	return storeAdapter{s}
}

func (a storeAdapter) StreamPlugins(ctx context.Context) (PluginStream, error) {
	return a.Store.StreamPlugins(ctx)
}

// Engine runs one reconciliation pass. The zero value is not usable;
// construct with New.
type Engine struct {
	store             Store
	repo              RepoClient
	dispatcher        *dispatcher.Dispatcher
	accountant        *stats.Accountant
	sender            stats.Sender
	logger            *slog.Logger
	pruneDependencies bool
}

// New constructs an Engine. pruneDependencies enables the
// --prune-dependencies opt-in described in the design notes on
// dependency pruning; the spec's default is append-only (false).
func New(st Store, repo RepoClient, d *dispatcher.Dispatcher, acct *stats.Accountant, logger *slog.Logger, pruneDependencies bool) *Engine {
	return &Engine{
		store:             st,
		repo:              repo,
		dispatcher:        d,
		accountant:        acct,
		sender:            acct.Sender(),
		logger:            logger,
		pruneDependencies: pruneDependencies,
	}
}

// Sync runs one full reconciliation pass: the three-operation prologue,
// the serial purge, the seed-task dispatch, and the race between
// dispatcher quiescence and the accountant's never-terminating consumer
// loop. It returns the accountant's final snapshot.
func (e *Engine) Sync(ctx context.Context) (stats.Snapshot, error) {
	acctDone := make(chan struct{})
	go func() {
		e.accountant.Run(ctx)
		close(acctDone)
	}()

	if err := e.prologueAndDispatch(ctx); err != nil {
		e.accountant.Close()
		<-acctDone
		return stats.Snapshot{}, err
	}

	select {
	case <-e.dispatcher.Quiescence():
	case <-acctDone:
	}

	e.accountant.Close()
	<-acctDone

	return e.accountant.Snapshot(), nil
}

func (e *Engine) prologueAndDispatch(ctx context.Context) error {
	var known, remote map[string]struct{}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		known, err = e.store.KnownPluginXMLIDs(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		remote, err = e.repo.FetchAllXMLIDs(gctx)
		return err
	})
	g.Go(func() error {
		return e.store.MarkAllUpdatesStale(gctx)
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("engine: prologue: %w", err)
	}

	for xmlID := range known {
		if _, ok := remote[xmlID]; ok {
			continue
		}
		if err := e.store.DeletePluginByXMLID(ctx, xmlID); err != nil {
			return fmt.Errorf("engine: purge %s: %w", xmlID, err)
		}
	}

	if err := e.dispatcher.Dispatch(ctx, "seed:sync-known-plugins", e.syncKnownPlugins); err != nil {
		return fmt.Errorf("engine: dispatch sync-known-plugins: %w", err)
	}

	var newIDs []string
	for xmlID := range remote {
		if _, ok := known[xmlID]; !ok {
			newIDs = append(newIDs, xmlID)
		}
	}
	if err := e.dispatcher.Dispatch(ctx, "seed:sync-new-plugins", func(ctx context.Context) error {
		return e.syncNewPlugins(ctx, newIDs)
	}); err != nil {
		return fmt.Errorf("engine: dispatch sync-new-plugins: %w", err)
	}

	e.dispatcher.Close()
	return nil
}

// syncKnownPlugins iterates every persisted plugin and dispatches
// sync_plugin for each. A mid-stream error is reported as a problem and
// ends the loop early rather than failing the seed task outright.
func (e *Engine) syncKnownPlugins(ctx context.Context) error {
	stream, err := e.store.StreamPlugins(ctx)
	if err != nil {
		return fmt.Errorf("engine: stream plugins: %w", err)
	}
	defer stream.Close()

	for stream.Next() {
		plugin := stream.Plugin()
		if err := e.dispatcher.Dispatch(ctx, "sync_plugin", func(ctx context.Context) error {
			return e.syncPlugin(ctx, plugin)
		}); err != nil {
			e.sender.SendProblem("sync-known-plugins", err)
		}
	}
	if err := stream.Err(); err != nil {
		e.sender.SendProblem("sync-known-plugins", err)
	}
	return nil
}

func (e *Engine) syncNewPlugins(ctx context.Context, xmlIDs []string) error {
	for _, xmlID := range xmlIDs {
		xmlID := xmlID
		if err := e.dispatcher.Dispatch(ctx, "sync_new_plugin", func(ctx context.Context) error {
			return e.syncNewPlugin(ctx, xmlID)
		}); err != nil {
			e.sender.SendProblem("sync-new-plugins", err)
		}
	}
	return nil
}

// syncNewPlugin fetches a newly-seen plugin's details, persists it, and
// dispatches its version sync.
func (e *Engine) syncNewPlugin(ctx context.Context, xmlID string) error {
	plugin, err := e.repo.FetchPluginDetails(ctx, xmlID)
	if err != nil {
		return fmt.Errorf("engine: fetch plugin details for %s: %w", xmlID, err)
	}

	if err := e.store.AddPlugin(ctx, plugin); err != nil {
		return fmt.Errorf("engine: add plugin %s: %w", xmlID, err)
	}

	return e.dispatcher.Dispatch(ctx, "sync_plugin", func(ctx context.Context) error {
		return e.syncPlugin(ctx, plugin)
	})
}

// syncPlugin reconciles one plugin's version set against the remote
// listing, dispatching dependency and update-metadata sync for every
// remote version as it goes, then removes cached versions no longer
// reported remotely.
func (e *Engine) syncPlugin(ctx context.Context, plugin model.Plugin) error {
	var remoteVersions []model.RemoteVersion
	var cachedVersions []model.Version

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		remoteVersions, err = e.repo.FetchPluginVersions(gctx, plugin.NumericID)
		return err
	})
	g.Go(func() error {
		var err error
		cachedVersions, err = e.store.GetVersionsForPlugin(gctx, plugin.XMLID)
		return err
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("engine: sync_plugin %s: %w", plugin.XMLID, err)
	}

	remoteUpdateIDs := make(map[int64]struct{}, len(remoteVersions))

	for _, v := range remoteVersions {
		remoteUpdateIDs[v.UpdateID] = struct{}{}

		if err := e.store.AddUpdate(ctx, v.UpdateID); err != nil {
			return fmt.Errorf("engine: sync_plugin %s: %w", plugin.XMLID, err)
		}

		if err := e.store.AddPluginVersion(ctx, model.Version{
			PluginXMLID: plugin.XMLID,
			Version:     v.Version,
			Channel:     v.Channel,
			UpdateID:    v.UpdateID,
		}); err != nil {
			return fmt.Errorf("engine: sync_plugin %s: %w", plugin.XMLID, err)
		}

		v := v
		if err := e.dispatcher.Dispatch(ctx, "sync_update_dependency_meta", func(ctx context.Context) error {
			return e.syncUpdateDependencyMeta(ctx, plugin, v)
		}); err != nil {
			e.sender.SendProblem("sync_plugin:"+plugin.XMLID, err)
		}

		transitioned, err := e.store.MarkUpdateNotStale(ctx, v.UpdateID)
		if err != nil {
			return fmt.Errorf("engine: sync_plugin %s: mark update %d not stale: %w", plugin.XMLID, v.UpdateID, err)
		}
		if transitioned {
			updateID := v.UpdateID
			if err := e.dispatcher.Dispatch(ctx, "sync_update_meta", func(ctx context.Context) error {
				return e.syncUpdateMeta(ctx, updateID)
			}); err != nil {
				e.sender.SendProblem("sync_plugin:"+plugin.XMLID, err)
			}
		}
	}

	for _, cached := range cachedVersions {
		if _, ok := remoteUpdateIDs[cached.UpdateID]; ok {
			continue
		}
		if err := e.store.RemovePluginVersion(ctx, plugin.XMLID, cached.Version); err != nil {
			return fmt.Errorf("engine: sync_plugin %s: remove stale version %s: %w", plugin.XMLID, cached.Version, err)
		}
	}

	return nil
}

// syncUpdateDependencyMeta fetches and upserts an update's dependency
// graph. Dependency metadata is cheap and re-fetched every run by
// design; rows for vanished dependencies are pruned only when
// pruneDependencies is enabled.
func (e *Engine) syncUpdateDependencyMeta(ctx context.Context, plugin model.Plugin, v model.RemoteVersion) error {
	meta, err := e.repo.FetchUpdateMetadata(ctx, plugin.NumericID, v.UpdateID)
	if err != nil {
		return fmt.Errorf("engine: fetch update metadata for update %d: %w", v.UpdateID, err)
	}

	seen := make([]string, 0, len(meta.Dependencies)+len(meta.OptionalDependencies))

	for _, dep := range meta.Dependencies {
		seen = append(seen, dep)
		if err := e.store.AddUpdateDependency(ctx, model.UpdateDependency{
			UpdateID: v.UpdateID, DependencyXMLID: dep, Optional: false,
		}); err != nil {
			return fmt.Errorf("engine: add update dependency %d->%s: %w", v.UpdateID, dep, err)
		}
	}
	for _, dep := range meta.OptionalDependencies {
		seen = append(seen, dep)
		if err := e.store.AddUpdateDependency(ctx, model.UpdateDependency{
			UpdateID: v.UpdateID, DependencyXMLID: dep, Optional: true,
		}); err != nil {
			return fmt.Errorf("engine: add optional update dependency %d->%s: %w", v.UpdateID, dep, err)
		}
	}

	if e.pruneDependencies {
		if err := e.store.PruneUpdateDependenciesNotIn(ctx, v.UpdateID, seen); err != nil {
			return fmt.Errorf("engine: prune update dependencies for %d: %w", v.UpdateID, err)
		}
	}

	return nil
}

// syncUpdateMeta resolves download info and hash for an update that
// just won the stale-arbitration CAS. The etag fast path skips hashing
// entirely when the resolved etag matches what's already stored.
func (e *Engine) syncUpdateMeta(ctx context.Context, updateID int64) error {
	var downloadInfo model.DownloadInfo
	var cached model.Update

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		downloadInfo, err = e.repo.ResolveUpdateDownloadInfo(gctx, updateID)
		return err
	})
	g.Go(func() error {
		var err error
		cached, err = e.store.GetUpdate(gctx, updateID)
		return err
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("engine: sync_update_meta %d: %w", updateID, err)
	}

	if downloadInfo.ETag != nil && cached.ETag != nil && *downloadInfo.ETag == *cached.ETag {
		return nil
	}

	hash, err := e.repo.HashDownloadURL(ctx, downloadInfo.URL)
	if err != nil {
		return fmt.Errorf("engine: hash download url for update %d: %w", updateID, err)
	}

	downloadURL := downloadInfo.URL
	hashAlgo := hash.Algorithm

	return e.store.ChangeUpdateInfo(ctx, model.Update{
		UpdateID:    updateID,
		ETag:        downloadInfo.ETag,
		FileName:    downloadInfo.FileName,
		DownloadURL: &downloadURL,
		HashAlgo:    &hashAlgo,
		Hash:        hash.Value,
	})
}
