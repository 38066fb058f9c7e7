// Package catalog implements the static on-disk catalogue generator:
// a straightforward serialization pass over the store's persisted
// plugins, partitioned by the SHA-256 hash of each plugin's xml_id.
package catalog

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/plugin-registry/pluginindexer/internal/model"
	"github.com/plugin-registry/pluginindexer/internal/store"
)

// PluginStream mirrors engine.PluginStream so this package does not
// need to import engine for a single shared type.
type PluginStream interface {
	Next() bool
	Plugin() model.Plugin
	Err() error
	Close() error
}

// Store is the subset of the store the catalogue generator reads from.
type Store interface {
	StreamPlugins(ctx context.Context) (PluginStream, error)
	GetVersionsForPlugin(ctx context.Context, xmlID string) ([]model.Version, error)
	GetUpdate(ctx context.Context, updateID int64) (model.Update, error)
}

// pluginMetadata is the shape written to each plugin's metadata.json.
type pluginMetadata struct {
	XMLID    string            `json:"xmlId"`
	Versions []versionMetadata `json:"versions"`
}

type versionMetadata struct {
	Version     string  `json:"version"`
	Channel     string  `json:"channel"`
	DownloadURL *string `json:"downloadUrl,omitempty"`
	FileName    *string `json:"fileName,omitempty"`
	HashAlgo    *string `json:"hashAlgorithm,omitempty"`
	Hash        *string `json:"hash,omitempty"`
}

// indexEntry is one row of the top-level index.json manifest.
type indexEntry struct {
	XMLID string `json:"xmlId"`
	Path  string `json:"path"`
}

// Generator writes the static catalogue to an output directory.
type Generator struct {
	store     Store
	outputDir string
	logger    *slog.Logger
}

// New constructs a Generator.
func New(st Store, outputDir string, logger *slog.Logger) *Generator {
	return &Generator{store: st, outputDir: outputDir, logger: logger}
}

// storeAdapter adapts a concrete *store.Store to Store: store.Store's
// StreamPlugins returns the concrete *store.PluginStream rather than the
// PluginStream interface, so its method signature does not match the one
// Store requires and production callers wrap it here. Test doubles
// implement Store directly.
type storeAdapter struct{ *store.Store }

// NewStore adapts a concrete *store.Store for production wiring.
func NewStore(s *store.Store) Store {
	return storeAdapter{s}
}

func (a storeAdapter) StreamPlugins(ctx context.Context) (PluginStream, error) {
	return a.Store.StreamPlugins(ctx)
}

// Generate streams every persisted plugin, writes its partitioned
// metadata.json, and finally writes the top-level index.json manifest.
// Updates still marked stale are omitted from a version's output
// entirely, per the staleness protocol. The plugin stream is read to the
// end and closed before any per-plugin reads, since the store runs every
// statement on one connection that an open stream holds.
func (g *Generator) Generate(ctx context.Context) error {
	stream, err := g.store.StreamPlugins(ctx)
	if err != nil {
		return fmt.Errorf("catalog: stream plugins: %w", err)
	}
	defer stream.Close()

	var plugins []model.Plugin
	for stream.Next() {
		plugins = append(plugins, stream.Plugin())
	}
	if err := stream.Err(); err != nil {
		return fmt.Errorf("catalog: stream plugins: %w", err)
	}
	stream.Close()

	var index []indexEntry

	for _, plugin := range plugins {
		entry, err := g.writePlugin(ctx, plugin)
		if err != nil {
			return fmt.Errorf("catalog: write plugin %s: %w", plugin.XMLID, err)
		}
		if entry != nil {
			index = append(index, *entry)
		}
	}

	sort.Slice(index, func(i, j int) bool { return index[i].XMLID < index[j].XMLID })

	return g.writeIndex(index)
}

func (g *Generator) writePlugin(ctx context.Context, plugin model.Plugin) (*indexEntry, error) {
	versions, err := g.store.GetVersionsForPlugin(ctx, plugin.XMLID)
	if err != nil {
		return nil, fmt.Errorf("get versions: %w", err)
	}

	meta := pluginMetadata{XMLID: plugin.XMLID}

	for _, v := range versions {
		update, err := g.store.GetUpdate(ctx, v.UpdateID)
		if err != nil {
			return nil, fmt.Errorf("get update %d: %w", v.UpdateID, err)
		}
		if update.Stale {
			continue
		}

		meta.Versions = append(meta.Versions, versionMetadata{
			Version:     v.Version,
			Channel:     normalizeChannel(v.Channel),
			DownloadURL: update.DownloadURL,
			FileName:    update.FileName,
			HashAlgo:    update.HashAlgo,
			Hash:        hexOrNil(update.Hash),
		})
	}

	if len(meta.Versions) == 0 {
		return nil, nil
	}

	sort.Slice(meta.Versions, func(i, j int) bool { return meta.Versions[i].Version < meta.Versions[j].Version })

	relPath := partitionPath(plugin.XMLID)
	dir := filepath.Join(g.outputDir, relPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create partition directory: %w", err)
	}

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "metadata.json"), data, 0o644); err != nil {
		return nil, fmt.Errorf("write metadata.json: %w", err)
	}

	return &indexEntry{XMLID: plugin.XMLID, Path: relPath}, nil
}

func (g *Generator) writeIndex(entries []indexEntry) error {
	data, err := json.MarshalIndent(struct {
		Plugins []indexEntry `json:"plugins"`
	}{Plugins: entries}, "", "  ")
	if err != nil {
		return fmt.Errorf("catalog: marshal index: %w", err)
	}

	if err := os.MkdirAll(g.outputDir, 0o755); err != nil {
		return fmt.Errorf("catalog: create output directory: %w", err)
	}

	if err := os.WriteFile(filepath.Join(g.outputDir, "index.json"), data, 0o644); err != nil {
		return fmt.Errorf("catalog: write index.json: %w", err)
	}

	g.logger.Info("catalogue written", "plugins", len(entries), "output_directory", g.outputDir)
	return nil
}

// partitionPath hex-digests xmlID's SHA-256 and splits the 64 hex
// characters into the three-level path the design specifies: hex chars
// 0-1, 2-3, then the remaining 4-63.
func partitionPath(xmlID string) string {
	sum := sha256.Sum256([]byte(xmlID))
	digest := hex.EncodeToString(sum[:])
	return filepath.Join(digest[0:2], digest[2:4], digest[4:])
}

func hexOrNil(b []byte) *string {
	if len(b) == 0 {
		return nil
	}
	s := hex.EncodeToString(b)
	return &s
}

// normalizeChannel is the read-side normalization the design notes
// call for: empty maps to "stable", everything else is lowercased. The
// store itself retains the original string untouched.
func normalizeChannel(channel string) string {
	channel = strings.ToLower(strings.TrimSpace(channel))
	if channel == "" {
		return "stable"
	}
	return channel
}
