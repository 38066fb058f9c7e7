package catalog_test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plugin-registry/pluginindexer/internal/catalog"
	"github.com/plugin-registry/pluginindexer/internal/model"
)

type fakeStream struct {
	items []model.Plugin
	idx   int
}

func (s *fakeStream) Next() bool {
	if s.idx >= len(s.items) {
		return false
	}
	s.idx++
	return true
}
func (s *fakeStream) Plugin() model.Plugin { return s.items[s.idx-1] }
func (s *fakeStream) Err() error           { return nil }
func (s *fakeStream) Close() error         { return nil }

type fakeStore struct {
	plugins  []model.Plugin
	versions map[string][]model.Version
	updates  map[int64]model.Update
}

func (s *fakeStore) StreamPlugins(ctx context.Context) (catalog.PluginStream, error) {
	return &fakeStream{items: s.plugins}, nil
}

func (s *fakeStore) GetVersionsForPlugin(ctx context.Context, xmlID string) ([]model.Version, error) {
	return s.versions[xmlID], nil
}

func (s *fakeStore) GetUpdate(ctx context.Context, updateID int64) (model.Update, error) {
	return s.updates[updateID], nil
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestGenerateWritesPartitionedMetadataAndIndex(t *testing.T) {
	downloadURL := "https://example.com/foo-1.0.zip"
	hashAlgo := "SHA-256"
	hash := []byte{1, 2, 3}

	st := &fakeStore{
		plugins: []model.Plugin{{XMLID: "com.example.foo", NumericID: 42}},
		versions: map[string][]model.Version{
			"com.example.foo": {
				{PluginXMLID: "com.example.foo", Version: "1.0", Channel: "", UpdateID: 1000},
			},
		},
		updates: map[int64]model.Update{
			1000: {UpdateID: 1000, Stale: false, DownloadURL: &downloadURL, HashAlgo: &hashAlgo, Hash: hash},
		},
	}

	outDir := t.TempDir()
	gen := catalog.New(st, outDir, newLogger())
	require.NoError(t, gen.Generate(context.Background()))

	sum := sha256.Sum256([]byte("com.example.foo"))
	digest := hex.EncodeToString(sum[:])
	metaPath := filepath.Join(outDir, digest[0:2], digest[2:4], digest[4:], "metadata.json")

	data, err := os.ReadFile(metaPath)
	require.NoError(t, err)

	var meta struct {
		XMLID    string `json:"xmlId"`
		Versions []struct {
			Version string `json:"version"`
			Channel string `json:"channel"`
			Hash    string `json:"hash"`
		} `json:"versions"`
	}
	require.NoError(t, json.Unmarshal(data, &meta))
	assert.Equal(t, "com.example.foo", meta.XMLID)
	require.Len(t, meta.Versions, 1)
	assert.Equal(t, "stable", meta.Versions[0].Channel)
	assert.Equal(t, hex.EncodeToString(hash), meta.Versions[0].Hash)

	indexData, err := os.ReadFile(filepath.Join(outDir, "index.json"))
	require.NoError(t, err)
	var index struct {
		Plugins []struct {
			XMLID string `json:"xmlId"`
			Path  string `json:"path"`
		} `json:"plugins"`
	}
	require.NoError(t, json.Unmarshal(indexData, &index))
	require.Len(t, index.Plugins, 1)
	assert.Equal(t, "com.example.foo", index.Plugins[0].XMLID)
}

func TestGenerateOmitsStaleUpdates(t *testing.T) {
	st := &fakeStore{
		plugins: []model.Plugin{{XMLID: "com.example.foo", NumericID: 42}},
		versions: map[string][]model.Version{
			"com.example.foo": {
				{PluginXMLID: "com.example.foo", Version: "1.0", Channel: "", UpdateID: 1000},
			},
		},
		updates: map[int64]model.Update{
			1000: {UpdateID: 1000, Stale: true},
		},
	}

	outDir := t.TempDir()
	gen := catalog.New(st, outDir, newLogger())
	require.NoError(t, gen.Generate(context.Background()))

	indexData, err := os.ReadFile(filepath.Join(outDir, "index.json"))
	require.NoError(t, err)
	var index struct {
		Plugins []any `json:"plugins"`
	}
	require.NoError(t, json.Unmarshal(indexData, &index))
	assert.Empty(t, index.Plugins, "a plugin whose only update is stale should be omitted entirely")
}

func TestGenerateNormalizesChannel(t *testing.T) {
	st := &fakeStore{
		plugins: []model.Plugin{{XMLID: "com.example.foo", NumericID: 42}},
		versions: map[string][]model.Version{
			"com.example.foo": {
				{PluginXMLID: "com.example.foo", Version: "1.0", Channel: "  EAP ", UpdateID: 1000},
			},
		},
		updates: map[int64]model.Update{
			1000: {UpdateID: 1000, Stale: false},
		},
	}

	outDir := t.TempDir()
	gen := catalog.New(st, outDir, newLogger())
	require.NoError(t, gen.Generate(context.Background()))

	sum := sha256.Sum256([]byte("com.example.foo"))
	digest := hex.EncodeToString(sum[:])
	metaPath := filepath.Join(outDir, digest[0:2], digest[2:4], digest[4:], "metadata.json")

	data, err := os.ReadFile(metaPath)
	require.NoError(t, err)
	var meta struct {
		Versions []struct {
			Channel string `json:"channel"`
		} `json:"versions"`
	}
	require.NoError(t, json.Unmarshal(data, &meta))
	require.Len(t, meta.Versions, 1)
	assert.Equal(t, "eap", meta.Versions[0].Channel)
}
