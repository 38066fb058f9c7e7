// Package repoclient implements typed HTTP access to the upstream
// plugin repository: catalogue listing, plugin and version metadata,
// update dependency metadata, download-info resolution, and artifact
// hashing — each bounded by one of two fair-FIFO concurrency budgets.
package repoclient

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/semaphore"

	"github.com/plugin-registry/pluginindexer/internal/apierrors"
	"github.com/plugin-registry/pluginindexer/internal/metrics"
	"github.com/plugin-registry/pluginindexer/internal/model"
)

const maxRedirects = 10

// Config controls the client's concurrency budgets and upstream address.
type Config struct {
	BaseURL             string
	MaxSmallConcurrency int64
	MaxLargeConcurrency int64
	// PluginDetailsCacheSize bounds the in-run LRU cache of resolved
	// plugin-details lookups. Zero disables caching.
	PluginDetailsCacheSize int
}

// DefaultConfig returns the budgets the spec names as defaults.
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:                baseURL,
		MaxSmallConcurrency:    32,
		MaxLargeConcurrency:    4,
		PluginDetailsCacheSize: 4096,
	}
}

// Client is the upstream repository client. The zero value is not
// usable; construct with New.
type Client struct {
	baseURL string
	http    *http.Client

	small *semaphore.Weighted
	large *semaphore.Weighted

	metrics *metrics.Registry

	detailsCache *lru.Cache[string, model.Plugin]
}

// New constructs a Client. metricsReg must be non-nil (use
// metrics.NewNoop() when metrics export is not wired).
func New(cfg Config, metricsReg *metrics.Registry) (*Client, error) {
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 20,
		IdleConnTimeout:     30 * time.Second,
		ForceAttemptHTTP2:   true,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   5 * time.Second,
		ResponseHeaderTimeout: 15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	httpClient := &http.Client{
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			return nil
		},
	}

	var cache *lru.Cache[string, model.Plugin]
	if cfg.PluginDetailsCacheSize > 0 {
		c, err := lru.New[string, model.Plugin](cfg.PluginDetailsCacheSize)
		if err != nil {
			return nil, fmt.Errorf("repoclient: construct details cache: %w", err)
		}
		cache = c
	}

	return &Client{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		http:         httpClient,
		small:        semaphore.NewWeighted(cfg.MaxSmallConcurrency),
		large:        semaphore.NewWeighted(cfg.MaxLargeConcurrency),
		metrics:      metricsReg,
		detailsCache: cache,
	}, nil
}

func (c *Client) withSmall(ctx context.Context, fn func() error) error {
	if err := c.small.Acquire(ctx, 1); err != nil {
		return err
	}
	c.metrics.RepoSmallInFlight.Inc()
	defer func() {
		c.metrics.RepoSmallInFlight.Dec()
		c.small.Release(1)
	}()
	return fn()
}

func (c *Client) withLarge(ctx context.Context, fn func() error) error {
	if err := c.large.Acquire(ctx, 1); err != nil {
		return err
	}
	c.metrics.RepoLargeInFlight.Inc()
	defer func() {
		c.metrics.RepoLargeInFlight.Dec()
		c.large.Release(1)
	}()
	return fn()
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	reqURL := c.baseURL + path

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return fmt.Errorf("repoclient: build request for %s: %w", reqURL, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("repoclient: GET %s: %w", reqURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &apierrors.HTTPStatusError{URL: reqURL, StatusCode: resp.StatusCode}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &apierrors.DecodeError{Op: "GET " + reqURL, Err: err}
	}
	return nil
}

// FetchAllXMLIDs returns the full set of plugin xml-ids the upstream
// catalogue currently lists.
func (c *Client) FetchAllXMLIDs(ctx context.Context) (map[string]struct{}, error) {
	var ids []string
	err := c.withSmall(ctx, func() error {
		return c.getJSON(ctx, "/files/pluginsXMLIds.json", &ids)
	})
	if err != nil {
		return nil, err
	}

	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set, nil
}

// FetchPluginDetails resolves the numeric id backing an xml-id,
// consulting the in-run cache first when one is configured.
func (c *Client) FetchPluginDetails(ctx context.Context, xmlID string) (model.Plugin, error) {
	if c.detailsCache != nil {
		if p, ok := c.detailsCache.Get(xmlID); ok {
			return p, nil
		}
	}

	var wire struct {
		XMLID     string `json:"xmlId"`
		NumericID int64  `json:"id"`
	}

	err := c.withSmall(ctx, func() error {
		return c.getJSON(ctx, "/api/plugins/intellij/"+url.PathEscape(xmlID), &wire)
	})
	if err != nil {
		return model.Plugin{}, err
	}

	plugin := model.Plugin{XMLID: wire.XMLID, NumericID: wire.NumericID}
	if c.detailsCache != nil {
		c.detailsCache.Add(xmlID, plugin)
	}
	return plugin, nil
}

// FetchPluginVersions lists every remote version known for a plugin, in
// the order the upstream catalogue reports them.
func (c *Client) FetchPluginVersions(ctx context.Context, numericID int64) ([]model.RemoteVersion, error) {
	var wire []struct {
		UpdateID int64  `json:"id"`
		Version  string `json:"version"`
		Channel  string `json:"channel"`
	}

	err := c.withSmall(ctx, func() error {
		return c.getJSON(ctx, fmt.Sprintf("/api/plugins/%d/updateVersions", numericID), &wire)
	})
	if err != nil {
		return nil, err
	}

	versions := make([]model.RemoteVersion, 0, len(wire))
	for _, w := range wire {
		versions = append(versions, model.RemoteVersion{
			UpdateID: w.UpdateID,
			Version:  w.Version,
			// Channel is kept verbatim, including empty strings: the
			// design treats normalization as a read-side concern of
			// catalogue emission, not something the client or store does.
			Channel: w.Channel,
		})
	}
	return versions, nil
}

// FetchUpdateMetadata returns the required and optional dependency
// xml-ids declared by an update.
func (c *Client) FetchUpdateMetadata(ctx context.Context, numericID, updateID int64) (model.UpdateMetadata, error) {
	var wire struct {
		Dependencies         []string `json:"dependencies"`
		OptionalDependencies []string `json:"optionalDependencies"`
	}

	err := c.withSmall(ctx, func() error {
		return c.getJSON(ctx, fmt.Sprintf("/files/%d/%d/meta.json", numericID, updateID), &wire)
	})
	if err != nil {
		return model.UpdateMetadata{}, err
	}

	return model.UpdateMetadata{
		Dependencies:         wire.Dependencies,
		OptionalDependencies: wire.OptionalDependencies,
	}, nil
}

// ResolveUpdateDownloadInfo follows the update's download redirect chain
// to the final URL and extracts the etag and filename, if present.
func (c *Client) ResolveUpdateDownloadInfo(ctx context.Context, updateID int64) (model.DownloadInfo, error) {
	var info model.DownloadInfo

	err := c.withSmall(ctx, func() error {
		reqURL := fmt.Sprintf("%s/plugin/download?updateId=%d", c.baseURL, updateID)
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, reqURL, nil)
		if err != nil {
			return fmt.Errorf("repoclient: build download-info request: %w", err)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("repoclient: resolve download info for update %d: %w", updateID, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return &apierrors.HTTPStatusError{URL: reqURL, StatusCode: resp.StatusCode}
		}

		info = model.DownloadInfo{
			URL:      resp.Request.URL.String(),
			ETag:     parseETag(resp.Header.Get("ETag")),
			FileName: parseContentDispositionFileName(resp.Header.Get("Content-Disposition")),
		}
		return nil
	})

	return info, err
}

// parseETag accepts only the strict quoted form ("value") and returns
// nil for weak validators (W/"value") or anything else malformed,
// matching the original resolver's strip_prefix/strip_suffix behavior.
func parseETag(raw string) *string {
	trimmed, ok := strings.CutPrefix(raw, `"`)
	if !ok {
		return nil
	}
	value, ok := strings.CutSuffix(trimmed, `"`)
	if !ok {
		return nil
	}
	return &value
}

func parseContentDispositionFileName(raw string) *string {
	if raw == "" {
		return nil
	}
	_, params, err := mime.ParseMediaType(raw)
	if err != nil {
		return nil
	}
	name := params["filename"]
	if name == "" {
		return nil
	}
	return &name
}

// hashSidecar is the wire shape of the "<url>.hash.json" fast path.
type hashSidecar struct {
	Algorithm string `json:"algorithm"`
	Hash      string `json:"hash"`
}

// HashDownloadURL resolves the content hash of a download artifact,
// preferring the published ".hash.json" sidecar and falling back to a
// streamed SHA-256 computation when the sidecar is absent.
func (c *Client) HashDownloadURL(ctx context.Context, downloadURL string) (model.ContentHash, error) {
	hash, ok, err := c.tryHashSidecar(ctx, downloadURL)
	if err != nil {
		return model.ContentHash{}, err
	}
	if ok {
		return hash, nil
	}

	c.metrics.HashFallbackTotal.Inc()
	return c.streamAndHash(ctx, downloadURL)
}

// tryHashSidecar attempts the "<url>.hash.json" fast path. ok is false
// (with a nil error) when the sidecar is absent (400, 403, or 404),
// signaling the caller to fall back to streaming.
func (c *Client) tryHashSidecar(ctx context.Context, downloadURL string) (hash model.ContentHash, ok bool, err error) {
	err = c.withSmall(ctx, func() error {
		sidecarURL := downloadURL + ".hash.json"
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodGet, sidecarURL, nil)
		if reqErr != nil {
			return fmt.Errorf("repoclient: build hash sidecar request: %w", reqErr)
		}

		resp, doErr := c.http.Do(req)
		if doErr != nil {
			return fmt.Errorf("repoclient: GET %s: %w", sidecarURL, doErr)
		}
		defer resp.Body.Close()

		switch resp.StatusCode {
		case http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound:
			ok = false
			return nil
		case http.StatusOK:
			var wire hashSidecar
			if decErr := json.NewDecoder(resp.Body).Decode(&wire); decErr != nil {
				return &apierrors.DecodeError{Op: "GET " + sidecarURL, Err: decErr}
			}
			raw, b64Err := base64.StdEncoding.DecodeString(wire.Hash)
			if b64Err != nil {
				return &apierrors.DecodeError{Op: "base64 decode hash for " + sidecarURL, Err: b64Err}
			}
			hash = model.ContentHash{Algorithm: wire.Algorithm, Value: raw}
			ok = true
			return nil
		default:
			return &apierrors.HTTPStatusError{URL: sidecarURL, StatusCode: resp.StatusCode}
		}
	})

	if err != nil {
		return model.ContentHash{}, false, err
	}
	return hash, ok, nil
}

// streamAndHash downloads the full artifact under the large-request
// budget, computing its SHA-256 digest without buffering the body.
func (c *Client) streamAndHash(ctx context.Context, downloadURL string) (model.ContentHash, error) {
	var hash model.ContentHash

	err := c.withLarge(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
		if err != nil {
			return fmt.Errorf("repoclient: build streaming hash request: %w", err)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("repoclient: GET %s: %w", downloadURL, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return &apierrors.HTTPStatusError{URL: downloadURL, StatusCode: resp.StatusCode}
		}

		digest := sha256.New()
		if _, err := io.Copy(digest, resp.Body); err != nil {
			return fmt.Errorf("repoclient: stream %s: %w", downloadURL, err)
		}

		hash = model.ContentHash{Algorithm: "SHA-256", Value: digest.Sum(nil)}
		return nil
	})

	return hash, err
}
