// Package cache stores downloaded campaign and game icons under
// DATA_DIR/cache, keyed by a hash of the source URL.
package cache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sorren/twitch-drops-harvester/internal/gql"
	"github.com/sorren/twitch-drops-harvester/internal/logger"
	"github.com/sorren/twitch-drops-harvester/internal/utils"
)

// ImageCache downloads icons once and serves them from disk afterwards.
type ImageCache struct {
	mu sync.Mutex
	// inflight prevents duplicate downloads of the same URL.
	inflight map[string]bool

	dir    string
	client *gql.Client
	log    *logger.Logger
}

// New creates an ImageCache rooted at dataDir/cache.
func New(dataDir string, client *gql.Client, log *logger.Logger) *ImageCache {
	return &ImageCache{
		inflight: make(map[string]bool),
		dir:      filepath.Join(dataDir, "cache"),
		client:   client,
		log:      log,
	}
}

// Path returns the on-disk path for a URL's cached image, whether or
// not it exists yet.
func (c *ImageCache) Path(url string) string {
	return filepath.Join(c.dir, utils.URLHash(url))
}

// PathForHash returns the on-disk path for an already-computed key,
// used when serving cached files by hash.
func (c *ImageCache) PathForHash(hash string) string {
	return filepath.Join(c.dir, filepath.Base(hash))
}

// Fetch returns the cached file path for a URL, downloading it first
// when missing.
func (c *ImageCache) Fetch(ctx context.Context, url string) (string, error) {
	if url == "" {
		return "", fmt.Errorf("empty image URL")
	}

	path := c.Path(url)
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}

	c.mu.Lock()
	if c.inflight[url] {
		c.mu.Unlock()
		return path, nil
	}
	c.inflight[url] = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.inflight, url)
		c.mu.Unlock()
	}()

	body, _, err := c.client.Get(ctx, url, nil)
	if err != nil {
		return "", fmt.Errorf("downloading %s: %w", url, err)
	}

	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return "", fmt.Errorf("creating cache directory: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, body, 0o644); err != nil {
		return "", fmt.Errorf("writing cached image: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("renaming cached image: %w", err)
	}

	c.log.Debug("Cached image", "url", url, "path", path)
	return path, nil
}
