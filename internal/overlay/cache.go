// Package overlay holds the per-frame transform applied to decoded video and
// the process-wide overlay image cache behind it.
package overlay

import (
	"context"
	"fmt"
	"image"
	"image/draw"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Image is a decoded overlay in straight-alpha RGBA.
type Image struct {
	Pix    []uint8
	Width  int
	Height int
}

// Cache loads overlay images on miss and keeps them until evicted. Nothing is
// evicted implicitly; sessions reuse the same handful of overlays.
type Cache struct {
	client *http.Client
	log    zerolog.Logger

	mu     sync.RWMutex
	images map[string]*Image
}

func NewCache(log zerolog.Logger) *Cache {
	return &Cache{
		client: &http.Client{Timeout: 10 * time.Second},
		log:    log,
		images: make(map[string]*Image),
	}
}

// Get returns the cached overlay for url, fetching and decoding it on miss.
func (c *Cache) Get(ctx context.Context, url string) (*Image, error) {
	if url == "" {
		return nil, fmt.Errorf("empty overlay url")
	}
	c.mu.RLock()
	img, ok := c.images[url]
	c.mu.RUnlock()
	if ok {
		return img, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("overlay request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch overlay: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch overlay: status %d", resp.StatusCode)
	}

	decoded, _, err := image.Decode(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("decode overlay: %w", err)
	}
	img = fromStdImage(decoded)

	c.mu.Lock()
	c.images[url] = img
	c.mu.Unlock()
	c.log.Debug().Str("url", url).
		Int("width", img.Width).Int("height", img.Height).
		Msg("overlay cached")
	return img, nil
}

// Evict removes one cached overlay.
func (c *Cache) Evict(url string) {
	c.mu.Lock()
	delete(c.images, url)
	c.mu.Unlock()
}

// EvictAll clears the cache.
func (c *Cache) EvictAll() {
	c.mu.Lock()
	c.images = make(map[string]*Image)
	c.mu.Unlock()
}

// Len reports how many overlays are cached.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.images)
}

func fromStdImage(src image.Image) *Image {
	b := src.Bounds()
	rgba := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(rgba, rgba.Bounds(), src, b.Min, draw.Src)
	return &Image{Pix: rgba.Pix, Width: b.Dx(), Height: b.Dy()}
}
