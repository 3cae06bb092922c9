package netstore

import (
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
)

// Downloader fetches weight files over HTTP into a local cache directory.
type Downloader struct {
	CacheDir string // directory to cache files
	BaseURL  string // base URL, joined with the network name
	Client   *http.Client
}

// NewDownloader creates a downloader with default settings. An empty
// cacheDir uses the platform networks directory.
func NewDownloader(cacheDir, baseURL string) (*Downloader, error) {
	if cacheDir == "" {
		var err error
		cacheDir, err = NetworksDir()
		if err != nil {
			return nil, err
		}
	}
	return &Downloader{
		CacheDir: cacheDir,
		BaseURL:  baseURL,
		Client:   &http.Client{Timeout: 5 * time.Minute},
	}, nil
}

// HasFile reports whether a weight file is already cached.
func (d *Downloader) HasFile(name string) bool {
	_, err := os.Stat(filepath.Join(d.CacheDir, name))
	return err == nil
}

// Fetch downloads one weight file unless it is already cached, and returns
// the local path. The file lands under a temporary name first so a failed
// download never leaves a partial file behind.
func (d *Downloader) Fetch(name string) (string, error) {
	if err := os.MkdirAll(d.CacheDir, 0755); err != nil {
		return "", err
	}

	path := filepath.Join(d.CacheDir, name)
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}

	tmpPath := path + ".tmp"
	out, err := os.Create(tmpPath)
	if err != nil {
		return "", err
	}
	defer out.Close()

	url := d.BaseURL + name
	resp, err := d.Client.Get(url)
	if err != nil {
		os.Remove(tmpPath)
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		os.Remove(tmpPath)
		return "", fmt.Errorf("downloading %s: HTTP %d: %s", name, resp.StatusCode, resp.Status)
	}

	written, err := io.Copy(out, resp.Body)
	if err != nil {
		os.Remove(tmpPath)
		return "", err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmpPath)
		return "", err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return "", err
	}

	log.Printf("downloaded %s (%s)", name, humanize.Bytes(uint64(written)))
	return path, nil
}
