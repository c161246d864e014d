package media

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/IshaanNene/enemscrape/internal/types"
)

// Fetcher is the subset of fetcher.Fetcher the downloader needs.
type Fetcher interface {
	Fetch(ctx context.Context, req *types.Request) (*types.Response, error)
}

// DownloadResult tracks a downloaded file.
type DownloadResult struct {
	URL         string        `json:"url"`
	LocalPath   string        `json:"local_path"`
	Size        int64         `json:"size"`
	ContentType string        `json:"content_type"`
	Hash        string        `json:"hash"`
	Duration    time.Duration `json:"duration"`
}

// Downloader saves question images to deterministic paths. Each file is
// written to a temporary sibling and renamed into place, so a retried
// download replaces the previous attempt's file instead of leaving a
// partial one behind.
type Downloader struct {
	fetcher    Fetcher
	downloaded atomic.Int64
	bytes      atomic.Int64
	logger     *slog.Logger
}

// NewDownloader creates a new image downloader.
func NewDownloader(f Fetcher, logger *slog.Logger) *Downloader {
	return &Downloader{
		fetcher: f,
		logger:  logger.With("component", "media_downloader"),
	}
}

// Download fetches rawURL and writes it to localPath, creating parent
// directories as needed. Existing directories are not an error.
func (d *Downloader) Download(ctx context.Context, rawURL, localPath string) (*DownloadResult, error) {
	start := time.Now()

	req, err := types.NewRequest(rawURL)
	if err != nil {
		return nil, err
	}
	req.Tag = "image"

	resp, err := d.fetcher.Fetch(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", rawURL, err)
	}
	if !resp.IsSuccess() {
		return nil, &types.FetchError{URL: rawURL, StatusCode: resp.StatusCode, Err: types.ErrUnexpectedStatus}
	}

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return nil, fmt.Errorf("create image dir: %w", err)
	}
	if err := writeFileAtomic(localPath, resp.Body); err != nil {
		return nil, fmt.Errorf("write %s: %w", localPath, err)
	}

	sum := sha256.Sum256(resp.Body)
	hash := hex.EncodeToString(sum[:])
	d.downloaded.Add(1)
	d.bytes.Add(int64(len(resp.Body)))

	result := &DownloadResult{
		URL:         rawURL,
		LocalPath:   localPath,
		Size:        int64(len(resp.Body)),
		ContentType: resp.ContentType,
		Hash:        hash,
		Duration:    time.Since(start),
	}

	d.logger.Debug("image downloaded",
		"url", rawURL,
		"path", localPath,
		"size", result.Size,
		"hash", hash[:16],
		"duration", result.Duration,
	)

	return result, nil
}

// Stats returns download statistics.
func (d *Downloader) Stats() map[string]int64 {
	return map[string]int64{
		"total_downloaded": d.downloaded.Load(),
		"bytes_written":    d.bytes.Load(),
	}
}

// writeFileAtomic writes data to a temp file in path's directory and
// renames it over path.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
