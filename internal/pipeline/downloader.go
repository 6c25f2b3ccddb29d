package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/johnayoung/go-bitmex-collector/internal/errors"
)

const defaultDownloadTimeout = 5 * time.Minute

// Downloader fetches one archive file. Each call opens a fresh stream so a
// retried download starts from the beginning.
type Downloader interface {
	Download(ctx context.Context, url string) (io.ReadCloser, error)
}

// HTTPDownloader downloads archive files over plain HTTP GET.
type HTTPDownloader struct {
	client *http.Client
	logger *slog.Logger
}

// NewHTTPDownloader creates a downloader with its own HTTP client.
func NewHTTPDownloader(logger *slog.Logger) *HTTPDownloader {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPDownloader{
		client: &http.Client{Timeout: defaultDownloadTimeout},
		logger: logger,
	}
}

// Download implements Downloader. Server-side failures (5xx) classify as
// transient so the pipeline retries them; client errors are remote failures
// that retrying cannot fix.
func (d *HTTPDownloader) Download(ctx context.Context, url string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.New(errors.ErrorTypeRemote, "pipeline", "download", err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, errors.New(errors.TypeOf(err), "pipeline", "download",
			fmt.Errorf("GET %s: %w", url, err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		errType := errors.ErrorTypeRemote
		if resp.StatusCode >= 500 {
			errType = errors.ErrorTypeTransient
		}
		return nil, errors.New(errType, "pipeline", "download",
			fmt.Errorf("GET %s: unexpected status %d", url, resp.StatusCode))
	}

	d.logger.Debug("archive download started", "url", url)
	return resp.Body, nil
}
