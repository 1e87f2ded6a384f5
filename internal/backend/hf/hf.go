// Package hf implements the model-hub download variant. A bare source
// identifier (or one prefixed with hf://) is treated as a hub repository
// reference; the whole snapshot for a revision is mirrored into the
// destination directory. Partially downloaded files are resumed with Range
// requests, and files already present with the advertised size are skipped.
package hf

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/matrixinfer-ai/kthena/internal/backend"
	"github.com/matrixinfer-ai/kthena/internal/logctx"
)

const (
	// DefaultEndpoint is the public hub endpoint, overridable for mirrors.
	DefaultEndpoint = "https://huggingface.co"

	// DefaultRevision is used when no revision is configured.
	DefaultRevision = "main"

	dirPerm = 0o755

	progressInterval = 100 * 1024 * 1024
)

// repoInfo is the subset of the hub's model-info response the downloader
// needs: the file listing for the requested revision.
type repoInfo struct {
	SHA      string `json:"sha"`
	Siblings []struct {
		Filename string `json:"rfilename"`
		Size     int64  `json:"size"`
	} `json:"siblings"`
}

// Downloader mirrors a hub repository snapshot into a local directory.
type Downloader struct {
	repo       string
	revision   string
	token      string
	endpoint   string
	maxWorkers int
	httpClient *http.Client
}

// New builds a Downloader for a hub repository reference. The hf:// prefix,
// if present, is stripped. The token is optional: public repositories are
// downloadable without one.
func New(source string, opts backend.Options) *Downloader {
	revision := opts.HFRevision
	if revision == "" {
		revision = DefaultRevision
	}

	endpoint := strings.TrimSuffix(opts.HFEndpoint, "/")
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}

	maxWorkers := opts.MaxWorkers
	if maxWorkers <= 0 {
		maxWorkers = 8
	}

	return &Downloader{
		repo:       strings.TrimPrefix(source, "hf://"),
		revision:   revision,
		token:      opts.HFToken,
		endpoint:   endpoint,
		maxWorkers: maxWorkers,
		httpClient: &http.Client{Timeout: 0}, // transfers may legitimately run for hours
	}
}

func (d *Downloader) Name() string { return "huggingface" }

// Repo returns the repository reference the source resolved to.
func (d *Downloader) Repo() string { return d.repo }

// Revision returns the revision that will be downloaded.
func (d *Downloader) Revision() string { return d.revision }

// Fetch lists the repository files for the configured revision and downloads
// each one into destDir, resuming partial files and skipping complete ones.
func (d *Downloader) Fetch(ctx context.Context, destDir string) error {
	logger := logctx.LoggerFromContext(ctx).With("repo", d.repo, "revision", d.revision)

	logger.Info("downloading model from hub", "endpoint", d.endpoint)

	if err := os.MkdirAll(destDir, dirPerm); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}

	info, err := d.fetchRepoInfo(ctx)
	if err != nil {
		return err
	}

	if len(info.Siblings) == 0 {
		logger.Warn("repository has no files at this revision")

		return nil
	}

	wg, ctx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, d.maxWorkers)

	for _, sibling := range info.Siblings {
		filename := sibling.Filename
		size := sibling.Size

		sem <- struct{}{}

		wg.Go(func() error {
			defer func() { <-sem }() // release the slot

			return d.downloadFile(ctx, filename, size, destDir)
		})
	}

	if err := wg.Wait(); err != nil {
		return err
	}

	logger.Info("hub download completed", "dest", destDir, "file_count", len(info.Siblings))

	return nil
}

func (d *Downloader) fetchRepoInfo(ctx context.Context) (*repoInfo, error) {
	// blobs=true makes the hub include per-file sizes in the siblings
	// listing; without it only rfilename is populated and the local
	// size-match skip has nothing to compare against.
	url := fmt.Sprintf("%s/api/models/%s/revision/%s?blobs=true", d.endpoint, d.repo, d.revision)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &backend.TransferError{Backend: d.Name(), Op: "list_repo", Err: err}
	}

	d.authorize(req)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, &backend.TransferError{Backend: d.Name(), Op: "list_repo", Err: err}
	}

	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, &backend.TransferError{
			Backend: d.Name(),
			Op:      "list_repo",
			Err:     fmt.Errorf("access to %s denied (HTTP %d), a valid token may be required", d.repo, resp.StatusCode),
		}
	case http.StatusNotFound:
		return nil, &backend.TransferError{
			Backend: d.Name(),
			Op:      "list_repo",
			Err:     fmt.Errorf("repository %s at revision %s not found", d.repo, d.revision),
		}
	default:
		return nil, &backend.TransferError{
			Backend: d.Name(),
			Op:      "list_repo",
			Err:     fmt.Errorf("unexpected status %s listing %s", resp.Status, d.repo),
		}
	}

	var info repoInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, &backend.TransferError{Backend: d.Name(), Op: "list_repo", Err: fmt.Errorf("failed to decode repository info: %w", err)}
	}

	return &info, nil
}

func (d *Downloader) downloadFile(ctx context.Context, filename string, size int64, destDir string) error {
	logger := logctx.LoggerFromContext(ctx).With("repo", d.repo, "file", filename)

	rel := filepath.FromSlash(filename)
	if !filepath.IsLocal(rel) {
		return &backend.TransferError{
			Backend: d.Name(),
			Op:      "get_file",
			Err:     fmt.Errorf("file name %q escapes the destination directory", filename),
		}
	}

	targetPath := filepath.Join(destDir, rel)

	var offset int64
	if info, err := os.Stat(targetPath); err == nil {
		if size > 0 && info.Size() == size {
			logger.Debug("file already present, skipping")

			return nil
		}

		if info.Size() < size {
			offset = info.Size()
		}
	}

	if err := os.MkdirAll(filepath.Dir(targetPath), dirPerm); err != nil {
		return fmt.Errorf("failed to create target directory: %w", err)
	}

	url := fmt.Sprintf("%s/%s/resolve/%s/%s", d.endpoint, d.repo, d.revision, filename)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return &backend.TransferError{Backend: d.Name(), Op: "get_file", Err: err}
	}

	d.authorize(req)

	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return &backend.TransferError{Backend: d.Name(), Op: "get_file", Err: err}
	}

	defer resp.Body.Close()

	flags := os.O_CREATE | os.O_WRONLY
	switch resp.StatusCode {
	case http.StatusPartialContent:
		flags |= os.O_APPEND

		logger.Info("resuming partial file", "offset", humanize.Bytes(uint64(offset)))
	case http.StatusOK:
		// Server ignored or never saw the Range header: start over.
		flags |= os.O_TRUNC
		offset = 0
	default:
		return &backend.TransferError{
			Backend: d.Name(),
			Op:      "get_file",
			Err:     fmt.Errorf("unexpected status %s fetching %s", resp.Status, filename),
		}
	}

	out, err := os.OpenFile(targetPath, flags, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open target file: %w", err)
	}

	defer out.Close()

	logger.Info("downloading file", "size", humanize.Bytes(uint64(size)))

	start := time.Now()
	pr := backend.NewProgressReader(resp.Body, size, progressInterval, func(written, total int64) {
		logger.Debug("file download progress",
			"downloaded", humanize.Bytes(uint64(offset+written)),
			"total", humanize.Bytes(uint64(total)),
			"elapsed", time.Since(start).String())
	})

	if _, err := io.Copy(out, pr); err != nil {
		return &backend.TransferError{Backend: d.Name(), Op: "get_file", Err: err}
	}

	return nil
}

func (d *Downloader) authorize(req *http.Request) {
	if d.token != "" {
		req.Header.Set("Authorization", "Bearer "+d.token)
	}
}
