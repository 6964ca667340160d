package hub

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"
)

// DefaultMaxWorkers bounds concurrent file transfers when SnapshotOptions.MaxWorkers is unset.
const DefaultMaxWorkers = 8

// SnapshotOptions configures SnapshotDownload.
type SnapshotOptions struct {
	Revision      string   // branch, tag or commit, defaults to "main"
	AllowPatterns []string // fnmatch patterns, empty means every file
	MaxWorkers    int
	Logger        *slog.Logger
}

// Snapshot describes a completed snapshot download.
type Snapshot struct {
	RepoID     string
	Commit     string
	Files      []string // repo-relative paths, all present under the local dir
	Downloaded int
	Skipped    int
}

// SnapshotDownload downloads every file of a dataset repo matching the allow
// patterns into localDir, mirroring the repo layout.
//
// Transfers are resumable: bytes land in an .incomplete file under
// localDir/.cache/huggingface/download and a rerun continues with a Range
// request. A file whose metadata record matches the remote etag is skipped.
// Either every requested file ends up present and verified, or an error is returned.
func (c *Client) SnapshotDownload(
	ctx context.Context,
	repoID string,
	localDir string,
	opts SnapshotOptions,
) (*Snapshot, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	workers := opts.MaxWorkers
	if workers <= 0 {
		workers = DefaultMaxWorkers
	}

	matcher, err := NewMatcher(opts.AllowPatterns)
	if err != nil {
		return nil, err
	}

	info, err := c.RepoInfo(ctx, repoID, opts.Revision)
	if err != nil {
		return nil, err
	}

	var files []string
	for _, s := range info.Siblings {
		if matcher.Match(s.Name) {
			files = append(files, s.Name)
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf(
			"no files in %s@%s match allow patterns %v",
			repoID,
			info.SHA,
			opts.AllowPatterns,
		)
	}
	logger.Info(
		"resolved snapshot",
		slog.String("repo", repoID),
		slog.String("commit", info.SHA),
		slog.Int("files", len(files)),
	)

	var (
		downloaded atomic.Int64
		eg         = new(errgroup.Group)
		bar        = progressbar.Default(int64(len(files)), "downloading "+repoID)
	)
	eg.SetLimit(workers)
	for _, file := range files {
		eg.Go(func() error {
			fetched, err := c.downloadFile(ctx, logger, repoID, info.SHA, file, localDir)
			if err != nil {
				return fmt.Errorf("downloading %s: %w", file, err)
			}
			if fetched {
				downloaded.Add(1)
			}
			bar.Add(1)
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, fmt.Errorf("downloading snapshot %s@%s: %w", repoID, info.SHA, err)
	}

	n := int(downloaded.Load())
	return &Snapshot{
		RepoID:     repoID,
		Commit:     info.SHA,
		Files:      files,
		Downloaded: n,
		Skipped:    len(files) - n,
	}, nil
}

// fileMetadata is what the Hub reports about a file before it's downloaded.
type fileMetadata struct {
	etag string
	size int64 // -1 when unknown
}

// sha256 returns the expected content hash for LFS files, whose etag is the
// hex sha256 of the content. Regular git files carry a blob sha1 instead.
func (m fileMetadata) sha256() (string, bool) {
	if len(m.etag) != 64 {
		return "", false
	}
	if _, err := hex.DecodeString(m.etag); err != nil {
		return "", false
	}
	return strings.ToLower(m.etag), true
}

// Issues a HEAD request without following redirects: LFS files redirect to a
// CDN and the X-Linked-* headers are only present on the first response.
func (c *Client) headFile(ctx context.Context, endpoint string) (fileMetadata, error) {
	req, err := c.newRequest(ctx, http.MethodHead, endpoint)
	if err != nil {
		return fileMetadata{}, err
	}
	req.Header.Set("Accept-Encoding", "identity")

	noRedirect := *c.inner
	noRedirect.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	resp, err := noRedirect.Do(req)
	if err != nil {
		return fileMetadata{}, fmt.Errorf("sending HEAD request: %w", err)
	}
	defer resp.Body.Close()
	if err := checkResponse(resp, endpoint); err != nil {
		return fileMetadata{}, err
	}

	meta := fileMetadata{
		etag: normalizeETag(resp.Header.Get("X-Linked-Etag")),
		size: -1,
	}
	if meta.etag == "" {
		meta.etag = normalizeETag(resp.Header.Get("ETag"))
	}
	if linked := resp.Header.Get("X-Linked-Size"); linked != "" {
		size, err := strconv.ParseInt(linked, 10, 64)
		if err != nil {
			return fileMetadata{}, fmt.Errorf("invalid X-Linked-Size %q: %w", linked, err)
		}
		meta.size = size
	} else if resp.StatusCode == http.StatusOK && resp.ContentLength >= 0 {
		meta.size = resp.ContentLength
	}
	if meta.etag == "" {
		return fileMetadata{}, fmt.Errorf("no etag returned for %s", endpoint)
	}
	return meta, nil
}

func normalizeETag(etag string) string {
	etag = strings.TrimPrefix(etag, "W/")
	return strings.Trim(etag, `"`)
}

// Downloads a single file, returning whether any bytes were transferred.
func (c *Client) downloadFile(
	ctx context.Context,
	logger *slog.Logger,
	repoID, commit, file, localDir string,
) (bool, error) {
	endpoint := c.resolveURL(repoID, commit, file)
	meta, err := c.headFile(ctx, endpoint)
	if err != nil {
		return false, err
	}

	var (
		dst        = filepath.Join(localDir, filepath.FromSlash(file))
		cacheBase  = filepath.Join(localDir, ".cache", "huggingface", "download", filepath.FromSlash(file))
		metaPath   = cacheBase + ".metadata"
		incomplete = cacheBase + ".incomplete"
	)

	if _, err := os.Stat(dst); err == nil {
		if rec, err := readMetadata(metaPath); err == nil && rec.etag == meta.etag {
			logger.Debug("file already downloaded", slog.String("file", file))
			return false, nil
		}
	}

	if err := os.MkdirAll(filepath.Dir(incomplete), 0755); err != nil {
		return false, fmt.Errorf("creating cache directory: %w", err)
	}
	f, err := os.OpenFile(incomplete, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return false, fmt.Errorf("opening %s: %w", incomplete, err)
	}
	defer f.Close()

	offset, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return false, fmt.Errorf("seeking %s: %w", incomplete, err)
	}
	if meta.size >= 0 && offset > meta.size {
		logger.Warn("incomplete file larger than expected, restarting", slog.String("file", file))
		if offset, err = restart(f); err != nil {
			return false, err
		}
	}

	start := time.Now()
	if meta.size < 0 || offset < meta.size {
		if offset > 0 {
			logger.Info("resuming download", slog.String("file", file), slog.Int64("offset", offset))
		}
		if err := c.fetchRange(ctx, endpoint, f, offset); err != nil {
			return false, err
		}
	}
	if err := f.Close(); err != nil {
		return false, fmt.Errorf("closing %s: %w", incomplete, err)
	}

	if err := verify(incomplete, meta); err != nil {
		_ = os.Remove(incomplete)
		return false, fmt.Errorf("verifying %s: %w", file, err)
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return false, fmt.Errorf("creating directory for %s: %w", dst, err)
	}
	if err := os.Rename(incomplete, dst); err != nil {
		return false, fmt.Errorf("moving %s into place: %w", file, err)
	}
	if err := writeMetadata(metaPath, metadataRecord{commit: commit, etag: meta.etag}); err != nil {
		return false, err
	}

	logger.Debug(
		"download complete",
		slog.String("file", file),
		slog.Duration("took", time.Since(start)),
	)
	return true, nil
}

// Streams the remote file into f starting at offset. A server that ignores
// the Range header sends the whole body, in which case f is truncated first.
func (c *Client) fetchRange(ctx context.Context, endpoint string, f *os.File, offset int64) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint)
	if err != nil {
		return err
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}
	resp, err := c.inner.Do(req)
	if err != nil {
		return fmt.Errorf("sending GET request: %w", err)
	}
	defer resp.Body.Close()
	if err := checkResponse(resp, endpoint); err != nil {
		return err
	}

	switch resp.StatusCode {
	case http.StatusPartialContent:
	case http.StatusOK:
		if offset > 0 {
			if _, err := restart(f); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("unexpected status %d for %s", resp.StatusCode, endpoint)
	}

	if _, err := io.Copy(f, resp.Body); err != nil {
		return fmt.Errorf("writing %s: %w", f.Name(), err)
	}
	return nil
}

func restart(f *os.File) (int64, error) {
	if err := f.Truncate(0); err != nil {
		return 0, fmt.Errorf("truncating %s: %w", f.Name(), err)
	}
	return f.Seek(0, io.SeekStart)
}

var errSizeMismatch = errors.New("size mismatch")

func verify(path string, meta fileMetadata) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if meta.size >= 0 && info.Size() != meta.size {
		return fmt.Errorf("%w: got %d bytes, expected %d", errSizeMismatch, info.Size(), meta.size)
	}
	want, ok := meta.sha256()
	if !ok {
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return fmt.Errorf("hashing %s: %w", path, err)
	}
	if got := hex.EncodeToString(h.Sum(nil)); got != want {
		return fmt.Errorf("sha256 mismatch: got %s, expected %s", got, want)
	}
	return nil
}

// metadataRecord is stored next to the incomplete files as three lines:
// commit, etag, unix timestamp.
type metadataRecord struct {
	commit string
	etag   string
}

func readMetadata(path string) (metadataRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return metadataRecord{}, err
	}
	defer f.Close()
	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, strings.TrimSpace(scanner.Text()))
	}
	if err := scanner.Err(); err != nil {
		return metadataRecord{}, err
	}
	if len(lines) < 2 {
		return metadataRecord{}, fmt.Errorf("malformed metadata file %s", path)
	}
	return metadataRecord{commit: lines[0], etag: lines[1]}, nil
}

func writeMetadata(path string, rec metadataRecord) error {
	contents := fmt.Sprintf("%s\n%s\n%d\n", rec.commit, rec.etag, time.Now().Unix())
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		return fmt.Errorf("writing metadata %s: %w", path, err)
	}
	return nil
}
