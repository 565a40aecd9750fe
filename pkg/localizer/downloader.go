package localizer

import (
	"context"
	"fmt"
	"hash/fnv"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/cloudfab/nodeagent/pkg/api"
)

// Downloader materializes one remote resource onto local disk. Fetch runs on
// a localizer worker, never on the dispatcher goroutine; it must honor
// context cancellation.
type Downloader interface {
	Fetch(ctx context.Context, rsrc api.ResourceRequest, scope api.ResourceScope) (path string, size int64, err error)
}

// HTTPDownloader fetches http, https and file URIs into the configured local
// storage roots, partitioned by cache scope.
type HTTPDownloader struct {
	localDirs []string
	client    *http.Client
	logger    *zap.Logger
}

// NewHTTPDownloader creates a downloader writing into localDirs.
func NewHTTPDownloader(localDirs []string, logger *zap.Logger) (*HTTPDownloader, error) {
	if len(localDirs) == 0 {
		return nil, fmt.Errorf("at least one local directory is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPDownloader{
		localDirs: localDirs,
		client:    &http.Client{Timeout: 10 * time.Minute},
		logger:    logger,
	}, nil
}

// Fetch downloads rsrc into the scope's cache partition and returns the
// final path and byte count. The file is written to a temporary name and
// renamed into place so a crashed fetch never leaves a half-visible entry.
func (d *HTTPDownloader) Fetch(ctx context.Context, rsrc api.ResourceRequest, scope api.ResourceScope) (string, int64, error) {
	u, err := url.Parse(rsrc.URI)
	if err != nil {
		return "", 0, fmt.Errorf("failed to parse resource uri %q: %w", rsrc.URI, err)
	}

	destDir := filepath.Join(d.pickRoot(rsrc.URI), filepath.FromSlash(scope.Partition()))
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", 0, fmt.Errorf("failed to create cache directory: %w", err)
	}
	dest := filepath.Join(destDir, destName(u))

	var src io.ReadCloser
	switch u.Scheme {
	case "http", "https":
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rsrc.URI, nil)
		if err != nil {
			return "", 0, fmt.Errorf("failed to build request: %w", err)
		}
		resp, err := d.client.Do(req)
		if err != nil {
			return "", 0, fmt.Errorf("failed to fetch %q: %w", rsrc.URI, err)
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return "", 0, fmt.Errorf("failed to fetch %q: unexpected status %s", rsrc.URI, resp.Status)
		}
		src = resp.Body
	case "file", "":
		f, err := os.Open(u.Path)
		if err != nil {
			return "", 0, fmt.Errorf("failed to open %q: %w", u.Path, err)
		}
		src = f
	default:
		return "", 0, fmt.Errorf("unsupported uri scheme %q", u.Scheme)
	}
	defer src.Close()

	size, err := writeAtomic(dest, src)
	if err != nil {
		return "", 0, err
	}

	d.logger.Debug("Localized resource",
		zap.String("uri", rsrc.URI),
		zap.String("path", dest),
		zap.Int64("size", size),
	)
	return dest, size, nil
}

// pickRoot spreads resources across the configured storage roots by uri
// hash, so one disk does not absorb every download.
func (d *HTTPDownloader) pickRoot(uri string) string {
	h := fnv.New32a()
	h.Write([]byte(uri))
	return d.localDirs[int(h.Sum32())%len(d.localDirs)]
}

// destName derives a stable on-disk name from the uri: a short hash prefix
// keeps distinct uris with the same basename apart.
func destName(u *url.URL) string {
	h := fnv.New64a()
	h.Write([]byte(u.String()))
	base := path.Base(u.Path)
	if base == "/" || base == "." || base == "" {
		base = "resource"
	}
	return fmt.Sprintf("%x_%s", h.Sum64(), base)
}

func writeAtomic(dest string, src io.Reader) (int64, error) {
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".fetch-*")
	if err != nil {
		return 0, fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	size, err := io.Copy(tmp, src)
	if err != nil {
		tmp.Close()
		return 0, fmt.Errorf("failed to write resource: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return 0, fmt.Errorf("failed to move resource into place: %w", err)
	}
	return size, nil
}
