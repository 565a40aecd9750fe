package localizer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cloudfab/nodeagent/pkg/api"
)

func TestFetchHTTPResource(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("payload"))
	}))
	defer server.Close()

	dl, err := NewHTTPDownloader([]string{t.TempDir()}, zaptest.NewLogger(t))
	require.NoError(t, err)

	rsrc := api.ResourceRequest{URI: server.URL + "/archive.tgz", Visibility: api.VisibilityPublic}
	path, size, err := dl.Fetch(context.Background(), rsrc, api.ResourceScope{Visibility: api.VisibilityPublic})
	require.NoError(t, err)
	assert.Equal(t, int64(len("payload")), size)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
	assert.Contains(t, path, filepath.FromSlash("public/"))
}

func TestFetchFileResource(t *testing.T) {
	srcDir := t.TempDir()
	src := filepath.Join(srcDir, "input.bin")
	require.NoError(t, os.WriteFile(src, []byte("abc"), 0o644))

	dl, err := NewHTTPDownloader([]string{t.TempDir()}, zaptest.NewLogger(t))
	require.NoError(t, err)

	scope := api.ResourceScope{Visibility: api.VisibilityPrivate, User: "alice"}
	rsrc := api.ResourceRequest{URI: "file://" + src, Visibility: api.VisibilityPrivate}
	path, size, err := dl.Fetch(context.Background(), rsrc, scope)
	require.NoError(t, err)
	assert.Equal(t, int64(3), size)
	assert.Contains(t, path, filepath.FromSlash("private/alice"))
}

func TestFetchHTTPErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer server.Close()

	dl, err := NewHTTPDownloader([]string{t.TempDir()}, zaptest.NewLogger(t))
	require.NoError(t, err)

	rsrc := api.ResourceRequest{URI: server.URL + "/missing", Visibility: api.VisibilityPublic}
	_, _, err = dl.Fetch(context.Background(), rsrc, api.ResourceScope{Visibility: api.VisibilityPublic})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status")
}

func TestFetchUnsupportedScheme(t *testing.T) {
	dl, err := NewHTTPDownloader([]string{t.TempDir()}, zaptest.NewLogger(t))
	require.NoError(t, err)

	rsrc := api.ResourceRequest{URI: "ftp://host/file", Visibility: api.VisibilityPublic}
	_, _, err = dl.Fetch(context.Background(), rsrc, api.ResourceScope{Visibility: api.VisibilityPublic})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported uri scheme")
}

func TestDistinctURIsSameBasenameDoNotCollide(t *testing.T) {
	dir := t.TempDir()
	dl, err := NewHTTPDownloader([]string{dir}, zaptest.NewLogger(t))
	require.NoError(t, err)

	srcDir := t.TempDir()
	a := filepath.Join(srcDir, "a")
	b := filepath.Join(srcDir, "b")
	require.NoError(t, os.MkdirAll(a, 0o755))
	require.NoError(t, os.MkdirAll(b, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(a, "data"), []byte("aa"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(b, "data"), []byte("bb"), 0o644))

	scope := api.ResourceScope{Visibility: api.VisibilityPublic}
	p1, _, err := dl.Fetch(context.Background(), api.ResourceRequest{URI: "file://" + filepath.Join(a, "data")}, scope)
	require.NoError(t, err)
	p2, _, err := dl.Fetch(context.Background(), api.ResourceRequest{URI: "file://" + filepath.Join(b, "data")}, scope)
	require.NoError(t, err)

	assert.NotEqual(t, p1, p2)
}
