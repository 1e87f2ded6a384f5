package hf

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrixinfer-ai/kthena/internal/backend"
)

type hubFixture struct {
	repo     string
	revision string
	files    map[string][]byte

	mu        sync.Mutex
	resolved  []string
	lastAuth  string
	lastQuery string
}

func (h *hubFixture) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc(fmt.Sprintf("/api/models/%s/revision/%s", h.repo, h.revision), func(w http.ResponseWriter, r *http.Request) {
		h.mu.Lock()
		h.lastAuth = r.Header.Get("Authorization")
		h.lastQuery = r.URL.RawQuery
		h.mu.Unlock()

		type sibling struct {
			Filename string `json:"rfilename"`
			Size     int64  `json:"size,omitempty"`
		}

		// The hub only reports file sizes when the listing is requested
		// with blobs=true; a plain listing carries rfilename alone.
		withSizes := r.URL.Query().Get("blobs") == "true"

		var siblings []sibling
		for name, body := range h.files {
			s := sibling{Filename: name}
			if withSizes {
				s.Size = int64(len(body))
			}

			siblings = append(siblings, s)
		}

		_ = json.NewEncoder(w).Encode(map[string]any{"sha": "abc123", "siblings": siblings})
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, "/"+h.repo+"/resolve/"+h.revision+"/")
		body, ok := h.files[rest]
		if !ok {
			http.NotFound(w, r)

			return
		}

		h.mu.Lock()
		h.resolved = append(h.resolved, rest)
		h.mu.Unlock()

		if rng := r.Header.Get("Range"); rng != "" {
			offset, err := strconv.ParseInt(strings.TrimSuffix(strings.TrimPrefix(rng, "bytes="), "-"), 10, 64)
			if err == nil && offset > 0 && offset < int64(len(body)) {
				w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", offset, len(body)-1, len(body)))
				w.WriteHeader(http.StatusPartialContent)
				_, _ = w.Write(body[offset:])

				return
			}
		}

		_, _ = w.Write(body)
	})

	return mux
}

func (h *hubFixture) resolvedFiles() []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	return append([]string(nil), h.resolved...)
}

func (h *hubFixture) authHeader() string {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.lastAuth
}

func (h *hubFixture) listQuery() string {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.lastQuery
}

func newFixture() *hubFixture {
	return &hubFixture{
		repo:     "meta-llama/Llama-3-8B",
		revision: "main",
		files: map[string][]byte{
			"config.json":                   []byte(`{"architectures": ["LlamaForCausalLM"]}`),
			"weights/model-00001.safetensors": []byte(strings.Repeat("w", 4096)),
		},
	}
}

func TestNewDefaults(t *testing.T) {
	d := New("hf://meta-llama/Llama-3-8B", backend.Options{})

	assert.Equal(t, "meta-llama/Llama-3-8B", d.Repo(), "hf:// prefix must be stripped")
	assert.Equal(t, DefaultRevision, d.Revision())
	assert.Equal(t, "huggingface", d.Name())
}

func TestFetchDownloadsSnapshot(t *testing.T) {
	fixture := newFixture()
	server := httptest.NewServer(fixture.handler())
	defer server.Close()

	d := New(fixture.repo, backend.Options{HFEndpoint: server.URL, MaxWorkers: 2})

	dest := t.TempDir()
	require.NoError(t, d.Fetch(context.Background(), dest))

	got, err := os.ReadFile(filepath.Join(dest, "config.json"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"architectures": ["LlamaForCausalLM"]}`, string(got))

	info, err := os.Stat(filepath.Join(dest, "weights", "model-00001.safetensors"))
	require.NoError(t, err)
	assert.EqualValues(t, 4096, info.Size())
}

func TestFetchRequestsFileSizes(t *testing.T) {
	fixture := newFixture()
	server := httptest.NewServer(fixture.handler())
	defer server.Close()

	d := New(fixture.repo, backend.Options{HFEndpoint: server.URL, MaxWorkers: 1})
	require.NoError(t, d.Fetch(context.Background(), t.TempDir()))

	assert.Contains(t, fixture.listQuery(), "blobs=true",
		"the listing must ask for file metadata, or every size comes back zero")
}

func TestFetchSkipsCompleteFiles(t *testing.T) {
	fixture := newFixture()
	server := httptest.NewServer(fixture.handler())
	defer server.Close()

	dest := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dest, "config.json"), fixture.files["config.json"], 0o644))

	d := New(fixture.repo, backend.Options{HFEndpoint: server.URL, MaxWorkers: 1})
	require.NoError(t, d.Fetch(context.Background(), dest))

	assert.NotContains(t, fixture.resolvedFiles(), "config.json",
		"a file already present with the advertised size must not be re-transferred")
}

func TestFetchResumesPartialFiles(t *testing.T) {
	fixture := newFixture()
	server := httptest.NewServer(fixture.handler())
	defer server.Close()

	dest := t.TempDir()
	full := fixture.files["weights/model-00001.safetensors"]
	require.NoError(t, os.MkdirAll(filepath.Join(dest, "weights"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dest, "weights", "model-00001.safetensors"), full[:1024], 0o644))

	d := New(fixture.repo, backend.Options{HFEndpoint: server.URL, MaxWorkers: 1})
	require.NoError(t, d.Fetch(context.Background(), dest))

	got, err := os.ReadFile(filepath.Join(dest, "weights", "model-00001.safetensors"))
	require.NoError(t, err)
	assert.Equal(t, full, got, "resumed file must match the remote content")
}

func TestFetchSendsBearerToken(t *testing.T) {
	fixture := newFixture()
	server := httptest.NewServer(fixture.handler())
	defer server.Close()

	d := New(fixture.repo, backend.Options{HFEndpoint: server.URL, HFToken: "hf_secret"})
	require.NoError(t, d.Fetch(context.Background(), t.TempDir()))

	assert.Equal(t, "Bearer hf_secret", fixture.authHeader())
}

func TestFetchRejectsEscapingFilenames(t *testing.T) {
	fixture := newFixture()
	fixture.files = map[string][]byte{"../escape.bin": []byte("payload")}
	server := httptest.NewServer(fixture.handler())
	defer server.Close()

	d := New(fixture.repo, backend.Options{HFEndpoint: server.URL, MaxWorkers: 1})

	dest := filepath.Join(t.TempDir(), "model")
	err := d.Fetch(context.Background(), dest)

	var transferErr *backend.TransferError
	require.ErrorAs(t, err, &transferErr)
	assert.Contains(t, err.Error(), "escapes")

	_, statErr := os.Stat(filepath.Join(dest, "..", "escape.bin"))
	assert.True(t, os.IsNotExist(statErr), "no file may be written outside the destination")
}

func TestFetchSurfacesUnauthorized(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	d := New("private/repo", backend.Options{HFEndpoint: server.URL})
	err := d.Fetch(context.Background(), t.TempDir())

	var transferErr *backend.TransferError
	require.ErrorAs(t, err, &transferErr)
	assert.Equal(t, "list_repo", transferErr.Op)
	assert.Contains(t, err.Error(), "token")
}

func TestFetchSurfacesUnknownRepo(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer server.Close()

	d := New("no/such-repo", backend.Options{HFEndpoint: server.URL})
	err := d.Fetch(context.Background(), t.TempDir())

	var transferErr *backend.TransferError
	require.ErrorAs(t, err, &transferErr)
	assert.Contains(t, err.Error(), "not found")
}
