package blob

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"
)

// fakeStore keeps the compressed bytes exactly as posted.
type fakeStore struct {
	mu       sync.Mutex
	objects  map[string][]byte
	next     int
	bodyOnly bool
	corrupt  bool
}

func newFakeStore(t *testing.T) (*fakeStore, *httptest.Server) {
	fs := &fakeStore{objects: map[string][]byte{}}
	srv := httptest.NewServer(fs)
	t.Cleanup(srv.Close)
	return fs, srv
}

func (f *fakeStore) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if r.Method == http.MethodPost && r.URL.Path == "/post" {
		if r.Header.Get("Content-Encoding") != "gzip" {
			http.Error(w, "want gzip", http.StatusBadRequest)
			return
		}
		data, _ := io.ReadAll(r.Body)
		f.next++
		key := "k" + strings.Repeat("x", 20) + string(rune('a'+f.next))
		if f.corrupt {
			var sb strings.Builder
			zw := gzip.NewWriter(&sb)
			zw.Write([]byte(`{"tampered":true}`))
			zw.Close()
			data = []byte(sb.String())
		}
		f.objects[key] = data
		if f.bodyOnly {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(map[string]string{"key": key})
			return
		}
		w.Header().Set("Location", "https://blobs.example/"+key)
		w.WriteHeader(http.StatusCreated)
		return
	}

	key := strings.TrimPrefix(r.URL.Path, "/")
	data, ok := f.objects[key]
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Encoding", "gzip")
	if r.Method == http.MethodHead {
		return
	}
	w.Write(data)
}

func TestUploadDownload_LocationHeader(t *testing.T) {
	_, srv := newFakeStore(t)
	c := NewClient(Config{BaseURL: srv.URL}, nil)
	ctx := context.Background()

	doc := []byte(`{"metadata":{"owner":"console"},"data":{"a":1}}`)
	key, err := c.Upload(ctx, doc)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(key), 20)

	got, err := c.Download(ctx, key)
	require.NoError(t, err)
	require.Equal(t, doc, got)

	ok, err := c.Exists(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestUpload_JSONBodyFallback(t *testing.T) {
	fs, srv := newFakeStore(t)
	fs.bodyOnly = true
	c := NewClient(Config{BaseURL: srv.URL + "/"}, nil)
	ctx := context.Background()

	key, err := c.Upload(ctx, []byte(`{"x":"y"}`))
	require.NoError(t, err)
	require.NotEmpty(t, key)

	got, err := c.Download(ctx, key)
	require.NoError(t, err)
	require.JSONEq(t, `{"x":"y"}`, string(got))
}

func TestUpload_VerboseDetectsTampering(t *testing.T) {
	fs, srv := newFakeStore(t)
	c := NewClient(Config{BaseURL: srv.URL, Verbose: true}, nil)
	ctx := context.Background()

	_, err := c.Upload(ctx, []byte(`{"x":1}`))
	require.NoError(t, err)

	fs.corrupt = true
	_, err = c.Upload(ctx, []byte(`{"x":1}`))
	require.ErrorIs(t, err, ErrUploadFailed)
}

func TestUpload_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := NewClient(Config{BaseURL: srv.URL}, nil).Upload(context.Background(), []byte(`{}`))
	require.ErrorIs(t, err, ErrUploadFailed)
}

func TestUpload_NoKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	_, err := NewClient(Config{BaseURL: srv.URL}, nil).Upload(context.Background(), []byte(`{}`))
	require.ErrorIs(t, err, ErrUploadFailed)
}

func TestDownload_NotFound(t *testing.T) {
	_, srv := newFakeStore(t)
	c := NewClient(Config{BaseURL: srv.URL}, nil)

	_, err := c.Download(context.Background(), "missing")
	require.ErrorIs(t, err, ErrBlobNotFound)

	ok, err := c.Exists(context.Background(), "missing")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDownload_PlainBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"plain":true}`))
	}))
	defer srv.Close()

	got, err := NewClient(Config{BaseURL: srv.URL}, nil).Download(context.Background(), "any")
	require.NoError(t, err)
	require.Equal(t, `{"plain":true}`, string(got))
}

func TestDownload_SizeLimit(t *testing.T) {
	_, srv := newFakeStore(t)
	ctx := context.Background()

	// compresses to a few hundred bytes, expands to 1 MiB
	bomb := []byte(`{"pad":"` + strings.Repeat("0", 1<<20) + `"}`)
	key, err := NewClient(Config{BaseURL: srv.URL}, nil).Upload(ctx, bomb)
	require.NoError(t, err)

	small := NewClient(Config{BaseURL: srv.URL, MaxObjectSize: 64 << 10}, nil)
	_, err = small.Download(ctx, key)
	require.ErrorIs(t, err, ErrBlobTooLarge)

	exact := NewClient(Config{BaseURL: srv.URL, MaxObjectSize: int64(len(bomb))}, nil)
	got, err := exact.Download(ctx, key)
	require.NoError(t, err)
	require.Len(t, got, len(bomb))
}

func TestKeyFromLocation(t *testing.T) {
	cases := map[string]string{
		"":                          "",
		"abc":                       "abc",
		"/abc":                      "abc",
		"https://host/blob/abc":     "abc",
		"https://host/blob/abc/":    "abc",
		"https://host/blob/abc?x=1": "abc",
		"/":                         "",
	}
	for in, want := range cases {
		require.Equal(t, want, keyFromLocation(in), in)
	}
}
