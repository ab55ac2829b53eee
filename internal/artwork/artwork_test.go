package artwork

import (
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cliap2/cliap2/internal/apperr"
)

func TestFetchToTmpfileWritesJPEGBytes(t *testing.T) {
	payload := []byte("fake-jpeg-bytes")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write(payload)
	}))
	defer srv.Close()

	dir := t.TempDir()
	f := New("cliap2", WithTmpDir(dir))

	fileURL, err := f.FetchToTmpfile(srv.URL + "/cover.jpg")
	require.NoError(t, err)
	assert.Contains(t, fileURL, "file:")
	assert.Contains(t, fileURL, ".jpg")

	path := fileURL[len("file:"):]
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestFetchToTmpfileReplacesPreviousTmpfile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte("png-bytes"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	f := New("cliap2", WithTmpDir(dir))

	first, err := f.FetchToTmpfile(srv.URL + "/a.png")
	require.NoError(t, err)
	firstPath := first[len("file:"):]

	second, err := f.FetchToTmpfile(srv.URL + "/b.png")
	require.NoError(t, err)
	secondPath := second[len("file:"):]

	assert.NotEqual(t, firstPath, secondPath)
	_, err = os.Stat(firstPath)
	assert.True(t, os.IsNotExist(err), "previous tmpfile should be unlinked")

	_, err = os.Stat(secondPath)
	require.NoError(t, err)
}

func TestFetch404IsNotFoundKind(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := New("cliap2", WithTmpDir(t.TempDir()))
	_, err := f.FetchToTmpfile(srv.URL + "/missing.jpg")

	require.Error(t, err)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestFetchOtherNonOKIsIOError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := New("cliap2", WithTmpDir(t.TempDir()))
	_, err := f.FetchToTmpfile(srv.URL + "/boom.jpg")

	require.Error(t, err)
	assert.Equal(t, apperr.KindIO, apperr.KindOf(err))
}

func TestFetchUnsupportedContentTypeRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<html></html>"))
	}))
	defer srv.Close()

	f := New("cliap2", WithTmpDir(t.TempDir()))
	_, err := f.FetchToTmpfile(srv.URL + "/page.html")

	require.Error(t, err)
	assert.Equal(t, apperr.KindUnsupported, apperr.KindOf(err))
}

func TestCloseUnlinksCurrentTmpfile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write([]byte("bytes"))
	}))
	defer srv.Close()

	f := New("cliap2", WithTmpDir(t.TempDir()))
	fileURL, err := f.FetchToTmpfile(srv.URL + "/a.jpg")
	require.NoError(t, err)
	path := fileURL[len("file:"):]

	require.NoError(t, f.Close())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}
