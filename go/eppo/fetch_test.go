package eppo

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func zipWithEntries(t *testing.T, entries map[string]string) []byte {
	t.Helper()

	var buf bytes.Buffer
	var zw = zip.NewWriter(&buf)
	for name, content := range entries {
		var w, err = zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

// stubUpstream serves a dataset list and the referenced ZIP, recording
// the API key observed on each request.
func stubUpstream(t *testing.T, label string, zipBody []byte) (*httptest.Server, *[]string) {
	t.Helper()

	var keys []string
	var mux = http.NewServeMux()
	var srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	mux.HandleFunc("/datasets", func(w http.ResponseWriter, r *http.Request) {
		keys = append(keys, r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode([]map[string]interface{}{
			{"label": "CSV Light", "url": srv.URL + "/wrong.zip"},
			{"label": label, "url": srv.URL + "/fullcodes.zip"},
		})
	})
	mux.HandleFunc("/fullcodes.zip", func(w http.ResponseWriter, r *http.Request) {
		keys = append(keys, r.Header.Get("Authorization"))
		_, _ = w.Write(zipBody)
	})
	return srv, &keys
}

func TestFetchExtractsXML(t *testing.T) {
	var body = zipWithEntries(t, map[string]string{
		"README.txt": "ignored",
		"codes.xml":  fixtureXML,
	})
	var srv, keys = stubUpstream(t, "XML Full", body)

	var dir = t.TempDir()
	var driver = NewDriver(srv.URL+"/datasets", "secret-key", []string{"PFL"})

	rawPath, err := driver.Fetch(context.Background(), dir)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "codes.xml"), rawPath)

	content, err := os.ReadFile(rawPath)
	require.NoError(t, err)
	require.Equal(t, fixtureXML, string(content))

	// The transient ZIP is removed after extraction.
	_, err = os.Stat(filepath.Join(dir, zipName))
	require.True(t, os.IsNotExist(err))

	require.Equal(t, []string{"secret-key", "secret-key"}, *keys)
}

func TestFetchFallsBackToXMLFullSubstring(t *testing.T) {
	var body = zipWithEntries(t, map[string]string{"codes.xml": fixtureXML})
	var srv, _ = stubUpstream(t, "Download (xmlfull)", body)

	var dir = t.TempDir()
	var driver = NewDriver(srv.URL+"/datasets", "k", nil)

	rawPath, err := driver.Fetch(context.Background(), dir)
	require.NoError(t, err)
	require.FileExists(t, rawPath)
}

func TestFetchRejectsZipWithoutXML(t *testing.T) {
	var body = zipWithEntries(t, map[string]string{"codes.csv": "a,b"})
	var srv, _ = stubUpstream(t, "XML Full", body)

	var dir = t.TempDir()
	var driver = NewDriver(srv.URL+"/datasets", "k", nil)

	_, err := driver.Fetch(context.Background(), dir)
	require.ErrorContains(t, err, "no .xml entry")

	// No partial artifacts remain.
	entries, err2 := os.ReadDir(dir)
	require.NoError(t, err2)
	require.Empty(t, entries)
}

func TestFetchNoMatchingDataset(t *testing.T) {
	var mux = http.NewServeMux()
	mux.HandleFunc("/datasets", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]map[string]interface{}{
			{"label": "CSV Light", "url": "http://unused/"},
		})
	})
	var srv = httptest.NewServer(mux)
	defer srv.Close()

	var driver = NewDriver(srv.URL+"/datasets", "k", nil)
	_, err := driver.Fetch(context.Background(), t.TempDir())
	require.ErrorContains(t, err, "no XML Full dataset")
}

func TestPickXMLFullPrefersExactLabel(t *testing.T) {
	var url, err = pickXMLFull([]map[string]interface{}{
		{"label": "contains xmlfull too", "url": "http://fallback/"},
		{"label": "XML Full", "url": "http://exact/"},
	})
	require.NoError(t, err)
	require.Equal(t, "http://exact/", url)
}
