package restyutil

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-resty/resty/v2"
	"github.com/stretchr/testify/require"
)

func TestFormatHeaders(t *testing.T) {
	headers := http.Header{}
	headers.Add("X-B", "2")
	headers.Add("X-A", "1")
	headers.Add("X-A", "3")

	require.Equal(t, "X-A: 1\nX-A: 3\nX-B: 2", formatHeaders(headers))
	require.Equal(t, "", formatHeaders(http.Header{}))
}

func TestDumpExchanges(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte("short and stout"))
	}))
	defer server.Close()

	dir := filepath.Join(t.TempDir(), "dump")
	output, err := NewFilesystemOutput(dir)
	require.NoError(t, err)

	client := resty.New()
	DumpExchanges(client, output)

	_, err = client.R().SetBody("hello").Post(server.URL + "/brew")
	require.NoError(t, err)

	contents, err := os.ReadFile(filepath.Join(dir, "1.http"))
	require.NoError(t, err)

	text := string(contents)
	require.True(t, strings.Contains(text, "POST "+server.URL+"/brew"), text)
	require.True(t, strings.Contains(text, "418"), text)
	require.True(t, strings.Contains(text, "short and stout"), text)
	require.True(t, strings.Contains(text, "hello"), text)
}
