package configutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

type testConfig struct {
	Name    string            `json:"name"`
	Retries int               `json:"retries"`
	Headers map[string]string `json:"headers"`
}

func writeFile(t testing.TB, path, contents string) {
	err := os.WriteFile(path, []byte(contents), 0600)
	if err != nil {
		t.Fatal(err)
	}
}

func TestLocalName(t *testing.T) {
	testCases := []struct {
		name   string
		expect string
	}{
		{name: "ingest.json5", expect: "ingest.local.json5"},
		{name: "conf/ingest.json5", expect: "conf/ingest.local.json5"},
		{name: "a.b/telemetry.json5", expect: "a.b/telemetry.local.json5"},
		{name: "noext", expect: "noext.local"},
	}
	for _, test := range testCases {
		require.Equal(t, test.expect, LocalName(test.name))
	}
}

func TestReadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ingest.json5")

	_, err := ReadConfig[testConfig](path)
	require.ErrorIs(t, err, os.ErrNotExist)

	writeFile(t, path, `{
		// comments are allowed
		name: "base",
		retries: 3,
		headers: {accept: "text/html"},
	}`)
	cfg, err := ReadConfig[testConfig](path)
	require.NoError(t, err)
	require.Equal(t, "base", cfg.Name)
	require.Equal(t, 3, cfg.Retries)

	writeFile(t, filepath.Join(dir, "ingest.local.json5"), `{retries: 7}`)
	cfg, err = ReadConfig[testConfig](path)
	require.NoError(t, err)
	require.Equal(t, "base", cfg.Name)
	require.Equal(t, 7, cfg.Retries)
	require.Equal(t, "text/html", cfg.Headers["accept"])
}

func TestReadConfigInvalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broken.json5")
	writeFile(t, path, `{name: `)

	_, err := ReadConfig[testConfig](path)
	require.Error(t, err)
	require.NotErrorIs(t, err, os.ErrNotExist)
}

func TestReadRecursively(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0777))
	writeFile(t, filepath.Join(root, "found.json5"), `{name: "root"}`)

	previous, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(nested))
	defer os.Chdir(previous)

	cfg, err := ReadRecursively[testConfig]("found.json5")
	require.NoError(t, err)
	require.Equal(t, "root", cfg.Name)

	_, err = ReadRecursively[testConfig]("missing-ingestkit-config.json5")
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestResolveEnv(t *testing.T) {
	t.Setenv("INGESTKIT_TEST_SECRET", "hunter2")

	value, err := ResolveEnv("env:INGESTKIT_TEST_SECRET")
	require.NoError(t, err)
	require.Equal(t, "hunter2", value)

	value, err = ResolveEnv("plain")
	require.NoError(t, err)
	require.Equal(t, "plain", value)

	_, err = ResolveEnv("env:INGESTKIT_TEST_UNSET_VARIABLE")
	require.Error(t, err)
}
