package cmn

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseIniFileRepeatedKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chronos.conf")
	contents := `[http]
bind-address = 0.0.0.0
bind-port = 7253

[cluster]
node = 10.0.0.1:7253
node = 10.0.0.2:7253
leaving = 10.0.0.9:7253
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	f, err := parseIniFile(path)
	require.NoError(t, err)

	require.Equal(t, "0.0.0.0", f.str("http.bind-address", ""))
	require.Equal(t, 7253, f.intval("http.bind-port", 0))
	require.Equal(t, []string{"10.0.0.1:7253", "10.0.0.2:7253"}, f.list("cluster.node", nil))
	require.Equal(t, []string{"10.0.0.9:7253"}, f.list("cluster.leaving", nil))
}

func TestParseIniFileMissingKeyUsesDefault(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chronos.conf")
	require.NoError(t, os.WriteFile(path, []byte("[http]\nbind-address = localhost\n"), 0o644))

	f, err := parseIniFile(path)
	require.NoError(t, err)
	require.Equal(t, 50, f.intval("http.threads", 50))
}
