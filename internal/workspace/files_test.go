package workspace

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteDataFilePermissions(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	cases := []struct {
		name string
		mode os.FileMode
	}{
		{"config.json", 0o644},
		{".env", 0o600},
		{"hl.private.key", 0o600},
		{"private", 0o600},
	}
	for _, tc := range cases {
		p, err := WriteDataFile(dir, tc.name, []byte("x"))
		require.NoError(t, err, tc.name)
		fi, err := os.Stat(p)
		require.NoError(t, err)
		assert.Equal(t, tc.mode, fi.Mode().Perm(), tc.name)
	}
}

func TestWriteDataFileTightensExisting(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	p := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(p, []byte("old"), 0o644))
	_, err := WriteDataFile(dir, ".env", []byte("new"))
	require.NoError(t, err)
	fi, _ := os.Stat(p)
	assert.Equal(t, os.FileMode(0o600), fi.Mode().Perm())
}

func TestWriteSecretFileAlwaysOwnerOnly(t *testing.T) {
	requireUnix(t)
	p, err := WriteSecretFile(t.TempDir(), "api-token", []byte("s"))
	require.NoError(t, err)
	fi, _ := os.Stat(p)
	assert.Equal(t, os.FileMode(0o600), fi.Mode().Perm())
}

func TestDataFileRejectsTraversal(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"", ".", "..", "../x", "a/b", `a\b`} {
		_, err := WriteDataFile(dir, name, nil)
		assert.Error(t, err, name)
		_, err = ReadDataFile(dir, name)
		assert.Error(t, err, name)
	}
}

func TestReadDataFile(t *testing.T) {
	dir := t.TempDir()
	_, err := WriteDataFile(dir, "config.json", []byte(`{"a":1}`))
	require.NoError(t, err)
	b, err := ReadDataFile(dir, "config.json")
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(b))
	_, err = ReadDataFile(dir, "missing.json")
	assert.Error(t, err)
}

func TestIsSensitive(t *testing.T) {
	assert.True(t, IsSensitive(".env"))
	assert.True(t, IsSensitive("my_private_key"))
	assert.False(t, IsSensitive(".env.example"))
	assert.False(t, IsSensitive("config.json"))
}
