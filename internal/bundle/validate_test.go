package bundle

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateGitURIs(t *testing.T) {
	assert.True(t, ValidateURI("git+https://github.com/acme/bundle").Valid)

	res := ValidateURI("git+ssh://github.com/acme/bundle")
	assert.False(t, res.Valid)
	assert.Contains(t, res.Error, "https")

	assert.False(t, ValidateURI("git+https://").Valid)
}

func TestValidateFileURIExistingPath(t *testing.T) {
	dir := t.TempDir()

	res := ValidateURI("file://" + dir)
	assert.True(t, res.Valid, res.Error)
}

func TestValidateFileURIMissingPath(t *testing.T) {
	res := ValidateURI("file:///tmp/does-not-exist-anywhere-xyz")
	assert.False(t, res.Valid)
	assert.Contains(t, res.Error, "does not exist")
}

func TestValidateFileURIDeniedPrefixes(t *testing.T) {
	for _, uri := range []string{"file:///etc/passwd", "file:///usr/bin", "file:///var/log"} {
		res := ValidateURI(uri)
		assert.False(t, res.Valid, uri)
		assert.Contains(t, res.Error, "denied prefix", uri)
	}
}

func TestValidateFileURITraversalResolved(t *testing.T) {
	// Lexical traversal out of /tmp resolves into a denied tree.
	res := ValidateURI("file:///tmp/../etc/passwd")
	assert.False(t, res.Valid)
}

func TestValidateFileURIRelativeRejected(t *testing.T) {
	res := ValidateURI("file://relative/path")
	assert.False(t, res.Valid)
	assert.Contains(t, res.Error, "absolute")
}

func TestValidateUnsupportedScheme(t *testing.T) {
	res := ValidateURI("https://example.com/bundle")
	assert.False(t, res.Valid)
	assert.Contains(t, res.Error, "unsupported scheme")
}

func TestValidateWorkDirAcceptsTempDir(t *testing.T) {
	dir := t.TempDir()

	resolved, err := ValidateWorkDir(dir)
	require.NoError(t, err)
	expected, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	assert.Equal(t, expected, resolved)
}

func TestValidateWorkDirRejectsDeniedPrefix(t *testing.T) {
	_, err := ValidateWorkDir("/etc")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "denied prefix")
}

func TestValidateWorkDirRejectsRelativePath(t *testing.T) {
	_, err := ValidateWorkDir("some/relative/dir")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "absolute")
}

func TestValidateWorkDirRejectsFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	_, err := ValidateWorkDir(file)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a directory")
}

func TestValidateWorkDirRejectsMissingPath(t *testing.T) {
	_, err := ValidateWorkDir("/tmp/does-not-exist-anywhere-xyz")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not exist")
}

func TestValidateProbesManifest(t *testing.T) {
	dir := t.TempDir()
	manifest := "name: my-bundle\nversion: 1.2.0\ndescription: Test bundle\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bundle.yaml"), []byte(manifest), 0o644))

	res := ValidateURI("file://" + dir)
	require.True(t, res.Valid, res.Error)
	require.NotNil(t, res.Manifest)
	assert.Equal(t, "my-bundle", res.Manifest.Name)
	assert.Equal(t, "1.2.0", res.Manifest.Version)
}
