package utils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRate(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"", 0, false},
		{"0", 0, false},
		{"1000", 1000, false},
		{"500K", 500 * 1024, false},
		{"2m", 2 * 1024 * 1024, false},
		{"1.5G", 1536 * 1024 * 1024, false},
		{"fast", 0, true},
		{"-3K", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseRate(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestParseHeaderArgs(t *testing.T) {
	got := ParseHeaderArgs([]string{
		"Authorization: Bearer abc",
		"X-Empty:",
		"no-colon",
		": value",
		"X-Spaced :  padded  ",
	})
	assert.Equal(t, map[string]string{
		"Authorization": "Bearer abc",
		"X-Empty":       "",
		"X-Spaced":      "padded",
	}, got)
}

func TestRenewOutputPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "file.tar.gz")
	require.NoError(t, os.WriteFile(path, nil, 0644))
	assert.Equal(t, filepath.Join(dir, "file.tar-(1).gz"), RenewOutputPath(path))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "file.tar-(1).gz"), nil, 0644))
	assert.Equal(t, filepath.Join(dir, "file.tar-(2).gz"), RenewOutputPath(path))
}

func TestFilenameFromDisposition(t *testing.T) {
	assert.Equal(t, "report.pdf", FilenameFromDisposition(`attachment; filename="report.pdf"`))
	assert.Equal(t, "passwd", FilenameFromDisposition(`attachment; filename="../../etc/passwd"`))
	assert.Equal(t, "r_sum_.pdf", FilenameFromDisposition(`attachment; filename*=UTF-8''r%C3%A9sum%C3%A9.pdf`))
	assert.Empty(t, FilenameFromDisposition("inline"))
	assert.Empty(t, FilenameFromDisposition(""))
}

func TestInferOutputPath(t *testing.T) {
	tests := []struct {
		url, server, want string
	}{
		{"https://example.com/a/b/archive.zip", "", "archive.zip"},
		{"https://example.com/a/b/archive.zip?x=1", "", "archive.zip"},
		{"https://example.com/a/my%20file.iso", "", "my file.iso"},
		{"https://example.com/", "", "download"},
		{"https://example.com", "", "download"},
		{"https://example.com/x", "named.bin", "named.bin"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, InferOutputPath(tt.url, tt.server), tt.url)
	}
}

func TestStatePaths(t *testing.T) {
	assert.Equal(t, filepath.Join("dl", ".big.iso.progress"), ProgressFilePath(filepath.Join("dl", "big.iso")))
	assert.Equal(t, filepath.Join("dl", ".big.iso.tmp250-499"), ShardFilePath(filepath.Join("dl", "big.iso"), 250, 499))
}

func TestClean(t *testing.T) {
	dir := t.TempDir()
	output := filepath.Join(dir, "big.iso")
	for _, name := range []string{
		filepath.Base(ProgressFilePath(output)),
		filepath.Base(ShardFilePath(output, 0, 99)),
		filepath.Base(ShardFilePath(output, 100, 199)),
		"big.iso",
		".other.iso.tmp0-99",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0644))
	}

	removed, err := Clean(output)
	require.NoError(t, err)
	assert.Equal(t, 3, removed)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var left []string
	for _, entry := range entries {
		left = append(left, entry.Name())
	}
	assert.ElementsMatch(t, []string{"big.iso", ".other.iso.tmp0-99"}, left)
}

func TestGetRandomUserAgent(t *testing.T) {
	assert.Contains(t, userAgents, GetRandomUserAgent())
}
