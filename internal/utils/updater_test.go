package utils

import (
	"archive/zip"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewUpdater(t *testing.T) {
	config := UpdaterConfig{
		Repository:     "platomav/MCExtractor",
		BinaryName:     "mce",
		CurrentVersion: "1.0.0",
	}

	updater := NewUpdater(config)

	assert.NotNil(t, updater)
	assert.Equal(t, config.Repository, updater.config.Repository)
	assert.Equal(t, config.BinaryName, updater.config.BinaryName)
	assert.NotNil(t, updater.httpClient)
	assert.NotNil(t, updater.logger)
}

func TestUpdater_isNewerVersion(t *testing.T) {
	updater := NewUpdater(UpdaterConfig{BinaryName: "mce"})

	tests := []struct {
		latest  string
		current string
		want    bool
	}{
		{"v1.1.0", "v1.0.0", true},
		{"1.1.0", "1.0.0", true},
		{"v1.0.0", "v1.1.0", false},
		{"v1.0.0", "v1.0.0", false},
		{"v2.0.0", "1.9.9", true},
		{"v1.0.0", "dev", true},
		{"v1.0.0", "unknown", true},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s_vs_%s", tt.latest, tt.current), func(t *testing.T) {
			got := updater.isNewerVersion(tt.latest, tt.current)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestUpdater_findAssetForPlatform(t *testing.T) {
	updater := NewUpdater(UpdaterConfig{BinaryName: "mce"})

	assets := []GitHubAsset{
		{Name: "mce-other-arch.tar.gz"},
		{Name: fmt.Sprintf("mce-%s-%s.tar.gz", runtime.GOOS, runtime.GOARCH)},
	}

	asset, err := updater.findAssetForPlatform(assets)
	require.NoError(t, err)
	assert.Equal(t, assets[1].Name, asset.Name)

	_, err = updater.findAssetForPlatform([]GitHubAsset{{Name: "readme.txt"}})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "no asset found")
}

func TestUpdater_isBinaryFile(t *testing.T) {
	updater := NewUpdater(UpdaterConfig{BinaryName: "mce"})

	tests := []struct {
		filename string
		want     bool
	}{
		{"mce", true},
		{"dir/mce", true},
		{"mce-linux-amd64", true},
		{"README.md", false},
		{"LICENSE", false},
	}

	for _, tt := range tests {
		t.Run(tt.filename, func(t *testing.T) {
			assert.Equal(t, tt.want, updater.isBinaryFile(tt.filename))
		})
	}
}

func TestUpdater_extractBinary_Passthrough(t *testing.T) {
	updater := NewUpdater(UpdaterConfig{BinaryName: "mce"})

	dir := t.TempDir()
	binPath := filepath.Join(dir, "mce")
	require.NoError(t, os.WriteFile(binPath, []byte("binary"), 0755))

	path, err := updater.extractBinary(binPath, dir)
	require.NoError(t, err)
	assert.Equal(t, binPath, path)
}

func TestUpdater_extractBinary_Zip(t *testing.T) {
	updater := NewUpdater(UpdaterConfig{BinaryName: "mce"})

	dir := t.TempDir()
	zipPath := filepath.Join(dir, "release.zip")

	zipFile, err := os.Create(zipPath)
	require.NoError(t, err)
	writer := zip.NewWriter(zipFile)
	entry, err := writer.Create("mce")
	require.NoError(t, err)
	_, err = entry.Write([]byte("binary payload"))
	require.NoError(t, err)
	require.NoError(t, writer.Close())
	require.NoError(t, zipFile.Close())

	extractDir := t.TempDir()
	path, err := updater.extractBinary(zipPath, extractDir)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("binary payload"), data)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0755), info.Mode().Perm())
}

func TestUpdater_copyFile(t *testing.T) {
	updater := NewUpdater(UpdaterConfig{BinaryName: "mce"})

	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")
	require.NoError(t, os.WriteFile(src, []byte("contents"), 0700))

	require.NoError(t, updater.copyFile(src, dst))

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, []byte("contents"), data)

	info, err := os.Stat(dst)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0700), info.Mode().Perm())
}
