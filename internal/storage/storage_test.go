package storage

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalSaverWritesAsset(t *testing.T) {
	dir := t.TempDir()
	saver, err := NewLocalSaver(dir)
	require.NoError(t, err)

	asset := Asset{
		RequestID:   uuid.New(),
		BatchID:     uuid.New(),
		Category:    "letters",
		Kind:        "prompt",
		ProviderID:  "painter",
		Content:     []byte("a wax seal over parchment"),
		ContentType: "text/plain",
	}
	uri, err := saver.Save(context.Background(), asset)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(uri, "file://"))

	path := strings.TrimPrefix(uri, "file://")
	assert.Equal(t, filepath.Join(dir, "letters", asset.RequestID.String()+".txt"), path)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, asset.Content, data)

	// No temp files left behind.
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestLocalSaverRejectsEmptyContent(t *testing.T) {
	saver, err := NewLocalSaver(t.TempDir())
	require.NoError(t, err)
	_, err = saver.Save(context.Background(), Asset{RequestID: uuid.New()})
	assert.Error(t, err)
}

func TestLocalSaverRequiresDir(t *testing.T) {
	_, err := NewLocalSaver("")
	assert.Error(t, err)
}

func TestSanitizeCategory(t *testing.T) {
	assert.Equal(t, "uncategorized", sanitize(""))
	assert.Equal(t, "icons_social", sanitize("icons/social"))
	assert.Equal(t, "Covers-2024_q3", sanitize("Covers-2024 q3"))
}

func TestExt(t *testing.T) {
	assert.Equal(t, ".png", Ext("image/png"))
	assert.Equal(t, ".jpg", Ext("image/jpeg"))
	assert.Equal(t, ".txt", Ext("text/plain"))
	assert.Equal(t, ".bin", Ext("application/octet-stream"))
}
