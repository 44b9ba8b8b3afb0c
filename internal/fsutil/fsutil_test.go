package fsutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListImagesNaturalOrder(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"frame_10.png", "frame_2.png", "frame_1.png", "notes.txt", ".hidden.png"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub.png"), 0o755))

	files, err := ListImages(dir)
	require.NoError(t, err)

	var names []string
	for _, f := range files {
		names = append(names, filepath.Base(f))
	}
	assert.Equal(t, []string{"frame_1.png", "frame_2.png", "frame_10.png"}, names)
}

func TestNaturalLess(t *testing.T) {
	assert.True(t, naturalLess("a2", "a10"))
	assert.True(t, naturalLess("a002", "a10"))
	assert.False(t, naturalLess("b1", "a9"))
	assert.True(t, naturalLess("IMG_1", "img_2"))
	assert.True(t, naturalLess("a", "ab"))
}

func TestFileClassification(t *testing.T) {
	assert.True(t, IsImageFile("x.JPG"))
	assert.True(t, IsRAWFile("x.cr2"))
	assert.False(t, IsRAWFile("x.png"))
	assert.False(t, IsImageFile("x.mp4"))
}

func TestPixelBudget(t *testing.T) {
	assert.Equal(t, int64(0), PixelBudget(0))
	assert.GreaterOrEqual(t, PixelBudget(0.5), int64(0))
}
