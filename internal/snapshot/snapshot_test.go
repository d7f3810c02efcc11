package snapshot

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileName(t *testing.T) {
	ts := time.Date(2026, 1, 17, 14, 25, 3, 120_000_000, time.UTC)
	assert.Equal(t, "emotion_screenshot_20260117_142503.120.jpg", FileName(ts))
}

func TestDirStoreSave(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "shots")
	s, err := NewDirStore(dir)
	require.NoError(t, err)

	ts := time.Date(2026, 1, 17, 14, 25, 3, 0, time.UTC)
	jpeg := []byte{0xff, 0xd8, 0xff, 0xd9}

	first, err := s.Save(context.Background(), ts, jpeg)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "emotion_screenshot_20260117_142503.000.jpg"), first)

	got, err := os.ReadFile(first)
	require.NoError(t, err)
	assert.Equal(t, jpeg, got)

	second, err := s.Save(context.Background(), ts, jpeg)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "emotion_screenshot_20260117_142503.000_1.jpg"), second,
		"a collision must not overwrite the first screenshot")
}
