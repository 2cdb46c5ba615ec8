package ytdlp

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleInfoJSON = `{
  "title": "Conference talk",
  "uploader": "confchannel",
  "duration_string": "41:22",
  "duration": 2482,
  "extractor_key": "Youtube",
  "thumbnail": "https://example.com/thumb.jpg",
  "formats": [
    {"format_id": "sb0", "vcodec": "none", "acodec": "none", "ext": "mhtml"},
    {"format_id": "140", "vcodec": "none", "acodec": "mp4a.40.2", "ext": "m4a", "filesize": 10485760, "abr": 128},
    {"format_id": "22", "vcodec": "avc1", "acodec": "mp4a.40.2", "ext": "mp4", "filesize_approx": 104857600, "height": 720}
  ]
}`

func writeMetadataScript(t *testing.T, body string) *MetadataExtractor {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-downloader")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return NewMetadataExtractor(path)
}

func TestExtract(t *testing.T) {
	extractor := writeMetadataScript(t, "cat <<'EOF'\n"+sampleInfoJSON+"\nEOF")

	meta, err := extractor.Extract(context.Background(), "https://example.com/watch?v=1")
	require.NoError(t, err)
	assert.Equal(t, "Conference talk", meta.Title)
	assert.Equal(t, "confchannel", meta.Uploader)
	assert.Equal(t, "41:22", meta.Duration)
	assert.Equal(t, "Youtube", meta.Platform)
	assert.Equal(t, "https://example.com/thumb.jpg", meta.ThumbnailURL)
}

func TestExtractDerivesDurationFromSeconds(t *testing.T) {
	extractor := writeMetadataScript(t, `echo '{"title": "Clip", "duration": 3725}'`)

	meta, err := extractor.Extract(context.Background(), "https://example.com/watch?v=1")
	require.NoError(t, err)
	assert.Equal(t, "01:02:05", meta.Duration)
}

func TestExtractSurfacesStderr(t *testing.T) {
	extractor := writeMetadataScript(t, "echo 'ERROR: video unavailable' >&2\nexit 1")

	_, err := extractor.Extract(context.Background(), "https://example.com/watch?v=1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "video unavailable")
}

func TestExtractRejectsMalformedJSON(t *testing.T) {
	extractor := writeMetadataScript(t, "echo 'not json'")

	_, err := extractor.Extract(context.Background(), "https://example.com/watch?v=1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode metadata")
}

func TestListFormats(t *testing.T) {
	extractor := writeMetadataScript(t, "cat <<'EOF'\n"+sampleInfoJSON+"\nEOF")

	formats, err := extractor.ListFormats(context.Background(), "https://example.com/watch?v=1")
	require.NoError(t, err)
	require.Len(t, formats, 2)

	audio := formats[0]
	assert.Equal(t, "140", audio.ID)
	assert.False(t, audio.HasVideo)
	assert.True(t, audio.HasAudio)
	assert.Equal(t, int64(10485760), audio.FileSize)
	assert.Equal(t, "128kbps M4A (10 MiB) (audio only)", audio.Label)

	video := formats[1]
	assert.Equal(t, "22", video.ID)
	assert.True(t, video.HasVideo)
	assert.Equal(t, int64(104857600), video.FileSize)
	assert.Equal(t, "720p MP4 (100 MiB)", video.Label)
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "00:42", formatDuration(42))
	assert.Equal(t, "05:00", formatDuration(300))
	assert.Equal(t, "01:01:05", formatDuration(3665))
}
