package video

import (
	"bytes"
	"image"
	"image/jpeg"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var soi = []byte{0xFF, 0xD8}

func testFrame() image.Image {
	return image.NewRGBA(image.Rect(0, 0, 32, 24))
}

func TestMJPEGFile_WritesOneJPEGPerFrame(t *testing.T) {
	dir := t.TempDir()
	sink, err := New(Config{Quality: 70}, dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "video.mjpeg"), sink.Path())

	for i := 0; i < 5; i++ {
		require.NoError(t, sink.WriteFrame(testFrame()))
	}
	assert.Equal(t, uint64(5), sink.Frames())
	require.NoError(t, sink.Close())
	require.NoError(t, sink.Close())

	data, err := os.ReadFile(sink.Path())
	require.NoError(t, err)
	assert.Equal(t, 5, bytes.Count(data, soi))
	assert.Equal(t, int64(len(data)), sink.(*MJPEGFile).Bytes())

	// the first frame decodes on its own
	img, err := jpeg.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 32, img.Bounds().Dx())
}

func TestMJPEGFile_WriteAfterClose(t *testing.T) {
	sink, err := NewMJPEGFile(filepath.Join(t.TempDir(), "v.mjpeg"), 0)
	require.NoError(t, err)
	require.NoError(t, sink.Close())
	assert.ErrorIs(t, sink.WriteFrame(testFrame()), ErrClosed)
	assert.Equal(t, uint64(0), sink.Frames())
}

func TestNew_Errors(t *testing.T) {
	_, err := New(Config{Encoder: "gif"}, t.TempDir())
	assert.Error(t, err)

	_, err = New(Config{}, filepath.Join(t.TempDir(), "missing", "dir"))
	assert.Error(t, err)

	_, err = New(Config{Encoder: EncoderFFmpeg, FFmpegPath: "/nonexistent/ffmpeg"}, t.TempDir())
	assert.Error(t, err)
}

func TestFFmpeg_EncodesMP4(t *testing.T) {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		t.Skip("ffmpeg not installed")
	}
	dir := t.TempDir()
	sink, err := New(Config{Encoder: EncoderFFmpeg, FPS: 10}, dir)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		require.NoError(t, sink.WriteFrame(testFrame()))
	}
	require.NoError(t, sink.Close())
	assert.Equal(t, uint64(10), sink.Frames())

	info, err := os.Stat(filepath.Join(dir, "video.mp4"))
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))
}

func TestQuality(t *testing.T) {
	assert.Equal(t, 85, quality(0))
	assert.Equal(t, 85, quality(101))
	assert.Equal(t, 50, quality(50))
}
