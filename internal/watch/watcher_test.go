package watch

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dunamismax/canvasfit/internal/domain"
	"github.com/dunamismax/canvasfit/internal/pipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePNG(t *testing.T, path string, w, h int) {
	t.Helper()

	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = 0x80
	}
	img.SetNRGBA(0, 0, color.NRGBA{R: 255, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

func newWatcher(t *testing.T, profileName, outDir string) *Watcher {
	t.Helper()

	profile, err := domain.LookupProfile(profileName)
	require.NoError(t, err)
	transformer, err := pipeline.NewTransformer()
	require.NoError(t, err)

	w, err := New(log.New(io.Discard, "", 0), transformer, profile, outDir)
	require.NoError(t, err)
	return w
}

func TestRenderFileWritesCanvasJPEG(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "holiday.photo.png")
	writePNG(t, src, 120, 80)

	w := newWatcher(t, domain.ProfileMobile, filepath.Join(dir, "out"))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "out"), 0o755))

	res := w.RenderFile(context.Background(), src)
	require.NoError(t, res.Err)
	assert.Equal(t, filepath.Join(dir, "out", "holiday.photo_mobile.jpg"), res.Output)

	f, err := os.Open(res.Output)
	require.NoError(t, err)
	defer f.Close()
	img, err := jpeg.Decode(f)
	require.NoError(t, err)
	assert.Equal(t, 680, img.Bounds().Dx())
	assert.Equal(t, 1280, img.Bounds().Dy())
}

func TestRenderFileReportsDecodeErrors(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "junk.jpg")
	require.NoError(t, os.WriteFile(src, []byte("junk"), 0o644))

	w := newWatcher(t, domain.ProfileGrid, filepath.Join(dir, "out"))
	res := w.RenderFile(context.Background(), src)

	var decodeErr *domain.DecodeError
	require.ErrorAs(t, res.Err, &decodeErr)
	assert.Equal(t, "junk.jpg", decodeErr.Filename)
	assert.Empty(t, res.Output)
}

func TestNewRejectsSlottedProfile(t *testing.T) {
	profile, err := domain.LookupProfile(domain.ProfileAB)
	require.NoError(t, err)
	transformer, err := pipeline.NewTransformer()
	require.NoError(t, err)

	_, err = New(log.New(io.Discard, "", 0), transformer, profile, t.TempDir())
	assert.ErrorIs(t, err, ErrSlottedProfile)
}

func TestRunRendersDroppedFiles(t *testing.T) {
	in := t.TempDir()
	out := filepath.Join(t.TempDir(), "rendered")

	w := newWatcher(t, domain.ProfileHighlight, out)
	w.SetDebounce(50 * time.Millisecond)

	results := make(chan Result, 4)
	w.OnResult = func(r Result) { results <- r }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx, in) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	// Give the watcher a moment to register before dropping files.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(in, "notes.txt"), []byte("ignored"), 0o644))
	writePNG(t, filepath.Join(in, "banner.png"), 200, 100)

	select {
	case res := <-results:
		require.NoError(t, res.Err)
		assert.Equal(t, filepath.Join(out, "banner_highlight.jpg"), res.Output)
		_, err := os.Stat(res.Output)
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for render")
	}
}

func TestRunRejectsOutputInsideWatchedDir(t *testing.T) {
	in := t.TempDir()

	for name, out := range map[string]string{
		"same path":    in,
		"trailing dot": filepath.Join(in, "."),
		"parent hop":   filepath.Join(in, "sub", ".."),
	} {
		t.Run(name, func(t *testing.T) {
			w := newWatcher(t, domain.ProfileInfo, out)

			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			err := w.Run(ctx, in)
			assert.ErrorIs(t, err, ErrOutputIsInput)
		})
	}

	entries, err := os.ReadDir(in)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
