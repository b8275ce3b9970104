package pipeline

import (
	"bytes"
	"context"
	"errors"
	"image/jpeg"
	"io"
	"testing"
	"time"

	"github.com/dunamismax/canvasfit/internal/domain"
	"github.com/klauspost/compress/zip"
)

func TestPackageTwoSlotProfile(t *testing.T) {
	packager := NewPackager(imagingTransformer{})

	archive, batch, err := packager.Package(context.Background(), mustProfile(t, domain.ProfileAB), []domain.Source{
		{Filename: "left.png", Data: buildTestPNG(t, 300, 200)},
		{Filename: "right.png", Data: buildTestPNG(t, 200, 300)},
	})
	if err != nil {
		t.Fatalf("package: %v", err)
	}

	if archive.Name != "ab_images.zip" {
		t.Fatalf("expected ab_images.zip, got %s", archive.Name)
	}
	if len(batch) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(batch))
	}

	names := zipEntryNames(t, archive.Data)
	if len(names) != 2 || names[0] != "left_A.jpg" || names[1] != "right_B.jpg" {
		t.Fatalf("expected [left_A.jpg right_B.jpg], got %v", names)
	}
}

func TestPackageKeepsUploadOrderAndDuplicateNames(t *testing.T) {
	packager := NewPackager(imagingTransformer{})
	profile := mustProfile(t, domain.ProfileGrid)

	archive, batch, err := packager.Package(context.Background(), profile, []domain.Source{
		{Filename: "b.png", Data: buildTestPNG(t, 40, 30)},
		{Filename: "a.png", Data: buildTestPNG(t, 30, 40)},
		{Filename: "b.jpg", Data: buildTestPNG(t, 20, 20)},
	})
	if err != nil {
		t.Fatalf("package: %v", err)
	}

	want := []string{"b_grid.jpg", "a_grid.jpg", "b_grid.jpg"}
	if got := batch.Names(); !equalStrings(got, want) {
		t.Fatalf("expected batch names %v, got %v", want, got)
	}
	if got := zipEntryNames(t, archive.Data); !equalStrings(got, want) {
		t.Fatalf("expected archive entries %v, got %v", want, got)
	}
	if !equalStrings(archive.Entries, want) {
		t.Fatalf("expected archive.Entries %v, got %v", want, archive.Entries)
	}
}

func TestPackageEntriesAreCanvasJPEGs(t *testing.T) {
	packager := NewPackager(imagingTransformer{})
	profile := mustProfile(t, domain.ProfileInfo)

	archive, _, err := packager.Package(context.Background(), profile, []domain.Source{
		{Filename: "photo.png", Data: buildTestPNG(t, 320, 180)},
	})
	if err != nil {
		t.Fatalf("package: %v", err)
	}

	zr, err := zip.NewReader(bytes.NewReader(archive.Data), int64(len(archive.Data)))
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	if len(zr.File) != 1 || zr.File[0].Name != "photo_info.jpg" {
		t.Fatalf("expected single photo_info.jpg entry, got %d files", len(zr.File))
	}
	if zr.File[0].Method != zip.Store {
		t.Fatalf("expected stored entry, got method %d", zr.File[0].Method)
	}

	rc, err := zr.File[0].Open()
	if err != nil {
		t.Fatalf("open entry: %v", err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read entry: %v", err)
	}

	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode entry: %v", err)
	}
	if img.Bounds().Dx() != 680 || img.Bounds().Dy() != 1280 {
		t.Fatalf("expected 680x1280 entry, got %v", img.Bounds())
	}
}

func TestPackageAbortsBatchOnDecodeError(t *testing.T) {
	counting := &countingTransformer{next: imagingTransformer{}}
	packager := NewPackager(counting)

	archive, batch, err := packager.Package(context.Background(), mustProfile(t, domain.ProfileGrid), []domain.Source{
		{Filename: "one.png", Data: buildTestPNG(t, 20, 20)},
		{Filename: "broken.png", Data: []byte("\x89PNG but not really")},
		{Filename: "three.png", Data: buildTestPNG(t, 20, 20)},
	})

	var decodeErr *domain.DecodeError
	if !errors.As(err, &decodeErr) {
		t.Fatalf("expected DecodeError, got %v", err)
	}
	if decodeErr.Filename != "broken.png" {
		t.Fatalf("expected failing filename broken.png, got %q", decodeErr.Filename)
	}
	if archive.Data != nil || batch != nil {
		t.Fatal("expected no partial archive")
	}
	if counting.calls != 2 {
		t.Fatalf("expected processing to stop after the bad file, got %d transform calls", counting.calls)
	}
}

func TestPackageRejectsBadBatchSizes(t *testing.T) {
	packager := NewPackager(imagingTransformer{})

	_, _, err := packager.Package(context.Background(), mustProfile(t, domain.ProfileGrid), nil)
	if !errors.Is(err, domain.ErrEmptyBatch) {
		t.Fatalf("expected ErrEmptyBatch, got %v", err)
	}

	_, _, err = packager.Package(context.Background(), mustProfile(t, domain.ProfileAB), []domain.Source{
		{Filename: "only.png", Data: buildTestPNG(t, 10, 10)},
	})
	if !errors.Is(err, domain.ErrSlotCount) {
		t.Fatalf("expected ErrSlotCount, got %v", err)
	}
}

func TestPackageUsesClockForTimestamps(t *testing.T) {
	fixed := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	packager := NewPackager(imagingTransformer{})
	packager.now = func() time.Time { return fixed }

	archive, _, err := packager.Package(context.Background(), mustProfile(t, domain.ProfileABCD), []domain.Source{
		{Filename: "x.png", Data: buildTestPNG(t, 10, 10)},
	})
	if err != nil {
		t.Fatalf("package: %v", err)
	}
	if !archive.CreatedAt.Equal(fixed) {
		t.Fatalf("expected created_at %v, got %v", fixed, archive.CreatedAt)
	}
}

type countingTransformer struct {
	next  Transformer
	calls int
}

func (c *countingTransformer) Transform(ctx context.Context, input []byte, profile domain.Profile) (Rendered, error) {
	c.calls++
	return c.next.Transform(ctx, input, profile)
}

func zipEntryNames(t *testing.T, data []byte) []string {
	t.Helper()

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	names := make([]string, 0, len(zr.File))
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	return names
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
