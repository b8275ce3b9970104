package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"image"

	"github.com/disintegration/imaging"
	"github.com/dunamismax/canvasfit/internal/domain"
	_ "golang.org/x/image/webp"
)

type imagingTransformer struct{}

func (t imagingTransformer) Transform(ctx context.Context, input []byte, profile domain.Profile) (Rendered, error) {
	select {
	case <-ctx.Done():
		return Rendered{}, ctx.Err()
	default:
	}

	if err := profile.Validate(); err != nil {
		return Rendered{}, err
	}

	src, err := imaging.Decode(bytes.NewReader(input))
	if err != nil {
		return Rendered{}, &domain.DecodeError{Err: err}
	}

	out, layout := render(src, profile)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, out, imaging.JPEG, imaging.JPEGQuality(JPEGQuality)); err != nil {
		return Rendered{}, fmt.Errorf("encode jpeg: %w", err)
	}

	return Rendered{
		Data:   buf.Bytes(),
		Width:  out.Bounds().Dx(),
		Height: out.Bounds().Dy(),
		Layout: layout,
	}, nil
}

// Render fits src onto the profile canvas without encoding it.
func Render(src image.Image, profile domain.Profile) *image.NRGBA {
	out, _ := render(src, profile)
	return out
}

func render(src image.Image, profile domain.Profile) (*image.NRGBA, Layout) {
	img := opaqueClone(src)
	layout := PlanLayout(img.Bounds().Dx(), img.Bounds().Dy(), profile)

	if layout.Rotate {
		img = imaging.Rotate270(img)
	}
	if img.Bounds().Dx() != layout.ScaledWidth || img.Bounds().Dy() != layout.ScaledHeight {
		img = imaging.Resize(img, layout.ScaledWidth, layout.ScaledHeight, imaging.CatmullRom)
	}

	canvas := imaging.New(profile.CanvasWidth, profile.CanvasHeight, backgroundOf(profile))
	return imaging.Paste(canvas, img, image.Pt(layout.OffsetX, layout.OffsetY)), layout
}

// opaqueClone copies src into NRGBA and forces every pixel opaque. Colour
// values under transparent pixels are kept as-is, not blended.
func opaqueClone(src image.Image) *image.NRGBA {
	dst := imaging.Clone(src)
	for i := 3; i < len(dst.Pix); i += 4 {
		dst.Pix[i] = 0xff
	}
	return dst
}
