//go:build govips && cgo

package pipeline

import (
	"context"
	"fmt"

	"github.com/davidbyttow/govips/v2/vips"
	"github.com/dunamismax/canvasfit/internal/domain"
)

type govipsTransformer struct{}

func (t govipsTransformer) Transform(ctx context.Context, input []byte, profile domain.Profile) (Rendered, error) {
	select {
	case <-ctx.Done():
		return Rendered{}, ctx.Err()
	default:
	}

	if err := profile.Validate(); err != nil {
		return Rendered{}, err
	}

	img, err := vips.NewImageFromBuffer(input)
	if err != nil {
		return Rendered{}, &domain.DecodeError{Err: err}
	}
	defer img.Close()

	if err := flattenGovips(img); err != nil {
		return Rendered{}, err
	}

	layout := PlanLayout(img.Width(), img.Height(), profile)
	if layout.Rotate {
		// libvips angles are clockwise; 90 clockwise is 270 counter-clockwise.
		if err := img.Rotate(vips.Angle90); err != nil {
			return Rendered{}, fmt.Errorf("rotate image: %w", err)
		}
	}

	if err := resizeGovips(img, layout.ScaledWidth, layout.ScaledHeight); err != nil {
		return Rendered{}, err
	}

	bg := backgroundOf(profile)
	offsetX := (profile.CanvasWidth - img.Width()) / 2
	offsetY := (profile.CanvasHeight - img.Height()) / 2
	if err := img.EmbedBackground(offsetX, offsetY, profile.CanvasWidth, profile.CanvasHeight, &vips.Color{R: bg.R, G: bg.G, B: bg.B}); err != nil {
		return Rendered{}, fmt.Errorf("embed on canvas: %w", err)
	}
	layout.OffsetX, layout.OffsetY = offsetX, offsetY

	params := vips.NewJpegExportParams()
	params.Quality = JPEGQuality
	data, _, err := img.ExportJpeg(params)
	if err != nil {
		return Rendered{}, fmt.Errorf("encode jpeg: %w", err)
	}

	return Rendered{
		Data:   data,
		Width:  img.Width(),
		Height: img.Height(),
		Layout: layout,
	}, nil
}

// flattenGovips drops any alpha band and moves the image into sRGB.
func flattenGovips(img *vips.ImageRef) error {
	if img.HasAlpha() {
		if err := img.ExtractBand(0, img.Bands()-1); err != nil {
			return fmt.Errorf("drop alpha band: %w", err)
		}
	}
	if img.Interpretation() != vips.InterpretationSRGB {
		if err := img.ToColorSpace(vips.InterpretationSRGB); err != nil {
			return fmt.Errorf("convert to srgb: %w", err)
		}
	}
	return nil
}

func resizeGovips(img *vips.ImageRef, width, height int) error {
	if img.Width() <= 0 || img.Height() <= 0 {
		return fmt.Errorf("source image has invalid dimensions")
	}
	if img.Width() == width && img.Height() == height {
		return nil
	}

	hscale := float64(width) / float64(img.Width())
	vscale := float64(height) / float64(img.Height())
	if err := img.ResizeWithVScale(hscale, vscale, vips.KernelCubic); err != nil {
		return fmt.Errorf("resize image: %w", err)
	}
	return nil
}
