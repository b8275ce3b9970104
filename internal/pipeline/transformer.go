package pipeline

import (
	"context"
	"image/color"
	"math"

	"github.com/dunamismax/canvasfit/internal/domain"
)

// JPEGQuality is the fixed encode quality for every rendered entry.
const JPEGQuality = 95

type Transformer interface {
	Transform(ctx context.Context, input []byte, profile domain.Profile) (Rendered, error)
}

// Rendered is one canvas-fitted image encoded as JPEG.
type Rendered struct {
	Data   []byte
	Width  int
	Height int
	Layout Layout
}

// Layout is the geometry of one canvas-fit: the source (after optional
// rotation) is scaled to Scaled* and pasted at Offset* on the canvas.
type Layout struct {
	Rotate       bool
	SourceWidth  int
	SourceHeight int
	TargetWidth  int
	TargetHeight int
	ScaledWidth  int
	ScaledHeight int
	OffsetX      int
	OffsetY      int
	CanvasWidth  int
	CanvasHeight int
}

// PlanLayout computes the canvas-fit geometry for a source of srcW x srcH.
func PlanLayout(srcW, srcH int, profile domain.Profile) Layout {
	targetW, targetH := profile.Target(srcW, srcH)

	rotate := profile.RotateIfLandscape && srcW > srcH
	w, h := srcW, srcH
	if rotate {
		w, h = srcH, srcW
	}

	scaledW, scaledH := fitSize(w, h, targetW, targetH)
	return Layout{
		Rotate:       rotate,
		SourceWidth:  w,
		SourceHeight: h,
		TargetWidth:  targetW,
		TargetHeight: targetH,
		ScaledWidth:  scaledW,
		ScaledHeight: scaledH,
		OffsetX:      (profile.CanvasWidth - scaledW) / 2,
		OffsetY:      (profile.CanvasHeight - scaledH) / 2,
		CanvasWidth:  profile.CanvasWidth,
		CanvasHeight: profile.CanvasHeight,
	}
}

// fitSize returns the largest size with the source aspect ratio that fits
// within maxW x maxH, scaling up as well as down. The free dimension is
// rounded half to even so sizes match Pillow's ImageOps.contain.
func fitSize(srcW, srcH, maxW, maxH int) (int, int) {
	if srcW <= 0 || srcH <= 0 || maxW <= 0 || maxH <= 0 {
		return 0, 0
	}

	srcAspect := float64(srcW) / float64(srcH)
	maxAspect := float64(maxW) / float64(maxH)

	w, h := maxW, maxH
	switch {
	case srcAspect > maxAspect:
		h = int(math.RoundToEven(float64(srcH) / float64(srcW) * float64(maxW)))
	case srcAspect < maxAspect:
		w = int(math.RoundToEven(float64(srcW) / float64(srcH) * float64(maxH)))
	}
	return max(1, w), max(1, h)
}

func backgroundOf(profile domain.Profile) color.NRGBA {
	bg := profile.Background
	return color.NRGBA{R: bg.R, G: bg.G, B: bg.B, A: 0xff}
}
