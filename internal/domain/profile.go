package domain

import (
	"errors"
	"fmt"
	"image/color"
	"math"
	"strings"
)

const (
	ProfileInfo      = "info"
	ProfileAB        = "ab"
	ProfileABCD      = "abcd"
	ProfileGrid      = "grid"
	ProfileHighlight = "highlight"
	ProfileMobile    = "mobile"
)

var ErrUnknownProfile = errors.New("unknown profile")

// Profile describes one canvas-fit conversion mode.
type Profile struct {
	Name         string  `json:"name"`
	Title        string  `json:"title"`
	CanvasWidth  int     `json:"canvas_width"`
	CanvasHeight int     `json:"canvas_height"`
	ScaleFactor  float64 `json:"scale_factor"`
	// LandscapeScaleFactor replaces ScaleFactor for sources wider than tall.
	// Zero means no orientation-specific factor.
	LandscapeScaleFactor float64    `json:"landscape_scale_factor,omitempty"`
	RotateIfLandscape    bool       `json:"rotate_if_landscape"`
	Background           color.RGBA `json:"-"`
	Suffix               string     `json:"suffix,omitempty"`
	ArchiveName          string     `json:"archive_name"`
	// Slots holds fixed entry labels for profiles that take an exact number
	// of named inputs instead of an arbitrary batch.
	Slots []string `json:"slots,omitempty"`
}

var white = color.RGBA{R: 255, G: 255, B: 255, A: 255}

var builtinProfiles = []Profile{
	{
		Name:              ProfileInfo,
		Title:             "Info image",
		CanvasWidth:       680,
		CanvasHeight:      1280,
		ScaleFactor:       0.9,
		RotateIfLandscape: true,
		Background:        white,
		Suffix:            "info",
		ArchiveName:       "info_images.zip",
	},
	{
		Name:         ProfileAB,
		Title:        "A vs B images",
		CanvasWidth:  680,
		CanvasHeight: 640,
		ScaleFactor:  0.9,
		Background:   white,
		ArchiveName:  "ab_images.zip",
		Slots:        []string{"A", "B"},
	},
	{
		Name:         ProfileABCD,
		Title:        "ABCD images (multiple)",
		CanvasWidth:  680,
		CanvasHeight: 640,
		ScaleFactor:  0.9,
		Background:   white,
		Suffix:       "abcd",
		ArchiveName:  "abcd_images.zip",
	},
	{
		Name:         ProfileGrid,
		Title:        "Image grid (multiple images)",
		CanvasWidth:  680,
		CanvasHeight: 640,
		ScaleFactor:  0.85,
		Background:   white,
		Suffix:       "grid",
		ArchiveName:  "grid_images.zip",
	},
	{
		Name:                 ProfileHighlight,
		Title:                "Image highlight",
		CanvasWidth:          680,
		CanvasHeight:         640,
		ScaleFactor:          0.9,
		LandscapeScaleFactor: 0.75,
		Background:           white,
		Suffix:               "highlight",
		ArchiveName:          "highlight_images.zip",
	},
	{
		Name:              ProfileMobile,
		Title:             "Mobile-safe web images",
		CanvasWidth:       680,
		CanvasHeight:      1280,
		ScaleFactor:       0.9,
		RotateIfLandscape: true,
		Background:        white,
		Suffix:            "mobile",
		ArchiveName:       "Anon_Web_Images.zip",
	},
}

// Profiles returns the built-in profiles in display order.
func Profiles() []Profile {
	out := make([]Profile, len(builtinProfiles))
	for i, p := range builtinProfiles {
		out[i] = p.clone()
	}
	return out
}

func LookupProfile(name string) (Profile, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	for _, p := range builtinProfiles {
		if p.Name == key {
			return p.clone(), nil
		}
	}
	return Profile{}, fmt.Errorf("%w: %q", ErrUnknownProfile, name)
}

func (p Profile) clone() Profile {
	if p.Slots != nil {
		p.Slots = append([]string(nil), p.Slots...)
	}
	return p
}

func (p Profile) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return errors.New("profile name is required")
	}
	if p.CanvasWidth <= 0 || p.CanvasHeight <= 0 {
		return fmt.Errorf("profile %s: canvas dimensions must be positive", p.Name)
	}
	if p.ScaleFactor <= 0 || p.ScaleFactor > 1 {
		return fmt.Errorf("profile %s: scale_factor must be in (0, 1]", p.Name)
	}
	if p.LandscapeScaleFactor < 0 || p.LandscapeScaleFactor > 1 {
		return fmt.Errorf("profile %s: landscape_scale_factor must be in (0, 1]", p.Name)
	}
	if len(p.Slots) == 0 && strings.TrimSpace(p.Suffix) == "" {
		return fmt.Errorf("profile %s: suffix is required", p.Name)
	}
	if strings.TrimSpace(p.ArchiveName) == "" {
		return fmt.Errorf("profile %s: archive_name is required", p.Name)
	}
	return nil
}

func (p Profile) Slotted() bool {
	return len(p.Slots) > 0
}

// ScaleFor returns the scale factor applied to a source of the given size.
// Orientation is judged on the source as uploaded, before any rotation.
func (p Profile) ScaleFor(width, height int) float64 {
	if width > height && p.LandscapeScaleFactor > 0 {
		return p.LandscapeScaleFactor
	}
	return p.ScaleFactor
}

// Target returns the box the scaled source must fit within.
func (p Profile) Target(width, height int) (int, int) {
	scale := p.ScaleFor(width, height)
	return int(math.Floor(float64(p.CanvasWidth) * scale)), int(math.Floor(float64(p.CanvasHeight) * scale))
}

// EntryName returns the archive entry name for the index-th input.
func (p Profile) EntryName(index int, filename string) string {
	label := p.Suffix
	if p.Slotted() && index >= 0 && index < len(p.Slots) {
		label = p.Slots[index]
	}
	return fmt.Sprintf("%s_%s.jpg", Stem(filename), label)
}

// Stem strips any directory part and the last extension from filename.
func Stem(filename string) string {
	base := filename
	if i := strings.LastIndexAny(base, `/\`); i >= 0 {
		base = base[i+1:]
	}
	if i := strings.LastIndex(base, "."); i >= 0 {
		base = base[:i]
	}
	return base
}
