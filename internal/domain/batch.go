package domain

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

var (
	ErrEmptyBatch = errors.New("batch must contain at least one image")
	ErrSlotCount  = errors.New("profile requires a fixed number of images")
)

// DecodeError reports an input whose bytes are not a decodable image.
type DecodeError struct {
	Filename string
	Err      error
}

func (e *DecodeError) Error() string {
	if e.Filename == "" {
		return fmt.Sprintf("decode source image: %v", e.Err)
	}
	return fmt.Sprintf("decode source image %s: %v", e.Filename, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Source is one uploaded image.
type Source struct {
	Filename string
	Data     []byte
}

// Entry is one rendered JPEG inside an archive.
type Entry struct {
	Name   string `json:"name"`
	Bytes  int    `json:"bytes"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Data   []byte `json:"-"`
}

// Batch holds rendered entries in upload order.
type Batch []Entry

func (b Batch) Names() []string {
	names := make([]string, len(b))
	for i, e := range b {
		names[i] = e.Name
	}
	return names
}

func (b Batch) Pixels() int64 {
	var total int64
	for _, e := range b {
		total += int64(e.Width) * int64(e.Height)
	}
	return total
}

type Archive struct {
	Name      string    `json:"name"`
	Profile   string    `json:"profile"`
	Data      []byte    `json:"data"`
	Entries   []string  `json:"entries"`
	CreatedAt time.Time `json:"created_at"`
}

// ArchiveInfo describes a stored archive without its bytes.
type ArchiveInfo struct {
	Key       string    `json:"key"`
	Name      string    `json:"name"`
	Profile   string    `json:"profile"`
	Bytes     int       `json:"bytes"`
	Entries   []string  `json:"entries"`
	CreatedAt time.Time `json:"created_at"`
}

func (a Archive) Info(key string) ArchiveInfo {
	return ArchiveInfo{
		Key:       key,
		Name:      a.Name,
		Profile:   a.Profile,
		Bytes:     len(a.Data),
		Entries:   append([]string(nil), a.Entries...),
		CreatedAt: a.CreatedAt,
	}
}

// CheckBatchSize validates the number of inputs for profile.
func CheckBatchSize(p Profile, n int) error {
	if n == 0 {
		return ErrEmptyBatch
	}
	if p.Slotted() && n != len(p.Slots) {
		return fmt.Errorf("%w: %s takes exactly %d, got %d", ErrSlotCount, p.Name, len(p.Slots), n)
	}
	return nil
}

var acceptedExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".webp": true,
}

// AcceptedExtension reports whether filename carries one of the accepted
// image extensions, ignoring case.
func AcceptedExtension(filename string) bool {
	return acceptedExtensions[strings.ToLower(filepath.Ext(filename))]
}
