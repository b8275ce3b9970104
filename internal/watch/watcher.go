// Package watch renders every image dropped into a hot folder with one
// canvas-fit profile.
package watch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/dunamismax/canvasfit/internal/domain"
	"github.com/dunamismax/canvasfit/internal/pipeline"
	"github.com/fsnotify/fsnotify"
)

const DefaultDebounce = 500 * time.Millisecond

var (
	ErrSlottedProfile = errors.New("slotted profiles cannot watch a folder")
	ErrOutputIsInput  = errors.New("output directory must differ from the watched directory")
)

// Result reports one rendered (or failed) file.
type Result struct {
	Source string
	Output string
	Err    error
}

type Watcher struct {
	logger      *log.Logger
	transformer pipeline.Transformer
	profile     domain.Profile
	outDir      string
	debounce    time.Duration

	// OnResult, when set, is called after every render attempt.
	OnResult func(Result)
}

func New(logger *log.Logger, transformer pipeline.Transformer, profile domain.Profile, outDir string) (*Watcher, error) {
	if err := profile.Validate(); err != nil {
		return nil, err
	}
	if profile.Slotted() {
		return nil, fmt.Errorf("%w: %s", ErrSlottedProfile, profile.Name)
	}
	if outDir == "" {
		return nil, errors.New("output directory is required")
	}
	return &Watcher{
		logger:      logger,
		transformer: transformer,
		profile:     profile,
		outDir:      outDir,
		debounce:    DefaultDebounce,
	}, nil
}

// SetDebounce sets how long a file must stay quiet before it is rendered.
func (w *Watcher) SetDebounce(d time.Duration) {
	if d > 0 {
		w.debounce = d
	}
}

// Run watches dir until ctx is done. Render failures are reported and the
// loop keeps going.
func (w *Watcher) Run(ctx context.Context, dir string) error {
	outAbs, err := filepath.Abs(w.outDir)
	if err != nil {
		return fmt.Errorf("resolve output dir: %w", err)
	}
	if sameDir(dir, outAbs) {
		return fmt.Errorf("%w: %s", ErrOutputIsInput, dir)
	}
	if err := os.MkdirAll(w.outDir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	w.logger.Printf("watching dir=%s profile=%s out=%s", dir, w.profile.Name, w.outDir)

	pending := make(map[string]time.Time)
	ticker := time.NewTicker(w.debounce / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !domain.AcceptedExtension(event.Name) {
				continue
			}
			if abs, err := filepath.Abs(filepath.Dir(event.Name)); err == nil && abs == outAbs {
				continue
			}
			pending[event.Name] = time.Now()
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Printf("watch error err=%v", err)
		case now := <-ticker.C:
			for path, last := range pending {
				if now.Sub(last) < w.debounce {
					continue
				}
				delete(pending, path)
				w.report(w.RenderFile(ctx, path))
			}
		}
	}
}

// sameDir reports whether dir resolves to outAbs, by path or by inode.
func sameDir(dir, outAbs string) bool {
	dirAbs, err := filepath.Abs(dir)
	if err != nil {
		return false
	}
	if dirAbs == outAbs {
		return true
	}
	a, errA := os.Stat(dirAbs)
	b, errB := os.Stat(outAbs)
	return errA == nil && errB == nil && os.SameFile(a, b)
}

// RenderFile renders one source file into {out}/{stem}_{suffix}.jpg.
func (w *Watcher) RenderFile(ctx context.Context, path string) Result {
	res := Result{Source: path}

	data, err := os.ReadFile(path)
	if err != nil {
		res.Err = fmt.Errorf("read %s: %w", path, err)
		return res
	}

	rendered, err := w.transformer.Transform(ctx, data, w.profile)
	if err != nil {
		var decodeErr *domain.DecodeError
		if errors.As(err, &decodeErr) && decodeErr.Filename == "" {
			decodeErr.Filename = filepath.Base(path)
		}
		res.Err = err
		return res
	}

	out := filepath.Join(w.outDir, w.profile.EntryName(0, filepath.Base(path)))
	if err := os.WriteFile(out, rendered.Data, 0o644); err != nil {
		res.Err = fmt.Errorf("write %s: %w", out, err)
		return res
	}
	res.Output = out
	return res
}

func (w *Watcher) report(res Result) {
	if res.Err != nil {
		w.logger.Printf("render failed source=%s err=%v", res.Source, res.Err)
	} else {
		w.logger.Printf("rendered source=%s out=%s", res.Source, res.Output)
	}
	if w.OnResult != nil {
		w.OnResult(res)
	}
}
