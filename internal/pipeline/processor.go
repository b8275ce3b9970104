package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dunamismax/canvasfit/internal/domain"
)

var ErrUnsupportedSourceType = errors.New("unsupported source_type")

type Request struct {
	JobID      string
	Profile    string
	SourceType string
	Sources    []domain.SourceRef
}

type Result struct {
	ArchiveKey     string
	ArchiveName    string
	Entries        []domain.Entry
	Images         int
	PixelsRendered int64
	SourceBytes    int
	ArchiveBytes   int
}

type Fetcher interface {
	Fetch(ctx context.Context, req Request, src domain.SourceRef) ([]byte, error)
}

type Emitter interface {
	Emit(ctx context.Context, req Request, archive domain.Archive) (string, error)
}

// Processor runs one conversion job: fetch every source, package the batch,
// emit the archive.
type Processor struct {
	fetcher  Fetcher
	packager *Packager
	emitter  Emitter
}

func NewLocalProcessor(outputDir string) (*Processor, error) {
	return NewProcessor(LocalFileFetcher{}, LocalFileEmitter{OutputDir: outputDir})
}

func NewProcessor(fetcher Fetcher, emitter Emitter) (*Processor, error) {
	if fetcher == nil || emitter == nil {
		return nil, errors.New("fetcher and emitter are required")
	}

	transformer, err := NewTransformer()
	if err != nil {
		return nil, fmt.Errorf("build transformer: %w", err)
	}

	return &Processor{
		fetcher:  fetcher,
		packager: NewPackager(transformer),
		emitter:  emitter,
	}, nil
}

func (p *Processor) Process(ctx context.Context, req Request) (Result, error) {
	if strings.TrimSpace(req.JobID) == "" {
		return Result{}, errors.New("job_id is required")
	}

	profile, err := domain.LookupProfile(req.Profile)
	if err != nil {
		return Result{}, err
	}
	if err := domain.CheckBatchSize(profile, len(req.Sources)); err != nil {
		return Result{}, err
	}

	sources := make([]domain.Source, 0, len(req.Sources))
	sourceBytes := 0
	for _, ref := range req.Sources {
		data, err := p.fetcher.Fetch(ctx, req, ref)
		if err != nil {
			return Result{}, fmt.Errorf("fetch stage source=%s: %w", ref.Filename, err)
		}
		sourceBytes += len(data)
		sources = append(sources, domain.Source{Filename: ref.Filename, Data: data})
	}

	archive, batch, err := p.packager.Package(ctx, profile, sources)
	if err != nil {
		return Result{}, fmt.Errorf("package stage profile=%s: %w", profile.Name, err)
	}

	key, err := p.emitter.Emit(ctx, req, archive)
	if err != nil {
		return Result{}, fmt.Errorf("emit stage archive=%s: %w", archive.Name, err)
	}

	entries := make([]domain.Entry, len(batch))
	for i, e := range batch {
		e.Data = nil
		entries[i] = e
	}

	return Result{
		ArchiveKey:     key,
		ArchiveName:    archive.Name,
		Entries:        entries,
		Images:         len(batch),
		PixelsRendered: batch.Pixels(),
		SourceBytes:    sourceBytes,
		ArchiveBytes:   len(archive.Data),
	}, nil
}

type LocalFileFetcher struct{}

func (LocalFileFetcher) Fetch(ctx context.Context, req Request, src domain.SourceRef) ([]byte, error) {
	if !strings.EqualFold(req.SourceType, domain.SourceTypeLocalFile) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedSourceType, req.SourceType)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	data, err := os.ReadFile(src.ObjectKey)
	if err != nil {
		return nil, fmt.Errorf("read input file %s: %w", src.ObjectKey, err)
	}
	return data, nil
}

type LocalFileEmitter struct {
	OutputDir string
}

func (e LocalFileEmitter) Emit(_ context.Context, req Request, archive domain.Archive) (string, error) {
	if strings.TrimSpace(e.OutputDir) == "" {
		return "", errors.New("output directory is required")
	}

	jobDir := filepath.Join(e.OutputDir, sanitizePathToken(req.JobID))
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}

	fullPath := filepath.Join(jobDir, archiveFilename(archive))
	if err := os.WriteFile(fullPath, archive.Data, 0o644); err != nil {
		return "", fmt.Errorf("write archive file: %w", err)
	}
	return fullPath, nil
}

func archiveFilename(archive domain.Archive) string {
	name := filepath.Base(strings.TrimSpace(archive.Name))
	if name == "" || name == "." || name == "/" {
		return "images.zip"
	}
	return name
}

func sanitizePathToken(in string) string {
	in = strings.TrimSpace(in)
	if in == "" {
		return "unknown"
	}

	var b strings.Builder
	b.Grow(len(in))
	for _, r := range in {
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_' || r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}

	out := b.String()
	if strings.Trim(out, ".") == "" {
		return "unknown"
	}
	return out
}

// SanitizeFilename makes an upload filename safe to use as a path token
// while keeping its extension.
func SanitizeFilename(name string) string {
	return sanitizePathToken(filepath.Base(strings.ReplaceAll(name, `\`, "/")))
}
