package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/dunamismax/canvasfit/internal/domain"
	"github.com/klauspost/compress/zip"
)

// Packager renders a batch of sources with one profile and bundles the
// results into a ZIP archive.
type Packager struct {
	transformer Transformer
	now         func() time.Time
}

func NewPackager(transformer Transformer) *Packager {
	return &Packager{
		transformer: transformer,
		now:         time.Now,
	}
}

// Package renders every source in order and returns the archive. The first
// failing source aborts the whole batch; no partial archive is produced.
func (p *Packager) Package(ctx context.Context, profile domain.Profile, sources []domain.Source) (domain.Archive, domain.Batch, error) {
	batch, err := p.Render(ctx, profile, sources)
	if err != nil {
		return domain.Archive{}, nil, err
	}

	createdAt := p.now().UTC()
	var buf bytes.Buffer
	if err := WriteArchive(&buf, batch, createdAt); err != nil {
		return domain.Archive{}, nil, err
	}

	return domain.Archive{
		Name:      profile.ArchiveName,
		Profile:   profile.Name,
		Data:      buf.Bytes(),
		Entries:   batch.Names(),
		CreatedAt: createdAt,
	}, batch, nil
}

func (p *Packager) Render(ctx context.Context, profile domain.Profile, sources []domain.Source) (domain.Batch, error) {
	if err := profile.Validate(); err != nil {
		return nil, err
	}
	if err := domain.CheckBatchSize(profile, len(sources)); err != nil {
		return nil, err
	}

	batch := make(domain.Batch, 0, len(sources))
	for i, src := range sources {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		rendered, err := p.transformer.Transform(ctx, src.Data, profile)
		if err != nil {
			var decodeErr *domain.DecodeError
			if errors.As(err, &decodeErr) && decodeErr.Filename == "" {
				decodeErr.Filename = src.Filename
			}
			return nil, fmt.Errorf("render %s: %w", src.Filename, err)
		}

		batch = append(batch, domain.Entry{
			Name:   profile.EntryName(i, src.Filename),
			Bytes:  len(rendered.Data),
			Width:  rendered.Width,
			Height: rendered.Height,
			Data:   rendered.Data,
		})
	}
	return batch, nil
}

// WriteArchive writes batch as stored (uncompressed) ZIP entries in batch
// order. Entries sharing a name are all written; extractors keep the last.
func WriteArchive(w io.Writer, batch domain.Batch, modified time.Time) error {
	zw := zip.NewWriter(w)
	for _, entry := range batch {
		f, err := zw.CreateHeader(&zip.FileHeader{
			Name:     entry.Name,
			Method:   zip.Store,
			Modified: modified,
		})
		if err != nil {
			return fmt.Errorf("create archive entry %s: %w", entry.Name, err)
		}
		if _, err := f.Write(entry.Data); err != nil {
			return fmt.Errorf("write archive entry %s: %w", entry.Name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("finalize archive: %w", err)
	}
	return nil
}
