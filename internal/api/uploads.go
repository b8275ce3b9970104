package api

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/dunamismax/canvasfit/internal/domain"
)

const multipartMemory = 32 << 20

var (
	ErrUnsupportedExtension = errors.New("unsupported file type")
	errBadUpload            = errors.New("malformed upload")
)

// readUploads parses the multipart body and returns the chosen profile with
// its sources in upload order. Slotted profiles read one file per
// slot_<label> field; the rest read every "files" part.
func (s *Server) readUploads(w http.ResponseWriter, r *http.Request) (domain.Profile, []domain.Source, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return domain.Profile{}, nil, err
		}
		return domain.Profile{}, nil, fmt.Errorf("%w: %v", errBadUpload, err)
	}

	profile, err := domain.LookupProfile(r.FormValue("profile"))
	if err != nil {
		return domain.Profile{}, nil, err
	}

	var headers []*multipart.FileHeader
	if profile.Slotted() {
		for _, label := range profile.Slots {
			files := r.MultipartForm.File["slot_"+label]
			if len(files) == 0 {
				return domain.Profile{}, nil, fmt.Errorf("%w: slot %s is empty", domain.ErrSlotCount, label)
			}
			headers = append(headers, files[0])
		}
	} else {
		headers = r.MultipartForm.File["files"]
	}

	sources := make([]domain.Source, 0, len(headers))
	for _, fh := range headers {
		src, err := readUpload(fh)
		if err != nil {
			return domain.Profile{}, nil, err
		}
		sources = append(sources, src)
	}

	if err := domain.CheckBatchSize(profile, len(sources)); err != nil {
		return domain.Profile{}, nil, err
	}
	return profile, sources, nil
}

func readUpload(fh *multipart.FileHeader) (domain.Source, error) {
	if !domain.AcceptedExtension(fh.Filename) {
		return domain.Source{}, fmt.Errorf("%w: %s", ErrUnsupportedExtension, fh.Filename)
	}

	f, err := fh.Open()
	if err != nil {
		return domain.Source{}, fmt.Errorf("open upload %s: %w", fh.Filename, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return domain.Source{}, fmt.Errorf("read upload %s: %w", fh.Filename, err)
	}
	return domain.Source{Filename: fh.Filename, Data: data}, nil
}
