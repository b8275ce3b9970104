// Package session keeps the archives a browser session has produced, keyed by
// profile name, so the form can offer them again after the response.
package session

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/dunamismax/canvasfit/internal/domain"
	"github.com/google/uuid"
)

var (
	ErrMissingSession = errors.New("session id is required")
	ErrMissingKey     = errors.New("archive key is required")
)

// Store is a per-session archive shelf. A later Put under the same key
// replaces the earlier archive.
type Store interface {
	Put(ctx context.Context, sessionID, key string, archive domain.Archive) error
	Get(ctx context.Context, sessionID, key string) (domain.Archive, bool, error)
	List(ctx context.Context, sessionID string) ([]domain.ArchiveInfo, error)
	Clear(ctx context.Context, sessionID string) error
}

// NewID returns a fresh opaque session identifier.
func NewID() string {
	return uuid.NewString()
}

// ValidID reports whether id looks like one NewID produced.
func ValidID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

func checkKeys(sessionID, key string) error {
	if strings.TrimSpace(sessionID) == "" {
		return ErrMissingSession
	}
	if strings.TrimSpace(key) == "" {
		return ErrMissingKey
	}
	return nil
}

func sortInfos(infos []domain.ArchiveInfo) {
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
}
