package session

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/dunamismax/canvasfit/internal/domain"
)

type memoryShelf struct {
	archives map[string]domain.Archive
	expires  time.Time
}

// sweepInterval bounds how often writes scan for expired shelves.
const sweepInterval = time.Minute

// MemoryStore keeps shelves in process memory. Shelves idle for longer than
// ttl are invisible to reads and are deleted by the sweep that runs on
// writes at most once per sweepInterval, or by RunJanitor.
type MemoryStore struct {
	mu        sync.RWMutex
	ttl       time.Duration
	now       func() time.Time
	lastSweep time.Time
	shelves   map[string]*memoryShelf
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		ttl:     ttl,
		now:     time.Now,
		shelves: make(map[string]*memoryShelf),
	}
}

func (s *MemoryStore) Put(ctx context.Context, sessionID, key string, archive domain.Archive) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkKeys(sessionID, key); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.maybeSweep()

	shelf, ok := s.live(sessionID)
	if !ok {
		shelf = &memoryShelf{archives: make(map[string]domain.Archive)}
		s.shelves[sessionID] = shelf
	}
	shelf.archives[key] = cloneArchive(archive)
	if s.ttl > 0 {
		shelf.expires = s.now().Add(s.ttl)
	}
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, sessionID, key string) (domain.Archive, bool, error) {
	if err := ctx.Err(); err != nil {
		return domain.Archive{}, false, err
	}
	if err := checkKeys(sessionID, key); err != nil {
		return domain.Archive{}, false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	shelf, ok := s.live(sessionID)
	if !ok {
		return domain.Archive{}, false, nil
	}
	archive, ok := shelf.archives[key]
	if !ok {
		return domain.Archive{}, false, nil
	}
	return cloneArchive(archive), true, nil
}

func (s *MemoryStore) List(ctx context.Context, sessionID string) ([]domain.ArchiveInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(sessionID) == "" {
		return nil, ErrMissingSession
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	shelf, ok := s.live(sessionID)
	if !ok {
		return []domain.ArchiveInfo{}, nil
	}
	infos := make([]domain.ArchiveInfo, 0, len(shelf.archives))
	for key, archive := range shelf.archives {
		infos = append(infos, archive.Info(key))
	}
	sortInfos(infos)
	return infos, nil
}

func (s *MemoryStore) Clear(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.shelves, sessionID)
	s.maybeSweep()
	return nil
}

// Sweep deletes every expired shelf and reports how many it removed.
func (s *MemoryStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sweep()
}

// RunJanitor sweeps every interval until ctx is done.
func (s *MemoryStore) RunJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = sweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// maybeSweep amortises expiry over writes. Callers hold mu for writing.
func (s *MemoryStore) maybeSweep() {
	if s.now().Sub(s.lastSweep) < sweepInterval {
		return
	}
	s.sweep()
}

func (s *MemoryStore) sweep() int {
	now := s.now()
	s.lastSweep = now
	removed := 0
	for id, shelf := range s.shelves {
		if shelf.expired(now) {
			delete(s.shelves, id)
			removed++
		}
	}
	return removed
}

// live returns the shelf for sessionID unless it has expired. Callers hold mu.
func (s *MemoryStore) live(sessionID string) (*memoryShelf, bool) {
	shelf, ok := s.shelves[sessionID]
	if !ok {
		return nil, false
	}
	if shelf.expired(s.now()) {
		return nil, false
	}
	return shelf, true
}

func (m *memoryShelf) expired(now time.Time) bool {
	return !m.expires.IsZero() && !now.Before(m.expires)
}

func cloneArchive(a domain.Archive) domain.Archive {
	a.Data = append([]byte(nil), a.Data...)
	a.Entries = append([]string(nil), a.Entries...)
	return a
}
