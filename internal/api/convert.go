package api

import (
	"embed"
	"fmt"
	"html/template"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dunamismax/canvasfit/internal/domain"
	"github.com/dunamismax/canvasfit/internal/session"
	"github.com/dustin/go-humanize"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const sessionCookie = "canvasfit_session"

//go:embed templates/index.html
var templates embed.FS

func parsePage() (*template.Template, error) {
	page, err := template.ParseFS(templates, "templates/index.html")
	if err != nil {
		return nil, fmt.Errorf("parse index template: %w", err)
	}
	return page, nil
}

type shelfRow struct {
	domain.ArchiveInfo
	Size string
	Age  string
}

type indexView struct {
	Profiles []domain.Profile
	Selected string
	Slots    []string
	Accept   string
	Archives []shelfRow
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	infos, err := s.listShelf(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	profiles := domain.Profiles()
	view := indexView{
		Profiles: profiles,
		Selected: profiles[0].Name,
		Accept:   ".jpg,.jpeg,.png,.webp",
	}
	for _, p := range profiles {
		if p.Slotted() {
			view.Slots = p.Slots
			break
		}
	}
	for _, info := range infos {
		view.Archives = append(view.Archives, shelfRow{
			ArchiveInfo: info,
			Size:        humanize.Bytes(uint64(info.Bytes)),
			Age:         humanize.Time(info.CreatedAt),
		})
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.page.Execute(w, view); err != nil {
		s.logger.Printf("render index failed err=%v", err)
	}
}

// handleConvert renders the uploaded batch synchronously, keeps the archive
// on the session shelf under the profile name and streams it back.
func (s *Server) handleConvert(w http.ResponseWriter, r *http.Request) {
	profile, sources, err := s.readUploads(w, r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(
		attribute.String("canvasfit.profile", profile.Name),
		attribute.Int("canvasfit.sources", len(sources)),
	)

	startedAt := time.Now()
	archive, batch, err := s.packager.Package(r.Context(), profile, sources)
	if err != nil {
		span.RecordError(err)
		s.metrics.conversionsTotal.WithLabelValues(profile.Name, "failed").Inc()
		s.writeError(w, r, err)
		return
	}
	s.metrics.conversionsTotal.WithLabelValues(profile.Name, "succeeded").Inc()
	s.metrics.imagesRendered.WithLabelValues(profile.Name).Add(float64(len(batch)))
	s.logger.Printf(
		"converted profile=%s images=%d archive=%s size=%s took=%s",
		profile.Name,
		len(batch),
		archive.Name,
		humanize.Bytes(uint64(len(archive.Data))),
		time.Since(startedAt).Round(time.Millisecond),
	)

	sessionID := s.sessionID(w, r, true)
	if err := s.sessions.Put(r.Context(), sessionID, profile.Name, archive); err != nil {
		s.logger.Printf("session store failed session=%s profile=%s err=%v", sessionID, profile.Name, err)
	}

	writeArchive(w, archive)
}

func (s *Server) handleListArchives(w http.ResponseWriter, r *http.Request) {
	infos, err := s.listShelf(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"archives": infos})
}

func (s *Server) handleDownloadArchive(w http.ResponseWriter, r *http.Request) {
	sessionID := s.sessionID(w, r, false)
	key := r.PathValue("key")
	if sessionID == "" {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "archive not found"})
		return
	}

	archive, ok, err := s.sessions.Get(r.Context(), sessionID, key)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "archive not found"})
		return
	}
	writeArchive(w, archive)
}

func (s *Server) handleClearArchives(w http.ResponseWriter, r *http.Request) {
	if sessionID := s.sessionID(w, r, false); sessionID != "" {
		if err := s.sessions.Clear(r.Context(), sessionID); err != nil {
			s.writeError(w, r, err)
			return
		}
	}

	if r.Method == http.MethodPost && !strings.Contains(r.Header.Get("Accept"), "application/json") {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listShelf(r *http.Request) ([]domain.ArchiveInfo, error) {
	sessionID := s.sessionID(nil, r, false)
	if sessionID == "" {
		return []domain.ArchiveInfo{}, nil
	}
	return s.sessions.List(r.Context(), sessionID)
}

// sessionID returns the caller's session id. With create set a missing or
// malformed cookie is replaced by a fresh one; otherwise "" is returned.
func (s *Server) sessionID(w http.ResponseWriter, r *http.Request, create bool) string {
	if c, err := r.Cookie(sessionCookie); err == nil && session.ValidID(c.Value) {
		return c.Value
	}
	if !create || w == nil {
		return ""
	}

	id := session.NewID()
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return id
}

func writeArchive(w http.ResponseWriter, archive domain.Archive) {
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", archive.Name))
	w.Header().Set("Content-Length", strconv.Itoa(len(archive.Data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(archive.Data)
}
