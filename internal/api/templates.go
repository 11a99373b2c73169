package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"github.com/visionarychurch/followup/internal/models"
	"github.com/visionarychurch/followup/internal/templates"
)

func (s *Server) loadTemplate(r *http.Request) (*models.Template, error) {
	t, err := s.deps.Templates.Get(r.Context(), chi.URLParam(r, "templateID"))
	if err != nil {
		return nil, err
	}
	if t.TenantID != tenantFrom(r) {
		return nil, errNotFound
	}
	return t, nil
}

func (s *Server) listTemplates(w http.ResponseWriter, r *http.Request) {
	list, err := s.deps.Templates.List(r.Context(), tenantFrom(r))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if list == nil {
		list = []*models.Template{}
	}
	render.JSON(w, r, list)
}

func (s *Server) createTemplate(w http.ResponseWriter, r *http.Request) {
	var t models.Template
	if err := decode(r, &t); err != nil {
		s.respondError(w, r, err)
		return
	}
	t.ID = ""
	t.TenantID = tenantFrom(r)
	if len(t.Variables) == 0 {
		t.Variables = templates.Placeholders(t.Subject + "\n" + t.Body)
	}

	if err := s.deps.Templates.Create(r.Context(), &t); err != nil {
		s.respondError(w, r, err)
		return
	}
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, t)
}

func (s *Server) getTemplate(w http.ResponseWriter, r *http.Request) {
	t, err := s.loadTemplate(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	render.JSON(w, r, t)
}

func (s *Server) updateTemplate(w http.ResponseWriter, r *http.Request) {
	existing, err := s.loadTemplate(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	var t models.Template
	if err := decode(r, &t); err != nil {
		s.respondError(w, r, err)
		return
	}
	t.ID = existing.ID
	t.TenantID = existing.TenantID
	t.CreatedAt = existing.CreatedAt
	if len(t.Variables) == 0 {
		t.Variables = templates.Placeholders(t.Subject + "\n" + t.Body)
	}

	if err := s.deps.Templates.Update(r.Context(), &t); err != nil {
		s.respondError(w, r, err)
		return
	}
	render.JSON(w, r, t)
}

func (s *Server) deleteTemplate(w http.ResponseWriter, r *http.Request) {
	t, err := s.loadTemplate(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if err := s.deps.Templates.Delete(r.Context(), t.ID); err != nil {
		s.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
