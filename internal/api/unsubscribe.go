package api

import (
	"net/http"

	"github.com/go-chi/render"

	"github.com/visionarychurch/followup/internal/models"
)

func (s *Server) unsubscribe(w http.ResponseWriter, r *http.Request) {
	var req models.UnsubscribeRequest
	if err := decode(r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	if req.TenantID == "" {
		req.TenantID = r.Header.Get(TenantHeader)
	}
	if req.TenantID == "" {
		s.respondError(w, r, validationError("tenant_id", "tenant_id is required"))
		return
	}
	s.applyUnsubscribe(w, r, req)
}

// unsubscribeLink serves signed one-click links from message footers.
func (s *Server) unsubscribeLink(w http.ResponseWriter, r *http.Request) {
	if s.deps.Links == nil {
		http.NotFound(w, r)
		return
	}
	req, err := s.deps.Links.Parse(r.URL.Query())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.applyUnsubscribe(w, r, req)
}

func (s *Server) applyUnsubscribe(w http.ResponseWriter, r *http.Request, req models.UnsubscribeRequest) {
	result, err := s.deps.Enrollments.Unsubscribe(r.Context(), req)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	render.JSON(w, r, map[string]any{
		"unsubscribed": true,
		"global":       req.Global || req.SequenceID == "",
		"cancelled":    result.Cancelled,
	})
}
