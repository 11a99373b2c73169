package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/render"

	"github.com/visionarychurch/followup/internal/db"
	"github.com/visionarychurch/followup/internal/models"
)

func (s *Server) enrollmentEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Events == nil {
		s.respondError(w, r, errNotFound)
		return
	}
	e, err := s.loadEnrollment(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	events, err := s.deps.Events.Timeline(r.Context(), e.ID, 0)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if events == nil {
		events = []*models.Event{}
	}
	render.JSON(w, r, map[string]any{"enrollment_id": e.ID, "events": events})
}

func (s *Server) eventFeed(w http.ResponseWriter, r *http.Request) {
	if s.deps.Events == nil {
		s.respondError(w, r, errNotFound)
		return
	}
	q, err := eventFeedQuery(tenantFrom(r), r.URL.Query())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	feed, err := s.deps.Events.Feed(r.Context(), q)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	render.JSON(w, r, feed)
}

func eventFeedQuery(tenantID string, values map[string][]string) (db.EventFeedQuery, error) {
	q := db.EventFeedQuery{TenantID: tenantID, After: first(values["after"])}
	for _, raw := range values["type"] {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				q.Types = append(q.Types, models.EventType(t))
			}
		}
	}
	for field, dst := range map[string]**time.Time{"since": &q.Since, "until": &q.Until} {
		raw := first(values[field])
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return q, validationError(field, field+" must be RFC3339")
		}
		*dst = &t
	}
	if raw := first(values["limit"]); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 1000 {
			return q, validationError("limit", "limit must be between 1 and 1000")
		}
		q.Limit = n
	}
	return q, nil
}

func first(values []string) string {
	if len(values) == 0 {
		return ""
	}
	return values[0]
}
