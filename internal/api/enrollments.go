package api

import (
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"github.com/visionarychurch/followup/internal/models"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

func (s *Server) createTrigger(w http.ResponseWriter, r *http.Request) {
	var t models.TriggerEvent
	if err := decode(r, &t); err != nil {
		s.respondError(w, r, err)
		return
	}
	t.TenantID = tenantFrom(r)

	outcomes, err := s.deps.Enrollments.HandleTrigger(r.Context(), &t)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if outcomes == nil {
		outcomes = []models.TriggerOutcome{}
	}
	render.JSON(w, r, map[string]any{"trigger_id": t.ID, "outcomes": outcomes})
}

func (s *Server) listEnrollments(w http.ResponseWriter, r *http.Request) {
	f, err := enrollmentFilters(r.URL.Query())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	f.TenantID = tenantFrom(r)

	list, err := s.deps.EnrollmentLister.List(r.Context(), f)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if list == nil {
		list = []*models.Enrollment{}
	}
	render.JSON(w, r, list)
}

func enrollmentFilters(q url.Values) (models.EnrollmentFilters, error) {
	validation := &models.ValidationErrors{}
	f := models.EnrollmentFilters{
		SequenceID:   q.Get("sequence_id"),
		Status:       models.EnrollmentStatus(q.Get("status")),
		RecipientKey: q.Get("recipient_key"),
		Email:        q.Get("email"),
		Phone:        q.Get("phone"),
		Limit:        defaultListLimit,
	}

	for _, p := range []struct {
		name string
		dst  **time.Time
	}{{"enrolled_from", &f.EnrolledFrom}, {"enrolled_to", &f.EnrolledTo}} {
		if v := q.Get(p.name); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				validation.Addf(p.name, "%s must be RFC3339", p.name)
				continue
			}
			*p.dst = &t
		}
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			validation.AddMessage("limit", "limit must be a positive integer")
		} else {
			f.Limit = min(n, maxListLimit)
		}
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			validation.AddMessage("offset", "offset must be a non-negative integer")
		} else {
			f.Offset = n
		}
	}
	return f, validation.Err()
}

func (s *Server) createEnrollment(w http.ResponseWriter, r *http.Request) {
	var req models.EnrollRequest
	if err := decode(r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	e, err := s.deps.Enrollments.Enroll(r.Context(), tenantFrom(r), req)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, e)
}

func (s *Server) bulkEnroll(w http.ResponseWriter, r *http.Request) {
	var req models.BulkEnrollRequest
	if err := decode(r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	resp, err := s.deps.Enrollments.BulkEnroll(r.Context(), tenantFrom(r), req)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	render.JSON(w, r, resp)
}

// loadEnrollment returns the path's enrollment if it belongs to the tenant.
func (s *Server) loadEnrollment(r *http.Request) (*models.Enrollment, error) {
	e, err := s.deps.Enrollments.Get(r.Context(), chi.URLParam(r, "enrollmentID"))
	if err != nil {
		return nil, err
	}
	if e.TenantID != tenantFrom(r) {
		return nil, errNotFound
	}
	return e, nil
}

func (s *Server) getEnrollment(w http.ResponseWriter, r *http.Request) {
	e, err := s.loadEnrollment(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	render.JSON(w, r, e)
}

func (s *Server) pauseEnrollment(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, func(id string) (*models.Enrollment, error) {
		return s.deps.Enrollments.Pause(r.Context(), id)
	})
}

func (s *Server) resumeEnrollment(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, func(id string) (*models.Enrollment, error) {
		return s.deps.Enrollments.Resume(r.Context(), id)
	})
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) cancelEnrollment(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if r.ContentLength != 0 {
		if err := decode(r, &req); err != nil {
			s.respondError(w, r, err)
			return
		}
	}
	if req.Reason == "" {
		req.Reason = models.CancelReasonManual
	}
	s.transition(w, r, func(id string) (*models.Enrollment, error) {
		return s.deps.Enrollments.Cancel(r.Context(), id, req.Reason)
	})
}

func (s *Server) transition(w http.ResponseWriter, r *http.Request, fn func(id string) (*models.Enrollment, error)) {
	e, err := s.loadEnrollment(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	updated, err := fn(e.ID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	render.JSON(w, r, updated)
}

func (s *Server) analytics(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := models.AnalyticsFilters{
		TenantID:   tenantFrom(r),
		SequenceID: q.Get("sequence_id"),
		From:       q.Get("from"),
		To:         q.Get("to"),
	}
	if q.Has("variant_id") {
		v := q.Get("variant_id")
		if v == "control" {
			v = ""
		}
		f.VariantID = &v
	}
	for _, d := range []string{f.From, f.To} {
		if d == "" {
			continue
		}
		if _, err := time.Parse(time.DateOnly, d); err != nil {
			s.respondError(w, r, validationError("date", "from and to must be YYYY-MM-DD"))
			return
		}
	}

	rows, err := s.deps.Analytics.Query(r.Context(), f)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if rows == nil {
		rows = []*models.SequenceAnalytics{}
	}
	render.JSON(w, r, rows)
}

func validationError(field, message string) error {
	v := &models.ValidationErrors{}
	v.AddMessage(field, message)
	return v.Err()
}
