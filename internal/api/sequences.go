package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"github.com/visionarychurch/followup/internal/db"
	"github.com/visionarychurch/followup/internal/models"
)

// loadSequence returns the path's sequence if it belongs to the tenant.
func (s *Server) loadSequence(ctx context.Context, r *http.Request) (*models.Sequence, error) {
	seq, err := s.deps.Sequences.Get(ctx, chi.URLParam(r, "sequenceID"))
	if err != nil {
		return nil, err
	}
	if seq.TenantID != tenantFrom(r) {
		return nil, errNotFound
	}
	return seq, nil
}

func (s *Server) listSequences(w http.ResponseWriter, r *http.Request) {
	q := db.SequenceQuery{
		TenantID:     tenantFrom(r),
		TriggerEvent: models.TriggerEventType(r.URL.Query().Get("trigger_event")),
		SequenceType: models.SequenceType(r.URL.Query().Get("sequence_type")),
	}
	if active, err := strconv.ParseBool(r.URL.Query().Get("active")); err == nil {
		q.ActiveOnly = active
	}

	seqs, err := s.deps.Sequences.List(r.Context(), q)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if seqs == nil {
		seqs = []*models.Sequence{}
	}
	render.JSON(w, r, seqs)
}

func (s *Server) createSequence(w http.ResponseWriter, r *http.Request) {
	var seq models.Sequence
	if err := decode(r, &seq); err != nil {
		s.respondError(w, r, err)
		return
	}
	seq.ID = ""
	seq.TenantID = tenantFrom(r)

	if err := s.deps.Sequences.Create(r.Context(), &seq); err != nil {
		s.respondError(w, r, err)
		return
	}
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, seq)
}

func (s *Server) getSequence(w http.ResponseWriter, r *http.Request) {
	seq, err := s.loadSequence(r.Context(), r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	render.JSON(w, r, seq)
}

func (s *Server) updateSequence(w http.ResponseWriter, r *http.Request) {
	existing, err := s.loadSequence(r.Context(), r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	var seq models.Sequence
	if err := decode(r, &seq); err != nil {
		s.respondError(w, r, err)
		return
	}
	seq.ID = existing.ID
	seq.TenantID = existing.TenantID
	seq.CreatedAt = existing.CreatedAt

	if err := s.deps.Sequences.Update(r.Context(), &seq); err != nil {
		s.respondError(w, r, err)
		return
	}
	render.JSON(w, r, seq)
}

func (s *Server) deleteSequence(w http.ResponseWriter, r *http.Request) {
	seq, err := s.loadSequence(r.Context(), r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if err := s.deps.Sequences.Delete(r.Context(), seq.ID); err != nil {
		s.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) sequenceFailures(w http.ResponseWriter, r *http.Request) {
	seq, err := s.loadSequence(r.Context(), r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	summary, err := s.deps.Failures.FailureSummary(r.Context(), seq.ID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if summary == nil {
		summary = []*models.StepFailureSummary{}
	}
	render.JSON(w, r, summary)
}

func (s *Server) testSequence(w http.ResponseWriter, r *http.Request) {
	seq, err := s.loadSequence(r.Context(), r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	var req models.TestSequenceRequest
	if err := decode(r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}

	results, err := s.deps.Tester.TestSend(r.Context(), seq, req)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	render.JSON(w, r, map[string]any{"sequence_id": seq.ID, "results": results})
}

func (s *Server) listVariants(w http.ResponseWriter, r *http.Request) {
	seq, err := s.loadSequence(r.Context(), r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	variants, err := s.deps.Sequences.ListVariants(r.Context(), seq.ID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if variants == nil {
		variants = []*models.SequenceVariant{}
	}
	render.JSON(w, r, variants)
}

func (s *Server) createVariant(w http.ResponseWriter, r *http.Request) {
	seq, err := s.loadSequence(r.Context(), r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	var v models.SequenceVariant
	if err := decode(r, &v); err != nil {
		s.respondError(w, r, err)
		return
	}
	v.ID = ""
	v.SequenceID = seq.ID
	if err := s.validate.Struct(v); err != nil {
		s.respondError(w, r, err)
		return
	}

	if err := s.deps.Sequences.CreateVariant(r.Context(), &v); err != nil {
		s.respondError(w, r, err)
		return
	}
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, v)
}

func (s *Server) loadVariant(ctx context.Context, r *http.Request, seq *models.Sequence) (*models.SequenceVariant, error) {
	v, err := s.deps.Sequences.GetVariant(ctx, chi.URLParam(r, "variantID"))
	if err != nil {
		return nil, err
	}
	if v.SequenceID != seq.ID {
		return nil, errNotFound
	}
	return v, nil
}

func (s *Server) updateVariant(w http.ResponseWriter, r *http.Request) {
	seq, err := s.loadSequence(r.Context(), r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	existing, err := s.loadVariant(r.Context(), r, seq)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	var v models.SequenceVariant
	if err := decode(r, &v); err != nil {
		s.respondError(w, r, err)
		return
	}
	v.ID = existing.ID
	v.SequenceID = seq.ID
	v.CreatedAt = existing.CreatedAt
	if err := s.validate.Struct(v); err != nil {
		s.respondError(w, r, err)
		return
	}

	if err := s.deps.Sequences.UpdateVariant(r.Context(), &v); err != nil {
		s.respondError(w, r, err)
		return
	}
	render.JSON(w, r, v)
}

func (s *Server) deleteVariant(w http.ResponseWriter, r *http.Request) {
	seq, err := s.loadSequence(r.Context(), r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	v, err := s.loadVariant(r.Context(), r, seq)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if err := s.deps.Sequences.DeleteVariant(r.Context(), v.ID); err != nil {
		s.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
