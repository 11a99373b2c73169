package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"

	"github.com/visionarychurch/followup/internal/db"
	"github.com/visionarychurch/followup/internal/enrollment"
	"github.com/visionarychurch/followup/internal/models"
)

// errNotFound hides resources owned by other tenants.
var errNotFound = errors.New("not found")

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

type errorResponse struct {
	Error  string              `json:"error"`
	Fields []models.FieldError `json:"fields,omitempty"`
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	var verr *models.ValidationErrors
	var fieldErrs validator.ValidationErrors
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError

	switch {
	case errors.Is(err, errNotFound),
		errors.Is(err, enrollment.ErrSequenceNotFound),
		errors.Is(err, enrollment.ErrEnrollmentNotFound),
		errors.Is(err, db.ErrSequenceNotFound),
		errors.Is(err, db.ErrVariantNotFound),
		errors.Is(err, db.ErrTemplateNotFound),
		errors.Is(err, db.ErrEnrollmentNotFound):
		return http.StatusNotFound
	case errors.Is(err, enrollment.ErrDuplicateEnrollment),
		errors.Is(err, enrollment.ErrCapacityExceeded),
		errors.Is(err, enrollment.ErrInvalidTransition),
		errors.Is(err, enrollment.ErrSequenceInactive):
		return http.StatusConflict
	case errors.Is(err, enrollment.ErrSuppressed),
		errors.Is(err, enrollment.ErrInvalidUnsubscribe),
		errors.As(err, &verr),
		errors.As(err, &fieldErrs):
		return http.StatusUnprocessableEntity
	case errors.Is(err, enrollment.ErrInvalidLink),
		errors.Is(err, io.EOF),
		errors.As(err, &syntaxErr),
		errors.As(err, &typeErr):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	resp := errorResponse{Error: err.Error()}

	var verr *models.ValidationErrors
	if errors.As(err, &verr) {
		resp.Fields = verr.Errors
	}
	if status == http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		resp.Error = "internal error"
	}

	render.Status(r, status)
	render.JSON(w, r, resp)
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}
