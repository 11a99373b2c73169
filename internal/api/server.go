// Package api exposes the engine over HTTP: trigger ingestion, sequence and
// template management, enrollment control, analytics, provider delivery
// callbacks and the public unsubscribe endpoint.
package api

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/visionarychurch/followup/internal/db"
	"github.com/visionarychurch/followup/internal/enrollment"
	"github.com/visionarychurch/followup/internal/logging"
	"github.com/visionarychurch/followup/internal/metrics"
	"github.com/visionarychurch/followup/internal/models"
)

// TenantHeader carries the tenant for /api/v1 requests.
const TenantHeader = "X-Tenant-ID"

// Enrollments is the enrollment lifecycle API.
type Enrollments interface {
	Enroll(ctx context.Context, tenantID string, req models.EnrollRequest) (*models.Enrollment, error)
	BulkEnroll(ctx context.Context, tenantID string, req models.BulkEnrollRequest) (*models.BulkEnrollResponse, error)
	HandleTrigger(ctx context.Context, t *models.TriggerEvent) ([]models.TriggerOutcome, error)
	Get(ctx context.Context, enrollmentID string) (*models.Enrollment, error)
	Pause(ctx context.Context, enrollmentID string) (*models.Enrollment, error)
	Resume(ctx context.Context, enrollmentID string) (*models.Enrollment, error)
	Cancel(ctx context.Context, enrollmentID, reason string) (*models.Enrollment, error)
	Unsubscribe(ctx context.Context, req models.UnsubscribeRequest) (*enrollment.UnsubscribeResult, error)
}

// EnrollmentLister lists enrollments.
type EnrollmentLister interface {
	List(ctx context.Context, f models.EnrollmentFilters) ([]*models.Enrollment, error)
}

// SequenceStore manages sequence definitions and their variants.
type SequenceStore interface {
	Create(ctx context.Context, seq *models.Sequence) error
	Update(ctx context.Context, seq *models.Sequence) error
	Delete(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*models.Sequence, error)
	List(ctx context.Context, q db.SequenceQuery) ([]*models.Sequence, error)
	CreateVariant(ctx context.Context, v *models.SequenceVariant) error
	UpdateVariant(ctx context.Context, v *models.SequenceVariant) error
	DeleteVariant(ctx context.Context, id string) error
	GetVariant(ctx context.Context, id string) (*models.SequenceVariant, error)
	ListVariants(ctx context.Context, sequenceID string) ([]*models.SequenceVariant, error)
}

// TemplateStore manages message templates.
type TemplateStore interface {
	Create(ctx context.Context, t *models.Template) error
	Get(ctx context.Context, id string) (*models.Template, error)
	List(ctx context.Context, tenantID string) ([]*models.Template, error)
	Update(ctx context.Context, t *models.Template) error
	Delete(ctx context.Context, id string) error
}

// AnalyticsStore reads daily rollups.
type AnalyticsStore interface {
	Query(ctx context.Context, f models.AnalyticsFilters) ([]*models.SequenceAnalytics, error)
}

// FailureStore summarizes failed deliveries.
type FailureStore interface {
	FailureSummary(ctx context.Context, sequenceID string) ([]*models.StepFailureSummary, error)
}

// EventLog reads the lifecycle event log.
type EventLog interface {
	Timeline(ctx context.Context, enrollmentID string, limit int) ([]*models.Event, error)
	Feed(ctx context.Context, q db.EventFeedQuery) (*db.EventFeed, error)
}

// Reconciler applies provider delivery callbacks.
type Reconciler interface {
	Apply(ctx context.Context, w models.DeliveryStatusWebhook) (*models.SequenceMessage, bool, error)
}

// Tester sends a sequence to a test contact.
type Tester interface {
	TestSend(ctx context.Context, seq *models.Sequence, req models.TestSequenceRequest) ([]models.TestStepResult, error)
}

// LinkParser verifies one-click unsubscribe links.
type LinkParser interface {
	Parse(values url.Values) (models.UnsubscribeRequest, error)
}

// Limiter rate-limits a route.
type Limiter interface {
	Middleware(route string) func(http.Handler) http.Handler
}

// HealthFunc reports component health; a non-nil error marks the engine
// unhealthy.
type HealthFunc func(ctx context.Context) (map[string]string, error)

// Deps are the collaborators the API serves through.
type Deps struct {
	Enrollments      Enrollments
	EnrollmentLister EnrollmentLister
	Sequences        SequenceStore
	Templates        TemplateStore
	Analytics        AnalyticsStore
	Failures         FailureStore
	Events           EventLog
	Reconciler       Reconciler
	Tester           Tester
	Links            LinkParser
	Limiter          Limiter
	Health           HealthFunc
}

// Server routes HTTP requests to the engine.
type Server struct {
	deps          Deps
	validate      *validator.Validate
	webhookSecret []byte
	logger        zerolog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithWebhookSecret requires delivery callbacks to carry a valid
// X-Signature header.
func WithWebhookSecret(secret string) Option {
	return func(s *Server) {
		if secret != "" {
			s.webhookSecret = []byte(secret)
		}
	}
}

// NewServer creates the API server.
func NewServer(deps Deps, opts ...Option) *Server {
	s := &Server{
		deps:     deps,
		validate: validator.New(),
		logger:   logging.Component("api"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.observe)

	r.Get("/healthz", s.healthz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.With(s.limit("webhooks")).Post("/webhooks/delivery", s.deliveryWebhook)

	r.Route("/unsubscribe", func(r chi.Router) {
		r.Use(s.limit("unsubscribe"))
		r.Get("/", s.unsubscribeLink)
		r.Post("/", s.unsubscribe)
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(render.SetContentType(render.ContentTypeJSON))
		r.Use(requireTenant)

		r.With(s.limit("triggers")).Post("/triggers", s.createTrigger)

		r.Route("/sequences", func(r chi.Router) {
			r.Get("/", s.listSequences)
			r.Post("/", s.createSequence)
			r.Route("/{sequenceID}", func(r chi.Router) {
				r.Get("/", s.getSequence)
				r.Put("/", s.updateSequence)
				r.Delete("/", s.deleteSequence)
				r.Get("/failures", s.sequenceFailures)
				r.Post("/test", s.testSequence)
				r.Get("/variants", s.listVariants)
				r.Post("/variants", s.createVariant)
				r.Put("/variants/{variantID}", s.updateVariant)
				r.Delete("/variants/{variantID}", s.deleteVariant)
			})
		})

		r.Route("/templates", func(r chi.Router) {
			r.Get("/", s.listTemplates)
			r.Post("/", s.createTemplate)
			r.Get("/{templateID}", s.getTemplate)
			r.Put("/{templateID}", s.updateTemplate)
			r.Delete("/{templateID}", s.deleteTemplate)
		})

		r.Route("/enrollments", func(r chi.Router) {
			r.Get("/", s.listEnrollments)
			r.Post("/", s.createEnrollment)
			r.Post("/bulk", s.bulkEnroll)
			r.Get("/{enrollmentID}", s.getEnrollment)
			r.Post("/{enrollmentID}/pause", s.pauseEnrollment)
			r.Post("/{enrollmentID}/resume", s.resumeEnrollment)
			r.Post("/{enrollmentID}/cancel", s.cancelEnrollment)
			r.Get("/{enrollmentID}/events", s.enrollmentEvents)
		})

		r.Get("/analytics", s.analytics)
		r.Get("/events", s.eventFeed)
	})
	return r
}

func (s *Server) limit(route string) func(http.Handler) http.Handler {
	if s.deps.Limiter == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return s.deps.Limiter.Middleware(route)
}

// observe logs and times every request by its route pattern.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		elapsed := time.Since(start)
		metrics.ObserveHTTP(r.Method, route, strconv.Itoa(status), elapsed)
		s.logger.Debug().
			Str("method", r.Method).
			Str("route", route).
			Int("status", status).
			Str("request_id", middleware.GetReqID(r.Context())).
			Dur("duration", elapsed).
			Msg("request")
	})
}

type tenantKey struct{}

func requireTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant := r.Header.Get(TenantHeader)
		if tenant == "" {
			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, errorResponse{Error: TenantHeader + " header is required"})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), tenantKey{}, tenant)))
	})
}

func tenantFrom(r *http.Request) string {
	tenant, _ := r.Context().Value(tenantKey{}).(string)
	return tenant
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{"status": "ok"}
	if s.deps.Health != nil {
		components, err := s.deps.Health(r.Context())
		for k, v := range components {
			status[k] = v
		}
		if err != nil {
			status["status"] = "unhealthy"
			status["error"] = err.Error()
			render.Status(r, http.StatusServiceUnavailable)
		}
	}
	render.JSON(w, r, status)
}
