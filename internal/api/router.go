// Package api exposes the notification engine over HTTP/JSON.
package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"notifyd/internal/dispatch"
	"notifyd/internal/domain"
	"notifyd/internal/notifier"
	"notifyd/internal/notifier/broadcast"
	logx "notifyd/pkg/logx"
)

// Inbox is the user-facing part of the dispatch service.
type Inbox interface {
	Preferences(ctx context.Context, userID int64) (domain.Preferences, error)
	UpdatePreferences(ctx context.Context, userID int64, patch domain.PreferencesPatch) (domain.Preferences, error)
	List(ctx context.Context, q dispatch.ListQuery) (dispatch.Page, error)
	MarkRead(ctx context.Context, userID int64, id string) (domain.Notification, error)
	MarkAllRead(ctx context.Context, userID int64) (int, error)
	DeliveryHistory(ctx context.Context, userID int64, limit int) ([]domain.Delivery, error)
	Types() []domain.TypeInfo
	Analytics(ctx context.Context, userID int64, days int) (dispatch.Analytics, error)
	SendTest(ctx context.Context, userID int64, channels []domain.Channel) (domain.Notification, []domain.DeliveryResult, error)
}

type Queue interface {
	CreateAndEnqueue(ctx context.Context, req notifier.Request) (domain.Notification, error)
	Stats() notifier.Stats
}

type Bulk interface {
	NewJob(ctx context.Context, name string, req broadcast.BulkRequest) (string, error)
	Status(jobID string) (broadcast.JobStatus, bool)
}

// Users stores contact cards used for delivery.
type Users interface {
	GetUser(ctx context.Context, id int64) (domain.User, error)
	UpsertUser(ctx context.Context, u domain.User) error
}

// HealthFunc reports liveness and a JSON-encodable detail payload.
type HealthFunc func(ctx context.Context) (ok bool, detail any)

type Options struct {
	Inbox  Inbox
	Queue  Queue
	Bulk   Bulk
	Users  Users
	Health HealthFunc

	// Registerer receives the HTTP metrics; Gatherer backs GET /metrics.
	// A nil Gatherer disables the endpoint.
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer

	// Profiler mounts net/http/pprof under /debug. A non-empty DebugToken
	// is required as a bearer token or ?token= query parameter.
	Profiler   bool
	DebugToken string

	// RequestTimeout bounds every API handler; 0 means 30s.
	RequestTimeout time.Duration
	Log            logx.Logger
}

type handler struct {
	inbox  Inbox
	queue  Queue
	bulk   Bulk
	users  Users
	health HealthFunc
	log    logx.Logger
}

// NewRouter builds the HTTP handler tree.
func NewRouter(opt Options) http.Handler {
	log := opt.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	timeout := opt.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	h := &handler{
		inbox:  opt.Inbox,
		queue:  opt.Queue,
		bulk:   opt.Bulk,
		users:  opt.Users,
		health: opt.Health,
		log:    log,
	}
	m := newHTTPMetrics(opt.Registerer)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(m.middleware)
	r.Use(requestLogger(log))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.healthz)
	if opt.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(opt.Gatherer, promhttp.HandlerOpts{}))
	}
	if opt.Profiler {
		r.Group(func(r chi.Router) {
			r.Use(bearerToken(opt.DebugToken))
			r.Mount("/debug", middleware.Profiler())
		})
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(timeout))
		r.Use(middleware.AllowContentType("application/json"))

		r.Post("/notifications", h.createNotification)
		r.Post("/notifications/bulk", h.createBulk)
		r.Get("/jobs/{jobID}", h.jobStatus)

		r.Route("/users/{userID}", func(r chi.Router) {
			r.Get("/", h.getUser)
			r.Put("/", h.putUser)
			r.Get("/notifications", h.listNotifications)
			r.Post("/notifications/read-all", h.markAllRead)
			r.Post("/notifications/{id}/read", h.markRead)
			r.Get("/preferences", h.getPreferences)
			r.Put("/preferences", h.updatePreferences)
			r.Get("/deliveries", h.deliveries)
			r.Post("/test", h.sendTest)
		})

		r.Get("/analytics", h.analytics)
		r.Get("/types", h.types)
		r.Get("/queue/stats", h.queueStats)
	})
	return r
}

func requestLogger(log logx.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Debug("http request",
				logx.String("request_id", middleware.GetReqID(r.Context())),
				logx.String("method", r.Method),
				logx.String("path", r.URL.Path),
				logx.Int("status", ww.Status()),
				logx.Int("bytes", ww.BytesWritten()),
				logx.Duration("took", time.Since(start)))
		})
	}
}

func bearerToken(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.URL.Query().Get("token")
			if got == "" {
				got, _ = strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			}
			if subtle.ConstantTimeCompare([]byte(got), []byte(tok)) != 1 {
				writeError(w, r, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
