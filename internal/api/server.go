/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package api serves the freeze management REST API: freeze status and
// toggles, schedule and exemption CRUD, event history, and dry-run
// policy evaluation.
package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-logr/logr"
	"golang.org/x/time/rate"
	authenticationv1 "k8s.io/api/authentication/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/utils/clock"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/kube-freezer/kube-freezer/internal/exemption"
	"github.com/kube-freezer/kube-freezer/internal/history"
	"github.com/kube-freezer/kube-freezer/internal/metrics"
	"github.com/kube-freezer/kube-freezer/internal/policy"
	"github.com/kube-freezer/kube-freezer/internal/schedule"
	"github.com/kube-freezer/kube-freezer/internal/store"
)

// Version is stamped at build time and reported by the health endpoint.
var Version = "dev"

// Authentication modes accepted by ServerOptions.AuthMode.
const (
	AuthModeNone        = "none"
	AuthModeTokenReview = "token-review"
)

// Server is the REST API server. It runs as a manager runnable on every
// replica; mutations go through the ConfigMaps, so followers serve the
// same state the leader does.
type Server struct {
	handlers  *Handlers
	clientset kubernetes.Interface
	cache     *policy.Cache
	log       logr.Logger
	limiter   *rate.Limiter
	authMode  string
	port      int
	server    *http.Server
}

// ServerOptions configures the API server.
type ServerOptions struct {
	// Client reads and writes the policy ConfigMaps.
	Client client.Client
	// Clientset performs TokenReview calls; required for the
	// token-review auth mode.
	Clientset kubernetes.Interface

	Cache      *policy.Cache
	Engine     *schedule.Engine
	Exemptions *exemption.Store
	Recorder   *history.Recorder
	Archive    store.Archive
	Evaluator  *policy.Evaluator
	Applier    Applier

	// Clock defaults to the wall clock.
	Clock clock.PassiveClock
	// Ready reports whether the initial policy load has completed.
	Ready func() bool

	Port           int
	AuthMode       string
	RateLimitRPS   float64
	RateLimitBurst int

	Namespace              string
	ConfigMapName          string
	SchedulesConfigMapName string
}

// NewServer creates a new API server instance.
func NewServer(opts ServerOptions) *Server {
	port := opts.Port
	if port == 0 {
		port = 8080
	}
	rps := opts.RateLimitRPS
	if rps <= 0 {
		rps = 10
	}
	burst := opts.RateLimitBurst
	if burst <= 0 {
		burst = 20
	}
	authMode := opts.AuthMode
	if authMode == "" {
		authMode = AuthModeNone
	}

	return &Server{
		handlers:  NewHandlers(opts, time.Now()),
		clientset: opts.Clientset,
		cache:     opts.Cache,
		log:       ctrl.Log.WithName("api-server"),
		limiter:   rate.NewLimiter(rate.Limit(rps), burst),
		authMode:  authMode,
		port:      port,
	}
}

// Start runs the API server until the context is cancelled. It implements
// the manager.Runnable interface.
func (s *Server) Start(ctx context.Context) error {
	router := s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		s.log.Info("Starting API server", "port", s.port, "authMode", s.authMode)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error(err, "API server failed")
		}
	}()

	<-ctx.Done()

	s.log.Info("Shutting down API server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.server.Shutdown(shutdownCtx)
}

// NeedLeaderElection indicates the API server runs on all replicas.
func (s *Server) NeedLeaderElection() bool {
	return false
}

// setupRoutes configures the API routes.
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.log))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(requestMetrics)
	r.Use(rateLimit(s.limiter))

	r.Route("/api/v1", func(r chi.Router) {
		// Health stays reachable without credentials.
		r.Get("/health", s.handlers.GetHealth)

		r.Group(func(r chi.Router) {
			if s.authMode == AuthModeTokenReview {
				r.Use(s.authenticate)
			}

			r.Route("/freeze", func(r chi.Router) {
				r.Get("/status", s.handlers.GetStatus)
				r.Post("/enable", s.handlers.EnableFreeze)
				r.Post("/disable", s.handlers.DisableFreeze)

				r.Get("/schedules", s.handlers.ListSchedules)
				r.Post("/schedules", s.handlers.UpsertSchedule)
				r.Delete("/schedules/{name}", s.handlers.DeleteSchedule)

				r.Get("/exemptions", s.handlers.ListExemptions)
				r.Post("/exemptions", s.handlers.CreateExemption)
				r.Get("/exemptions/{id}", s.handlers.GetExemption)
				r.Delete("/exemptions/{id}", s.handlers.DeleteExemption)

				r.Get("/history", s.handlers.GetHistory)
				r.Get("/events", s.handlers.GetEvents)
			})

			r.Post("/dryrun/evaluate", s.handlers.Evaluate)
		})
	})

	return r
}

type contextKey string

const userContextKey contextKey = "api-user"

// UserFromContext returns the authenticated identity for the request, or
// "anonymous" when authentication is disabled.
func UserFromContext(ctx context.Context) string {
	if u, ok := ctx.Value(userContextKey).(string); ok && u != "" {
		return u
	}
	return "anonymous"
}

func withUser(ctx context.Context, username string) context.Context {
	return context.WithValue(ctx, userContextKey, username)
}

// requestLogger emits one line per request through the controller's
// logger instead of chi's stdlib-log middleware.
func requestLogger(log logr.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.V(1).Info("handled request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start).String(),
				"requestID", middleware.GetReqID(r.Context()))
		})
	}
}

// requestMetrics records per-route counters. It runs before routing, so
// the resolved chi pattern is only available after next returns.
func requestMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		metrics.RecordAPIRequest(r.Method, route, strconv.Itoa(ww.Status()))
	})
}

// rateLimit rejects requests above the shared token bucket. The budget
// is global rather than per-client; the API sits behind cluster RBAC,
// not the open internet.
func rateLimit(limiter *rate.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "request rate limit exceeded, retry later")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// authenticate validates bearer tokens with the TokenReview API and, when
// the policy config carries an api_allowed_serviceaccounts list, restricts
// access to the listed users and groups. An empty list admits any identity
// the apiserver authenticates.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		token = strings.TrimSpace(token)
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing bearer token")
			return
		}
		if s.clientset == nil {
			writeError(w, http.StatusServiceUnavailable, "AUTH_UNAVAILABLE", "token review is not configured")
			return
		}

		review := &authenticationv1.TokenReview{
			Spec: authenticationv1.TokenReviewSpec{Token: token},
		}
		result, err := s.clientset.AuthenticationV1().TokenReviews().Create(r.Context(), review, metav1.CreateOptions{})
		if err != nil {
			s.log.Error(err, "TokenReview call failed")
			writeError(w, http.StatusServiceUnavailable, "AUTH_UNAVAILABLE", "token review failed")
			return
		}
		if !result.Status.Authenticated {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "token was rejected")
			return
		}

		username := result.Status.User.Username
		if allowed := s.cache.Load().APIAllowedServiceAccounts; len(allowed) > 0 {
			if !identityAllowed(allowed, username, result.Status.User.Groups) {
				writeError(w, http.StatusForbidden, "FORBIDDEN",
					fmt.Sprintf("%q is not permitted to manage freezes", username))
				return
			}
		}

		next.ServeHTTP(w, r.WithContext(withUser(r.Context(), username)))
	})
}

func identityAllowed(allowed map[string]struct{}, username string, groups []string) bool {
	if _, ok := allowed[username]; ok {
		return true
	}
	for _, g := range groups {
		if _, ok := allowed[g]; ok {
			return true
		}
	}
	return false
}
