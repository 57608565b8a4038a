package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"gpumux/pkg/types"
)

// Service defines the scheduler methods required by the HTTP API layer.
type Service interface {
	CreateModel(ctx context.Context, cfg types.ModelConfig) (types.ModelConfig, error)
	UpdateModel(ctx context.Context, id string, cfg types.ModelConfig) (types.ModelConfig, error)
	DeleteModel(ctx context.Context, id string) error
	StartModel(ctx context.Context, id string) error
	StopModel(ctx context.Context, id string) error
	RestartModel(ctx context.Context, id string) error
	Prioritize(ctx context.Context, id string) error
	CancelSchedule(ctx context.Context, id string) error
	ManualSchedule(ctx context.Context, id string, priority int, force, allowPreemption bool) error

	GetStatus(ctx context.Context) (types.StatusResponse, error)
	GetQueue(ctx context.Context) ([]types.ModelRuntimeState, error)
	GetModels(ctx context.Context) ([]types.ModelConfig, []types.ModelRuntimeState, error)
	GetModel(ctx context.Context, id string) (types.ModelConfig, types.ModelRuntimeState, error)
	GetResourceAllocation(ctx context.Context) ([]types.DeviceAllocation, error)
	GetPolicy(ctx context.Context) (types.SchedulingPolicy, error)
	GetHistory(ctx context.Context, limit, hours int, modelID string) ([]types.SchedulingDecision, error)
	Logs(ctx context.Context, id string) (io.ReadCloser, error)
	Ready(ctx context.Context) bool
}

// zlog is an optional structured logger. If unset, the HTTP layer stays quiet.
var zlog *zerolog.Logger

// SetLogger installs a structured logger used by the HTTP layer.
func SetLogger(l zerolog.Logger) { zlog = &l }

// baseCtx is canceled when the daemon shuts down; every handler context
// derives from it in addition to the incoming request.
var baseCtx = context.Background()

// SetBaseContext installs the daemon's shutdown context. Nil resets to
// Background.
func SetBaseContext(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	baseCtx = ctx
}

// requestContext returns a context canceled when the daemon shuts down, the
// client disconnects, or the returned cancel runs.
func requestContext(req *http.Request) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		defer cancel()
		select {
		case <-baseCtx.Done():
		case <-req.Context().Done():
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// modelView pairs a model's config with its runtime state in responses.
type modelView struct {
	Config types.ModelConfig       `json:"config"`
	State  types.ModelRuntimeState `json:"state"`
}

// scheduleRequest is the body of POST /api/models/{id}/schedule.
type scheduleRequest struct {
	Priority        int   `json:"priority"`
	Force           bool  `json:"force"`
	AllowPreemption *bool `json:"allow_preemption"`
}

func NewMux(svc Service) http.Handler {
	r := chi.NewRouter()
	// Basic middlewares: request id, real ip, recoverer
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	// Compression for JSON endpoints
	r.Use(middleware.Compress(5))
	r.Use(MetricsMiddleware)
	// Security headers
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})
	if corsEnabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsAllowedOrigins,
			AllowedMethods: corsAllowedMethods,
			AllowedHeaders: corsAllowedHeaders,
		}))
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", func(w http.ResponseWriter, req *http.Request) {
			ctx, cancel := requestContext(req)
			defer cancel()
			st, err := svc.GetStatus(ctx)
			if err != nil {
				writeServiceError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, st)
		})

		r.Get("/queue", func(w http.ResponseWriter, req *http.Request) {
			ctx, cancel := requestContext(req)
			defer cancel()
			q, err := svc.GetQueue(ctx)
			if err != nil {
				writeServiceError(w, err)
				return
			}
			if q == nil {
				q = []types.ModelRuntimeState{}
			}
			writeJSON(w, http.StatusOK, map[string]any{"queue": q})
		})

		r.Get("/allocation", func(w http.ResponseWriter, req *http.Request) {
			ctx, cancel := requestContext(req)
			defer cancel()
			alloc, err := svc.GetResourceAllocation(ctx)
			if err != nil {
				writeServiceError(w, err)
				return
			}
			if alloc == nil {
				alloc = []types.DeviceAllocation{}
			}
			writeJSON(w, http.StatusOK, map[string]any{"devices": alloc})
		})

		r.Get("/policy", func(w http.ResponseWriter, req *http.Request) {
			ctx, cancel := requestContext(req)
			defer cancel()
			p, err := svc.GetPolicy(ctx)
			if err != nil {
				writeServiceError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, p)
		})

		r.Get("/history", func(w http.ResponseWriter, req *http.Request) {
			limit := queryInt(req, "limit", 0)
			hours := queryInt(req, "hours", 0)
			modelID := req.URL.Query().Get("model_id")
			ctx, cancel := requestContext(req)
			defer cancel()
			ds, err := svc.GetHistory(ctx, limit, hours, modelID)
			if err != nil {
				writeServiceError(w, err)
				return
			}
			if ds == nil {
				ds = []types.SchedulingDecision{}
			}
			writeJSON(w, http.StatusOK, map[string]any{"decisions": ds})
		})

		r.Route("/models", func(r chi.Router) {
			r.Get("/", func(w http.ResponseWriter, req *http.Request) {
				ctx, cancel := requestContext(req)
				defer cancel()
				cfgs, states, err := svc.GetModels(ctx)
				if err != nil {
					writeServiceError(w, err)
					return
				}
				byID := make(map[string]types.ModelRuntimeState, len(states))
				for _, st := range states {
					byID[st.ModelID] = st
				}
				views := make([]modelView, 0, len(cfgs))
				for _, cfg := range cfgs {
					views = append(views, modelView{Config: cfg, State: byID[cfg.ID]})
				}
				writeJSON(w, http.StatusOK, map[string]any{"models": views})
			})

			r.Post("/", func(w http.ResponseWriter, req *http.Request) {
				var cfg types.ModelConfig
				if !decodeJSON(w, req, &cfg) {
					return
				}
				ctx, cancel := requestContext(req)
				defer cancel()
				out, err := svc.CreateModel(ctx, cfg)
				if err != nil {
					writeServiceError(w, err)
					return
				}
				writeJSON(w, http.StatusCreated, out)
			})

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", func(w http.ResponseWriter, req *http.Request) {
					ctx, cancel := requestContext(req)
					defer cancel()
					cfg, st, err := svc.GetModel(ctx, chi.URLParam(req, "id"))
					if err != nil {
						writeServiceError(w, err)
						return
					}
					writeJSON(w, http.StatusOK, modelView{Config: cfg, State: st})
				})

				r.Put("/", func(w http.ResponseWriter, req *http.Request) {
					var cfg types.ModelConfig
					if !decodeJSON(w, req, &cfg) {
						return
					}
					ctx, cancel := requestContext(req)
					defer cancel()
					out, err := svc.UpdateModel(ctx, chi.URLParam(req, "id"), cfg)
					if err != nil {
						writeServiceError(w, err)
						return
					}
					writeJSON(w, http.StatusOK, out)
				})

				r.Delete("/", func(w http.ResponseWriter, req *http.Request) {
					ctx, cancel := requestContext(req)
					defer cancel()
					if err := svc.DeleteModel(ctx, chi.URLParam(req, "id")); err != nil {
						writeServiceError(w, err)
						return
					}
					w.WriteHeader(http.StatusNoContent)
				})

				r.Post("/start", modelAction(svc.StartModel))
				r.Post("/stop", modelAction(svc.StopModel))
				r.Post("/restart", modelAction(svc.RestartModel))
				r.Post("/prioritize", modelAction(svc.Prioritize))

				r.Post("/schedule", func(w http.ResponseWriter, req *http.Request) {
					var sr scheduleRequest
					if req.ContentLength != 0 && !decodeJSON(w, req, &sr) {
						return
					}
					allowPreemption := true
					if sr.AllowPreemption != nil {
						allowPreemption = *sr.AllowPreemption
					}
					ctx, cancel := requestContext(req)
					defer cancel()
					if err := svc.ManualSchedule(ctx, chi.URLParam(req, "id"), sr.Priority, sr.Force, allowPreemption); err != nil {
						writeServiceError(w, err)
						return
					}
					w.WriteHeader(http.StatusAccepted)
				})

				r.Delete("/schedule", modelAction(svc.CancelSchedule))

				r.Get("/logs", func(w http.ResponseWriter, req *http.Request) {
					ctx, cancel := requestContext(req)
					defer cancel()
					rc, err := svc.Logs(ctx, chi.URLParam(req, "id"))
					if err != nil {
						writeServiceError(w, err)
						return
					}
					defer rc.Close()
					w.Header().Set("Content-Type", "text/plain; charset=utf-8")
					if _, err := io.Copy(w, rc); err != nil && zlog != nil {
						zlog.Debug().Err(err).Msg("log stream interrupted")
					}
				})
			})
		})
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, req *http.Request) {
		ctx, cancel := requestContext(req)
		defer cancel()
		if svc.Ready(ctx) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("starting"))
	})

	// Prometheus metrics endpoint
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	return r
}

// modelAction adapts a single-model command into a POST/DELETE handler.
func modelAction(fn func(ctx context.Context, id string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		ctx, cancel := requestContext(req)
		defer cancel()
		id := chi.URLParam(req, "id")
		if err := fn(ctx, id); err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"model_id": id})
	}
}

// decodeJSON enforces content type and body size, then decodes into dst.
// Returns false after writing the error response when decoding fails.
func decodeJSON(w http.ResponseWriter, req *http.Request, dst any) bool {
	ct := req.Header.Get("Content-Type")
	if ct != "" && !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return false
	}
	req.Body = http.MaxBytesReader(w, req.Body, maxBodyBytes)
	if err := json.NewDecoder(req.Body).Decode(dst); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil && zlog != nil {
		zlog.Error().Err(err).Msg("encode response")
	}
}

func queryInt(req *http.Request, key string, def int) int {
	v := req.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}
