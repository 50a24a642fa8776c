package monitor

import (
	"net/http"
	"strconv"
	"time"

	"github.com/CodedInternet/robocan/onboard/catalog"
	"github.com/CodedInternet/robocan/onboard/registry"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

type catalogResponse struct {
	Version string          `json:"version"`
	Entries []catalog.Entry `json:"entries"`
}

type errResponse struct {
	HTTPStatusCode int    `json:"-"`
	StatusText     string `json:"status"`
	ErrorText      string `json:"error,omitempty"`
}

func (e *errResponse) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, e.HTTPStatusCode)
	return nil
}

func errInvalidRequest(err error) render.Renderer {
	return &errResponse{
		HTTPStatusCode: http.StatusBadRequest,
		StatusText:     "Invalid request.",
		ErrorText:      err.Error(),
	}
}

func errInternal(err error) render.Renderer {
	return &errResponse{
		HTTPStatusCode: http.StatusInternalServerError,
		StatusText:     "Internal error.",
		ErrorText:      err.Error(),
	}
}

func errUnauthorized(err error) render.Renderer {
	return &errResponse{
		HTTPStatusCode: http.StatusUnauthorized,
		StatusText:     "Unauthorized.",
		ErrorText:      err.Error(),
	}
}

func errPermissionDenied(err error) render.Renderer {
	return &errResponse{
		HTTPStatusCode: http.StatusForbidden,
		StatusText:     "Permission denied.",
		ErrorText:      err.Error(),
	}
}

var errNotFound = &errResponse{HTTPStatusCode: http.StatusNotFound, StatusText: "Resource not found."}

// Router serves the monitor's JSON API and live frame stream. Call
// EnableAuth first to protect them.
func (m *Monitor) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(m.log))
	r.Use(middleware.Recoverer)

	RegisterMetrics()
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(render.SetContentType(render.ContentTypeJSON))
		if m.auth != nil {
			r.Post("/login", m.auth.Login)
		}

		r.Group(func(r chi.Router) {
			if m.auth != nil {
				r.Use(m.auth.Validate)
				r.Get("/refresh_token", m.auth.Refresh)
			}
			r.Get("/catalog", m.getCatalog)
			r.Get("/frames", m.listFrames)
			r.Get("/modules", m.listModules)
		})
	})

	r.Route("/ws", func(r chi.Router) {
		if m.auth != nil {
			r.Use(m.auth.Validate)
		}
		r.Get("/frames", m.hub.ServeHTTP)
	})
	return r
}

func (m *Monitor) getCatalog(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, catalogResponse{
		Version: m.Catalog().Version().String(),
		Entries: m.Catalog().Entries(),
	})
}

func (m *Monitor) listFrames(w http.ResponseWriter, r *http.Request) {
	var query Query

	if raw := r.URL.Query().Get("module"); raw != "" {
		addr, err := registry.ParseAddress(raw)
		if err != nil {
			render.Render(w, r, errInvalidRequest(err))
			return
		}
		a := uint8(addr)
		query.Module = &a
	}
	if raw := r.URL.Query().Get("type"); raw != "" {
		t, err := strconv.ParseUint(raw, 0, 8)
		if err != nil {
			render.Render(w, r, errInvalidRequest(err))
			return
		}
		typ := uint8(t)
		query.Type = &typ
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			render.Render(w, r, errInvalidRequest(strconv.ErrSyntax))
			return
		}
		query.Limit = n
	}

	records, err := m.store.Recent(query)
	if err != nil {
		render.Render(w, r, errInternal(err))
		return
	}
	render.JSON(w, r, records)
}

func (m *Monitor) listModules(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, m.Modules())
}

func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			took := time.Since(start)

			// Route patterns keep ids out of the metric labels.
			pattern := "unmatched"
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				pattern = rctx.RoutePattern()
			}
			RecordHTTPRequest(r.Method, pattern, ww.Status(), took)

			logger.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("took", took).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("request")
		})
	}
}
