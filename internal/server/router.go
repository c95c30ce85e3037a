package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
	"github.com/tanq16/prebuf/internal/controller"
	"github.com/tanq16/prebuf/internal/metrics"
)

const apiTimeout = 30 * time.Second

// NewRouter wires the media interceptor, the control API, the progress
// websocket and the metrics endpoint. Media and events are long-lived and
// sit outside the request timeout.
func NewRouter(ctrl *controller.Controller, media http.Handler) http.Handler {
	h := &handlers{ctrl: ctrl}
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.health)
	r.Handle("/metrics", metrics.Handler())
	r.Method(http.MethodGet, "/media", media)
	r.Method(http.MethodHead, "/media", media)
	r.Get("/api/events", h.events)

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Timeout(apiTimeout))
		r.Post("/buffer", h.startBuffer)
		r.Get("/buffer", h.bufferStatus)
		r.Delete("/buffer", h.cancelBuffer)
		r.Get("/buffers", h.listBuffers)
		r.Get("/options", h.getOptions)
		r.Put("/options", h.putOptions)
	})
	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		log.Debug().Str("op", "server/request").
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Msg("Request handled")
	})
}
