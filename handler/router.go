package handler

import (
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"bibliobot/internal/usecase"
)

const maxBodyBytes = 64 << 10

// Router exposes the same endpoints as Handle over plain HTTP.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Post("/sessions", h.serve(h.createSession))
	r.Get("/suggestions", h.serve(h.suggestions))
	r.Route("/sessions/{sessionID}", func(s chi.Router) {
		s.Get("/turns", h.serve(h.history))
		s.Post("/messages", h.serve(h.send))
		s.Post("/reset", h.serve(h.reset))
	})
	r.NotFound(h.serveError(http.StatusNotFound))
	r.MethodNotAllowed(h.serveError(http.StatusMethodNotAllowed))
	return r
}

func (h *Handler) serve(ep endpoint) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		correlationID := correlationIDFrom(map[string]string{correlationHeader: r.Header.Get(correlationHeader)})

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			h.write(w, h.respond(correlationID, r.Method, r.URL.Path, start,
				&usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "invalid_body", Err: err}, 0, nil))
			return
		}

		status, payload, err := ep(r.Context(), apiRequest{
			sessionID: chi.URLParam(r, "sessionID"),
			body:      string(body),
		})
		h.write(w, h.respond(correlationID, r.Method, r.URL.Path, start, err, status, payload))
	}
}

func (h *Handler) serveError(status int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		correlationID := correlationIDFrom(map[string]string{correlationHeader: r.Header.Get(correlationHeader)})
		h.write(w, h.respond(correlationID, r.Method, r.URL.Path, time.Now(), routeError(status), 0, nil))
	}
}

func (h *Handler) write(w http.ResponseWriter, resp proxyResponse) {
	for k, v := range resp.Headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.WriteString(w, resp.Body)
}
