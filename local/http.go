package local

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const notImplemented = "not implemented\n"

// Handler returns the HTTP interface: `GET /` lists every channel when the index is enabled, `GET /{uuid}` describes
// one channel and `?mode=comet` holds the request open until new data arrives.
func (s *Service) Handler() http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(s.logRequest)

	router.Get("/", s.handleIndex)
	router.Get("/{uuid}", s.handleChannel)
	router.MethodNotAllowed(handleNotImplemented)
	router.NotFound(s.handleNotFound)

	return router
}

func (s *Service) logRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mode := r.URL.Query().Get("mode")
		if mode == "" {
			mode = "unspecified"
		}
		s.logger.Info("Local request received", "method", r.Method, "url", r.URL.Path, "mode", mode)
		next.ServeHTTP(w, r)
	})
}

func (s *Service) handleIndex(w http.ResponseWriter, r *http.Request) {
	if !s.index {
		response := s.compose(nil)
		response.Exception = &Exception{Message: "channel index is disabled", Code: 0}
		s.writeResponse(w, http.StatusNotFound, response)
		return
	}
	s.respond(w, r, "")
}

func (s *Service) handleChannel(w http.ResponseWriter, r *http.Request) {
	s.respond(w, r, chi.URLParam(r, "uuid"))
}

func (s *Service) respond(w http.ResponseWriter, r *http.Request, uuid string) {
	var response Response
	if r.URL.Query().Get("mode") == "comet" {
		response = s.SnapshotBlocking(r.Context(), uuid, s.timeout)
	} else {
		response = s.Snapshot(uuid)
	}

	status := http.StatusOK
	if len(response.Data) == 0 {
		status = http.StatusNotFound
	}
	s.writeResponse(w, status, response)
}

func (s *Service) writeResponse(w http.ResponseWriter, status int, response Response) {
	body, err := json.Marshal(response)
	if err != nil {
		s.logger.Error("Failed to build response", "error", err)
		body, _ = json.Marshal(Response{
			Version:   s.version,
			Generator: s.generator,
			Data:      []ChannelData{},
			Exception: &Exception{Message: fmt.Sprintf("build response: %v", err), Code: http.StatusInternalServerError},
		})
		status = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}

// handleNotFound answers paths that name no channel, such as "/a/b". Only GET is implemented for any path.
func (s *Service) handleNotFound(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		handleNotImplemented(w, r)
		return
	}
	s.writeResponse(w, http.StatusNotFound, s.compose(nil))
}

func handleNotImplemented(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusMethodNotAllowed)
	w.Write([]byte(notImplemented))
}

// Serve runs the HTTP interface on `port` until the context is cancelled. Cancelling the context also releases any
// comet requests that are waiting for data.
func (s *Service) Serve(ctx context.Context, port int) error {
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	s.logger.Info("Serving local interface", "port", port, "index", s.index, "cometTimeout", s.timeout)

	err := server.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve local interface: %w", err)
	}
	return nil
}
