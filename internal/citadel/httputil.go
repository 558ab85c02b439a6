package citadel

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/jdholdren/hatumimi/api"
	hmerrs "github.com/jdholdren/hatumimi/internal/errors"
	"github.com/jdholdren/hatumimi/internal/keiji"
)

func writeJSON(w http.ResponseWriter, status int, data any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		return fmt.Errorf("error encoding json response: %s", err)
	}

	return nil
}

// validator is a surface that can validate itself and return an error
// if something is wrong.
type validator interface {
	Validate() error
}

// decodeValid decodes a request and then validates it.
func decodeValid[V validator](r io.Reader) (V, error) {
	var v V
	if err := json.NewDecoder(r).Decode(&v); err != nil {
		return v, hmerrs.E(fmt.Errorf("error decoding request: %w", err), http.StatusBadRequest)
	}
	if err := v.Validate(); err != nil {
		return v, err
	}

	return v, nil
}

func accessLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		slog.DebugContext(r.Context(), "request received", "method", r.Method, "path", r.URL.Path)
		start := time.Now()

		writer := &respCodeWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(writer, r)

		slog.InfoContext(r.Context(), "request completed",
			"method", r.Method,
			"url", r.URL.String(),
			"duration", time.Since(start),
			"status_code", writer.code,
		)
	})
}

// To trap the response status code for logging later.
type respCodeWriter struct {
	http.ResponseWriter
	code int
}

func (w *respCodeWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// handlerFuncE is a modified type of [http.HandlerFunc] that returns an error.
type handlerFuncE func(w http.ResponseWriter, r *http.Request) error

func (f handlerFuncE) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	err := f(w, r)
	if err == nil {
		return
	}

	// Either it's already a structured error, or coerce it to one
	var (
		sErr   = &hmerrs.Error{}
		apiErr api.Error
	)
	switch {
	case errors.As(err, &sErr):
	case errors.As(err, &apiErr):
		sErr = hmerrs.E(apiErr.Status, apiErr.Message)
		for _, d := range apiErr.Details {
			sErr.Details = append(sErr.Details, hmerrs.Detail{Field: d.Field, Error: d.Error})
		}
	case errors.Is(err, keiji.ErrNotFound):
		sErr = hmerrs.E(http.StatusNotFound, keiji.ErrNotFound)
	default:
		slog.ErrorContext(r.Context(), "unstructured handler error", "error", err)
		sErr = hmerrs.E(http.StatusInternalServerError, "internal server error")
	}
	if sErr.Status >= http.StatusInternalServerError {
		slog.ErrorContext(r.Context(), "request failed", "status_code", sErr.Status, "error", sErr.Err)
	}

	if err := writeJSON(w, sErr.Status, sErr); err != nil {
		slog.ErrorContext(r.Context(), "error writing response", "error", err)
	}
}

// errRouter is a newtype around a mux router that allows attaching handlers that return errors.
type errRouter struct {
	*mux.Router
}

func (r errRouter) handleFuncE(path string, f handlerFuncE) *mux.Route {
	return r.Handle(path, f)
}

// recoveryLogger sends panics recovered by gorilla's handler to slog.
type recoveryLogger struct{}

func (recoveryLogger) Println(v ...any) {
	slog.Error("recovered from panic", "panic", fmt.Sprint(v...))
}
