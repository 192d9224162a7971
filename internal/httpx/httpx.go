// Package httpx carries the HTTP plumbing shared by the four service
// APIs: JSON response helpers, the health route, the event ingress
// route for webhook-style delivery, and a server runner with graceful
// shutdown.
package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/drluca/shopflow/internal/eventbus"
	"github.com/drluca/shopflow/internal/events"
)

// ErrorResponse is the JSON body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// WriteJSON encodes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

// WriteJSONError writes a standard error body.
func WriteJSONError(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, ErrorResponse{
		Error:   http.StatusText(status),
		Message: message,
	})
}

// DecodeJSON parses the request body into v. Unknown fields are
// tolerated; syntax errors are not.
func DecodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.New("request body is not valid JSON")
	}
	return nil
}

// Health returns the standard health handler.
func Health(service string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]any{
			"status":    "healthy",
			"service":   service,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// EventIngress adapts a bus handler to webhook-style delivery for
// brokers that push over HTTP. The status code carries the verdict:
// 200 acknowledges (including permanently dropped events, which a
// redelivery cannot fix), 503 asks for redelivery.
func EventIngress(handler eventbus.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var env events.Envelope
		if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
			log.Error().Err(err).Msg("unreadable event delivery")
			WriteJSON(w, http.StatusOK, map[string]string{"status": "dropped"})
			return
		}
		if err := env.Validate(); err != nil {
			log.Error().Err(err).Msg("invalid event envelope")
			WriteJSON(w, http.StatusOK, map[string]string{"status": "dropped"})
			return
		}

		switch err := handler(r.Context(), env); {
		case err == nil:
			WriteJSON(w, http.StatusOK, map[string]string{"status": "processed"})
		case errors.Is(err, eventbus.ErrPermanentFailure):
			WriteJSON(w, http.StatusOK, map[string]string{"status": "dropped"})
		default:
			WriteJSONError(w, http.StatusServiceUnavailable, "transient failure, retry delivery")
		}
	}
}

// Run serves handler on addr until ctx is cancelled, then drains for up
// to ten seconds.
func Run(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	log.Info().Msg("http server shutting down")
	return srv.Shutdown(shutdownCtx)
}
