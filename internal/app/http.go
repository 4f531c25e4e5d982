package app

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"swapbot/notifier/internal/message"
	"swapbot/notifier/internal/util"
)

const tokenHeader = "X-Notifier-Token"

type HTTPServer struct {
	service *Service
	token   string
	log     *zap.Logger
}

// NewHTTPServer serves the event and health endpoints. When token is set,
// POST /sendMessage requires it in the X-Notifier-Token header.
func NewHTTPServer(service *Service, token string, log *zap.Logger) *HTTPServer {
	if log == nil {
		log = zap.NewNop()
	}
	return &HTTPServer{service: service, token: token, log: log}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{}
		for name, err := range s.service.Ping(ctx) {
			if err != nil {
				status = "not_ready"
				statusCode = http.StatusServiceUnavailable
				checks[name] = map[string]any{"status": "error", "error": err.Error()}
				continue
			}
			checks[name] = map[string]any{"status": "ok"}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.URL.Path == "/sendMessage" {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		s.handleSendMessage(w, r)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		s.fail(w, r, errUnauthorized)
		return
	}

	var body struct {
		TID    int64           `json:"t_id"`
		SwapID int64           `json:"swap_id"`
		Name   string          `json:"name"`
		Event  json.RawMessage `json:"event"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.fail(w, r, invalidInput(err.Error()))
		return
	}
	if body.TID <= 0 || body.SwapID <= 0 {
		s.fail(w, r, invalidInput("t_id and swap_id are required"))
		return
	}

	var event message.Event
	if len(body.Event) == 0 {
		s.fail(w, r, fmt.Errorf("%w: missing", ErrUnrecognizedEvent))
		return
	}
	if err := event.UnmarshalJSON(body.Event); err != nil {
		s.fail(w, r, fmt.Errorf("%w: %s", ErrUnrecognizedEvent, string(body.Event)))
		return
	}

	err := s.service.SendEvent(r.Context(), EventInput{
		ChatID: body.TID,
		SwapID: body.SwapID,
		Name:   body.Name,
		Event:  event,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Message received"})
}

func (s *HTTPServer) authorized(r *http.Request) bool {
	if s.token == "" {
		return true
	}
	got := r.Header.Get(tokenHeader)
	return subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) == 1
}

func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, msg, details := mapError(err)
	fields := []zap.Field{
		zap.String("request_id", requestIDFrom(r.Context())),
		zap.String("code", code),
		zap.Error(err),
	}
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", fields...)
	} else {
		s.log.Info("request rejected", fields...)
	}
	writeError(w, status, code, msg, details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = util.NewID("req")
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		writer.Header().Set("Cache-Control", "no-store")
		writer.Header().Set("Content-Type", "application/json")
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		s.log.Info("http request",
			zap.String("request_id", requestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", writer.status),
			zap.Int64("duration_ms", time.Since(started).Milliseconds()),
		)
	})
}

type requestIDKey struct{}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return errors.New("request body is required")
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, ErrUnrecognizedEvent) {
		return http.StatusUnprocessableEntity, "UNRECOGNIZED_EVENT", "Unrecognized event", nil
	}
	if errors.Is(err, context.Canceled) {
		return http.StatusServiceUnavailable, "CANCELLED", "Request cancelled", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
