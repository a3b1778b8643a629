package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/MJE43/vision-trainer-go/internal/app"
	"github.com/MJE43/vision-trainer-go/internal/calibration"
	"github.com/MJE43/vision-trainer-go/internal/protocol"
	"github.com/MJE43/vision-trainer-go/internal/stimulus"
	"github.com/MJE43/vision-trainer-go/internal/store"
)

// ErrorBuilder helps construct structured errors with context.
type ErrorBuilder struct {
	errType   string
	message   string
	context   map[string]any
	requestID string
}

// NewError creates a new error builder.
func NewError(errType, message string) *ErrorBuilder {
	return &ErrorBuilder{
		errType: errType,
		message: message,
		context: make(map[string]any),
	}
}

// WithContext adds context information to the error.
func (eb *ErrorBuilder) WithContext(key string, value any) *ErrorBuilder {
	eb.context[key] = value
	return eb
}

// WithRequestID adds the request ID to the error.
func (eb *ErrorBuilder) WithRequestID(requestID string) *ErrorBuilder {
	eb.requestID = requestID
	return eb
}

// WithCause records the underlying error.
func (eb *ErrorBuilder) WithCause(err error) *ErrorBuilder {
	if err != nil {
		eb.context["cause"] = err.Error()
	}
	return eb
}

// Build creates the final EngineError.
func (eb *ErrorBuilder) Build() EngineError {
	e := EngineError{
		Type:      eb.errType,
		Message:   eb.message,
		RequestID: eb.requestID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if len(eb.context) > 0 {
		e.Context = eb.context
	}
	return e
}

// classify maps a domain error onto an HTTP status and error type.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, calibration.ErrInvalidCalibration):
		return http.StatusUnprocessableEntity, ErrTypeInvalidCalibration
	case errors.Is(err, stimulus.ErrUnsupportedStimulus):
		return http.StatusUnprocessableEntity, ErrTypeUnsupportedStimulus
	case errors.Is(err, protocol.ErrProtocolNotFound):
		return http.StatusNotFound, ErrTypeProtocolNotFound
	case errors.Is(err, app.ErrSessionNotFound), errors.Is(err, store.ErrNoSessions):
		return http.StatusNotFound, ErrTypeSessionNotFound
	case errors.Is(err, app.ErrInvalidAnswer),
		errors.Is(err, app.ErrInvalidSurface),
		errors.Is(err, stimulus.ErrInvalidSurface),
		errors.Is(err, stimulus.ErrInvalidStimulus),
		errors.Is(err, store.ErrInvalidImport):
		return http.StatusBadRequest, ErrTypeValidation
	case errors.Is(err, app.ErrTooManySessions):
		return http.StatusTooManyRequests, ErrTypeTooManySessions
	case errors.Is(err, app.ErrServiceClosed):
		return http.StatusServiceUnavailable, ErrTypeServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, ErrTypeTimeout
	default:
		return http.StatusInternalServerError, ErrTypeInternal
	}
}

// ErrorHandler writes and logs error responses.
type ErrorHandler struct {
	logger *zap.Logger
}

// NewErrorHandler creates a new error handler.
func NewErrorHandler(logger *zap.Logger) *ErrorHandler {
	return &ErrorHandler{logger: logger}
}

// HandleError classifies err and writes the matching response. Internal
// errors are reported without their cause.
func (eh *ErrorHandler) HandleError(w http.ResponseWriter, r *http.Request, err error) {
	var engineErr EngineError
	if errors.As(err, &engineErr) {
		eh.write(w, r, http.StatusBadRequest, engineErr)
		return
	}

	status, errType := classify(err)
	b := NewError(errType, err.Error()).
		WithRequestID(middleware.GetReqID(r.Context())).
		WithContext("path", r.URL.Path)
	if errType == ErrTypeInternal {
		b = NewError(errType, "Internal server error").
			WithRequestID(middleware.GetReqID(r.Context())).
			WithContext("path", r.URL.Path)
		eh.logger.Error("request failed",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err))
	}
	eh.write(w, r, status, b.Build())
}

// HandleValidationError reports a malformed request.
func (eh *ErrorHandler) HandleValidationError(w http.ResponseWriter, r *http.Request, field, message string) {
	engineErr := NewError(ErrTypeValidation, fmt.Sprintf("Validation failed: %s", message)).
		WithRequestID(middleware.GetReqID(r.Context())).
		WithContext("field", field).
		WithContext("path", r.URL.Path).
		Build()
	eh.write(w, r, http.StatusBadRequest, engineErr)
}

func (eh *ErrorHandler) write(w http.ResponseWriter, r *http.Request, status int, engineErr EngineError) {
	category := GetErrorCategory(engineErr.Type)
	if status >= http.StatusInternalServerError {
		eh.logger.Warn("error response",
			zap.String("type", engineErr.Type),
			zap.String("category", string(category)),
			zap.Int("status", status),
			zap.String("request_id", engineErr.RequestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path))
	} else {
		eh.logger.Debug("error response",
			zap.String("type", engineErr.Type),
			zap.Int("status", status),
			zap.String("path", r.URL.Path))
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Engine-Version", EngineVersion)
	w.Header().Set("X-Error-Type", engineErr.Type)
	w.Header().Set("X-Error-Category", string(category))
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(engineErr)
}

// RecoveryHandler turns a handler panic into a structured 500.
func (eh *ErrorHandler) RecoveryHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rvr := recover()
			if rvr == nil {
				return
			}
			if rvr == http.ErrAbortHandler {
				panic(rvr)
			}
			requestID := middleware.GetReqID(r.Context())
			eh.logger.Error("panic recovered",
				zap.String("request_id", requestID),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Any("panic", rvr),
				zap.Stack("stack"))

			engineErr := NewError(ErrTypeInternal, "Internal server error").
				WithRequestID(requestID).
				WithContext("path", r.URL.Path).
				Build()
			eh.write(w, r, http.StatusInternalServerError, engineErr)
		}()
		next.ServeHTTP(w, r)
	})
}
