package api

import (
	"github.com/MJE43/vision-trainer-go/internal/calibration"
	"github.com/MJE43/vision-trainer-go/internal/protocol"
	"github.com/MJE43/vision-trainer-go/internal/session"
	"github.com/MJE43/vision-trainer-go/internal/stimulus"
	"github.com/MJE43/vision-trainer-go/internal/store"
)

// EngineError is the JSON body of every error response.
type EngineError struct {
	Type      string         `json:"type"`
	Message   string         `json:"message"`
	Context   map[string]any `json:"context,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
	Timestamp string         `json:"timestamp,omitempty"`
}

func (e EngineError) Error() string { return e.Message }

const (
	// Input errors
	ErrTypeInvalidCalibration  = "invalid_calibration"
	ErrTypeUnsupportedStimulus = "unsupported_stimulus"
	ErrTypeValidation          = "validation_error"

	// Lookup errors
	ErrTypeProtocolNotFound = "protocol_not_found"
	ErrTypeSessionNotFound  = "session_not_found"

	// System errors
	ErrTypeTooManySessions    = "too_many_sessions"
	ErrTypeRateLimit          = "rate_limit_exceeded"
	ErrTypeTimeout            = "timeout"
	ErrTypeServiceUnavailable = "service_unavailable"
	ErrTypeInternal           = "internal_error"
)

// ErrorCategory groups error types for monitoring.
type ErrorCategory string

const (
	CategoryValidation ErrorCategory = "validation"
	CategoryNotFound   ErrorCategory = "not_found"
	CategorySystem     ErrorCategory = "system"
	CategoryTimeout    ErrorCategory = "timeout"
)

// GetErrorCategory returns the category for an error type.
func GetErrorCategory(errType string) ErrorCategory {
	switch errType {
	case ErrTypeInvalidCalibration, ErrTypeUnsupportedStimulus, ErrTypeValidation:
		return CategoryValidation
	case ErrTypeProtocolNotFound, ErrTypeSessionNotFound:
		return CategoryNotFound
	case ErrTypeTimeout:
		return CategoryTimeout
	default:
		return CategorySystem
	}
}

// VersionInfo contains engine version information.
type VersionInfo struct {
	EngineVersion string `json:"engine_version"`
	GitCommit     string `json:"git_commit,omitempty"`
	BuildTime     string `json:"build_time,omitempty"`
}

// CalibrateRequest measures an on-screen reference object. A missing
// physical width means a credit card.
type CalibrateRequest struct {
	ReferenceWidthPx float64 `json:"reference_width_px"`
	PhysicalWidthMm  float64 `json:"physical_width_mm,omitempty"`
}

// CalibrateResponse is the resulting profile.
type CalibrateResponse struct {
	Profile       calibration.Profile `json:"profile"`
	EngineVersion string              `json:"engine_version"`
}

// ProtocolsResponse lists the protocol catalog.
type ProtocolsResponse struct {
	Protocols     []protocol.Definition `json:"protocols"`
	EngineVersion string                `json:"engine_version"`
}

// StartSessionRequest starts a session. A zero surface uses the server default.
type StartSessionRequest struct {
	Protocol string           `json:"protocol"`
	Seed     string           `json:"seed,omitempty"`
	Surface  stimulus.Surface `json:"surface"`
}

// RespondRequest answers the current trial.
type RespondRequest struct {
	Answer string `json:"answer"`
}

// RespondResponse reports whether the answer was taken. Answers outside the
// response window are dropped, not rejected.
type RespondResponse struct {
	Accepted bool `json:"accepted"`
}

// SummaryResponse wraps a finished session.
type SummaryResponse struct {
	Summary       *session.Summary `json:"summary"`
	EngineVersion string           `json:"engine_version"`
}

// HistoryResponse is a page of stored sessions.
type HistoryResponse struct {
	Sessions []session.Record `json:"sessions"`
	Total    int              `json:"total"`
	Limit    int              `json:"limit"`
	Offset   int              `json:"offset"`
}

// StatsResponse carries overall stats, or one game's stats and series.
type StatsResponse struct {
	Overall *store.OverallStats `json:"overall,omitempty"`
	Game    *store.GameStats    `json:"game,omitempty"`
	Series  *store.Series       `json:"series,omitempty"`
}

// ImportResponse reports how many sessions were imported.
type ImportResponse struct {
	Imported int `json:"imported"`
}
