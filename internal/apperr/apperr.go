// Package apperr provides the error codes and HTTP/WS mapping shared by the
// REST facade and the message codec.
package apperr

import (
	"fmt"
	"net/http"
	"time"
)

// AppError is a structured application error carrying both a machine-readable
// code and the HTTP status it maps to at the REST boundary.
type AppError struct {
	Code       string `json:"error_code"`
	Message    string `json:"message"`
	Details    string `json:"details,omitempty"`
	StatusCode int    `json:"-"`
}

func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Error codes, verbatim from the external interface contract.
const (
	CodeInvalidToken        = "INVALID_TOKEN"
	CodeNodeNotFound        = "NODE_NOT_FOUND"
	CodeCommandNotFound     = "COMMAND_NOT_FOUND"
	CodeNoMetricsData       = "NO_METRICS_DATA"
	CodeInvalidTimeFormat   = "INVALID_TIME_FORMAT"
	CodeInvalidTimeRange    = "INVALID_TIME_RANGE"
	CodeValidationError     = "VALIDATION_ERROR"
	CodeCommandTimeout      = "COMMAND_TIMEOUT"
	CodeUndeliverable       = "UNDELIVERABLE"
	CodeParseError          = "PARSE_ERROR"
	CodeUnknownMessageType  = "UNKNOWN_MESSAGE_TYPE"
	CodeDatabaseError       = "DATABASE_ERROR"
	CodeSlowConsumer        = "SLOW_CONSUMER"
)

func statusFor(code string) int {
	switch code {
	case CodeInvalidToken:
		return http.StatusUnauthorized
	case CodeNodeNotFound, CodeCommandNotFound:
		return http.StatusNotFound
	case CodeNoMetricsData:
		return http.StatusNotFound
	case CodeInvalidTimeFormat, CodeInvalidTimeRange, CodeValidationError:
		return http.StatusBadRequest
	case CodeCommandTimeout:
		return http.StatusGatewayTimeout
	case CodeUndeliverable, CodeSlowConsumer:
		return http.StatusConflict
	case CodeParseError, CodeUnknownMessageType:
		return http.StatusBadRequest
	case CodeDatabaseError:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// New builds an AppError for the given code with its mapped HTTP status.
func New(code, message string) *AppError {
	return &AppError{Code: code, Message: message, StatusCode: statusFor(code)}
}

// Wrap attaches an underlying error's text as Details.
func Wrap(code, message string, err error) *AppError {
	e := New(code, message)
	if err != nil {
		e.Details = err.Error()
	}
	return e
}

func InvalidToken() *AppError { return New(CodeInvalidToken, "invalid or missing bearer token") }

func NodeNotFound(nodeID string) *AppError {
	return New(CodeNodeNotFound, fmt.Sprintf("node %q not found", nodeID))
}

func CommandNotFound(commandID string) *AppError {
	return New(CodeCommandNotFound, fmt.Sprintf("command %q not found", commandID))
}

func NoMetricsData(nodeID string) *AppError {
	return New(CodeNoMetricsData, fmt.Sprintf("no metrics recorded for node %q", nodeID))
}

func ValidationError(message string) *AppError { return New(CodeValidationError, message) }

func InvalidTimeFormat(field string) *AppError {
	return New(CodeInvalidTimeFormat, fmt.Sprintf("%s is not a valid RFC3339 timestamp", field))
}

func InvalidTimeRange() *AppError {
	return New(CodeInvalidTimeRange, "start_time must be before end_time")
}

func CommandTimeout(commandID string) *AppError {
	return New(CodeCommandTimeout, fmt.Sprintf("command %q timed out", commandID))
}

func Undeliverable(nodeID string) *AppError {
	return New(CodeUndeliverable, fmt.Sprintf("node %q has no reachable session", nodeID))
}

func ParseError(err error) *AppError {
	return Wrap(CodeParseError, "could not parse envelope", err)
}

func UnknownMessageType(t string) *AppError {
	return New(CodeUnknownMessageType, fmt.Sprintf("unknown message type %q", t))
}

func DatabaseError(err error) *AppError {
	return Wrap(CodeDatabaseError, "store operation failed", err)
}

func SlowConsumer() *AppError {
	return New(CodeSlowConsumer, "outbound queue overflowed")
}

// RESTResponse is the REST error envelope from the external interfaces
// section: success=false, error_code, message, timestamp.
type RESTResponse struct {
	Success   bool   `json:"success"`
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// ToResponse renders the REST error envelope.
func (e *AppError) ToResponse() RESTResponse {
	return RESTResponse{
		Success:   false,
		ErrorCode: e.Code,
		Message:   e.Message,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}
