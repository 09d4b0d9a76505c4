package apperrors

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// Standard application errors. Messages are safe to show to any caller; the
// wrapped error carries the diagnostic detail and is only logged.
var (
	ErrFetch            = New("fetch_error", "The endpoint could not be read. Check that the URL is correct and the service is available.")
	ErrFileRead         = New("file_read_error", "The file could not be read. Use a valid .csv, .xls or .xlsx file.")
	ErrEmptyResult      = New("empty_result", "The source did not return any records.")
	ErrDuplicateName    = New("duplicate_name", "A dataset with this name already exists.")
	ErrInvalidTableName = New("invalid_table_name", "The dataset name must contain letters, numbers or underscores.")
	ErrProcessNotFound  = New("process_not_found", "The import process could not be found.")
	ErrTaskNotFound     = New("task_not_found", "The task could not be found.")
	ErrForbidden        = New("forbidden", "You are not allowed to change this import process.")
	ErrInvalidInput     = New("invalid_input", "The input provided is invalid.")
	ErrNoColumns        = New("no_column_structure", "The import process has no column structure yet.")
	ErrRateLimited      = New("rate_limited", "Too many requests. Try again later.")
	ErrUnauthenticated  = New("unauthenticated", "Authentication is required.")
	ErrFileTooLarge     = New("file_too_large", "The file is too large.")
	ErrUnavailable      = New("unavailable", "The service is temporarily unavailable.")
	ErrDatabase         = New("database_error", "A database error occurred.")
	ErrInternal         = New("internal_error", "An unexpected error occurred on the server.")
)

// AppError is a classified error with a user-safe message.
type AppError struct {
	Code          string `json:"code"`
	Message       string `json:"message"`
	CorrelationID string `json:"correlation_id,omitempty"`
	Err           error  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s (code: %s, original_error: %v)", e.Message, e.Code, e.Err)
	}
	return fmt.Sprintf("%s (code: %s)", e.Message, e.Code)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// UserMessage is the message shown to users, suffixed with the correlation id when set.
func (e *AppError) UserMessage() string {
	if e.CorrelationID == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (ref: %s)", e.Message, e.CorrelationID)
}

// New creates a new AppError
func New(code, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// Wrap wraps err with the code of base. If customMessage is provided it
// replaces the default message of base.
func Wrap(err error, base *AppError, customMessage ...string) *AppError {
	msg := base.Message
	if len(customMessage) > 0 && customMessage[0] != "" {
		msg = customMessage[0]
	}
	return &AppError{
		Code:    base.Code,
		Message: msg,
		Err:     err,
	}
}

// Is reports whether any error in err's chain is an AppError with the code of target.
func Is(err error, target *AppError) bool {
	var appErr *AppError
	if !errors.As(err, &appErr) {
		return false
	}
	return appErr.Code == target.Code
}

// As returns the outermost AppError in err's chain.
func As(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// Classify returns err as an AppError, wrapping unclassified errors as internal.
func Classify(err error) *AppError {
	if err == nil {
		return nil
	}
	if appErr, ok := As(err); ok {
		return appErr
	}
	return Wrap(err, ErrInternal)
}

// WithCorrelation returns a copy of the classified error tagged with a short
// correlation id. An existing id is kept.
func WithCorrelation(err error) *AppError {
	appErr := Classify(err)
	if appErr == nil {
		return nil
	}
	tagged := *appErr
	if tagged.CorrelationID == "" {
		tagged.CorrelationID = NewCorrelationID()
	}
	return &tagged
}

// NewCorrelationID returns a short id used to match a user-facing error with server logs.
func NewCorrelationID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
}

// HTTPStatus maps an error to the HTTP status code reported to clients.
func HTTPStatus(err error) int {
	appErr, ok := As(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch appErr.Code {
	case ErrInvalidInput.Code, ErrInvalidTableName.Code, ErrNoColumns.Code:
		return http.StatusBadRequest
	case ErrDuplicateName.Code:
		return http.StatusConflict
	case ErrProcessNotFound.Code, ErrTaskNotFound.Code:
		return http.StatusNotFound
	case ErrForbidden.Code:
		return http.StatusForbidden
	case ErrRateLimited.Code:
		return http.StatusTooManyRequests
	case ErrUnauthenticated.Code:
		return http.StatusUnauthorized
	case ErrFileTooLarge.Code:
		return http.StatusRequestEntityTooLarge
	case ErrUnavailable.Code:
		return http.StatusServiceUnavailable
	case ErrFetch.Code:
		return http.StatusBadGateway
	case ErrFileRead.Code, ErrEmptyResult.Code:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
