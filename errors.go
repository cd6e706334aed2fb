package poe

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrUnknownParameter is returned by ToolRequest accessors when the named
// argument is absent.
var ErrUnknownParameter = errors.New("unknown parameter")

// InvalidParameterError reports construction-time misuse, such as duplicate
// bot paths or an unresolvable access key. It never reaches the wire.
type InvalidParameterError struct {
	Message string
}

func (e *InvalidParameterError) Error() string {
	return fmt.Sprintf("invalid parameter: %s", e.Message)
}

// NewInvalidParameterError creates an InvalidParameterError.
func NewInvalidParameterError(format string, args ...any) *InvalidParameterError {
	return &InvalidParameterError{Message: fmt.Sprintf(format, args...)}
}

// IsInvalidParameter checks if an error is an InvalidParameterError.
func IsInvalidParameter(err error) bool {
	var e *InvalidParameterError
	return errors.As(err, &e)
}

// HTTPError carries an HTTP status a handler wants translated verbatim to
// the response, along with any extra headers.
type HTTPError struct {
	StatusCode int
	Message    string
	Headers    http.Header
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// NewHTTPError creates an HTTPError with the given status and message.
func NewHTTPError(statusCode int, message string) *HTTPError {
	return &HTTPError{StatusCode: statusCode, Message: message}
}

// IsHTTPError checks if an error is an HTTPError.
func IsHTTPError(err error) bool {
	var e *HTTPError
	return errors.As(err, &e)
}

// BotError is a transient failure talking to a remote bot. It is retried
// subject to the stream request's retry policy.
type BotError struct {
	Message string
	Cause   error
}

func (e *BotError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *BotError) Unwrap() error {
	return e.Cause
}

// NewBotError creates a BotError with the given message.
func NewBotError(message string) *BotError {
	return &BotError{Message: message}
}

// IsBotError checks if an error is a BotError of either retryability.
func IsBotError(err error) bool {
	var transient *BotError
	var terminal *BotErrorNoRetry
	return errors.As(err, &transient) || errors.As(err, &terminal)
}

// BotErrorNoRetry is a terminal bot failure that must never be retried: a
// protocol violation, a structurally invalid event, or an explicit error
// event with allow_retry false.
type BotErrorNoRetry struct {
	BotError

	// ErrorType carries the error_type of the originating error event, when
	// one was given.
	ErrorType string
}

// NewBotErrorNoRetry creates a terminal BotErrorNoRetry.
func NewBotErrorNoRetry(message string) *BotErrorNoRetry {
	return &BotErrorNoRetry{BotError: BotError{Message: message}}
}

// IsBotErrorNoRetry checks if an error is a terminal bot error.
func IsBotErrorNoRetry(err error) bool {
	var e *BotErrorNoRetry
	return errors.As(err, &e)
}

// InvalidBotSettingsError reports a settings response that failed
// validation.
type InvalidBotSettingsError struct {
	Message string
}

func (e *InvalidBotSettingsError) Error() string {
	return fmt.Sprintf("invalid bot settings: %s", e.Message)
}

// NewInvalidBotSettingsError creates an InvalidBotSettingsError.
func NewInvalidBotSettingsError(message string) *InvalidBotSettingsError {
	return &InvalidBotSettingsError{Message: message}
}

// IsInvalidBotSettings checks if an error is an InvalidBotSettingsError.
func IsInvalidBotSettings(err error) bool {
	var e *InvalidBotSettingsError
	return errors.As(err, &e)
}

// AttachmentUploadError reports a failed upload to the platform's
// attachment endpoint.
type AttachmentUploadError struct {
	Message string
	Cause   error
}

func (e *AttachmentUploadError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("attachment upload failed: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("attachment upload failed: %s", e.Message)
}

func (e *AttachmentUploadError) Unwrap() error {
	return e.Cause
}

// NewAttachmentUploadError creates an AttachmentUploadError wrapping cause,
// which may be nil.
func NewAttachmentUploadError(message string, cause error) *AttachmentUploadError {
	return &AttachmentUploadError{Message: message, Cause: cause}
}

// IsAttachmentUploadError checks if an error is an AttachmentUploadError.
func IsAttachmentUploadError(err error) bool {
	var e *AttachmentUploadError
	return errors.As(err, &e)
}

// InvalidContentTypeError reports a bot response whose Content-Type is not
// text/event-stream. It is raised before any event is consumed, so the
// attempt stays retryable.
type InvalidContentTypeError struct {
	ContentType string
}

func (e *InvalidContentTypeError) Error() string {
	return fmt.Sprintf("expected text/event-stream response, got %q", e.ContentType)
}

// NewInvalidContentTypeError creates an InvalidContentTypeError.
func NewInvalidContentTypeError(contentType string) *InvalidContentTypeError {
	return &InvalidContentTypeError{ContentType: contentType}
}

// IsInvalidContentType checks if an error is an InvalidContentTypeError.
func IsInvalidContentType(err error) bool {
	var e *InvalidContentTypeError
	return errors.As(err, &e)
}
