package session

import (
	"fmt"
)

// ErrorCode identifies a failure class in the audio session taxonomy.
type ErrorCode string

const (
	ErrInitializationFailed    ErrorCode = "INITIALIZATION_FAILED"
	ErrTTSInitializationFailed ErrorCode = "TTS_INITIALIZATION_FAILED"
	ErrRecordingFailed         ErrorCode = "RECORDING_FAILED"
	ErrCleanupFailed           ErrorCode = "CLEANUP_FAILED"
	ErrProcessingFailed        ErrorCode = "PROCESSING_FAILED"
	ErrVADFailed               ErrorCode = "VAD_FAILED"
	ErrNetworkTimeout          ErrorCode = "NETWORK_TIMEOUT"
)

// Category groups error codes for reporting.
type Category string

const (
	CategoryInitialization Category = "INITIALIZATION"
	CategoryRecording      Category = "RECORDING"
	CategoryProcessing     Category = "PROCESSING"
	CategoryNetwork        Category = "NETWORK"
	CategoryCleanup        Category = "CLEANUP"
)

// ErrorDetails carries everything a caller needs to react to a failure.
// Category, message, and retryability derive from the code alone, never from
// the wrapped error's text.
type ErrorDetails struct {
	Code          ErrorCode `json:"code"`
	Category      Category  `json:"category"`
	Message       string    `json:"message"`
	Retryable     bool      `json:"retryable"`
	OriginalError error     `json:"-"`
}

// Error implements the error interface.
func (e ErrorDetails) Error() string {
	if e.OriginalError != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.OriginalError)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the wrapped cause for errors.Is and errors.As.
func (e ErrorDetails) Unwrap() error {
	return e.OriginalError
}

type classification struct {
	category  Category
	message   string
	retryable bool
}

// Initialization failures need external remediation (permissions, devices,
// connectivity); everything else is worth retrying.
var classifications = map[ErrorCode]classification{
	ErrInitializationFailed:    {CategoryInitialization, "Failed to initialize the audio session", false},
	ErrTTSInitializationFailed: {CategoryInitialization, "Failed to initialize speech synthesis", false},
	ErrRecordingFailed:         {CategoryRecording, "Recording could not be started or continued", true},
	ErrCleanupFailed:           {CategoryCleanup, "Audio resources could not be released cleanly", true},
	ErrProcessingFailed:        {CategoryProcessing, "Audio frame processing failed", true},
	ErrVADFailed:               {CategoryProcessing, "Voice activity detection failed", true},
	ErrNetworkTimeout:          {CategoryNetwork, "Network request timed out", true},
}

// NewError derives full error details from a taxonomy code, wrapping the
// underlying cause when there is one.
func NewError(code ErrorCode, cause error) ErrorDetails {
	c, ok := classifications[code]
	if !ok {
		c = classification{CategoryProcessing, "Unclassified audio error", true}
	}
	return ErrorDetails{
		Code:          code,
		Category:      c.category,
		Message:       c.message,
		Retryable:     c.retryable,
		OriginalError: cause,
	}
}
