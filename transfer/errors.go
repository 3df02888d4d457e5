package transfer

import (
	"errors"
	"fmt"
	"net/http"

	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/smithy-go"

	"github.com/bitrise-io/go-s3transfer/osutil"
)

var (
	// ErrReaderClosed is returned when a ReadFileChunk is used after Close.
	ErrReaderClosed = errors.New("chunk reader is closed")
	// ErrInvalidSeek is returned when a seek would leave the chunk window.
	ErrInvalidSeek = errors.New("invalid seek")
	// ErrNotSeekable is returned by StreamReaderProgress.Seek when the wrapped stream can't seek.
	ErrNotSeekable = errors.New("stream is not seekable")
	// ErrInvalidExtraArg is returned for extra arguments the operation does not accept.
	ErrInvalidExtraArg = errors.New("invalid extra argument")
	// ErrInvalidConfig is returned by Config.Validate.
	ErrInvalidConfig = errors.New("invalid transfer config")
	// ErrObjectChanged is returned when a GET response does not match the object the download started with.
	ErrObjectChanged = errors.New("object changed during download")
)

// PartUploadError is returned when a part failed on every attempt.
type PartUploadError struct {
	PartNumber int32
	Attempts   int
	Err        error
}

func (e *PartUploadError) Error() string {
	return fmt.Sprintf("upload part %d failed after %d attempts: %v", e.PartNumber, e.Attempts, e.Err)
}

func (e *PartUploadError) Unwrap() error {
	return e.Err
}

// MultipartAbortedError is returned after a failed multipart upload has been aborted.
// AbortErr is set when the abort call itself failed and the session may still be open.
type MultipartAbortedError struct {
	Bucket   string
	Key      string
	UploadID string
	Err      error
	AbortErr error
}

func (e *MultipartAbortedError) Error() string {
	msg := fmt.Sprintf("multipart upload %s to %s/%s aborted: %v", e.UploadID, e.Bucket, e.Key, e.Err)
	if e.AbortErr != nil {
		msg += fmt.Sprintf(" (abort failed: %v)", e.AbortErr)
	}
	return msg
}

func (e *MultipartAbortedError) Unwrap() error {
	return e.Err
}

// RetriesExceededError is returned when a download range failed on every attempt.
type RetriesExceededError struct {
	Attempts int
	Err      error
}

func (e *RetriesExceededError) Error() string {
	return fmt.Sprintf("max retries exceeded with %d attempts: %v", e.Attempts, e.Err)
}

func (e *RetriesExceededError) Unwrap() error {
	return e.Err
}

// ServiceError is an error response of the storage service.
type ServiceError struct {
	Op         string
	StatusCode int
	Code       string
	Message    string
	Err        error
}

func (e *ServiceError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("s3.%s: HTTP %d %s: %s", e.Op, e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("s3.%s: %s: %s", e.Op, e.Code, e.Message)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

// Transient reports whether repeating the request may succeed.
func (e *ServiceError) Transient() bool {
	switch e.Code {
	case "InternalError", "RequestTimeout", "SlowDown", "ServiceUnavailable", "RequestTimeTooSkewed":
		return true
	}
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= http.StatusInternalServerError
}

// newServiceError wraps a client error. Errors without an API error response
// (connection resets, timeouts) are only annotated with the operation.
func newServiceError(op string, err error) error {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("s3.%s: %w", op, err)
	}

	serviceErr := &ServiceError{
		Op:      op,
		Code:    apiErr.ErrorCode(),
		Message: apiErr.ErrorMessage(),
		Err:     err,
	}
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		serviceErr.StatusCode = respErr.HTTPStatusCode()
	}
	return serviceErr
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}

	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr.Transient()
	}

	switch {
	case errors.Is(err, osutil.ErrNotFound),
		errors.Is(err, ErrReaderClosed),
		errors.Is(err, ErrInvalidSeek),
		errors.Is(err, ErrObjectChanged):
		return false
	}
	// Canceled attempts are retried: the parent context is checked separately,
	// so a cancellation here comes from hung detection.
	return true
}
