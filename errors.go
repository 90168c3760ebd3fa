package docquery

import "errors"

var (
	// ErrInvalidConfig is returned for invalid configuration values.
	ErrInvalidConfig = errors.New("docquery: invalid configuration")

	// ErrUploadTooLarge is returned when an uploaded file exceeds the
	// configured size limit.
	ErrUploadTooLarge = errors.New("docquery: upload exceeds size limit")

	// ErrUnsupportedUpload is returned when no extractor is registered for
	// the uploaded MIME type.
	ErrUnsupportedUpload = errors.New("docquery: unsupported upload type")

	// ErrNotRetryable is returned when retrying a document that is not in
	// the failed state.
	ErrNotRetryable = errors.New("docquery: document is not in a retryable state")
)
