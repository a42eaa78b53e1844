package errors

// ErrorCategory classifies errors by their nature and retry semantics.
type ErrorCategory string

const (
	// CategoryTransient indicates temporary failures where retry may succeed.
	// Examples: a shard source timing out, a bus reconnecting.
	CategoryTransient ErrorCategory = "transient"

	// CategoryPermanent indicates failures where retry will not help.
	// Examples: malformed shards, unknown attachments, a closed page.
	CategoryPermanent ErrorCategory = "permanent"

	// CategoryInternal indicates unexpected errors or recovered panics.
	CategoryInternal ErrorCategory = "internal"
)

// String returns the string representation of the category.
func (c ErrorCategory) String() string {
	return string(c)
}

// IsRetryable returns true if errors in this category may succeed on retry.
func (c ErrorCategory) IsRetryable() bool {
	return c == CategoryTransient
}

// ErrorCode identifies specific error types within categories.
type ErrorCode string

const (
	// Transient errors
	ErrCodeTimeout     ErrorCode = "TIMEOUT"     // Operation timed out
	ErrCodeUnavailable ErrorCode = "UNAVAILABLE" // Shard source or bus unavailable

	// Permanent errors
	ErrCodeMalformedShard ErrorCode = "MALFORMED_SHARD" // Shard failed shape validation
	ErrCodeInvalidInput   ErrorCode = "INVALID_INPUT"   // Malformed request
	ErrCodeNotFound       ErrorCode = "NOT_FOUND"       // Unknown attachment or key
	ErrCodeClosed         ErrorCode = "CLOSED"          // Page torn down
	ErrCodeCanceled       ErrorCode = "CANCELED"        // Operation was canceled

	// Internal errors
	ErrCodeConsumerCallback ErrorCode = "CONSUMER_CALLBACK" // Renderer callback failed
	ErrCodeInternal         ErrorCode = "INTERNAL"          // Unexpected internal error
	ErrCodePanic            ErrorCode = "PANIC"             // Recovered from panic
)

// String returns the string representation of the error code.
func (c ErrorCode) String() string {
	return string(c)
}

// DefaultCategory returns the default category for an error code.
func (c ErrorCode) DefaultCategory() ErrorCategory {
	switch c {
	case ErrCodeTimeout, ErrCodeUnavailable:
		return CategoryTransient

	case ErrCodeMalformedShard, ErrCodeInvalidInput, ErrCodeNotFound,
		ErrCodeClosed, ErrCodeCanceled:
		return CategoryPermanent

	default:
		return CategoryInternal
	}
}
