package errors

import (
	"encoding/json"
	"fmt"
	"time"
)

// CodedError is implemented by every error traitkit reports.
type CodedError interface {
	error
	Code() ErrorCode
	Category() ErrorCategory
	Metadata() map[string]string
	Unwrap() error
}

// Error carries a code, the library or trait it concerns, and an optional
// cause.
type Error struct {
	code      ErrorCode
	category  ErrorCategory
	message   string
	cause     error
	metadata  map[string]string
	at        time.Time
	libraryID string
	traitID   string
}

var (
	_ CodedError     = (*Error)(nil)
	_ json.Marshaler = (*Error)(nil)
)

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Code returns the error code.
func (e *Error) Code() ErrorCode { return e.code }

// Category returns the code's category.
func (e *Error) Category() ErrorCategory { return e.category }

// Retryable reports whether repeating the failed operation may succeed.
// Loaders retry on it; renderers receive it with the error data.
func (e *Error) Retryable() bool { return e.category.IsRetryable() }

// Metadata returns a copy of the metadata.
func (e *Error) Metadata() map[string]string {
	out := make(map[string]string, len(e.metadata))
	for k, v := range e.metadata {
		out[k] = v
	}
	return out
}

func (e *Error) Unwrap() error { return e.cause }

// LibraryID returns the library whose shard caused the error, if set.
func (e *Error) LibraryID() string { return e.libraryID }

// TraitID returns the trait the error concerns, if set.
func (e *Error) TraitID() string { return e.traitID }

// MarshalJSON writes the form renderers and diagnostic sinks receive.
func (e *Error) MarshalJSON() ([]byte, error) {
	j := struct {
		Code      ErrorCode         `json:"code"`
		Category  ErrorCategory     `json:"category"`
		Retryable bool              `json:"retryable"`
		Message   string            `json:"message"`
		Cause     string            `json:"cause,omitempty"`
		LibraryID string            `json:"library_id,omitempty"`
		TraitID   string            `json:"trait_id,omitempty"`
		Metadata  map[string]string `json:"metadata,omitempty"`
		Time      string            `json:"time,omitempty"`
	}{
		Code:      e.code,
		Category:  e.category,
		Retryable: e.Retryable(),
		Message:   e.message,
		LibraryID: e.libraryID,
		TraitID:   e.traitID,
		Metadata:  e.metadata,
	}
	if e.cause != nil {
		j.Cause = e.cause.Error()
	}
	if !e.at.IsZero() {
		j.Time = e.at.UTC().Format(time.RFC3339Nano)
	}
	return json.Marshal(j)
}

// Option configures an Error.
type Option func(*Error)

// WithMetadata adds a metadata key-value pair.
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		e.metadata[key] = value
	}
}

// WithLibraryID sets the library the error concerns.
func WithLibraryID(id string) Option {
	return func(e *Error) { e.libraryID = id }
}

// WithTraitID sets the trait the error concerns.
func WithTraitID(id string) Option {
	return func(e *Error) { e.traitID = id }
}

// WithCause sets the underlying cause.
func WithCause(cause error) Option {
	return func(e *Error) { e.cause = cause }
}

// New creates an Error whose category follows from code.
func New(code ErrorCode, message string, opts ...Option) *Error {
	e := &Error{
		code:     code,
		category: code.DefaultCategory(),
		message:  message,
		at:       time.Now(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// MalformedShard reports a shard that failed shape validation.
func MalformedShard(libraryID, reason string, opts ...Option) *Error {
	opts = append([]Option{WithLibraryID(libraryID)}, opts...)
	if libraryID == "" {
		return New(ErrCodeMalformedShard, "malformed shard: "+reason, opts...)
	}
	return New(ErrCodeMalformedShard, fmt.Sprintf("malformed shard %q: %s", libraryID, reason), opts...)
}

// ConsumerCallback reports a renderer callback that failed or panicked.
func ConsumerCallback(traitID string, cause error, opts ...Option) *Error {
	opts = append([]Option{WithTraitID(traitID), WithCause(cause)}, opts...)
	return New(ErrCodeConsumerCallback, fmt.Sprintf("consumer for %s failed", traitID), opts...)
}

func Closed(message string, opts ...Option) *Error {
	return New(ErrCodeClosed, message, opts...)
}

func NotFound(message string, opts ...Option) *Error {
	return New(ErrCodeNotFound, message, opts...)
}

func InvalidInput(message string, opts ...Option) *Error {
	return New(ErrCodeInvalidInput, message, opts...)
}

func Internal(message string, opts ...Option) *Error {
	return New(ErrCodeInternal, message, opts...)
}
