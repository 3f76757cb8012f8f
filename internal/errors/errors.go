// Package errors attaches a component, a category and context to errors so
// callers can branch on the kind of failure and telemetry can group them.
package errors

import (
	stderrors "errors"
	"fmt"
	"maps"
	"net/url"
	"strings"
	"sync"
	"time"
)

// ErrorCategory groups errors by the kind of failure.
type ErrorCategory string

// CategorizedError is implemented by errors that know their own category.
// Build inherits it when no category is set explicitly.
type CategorizedError interface {
	error
	ErrorCategory() ErrorCategory
}

const (
	CategoryValidation    ErrorCategory = "validation"
	CategoryNotFound      ErrorCategory = "not-found"
	CategoryConflict      ErrorCategory = "conflict"
	CategoryState         ErrorCategory = "state"
	CategoryFileIO        ErrorCategory = "file-io"
	CategoryFileParsing   ErrorCategory = "file-parsing"
	CategoryNetwork       ErrorCategory = "network"
	CategoryHTTP          ErrorCategory = "http-request"
	CategoryAudio         ErrorCategory = "audio-processing"
	CategoryAudioDevice   ErrorCategory = "audio-device"
	CategoryResource      ErrorCategory = "resource"
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryWorklet       ErrorCategory = "worklet"
	CategoryTimeout       ErrorCategory = "timeout"
	CategoryCancellation  ErrorCategory = "cancellation"
	CategoryGeneric       ErrorCategory = "generic"
)

// ComponentUnknown is used when the component was not provided.
const ComponentUnknown = "unknown"

// EnhancedError is an error annotated by an ErrorBuilder.
type EnhancedError struct {
	Err       error
	Component string
	Category  ErrorCategory
	Context   map[string]any
	Timestamp time.Time

	mu       sync.RWMutex
	reported bool
}

func (ee *EnhancedError) Error() string { return ee.Err.Error() }

func (ee *EnhancedError) Unwrap() error { return ee.Err }

// Is matches the identical EnhancedError, otherwise defers to the wrapped error.
func (ee *EnhancedError) Is(target error) bool {
	if other, ok := target.(*EnhancedError); ok {
		return ee == other
	}
	return stderrors.Is(ee.Err, target)
}

// GetContext returns a copy of the context map.
func (ee *EnhancedError) GetContext() map[string]any {
	ee.mu.RLock()
	defer ee.mu.RUnlock()
	if ee.Context == nil {
		return nil
	}
	return maps.Clone(ee.Context)
}

// MarkReported records that telemetry has seen this error.
func (ee *EnhancedError) MarkReported() {
	ee.mu.Lock()
	ee.reported = true
	ee.mu.Unlock()
}

// IsReported reports whether MarkReported has been called.
func (ee *EnhancedError) IsReported() bool {
	ee.mu.RLock()
	defer ee.mu.RUnlock()
	return ee.reported
}

// ErrorBuilder collects annotations until Build.
type ErrorBuilder struct {
	err       error
	component string
	category  ErrorCategory
	context   map[string]any
}

// New starts annotating err.
func New(err error) *ErrorBuilder {
	return &ErrorBuilder{err: err}
}

// Newf starts annotating a formatted error; %w wraps as with fmt.Errorf.
func Newf(format string, args ...any) *ErrorBuilder {
	return New(fmt.Errorf(format, args...))
}

func (eb *ErrorBuilder) Component(component string) *ErrorBuilder {
	eb.component = component
	return eb
}

func (eb *ErrorBuilder) Category(category ErrorCategory) *ErrorBuilder {
	eb.category = category
	return eb
}

// Context adds one key to the context map. Later values win.
func (eb *ErrorBuilder) Context(key string, value any) *ErrorBuilder {
	if eb.context == nil {
		eb.context = make(map[string]any, 4)
	}
	eb.context[key] = value
	return eb
}

// NetworkContext records the scheme of rawURL, never the URL itself, and
// the timeout when one applies.
func (eb *ErrorBuilder) NetworkContext(rawURL string, timeout time.Duration) *ErrorBuilder {
	if rawURL != "" {
		eb.Context("url_category", urlCategory(rawURL))
	}
	if timeout > 0 {
		eb.Context("timeout_seconds", timeout.Seconds())
	}
	return eb
}

// Build finalizes the error and hands it to the telemetry reporter, if any.
func (eb *ErrorBuilder) Build() *EnhancedError {
	ee := &EnhancedError{
		Err:       eb.err,
		Component: eb.component,
		Category:  eb.category,
		Context:   eb.context,
		Timestamp: time.Now(),
	}
	if ee.Err == nil {
		ee.Err = stderrors.New("unspecified error")
	}
	if ee.Category == "" {
		ee.Category = inheritCategory(ee.Err)
	}
	if ee.Component == "" {
		ee.Component = ComponentUnknown
	}

	if hasActiveReporting.Load() {
		reportToTelemetry(ee)
	}
	return ee
}

func inheritCategory(err error) ErrorCategory {
	var catErr CategorizedError
	if stderrors.As(err, &catErr) {
		return catErr.ErrorCategory()
	}
	var enhErr *EnhancedError
	if stderrors.As(err, &enhErr) && enhErr.Category != "" {
		return enhErr.Category
	}
	return CategoryGeneric
}

// urlCategory maps a buffer or module location to a label safe to report.
func urlCategory(rawURL string) string {
	if strings.HasPrefix(rawURL, "/") {
		return "local-file"
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "other-protocol"
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		return "http-endpoint"
	case "https":
		return "https-endpoint"
	case "file", "":
		return "local-file"
	case "data":
		return "data-url"
	case "go":
		return "builtin-module"
	default:
		return "other-protocol"
	}
}

// NetworkError builds a CategoryNetwork error for a request to rawURL.
func NetworkError(err error, rawURL string, timeout time.Duration) *EnhancedError {
	return New(err).Category(CategoryNetwork).NetworkContext(rawURL, timeout).Build()
}

// ValidationError builds a CategoryValidation error from a message.
func ValidationError(message string) *EnhancedError {
	return New(stderrors.New(message)).Category(CategoryValidation).Build()
}

// The functions below mirror the standard errors package so callers need a
// single import.

func NewStd(text string) error { return stderrors.New(text) }

func Is(err, target error) bool { return stderrors.Is(err, target) }

func As(err error, target any) bool { return stderrors.As(err, target) }

func Join(errs ...error) error { return stderrors.Join(errs...) }

// IsCategory reports whether err's chain holds an EnhancedError of category.
func IsCategory(err error, category ErrorCategory) bool {
	var ee *EnhancedError
	return stderrors.As(err, &ee) && ee.Category == category
}

// IsNotFound is IsCategory(err, CategoryNotFound).
func IsNotFound(err error) bool {
	return IsCategory(err, CategoryNotFound)
}

// IsUsage reports whether err is a caller mistake rather than an
// environmental failure.
func IsUsage(err error) bool {
	return IsCategory(err, CategoryValidation) ||
		IsCategory(err, CategoryConflict) ||
		IsCategory(err, CategoryState)
}
