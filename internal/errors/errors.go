// Package errors provides categorized errors with a fluent builder so
// callers at the edges (CLI, HTTP) can react to the kind of failure
// without string matching.
package errors

import (
	stderrors "errors"
	"fmt"
	"maps"
	"sort"
	"strings"
	"time"
)

// ErrorCategory represents the type of error for better categorization
type ErrorCategory string

const (
	CategoryUnsupportedFormat ErrorCategory = "unsupported-format"
	CategoryFileParsing       ErrorCategory = "file-parsing"
	CategoryFileIO            ErrorCategory = "file-io"
	CategoryDatabase          ErrorCategory = "database"
	CategoryPartition         ErrorCategory = "partition"
	CategoryValidation        ErrorCategory = "validation"
	CategoryNotFound          ErrorCategory = "not-found"
	CategoryConfiguration     ErrorCategory = "configuration"
	CategoryStorage           ErrorCategory = "storage"
	CategoryGeneric           ErrorCategory = "generic"
)

// ComponentUnknown is used when the component was not set.
const ComponentUnknown = "unknown"

// EnhancedError wraps an error with a category, the component that raised
// it and free-form context.
type EnhancedError struct {
	Err       error
	Component string
	Category  ErrorCategory
	Context   map[string]any
	Timestamp time.Time
}

// Error implements the error interface
func (ee *EnhancedError) Error() string {
	return ee.Err.Error()
}

// Unwrap returns the underlying error for errors.Is/As.
func (ee *EnhancedError) Unwrap() error {
	return ee.Err
}

// Detail renders the error with its context keys in stable order, for logs.
func (ee *EnhancedError) Detail() string {
	if len(ee.Context) == 0 {
		return fmt.Sprintf("[%s/%s] %v", ee.Component, ee.Category, ee.Err)
	}
	keys := make([]string, 0, len(ee.Context))
	for k := range ee.Context {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, ee.Context[k]))
	}
	return fmt.Sprintf("[%s/%s] %v (%s)", ee.Component, ee.Category, ee.Err, strings.Join(parts, " "))
}

// ErrorBuilder provides a fluent interface for creating enhanced errors
type ErrorBuilder struct {
	err       error
	component string
	category  ErrorCategory
	context   map[string]any
}

// New creates a new error with enhanced context
func New(err error) *ErrorBuilder {
	return &ErrorBuilder{err: err}
}

// Newf creates a new formatted error with enhanced context
func Newf(format string, args ...any) *ErrorBuilder {
	return New(fmt.Errorf(format, args...))
}

// Component sets the component name
func (eb *ErrorBuilder) Component(component string) *ErrorBuilder {
	eb.component = component
	return eb
}

// Category sets the error category for better grouping
func (eb *ErrorBuilder) Category(category ErrorCategory) *ErrorBuilder {
	eb.category = category
	return eb
}

// Context adds context data to the error
func (eb *ErrorBuilder) Context(key string, value any) *ErrorBuilder {
	if eb.context == nil {
		eb.context = make(map[string]any)
	}
	eb.context[key] = value
	return eb
}

// Build creates the EnhancedError.
func (eb *ErrorBuilder) Build() *EnhancedError {
	ee := &EnhancedError{
		Err:       eb.err,
		Component: eb.component,
		Category:  eb.category,
		Context:   maps.Clone(eb.context),
		Timestamp: time.Now(),
	}
	if ee.Err == nil {
		ee.Err = stderrors.New("unspecified error")
	}
	if ee.Component == "" {
		ee.Component = ComponentUnknown
	}
	if ee.Category == "" {
		ee.Category = CategoryGeneric
	}
	return ee
}

// NewStd creates a plain sentinel error.
func NewStd(text string) error {
	return stderrors.New(text)
}

// Is is a passthrough to the standard library.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// As is a passthrough to the standard library.
func As(err error, target any) bool {
	return stderrors.As(err, target)
}

// Join is a passthrough to the standard library.
func Join(errs ...error) error {
	return stderrors.Join(errs...)
}

// CategoryOf returns the category of the first EnhancedError in the chain.
func CategoryOf(err error) ErrorCategory {
	var ee *EnhancedError
	if stderrors.As(err, &ee) {
		return ee.Category
	}
	return ""
}

// IsCategory reports whether err carries the given category.
func IsCategory(err error, category ErrorCategory) bool {
	return CategoryOf(err) == category
}
