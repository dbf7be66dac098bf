package types

import (
	"errors"
	"fmt"
)

// ErrNotFound is wrapped by adapters when a record does not exist.
var ErrNotFound = errors.New("not found")

// NotFoundError identifies a missing record by kind and id.
type NotFoundError struct {
	Kind string // "issue", "job", "changelist", "user"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s: not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// PermissionError reports a user lacking rights to change an issue.
type PermissionError struct {
	User  string
	Issue int
	Field string
	Why   string
}

func (e *PermissionError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("user %s may not change field %s of issue %d: %s",
			e.User, e.Field, e.Issue, e.Why)
	}
	return fmt.Sprintf("user %s may not change issue %d: %s", e.User, e.Issue, e.Why)
}

// TransitionError reports a workflow move the state machine forbids.
type TransitionError struct {
	Issue int
	From  string
	To    string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("issue %d: transition %q -> %q is not allowed", e.Issue, e.From, e.To)
}

// ReadOnlyFieldError reports a write to a field the replicator never changes.
type ReadOnlyFieldError struct {
	Issue int
	Field string
}

func (e *ReadOnlyFieldError) Error() string {
	return fmt.Sprintf("issue %d: field %s is read-only", e.Issue, e.Field)
}

// AppendOnlyFieldError reports a write whose new value does not extend the
// old value as an exact prefix.
type AppendOnlyFieldError struct {
	Issue int
	Field string
}

func (e *AppendOnlyFieldError) Error() string {
	return fmt.Sprintf("issue %d: field %s only accepts appended text", e.Issue, e.Field)
}

// TranslationError reports a value with no image on the other side.
type TranslationError struct {
	Translator string
	Value      string
	Why        string
}

func (e *TranslationError) Error() string {
	return fmt.Sprintf("%s translator: cannot translate %q: %s", e.Translator, e.Value, e.Why)
}

// SchemaVersionError reports an unknown or future schema-extension version.
// It is fatal: the replicator must not touch tables it does not understand.
type SchemaVersionError struct {
	Stored  string
	Current string
}

func (e *SchemaVersionError) Error() string {
	return fmt.Sprintf("schema extensions at version %q, this replicator speaks %q; upgrade the software, not the schema",
		e.Stored, e.Current)
}
