package catalog

import (
	"errors"
	"fmt"
	"strings"
)

// ErrEmptySelection is returned when no profile is requested.
var ErrEmptySelection = errors.New("no profiles selected")

// CatalogError reports a catalog authoring defect or a reference to an unknown entry.
// It is fatal: retrying with the same catalog cannot succeed.
type CatalogError struct {
	// Subject is the catalog entry at fault, e.g. `service "k-indexer"`.
	Subject string
	// Reason describes the defect.
	Reason string
}

func (e *CatalogError) Error() string {
	return fmt.Sprintf("catalog: %s: %s", e.Subject, e.Reason)
}

// IsCatalogError reports whether err is or wraps a CatalogError.
func IsCatalogError(err error) bool {
	var target *CatalogError
	return errors.As(err, &target)
}

func catalogErr(subject, format string, args ...any) *CatalogError {
	return &CatalogError{Subject: subject, Reason: fmt.Sprintf(format, args...)}
}

// ConflictPair names two profiles that cannot be selected together.
type ConflictPair struct {
	A string `json:"a"`
	B string `json:"b"`
}

func (p ConflictPair) String() string { return p.A + " + " + p.B }

// DependencyConflictError reports incompatible profile combinations.
type DependencyConflictError struct {
	Pairs []ConflictPair
}

func (e *DependencyConflictError) Error() string {
	parts := make([]string, 0, len(e.Pairs))
	for _, p := range e.Pairs {
		parts = append(parts, p.String())
	}
	return "incompatible profiles: " + strings.Join(parts, ", ")
}

// IsDependencyConflict reports whether err is or wraps a DependencyConflictError.
func IsDependencyConflict(err error) bool {
	var target *DependencyConflictError
	return errors.As(err, &target)
}
