package modulator

import (
	"errors"
	"fmt"
	"strings"

	"github.com/sprout-dev/sprout/internal/capability"
	"github.com/sprout-dev/sprout/internal/manifest"
	"github.com/sprout-dev/sprout/internal/marker"
	"github.com/sprout-dev/sprout/internal/outcome"
	"github.com/sprout-dev/sprout/internal/resolver"
)

// NotInstalledError rejects removing a capability the manifest does not list.
type NotInstalledError struct {
	ID string
}

func (e *NotInstalledError) Error() string {
	return e.ID + " is not installed"
}

// DependentsError rejects removing a capability others depend on.
type DependentsError struct {
	ID         string
	Dependents []string
}

func (e *DependentsError) Error() string {
	return fmt.Sprintf("cannot remove %s: required by %s; remove them first", e.ID, strings.Join(e.Dependents, ", "))
}

// PlanError carries the operations Plan found would fail before anything
// was written, such as a missing required marker.
type PlanError struct {
	ID       string
	Problems []outcome.Result
}

func (e *PlanError) Error() string {
	msgs := make([]string, 0, len(e.Problems))
	for _, p := range e.Problems {
		msgs = append(msgs, fmt.Sprintf("%s (%s): %s", p.ID, p.File, p.Message))
	}
	return fmt.Sprintf("cannot install %s:\n  %s", e.ID, strings.Join(msgs, "\n  "))
}

// StageError reports the stage a pipeline stopped at.
type StageError struct {
	ID    string
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %s failed: %v", e.ID, e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// BatchError joins the failures of a batch.
type BatchError struct {
	Errs []error
}

func (e *BatchError) Error() string {
	return errors.Join(e.Errs...).Error()
}

func (e *BatchError) Unwrap() []error { return e.Errs }

// IsValidation reports whether err is a validation failure caught before
// any mutation. A BatchError is a validation failure only when every member
// is one.
func IsValidation(err error) bool {
	if err == nil {
		return false
	}
	var batch *BatchError
	if errors.As(err, &batch) {
		for _, e := range batch.Errs {
			if !IsValidation(e) {
				return false
			}
		}
		return true
	}
	var (
		notInstalled *NotInstalledError
		dependents   *DependentsError
		planErr      *PlanError
		unknown      *capability.UnknownError
		conflict     *resolver.ConflictError
		cycle        *resolver.CycleError
		invalid      *manifest.ValidationError
		missing      *marker.MissingError
		malformed    *marker.MalformedError
		locked       *LockedError
		initialized  *InitializedError
	)
	switch {
	case errors.Is(err, manifest.ErrNotFound),
		errors.As(err, &notInstalled),
		errors.As(err, &dependents),
		errors.As(err, &planErr),
		errors.As(err, &unknown),
		errors.As(err, &conflict),
		errors.As(err, &cycle),
		errors.As(err, &invalid),
		errors.As(err, &missing),
		errors.As(err, &malformed),
		errors.As(err, &locked),
		errors.As(err, &initialized):
		return true
	}
	return false
}
