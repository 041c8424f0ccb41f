// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/jeranaias/rigroute/internal/catalog"
	"github.com/jeranaias/rigroute/internal/config"
	"github.com/jeranaias/rigroute/internal/model"
	"github.com/jeranaias/rigroute/internal/registry"
	"github.com/jeranaias/rigroute/internal/router"
)

// =============================================================================
// EXIT CODES
// =============================================================================

const (
	// ExitSuccess indicates successful execution
	ExitSuccess = 0
	// ExitValidation covers bad input: flags, unknown domains, invalid
	// profiles and manifests
	ExitValidation = 1
	// ExitNoEligibleModel means every candidate was filtered or rejected
	ExitNoEligibleModel = 2
	// ExitUnavailable covers the registry, storage and any other backend
	ExitUnavailable = 3
)

// =============================================================================
// ERROR TYPES
// =============================================================================

// CommandError wraps a failure with the command that produced it.
type CommandError struct {
	Command string
	Action  string
	Err     error
}

func (e *CommandError) Error() string {
	if e.Action == "" {
		return fmt.Sprintf("%s: %v", e.Command, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Command, e.Action, e.Err)
}

func (e *CommandError) Unwrap() error { return e.Err }

// ValidationError is a bad flag or argument value.
type ValidationError struct {
	Field   string
	Value   string
	Reason  string
	Example string
}

func (e *ValidationError) Error() string {
	msg := fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
	if e.Value != "" {
		msg += fmt.Sprintf(" (got: %s)", e.Value)
	}
	if e.Example != "" {
		msg += fmt.Sprintf("\nExample: %s", e.Example)
	}
	return msg
}

// UsageError is a malformed command line.
type UsageError struct {
	Usage string
	Hint  string
}

func (e *UsageError) Error() string {
	if e.Hint != "" {
		return fmt.Sprintf("usage: %s\n%s", e.Usage, e.Hint)
	}
	return "usage: " + e.Usage
}

// NotFoundError is a missing profile, domain or model.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// NewCommandError wraps err with its command and action.
func NewCommandError(command, action string, err error) error {
	if err == nil {
		return nil
	}
	return &CommandError{Command: command, Action: action, Err: err}
}

// NewValidationError creates a validation error.
func NewValidationError(field, value, reason string) error {
	return &ValidationError{Field: field, Value: value, Reason: reason}
}

// NewValidationErrorWithExample creates a validation error with an example.
func NewValidationErrorWithExample(field, value, reason, example string) error {
	return &ValidationError{Field: field, Value: value, Reason: reason, Example: example}
}

// NewNotFoundError creates a not-found error.
func NewNotFoundError(resource, id string) error {
	return &NotFoundError{Resource: resource, ID: id}
}

// =============================================================================
// EXIT CODE MAPPING
// =============================================================================

// ExitCodeFor maps an error to the process exit code. It is the only place
// that decides exit codes.
func ExitCodeFor(err error) int {
	if err == nil {
		return ExitSuccess
	}

	switch {
	case errors.Is(err, model.ErrNoEligibleModel),
		errors.Is(err, model.ErrVerificationRejected):
		return ExitNoEligibleModel
	case errors.Is(err, model.ErrBackendUnavailable):
		return ExitUnavailable
	case errors.Is(err, router.ErrInvalidRequest),
		errors.Is(err, model.ErrUnknownDomain),
		errors.Is(err, model.ErrInvalidProfile),
		errors.Is(err, catalog.ErrProfileNotFound),
		errors.Is(err, catalog.ErrMissingBalanced),
		errors.Is(err, registry.ErrModelNotFound):
		return ExitValidation
	}

	var (
		ve *ValidationError
		ue *UsageError
		nf *NotFoundError
		ce config.ValidateErrors
	)
	if errors.As(err, &ve) || errors.As(err, &ue) || errors.As(err, &nf) || errors.As(err, &ce) {
		return ExitValidation
	}
	return ExitUnavailable
}

// errorType names an error for JSON output.
func errorType(err error) string {
	var (
		ve  *ValidationError
		ue  *UsageError
		nf  *NotFoundError
		nem *model.NoEligibleModelError
	)
	switch {
	case errors.As(err, &nem):
		return "no_eligible_model"
	case errors.As(err, new(*ChainIntegrityError)):
		return "chain_integrity"
	case errors.As(err, new(*DoctorError)):
		return "health_check_failed"
	case errors.Is(err, model.ErrVerificationRejected):
		return "verification_rejected"
	case errors.Is(err, model.ErrBackendUnavailable):
		return "backend_unavailable"
	case errors.Is(err, model.ErrUnknownDomain):
		return "unknown_domain"
	case errors.Is(err, model.ErrInvalidProfile), errors.Is(err, catalog.ErrMissingBalanced):
		return "invalid_profile"
	case errors.As(err, &ve), errors.Is(err, router.ErrInvalidRequest):
		return "validation_error"
	case errors.As(err, &ue):
		return "usage_error"
	case errors.As(err, &nf), errors.Is(err, registry.ErrModelNotFound), errors.Is(err, catalog.ErrProfileNotFound):
		return "not_found"
	default:
		return "error"
	}
}

// =============================================================================
// DISPLAY
// =============================================================================

// dataError is an error that carries a structured payload for JSON output.
type dataError interface {
	error
	ErrorData() any
}

// DisplayError writes err to w as a styled line, or as a JSON error
// response in JSON mode.
func DisplayError(w io.Writer, command string, err error, jsonMode bool) {
	if err == nil {
		return
	}
	if jsonMode {
		resp := NewJSONErrorResponse(command, err)
		resp.ErrorType = errorType(err)
		resp.ExitCode = ExitCodeFor(err)

		var (
			nem *model.NoEligibleModelError
			de  dataError
		)
		switch {
		case errors.As(err, &nem):
			resp.Data = map[string]any{"excluded": nem.Excluded}
		case errors.As(err, &de):
			resp.Data = de.ErrorData()
		}
		_ = resp.Write(w)
		return
	}
	fmt.Fprintf(w, "%s %s\n", ErrorStyle.Render("[ERROR]"), err.Error())
}
