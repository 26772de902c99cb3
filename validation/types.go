package validation

import (
	"errors"
	"fmt"
	"strings"
)

// Stage names one step of the bid validation pipeline.
type Stage string

const (
	StageStructural Stage = "structural"
	StageAgent      Stage = "agent"
	StageResources  Stage = "resources"
	StagePrice      Stage = "price"
	StageTask       Stage = "task"
	StagePolicy     Stage = "policy"
	StageSignature  Stage = "signature"
	StageAdmission  Stage = "admission"
)

// ErrValidation is matched by every *Error returned from this package.
var ErrValidation = errors.New("validation failed")

// Result is the outcome of validating one bid. When Accepted is false,
// Stage is the first stage that failed and Errors holds only its messages.
type Result struct {
	Accepted bool     `json:"accepted"`
	Stage    Stage    `json:"stage,omitempty"`
	Errors   []string `json:"errors,omitempty"`
}

// IsValid returns true if the bid passed every stage
func (r *Result) IsValid() bool {
	return r.Accepted
}

// Err converts a rejected result into an *Error, or nil when accepted.
func (r *Result) Err() error {
	if r.Accepted {
		return nil
	}
	return &Error{Stage: r.Stage, Errors: r.Errors}
}

func accepted() *Result {
	return &Result{Accepted: true}
}

func rejected(stage Stage, errs []string) *Result {
	return &Result{Stage: stage, Errors: errs}
}

// Error is a rejected validation surfaced as a Go error.
type Error struct {
	Stage  Stage
	Errors []string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s validation failed: %s", e.Stage, strings.Join(e.Errors, "; "))
}

func (e *Error) Unwrap() error {
	return ErrValidation
}
