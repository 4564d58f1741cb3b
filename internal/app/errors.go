package app

import (
	"errors"
	"fmt"
	"net/http"

	"cohorts/engine/internal/cohort"
	"cohorts/engine/internal/lease"
	"cohorts/engine/internal/predicate"
	"cohorts/engine/internal/store"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

var errCohortNotFound = domainError(http.StatusNotFound, "NOT_FOUND", "cohort not found", nil)

// IsValidationError reports whether err rejects a cohort definition, as
// opposed to a storage or execution failure.
func IsValidationError(err error) bool {
	_, _, _, _, ok := validationDetails(err)
	return ok
}

func validationDetails(err error) (status int, code, message string, details any, ok bool) {
	var (
		cycleErr    *cohort.CyclicCohortError
		actionErr   *predicate.MissingActionError
		countErr    *predicate.InvalidCountOperatorError
		operatorErr *predicate.InvalidOperatorError
		clauseErr   *predicate.InvalidClauseError
	)
	switch {
	case errors.As(err, &cycleErr):
		return http.StatusUnprocessableEntity, "CYCLIC_COHORT", cycleErr.Error(), map[string]any{"path": cycleErr.Path}, true
	case errors.As(err, &actionErr):
		return http.StatusUnprocessableEntity, "MISSING_ACTION", actionErr.Error(), map[string]any{"actionId": actionErr.ActionID}, true
	case errors.As(err, &countErr):
		return http.StatusUnprocessableEntity, "INVALID_COUNT_OPERATOR", countErr.Error(), nil, true
	case errors.As(err, &operatorErr):
		return http.StatusUnprocessableEntity, "INVALID_OPERATOR", operatorErr.Error(), map[string]any{"key": operatorErr.Key}, true
	case errors.As(err, &clauseErr):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", clauseErr.Error(), map[string]any{"field": clauseErr.Field}, true
	}
	return 0, "", "", nil, false
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if status, code, message, details, ok := validationDetails(err); ok {
		return status, code, message, details
	}
	if errors.Is(err, store.ErrNotFound) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, lease.ErrHeld) {
		return http.StatusConflict, "CALCULATION_IN_PROGRESS", "Cohort is already being calculated", nil
	}
	if errors.Is(err, store.ErrVersionConflict) {
		return http.StatusConflict, "VERSION_CONFLICT", "A newer calculation or edit superseded this run", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
