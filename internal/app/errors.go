package app

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"contenthistory/internal/export"
	"contenthistory/internal/history"
	"contenthistory/internal/store"
	"github.com/go-playground/validator/v10"
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

func validationError(message string) *DomainError {
	return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", message, nil)
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	var invalid validator.ValidationErrors
	if errors.As(err, &invalid) {
		fields := make([]string, 0, len(invalid))
		for _, fe := range invalid {
			fields = append(fields, strings.ToLower(fe.Field())+" "+fe.Tag())
		}
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Invalid request", fields
	}
	switch {
	case errors.Is(err, history.ErrNotFound), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, history.ErrNoOpRollback):
		return http.StatusConflict, "NOOP_ROLLBACK", "Field already has this value", nil
	case errors.Is(err, history.ErrCoercion):
		return http.StatusUnprocessableEntity, "COERCION_FAILED", "Stored value cannot be restored", nil
	case errors.Is(err, export.ErrUnsupportedFormat):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Unsupported export format", nil
	case errors.Is(err, export.ErrPDFDependencyMissing):
		return http.StatusServiceUnavailable, "PDF_UNAVAILABLE", "PDF rendering is not available", nil
	case errors.Is(err, history.ErrConsistency):
		return http.StatusInternalServerError, "HISTORY_INCONSISTENT", "History is inconsistent", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
