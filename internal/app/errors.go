package app

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrUnrecognizedEvent = errors.New("unrecognized event")
	errUnauthorized      = domainError(http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
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

func invalidInput(message string) *DomainError {
	return domainError(http.StatusBadRequest, "INVALID_BODY", message, nil)
}
