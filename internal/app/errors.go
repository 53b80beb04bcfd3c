package app

import (
	"errors"
	"fmt"
)

var (
	ErrSessionExists   = errors.New("session already exists")
	ErrSessionNotFound = errors.New("session does not exist")
	ErrNotCreator      = errors.New("only the session creator may close the session")
	ErrNotParticipant  = errors.New("user is not a participant of the conversation")
	// ErrOrphanedSession means the document node existed with no cached
	// session; the node was deleted without an upload.
	ErrOrphanedSession = errors.New("session not found in cache")
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
