package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotAuthenticated is returned when an operation needs an identity and none is current.
	ErrNotAuthenticated = errors.New("user not logged in")
	// ErrNotInitialized is returned when federated sign-in is used before configuration.
	ErrNotInitialized = errors.New("federated sign-in not initialized")
	// ErrEmptyResponse is returned when the language model produced no text.
	ErrEmptyResponse = errors.New("empty model response")
)

// AuthCategory classifies identity provider failures.
type AuthCategory string

const (
	AuthInvalidCredentials AuthCategory = "invalid_credentials"
	AuthUnknownUser        AuthCategory = "unknown_user"
	AuthAccountCollision   AuthCategory = "account_collision"
	AuthNetwork            AuthCategory = "network"
	AuthGeneric            AuthCategory = "generic"
)

// AuthError is a categorized identity provider failure. Error returns the
// provider's detail string so it can be shown to the user verbatim.
type AuthError struct {
	Category AuthCategory
	Detail   string
	Err      error
}

// NewAuthError creates an AuthError.
func NewAuthError(category AuthCategory, detail string) *AuthError {
	return &AuthError{Category: category, Detail: detail}
}

func (e *AuthError) Error() string {
	if e.Detail != "" {
		return e.Detail
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return string(e.Category)
}

func (e *AuthError) Unwrap() error { return e.Err }

// AuthCategoryOf returns the category of err, or AuthGeneric.
func AuthCategoryOf(err error) AuthCategory {
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae.Category
	}
	return AuthGeneric
}

// PersistenceError wraps a document store failure.
type PersistenceError struct {
	Op   string
	Path string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// GenerationError wraps a language model failure.
type GenerationError struct {
	Err error
}

func (e *GenerationError) Error() string {
	return e.Err.Error()
}

func (e *GenerationError) Unwrap() error { return e.Err }
