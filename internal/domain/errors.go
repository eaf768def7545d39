// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates a concurrent modification conflict.
var ErrConflict = errors.New("conflict: resource was modified by another request")

// ErrValidation indicates the request payload failed validation.
var ErrValidation = errors.New("validation failed")

// ErrSessionClosed indicates an operation was attempted on a closed session.
var ErrSessionClosed = errors.New("session is closed")
