// Package apperr holds sentinel errors shared across packages.
package apperr

import "errors"

var (
	// ErrNotFound reports a missing whiteboard post.
	ErrNotFound = errors.New("not found")
	// ErrInvalidProfile reports a link profile that cannot build a link.
	ErrInvalidProfile = errors.New("invalid link profile")
)
