// Package handlers defines the HTTP-layer error codes used by the read API.
// Codes are lowercase snake_case and stable; clients branch on them rather
// than on message text.
package handlers

const (
	ErrCodeBadRequest = "bad_request"
	ErrCodeNotFound   = "not_found"
	ErrCodeInternal   = "internal_error"

	// Domain-specific:
	ErrCodeListFailed       = "list_failed"
	ErrCodeMethodNotAllowed = "method_not_allowed"
)
