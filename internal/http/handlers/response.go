// Package handlers provides the HTTP handler implementations: the WeChat
// callback endpoint and the operator read API.
//
// This file defines the standard response utilities used across all JSON
// endpoints: a structured error envelope with stable machine-readable codes,
// and helpers for common success shapes. The webhook endpoint does not use
// these for its platform responses, which are XML or plain text by contract.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/wrelay/wechat-relay/internal/http/middleware"
)

// ErrorResponse is the standard error envelope returned by JSON endpoints.
type ErrorResponse struct {
	// RequestID correlates server logs and client errors.
	RequestID string `json:"request_id,omitempty"`
	// Code is a stable, machine-readable code (see errors.go constants).
	Code string `json:"code"`
	// Message is a human-readable description, safe to show to operators.
	Message string `json:"message"`
}

// fail aborts the request with a structured error and logs server-side errors.
func fail(c *gin.Context, status int, code, msg string) {
	reqID := c.Writer.Header().Get("X-Request-ID")
	resp := ErrorResponse{
		RequestID: reqID,
		Code:      code,
		Message:   msg,
	}

	// Log 5xx (server-side) with request-scoped logger
	if status >= http.StatusInternalServerError {
		lg := middleware.LoggerFrom(c)
		lg.Error().
			Int("status", status).
			Str("code", code).
			Str("message", msg).
			Msg("api error")
	}

	c.AbortWithStatusJSON(status, resp)
}

// Fail is the exported variant used by router-level fallbacks (404/405).
func Fail(c *gin.Context, status int, code, msg string) {
	fail(c, status, code, msg)
}

// ok writes a JSON success response with the given status.
func ok(c *gin.Context, status int, v any) {
	c.JSON(status, v)
}
