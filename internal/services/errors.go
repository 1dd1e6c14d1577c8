// Package services implements the reply orchestration core: the lifecycle of
// one inbound message from receipt to delivered-or-abandoned reply. This file
// centralizes service-level error values and the fixed user-facing texts.
//
// No raw collaborator error ever reaches the end user; callers map failures
// to one of the fallback strings below.
package services

import "errors"

var (
	// ErrEmptyContent is returned when an inbound message carries no text.
	ErrEmptyContent = errors.New("message content is empty")

	// ErrContentTooLong is returned when an inbound message exceeds the
	// configured maximum length.
	ErrContentTooLong = errors.New("message content too long")
)

// Fixed user-facing texts. The refusal and the apology are deliberately two
// distinct strings so they remain distinguishable downstream.
const (
	// FallbackProcessing is returned to a duplicate webhook whose original
	// request is still being fulfilled.
	FallbackProcessing = "正在处理中，请稍后再试"

	// FallbackTimeout is returned when the bounded wait expires before the
	// background pipeline finishes. The pipeline keeps running.
	FallbackTimeout = "请求超时，请稍后再试"

	// FallbackRefusal replaces a generated reply that the moderation gate
	// rejected. The original reply stays stored untouched.
	FallbackRefusal = "抱歉，这个问题我无法回答"

	// FallbackApology is pushed once, best effort, after a failed delivery
	// of the real reply.
	FallbackApology = "抱歉，回复发送失败了，请稍后再试"
)
