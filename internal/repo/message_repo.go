// Package repo implements the data persistence layer for relay records,
// backed by GORM. This file provides repository functions for the Message
// model: idempotent creation, fingerprint lookups, and lifecycle updates.
package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/wrelay/wechat-relay/internal/domain"
)

// ErrNotFound indicates that no matching record exists.
var ErrNotFound = errors.New("record not found")

// ErrDuplicate indicates that an insert violated a uniqueness constraint:
// either the platform message id was already stored, or an unfulfilled row
// for the same fingerprint already exists.
var ErrDuplicate = errors.New("duplicate")

// CreateMessage inserts a new message row. Returns ErrDuplicate when the
// msg_id or the unfulfilled-fingerprint index rejects the insert, so two
// concurrent webhook deliveries of the same request cannot both create rows.
func CreateMessage(ctx context.Context, db *gorm.DB, msgID, source, target, content string, createTime time.Time) (*domain.Message, error) {
	m := &domain.Message{
		ID:           uuid.NewString(),
		MsgID:        msgID,
		Source:       source,
		Target:       target,
		Content:      content,
		Fingerprint:  domain.FingerprintOf(source, content),
		RequestCount: 1,
		CreateTime:   createTime,
		CreatedAt:    time.Now().UTC(),
	}
	if err := db.WithContext(ctx).Create(m).Error; err != nil {
		// glebarez/sqlite often returns plain-text errors for UNIQUE violations.
		low := strings.ToLower(err.Error())
		if errors.Is(err, gorm.ErrDuplicatedKey) ||
			strings.Contains(low, "unique constraint failed") ||
			strings.Contains(low, "constraint failed: unique") {
			return nil, ErrDuplicate
		}
		return nil, err
	}
	return m, nil
}

// GetMessage fetches a message by primary key.
func GetMessage(ctx context.Context, db *gorm.DB, id string) (*domain.Message, error) {
	var m domain.Message
	err := db.WithContext(ctx).Where("id = ?", id).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// GetMessageByMsgID fetches a message by its platform-assigned id.
func GetMessageByMsgID(ctx context.Context, db *gorm.DB, msgID string) (*domain.Message, error) {
	var m domain.Message
	err := db.WithContext(ctx).Where("msg_id = ?", msgID).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// GetOrCreateMessage returns the existing row for msgID or inserts a new one.
// The second return value reports whether a row was created. A lost insert
// race resolves by re-fetching, so re-running with the same id is idempotent.
func GetOrCreateMessage(ctx context.Context, db *gorm.DB, msgID, source, target, content string, createTime time.Time) (*domain.Message, bool, error) {
	if m, err := GetMessageByMsgID(ctx, db, msgID); err == nil {
		return m, false, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}
	m, err := CreateMessage(ctx, db, msgID, source, target, content, createTime)
	if err == nil {
		return m, true, nil
	}
	if errors.Is(err, ErrDuplicate) {
		// Same msg_id landed concurrently, or an unfulfilled row for this
		// fingerprint already exists; surface whichever row won.
		if m, ferr := GetMessageByMsgID(ctx, db, msgID); ferr == nil {
			return m, false, nil
		}
		if m, ferr := GetUnfulfilled(ctx, db, domain.FingerprintOf(source, content)); ferr == nil {
			return m, false, nil
		}
	}
	return nil, false, err
}

// GetUnfulfilled returns the (at most one) unfulfilled row for a fingerprint,
// or ErrNotFound.
func GetUnfulfilled(ctx context.Context, db *gorm.DB, fingerprint string) (*domain.Message, error) {
	var m domain.Message
	err := db.WithContext(ctx).
		Where("fingerprint = ? AND is_fulfilled = ?", fingerprint, false).
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// SetReply stores the generated reply and the elapsed time on a record.
func SetReply(ctx context.Context, db *gorm.DB, id, reply string, elapsed time.Duration) error {
	return db.WithContext(ctx).Model(&domain.Message{}).Where("id = ?", id).
		Updates(map[string]any{
			"reply":           reply,
			"has_reply":       true,
			"time_elapsed_ms": elapsed.Milliseconds(),
		}).Error
}

// MarkFulfilled flips is_fulfilled to true. The transition happens once and
// never reverts; callers only invoke it after a confirmed delivery.
func MarkFulfilled(ctx context.Context, db *gorm.DB, id string) error {
	return db.WithContext(ctx).Model(&domain.Message{}).Where("id = ?", id).
		Update("is_fulfilled", true).Error
}

// IncrementRequestCount records one more platform delivery of the same request.
func IncrementRequestCount(ctx context.Context, db *gorm.DB, id string) error {
	return db.WithContext(ctx).Model(&domain.Message{}).Where("id = ?", id).
		UpdateColumn("request_count", gorm.Expr("request_count + ?", 1)).Error
}

// ListConversation returns every stored message between source and target,
// ordered deterministically (CreateTime ASC, ID ASC). The context builder
// consumes this oldest-first.
func ListConversation(ctx context.Context, db *gorm.DB, source, target string) ([]domain.Message, error) {
	var out []domain.Message
	err := db.WithContext(ctx).
		Where("source = ? AND target = ?", source, target).
		Order("create_time ASC, id ASC").
		Find(&out).Error
	return out, err
}

// CountMessages uses a raw COUNT so a missing table surfaces as an error.
func CountMessages(ctx context.Context, db *gorm.DB) (int64, error) {
	var total int64
	err := db.WithContext(ctx).Raw("SELECT COUNT(*) FROM messages").Scan(&total).Error
	return total, err
}

// ListMessagesPage returns a paginated slice ordered (CreateTime ASC, ID ASC).
func ListMessagesPage(ctx context.Context, db *gorm.DB, offset, limit int) ([]domain.Message, error) {
	var out []domain.Message
	err := db.WithContext(ctx).
		Order("create_time ASC, id ASC").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}
