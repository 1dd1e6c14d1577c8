// Package domain defines the persistence model for relayed messages and the
// conversation turn type exchanged with the completion backend. The Message
// type is mapped with GORM and is the single source of truth for the reply
// lifecycle across process restarts.
package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Turn roles. The completion backend only understands these two.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is one ordered conversation turn handed to the completion backend.
type Turn struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// Message represents one inbound chat message and its eventual reply.
//
// Fields:
//   - ID: stable UUID primary key (char(36)).
//   - MsgID: platform-assigned message id; identity for create-or-fetch
//     idempotency when the platform re-delivers the identical webhook.
//   - Source / Target: sender and receiving-account identifiers.
//   - Content: inbound text.
//   - Fingerprint: hex SHA-256 of (source, content); at most one unfulfilled
//     row may exist per fingerprint (enforced by a partial unique index,
//     see repo.Migrate).
//   - Reply / HasReply: generated text, set once the backend completion lands.
//   - RequestCount: how many times the platform delivered this same request.
//   - IsFulfilled: true once the reply has been delivered; never reverts.
//   - TimeElapsedMS: receipt-to-reply-persisted latency, for operators.
//   - CreateTime: platform timestamp of the inbound message.
type Message struct {
	ID            string    `json:"id"             gorm:"type:char(36);primaryKey"`
	MsgID         string    `json:"msg_id"         gorm:"type:varchar(64);not null;uniqueIndex:ux_messages_msg_id"`
	Source        string    `json:"source"         gorm:"type:varchar(64);not null;index:idx_messages_source"`
	Target        string    `json:"target"         gorm:"type:varchar(64);not null;index"`
	Content       string    `json:"content"        gorm:"type:text;not null"`
	Fingerprint   string    `json:"-"              gorm:"type:char(64);not null;index:idx_messages_fingerprint"`
	Reply         string    `json:"reply"          gorm:"type:text"`
	HasReply      bool      `json:"has_reply"      gorm:"not null;default:false"`
	RequestCount  int       `json:"request_count"  gorm:"not null;default:1"`
	IsFulfilled   bool      `json:"is_fulfilled"   gorm:"not null;default:false;index"`
	TimeElapsedMS int64     `json:"time_elapsed_ms"`
	CreateTime    time.Time `json:"create_time"    gorm:"index"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// TableName returns the database table name for Message.
func (Message) TableName() string { return "messages" }

// FingerprintOf computes the dedup fingerprint for a (source, content) pair.
// The platform retries webhook delivery on timeout; two deliveries with the
// same fingerprint are the same user request while the first is unfulfilled.
func FingerprintOf(source, content string) string {
	h := sha256.New()
	h.Write([]byte(source))
	h.Write([]byte{0})
	h.Write([]byte(content))
	return hex.EncodeToString(h.Sum(nil))
}
