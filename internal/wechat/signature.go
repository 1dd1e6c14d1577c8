// Package wechat implements the WeChat Official Account surface the relay
// needs: callback signature verification, the XML message envelope, and a
// small authenticated API client for outbound push and content moderation.
package wechat

import (
	"crypto/sha1"
	"crypto/subtle"
	"encoding/hex"
	"sort"
	"strings"
)

// CheckSignature verifies a callback query against the shared token: SHA-1
// over the lexicographically sorted (token, timestamp, nonce) triple must
// equal the signature parameter. Comparison is constant time.
func CheckSignature(token, signature, timestamp, nonce string) bool {
	if token == "" || signature == "" {
		return false
	}
	parts := []string{token, timestamp, nonce}
	sort.Strings(parts)

	sum := sha1.Sum([]byte(strings.Join(parts, "")))
	want := hex.EncodeToString(sum[:])
	return subtle.ConstantTimeCompare([]byte(want), []byte(strings.ToLower(signature))) == 1
}
