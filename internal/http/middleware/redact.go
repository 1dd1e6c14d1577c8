// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file implements the log-scrubbing helpers used by Logger. WeChat
// transmits its webhook credentials (signature, timestamp, nonce, echostr)
// as query parameters on every callback, so raw query strings must never
// reach the logs verbatim. Scrubbing happens in two passes:
//
//   - Known-sensitive parameter names are fully masked by name.
//   - Remaining values go through regex substitution for incidental PII
//     (emails, UUID-like identifiers).
//
// Scrubbing reduces but does not eliminate the risk of sensitive data
// leaking to logs; upstream callers should still avoid putting secrets in
// query strings where possible.
package middleware

import (
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strings"
)

// sensitiveParams holds query parameter names (lowercase) whose values are
// always replaced wholesale. Covers the WeChat callback verification tuple
// plus credentials that may appear on API-style URLs.
var sensitiveParams = map[string]struct{}{
	"signature":     {},
	"msg_signature": {},
	"timestamp":     {},
	"nonce":         {},
	"echostr":       {},
	"openid":        {},
	"access_token":  {},
	"secret":        {},
}

// sensitiveHeaders holds header names (lowercase) that are always masked.
var sensitiveHeaders = map[string]struct{}{
	"authorization": {},
	"cookie":        {},
	"set-cookie":    {},
	"x-api-key":     {},
}

var (
	uuidRE  = regexp.MustCompile(`(?i)\b[0-9a-f]{8}\-[0-9a-f]{4}\-[1-5][0-9a-f]{3}\-[89ab][0-9a-f]{3}\-[0-9a-f]{12}\b`)
	emailRE = regexp.MustCompile(`(?i)\b[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}\b`)
)

// scrubValue applies the regex pass to a single string. Order matters:
// UUID-like IDs are masked before emails so the looser pattern cannot
// split an already-masked token.
func scrubValue(s string) string {
	if s == "" {
		return s
	}
	out := uuidRE.ReplaceAllString(s, "[REDACTED:id]")
	out = emailRE.ReplaceAllString(out, "[REDACTED:email]")
	return out
}

// RedactQuery returns a loggable form of a raw query string. Values of
// known-sensitive parameters are replaced with "[REDACTED]"; all other
// values are scrubbed for incidental PII. A query string that fails to
// parse is scrubbed as an opaque value rather than dropped, so the log
// still records that a query was present.
func RedactQuery(raw string) string {
	if raw == "" {
		return ""
	}
	vals, err := url.ParseQuery(raw)
	if err != nil {
		return scrubValue(raw)
	}
	// Rebuild in a stable, readable form (unescaped keys, masked values).
	parts := make([]string, 0, len(vals))
	for k, vv := range vals {
		if _, ok := sensitiveParams[strings.ToLower(k)]; ok {
			parts = append(parts, k+"=[REDACTED]")
			continue
		}
		for _, v := range vv {
			parts = append(parts, k+"="+scrubValue(v))
		}
	}
	// Deterministic order keeps log lines diffable.
	sort.Strings(parts)
	return strings.Join(parts, "&")
}

// RedactHeaders returns a flattened, scrubbed copy of request headers
// suitable for structured logging. Sensitive headers are fully masked;
// extra names (case-insensitive) extend the built-in mask set.
func RedactHeaders(h http.Header, extra ...string) map[string]string {
	mask := sensitiveHeaders
	if len(extra) > 0 {
		mask = make(map[string]struct{}, len(sensitiveHeaders)+len(extra))
		for k := range sensitiveHeaders {
			mask[k] = struct{}{}
		}
		for _, k := range extra {
			if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
				mask[k] = struct{}{}
			}
		}
	}

	out := make(map[string]string, len(h))
	for k, vv := range h {
		if _, ok := mask[strings.ToLower(k)]; ok {
			out[k] = "[REDACTED]"
			continue
		}
		out[k] = scrubValue(strings.Join(vv, ", "))
	}
	return out
}
