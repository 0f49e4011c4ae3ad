package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/smallbiznis/botbilling/internal/clock"
)

const DefaultTolerance = 5 * time.Minute

// Validator checks HMAC-SHA256 signatures over "{timestamp}.{payload}".
type Validator struct {
	clock     clock.Clock
	tolerance time.Duration
}

func NewValidator(c clock.Clock, tolerance time.Duration) *Validator {
	if c == nil {
		c = clock.SystemClock{}
	}
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return &Validator{clock: c, tolerance: tolerance}
}

// Validate reports whether signature authenticates payload at timestamp. It never errors:
// a missing secret, an empty input, a stale or future timestamp and a mismatch all yield false.
func (v *Validator) Validate(payload []byte, signature, timestamp, secret string) bool {
	if secret == "" || len(payload) == 0 {
		return false
	}
	signature = normalizeSignature(signature)
	timestamp = strings.TrimSpace(timestamp)
	if signature == "" || timestamp == "" {
		return false
	}
	if !v.IsTimestampValid(timestamp, v.tolerance) {
		return false
	}

	provided, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	return hmac.Equal(provided, mac(payload, timestamp, secret))
}

// IsTimestampValid reports whether timestamp is within tolerance of now, in either direction.
// A non-positive tolerance uses the validator's configured window.
func (v *Validator) IsTimestampValid(timestamp string, tolerance time.Duration) bool {
	if tolerance <= 0 {
		tolerance = v.tolerance
	}
	ts, ok := ParseTimestamp(timestamp)
	if !ok {
		return false
	}
	skew := v.clock.Now().Sub(ts)
	if skew < 0 {
		skew = -skew
	}
	return skew <= tolerance
}

// Sign returns the hex signature a provider would send for payload at timestamp.
func Sign(payload []byte, timestamp, secret string) string {
	return hex.EncodeToString(mac(payload, strings.TrimSpace(timestamp), secret))
}

// ParseTimestamp accepts unix seconds, unix milliseconds or RFC 3339.
func ParseTimestamp(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		if n <= 0 {
			return time.Time{}, false
		}
		if n > 1_000_000_000_000 {
			return time.UnixMilli(n).UTC(), true
		}
		return time.Unix(n, 0).UTC(), true
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), true
	}
	return time.Time{}, false
}

func mac(payload []byte, timestamp, secret string) []byte {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(timestamp))
	h.Write([]byte("."))
	h.Write(payload)
	return h.Sum(nil)
}

func normalizeSignature(signature string) string {
	signature = strings.TrimSpace(signature)
	if idx := strings.Index(signature, "="); idx >= 0 && strings.EqualFold(signature[:idx], "sha256") {
		signature = signature[idx+1:]
	}
	return strings.ToLower(signature)
}
