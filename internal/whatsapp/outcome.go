package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"wa_broadcast/internal/errs"
)

// MaxErrorText bounds error text stored per recipient.
const MaxErrorText = 500

// NoMessageID is reported for ambiguous deliveries that came back without an id.
const NoMessageID = "sent_no_id"

// minNumberDigits is the shortest number, country code included, accepted as a phone target.
const minNumberDigits = 8

// ambiguousMarkers are substrings of adapter errors raised while building the
// acknowledgement of a send that already went out.
var ambiguousMarkers = []string{"serialize"}

// DeliveryOutcome is a classified send result.
type DeliveryOutcome struct {
	Delivered bool
	MessageID string // empty when the adapter returned none
	Ambiguous bool
	Err       error // failure reason, or the ambiguity note when Delivered
}

// ErrorText returns the truncated text stored with the recipient: the failure
// reason, the ambiguity note, or "" for a clean delivery.
func (o DeliveryOutcome) ErrorText() string {
	if o.Err == nil {
		return ""
	}
	return Truncate(o.Err.Error(), MaxErrorText)
}

// Classify turns a raw send result into a DeliveryOutcome.
func Classify(res SendResult, err error) DeliveryOutcome {
	if err == nil {
		return DeliveryOutcome{Delivered: true, MessageID: res.MessageID}
	}
	if isAmbiguous(err) {
		return DeliveryOutcome{
			Delivered: true,
			MessageID: res.MessageID,
			Ambiguous: true,
			Err:       fmt.Errorf("%w: %s", errs.ErrAmbiguousDelivery, firstLine(err.Error())),
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return DeliveryOutcome{Err: fmt.Errorf("%w: send timed out", errs.ErrDeliveryFailed)}
	}
	return DeliveryOutcome{Err: fmt.Errorf("%w: %s", errs.ErrDeliveryFailed, firstLine(err.Error()))}
}

func isAmbiguous(err error) bool {
	if errors.Is(err, ErrAckUnreadable) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, m := range ambiguousMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// firstLine drops anything after the first newline so stack traces never reach storage.
func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}

// Truncate shortens s to at most max bytes without splitting a rune.
func Truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// NormalizeNumber strips everything but digits.
func NormalizeNumber(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// CanonicalNumber normalizes raw to digits and, when countryCode is set, turns
// national-format input (no leading '+') into international form: a trunk '0'
// is dropped and the country code prepended unless already present. The result
// is the dedup key of a contact and the target handed to connections.
func CanonicalNumber(raw, countryCode string) string {
	digits := NormalizeNumber(raw)
	countryCode = NormalizeNumber(countryCode)
	if countryCode == "" || digits == "" || strings.HasPrefix(strings.TrimSpace(raw), "+") {
		return digits
	}
	if strings.HasPrefix(digits, "0") {
		return countryCode + strings.TrimLeft(digits, "0")
	}
	if strings.HasPrefix(digits, countryCode) {
		return digits
	}
	return countryCode + digits
}

// ValidateNumber canonicalizes raw and rejects numbers too short to be a phone number.
func ValidateNumber(raw, countryCode string) (string, error) {
	n := CanonicalNumber(raw, countryCode)
	if len(n) < minNumberDigits {
		return "", fmt.Errorf("%w: invalid phone number %q", errs.ErrInvalidInput, raw)
	}
	return n, nil
}
