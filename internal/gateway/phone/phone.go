// Package phone normalises subscriber phone numbers to E.164.
package phone

import "strings"

// Normalize returns raw in E.164 form. Numbers without a country code are
// assumed to be North American. ok is false when raw cannot be normalised.
func Normalize(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}

	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()

	if strings.HasPrefix(raw, "+") {
		if len(digits) >= 10 && len(digits) <= 15 {
			return "+" + digits, true
		}
		return "", false
	}
	switch {
	case len(digits) == 10:
		return "+1" + digits, true
	case len(digits) == 11 && digits[0] == '1':
		return "+" + digits, true
	}
	return "", false
}

// IsE164 reports whether s is already a normalised number.
func IsE164(s string) bool {
	n, ok := Normalize(s)
	return ok && n == s
}

// Mask hides all but the last four digits, for info-level logs.
func Mask(s string) string {
	if len(s) <= 4 {
		return strings.Repeat("*", len(s))
	}
	return strings.Repeat("*", len(s)-4) + s[len(s)-4:]
}
