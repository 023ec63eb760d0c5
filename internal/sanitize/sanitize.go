// Package sanitize normalizes buyer-supplied strings before they reach the
// order store or the payment processor.
package sanitize

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/joao-fontenele/storefront/internal/domain"
)

const maxEmailLength = 254

var (
	emailPattern   = regexp.MustCompile("^[a-zA-Z0-9.!#$%&'*+/=?^_`{|}~-]+@[a-zA-Z0-9](?:[a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?(?:\\.[a-zA-Z0-9](?:[a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?)*$")
	htmlTag        = regexp.MustCompile(`<[^>]*>`)
	scriptScheme   = regexp.MustCompile(`(?i)javascript:`)
	dataScheme     = regexp.MustCompile(`(?i)data:`)
	eventHandler   = regexp.MustCompile(`(?i)on\w+=`)
	whitespaceRuns = regexp.MustCompile(`\s+`)
)

// NormalizeEmail trims and lowercases raw and checks it against the address
// shape accepted by the storefront.
func NormalizeEmail(raw string) (string, error) {
	email := strings.ToLower(strings.TrimSpace(raw))
	if email == "" {
		return "", fmt.Errorf("%w: email is required", domain.ErrValidation)
	}
	if len(email) > maxEmailLength {
		return "", fmt.Errorf("%w: email is too long", domain.ErrValidation)
	}
	if !emailPattern.MatchString(email) {
		return "", fmt.Errorf("%w: invalid email format", domain.ErrValidation)
	}
	return email, nil
}

// ForExternalText strips markup and script vectors from raw so it can be
// shown by the payment processor, and caps it at maxLen runes.
func ForExternalText(raw string, maxLen int) string {
	text := htmlTag.ReplaceAllString(raw, "")
	text = scriptScheme.ReplaceAllString(text, "")
	text = dataScheme.ReplaceAllString(text, "")
	text = eventHandler.ReplaceAllString(text, "")
	text = whitespaceRuns.ReplaceAllString(text, " ")

	if maxLen >= 0 {
		if runes := []rune(text); len(runes) > maxLen {
			text = string(runes[:maxLen])
		}
	}
	return strings.TrimSpace(text)
}

// HTTPURL returns raw trimmed if it is an absolute http(s) URL, otherwise "".
func HTTPURL(raw string) string {
	u := strings.TrimSpace(raw)
	lower := strings.ToLower(u)
	if strings.HasPrefix(lower, "https://") || strings.HasPrefix(lower, "http://") {
		return u
	}
	return ""
}
