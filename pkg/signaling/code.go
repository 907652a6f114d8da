package signaling

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

const (
	// CodeAlphabet omits I, O, 0 and 1.
	CodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	CodeLength   = 5
	CodeTTL      = 5 * time.Minute

	// CodeParam is the query parameter carrying a code in a pairing link.
	CodeParam = "code"
)

// NewCode returns a random pairing code.
func NewCode() (string, error) {
	code, err := gonanoid.Generate(CodeAlphabet, CodeLength)
	if err != nil {
		return "", fmt.Errorf("generate pairing code: %w", err)
	}
	return code, nil
}

// NormalizeCode trims and upper-cases user input.
func NormalizeCode(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// ValidCode reports whether s is a well-formed code.
func ValidCode(s string) bool {
	if len(s) != CodeLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		if strings.IndexByte(CodeAlphabet, s[i]) < 0 {
			return false
		}
	}
	return true
}

// CodeLink embeds code in base as the code query parameter.
func CodeLink(base, code string) string {
	u, err := url.Parse(base)
	if err != nil || base == "" {
		return "?" + CodeParam + "=" + url.QueryEscape(code)
	}
	q := u.Query()
	q.Set(CodeParam, code)
	u.RawQuery = q.Encode()
	return u.String()
}

// CodeFromLink extracts and normalizes the code of a pairing link. A bare
// code is accepted as well.
func CodeFromLink(link string) (string, error) {
	link = strings.TrimSpace(link)
	code := link
	if strings.ContainsAny(link, "?=/:") {
		u, err := url.Parse(link)
		if err != nil {
			return "", fmt.Errorf("%w: pairing link: %v", ErrValidation, err)
		}
		code = u.Query().Get(CodeParam)
	}
	code = NormalizeCode(code)
	if !ValidCode(code) {
		return "", fmt.Errorf("%w: pairing code %q", ErrValidation, code)
	}
	return code, nil
}
