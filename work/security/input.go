package security

import (
	"errors"
	"strings"

	regexp "github.com/grafana/regexp"
)

// ErrInvalidRequest marks malformed client input caught before any network call.
// Every RequestError matches it under errors.Is.
var ErrInvalidRequest = errors.New("invalid request")

// RequestError is a client input error whose message is safe to echo.
type RequestError struct {
	Msg string
}

func (e *RequestError) Error() string { return e.Msg }

// Is lets errors.Is(err, ErrInvalidRequest) match any RequestError.
func (e *RequestError) Is(target error) bool { return target == ErrInvalidRequest }

// Input errors surfaced by the HTTP layer.
var (
	ErrInvalidStreamID      = &RequestError{Msg: "invalid stream ID"}
	ErrMissingFields        = &RequestError{Msg: "missing required fields"}
	ErrInvalidCredentialFmt = &RequestError{Msg: "invalid credentials format"}
)

// MaxCredentialLength caps usernames and passwords after sanitizing.
const MaxCredentialLength = 100

var (
	streamIDPattern = regexp.MustCompile(`^\d+$`)
	markupChars     = regexp.MustCompile(`[<>'"]`)
)

// SanitizeInput trims s, truncates it to maxLength runes and strips
// characters that could break out of HTML attributes.
func SanitizeInput(s string, maxLength int) string {
	s = strings.TrimSpace(s)
	if r := []rune(s); maxLength > 0 && len(r) > maxLength {
		s = string(r[:maxLength])
	}
	return markupChars.ReplaceAllString(s, "")
}

// ValidateStreamID returns the trimmed id, or ErrInvalidStreamID when it
// is not purely numeric.
func ValidateStreamID(id string) (string, error) {
	id = strings.TrimSpace(id)
	if !streamIDPattern.MatchString(id) {
		return "", ErrInvalidStreamID
	}
	return id, nil
}
