package classify

import (
	"errors"
	"strings"

	"google.golang.org/genai"
)

// ErrorKind categorizes classifier failures.
type ErrorKind int

const (
	// KindNotConfigured indicates no API key is available.
	KindNotConfigured ErrorKind = iota
	// KindUnavailable indicates a network, timeout, or provider server failure.
	KindUnavailable
	// KindQuotaExceeded indicates rate limiting or exhausted quota.
	KindQuotaExceeded
	// KindBadResponse indicates the provider answered but the response did not
	// match the expected schema.
	KindBadResponse
)

func (k ErrorKind) String() string {
	switch k {
	case KindNotConfigured:
		return "not_configured"
	case KindUnavailable:
		return "unavailable"
	case KindQuotaExceeded:
		return "quota_exceeded"
	case KindBadResponse:
		return "bad_response"
	default:
		return "unknown"
	}
}

// ClassifierError is a classification failure with a kind callers can branch
// on. A ClassifierError always means no trustworthy verdict exists: the
// fallback verdict accompanying it is a fixed constant, never a real result.
type ClassifierError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *ClassifierError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *ClassifierError) Unwrap() error {
	return e.Err
}

// classifyProviderError maps a Gemini API failure onto the error taxonomy.
func classifyProviderError(err error) *ClassifierError {
	var apiErr *genai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case 400, 401, 403:
			return &ClassifierError{Kind: KindNotConfigured, Message: "API key is invalid, expired, or lacks permissions", Err: err}
		case 429:
			return &ClassifierError{Kind: KindQuotaExceeded, Message: "API rate limit or quota exceeded", Err: err}
		case 500, 502, 503, 504:
			return &ClassifierError{Kind: KindUnavailable, Message: "Gemini API server error", Err: err}
		}
	}

	errLower := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errLower, "api key not valid") ||
		strings.Contains(errLower, "invalid api key") ||
		strings.Contains(errLower, "permission denied"):
		return &ClassifierError{Kind: KindNotConfigured, Message: "API key is invalid or has been revoked", Err: err}
	case strings.Contains(errLower, "quota") ||
		strings.Contains(errLower, "resource exhausted") ||
		strings.Contains(errLower, "rate limit"):
		return &ClassifierError{Kind: KindQuotaExceeded, Message: "API quota exceeded", Err: err}
	default:
		return &ClassifierError{Kind: KindUnavailable, Message: "Gemini API call failed", Err: err}
	}
}
