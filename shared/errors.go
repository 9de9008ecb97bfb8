package shared

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var (
	ErrNoLogger             = errors.New("no logger provided")
	ErrNotInitialized       = errors.New("sdk not initialized")
	ErrNoFetchMechanism     = errors.New("either FetchSessionConfig or SessionConfigURL is required")
	ErrTemperatureRange     = errors.New("temperature must be within [0.0, 1.0]")
	ErrSessionAlreadyActive = errors.New("session already active")
	ErrNoAudioTrack         = errors.New("no audio track in media stream")
	ErrNoVideoTrack         = errors.New("no video track in media stream")
	ErrMissingAnswer        = errors.New("negotiation response has no answer")
	ErrMissingConversation  = errors.New("negotiation response has no conversation id")
	ErrSessionEnded         = errors.New("session ended during negotiation")
)

// ConfigurationError reports SDK misuse before initialization or invalid init arguments.
type ConfigurationError struct {
	Message string
	Err     error
}

func (e *ConfigurationError) Error() string { return format("configuration error", e.Message, e.Err) }

func (e *ConfigurationError) Unwrap() error { return e.Err }

// SessionError reports an illegal session state transition.
type SessionError struct {
	Message string
	Err     error
}

func (e *SessionError) Error() string { return format("session error", e.Message, e.Err) }

func (e *SessionError) Unwrap() error { return e.Err }

// PermissionError reports that a capture device was denied or unavailable.
type PermissionError struct {
	Message string
	Err     error
}

func (e *PermissionError) Error() string { return format("permission error", e.Message, e.Err) }

func (e *PermissionError) Unwrap() error { return e.Err }

// ConnectionError reports any failure while negotiating a session.
type ConnectionError struct {
	Message string
	Err     error
}

func (e *ConnectionError) Error() string { return format("connection error", e.Message, e.Err) }

func (e *ConnectionError) Unwrap() error { return e.Err }

func format(kind, msg string, err error) string {
	switch {
	case msg != "" && err != nil:
		return fmt.Sprintf("%s: %s: %v", kind, msg, err)
	case msg != "":
		return kind + ": " + msg
	case err != nil:
		return fmt.Sprintf("%s: %v", kind, err)
	default:
		return kind
	}
}

// TransportError is a network-level failure (DNS, refused, reset, timeout)
// while talking to an HTTP endpoint.
type TransportError struct {
	Op  string
	URL string
	Err error
}

func (e *TransportError) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("transport error during %s %s: %v", e.Op, redactURL(e.URL), e.Err)
	}
	return fmt.Sprintf("transport error: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ResponseError is a response that arrived but cannot be used: a non-2xx
// status or a body that does not decode.
type ResponseError struct {
	Op          string
	URL         string
	StatusCode  int
	ContentType string
	Body        []byte
	Err         error
}

func (e *ResponseError) Error() string {
	msg := fmt.Sprintf("unexpected response during %s %s (status %d)", e.Op, redactURL(e.URL), e.StatusCode)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ResponseError) Unwrap() error { return e.Err }

// LooksLikeHTML reports whether the body is an HTML page, which usually means
// the URL points at a web frontend instead of the API.
func (e *ResponseError) LooksLikeHTML() bool {
	if strings.Contains(strings.ToLower(e.ContentType), "text/html") {
		return true
	}
	body := strings.ToLower(strings.TrimSpace(string(e.Body)))
	return strings.HasPrefix(body, "<!doctype html") || strings.HasPrefix(body, "<html")
}

// Describe classifies err for error callbacks: network failures and
// unusable responses get a short explanation, anything else yields "".
func Describe(err error) string {
	if err == nil {
		return ""
	}
	var respErr *ResponseError
	if errors.As(err, &respErr) {
		if respErr.LooksLikeHTML() {
			return fmt.Sprintf(
				"received HTML instead of JSON from %s (status %d), check the endpoint URL",
				redactURL(respErr.URL), respErr.StatusCode,
			)
		}
		return fmt.Sprintf("malformed response during %s (status %d)", respErr.Op, respErr.StatusCode)
	}
	var transportErr *TransportError
	if errors.As(err, &transportErr) {
		return "network error during " + transportErr.Op
	}
	return ""
}

func redactURL(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil || parsed == nil {
		return raw
	}
	parsed.User = nil
	parsed.RawQuery = ""
	return parsed.String()
}
