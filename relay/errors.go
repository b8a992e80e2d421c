package relay

import (
	"errors"

	"github.com/bt-bridge/realtime-console/shared"
	"github.com/valyala/fasthttp"
)

type Kind int

const (
	KindConfig Kind = iota
	KindUpstream
	KindMalformed
	KindInternal
	KindRateLimited
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config_error"
	case KindUpstream:
		return "upstream_error"
	case KindMalformed:
		return "malformed"
	case KindRateLimited:
		return "rate_limited"
	default:
		return "internal_error"
	}
}

// Error is what IssueCredential fails with. Status is the HTTP status the relay
// answers with and Message the body's error string.
type Error struct {
	Kind    Kind
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Kind.String() + ": " + e.Message + ": " + e.Err.Error()
	}
	return e.Kind.String() + ": " + e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

const (
	msgNoAPIKey      = "OPENAI_API_KEY is not configured"
	msgUpstreamError = "OpenAI API error: "
	msgInvalid       = "Invalid response from OpenAI API"
	msgInternal      = "Internal server error"
	msgRateLimited   = "too many credential requests"
)

func configError() *Error {
	return &Error{Kind: KindConfig, Status: fasthttp.StatusInternalServerError, Message: msgNoAPIKey, Err: shared.ErrNoAPIKey}
}

func upstreamError(status int, body []byte) *Error {
	if status < 400 || status > 599 {
		status = fasthttp.StatusInternalServerError
	}
	return &Error{Kind: KindUpstream, Status: status, Message: msgUpstreamError + string(body)}
}

func malformedError(err error) *Error {
	return &Error{Kind: KindMalformed, Status: fasthttp.StatusInternalServerError, Message: msgInvalid, Err: err}
}

func internalError(err error) *Error {
	msg := msgInternal
	if err != nil && err.Error() != "" {
		msg = err.Error()
	}
	return &Error{Kind: KindInternal, Status: fasthttp.StatusInternalServerError, Message: msg}
}

func rateLimitedError() *Error {
	return &Error{Kind: KindRateLimited, Status: fasthttp.StatusTooManyRequests, Message: msgRateLimited}
}

// asError normalises anything IssueCredential may return.
func asError(err error) *Error {
	var re *Error
	if errors.As(err, &re) {
		return re
	}
	return internalError(err)
}
