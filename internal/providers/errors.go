package providers

import (
	"context"
	"errors"
	"io"
	"net"
	"regexp"
	"strconv"
	"strings"
	"syscall"

	openai "github.com/sashabaranov/go-openai"
)

var (
	// ErrEmptyResponse marks a call that succeeded on the wire but produced no text.
	ErrEmptyResponse = errors.New("provider returned an empty response")
	// ErrNotConfigured marks a provider that cannot serve the call as configured,
	// such as a missing API key. Retrying cannot help.
	ErrNotConfigured = errors.New("provider is not configured")
)

type ErrorType string

const (
	ErrorQuota     ErrorType = "quota"
	ErrorRate      ErrorType = "rate"
	ErrorTransient ErrorType = "transient"
	ErrorPermanent ErrorType = "permanent"
	ErrorContext   ErrorType = "context"
	ErrorCanceled  ErrorType = "canceled"
)

var (
	quotaSignal     = regexp.MustCompile(`insufficient_quota|\bquota\b|out of credits|credit balance`)
	rateSignal      = regexp.MustCompile(`\b429\b|rate[ _-]?limit|too many requests`)
	contextSignal   = regexp.MustCompile(`context[ _]length|maximum context|too long`)
	transientSignal = regexp.MustCompile(`\b(500|502|503|504)\b|timeout|timed out|temporarily|unavailable|overloaded|deadline|` +
		`connection (reset|refused)|broken pipe|\beof\b|try again`)
	permanentSignal = regexp.MustCompile(`\b(400|401|403|404|405|413|415|422)\b|invalid[ _]api[ _]key|unauthori[sz]ed|forbidden|` +
		`invalid[ _]request|bad request|not found|permission|unsupported`)
)

// ClassifyError sorts a provider failure into an outcome class. HTTP status
// codes win when the client exposes one; message signals come next. An error
// with no recognisable signal is transient: only explicit client-side faults
// are permanent.
func ClassifyError(err error) ErrorType {
	if err == nil {
		return ""
	}
	switch {
	case errors.Is(err, context.Canceled):
		return ErrorCanceled
	case errors.Is(err, ErrNotConfigured):
		return ErrorPermanent
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, ErrEmptyResponse),
		errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.ECONNREFUSED):
		return ErrorTransient
	}
	e := strings.ToLower(err.Error())
	if code := statusCode(err); code != 0 {
		if t, ok := classifyStatus(code, e); ok {
			return t
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ErrorTransient
	}
	switch {
	case quotaSignal.MatchString(e):
		return ErrorQuota
	case rateSignal.MatchString(e):
		return ErrorRate
	case contextSignal.MatchString(e):
		return ErrorContext
	case transientSignal.MatchString(e):
		return ErrorTransient
	case permanentSignal.MatchString(e):
		return ErrorPermanent
	default:
		return ErrorTransient
	}
}

func statusCode(err error) int {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}
	var httpErr *StatusError
	if errors.As(err, &httpErr) {
		return httpErr.Code
	}
	return 0
}

func classifyStatus(code int, msg string) (ErrorType, bool) {
	switch {
	case code == 429:
		if quotaSignal.MatchString(msg) {
			return ErrorQuota, true
		}
		return ErrorRate, true
	case code == 408 || code >= 500:
		return ErrorTransient, true
	case code >= 400:
		if contextSignal.MatchString(msg) {
			return ErrorContext, true
		}
		return ErrorPermanent, true
	}
	return "", false
}

// StatusError is a non-2xx reply from an HTTP provider.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return "status " + strconv.Itoa(e.Code) + ": " + e.Body
}

// Retryable reports whether another attempt of the same call may succeed.
// Quota, rate and transient failures are retried; a prompt that is too long or a
// permanent provider error will fail again, and cancellation must stop the caller.
func Retryable(err error) bool {
	switch ClassifyError(err) {
	case ErrorQuota, ErrorRate, ErrorTransient:
		return true
	default:
		return false
	}
}
