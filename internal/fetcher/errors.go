package fetcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrorKind classifies a failed fetch.
type ErrorKind string

const (
	KindBlocked     ErrorKind = "blocked"
	KindRateLimited ErrorKind = "rate_limited"
	KindUnavailable ErrorKind = "unavailable"
	KindCaptcha     ErrorKind = "captcha"
	KindWAF         ErrorKind = "waf"
	KindTimeout     ErrorKind = "timeout"
	KindNotFound    ErrorKind = "not_found"
	KindParse       ErrorKind = "parse"
	KindHTTP        ErrorKind = "http"
	KindNetwork     ErrorKind = "network"
)

// Retryable reports whether a second pass through a different proxy tier may succeed.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindBlocked, KindRateLimited, KindUnavailable, KindCaptcha, KindWAF, KindTimeout:
		return true
	default:
		return false
	}
}

// FetchError is the structured failure returned by fetchers.
type FetchError struct {
	Kind       ErrorKind
	StatusCode int
	Retailer   string
	Err        error
}

func (e *FetchError) Error() string {
	msg := fmt.Sprintf("fetch %s: %s", e.Retailer, e.Kind)
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (%d)", msg, e.StatusCode)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// ShouldEscalate maps a pass failure to the escalate signal.
// Only structured fetch errors and timeouts count; other errors are not inspected.
func ShouldEscalate(err error) bool {
	if err == nil {
		return false
	}
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind.Retryable()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}

// KindOf returns the error kind, or an empty kind for unstructured errors.
func KindOf(err error) ErrorKind {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

var (
	captchaMarkers = [][]byte{[]byte("captcha"), []byte("are you a robot"), []byte("verify you are human")}
	wafMarkers     = [][]byte{[]byte("access denied"), []byte("request blocked"), []byte("cf-chl"), []byte("attention required")}
)

// ClassifyResponse derives the error kind for a non-success response or an
// anti-bot page served with 200. It returns an empty kind for a usable page.
func ClassifyResponse(status int, body []byte) ErrorKind {
	switch status {
	case http.StatusForbidden:
		return KindBlocked
	case http.StatusTooManyRequests:
		return KindRateLimited
	case http.StatusServiceUnavailable, http.StatusBadGateway:
		return KindUnavailable
	case http.StatusGatewayTimeout, http.StatusRequestTimeout:
		return KindTimeout
	case http.StatusNotFound, http.StatusGone:
		return KindNotFound
	}

	lower := bytes.ToLower(body)
	for _, marker := range captchaMarkers {
		if bytes.Contains(lower, marker) {
			return KindCaptcha
		}
	}
	if status >= 400 {
		for _, marker := range wafMarkers {
			if bytes.Contains(lower, marker) {
				return KindWAF
			}
		}
		return KindHTTP
	}
	return ""
}
