package binance

import (
	"fmt"
	"net/http"

	"github.com/pkg/errors"
)

// Binance error codes that change how a failure is handled.
const (
	codeTimestampOutsideWindow = -1021
	codeInvalidSignature       = -1022
	codeBadAPIKeyFormat        = -2014
	codeRejectedAPIKey         = -2015
	codeUnknownOrder           = -2013
)

// AuthError is returned for credential or signature rejections. It is never
// retried.
type AuthError struct {
	StatusCode int
	Code       int
	Message    string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("binance auth failed: %d (code %d) - %s", e.StatusCode, e.Code, e.Message)
}

// RequestError carries the last status seen for a call that failed, either
// because retries ran out or because the exchange rejected the request.
type RequestError struct {
	StatusCode int
	Code       int
	Message    string
	Attempts   int
	Err        error
}

func (e *RequestError) Error() string {
	if e.Err != nil && e.StatusCode == 0 {
		return fmt.Sprintf("binance request failed after %d attempt(s): %v", e.Attempts, e.Err)
	}
	return fmt.Sprintf("binance request failed after %d attempt(s): %d (code %d) - %s",
		e.Attempts, e.StatusCode, e.Code, e.Message)
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

func IsRequestError(err error) bool {
	var reqErr *RequestError
	return errors.As(err, &reqErr)
}

type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// classify maps a non-2xx response to an error and reports whether the call
// may be retried.
func classify(status int, body apiError, attempts int) (bool, error) {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden,
		body.Code == codeInvalidSignature, body.Code == codeBadAPIKeyFormat, body.Code == codeRejectedAPIKey:
		return false, &AuthError{StatusCode: status, Code: body.Code, Message: body.Msg}
	}

	reqErr := &RequestError{StatusCode: status, Code: body.Code, Message: body.Msg, Attempts: attempts}
	switch {
	case status == http.StatusTooManyRequests, status == http.StatusTeapot:
		return true, reqErr
	case status >= http.StatusInternalServerError:
		return true, reqErr
	case body.Code == codeTimestampOutsideWindow:
		return true, reqErr
	}
	return false, reqErr
}
