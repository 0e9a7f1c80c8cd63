package errors

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrTransport        = errors.New("transport failure")
	ErrProtocol         = errors.New("protocol violation")
	ErrTimeout          = errors.New("no data received within timeout")
	ErrIncompleteStream = errors.New("stream closed before [DONE]")
	ErrMissingContent   = errors.New("response carried no message content")
	ErrBusy             = errors.New("an exchange is already in flight")
)

// StatusError reports a non-200 response from the API. It matches
// ErrProtocol under errors.Is.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("API error: %d %s", e.Code, http.StatusText(e.Code))
	}
	return fmt.Sprintf("API error: %d %s - %s", e.Code, http.StatusText(e.Code), e.Body)
}

func (e *StatusError) Is(target error) bool {
	return target == ErrProtocol
}
