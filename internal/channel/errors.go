package channel

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrInvalidInput is returned by Send for arguments it cannot work with.
var ErrInvalidInput = errors.New("invalid send input")

// TransportError is a non-success response from the channel service.
type TransportError struct {
	StatusCode int
	Body       string
}

func (e *TransportError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("channel responded %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("channel responded %d %s: %s", e.StatusCode, http.StatusText(e.StatusCode), e.Body)
}

// HTTPStatus lets the retry policy classify the error.
func (e *TransportError) HTTPStatus() int {
	return e.StatusCode
}
