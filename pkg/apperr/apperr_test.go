package apperr

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWrapAndIs(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(Timeout, "switch deadline exceeded", cause)

	assert.True(t, Is(err, Timeout))
	assert.False(t, Is(err, NotFound))
	assert.Equal(t, cause, errors.Unwrap(err))
}

func TestKindOfUntyped(t *testing.T) {
	assert.Equal(t, UpstreamError, KindOf(errors.New("plain")))
}

func TestHTTPStatusMapping(t *testing.T) {
	cases := map[Kind]int{
		NotFound:       http.StatusNotFound,
		Forbidden:      http.StatusForbidden,
		Unavailable:    http.StatusServiceUnavailable,
		Timeout:        http.StatusGatewayTimeout,
		Validation:     http.StatusBadRequest,
		ProtocolError:  http.StatusBadGateway,
		UpstreamError:  http.StatusBadGateway,
		Cancelled:      http.StatusRequestTimeout,
		NotImplemented: http.StatusNotImplemented,
	}
	for kind, want := range cases {
		assert.Equal(t, want, HTTPStatus(kind), "kind=%s", kind)
	}
}
